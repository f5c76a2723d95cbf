package main

// --- Domain Models ---

type GuildConfig struct {
	GuildID               string           `json:"guild_id"`
	StartingBalance       int64            `json:"starting_balance"`
	DailyAmount           int64            `json:"daily_amount"`
	MaxTransfer           int64            `json:"max_transfer"`
	TransferCooldownHours int              `json:"transfer_cooldown_hours"`
	StreakBonuses         map[int]int      `json:"streak_bonuses"`
	RoleRewards           map[string]int64 `json:"role_rewards"`
	ActiveCampaign        bool             `json:"active_campaign"`
	CreatedAt             int64            `json:"created_at"`
	UpdatedAt             int64            `json:"updated_at"`
}

type BytesBalance struct {
	GuildID        string  `json:"guild_id"`
	UserID         string  `json:"user_id"`
	Balance        int64   `json:"balance"`
	TotalReceived  int64   `json:"total_received"`
	TotalSent      int64   `json:"total_sent"`
	StreakCount    int     `json:"streak_count"`
	LastDailyDate  *string `json:"last_daily_date"`  // calendar date in guild timezone
	LastTransferAt *int64  `json:"last_transfer_at"` // unix seconds
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

type BytesTransaction struct {
	ID               string  `json:"id"`
	GuildID          string  `json:"guild_id"`
	GiverID          string  `json:"giver_id"`
	GiverUsername    string  `json:"giver_username"`
	ReceiverID       string  `json:"receiver_id"`
	ReceiverUsername string  `json:"receiver_username"`
	Amount           int64   `json:"amount"`
	Reason           *string `json:"reason"`
	CreatedAt        int64   `json:"created_at"`
}

type Squad struct {
	ID                  string  `json:"id"`
	GuildID             string  `json:"guild_id"`
	RoleID              string  `json:"role_id"`
	Name                string  `json:"name"`
	Description         *string `json:"description"`
	WelcomeMessage      *string `json:"welcome_message"`
	AnnouncementChannel *string `json:"announcement_channel"`
	SwitchCost          int64   `json:"switch_cost"`
	MaxMembers          *int    `json:"max_members"`
	IsActive            bool    `json:"is_active"`
	IsDefault           bool    `json:"is_default"`
	CreatedAt           int64   `json:"created_at"`
	UpdatedAt           int64   `json:"updated_at"`

	// Computed at read time
	MemberCount       int   `json:"member_count"`
	CurrentJoinCost   int64 `json:"current_join_cost"`
	CurrentSwitchCost int64 `json:"current_switch_cost"`
}

type SquadMembership struct {
	GuildID  string `json:"guild_id"`
	UserID   string `json:"user_id"`
	SquadID  string `json:"squad_id"`
	JoinedAt int64  `json:"joined_at"`
}

type SquadMember struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"` // last known, if cached
	JoinedAt int64  `json:"joined_at"`
}

type SquadActivity struct {
	ID           string                 `json:"id"`
	GuildID      string                 `json:"guild_id"`
	UserID       string                 `json:"user_id"`
	SquadID      *string                `json:"squad_id"`
	ActivityType string                 `json:"activity_type"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    int64                  `json:"created_at"`
}

type SquadSale struct {
	ID              string `json:"id"`
	SquadID         string `json:"squad_id"`
	Kind            string `json:"kind"` // join, switch
	DiscountPercent int    `json:"discount_percent"`
	StartsAt        int64  `json:"starts_at"`
	EndsAt          int64  `json:"ends_at"`
}

// --- Operation Results ---

type DailyClaimResult struct {
	Earned     int64        `json:"earned"`
	Streak     int          `json:"streak"`
	Multiplier int          `json:"multiplier"`
	NewBalance int64        `json:"new_balance"`
	Balance    BytesBalance `json:"balance"`
}

type TransferResult struct {
	Transaction  BytesTransaction `json:"transaction"`
	GiverBalance int64            `json:"giver_balance"`
}

type JoinResult struct {
	Squad         Squad  `json:"squad"`
	PreviousSquad *Squad `json:"previous_squad"`
	FeePaid       int64  `json:"fee_paid"`
	NewBalance    int64  `json:"new_balance"`
}

type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	UserID        string `json:"user_id"`
	Username      string `json:"username,omitempty"`
	Balance       int64  `json:"balance"`
	TotalReceived int64  `json:"total_received"`
	StreakCount   int    `json:"streak_count"`
}

type UserSquadResponse struct {
	UserID  string `json:"user_id"`
	Squad   *Squad `json:"squad"`
	InSquad bool   `json:"in_squad"`
}

type BalanceResponse struct {
	BytesBalance
	EarnedRoleIDs []string `json:"earned_role_ids"`
}

// --- Wire Requests ---

type dailyClaimRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type transferRequest struct {
	GiverID          string  `json:"giver_id"`
	GiverUsername    string  `json:"giver_username"`
	ReceiverID       string  `json:"receiver_id"`
	ReceiverUsername string  `json:"receiver_username"`
	Amount           int64   `json:"amount"`
	Reason           *string `json:"reason"`
}

type joinSquadRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type configPatch struct {
	StartingBalance       *int64           `json:"starting_balance"`
	DailyAmount           *int64           `json:"daily_amount"`
	MaxTransfer           *int64           `json:"max_transfer"`
	TransferCooldownHours *int             `json:"transfer_cooldown_hours"`
	StreakBonuses         map[int]int      `json:"streak_bonuses"`
	RoleRewards           map[string]int64 `json:"role_rewards"`
	ActiveCampaign        *bool            `json:"active_campaign"`
}

type activityRequest struct {
	GuildID      string                 `json:"guild_id"`
	UserID       string                 `json:"user_id"`
	SquadID      *string                `json:"squad_id"`
	ActivityType string                 `json:"activity_type"`
	Metadata     map[string]interface{} `json:"metadata"`
}

type beaconRequest struct {
	UserID            string `json:"user_id"`
	ChannelID         string `json:"channel_id"`
	Content           string `json:"content"`
	IdentityName      string `json:"identity_name"`
	IdentityAvatarURL string `json:"identity_avatar_url"`
	RoleID            string `json:"role_id,omitempty"`
}

type adjustRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Amount   int64  `json:"amount"` // negative debits
	Reason   string `json:"reason"`
}

// --- Webhook Port ---

type WebhookIdentity struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}
