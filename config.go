package main

import (
	"context"
	"database/sql"
	"encoding/json"
)

// loadGuildConfig returns the economy config for a guild, creating the
// row with defaults on first access. Results are cached for 30s; updates
// invalidate the entry.
func loadGuildConfig(ctx context.Context, guildID string) (GuildConfig, error) {
	configLock.RLock()
	if e, ok := configCache[guildID]; ok && nowFunc().Sub(e.fetchedAt) < ConfigCacheTTL {
		configLock.RUnlock()
		return e.cfg, nil
	}
	configLock.RUnlock()

	cfg, err := fetchGuildConfig(ctx, guildID)
	if err == sql.ErrNoRows {
		now := nowFunc().Unix()
		// Lazy creation; a concurrent creator winning the race is fine.
		_, err = db.ExecContext(ctx, `INSERT INTO guild_configs (guild_id, created_at, updated_at)
			VALUES (?, ?, ?) ON CONFLICT(guild_id) DO NOTHING`, guildID, now, now)
		if err != nil {
			return GuildConfig{}, err
		}
		cfg, err = fetchGuildConfig(ctx, guildID)
	}
	if err != nil {
		return GuildConfig{}, err
	}

	configLock.Lock()
	configCache[guildID] = configEntry{cfg: cfg, fetchedAt: nowFunc()}
	configLock.Unlock()
	return cfg, nil
}

func fetchGuildConfig(ctx context.Context, guildID string) (GuildConfig, error) {
	var cfg GuildConfig
	var bonuses, rewards string
	err := db.QueryRowContext(ctx, `SELECT guild_id, starting_balance, daily_amount, max_transfer,
		transfer_cooldown_hours, streak_bonuses, role_rewards, active_campaign, created_at, updated_at
		FROM guild_configs WHERE guild_id = ?`, guildID).
		Scan(&cfg.GuildID, &cfg.StartingBalance, &cfg.DailyAmount, &cfg.MaxTransfer,
			&cfg.TransferCooldownHours, &bonuses, &rewards, &cfg.ActiveCampaign,
			&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(bonuses), &cfg.StreakBonuses); err != nil {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(rewards), &cfg.RoleRewards); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// updateGuildConfig applies a validated patch and returns the fresh row.
func updateGuildConfig(ctx context.Context, guildID string, patch configPatch) (GuildConfig, error) {
	if patch.StartingBalance != nil && *patch.StartingBalance < 0 {
		return GuildConfig{}, errValidation("starting_balance", "starting_balance must be >= 0")
	}
	if patch.DailyAmount != nil && *patch.DailyAmount < 1 {
		return GuildConfig{}, errValidation("daily_amount", "daily_amount must be >= 1")
	}
	if patch.MaxTransfer != nil && *patch.MaxTransfer < 1 {
		return GuildConfig{}, errValidation("max_transfer", "max_transfer must be >= 1")
	}
	if patch.TransferCooldownHours != nil && (*patch.TransferCooldownHours < 0 || *patch.TransferCooldownHours > 72) {
		return GuildConfig{}, errValidation("transfer_cooldown_hours", "transfer_cooldown_hours must be in [0,72]")
	}
	for day, mult := range patch.StreakBonuses {
		if day <= 0 || mult <= 0 {
			return GuildConfig{}, errValidation("streak_bonuses", "streak bonus days and multipliers must be positive")
		}
	}
	for role, threshold := range patch.RoleRewards {
		if role == "" || threshold < 0 {
			return GuildConfig{}, errValidation("role_rewards", "role reward thresholds must be >= 0")
		}
	}

	cfg, err := loadGuildConfig(ctx, guildID)
	if err != nil {
		return GuildConfig{}, err
	}
	if patch.StartingBalance != nil {
		cfg.StartingBalance = *patch.StartingBalance
	}
	if patch.DailyAmount != nil {
		cfg.DailyAmount = *patch.DailyAmount
	}
	if patch.MaxTransfer != nil {
		cfg.MaxTransfer = *patch.MaxTransfer
	}
	if patch.TransferCooldownHours != nil {
		cfg.TransferCooldownHours = *patch.TransferCooldownHours
	}
	if patch.StreakBonuses != nil {
		cfg.StreakBonuses = patch.StreakBonuses
	}
	if patch.RoleRewards != nil {
		cfg.RoleRewards = patch.RoleRewards
	}
	if patch.ActiveCampaign != nil {
		cfg.ActiveCampaign = *patch.ActiveCampaign
	}

	bonuses, _ := json.Marshal(cfg.StreakBonuses)
	rewards, _ := json.Marshal(cfg.RoleRewards)
	cfg.UpdatedAt = nowFunc().Unix()
	_, err = db.ExecContext(ctx, `UPDATE guild_configs SET starting_balance=?, daily_amount=?,
		max_transfer=?, transfer_cooldown_hours=?, streak_bonuses=?, role_rewards=?,
		active_campaign=?, updated_at=? WHERE guild_id=?`,
		cfg.StartingBalance, cfg.DailyAmount, cfg.MaxTransfer, cfg.TransferCooldownHours,
		string(bonuses), string(rewards), cfg.ActiveCampaign, cfg.UpdatedAt, guildID)
	if err != nil {
		return GuildConfig{}, err
	}

	configLock.Lock()
	delete(configCache, guildID)
	configLock.Unlock()
	return cfg, nil
}

// configCampaignActive is the default campaign-lockout signal.
func configCampaignActive(guildID string) bool {
	cfg, err := loadGuildConfig(context.Background(), guildID)
	if err != nil {
		return false
	}
	return cfg.ActiveCampaign
}

// multiplierFor picks the largest tier key <= streak; default 1.
func multiplierFor(streak int, tiers map[int]int) int {
	best, mult := 0, 1
	for day, m := range tiers {
		if day <= streak && day > best {
			best, mult = day, m
		}
	}
	return mult
}
