package main

import (
	"bytes"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// --- Configuration ---
const (
	DefaultDBPath      = "./data/guildbytes.db"
	DefaultAddr        = ":8080"
	DefaultTimezone    = "America/New_York"
	DefaultBeaconLimit = 1800
	BeaconCooldown     = 12 * time.Hour
	ConfigCacheTTL     = 30 * time.Second
	HealthCacheTTL     = 5 * time.Minute
	AnalyticsSoftLimit = 5 * time.Second
	WebhookSendTimeout = 3 * time.Second
	Version            = "1.2.0"
	APIVersion         = "v1"

	// Reserved counterparty for welcome bonuses, daily rewards,
	// squad fees and admin adjustments.
	SystemUser = "SYSTEM"

	dateLayout = "2006-01-02"
)

var (
	// Infrastructure
	db       *sql.DB
	InfoLog  *log.Logger
	ErrorLog *log.Logger

	// Config (env, read once at boot)
	Config struct {
		Addr        string
		DBPath      string
		APIKey      string
		AdminKey    string
		Timezone    *time.Location
		WebhookBase string
		BeaconLimit int
	}

	// Clock/ID ports. Tests swap these; nothing else reads the wall
	// clock or mints IDs directly.
	nowFunc = time.Now
	newID   = uuid.NewString

	// Guild config cache (30s TTL, invalidated on update)
	configCache = make(map[string]configEntry)
	configLock  sync.RWMutex

	// Analytics result cache (5m TTL, invalidated per squad on write)
	healthCache = make(map[string]healthEntry)
	healthLock  sync.Mutex

	// Webhook handle cache, invalidated when the port reports the
	// handle gone (404/410 downstream).
	webhookCache = make(map[string]string)
	webhookLock  sync.RWMutex

	// Outbound webhook port, swapped in tests.
	webhookPort WebhookSender

	// Campaign-lockout predicate. Defaults to the guild config flag;
	// tests may inject their own signal.
	campaignActive = configCampaignActive

	// Rate Limiting
	ipLimiters = make(map[string]*rate.Limiter)
	ipLock     sync.Mutex

	bufferPool = sync.Pool{
		New: func() interface{} {
			return new(bytes.Buffer)
		},
	}
)

type configEntry struct {
	cfg       GuildConfig
	fetchedAt time.Time
}

type healthEntry struct {
	val     interface{}
	squadID string
	expires time.Time
}

// --- Activity classification ---

var positiveActivityTypes = map[string]bool{
	"squad_join":         true,
	"message_sent":       true,
	"event_participated": true,
	"role_assigned":      true,
}

var negativeActivityTypes = map[string]bool{
	"squad_leave":    true,
	"user_timeout":   true,
	"warning_issued": true,
}
