package main

import (
	"database/sql"

	"github.com/pkg/errors"
)

// migrate runs all pending migrations in order. Each migration executes
// inside its own transaction and is recorded in the migrations table, so
// re-running the lineage is a no-op.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return errors.Wrap(err, "create migrations table")
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&current); err != nil {
		return errors.Wrap(err, "read migration version")
	}

	for _, m := range allMigrations() {
		if m.version <= current {
			continue
		}
		if err := runMigration(db, m); err != nil {
			return errors.Wrapf(err, "migration %d", m.version)
		}
		InfoLog.Printf("migration %d applied", m.version)
	}
	return nil
}

type migration struct {
	version int
	sql     string
}

func runMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return errors.Wrap(err, "exec")
	}
	if _, err := tx.Exec("INSERT INTO migrations (version, applied_at) VALUES (?, ?)",
		m.version, nowFunc().Unix()); err != nil {
		return errors.Wrap(err, "record")
	}
	return tx.Commit()
}

func allMigrations() []migration {
	return []migration{
		{1, migration001Economy},
		{2, migration002SalesAndBeacons},
		{3, migration003UsernamesAndDefaults},
	}
}

// Core economy and squad schema. All timestamps are unix seconds UTC;
// last_daily_date is a calendar date in the guild's reference timezone.
const migration001Economy = `
CREATE TABLE IF NOT EXISTS guild_configs (
	guild_id TEXT PRIMARY KEY CHECK(length(guild_id) >= 10),
	starting_balance INTEGER NOT NULL DEFAULT 100 CHECK(starting_balance >= 0),
	daily_amount INTEGER NOT NULL DEFAULT 10 CHECK(daily_amount >= 1),
	max_transfer INTEGER NOT NULL DEFAULT 1000 CHECK(max_transfer >= 1),
	transfer_cooldown_hours INTEGER NOT NULL DEFAULT 0 CHECK(transfer_cooldown_hours BETWEEN 0 AND 72),
	streak_bonuses TEXT NOT NULL DEFAULT '{"8":2,"16":4,"32":8,"64":16}',
	role_rewards TEXT NOT NULL DEFAULT '{}',
	active_campaign INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bytes_balances (
	guild_id TEXT NOT NULL CHECK(length(guild_id) >= 10),
	user_id TEXT NOT NULL CHECK(length(user_id) >= 10),
	balance INTEGER NOT NULL DEFAULT 0 CHECK(balance >= 0),
	total_received INTEGER NOT NULL DEFAULT 0 CHECK(total_received >= 0),
	total_sent INTEGER NOT NULL DEFAULT 0 CHECK(total_sent >= 0),
	streak_count INTEGER NOT NULL DEFAULT 0 CHECK(streak_count >= 0),
	last_daily_date TEXT,
	last_transfer_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (guild_id, user_id)
);

CREATE TABLE IF NOT EXISTS bytes_transactions (
	id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL CHECK(length(guild_id) >= 10),
	giver_id TEXT NOT NULL,
	giver_username TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	receiver_username TEXT NOT NULL,
	amount INTEGER NOT NULL CHECK(amount > 0),
	reason TEXT CHECK(reason IS NULL OR length(reason) <= 200),
	created_at INTEGER NOT NULL,
	CHECK (giver_id <> receiver_id OR giver_id = 'SYSTEM' OR receiver_id = 'SYSTEM')
);
CREATE INDEX IF NOT EXISTS idx_tx_guild_created ON bytes_transactions(guild_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tx_guild_giver ON bytes_transactions(guild_id, giver_id);
CREATE INDEX IF NOT EXISTS idx_tx_guild_receiver ON bytes_transactions(guild_id, receiver_id);

CREATE TABLE IF NOT EXISTS squads (
	id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL CHECK(length(guild_id) >= 10),
	role_id TEXT NOT NULL,
	name TEXT NOT NULL CHECK(length(name) >= 1 AND length(name) <= 100),
	description TEXT CHECK(description IS NULL OR length(description) <= 500),
	welcome_message TEXT,
	announcement_channel TEXT,
	switch_cost INTEGER NOT NULL DEFAULT 0 CHECK(switch_cost >= 0),
	max_members INTEGER CHECK(max_members IS NULL OR max_members > 0),
	is_active INTEGER NOT NULL DEFAULT 1,
	is_default INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (guild_id, role_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_squads_guild_name ON squads(guild_id, lower(name));
CREATE UNIQUE INDEX IF NOT EXISTS idx_squads_one_default ON squads(guild_id) WHERE is_default = 1;

CREATE TABLE IF NOT EXISTS squad_memberships (
	guild_id TEXT NOT NULL CHECK(length(guild_id) >= 10),
	user_id TEXT NOT NULL CHECK(length(user_id) >= 10),
	squad_id TEXT NOT NULL REFERENCES squads(id),
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (guild_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_memberships_squad ON squad_memberships(squad_id);

CREATE TABLE IF NOT EXISTS squad_activities (
	id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL CHECK(length(guild_id) >= 10),
	user_id TEXT NOT NULL,
	squad_id TEXT,
	activity_type TEXT NOT NULL CHECK(length(activity_type) >= 1),
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_guild_created ON squad_activities(guild_id, created_at);
CREATE INDEX IF NOT EXISTS idx_activities_squad_created ON squad_activities(squad_id, created_at);
CREATE INDEX IF NOT EXISTS idx_activities_type_created ON squad_activities(activity_type, created_at);
CREATE INDEX IF NOT EXISTS idx_activities_guild_type ON squad_activities(guild_id, activity_type);
`

// Sale pricing overrides, persisted beacon cooldowns (restarts must not
// reset them) and append-only economy snapshots.
const migration002SalesAndBeacons = `
CREATE TABLE IF NOT EXISTS squad_sales (
	id TEXT PRIMARY KEY,
	squad_id TEXT NOT NULL REFERENCES squads(id),
	kind TEXT NOT NULL CHECK(kind IN ('join','switch')),
	discount_percent INTEGER NOT NULL CHECK(discount_percent BETWEEN 1 AND 99),
	starts_at INTEGER NOT NULL,
	ends_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sales_squad ON squad_sales(squad_id, kind, starts_at, ends_at);

CREATE TABLE IF NOT EXISTS beacon_cooldowns (
	guild_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	last_beacon_at INTEGER NOT NULL,
	PRIMARY KEY (guild_id, user_id)
);

CREATE TABLE IF NOT EXISTS guild_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL,
	taken_at INTEGER NOT NULL,
	state_blob BLOB NOT NULL,
	final_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_guild ON guild_snapshots(guild_id, taken_at);
`

// Last-known username cache plus normalization of legacy default squads
// that carried a nonzero switch_cost.
const migration003UsernamesAndDefaults = `
CREATE TABLE IF NOT EXISTS user_names (
	guild_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	username TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (guild_id, user_id)
);

UPDATE squads SET switch_cost = 0 WHERE is_default = 1 AND switch_cost <> 0;
`
