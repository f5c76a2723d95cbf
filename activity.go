package main

import (
	"context"
	"database/sql"
	"encoding/json"
)

// logActivityTx appends an activity row inside the caller's transaction:
// the row commits with its cause or not at all.
func logActivityTx(ctx context.Context, tx *sql.Tx, guildID, userID string, squadID *string, activityType string, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO squad_activities
		(id, guild_id, user_id, squad_id, activity_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID(), guildID, userID, squadID, activityType, string(meta), nowFunc().Unix())
	if err != nil {
		return err
	}
	if squadID != nil {
		invalidateHealthCache(*squadID)
	}
	return nil
}

func validateActivity(a activityRequest) *apiError {
	if len(a.GuildID) < 10 {
		return errValidation("guild_id", "guild_id must be at least 10 characters")
	}
	if len(a.UserID) < 10 {
		return errValidation("user_id", "user_id must be at least 10 characters")
	}
	if a.ActivityType == "" {
		return errValidation("activity_type", "activity_type is required")
	}
	return nil
}

// createActivity records one gateway-reported activity.
func createActivity(ctx context.Context, a activityRequest) (SquadActivity, error) {
	var out SquadActivity
	if err := validateActivity(a); err != nil {
		return out, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	if a.Metadata == nil {
		a.Metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return out, err
	}
	id := newID()
	now := nowFunc().Unix()
	_, err = tx.ExecContext(ctx, `INSERT INTO squad_activities
		(id, guild_id, user_id, squad_id, activity_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, a.GuildID, a.UserID, a.SquadID, a.ActivityType, string(meta), now)
	if err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	if a.SquadID != nil {
		invalidateHealthCache(*a.SquadID)
	}
	return SquadActivity{
		ID: id, GuildID: a.GuildID, UserID: a.UserID, SquadID: a.SquadID,
		ActivityType: a.ActivityType, Metadata: a.Metadata, CreatedAt: now,
	}, nil
}

// bulkActivities ingests up to 100 activities in one transaction.
func bulkActivities(ctx context.Context, items []activityRequest) (int, error) {
	if len(items) == 0 {
		return 0, errValidation("activities", "at least one activity required")
	}
	if len(items) > 100 {
		return 0, errValidation("activities", "at most 100 activities per request")
	}
	for _, a := range items {
		if err := validateActivity(a); err != nil {
			return 0, err
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := nowFunc().Unix()
	touched := map[string]bool{}
	for _, a := range items {
		if a.Metadata == nil {
			a.Metadata = map[string]interface{}{}
		}
		meta, err := json.Marshal(a.Metadata)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO squad_activities
			(id, guild_id, user_id, squad_id, activity_type, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newID(), a.GuildID, a.UserID, a.SquadID, a.ActivityType, string(meta), now); err != nil {
			return 0, err
		}
		if a.SquadID != nil {
			touched[*a.SquadID] = true
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for sid := range touched {
		invalidateHealthCache(sid)
	}
	return len(items), nil
}

func scanActivities(rows *sql.Rows) ([]SquadActivity, error) {
	defer rows.Close()
	out := []SquadActivity{}
	for rows.Next() {
		var a SquadActivity
		var meta string
		if err := rows.Scan(&a.ID, &a.GuildID, &a.UserID, &a.SquadID, &a.ActivityType, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(meta), &a.Metadata)
		out = append(out, a)
	}
	return out, rows.Err()
}

const activityCols = `id, guild_id, user_id, squad_id, activity_type, metadata, created_at`

func listGuildActivities(ctx context.Context, guildID, activityType string, limit, offset int) ([]SquadActivity, error) {
	q := `SELECT ` + activityCols + ` FROM squad_activities WHERE guild_id = ?`
	args := []interface{}{guildID}
	if activityType != "" {
		q += ` AND activity_type = ?`
		args = append(args, activityType)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

func listSquadActivities(ctx context.Context, squadID string, limit, offset int) ([]SquadActivity, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+activityCols+` FROM squad_activities
		WHERE squad_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		squadID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

// activityStats aggregates per-type counts for a guild over a window.
func activityStats(ctx context.Context, guildID string, days int) (map[string]interface{}, error) {
	since := nowFunc().Add(-daysDuration(days)).Unix()
	rows, err := db.QueryContext(ctx, `SELECT activity_type, COUNT(*)
		FROM squad_activities WHERE guild_id = ? AND created_at >= ?
		GROUP BY activity_type ORDER BY COUNT(*) DESC`, guildID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byType := map[string]int64{}
	var total int64
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		byType[typ] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var uniqueUsers int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM squad_activities
		WHERE guild_id = ? AND created_at >= ?`, guildID, since).Scan(&uniqueUsers); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"guild_id":     guildID,
		"window_days":  days,
		"total":        total,
		"by_type":      byType,
		"unique_users": uniqueUsers,
	}, nil
}

func activityCount(ctx context.Context, guildID string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM squad_activities WHERE guild_id = ?`, guildID).Scan(&n)
	return n, err
}

func recentActivities(ctx context.Context, guildID string, limit int) ([]SquadActivity, error) {
	return listGuildActivities(ctx, guildID, "", limit, 0)
}
