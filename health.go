package main

import (
	"context"
	"fmt"
	"time"

	"guildbytes/pkg/score"
)

func daysDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// --- Analytics cache (5m TTL, bounded, invalidated per squad) ---

func cacheKey(squadID, kind string, days int) string {
	return fmt.Sprintf("%s|%s|%d", squadID, kind, days)
}

func healthCacheGet(key string) (interface{}, bool) {
	healthLock.Lock()
	defer healthLock.Unlock()
	e, ok := healthCache[key]
	if !ok || nowFunc().After(e.expires) {
		delete(healthCache, key)
		return nil, false
	}
	return e.val, true
}

func healthCachePut(key, squadID string, val interface{}) {
	healthLock.Lock()
	defer healthLock.Unlock()
	if len(healthCache) > 1024 {
		now := nowFunc()
		for k, e := range healthCache {
			if now.After(e.expires) {
				delete(healthCache, k)
			}
		}
	}
	healthCache[key] = healthEntry{val: val, squadID: squadID, expires: nowFunc().Add(HealthCacheTTL)}
}

func invalidateHealthCache(squadID string) {
	healthLock.Lock()
	defer healthLock.Unlock()
	for k, e := range healthCache {
		if e.squadID == squadID {
			delete(healthCache, k)
		}
	}
}

// --- Window aggregation ---

type windowStats struct {
	Total    int
	Unique   int
	Positive int
	Negative int
	Daily    []int // one bucket per day, oldest first
	AvgAge   float64
}

// collectWindow aggregates a squad's activity over the trailing window.
func collectWindow(ctx context.Context, squadID string, days int) (windowStats, error) {
	var ws windowStats
	now := nowFunc()
	since := now.Add(-daysDuration(days))

	rows, err := db.QueryContext(ctx, `SELECT user_id, activity_type, created_at
		FROM squad_activities WHERE squad_id = ? AND created_at >= ?`, squadID, since.Unix())
	if err != nil {
		return ws, err
	}
	defer rows.Close()

	ws.Daily = make([]int, days)
	users := map[string]bool{}
	var ageSum float64
	for rows.Next() {
		var userID, typ string
		var createdAt int64
		if err := rows.Scan(&userID, &typ, &createdAt); err != nil {
			return ws, err
		}
		ws.Total++
		users[userID] = true
		if positiveActivityTypes[typ] {
			ws.Positive++
		} else if negativeActivityTypes[typ] {
			ws.Negative++
		}
		bucket := int(time.Unix(createdAt, 0).Sub(since) / (24 * time.Hour))
		if bucket >= 0 && bucket < days {
			ws.Daily[bucket]++
		}
		ageSum += float64(now.Unix() - createdAt)
	}
	if err := rows.Err(); err != nil {
		return ws, err
	}
	ws.Unique = len(users)
	if ws.Total > 0 {
		ws.AvgAge = ageSum / float64(ws.Total)
	}
	return ws, nil
}

// --- Read API ---

type healthResult struct {
	SquadID    string                 `json:"squad_id"`
	WindowDays int                    `json:"window_days"`
	Total      int                    `json:"total_activities"`
	Unique     int                    `json:"unique_users"`
	Components score.HealthComponents `json:"components"`
	Score      float64                `json:"score"`
}

func healthScore(ctx context.Context, squadID string, days int) (healthResult, error) {
	key := cacheKey(squadID, "health", days)
	if v, ok := healthCacheGet(key); ok {
		return v.(healthResult), nil
	}
	ws, err := collectWindow(ctx, squadID, days)
	if err != nil {
		return healthResult{}, err
	}
	c := score.Health(ws.Total, ws.Unique, ws.Positive, ws.Negative, ws.Daily, days)
	res := healthResult{
		SquadID: squadID, WindowDays: days,
		Total: ws.Total, Unique: ws.Unique,
		Components: c, Score: c.Score,
	}
	healthCachePut(key, squadID, res)
	return res, nil
}

type engagementResult struct {
	SquadID    string                     `json:"squad_id"`
	WindowDays int                        `json:"window_days"`
	Total      int                        `json:"total_activities"`
	Unique     int                        `json:"unique_users"`
	Components score.EngagementComponents `json:"components"`
	Score      float64                    `json:"score"`
}

func engagementScore(ctx context.Context, squadID string, days int) (engagementResult, error) {
	key := cacheKey(squadID, "engagement", days)
	if v, ok := healthCacheGet(key); ok {
		return v.(engagementResult), nil
	}
	ws, err := collectWindow(ctx, squadID, days)
	if err != nil {
		return engagementResult{}, err
	}
	c := score.Engagement(ws.Total, ws.Unique, ws.Positive, ws.Negative, days, ws.AvgAge)
	res := engagementResult{
		SquadID: squadID, WindowDays: days,
		Total: ws.Total, Unique: ws.Unique,
		Components: c, Score: c.Score,
	}
	healthCachePut(key, squadID, res)
	return res, nil
}

type trendResult struct {
	SquadID    string  `json:"squad_id"`
	WindowDays int     `json:"window_days"`
	GrowthRate float64 `json:"growth_rate"`
	Direction  string  `json:"direction"`
	Daily      []int   `json:"daily_counts"`
}

func squadTrends(ctx context.Context, squadID string, days int) (trendResult, error) {
	key := cacheKey(squadID, "trends", days)
	if v, ok := healthCacheGet(key); ok {
		return v.(trendResult), nil
	}
	ws, err := collectWindow(ctx, squadID, days)
	if err != nil {
		return trendResult{}, err
	}
	rate, dir := score.Growth(ws.Daily)
	res := trendResult{
		SquadID: squadID, WindowDays: days,
		GrowthRate: rate, Direction: dir, Daily: ws.Daily,
	}
	healthCachePut(key, squadID, res)
	return res, nil
}

type patternResult struct {
	SquadID string `json:"squad_id"`
	Kind    string `json:"kind"` // daily, weekly
	Buckets []int  `json:"buckets"`
	Peaks   []int  `json:"peaks"`
}

// squadPatterns histograms activity by hour-of-day or day-of-week over
// the trailing 30 days.
func squadPatterns(ctx context.Context, squadID, kind string) (patternResult, error) {
	var format string
	var size int
	switch kind {
	case "daily":
		format, size = "%H", 24
	case "weekly":
		format, size = "%w", 7
	default:
		return patternResult{}, errValidation("kind", "kind must be daily or weekly")
	}

	key := cacheKey(squadID, "patterns:"+kind, 30)
	if v, ok := healthCacheGet(key); ok {
		return v.(patternResult), nil
	}

	since := nowFunc().Add(-daysDuration(30)).Unix()
	rows, err := db.QueryContext(ctx, `SELECT CAST(strftime(?, created_at, 'unixepoch') AS INTEGER), COUNT(*)
		FROM squad_activities WHERE squad_id = ? AND created_at >= ?
		GROUP BY 1`, format, squadID, since)
	if err != nil {
		return patternResult{}, err
	}
	defer rows.Close()

	buckets := make([]int, size)
	for rows.Next() {
		var bucket, n int
		if err := rows.Scan(&bucket, &n); err != nil {
			return patternResult{}, err
		}
		if bucket >= 0 && bucket < size {
			buckets[bucket] = n
		}
	}
	if err := rows.Err(); err != nil {
		return patternResult{}, err
	}

	res := patternResult{SquadID: squadID, Kind: kind, Buckets: buckets, Peaks: score.Peaks(buckets)}
	healthCachePut(key, squadID, res)
	return res, nil
}

type healthReport struct {
	Health     healthResult     `json:"health"`
	Engagement engagementResult `json:"engagement"`
	Trend      trendResult      `json:"trend"`
	Daily      patternResult    `json:"daily_pattern"`
	Weekly     patternResult    `json:"weekly_pattern"`
}

func squadHealthReport(ctx context.Context, squadID string, days int) (healthReport, error) {
	var rep healthReport
	var err error
	if rep.Health, err = healthScore(ctx, squadID, days); err != nil {
		return rep, err
	}
	if rep.Engagement, err = engagementScore(ctx, squadID, 7); err != nil {
		return rep, err
	}
	if rep.Trend, err = squadTrends(ctx, squadID, days); err != nil {
		return rep, err
	}
	if rep.Daily, err = squadPatterns(ctx, squadID, "daily"); err != nil {
		return rep, err
	}
	if rep.Weekly, err = squadPatterns(ctx, squadID, "weekly"); err != nil {
		return rep, err
	}
	return rep, nil
}
