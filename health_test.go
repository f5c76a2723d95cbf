package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func seedActivity(t *testing.T, guildID, userID, squadID, activityType string, createdAt time.Time) {
	t.Helper()
	var sid interface{}
	if squadID != "" {
		sid = squadID
	}
	_, err := db.Exec(`INSERT INTO squad_activities
		(id, guild_id, user_id, squad_id, activity_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, '{}', ?)`,
		newID(), guildID, userID, sid, activityType, createdAt.Unix())
	if err != nil {
		t.Fatalf("Failed to seed activity: %v", err)
	}
}

func TestHealthScoreEmptySquad(t *testing.T) {
	setupTestEnv(t)

	rr := executeRequest("GET", "/api/v1/squads/squad-empty-01/health/score", nil, Config.APIKey)
	if rr.Code != 200 {
		t.Fatalf("Health score failed: %d %s", rr.Code, rr.Body.String())
	}
	var res healthResult
	decodeBody(t, rr, &res)
	if res.Score != 0 || res.Total != 0 {
		t.Errorf("Empty squad should score 0.0, got %+v", res)
	}
}

func TestHealthScoreSteadyActivity(t *testing.T) {
	setupTestEnv(t)
	sid := "squad-steady-1"

	// One user, two positive activities every day for 30 days
	base := testNow.Add(-30 * 24 * time.Hour)
	for d := 0; d < 30; d++ {
		seedActivity(t, testGuild, userAlice, sid, "message_sent", base.Add(time.Duration(d)*24*time.Hour+time.Hour))
		seedActivity(t, testGuild, userAlice, sid, "message_sent", base.Add(time.Duration(d)*24*time.Hour+2*time.Hour))
	}

	res, err := healthScore(context.Background(), sid, 30)
	if err != nil {
		t.Fatalf("healthScore: %v", err)
	}
	// Frequency 1.0, diversity 0.2, quality 1.0, consistency 1.0
	if math.Abs(res.Score-0.80) > 1e-9 {
		t.Errorf("Expected score 0.80, got %v (%+v)", res.Score, res.Components)
	}
	if res.Score < 0 || res.Score > 1 {
		t.Errorf("Score out of range: %v", res.Score)
	}
	if res.Total != 60 || res.Unique != 1 {
		t.Errorf("Wrong window stats: %+v", res)
	}
}

func TestHealthQualityPenalty(t *testing.T) {
	setupTestEnv(t)
	sid := "squad-toxic-01"
	when := testNow.Add(-2 * 24 * time.Hour)
	seedActivity(t, testGuild, userAlice, sid, "message_sent", when)
	seedActivity(t, testGuild, userBob, sid, "warning_issued", when.Add(24*time.Hour))

	res, err := healthScore(context.Background(), sid, 30)
	if err != nil {
		t.Fatalf("healthScore: %v", err)
	}
	if res.Components.Quality != 0.5 {
		t.Errorf("Expected quality 0.5 with one positive and one negative, got %v", res.Components.Quality)
	}
}

func TestHealthCacheInvalidation(t *testing.T) {
	setupTestEnv(t)
	sid := "squad-cache-01"

	first, err := healthScore(context.Background(), sid, 30)
	if err != nil {
		t.Fatalf("healthScore: %v", err)
	}
	if first.Score != 0 {
		t.Fatalf("Expected empty score: %v", first.Score)
	}

	// A new activity must bust the cached result
	if _, err := createActivity(context.Background(), activityRequest{
		GuildID: testGuild, UserID: userAlice, SquadID: &sid, ActivityType: "message_sent",
	}); err != nil {
		t.Fatalf("createActivity: %v", err)
	}
	second, err := healthScore(context.Background(), sid, 30)
	if err != nil {
		t.Fatalf("healthScore: %v", err)
	}
	if second.Total != 1 || second.Score == 0 {
		t.Errorf("Stale cache served after write: %+v", second)
	}
}

func TestTrendsDirection(t *testing.T) {
	setupTestEnv(t)
	sid := "squad-trend-01"

	// Quiet first half, two activities per day in the second half
	base := testNow.Add(-10 * 24 * time.Hour)
	for d := 5; d < 10; d++ {
		seedActivity(t, testGuild, userAlice, sid, "message_sent", base.Add(time.Duration(d)*24*time.Hour+time.Hour))
		seedActivity(t, testGuild, userBob, sid, "message_sent", base.Add(time.Duration(d)*24*time.Hour+2*time.Hour))
	}

	rr := executeRequest("GET", "/api/v1/squads/"+sid+"/health/trends?days=10", nil, Config.APIKey)
	var res trendResult
	decodeBody(t, rr, &res)
	if res.Direction != "growing" {
		t.Errorf("Expected growing, got %q (rate %v)", res.Direction, res.GrowthRate)
	}
	if len(res.Daily) != 10 {
		t.Errorf("Expected 10 daily buckets, got %d", len(res.Daily))
	}
}

func TestPatternsDailyPeak(t *testing.T) {
	setupTestEnv(t)
	sid := "squad-night-01"

	// Activity concentrated at 14:00 UTC
	for d := 1; d <= 5; d++ {
		when := time.Date(2025, 1, d, 14, 30, 0, 0, time.UTC)
		seedActivity(t, testGuild, userAlice, sid, "message_sent", when)
	}
	seedActivity(t, testGuild, userAlice, sid, "message_sent", time.Date(2025, 1, 3, 9, 0, 0, 0, time.UTC))

	rr := executeRequest("GET", "/api/v1/squads/"+sid+"/health/patterns?kind=daily", nil, Config.APIKey)
	var res patternResult
	decodeBody(t, rr, &res)
	if len(res.Buckets) != 24 {
		t.Fatalf("Expected 24 hour buckets, got %d", len(res.Buckets))
	}
	if len(res.Peaks) != 1 || res.Peaks[0] != 14 {
		t.Errorf("Expected peak at hour 14, got %v", res.Peaks)
	}

	rr = executeRequest("GET", "/api/v1/squads/"+sid+"/health/patterns?kind=hourly", nil, Config.APIKey)
	if rr.Code != 400 {
		t.Errorf("Bad kind accepted: %d", rr.Code)
	}
}

func TestHealthReport(t *testing.T) {
	setupTestEnv(t)
	sid := "squad-report-1"
	seedActivity(t, testGuild, userAlice, sid, "message_sent", testNow.Add(-time.Hour))

	rr := executeRequest("GET", "/api/v1/squads/"+sid+"/health/report", nil, Config.APIKey)
	if rr.Code != 200 {
		t.Fatalf("Report failed: %d %s", rr.Code, rr.Body.String())
	}
	var rep healthReport
	decodeBody(t, rr, &rep)
	if rep.Health.SquadID != sid || rep.Engagement.WindowDays != 7 {
		t.Errorf("Wrong report: %+v", rep)
	}
	if rep.Daily.Kind != "daily" || rep.Weekly.Kind != "weekly" {
		t.Errorf("Missing patterns: %+v", rep)
	}
}

// --- Activity ingest ---

func TestCreateActivityValidation(t *testing.T) {
	setupTestEnv(t)

	rr := executeRequest("POST", "/api/v1/squads/activities", map[string]interface{}{
		"guild_id": testGuild, "user_id": "short", "activity_type": "message_sent",
	}, Config.APIKey)
	if rr.Code != 400 {
		t.Errorf("Short user id accepted: %d", rr.Code)
	}

	rr = executeRequest("POST", "/api/v1/squads/activities", map[string]interface{}{
		"guild_id": testGuild, "user_id": userAlice, "activity_type": "message_sent",
		"metadata": map[string]interface{}{"channel": "general"},
	}, Config.APIKey)
	if rr.Code != 201 {
		t.Fatalf("Create failed: %d %s", rr.Code, rr.Body.String())
	}
	var a SquadActivity
	decodeBody(t, rr, &a)
	if a.ID == "" || a.Metadata["channel"] != "general" {
		t.Errorf("Wrong created activity: %+v", a)
	}
}

func TestBulkActivities(t *testing.T) {
	setupTestEnv(t)

	items := make([]map[string]interface{}, 0, 101)
	for i := 0; i < 101; i++ {
		items = append(items, map[string]interface{}{
			"guild_id": testGuild, "user_id": userAlice, "activity_type": "message_sent",
		})
	}
	rr := executeRequest("POST", "/api/v1/squads/activities/bulk",
		map[string]interface{}{"activities": items}, Config.APIKey)
	if rr.Code != 400 {
		t.Errorf("Oversized batch accepted: %d", rr.Code)
	}

	rr = executeRequest("POST", "/api/v1/squads/activities/bulk",
		map[string]interface{}{"activities": items[:40]}, Config.APIKey)
	if rr.Code != 201 {
		t.Fatalf("Bulk ingest failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp map[string]int
	decodeBody(t, rr, &resp)
	if resp["created"] != 40 {
		t.Errorf("Expected 40 created, got %d", resp["created"])
	}
}

func TestBulkActivitiesLZ4Body(t *testing.T) {
	setupTestEnv(t)

	payload, _ := json.Marshal(map[string]interface{}{
		"activities": []map[string]interface{}{
			{"guild_id": testGuild, "user_id": userAlice, "activity_type": "event_participated"},
		},
	})
	req, _ := http.NewRequest("POST", "/api/v1/squads/activities/bulk", bytes.NewReader(compressLZ4(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "lz4")
	req.Header.Set("Authorization", "Bearer "+Config.APIKey)
	req.RemoteAddr = "192.0.2.1:4242"

	rr := httptest.NewRecorder()
	middlewareSecurity(newMux()).ServeHTTP(rr, req)
	if rr.Code != 201 {
		t.Fatalf("Compressed batch rejected: %d %s", rr.Code, rr.Body.String())
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM squad_activities WHERE guild_id = ?`, testGuild).Scan(&n)
	if n != 1 {
		t.Errorf("Expected 1 stored activity, got %d", n)
	}
}

func TestActivityStatsAndCount(t *testing.T) {
	setupTestEnv(t)
	when := testNow.Add(-time.Hour)
	seedActivity(t, testGuild, userAlice, "", "message_sent", when)
	seedActivity(t, testGuild, userAlice, "", "message_sent", when)
	seedActivity(t, testGuild, userBob, "", "squad_join", when)
	// Outside the window
	seedActivity(t, testGuild, userBob, "", "message_sent", testNow.Add(-40*24*time.Hour))

	rr := executeRequest("GET", "/api/v1/guilds/"+testGuild+"/activities/stats?days=30", nil, Config.APIKey)
	var stats struct {
		Total       int64            `json:"total"`
		ByType      map[string]int64 `json:"by_type"`
		UniqueUsers int64            `json:"unique_users"`
	}
	decodeBody(t, rr, &stats)
	if stats.Total != 3 || stats.ByType["message_sent"] != 2 || stats.UniqueUsers != 2 {
		t.Errorf("Wrong stats: %+v", stats)
	}

	rr = executeRequest("GET", "/api/v1/guilds/"+testGuild+"/activities/count", nil, Config.APIKey)
	var count struct {
		Count int64 `json:"count"`
	}
	decodeBody(t, rr, &count)
	if count.Count != 4 {
		t.Errorf("Expected 4 total, got %d", count.Count)
	}

	rr = executeRequest("GET", "/api/v1/guilds/"+testGuild+"/activities?activity_type=squad_join", nil, Config.APIKey)
	var acts []SquadActivity
	decodeBody(t, rr, &acts)
	if len(acts) != 1 || acts[0].UserID != userBob {
		t.Errorf("Type filter broken: %+v", acts)
	}
}
