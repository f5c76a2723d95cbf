package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
)

// --- Shared parsing ---

func guildIDFrom(r *http.Request) (string, *apiError) {
	gid := r.PathValue("gid")
	if len(gid) < 10 {
		return "", errValidation("guild_id", "guild_id must be at least 10 characters")
	}
	return gid, nil
}

func queryInt(r *http.Request, name string, def, min, max int) (int, *apiError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, errValidation(name, name+" must be an integer in ["+strconv.Itoa(min)+","+strconv.Itoa(max)+"]")
	}
	return n, nil
}

// analyticsCtx applies the 5s soft limit to read-heavy endpoints.
func analyticsCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), AnalyticsSoftLimit)
}

func mapCtxErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errTimeout()
	}
	return err
}

// --- Auth ---

func handleAuthValidate(w http.ResponseWriter, r *http.Request) {
	// Reaching here means the middleware accepted the key.
	writeJSON(w, 200, map[string]interface{}{"valid": true})
}

func handleAuthHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := db.PingContext(r.Context()); err != nil {
		dbStatus = "error"
	}
	writeJSON(w, 200, map[string]interface{}{
		"status":    "ok",
		"version":   Version,
		"timestamp": nowFunc().Unix(),
		"database":  dbStatus,
	})
}

func handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	env := os.Getenv("GUILDBYTES_ENV")
	if env == "" {
		env = "production"
	}
	writeJSON(w, 200, map[string]interface{}{
		"authenticated": true,
		"key_name":      keyNameFrom(r.Context()),
		"environment":   env,
		"api_version":   APIVersion,
		"timestamp":     nowFunc().Unix(),
	})
}

// --- Bytes ---

func handleGetBalance(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	uid := r.PathValue("uid")
	if len(uid) < 10 {
		writeError(w, corrIDFrom(r.Context()), errValidation("user_id", "user_id must be at least 10 characters"))
		return
	}
	b, err := getBalance(r.Context(), gid, uid)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	cfg, err := loadGuildConfig(r.Context(), gid)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, BalanceResponse{BytesBalance: b, EarnedRoleIDs: earnedRoleIDs(cfg, b.TotalReceived)})
}

func handleDailyClaim(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	var req dailyClaimRequest
	if aerr := decodeJSON(w, r, &req); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	if len(req.UserID) < 10 {
		writeError(w, corrIDFrom(r.Context()), errValidation("user_id", "user_id must be at least 10 characters"))
		return
	}
	res, err := claimDaily(r.Context(), gid, req.UserID, req.Username)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, res)
}

func handleTransfer(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	var req transferRequest
	if aerr := decodeJSON(w, r, &req); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	if len(req.GiverID) < 10 {
		writeError(w, corrIDFrom(r.Context()), errValidation("giver_id", "giver_id must be at least 10 characters"))
		return
	}
	if len(req.ReceiverID) < 10 {
		writeError(w, corrIDFrom(r.Context()), errValidation("receiver_id", "receiver_id must be at least 10 characters"))
		return
	}
	res, err := transfer(r.Context(), gid, req)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, res)
}

func handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	limit, aerr := queryInt(r, "limit", 10, 1, 100)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	out, err := leaderboard(r.Context(), gid, limit)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, out)
}

func handleTransactions(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	limit, aerr := queryInt(r, "limit", 50, 1, 100)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	offset, aerr := queryInt(r, "offset", 0, 0, 1<<30)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	out, err := transactionHistory(r.Context(), gid, r.URL.Query().Get("user_id"), limit, offset)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, out)
}

func handleGetConfig(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	cfg, err := loadGuildConfig(r.Context(), gid)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, cfg)
}

func handlePutConfig(w http.ResponseWriter, r *http.Request) {
	if aerr := requireAdmin(r); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	var patch configPatch
	if aerr := decodeJSON(w, r, &patch); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	cfg, err := updateGuildConfig(r.Context(), gid, patch)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, cfg)
}

func handleAdjust(w http.ResponseWriter, r *http.Request) {
	if aerr := requireAdmin(r); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	var req adjustRequest
	if aerr := decodeJSON(w, r, &req); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	if len(req.UserID) < 10 {
		writeError(w, corrIDFrom(r.Context()), errValidation("user_id", "user_id must be at least 10 characters"))
		return
	}
	b, err := adminAdjust(r.Context(), gid, req)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, b)
}

func handleReconcile(w http.ResponseWriter, r *http.Request) {
	if aerr := requireAdmin(r); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	ctx, cancel := analyticsCtx(r)
	defer cancel()
	drift, err := reconcileGuild(ctx, gid)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), mapCtxErr(ctx, err))
		return
	}
	writeJSON(w, 200, map[string]interface{}{
		"guild_id":   gid,
		"consistent": len(drift) == 0,
		"drift":      drift,
	})
}

func handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if aerr := requireAdmin(r); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	id, hash, err := snapshotGuild(r.Context(), gid)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 201, map[string]interface{}{"snapshot_id": id, "final_hash": hash})
}

// --- Squads ---

func handleListSquads(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	out, err := listSquads(r.Context(), gid)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, map[string]interface{}{
		"squads":          out,
		"active_campaign": campaignActive(gid),
	})
}

func handleGetSquad(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	s, err := getSquad(r.Context(), gid, r.PathValue("sid"))
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, s)
}

func handleSquadMembers(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	limit, aerr := queryInt(r, "limit", 50, 1, 100)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	offset, aerr := queryInt(r, "offset", 0, 0, 1<<30)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	sid := r.PathValue("sid")
	members, total, err := squadMembers(r.Context(), gid, sid, limit, offset)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	squad, err := getSquad(r.Context(), gid, sid)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, map[string]interface{}{
		"squad":       squad,
		"members":     members,
		"total_count": total,
		"page_info": map[string]interface{}{
			"limit":    limit,
			"offset":   offset,
			"has_more": offset+len(members) < total,
		},
	})
}

func handleJoinSquad(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	var req joinSquadRequest
	if aerr := decodeJSON(w, r, &req); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	if len(req.UserID) < 10 {
		writeError(w, corrIDFrom(r.Context()), errValidation("user_id", "user_id must be at least 10 characters"))
		return
	}
	res, err := joinSquad(r.Context(), gid, r.PathValue("sid"), req.UserID, req.Username)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, res)
}

func handleUserSquad(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	resp, err := getUserSquad(r.Context(), gid, r.PathValue("uid"))
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, resp)
}

// --- Activities & health ---

func handleCreateActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if aerr := decodeJSON(w, r, &req); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	a, err := createActivity(r.Context(), req)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 201, a)
}

func handleBulkActivities(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Activities []activityRequest `json:"activities"`
	}
	if aerr := decodeJSON(w, r, &req); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	n, err := bulkActivities(r.Context(), req.Activities)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 201, map[string]interface{}{"created": n})
}

func handleGuildActivities(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	limit, aerr := queryInt(r, "limit", 50, 1, 100)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	offset, aerr := queryInt(r, "offset", 0, 0, 1<<30)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	out, err := listGuildActivities(r.Context(), gid, r.URL.Query().Get("activity_type"), limit, offset)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, out)
}

func handleSquadActivities(w http.ResponseWriter, r *http.Request) {
	limit, aerr := queryInt(r, "limit", 50, 1, 100)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	offset, aerr := queryInt(r, "offset", 0, 0, 1<<30)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	out, err := listSquadActivities(r.Context(), r.PathValue("sid"), limit, offset)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, out)
}

func handleHealthScore(w http.ResponseWriter, r *http.Request) {
	days, aerr := queryInt(r, "days", 30, 1, 365)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	ctx, cancel := analyticsCtx(r)
	defer cancel()
	res, err := healthScore(ctx, r.PathValue("sid"), days)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), mapCtxErr(ctx, err))
		return
	}
	writeJSON(w, 200, res)
}

func handleEngagement(w http.ResponseWriter, r *http.Request) {
	days, aerr := queryInt(r, "days", 7, 1, 365)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	ctx, cancel := analyticsCtx(r)
	defer cancel()
	res, err := engagementScore(ctx, r.PathValue("sid"), days)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), mapCtxErr(ctx, err))
		return
	}
	writeJSON(w, 200, res)
}

func handleHealthReport(w http.ResponseWriter, r *http.Request) {
	days, aerr := queryInt(r, "days", 30, 1, 365)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	ctx, cancel := analyticsCtx(r)
	defer cancel()
	res, err := squadHealthReport(ctx, r.PathValue("sid"), days)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), mapCtxErr(ctx, err))
		return
	}
	writeJSON(w, 200, res)
}

func handleTrends(w http.ResponseWriter, r *http.Request) {
	days, aerr := queryInt(r, "days", 30, 2, 365)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	ctx, cancel := analyticsCtx(r)
	defer cancel()
	res, err := squadTrends(ctx, r.PathValue("sid"), days)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), mapCtxErr(ctx, err))
		return
	}
	writeJSON(w, 200, res)
}

func handlePatterns(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "daily"
	}
	ctx, cancel := analyticsCtx(r)
	defer cancel()
	res, err := squadPatterns(ctx, r.PathValue("sid"), kind)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), mapCtxErr(ctx, err))
		return
	}
	writeJSON(w, 200, res)
}

func handleActivityStats(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	days, aerr := queryInt(r, "days", 30, 1, 365)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	ctx, cancel := analyticsCtx(r)
	defer cancel()
	res, err := activityStats(ctx, gid, days)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), mapCtxErr(ctx, err))
		return
	}
	writeJSON(w, 200, res)
}

func handleActivityCount(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	n, err := activityCount(r.Context(), gid)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, map[string]interface{}{"guild_id": gid, "count": n})
}

func handleActivityRecent(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	limit, aerr := queryInt(r, "limit", 20, 1, 100)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	out, err := recentActivities(r.Context(), gid, limit)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, out)
}

// --- Beacon ---

func handleBeacon(w http.ResponseWriter, r *http.Request) {
	gid, aerr := guildIDFrom(r)
	if aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	var req beaconRequest
	if aerr := decodeJSON(w, r, &req); aerr != nil {
		writeError(w, corrIDFrom(r.Context()), aerr)
		return
	}
	ack, err := sendBeacon(r.Context(), gid, req)
	if err != nil {
		writeError(w, corrIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, 200, ack)
}

// newMux wires every route. Kept separate from main so tests can mount
// the exact production surface.
func newMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Auth
	mux.HandleFunc("POST /api/v1/auth/validate", handleAuthValidate)
	mux.HandleFunc("GET /api/v1/auth/health", handleAuthHealth)
	mux.HandleFunc("GET /api/v1/auth/status", handleAuthStatus)

	// Bytes
	mux.HandleFunc("GET /api/v1/guilds/{gid}/bytes/balance/{uid}", handleGetBalance)
	mux.HandleFunc("POST /api/v1/guilds/{gid}/bytes/daily", handleDailyClaim)
	mux.HandleFunc("POST /api/v1/guilds/{gid}/bytes/transfer", handleTransfer)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/bytes/leaderboard", handleLeaderboard)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/bytes/transactions", handleTransactions)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/bytes/config", handleGetConfig)
	mux.HandleFunc("PUT /api/v1/guilds/{gid}/bytes/config", handlePutConfig)
	mux.HandleFunc("POST /api/v1/guilds/{gid}/bytes/adjust", handleAdjust)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/bytes/reconcile", handleReconcile)
	mux.HandleFunc("POST /api/v1/guilds/{gid}/snapshot", handleSnapshot)

	// Squads
	mux.HandleFunc("GET /api/v1/guilds/{gid}/squads", handleListSquads)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/squads/{sid}", handleGetSquad)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/squads/{sid}/members/paginated", handleSquadMembers)
	mux.HandleFunc("POST /api/v1/guilds/{gid}/squads/{sid}/join", handleJoinSquad)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/users/{uid}/squad", handleUserSquad)

	// Activities & health
	mux.HandleFunc("POST /api/v1/squads/activities", handleCreateActivity)
	mux.HandleFunc("POST /api/v1/squads/activities/bulk", handleBulkActivities)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/activities", handleGuildActivities)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/activities/stats", handleActivityStats)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/activities/count", handleActivityCount)
	mux.HandleFunc("GET /api/v1/guilds/{gid}/activities/recent", handleActivityRecent)
	mux.HandleFunc("GET /api/v1/squads/{sid}/activities", handleSquadActivities)
	mux.HandleFunc("GET /api/v1/squads/{sid}/health/score", handleHealthScore)
	mux.HandleFunc("GET /api/v1/squads/{sid}/health/engagement", handleEngagement)
	mux.HandleFunc("GET /api/v1/squads/{sid}/health/report", handleHealthReport)
	mux.HandleFunc("GET /api/v1/squads/{sid}/health/trends", handleTrends)
	mux.HandleFunc("GET /api/v1/squads/{sid}/health/patterns", handlePatterns)

	// Beacon (internal)
	mux.HandleFunc("POST /api/v1/guilds/{gid}/beacon", handleBeacon)

	return mux
}
