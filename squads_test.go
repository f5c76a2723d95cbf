package main

import (
	"testing"
	"time"
)

func seedSquad(t *testing.T, guildID, name string, switchCost int64, isDefault bool, maxMembers interface{}) string {
	t.Helper()
	id := newID()
	_, err := db.Exec(`INSERT INTO squads
		(id, guild_id, role_id, name, switch_cost, max_members, is_active, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		id, guildID, "role-"+id[:8], name, switchCost, maxMembers, isDefault,
		testNow.Unix(), testNow.Unix())
	if err != nil {
		t.Fatalf("Failed to seed squad %s: %v", name, err)
	}
	return id
}

func seedSale(t *testing.T, squadID, kind string, discount int) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO squad_sales (id, squad_id, kind, discount_percent, starts_at, ends_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		newID(), squadID, kind, discount,
		testNow.Add(-time.Hour).Unix(), testNow.Add(24*time.Hour).Unix())
	if err != nil {
		t.Fatalf("Failed to seed sale: %v", err)
	}
}

func join(t *testing.T, guildID, squadID, userID string) (*JoinResult, int, map[string]interface{}) {
	t.Helper()
	rr := executeRequest("POST", "/api/v1/guilds/"+guildID+"/squads/"+squadID+"/join",
		map[string]string{"user_id": userID, "username": "joiner"}, Config.APIKey)
	if rr.Code != 200 {
		var body struct {
			Details map[string]interface{} `json:"details"`
		}
		decodeBody(t, rr, &body)
		return nil, rr.Code, body.Details
	}
	var res JoinResult
	decodeBody(t, rr, &res)
	return &res, rr.Code, nil
}

func TestJoinSquadWithSale(t *testing.T) {
	setupTestEnv(t)
	putConfig(t, testGuild, map[string]interface{}{"starting_balance": 200})
	sid := seedSquad(t, testGuild, "Crimson", 100, false, nil)
	seedSale(t, sid, "join", 50)

	// Listing shows the discounted price
	rr := executeRequest("GET", "/api/v1/guilds/"+testGuild+"/squads", nil, Config.APIKey)
	var listing struct {
		Squads         []Squad `json:"squads"`
		ActiveCampaign bool    `json:"active_campaign"`
	}
	decodeBody(t, rr, &listing)
	if len(listing.Squads) != 1 || listing.Squads[0].CurrentJoinCost != 50 {
		t.Fatalf("Wrong listing: %+v", listing.Squads)
	}
	if listing.Squads[0].CurrentSwitchCost != 100 {
		t.Errorf("Join sale leaked into switch cost: %+v", listing.Squads[0])
	}

	res, code, _ := join(t, testGuild, sid, userAlice)
	if code != 200 {
		t.Fatalf("Join failed: %d", code)
	}
	if res.FeePaid != 50 || res.NewBalance != 150 {
		t.Errorf("Wrong join fee: %+v", res)
	}
	if res.PreviousSquad != nil {
		t.Errorf("First join reported a previous squad: %+v", res.PreviousSquad)
	}

	var reason string
	db.QueryRow(`SELECT reason FROM bytes_transactions WHERE guild_id = ? AND giver_id = ?
		AND receiver_id = 'SYSTEM'`, testGuild, userAlice).Scan(&reason)
	if reason != "Squad join fee: Crimson" {
		t.Errorf("Wrong fee reason: %q", reason)
	}

	// Re-joining the same squad must not charge again
	_, code, _ = join(t, testGuild, sid, userAlice)
	if code != 409 {
		t.Errorf("Re-join not rejected: %d", code)
	}
	if b := fetchBalance(t, testGuild, userAlice); b.Balance != 150 {
		t.Errorf("Re-join charged the user: %d", b.Balance)
	}
}

func TestSwitchSquadFee(t *testing.T) {
	setupTestEnv(t)
	putConfig(t, testGuild, map[string]interface{}{"starting_balance": 200})
	sidA := seedSquad(t, testGuild, "Alpha", 100, false, nil)
	sidB := seedSquad(t, testGuild, "Bravo", 80, false, nil)
	seedSale(t, sidB, "switch", 25)

	res, code, _ := join(t, testGuild, sidA, userAlice)
	if code != 200 || res.FeePaid != 100 {
		t.Fatalf("Initial join wrong: code=%d res=%+v", code, res)
	}

	// Moving out of a non-default squad pays the switch price
	res, code, _ = join(t, testGuild, sidB, userAlice)
	if code != 200 {
		t.Fatalf("Switch failed: %d", code)
	}
	if res.FeePaid != 60 || res.NewBalance != 40 {
		t.Errorf("Wrong switch fee: %+v", res)
	}
	if res.PreviousSquad == nil || res.PreviousSquad.Name != "Alpha" {
		t.Errorf("Previous squad not reported: %+v", res.PreviousSquad)
	}

	// Leave and join activities committed with the move
	var leaves, joins int
	db.QueryRow(`SELECT COUNT(*) FROM squad_activities WHERE squad_id = ? AND activity_type = 'squad_leave'`,
		sidA).Scan(&leaves)
	db.QueryRow(`SELECT COUNT(*) FROM squad_activities WHERE squad_id = ? AND activity_type = 'squad_join'`,
		sidB).Scan(&joins)
	if leaves != 1 || joins != 1 {
		t.Errorf("Expected 1 leave and 1 join activity, got %d/%d", leaves, joins)
	}

	resp := struct{ r UserSquadResponse }{}
	rr := executeRequest("GET", "/api/v1/guilds/"+testGuild+"/users/"+userAlice+"/squad", nil, Config.APIKey)
	decodeBody(t, rr, &resp.r)
	if !resp.r.InSquad || resp.r.Squad.ID != sidB {
		t.Errorf("Membership not replaced: %+v", resp.r)
	}
}

func TestJoinFreeFromDefaultSquad(t *testing.T) {
	setupTestEnv(t)
	def := seedSquad(t, testGuild, "Recruits", 0, true, nil)
	sid := seedSquad(t, testGuild, "Vanguard", 100, false, nil)
	db.Exec(`INSERT INTO squad_memberships (guild_id, user_id, squad_id, joined_at) VALUES (?, ?, ?, ?)`,
		testGuild, userAlice, def, testNow.Unix())

	// Leaving the default squad is a first join, priced at the join cost
	res, code, _ := join(t, testGuild, sid, userAlice)
	if code != 200 || res.FeePaid != 100 {
		t.Errorf("Default-squad exit priced wrong: code=%d res=%+v", code, res)
	}
}

func TestDefaultSquadNotJoinable(t *testing.T) {
	setupTestEnv(t)
	def := seedSquad(t, testGuild, "Recruits", 0, true, nil)
	_, code, _ := join(t, testGuild, def, userAlice)
	if code != 400 {
		t.Errorf("Default squad joinable: %d", code)
	}
}

func TestJoinUnknownSquad(t *testing.T) {
	setupTestEnv(t)
	_, code, _ := join(t, testGuild, "no-such-squad", userAlice)
	if code != 404 {
		t.Errorf("Expected 404, got %d", code)
	}
}

func TestJoinInsufficientBalance(t *testing.T) {
	setupTestEnv(t)
	putConfig(t, testGuild, map[string]interface{}{"starting_balance": 10})
	sid := seedSquad(t, testGuild, "Pricey", 100, false, nil)

	_, code, details := join(t, testGuild, sid, userAlice)
	if code != 402 {
		t.Fatalf("Expected 402, got %d", code)
	}
	if details["required"].(float64) != 100 || details["available"].(float64) != 10 {
		t.Errorf("Wrong details: %v", details)
	}
}

func TestCampaignLockout(t *testing.T) {
	setupTestEnv(t)
	putConfig(t, testGuild, map[string]interface{}{"starting_balance": 500})
	sidA := seedSquad(t, testGuild, "Alpha", 0, false, nil)
	sidB := seedSquad(t, testGuild, "Bravo", 0, false, nil)

	if _, code, _ := join(t, testGuild, sidA, userAlice); code != 200 {
		t.Fatalf("Pre-campaign join failed: %d", code)
	}

	putConfig(t, testGuild, map[string]interface{}{"active_campaign": true})

	// Switching is frozen for squad members
	_, code, _ := join(t, testGuild, sidB, userAlice)
	if code != 423 {
		t.Errorf("Switch allowed during campaign: %d", code)
	}

	// First-time joiners are unaffected
	if _, code, _ := join(t, testGuild, sidB, userBob); code != 200 {
		t.Errorf("First join blocked during campaign: %d", code)
	}

	putConfig(t, testGuild, map[string]interface{}{"active_campaign": false})
	if _, code, _ := join(t, testGuild, sidB, userAlice); code != 200 {
		t.Errorf("Switch still blocked after campaign: %d", code)
	}
}

func TestSquadFull(t *testing.T) {
	setupTestEnv(t)
	putConfig(t, testGuild, map[string]interface{}{"starting_balance": 500})
	sid := seedSquad(t, testGuild, "Duo", 0, false, 1)

	if _, code, _ := join(t, testGuild, sid, userAlice); code != 200 {
		t.Fatalf("First join failed: %d", code)
	}
	_, code, details := join(t, testGuild, sid, userBob)
	if code != 409 {
		t.Fatalf("Expected 409, got %d", code)
	}
	if details["max_members"].(float64) != 1 {
		t.Errorf("Wrong details: %v", details)
	}
}

func TestSquadMembersPaginated(t *testing.T) {
	setupTestEnv(t)
	putConfig(t, testGuild, map[string]interface{}{"starting_balance": 500})
	sid := seedSquad(t, testGuild, "Large", 0, false, nil)

	users := []string{"user-pg-00001", "user-pg-00002", "user-pg-00003"}
	for _, u := range users {
		if _, code, _ := join(t, testGuild, sid, u); code != 200 {
			t.Fatalf("Join failed for %s: %d", u, code)
		}
		testNow = testNow.Add(time.Second) // distinct joined_at for a stable order
	}

	rr := executeRequest("GET", "/api/v1/guilds/"+testGuild+"/squads/"+sid+"/members/paginated?limit=2", nil, Config.APIKey)
	var page struct {
		Members    []SquadMember `json:"members"`
		TotalCount int           `json:"total_count"`
		PageInfo   struct {
			HasMore bool `json:"has_more"`
		} `json:"page_info"`
	}
	decodeBody(t, rr, &page)
	if page.TotalCount != 3 || len(page.Members) != 2 || !page.PageInfo.HasMore {
		t.Fatalf("Wrong first page: %+v", page)
	}
	if page.Members[0].UserID != users[0] || page.Members[0].Username != "joiner" {
		t.Errorf("Wrong first member: %+v", page.Members[0])
	}

	rr = executeRequest("GET", "/api/v1/guilds/"+testGuild+"/squads/"+sid+"/members/paginated?limit=2&offset=2", nil, Config.APIKey)
	decodeBody(t, rr, &page)
	if len(page.Members) != 1 || page.PageInfo.HasMore {
		t.Errorf("Wrong last page: %+v", page)
	}
}

func TestGetSquadNotFound(t *testing.T) {
	setupTestEnv(t)
	rr := executeRequest("GET", "/api/v1/guilds/"+testGuild+"/squads/missing-id", nil, Config.APIKey)
	if rr.Code != 404 {
		t.Errorf("Expected 404, got %d", rr.Code)
	}
}

func TestUserSquadNone(t *testing.T) {
	setupTestEnv(t)
	rr := executeRequest("GET", "/api/v1/guilds/"+testGuild+"/users/"+userAlice+"/squad", nil, Config.APIKey)
	var resp UserSquadResponse
	decodeBody(t, rr, &resp)
	if resp.InSquad || resp.Squad != nil {
		t.Errorf("Expected no squad: %+v", resp)
	}
}
