package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeSend struct {
	channelID string
	identity  WebhookIdentity
	content   string
}

// fakeWebhook stands in for the gateway's webhook service.
type fakeWebhook struct {
	calls []fakeSend
	err   error
}

func (f *fakeWebhook) Send(ctx context.Context, channelID string, identity WebhookIdentity, content string) error {
	f.calls = append(f.calls, fakeSend{channelID: channelID, identity: identity, content: content})
	return f.err
}

func beacon(t *testing.T, payload map[string]interface{}) (int, map[string]interface{}, map[string]interface{}) {
	t.Helper()
	rr := executeRequest("POST", "/api/v1/guilds/"+testGuild+"/beacon", payload, Config.APIKey)
	var body struct {
		Sent      bool                   `json:"sent"`
		ChannelID string                 `json:"channel_id"`
		Details   map[string]interface{} `json:"details"`
	}
	decodeBody(t, rr, &body)
	return rr.Code, map[string]interface{}{"sent": body.Sent, "channel_id": body.ChannelID}, body.Details
}

func TestBeaconSendAndCooldown(t *testing.T) {
	setupTestEnv(t)
	fw := &fakeWebhook{}
	webhookPort = fw

	payload := map[string]interface{}{
		"user_id": userAlice, "channel_id": "chan-raids-01",
		"content":       "Raid starts at nine, bring potions",
		"identity_name": "RaidCaller", "identity_avatar_url": "https://cdn.example/alice.png",
		"role_id": "role-raiders-1",
	}
	code, ack, _ := beacon(t, payload)
	if code != 200 || ack["sent"] != true {
		t.Fatalf("Beacon failed: %d %v", code, ack)
	}
	if len(fw.calls) != 1 {
		t.Fatalf("Expected 1 webhook call, got %d", len(fw.calls))
	}
	call := fw.calls[0]
	if call.channelID != "chan-raids-01" || call.identity.Name != "RaidCaller" {
		t.Errorf("Wrong webhook call: %+v", call)
	}
	if call.content != "<@&role-raiders-1> Raid starts at nine, bring potions" {
		t.Errorf("Wrong content: %q", call.content)
	}

	// Same user inside the window is refused with the remaining time
	code, _, details := beacon(t, payload)
	if code != 429 {
		t.Fatalf("Cooldown not enforced: %d", code)
	}
	if got := int64(details["retry_after_seconds"].(float64)); got != 43200 {
		t.Errorf("Expected 43200s remaining, got %d", got)
	}
	if len(fw.calls) != 1 {
		t.Errorf("Webhook fired during cooldown")
	}

	// A different user is unaffected
	other := map[string]interface{}{
		"user_id": userBob, "channel_id": "chan-raids-01",
		"content": "Countering the raid", "identity_name": "Defender",
	}
	if code, _, _ := beacon(t, other); code != 200 {
		t.Errorf("Other user blocked: %d", code)
	}

	// The window expires exactly after 12h
	testNow = testNow.Add(12*time.Hour + time.Second)
	if code, _, _ := beacon(t, payload); code != 200 {
		t.Errorf("Beacon still blocked after cooldown: %d", code)
	}
}

func TestBeaconFailureConsumesCooldown(t *testing.T) {
	setupTestEnv(t)
	fw := &fakeWebhook{err: errors.New("gateway down")}
	webhookPort = fw

	payload := map[string]interface{}{
		"user_id": userAlice, "channel_id": "chan-ann-0001",
		"content": "Patch notes are live", "identity_name": "Announcer",
	}
	code, _, _ := beacon(t, payload)
	if code != 502 {
		t.Fatalf("Expected 502, got %d", code)
	}

	// Fire-once: the failed attempt still burned the cooldown
	fw.err = nil
	if code, _, _ := beacon(t, payload); code != 429 {
		t.Errorf("Retry allowed after failed send: %d", code)
	}
}

func TestBeaconWebhookGone(t *testing.T) {
	setupTestEnv(t)
	fw := &fakeWebhook{err: errWebhookGone}
	webhookPort = fw

	code, _, _ := beacon(t, map[string]interface{}{
		"user_id": userAlice, "channel_id": "chan-dead-0001",
		"content": "hello", "identity_name": "Ghost",
	})
	if code != 502 {
		t.Errorf("Expected 502 for a gone webhook, got %d", code)
	}
}

func TestBeaconValidation(t *testing.T) {
	setupTestEnv(t)

	cases := []map[string]interface{}{
		{"user_id": userAlice, "channel_id": "c1", "content": ""},
		{"user_id": userAlice, "channel_id": "", "content": "hi"},
		{"user_id": "short", "channel_id": "c1", "content": "hi"},
		{"user_id": userAlice, "channel_id": "c1",
			"content": strings.Repeat("a", 1795), "role_id": "role-long-0001"},
	}
	for i, payload := range cases {
		code, _, _ := beacon(t, payload)
		if code != 400 {
			t.Errorf("Case %d accepted with %d", i, code)
		}
	}

	// No webhook call and no cooldown burned on validation failures
	fw := webhookPort.(*fakeWebhook)
	if len(fw.calls) != 0 {
		t.Errorf("Webhook fired on invalid input")
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM beacon_cooldowns`).Scan(&n)
	if n != 0 {
		t.Errorf("Cooldown reserved on invalid input")
	}
}

func TestUnavailableWebhookPort(t *testing.T) {
	setupTestEnv(t)
	webhookPort = unavailableWebhook{}

	code, _, _ := beacon(t, map[string]interface{}{
		"user_id": userAlice, "channel_id": "chan-x-000001",
		"content": "hi", "identity_name": "X",
	})
	if code != 502 {
		t.Errorf("Expected 502 without a configured port, got %d", code)
	}
}
