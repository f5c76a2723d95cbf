package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// errWebhookGone signals that the cached handle for a channel no longer
// exists downstream (404/410); the cache entry must be dropped.
var errWebhookGone = errors.New("webhook handle gone")

// WebhookSender delivers impersonated messages to a channel. The core
// treats handles as opaque and never retries a send.
type WebhookSender interface {
	Send(ctx context.Context, channelID string, identity WebhookIdentity, content string) error
}

// --- Default HTTP port ---

// httpWebhook resolves a per-channel webhook handle from the gateway's
// webhook service and posts through it. Handles are cached until the
// downstream reports them gone.
type httpWebhook struct {
	base   string
	client *http.Client
}

func newHTTPWebhook(base string) *httpWebhook {
	return &httpWebhook{base: base, client: &http.Client{Timeout: WebhookSendTimeout}}
}

func (h *httpWebhook) handleFor(ctx context.Context, channelID string) (string, error) {
	webhookLock.RLock()
	handle, ok := webhookCache[channelID]
	webhookLock.RUnlock()
	if ok {
		return handle, nil
	}

	payload, _ := json.Marshal(map[string]string{"channel_id": channelID})
	req, err := http.NewRequestWithContext(ctx, "POST", h.base+"/webhooks", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 && resp.StatusCode != 201 {
		return "", fmt.Errorf("webhook lookup failed: %d", resp.StatusCode)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	webhookLock.Lock()
	webhookCache[channelID] = out.URL
	webhookLock.Unlock()
	return out.URL, nil
}

func (h *httpWebhook) Send(ctx context.Context, channelID string, identity WebhookIdentity, content string) error {
	handle, err := h.handleFor(ctx, channelID)
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{
		"username":   identity.Name,
		"avatar_url": identity.AvatarURL,
		"content":    content,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", handle, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 || resp.StatusCode == 410 {
		webhookLock.Lock()
		delete(webhookCache, channelID)
		webhookLock.Unlock()
		return errWebhookGone
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook send failed: %d", resp.StatusCode)
	}
	return nil
}

// unavailableWebhook serves deployments without a webhook base: every
// send is rejected as unreachable.
type unavailableWebhook struct{}

func (unavailableWebhook) Send(ctx context.Context, channelID string, identity WebhookIdentity, content string) error {
	return errors.New("webhook port not configured")
}

// --- Beacon dispatch ---

type beaconAck struct {
	Sent      bool   `json:"sent"`
	ChannelID string `json:"channel_id"`
	SentAt    int64  `json:"sent_at"`
}

// sendBeacon publishes a user-authored announcement through the channel
// webhook. The 12h per-user cooldown is reserved in the database before
// dispatch, so a failed send still consumes it: fire-once semantics keep
// role pings from duplicating.
func sendBeacon(ctx context.Context, guildID string, req beaconRequest) (beaconAck, error) {
	var ack beaconAck
	if req.Content == "" {
		return ack, errValidation("content", "content is required")
	}
	if req.ChannelID == "" {
		return ack, errValidation("channel_id", "channel_id is required")
	}
	if len(req.UserID) < 10 {
		return ack, errValidation("user_id", "user_id must be at least 10 characters")
	}

	content := req.Content
	if req.RoleID != "" {
		content = fmt.Sprintf("<@&%s> %s", req.RoleID, req.Content)
	}
	if len(content) > Config.BeaconLimit {
		return ack, errValidation("content",
			fmt.Sprintf("content plus role mention exceeds %d characters", Config.BeaconLimit))
	}

	now := nowFunc().Unix()
	cutoff := now - int64(BeaconCooldown.Seconds())
	res, err := db.ExecContext(ctx, `INSERT INTO beacon_cooldowns (guild_id, user_id, last_beacon_at)
		VALUES (?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET last_beacon_at = excluded.last_beacon_at
		WHERE beacon_cooldowns.last_beacon_at <= ?`,
		guildID, req.UserID, now, cutoff)
	if err != nil {
		return ack, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var last int64
		db.QueryRowContext(ctx, `SELECT last_beacon_at FROM beacon_cooldowns
			WHERE guild_id = ? AND user_id = ?`, guildID, req.UserID).Scan(&last)
		end := last + int64(BeaconCooldown.Seconds())
		return ack, errCooldown("Beacon cooldown active", end-now, end)
	}

	sendCtx, cancel := context.WithTimeout(ctx, WebhookSendTimeout)
	defer cancel()
	identity := WebhookIdentity{Name: req.IdentityName, AvatarURL: req.IdentityAvatarURL}
	if err := webhookPort.Send(sendCtx, req.ChannelID, identity, content); err != nil {
		if errors.Is(err, errWebhookGone) {
			return ack, errUnreachable("channel webhook no longer exists")
		}
		return ack, errUnreachable("webhook delivery failed")
	}

	return beaconAck{Sent: true, ChannelID: req.ChannelID, SentAt: now}, nil
}
