// Copyright 2024-2026 Aiku AI

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ErrTooLong marks a message the gateway refused for length. There is no
// point retrying unmodified content.
var ErrTooLong = errors.New("message too long for remote platform")

// RemoteRejectedError is a non-retryable rejection from either delivery path.
type RemoteRejectedError struct {
	Status int
	Body   string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("remote rejected message with status %d: %s", e.Status, e.Body)
}

// maxUsernameLength is the webhook display-name limit.
const maxUsernameLength = 32

// OutboundMessage is one local message headed for the remote platform.
type OutboundMessage struct {
	Content string
	Sender  string
	Identity
}

// Dispatcher delivers outbound messages: a webhook "impersonation" path that
// carries per-author name and avatar, with an authenticated gateway path as
// fallback. A failed primary send falls through rather than retrying.
type Dispatcher struct {
	log  zerolog.Logger
	http *http.Client

	webhookURL  string
	webhookWait bool
	gatewayURL  string
	secret      string
	room        string
}

// NewDispatcher builds a dispatcher from the bridge config.
func NewDispatcher(log zerolog.Logger, httpClient *http.Client, cfg *Config) *Dispatcher {
	return &Dispatcher{
		log:         log.With().Str("component", "dispatcher").Logger(),
		http:        httpClient,
		webhookURL:  strings.TrimSuffix(cfg.WebhookURL, "/"),
		webhookWait: cfg.WebhookWait,
		gatewayURL:  strings.TrimSuffix(cfg.GatewayURL, "/"),
		secret:      cfg.BridgeSecret,
		room:        cfg.RoomID.String(),
	}
}

// Send delivers one message. It returns the remote message ID when the
// primary path was used with wait enabled, otherwise zero. viaPrimary
// reports which path succeeded.
func (d *Dispatcher) Send(ctx context.Context, msg OutboundMessage) (remoteID int64, viaPrimary bool, err error) {
	if d.webhookURL != "" {
		remoteID, err = d.sendWebhook(ctx, msg)
		if err == nil {
			return remoteID, true, nil
		}
		d.log.Warn().Err(err).Msg("Primary path failed, falling back to gateway")
	}
	return 0, false, d.sendGateway(ctx, msg)
}

// sendWebhook posts through the impersonation path. Any non-2xx response is
// an error so the caller falls through to the gateway path.
func (d *Dispatcher) sendWebhook(ctx context.Context, msg OutboundMessage) (int64, error) {
	body := map[string]any{
		"content":  msg.Content,
		"username": truncate(msg.DisplayName, maxUsernameLength),
		"allowed_mentions": map[string]any{
			"parse":        []string{"users"},
			"replied_user": true,
		},
	}
	if msg.AvatarURL != "" {
		body["avatar_url"] = msg.AvatarURL
	}

	reqURL := d.webhookURL + "?wait=" + strconv.FormatBool(d.webhookWait)
	status, respBody, err := d.postJSON(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return 0, err
	}
	if status < 200 || status >= 300 {
		return 0, fmt.Errorf("webhook send failed with status %d", status)
	}
	if !d.webhookWait {
		return 0, nil
	}
	var resp struct {
		ID json.Number `json:"id"`
	}
	if err = json.Unmarshal(respBody, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode webhook response: %w", err)
	}
	remoteID, err := resp.ID.Int64()
	if err != nil {
		return 0, fmt.Errorf("webhook returned non-numeric message id %q", resp.ID)
	}
	return remoteID, nil
}

// sendGateway posts through the authenticated fallback path and classifies
// the response per the error taxonomy.
func (d *Dispatcher) sendGateway(ctx context.Context, msg OutboundMessage) error {
	body := map[string]any{
		"secret":  d.secret,
		"message": msg.Content,
		"sender":  msg.Sender,
		"room":    d.room,
	}
	status, respBody, err := d.postJSON(ctx, http.MethodPost, d.gatewayURL+"/bridge", body)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusCreated:
		return nil
	case status == http.StatusBadRequest:
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(respBody, &detail) == nil && detail.Detail == "Message too long." {
			return ErrTooLong
		}
		return &RemoteRejectedError{Status: status, Body: string(respBody)}
	default:
		return &RemoteRejectedError{Status: status, Body: string(respBody)}
	}
}

// Edit patches an already-delivered webhook message in place.
func (d *Dispatcher) Edit(ctx context.Context, remoteID int64, newContent string) error {
	if d.webhookURL == "" {
		return fmt.Errorf("no primary path configured for edits")
	}
	reqURL := fmt.Sprintf("%s/messages/%d", d.webhookURL, remoteID)
	status, respBody, err := d.postJSON(ctx, http.MethodPatch, reqURL, map[string]any{"content": newContent})
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &RemoteRejectedError{Status: status, Body: string(respBody)}
	}
	return nil
}

// Delete removes an already-delivered webhook message.
func (d *Dispatcher) Delete(ctx context.Context, remoteID int64) error {
	if d.webhookURL == "" {
		return fmt.Errorf("no primary path configured for deletes")
	}
	reqURL := fmt.Sprintf("%s/messages/%d", d.webhookURL, remoteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &RemoteRejectedError{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// CanEdit reports whether the primary path is configured, which is the only
// path that supports native edits and deletes.
func (d *Dispatcher) CanEdit() bool {
	return d.webhookURL != ""
}

func (d *Dispatcher) postJSON(ctx context.Context, method, reqURL string, body any) (status int, respBody []byte, err error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to prepare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// truncate clips s to at most n bytes without splitting the final rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
