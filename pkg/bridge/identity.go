// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// identityCacheTTL is how long a fetched Discord identity stays fresh.
const identityCacheTTL = 24 * time.Hour

// Identity is the display name and avatar an outbound message is sent under.
type Identity struct {
	DisplayName string
	AvatarURL   string
}

type cachedIdentity struct {
	Identity
	expiresAt time.Time
}

// BindResult is the gateway's response to a bind or unbind request. Status
// "pending" carries a confirmation URL the user must visit out-of-band.
type BindResult struct {
	Status string `json:"status"`
	URL    string `json:"url"`
}

// IdentityResolver maps Matrix senders to the remote identity used on the
// impersonation path: a bound Discord account when one exists, otherwise the
// sender's native Matrix profile.
type IdentityResolver struct {
	log    zerolog.Logger
	http   *http.Client
	matrix MatrixAPI

	gatewayURL    string
	secret        string
	discordAPIURL string
	discordToken  string
	guildID       int64

	mu    sync.RWMutex
	cache map[id.UserID]cachedIdentity
}

// NewIdentityResolver creates a resolver with an empty cache.
func NewIdentityResolver(log zerolog.Logger, httpClient *http.Client, matrix MatrixAPI, cfg *Config) *IdentityResolver {
	return &IdentityResolver{
		log:           log.With().Str("component", "identity").Logger(),
		http:          httpClient,
		matrix:        matrix,
		gatewayURL:    strings.TrimSuffix(cfg.GatewayURL, "/"),
		secret:        cfg.BridgeSecret,
		discordAPIURL: strings.TrimSuffix(cfg.DiscordAPIURL, "/"),
		discordToken:  cfg.DiscordToken,
		guildID:       cfg.GuildID,
		cache:         make(map[id.UserID]cachedIdentity),
	}
}

// Resolve returns the identity to impersonate for a Matrix sender. It never
// fails: when neither a bound Discord account nor a Matrix profile can be
// fetched, the sender's localpart is used with no avatar.
func (r *IdentityResolver) Resolve(ctx context.Context, sender id.UserID) Identity {
	r.mu.RLock()
	cached, ok := r.cache[sender]
	r.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.Identity
	}

	if discordID, found := r.boundAccount(ctx, sender); found {
		if identity, fetched := r.discordIdentity(ctx, discordID); fetched {
			r.mu.Lock()
			r.cache[sender] = cachedIdentity{Identity: identity, expiresAt: time.Now().Add(identityCacheTTL)}
			r.mu.Unlock()
			return identity
		}
	}

	identity := Identity{DisplayName: localpart(sender)}
	name, avatar, err := r.matrix.GetProfile(ctx, sender)
	if err != nil {
		r.log.Debug().Err(err).Str("sender", sender.String()).Msg("Failed to fetch Matrix profile")
		return identity
	}
	if name != "" {
		identity.DisplayName = name
	}
	if !avatar.IsEmpty() {
		identity.AvatarURL = r.matrix.MXCToHTTP(avatar.CUString())
	}
	return identity
}

// boundAccount looks up the Discord account bound to a Matrix user via the
// gateway's binding sub-API. A missing binding is an expected miss.
func (r *IdentityResolver) boundAccount(ctx context.Context, sender id.UserID) (int64, bool) {
	reqURL := r.gatewayURL + "/bind/" + url.PathEscape(bindID(sender))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, false
	}
	req.Header.Set("Authorization", "Bearer "+r.secret)
	resp, err := r.http.Do(req)
	if err != nil {
		r.log.Debug().Err(err).Str("sender", sender.String()).Msg("Bind lookup failed")
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false
	}
	var body struct {
		Discord int64 `json:"discord"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Discord == 0 {
		return 0, false
	}
	return body.Discord, true
}

// discordIdentity fetches a Discord user's display name and avatar. Guild
// member lookups win over plain user lookups because they carry nicknames.
func (r *IdentityResolver) discordIdentity(ctx context.Context, userID int64) (Identity, bool) {
	var reqURL string
	if r.guildID != 0 {
		reqURL = fmt.Sprintf("%s/guilds/%d/members/%d", r.discordAPIURL, r.guildID, userID)
	} else {
		reqURL = fmt.Sprintf("%s/users/%d", r.discordAPIURL, userID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Identity{}, false
	}
	req.Header.Set("Authorization", "Bot "+r.discordToken)
	resp, err := r.http.Do(req)
	if err != nil {
		r.log.Debug().Err(err).Int64("discord_id", userID).Msg("Discord user fetch failed")
		return Identity{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.log.Debug().Int("status", resp.StatusCode).Int64("discord_id", userID).Msg("Discord user fetch rejected")
		return Identity{}, false
	}

	var member struct {
		Nick   string `json:"nick"`
		Avatar string `json:"avatar"`
		User   struct {
			Username string `json:"username"`
			Avatar   string `json:"avatar"`
		} `json:"user"`
		Username string `json:"username"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&member); err != nil {
		return Identity{}, false
	}

	identity := Identity{DisplayName: member.Nick}
	if identity.DisplayName == "" {
		identity.DisplayName = member.User.Username
	}
	if identity.DisplayName == "" {
		identity.DisplayName = member.Username
	}
	avatarHash := member.Avatar
	if avatarHash == "" {
		avatarHash = member.User.Avatar
	}
	if avatarHash != "" {
		identity.AvatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%d/%s.webp?size=256", userID, avatarHash)
	}
	if identity.DisplayName == "" {
		return Identity{}, false
	}
	return identity, true
}

// BeginBind asks the gateway to start a binding for a Matrix user.
func (r *IdentityResolver) BeginBind(ctx context.Context, sender id.UserID) (*BindResult, error) {
	reqURL := r.gatewayURL + "/bind/new?mx_id=" + url.QueryEscape(bindID(sender))
	return r.bindRequest(ctx, http.MethodGet, reqURL)
}

// Unbind asks the gateway to remove a user's binding.
func (r *IdentityResolver) Unbind(ctx context.Context, sender id.UserID) (*BindResult, error) {
	r.mu.Lock()
	delete(r.cache, sender)
	r.mu.Unlock()
	reqURL := r.gatewayURL + "/bind/" + url.PathEscape(bindID(sender))
	return r.bindRequest(ctx, http.MethodDelete, reqURL)
}

func (r *IdentityResolver) bindRequest(ctx context.Context, method, reqURL string) (*BindResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare bind request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.secret)
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bind request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bind request rejected with status %d", resp.StatusCode)
	}
	var result BindResult
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode bind response: %w", err)
	}
	return &result, nil
}

// bindID strips the leading @ the gateway doesn't expect.
func bindID(sender id.UserID) string {
	return strings.TrimPrefix(sender.String(), "@")
}

// localpart extracts the local part of a Matrix user ID for fallback names.
func localpart(sender id.UserID) string {
	part, _, _ := strings.Cut(strings.TrimPrefix(sender.String(), "@"), ":")
	return part
}
