// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	// Matrix side.
	HomeserverURL string    `yaml:"homeserver_url"`
	UserID        id.UserID `yaml:"user_id"`
	AccessToken   string    `yaml:"access_token"`
	RoomID        id.RoomID `yaml:"room_id"`

	// Gateway (Discord side).
	GatewayURL          string `yaml:"gateway_url"`
	GatewayWebsocketURL string `yaml:"gateway_websocket_url"`
	BridgeSecret        string `yaml:"bridge_secret"`
	// WebhookURL is the primary impersonation delivery path. Leave empty to
	// send everything through the authenticated gateway path.
	WebhookURL  string `yaml:"webhook_url"`
	WebhookWait bool   `yaml:"webhook_wait"`
	// RemoteSelfAuthor is the gateway-side author name of the bridge's own
	// bot account. Frames from it are never relayed back (loop prevention).
	RemoteSelfAuthor string `yaml:"remote_self_author"`

	// Discord profile lookups for the impersonation path.
	DiscordAPIURL string `yaml:"discord_api_url"`
	DiscordToken  string `yaml:"discord_token"`
	GuildID       int64  `yaml:"guild_id"`

	// Relay behavior.
	GroupingWindowSeconds int      `yaml:"grouping_window_seconds"`
	CommandPrefixes       []string `yaml:"command_prefixes"`
	MaxUploadBytes        int64    `yaml:"max_upload_bytes"`
	ImageThumbnailBytes   int64    `yaml:"image_thumbnail_bytes"`
	VideoEmbedPrefix      string   `yaml:"video_embed_prefix"`
	StorePath             string   `yaml:"store_path"`

	Logging zeroconfig.Config `yaml:"logging"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates required fields and applies defaults.
func (c *Config) PostProcess() error {
	switch {
	case c.HomeserverURL == "":
		return fmt.Errorf("homeserver_url is required")
	case c.UserID == "":
		return fmt.Errorf("user_id is required")
	case c.AccessToken == "":
		return fmt.Errorf("access_token is required")
	case c.RoomID == "":
		return fmt.Errorf("room_id is required")
	case c.GatewayURL == "":
		return fmt.Errorf("gateway_url is required")
	case c.BridgeSecret == "":
		return fmt.Errorf("bridge_secret is required")
	}
	if c.GatewayWebsocketURL == "" {
		c.GatewayWebsocketURL = httpToWS(strings.TrimSuffix(c.GatewayURL, "/")) + "/ws"
	}
	if c.DiscordAPIURL == "" {
		c.DiscordAPIURL = "https://discord.com/api/v10"
	}
	if c.GroupingWindowSeconds <= 0 {
		c.GroupingWindowSeconds = 300
	}
	if len(c.CommandPrefixes) == 0 {
		c.CommandPrefixes = []string{"!", "?", ".", "-"}
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 100 * 1024 * 1024
	}
	if c.ImageThumbnailBytes <= 0 {
		c.ImageThumbnailBytes = 640 * 1024
	}
	if c.VideoEmbedPrefix == "" {
		c.VideoEmbedPrefix = "https://embeds.video/"
	}
	if c.StorePath == "" {
		c.StorePath = "mautrix-discordrelay.db"
	}
	return nil
}

// GroupingWindow returns the author-grouping window as a duration.
func (c *Config) GroupingWindow() time.Duration {
	return time.Duration(c.GroupingWindowSeconds) * time.Second
}

// IsCommand reports whether a message body starts with one of the configured
// command prefixes and therefore must not be relayed.
func (c *Config) IsCommand(body string) bool {
	for _, prefix := range c.CommandPrefixes {
		if strings.HasPrefix(body, prefix) {
			return true
		}
	}
	return false
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
