// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

// Config holds the Mattermost connection settings.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// TeamID selects the team used for permission checks when a channel
	// has none. Empty means the bot's first team.
	TeamID string `yaml:"team_id"`
	// WebhookName is the display name of webhooks the relay creates.
	WebhookName string `yaml:"webhook_name"`
	// BotPrefix is a username prefix for echo prevention. Posts by users
	// whose name starts with it are never treated as commands.
	BotPrefix string `yaml:"bot_prefix"`
	// ReconnectDelay is the initial websocket reconnect backoff.
	ReconnectDelay string `yaml:"reconnect_delay"`
	// PrimeCount is the number of recent posts fetched per channel at
	// startup to seed duplicate detection. Zero disables priming.
	PrimeCount int `yaml:"prime_count"`

	reconnectDelay time.Duration `yaml:"-"`
}

const defaultReconnectDelay = 2 * time.Second

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and parses derived values.
func (c *Config) PostProcess() error {
	c.ServerURL = strings.TrimSuffix(c.ServerURL, "/")
	if c.ServerURL == "" {
		return fmt.Errorf("mattermost.server_url is required")
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("mattermost.server_url must be an http(s) URL, got %q", c.ServerURL)
	}
	c.reconnectDelay = defaultReconnectDelay
	if c.ReconnectDelay != "" {
		d, err := time.ParseDuration(c.ReconnectDelay)
		if err != nil {
			return fmt.Errorf("invalid mattermost.reconnect_delay: %w", err)
		}
		c.reconnectDelay = d
	}
	if c.PrimeCount < 0 {
		c.PrimeCount = 0
	}
	return nil
}

// GetReconnectDelay returns the parsed reconnect delay.
func (c *Config) GetReconnectDelay() time.Duration {
	if c.reconnectDelay <= 0 {
		return defaultReconnectDelay
	}
	return c.reconnectDelay
}

// UpgradeConfig copies the mattermost block of a user config onto the
// example config.
func UpgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "team_id")
	helper.Copy(up.Str, "mattermost", "webhook_name")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.Str, "mattermost", "reconnect_delay")
	helper.Copy(up.Int, "mattermost", "prime_count")
}
