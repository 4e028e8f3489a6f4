// Copyright 2024-2026 Aiku AI

// Package config loads the relay's YAML configuration. User configs are
// upgraded against the embedded example config, so keys missing from an
// older file get their defaults.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mattermost-chatrelay/pkg/connector"
	"github.com/aiku/mattermost-chatrelay/pkg/ingest"
	"github.com/aiku/mattermost-chatrelay/pkg/lookup"
	"github.com/aiku/mattermost-chatrelay/pkg/relay"
	"github.com/aiku/mattermost-chatrelay/pkg/store"
)

//go:embed example-config.yaml
var ExampleConfig []byte

// Environment variables that override secrets from the file.
const (
	EnvMattermostToken = "MATTERMOST_TOKEN"
	EnvIngestToken     = "RELAY_INGEST_TOKEN"
)

// Config is the whole configuration file.
type Config struct {
	Mattermost connector.Config  `yaml:"mattermost"`
	Relay      RelayConfig       `yaml:"relay"`
	Commands   CommandsConfig    `yaml:"commands"`
	Store      store.Config      `yaml:"store"`
	Lookup     lookup.Config     `yaml:"lookup"`
	Ingest     ingest.Config     `yaml:"ingest"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// RelayConfig holds pipeline tuning.
type RelayConfig struct {
	DefaultAvatar       string  `yaml:"default_avatar"`
	DuplicateWindow     string  `yaml:"duplicate_window"`
	SendTimeout         string  `yaml:"send_timeout"`
	RatePerSecond       float64 `yaml:"rate_per_second"`
	RateBurst           int     `yaml:"rate_burst"`
	DisplaynameTemplate string  `yaml:"displayname_template"`
	SweepSchedule       string  `yaml:"sweep_schedule"`
	ImageBaseURL        string  `yaml:"image_base_url"`

	duplicateWindow     time.Duration      `yaml:"-"`
	sendTimeout         time.Duration      `yaml:"-"`
	displaynameTemplate *template.Template `yaml:"-"`
}

// CommandsConfig configures administrative chat commands.
type CommandsConfig struct {
	Prefix string   `yaml:"prefix"`
	Admins []string `yaml:"admins"`
}

func (c *RelayConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawRelayConfig RelayConfig
	return node.Decode((*rawRelayConfig)(c))
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}

// PostProcess parses durations and the display name template.
func (c *RelayConfig) PostProcess() error {
	var err error
	if c.duplicateWindow, err = parseDuration("relay.duplicate_window", c.DuplicateWindow, relay.DefaultDuplicateWindow); err != nil {
		return err
	}
	if c.sendTimeout, err = parseDuration("relay.send_timeout", c.SendTimeout, relay.DefaultSendTimeout); err != nil {
		return err
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("invalid relay.rate_per_second: must not be negative")
	}
	tmpl := c.DisplaynameTemplate
	if tmpl == "" {
		tmpl = relay.DefaultDisplayNameTemplate
	}
	c.displaynameTemplate, err = template.New("displayname").Parse(tmpl)
	if err != nil {
		return fmt.Errorf("invalid relay.displayname_template: %w", err)
	}
	return nil
}

// Options fills the pipeline tuning part of relay.Options.
func (c *Config) Options() relay.Options {
	return relay.Options{
		DefaultAvatar:       c.Relay.DefaultAvatar,
		DuplicateWindow:     c.Relay.duplicateWindow,
		SendTimeout:         c.Relay.sendTimeout,
		RatePerSecond:       c.Relay.RatePerSecond,
		RateBurst:           c.Relay.RateBurst,
		DisplayNameTemplate: c.Relay.displaynameTemplate,
		WebhookName:         c.Mattermost.WebhookName,
		SweepSpec:           c.Relay.SweepSchedule,
		ImageBaseURL:        c.Relay.ImageBaseURL,
		CommandPrefix:       c.Commands.Prefix,
		Admins:              c.Commands.Admins,
	}
}

// PostProcess validates every section.
func (c *Config) PostProcess() error {
	if err := c.Mattermost.PostProcess(); err != nil {
		return err
	}
	if c.Mattermost.Token == "" {
		return fmt.Errorf("mattermost.token is required (or set %s)", EnvMattermostToken)
	}
	if err := c.Relay.PostProcess(); err != nil {
		return err
	}
	if err := c.Lookup.PostProcess(); err != nil {
		return err
	}
	c.Commands.Prefix = strings.TrimSpace(c.Commands.Prefix)
	if strings.ContainsAny(c.Commands.Prefix, " \t\n") {
		return fmt.Errorf("commands.prefix must be a single word")
	}
	return nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvMattermostToken); v != "" {
		c.Mattermost.Token = v
	}
	if v := os.Getenv(EnvIngestToken); v != "" {
		c.Ingest.Token = v
	}
}

func upgradeConfig(helper up.Helper) {
	connector.UpgradeConfig(helper)

	helper.Copy(up.Str, "relay", "default_avatar")
	helper.Copy(up.Str, "relay", "duplicate_window")
	helper.Copy(up.Str, "relay", "send_timeout")
	helper.Copy(up.Int|up.Float, "relay", "rate_per_second")
	helper.Copy(up.Int, "relay", "rate_burst")
	helper.Copy(up.Str, "relay", "displayname_template")
	helper.Copy(up.Str, "relay", "sweep_schedule")
	helper.Copy(up.Str, "relay", "image_base_url")

	helper.Copy(up.Str, "commands", "prefix")
	helper.Copy(up.List, "commands", "admins")

	helper.Copy(up.Str, "store", "driver")
	helper.Copy(up.Str, "store", "path")

	helper.Copy(up.Str, "lookup", "base_url")
	helper.Copy(up.Str, "lookup", "timeout")
	helper.Copy(up.Str, "lookup", "api_key")

	helper.Copy(up.Str, "ingest", "addr")
	helper.Copy(up.Str, "ingest", "token")

	helper.Copy(up.Map, "logging")
}

// Parse upgrades raw user YAML against the example config and validates
// the result.
func Parse(data []byte) (*Config, error) {
	var base yaml.Node
	if err := yaml.Unmarshal(ExampleConfig, &base); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		var user yaml.Node
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		upgradeConfig(up.NewHelper(&base, &user))
	}

	var cfg Config
	if err := base.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// ErrConfigCreated is returned by WriteExample when it created a new file.
var ErrConfigCreated = errors.New("example config written")

// WriteExample creates path with the example config when it does not exist.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat config: %w", err)
	}
	if err := os.WriteFile(path, ExampleConfig, 0o600); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return ErrConfigCreated
}
