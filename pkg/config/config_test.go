// Copyright 2024-2026 Aiku AI

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

const minimalConfig = `
mattermost:
  server_url: https://chat.example.com/
  token: secret
`

func TestParseFillsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mattermost.ServerURL != "https://chat.example.com" {
		t.Errorf("ServerURL: got %q", cfg.Mattermost.ServerURL)
	}
	if cfg.Mattermost.WebhookName != "Chat relay" {
		t.Errorf("WebhookName: got %q, want example default", cfg.Mattermost.WebhookName)
	}
	if cfg.Mattermost.PrimeCount != 50 {
		t.Errorf("PrimeCount: got %d, want 50", cfg.Mattermost.PrimeCount)
	}
	if cfg.Commands.Prefix != "!relay" {
		t.Errorf("Commands.Prefix: got %q", cfg.Commands.Prefix)
	}
	if cfg.Store.Driver != "yaml" || cfg.Store.Path != "./routing.yaml" {
		t.Errorf("Store: got %+v", cfg.Store)
	}
	if len(cfg.Logging.Writers) == 0 {
		t.Error("logging writers should come from the example config")
	}

	opts := cfg.Options()
	if opts.DuplicateWindow != 5*time.Second {
		t.Errorf("DuplicateWindow: got %v", opts.DuplicateWindow)
	}
	if opts.SendTimeout != 10*time.Second {
		t.Errorf("SendTimeout: got %v", opts.SendTimeout)
	}
	if opts.RatePerSecond != 5 || opts.RateBurst != 10 {
		t.Errorf("rate: got %v/%d", opts.RatePerSecond, opts.RateBurst)
	}
	if opts.DisplayNameTemplate == nil {
		t.Fatal("DisplayNameTemplate should be compiled")
	}
	var sb strings.Builder
	if err := opts.DisplayNameTemplate.Execute(&sb, map[string]string{"Name": "Alice", "Origin": "Gaia"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sb.String() != "Alice＠Gaia" {
		t.Errorf("display name: got %q", sb.String())
	}
	if opts.WebhookName != "Chat relay" || opts.SweepSpec != relay.DefaultSweepSpec {
		t.Errorf("options: got %+v", opts)
	}
}

func TestParseKeepsUserValues(t *testing.T) {
	t.Parallel()
	input := minimalConfig + `
relay:
  duplicate_window: 30s
  rate_per_second: 0.5
  displayname_template: "{{.Name}} ({{.Origin}})"
commands:
  prefix: "!cr"
  admins: [u1, u2]
store:
  driver: sqlite
  path: /var/lib/relay/routing.db
ingest:
  addr: ":9000"
`
	cfg, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	opts := cfg.Options()
	if opts.DuplicateWindow != 30*time.Second {
		t.Errorf("DuplicateWindow: got %v", opts.DuplicateWindow)
	}
	if opts.RatePerSecond != 0.5 {
		t.Errorf("RatePerSecond: got %v", opts.RatePerSecond)
	}
	if opts.CommandPrefix != "!cr" {
		t.Errorf("CommandPrefix: got %q", opts.CommandPrefix)
	}
	if len(opts.Admins) != 2 || opts.Admins[0] != "u1" || opts.Admins[1] != "u2" {
		t.Errorf("Admins: got %v", opts.Admins)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "/var/lib/relay/routing.db" {
		t.Errorf("Store: got %+v", cfg.Store)
	}
	if cfg.Ingest.Addr != ":9000" {
		t.Errorf("Ingest.Addr: got %q", cfg.Ingest.Addr)
	}
	// Untouched keys keep their defaults.
	if opts.SendTimeout != relay.DefaultSendTimeout {
		t.Errorf("SendTimeout: got %v", opts.SendTimeout)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
	}{
		{"not yaml", "mattermost: ["},
		{"no token", "mattermost:\n  server_url: https://chat.example.com\n"},
		{"bad url", "mattermost:\n  server_url: chat.example.com\n  token: x\n"},
		{"bad window", minimalConfig + "relay:\n  duplicate_window: soon\n"},
		{"negative timeout", minimalConfig + "relay:\n  send_timeout: -1s\n"},
		{"bad template", minimalConfig + "relay:\n  displayname_template: \"{{.Name\"\n"},
		{"negative rate", minimalConfig + "relay:\n  rate_per_second: -2\n"},
		{"spaced prefix", minimalConfig + "commands:\n  prefix: \"! relay\"\n"},
		{"bad lookup timeout", minimalConfig + "lookup:\n  timeout: never\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(tt.input)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvMattermostToken, "from-env")
	t.Setenv(EnvIngestToken, "ingest-env")

	cfg, err := Parse([]byte("mattermost:\n  server_url: https://chat.example.com\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mattermost.Token != "from-env" {
		t.Errorf("Token: got %q", cfg.Mattermost.Token)
	}
	if cfg.Ingest.Token != "ingest-env" {
		t.Errorf("Ingest.Token: got %q", cfg.Ingest.Token)
	}
}

func TestLoadAndWriteExample(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")

	if _, err := Load(path); err == nil {
		t.Error("Load of a missing file should fail")
	}
	if err := WriteExample(path); !errors.Is(err, ErrConfigCreated) {
		t.Fatalf("WriteExample: got %v, want ErrConfigCreated", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != string(ExampleConfig) {
		t.Error("written file should equal the example config")
	}
	if err := WriteExample(path); err != nil {
		t.Errorf("WriteExample on existing file: %v", err)
	}

	if err := os.WriteFile(path, []byte(minimalConfig), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mattermost.Token != "secret" {
		t.Errorf("Token: got %q", cfg.Mattermost.Token)
	}
}

func TestExampleConfigLogging(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := cfg.Logging.Compile(); err != nil {
		t.Errorf("logging config should compile: %v", err)
	}
}
