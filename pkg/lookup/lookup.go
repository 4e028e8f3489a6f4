// Copyright 2024-2026 Aiku AI

// Package lookup implements character avatar search against an
// XIVAPI-compatible character directory.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

const (
	DefaultBaseURL = "https://xivapi.com"
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 1 << 10
)

// Config configures the character directory client.
type Config struct {
	BaseURL string `yaml:"base_url"`
	// Timeout bounds one search request, e.g. "10s".
	Timeout string `yaml:"timeout"`
	// APIKey is sent as the private_key query parameter when set.
	APIKey string `yaml:"api_key"`

	timeout time.Duration `yaml:"-"`
}

// PostProcess validates the config and fills defaults.
func (c *Config) PostProcess() error {
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid lookup.base_url: %w", err)
	}
	c.timeout = DefaultTimeout
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return fmt.Errorf("invalid lookup.timeout: %w", err)
		}
		c.timeout = d
	}
	return nil
}

// Client searches the directory over HTTP.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	log        zerolog.Logger
}

var _ relay.CharacterLookup = (*Client)(nil)

// NewClient creates a client. cfg.PostProcess must have been called.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		HTTPClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "character_lookup").Logger(),
	}
}

type searchResponse struct {
	Results []searchResult `json:"Results"`
}

type searchResult struct {
	ID     int64  `json:"ID"`
	Name   string `json:"Name"`
	Server string `json:"Server"`
	Avatar string `json:"Avatar"`
}

// Search finds the character whose name and home world match exactly,
// ignoring case. A nil character with a nil error means no match.
func (c *Client) Search(ctx context.Context, name, origin string) (*relay.Character, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("server", origin)
	if c.APIKey != "" {
		q.Set("private_key", c.APIKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/character/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search character: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("character search failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	for _, r := range res.Results {
		if !strings.EqualFold(r.Name, name) || !strings.EqualFold(r.Server, origin) {
			continue
		}
		if r.Avatar == "" {
			c.log.Debug().Str("name", name).Str("origin", origin).Msg("Character has no avatar")
			return nil, nil
		}
		return &relay.Character{Name: r.Name, Origin: r.Server, AvatarURL: r.Avatar}, nil
	}
	return nil, nil
}
