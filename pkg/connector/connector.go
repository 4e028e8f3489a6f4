// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

// Observer receives every post seen on the websocket.
type Observer interface {
	HandleObserved(ctx context.Context, post relay.ObservedPost)
}

// MattermostConnector is the relay's view of one Mattermost bot account.
type MattermostConnector struct {
	Config Config

	client    *model.Client4
	wsClient  *model.WebSocketClient
	userID    string
	username  string
	userRoles string
	teamID    string

	observer Observer
	obsMu    sync.RWMutex

	wsMu     sync.Mutex
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
	log      zerolog.Logger
}

var _ relay.RemoteClient = (*MattermostConnector)(nil)

// NewMattermostConnector creates a connector. Config.PostProcess must have
// been called.
func NewMattermostConnector(cfg Config, log zerolog.Logger) *MattermostConnector {
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &MattermostConnector{
		Config:   cfg,
		client:   client,
		teamID:   cfg.TeamID,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		log:      log.With().Str("component", "mm_connector").Logger(),
	}
}

// SetObserver registers the receiver of observed posts.
func (mc *MattermostConnector) SetObserver(obs Observer) {
	mc.obsMu.Lock()
	mc.observer = obs
	mc.obsMu.Unlock()
}

func (mc *MattermostConnector) getObserver() Observer {
	mc.obsMu.RLock()
	defer mc.obsMu.RUnlock()
	return mc.observer
}

// Login verifies the token and resolves the bot's team.
func (mc *MattermostConnector) Login(ctx context.Context) error {
	me, _, err := mc.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost token: %w", err)
	}
	mc.userID = me.Id
	mc.username = me.Username
	mc.userRoles = me.Roles

	if mc.teamID == "" {
		teams, _, err := mc.client.GetTeamsForUser(ctx, me.Id, "")
		if err != nil {
			return fmt.Errorf("failed to get teams: %w", err)
		}
		if len(teams) > 0 {
			mc.teamID = teams[0].Id
		}
	}
	mc.log.Info().
		Str("user_id", me.Id).
		Str("username", me.Username).
		Str("team_id", mc.teamID).
		Msg("Authenticated")
	return nil
}

// UserID returns the bot's Mattermost user id after Login.
func (mc *MattermostConnector) UserID() string {
	return mc.userID
}

// statusCode returns the HTTP status of a Client4 response, or 0.
func statusCode(resp *model.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// GetChannel resolves a channel. Deleted channels, and channels the bot can
// no longer see, are reported as relay.ErrChannelNotFound.
func (mc *MattermostConnector) GetChannel(ctx context.Context, id relay.ChannelID) (*relay.RemoteChannel, error) {
	ch, resp, err := mc.client.GetChannel(ctx, string(id), "")
	if err != nil {
		switch statusCode(resp) {
		case http.StatusNotFound, http.StatusForbidden:
			return nil, fmt.Errorf("channel %s: %w", id, relay.ErrChannelNotFound)
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	if ch.DeleteAt > 0 {
		return nil, fmt.Errorf("channel %s was archived: %w", id, relay.ErrChannelNotFound)
	}
	return &relay.RemoteChannel{
		ID:     relay.ChannelID(ch.Id),
		Direct: ch.Type == model.ChannelTypeDirect,
		TeamID: ch.TeamId,
		Name:   ch.Name,
	}, nil
}

// channelGone maps a failed write to a channel onto relay.ErrChannelNotFound
// when the platform says the channel does not exist for the bot.
func channelGone(resp *model.Response, err error) error {
	switch statusCode(resp) {
	case http.StatusNotFound, http.StatusForbidden:
		return errors.Join(relay.ErrChannelNotFound, err)
	}
	return err
}
