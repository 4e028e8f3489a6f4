// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

func TestLogin(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.Users["bot-id"] = &model.User{Id: "bot-id", Username: "relaybot", Roles: "system_user"}
	f.TokenToUser["test-token"] = "bot-id"
	f.Teams["bot-id"] = []*model.Team{{Id: "team-a"}, {Id: "team-b"}}

	cfg := Config{ServerURL: f.Server.URL, Token: "test-token"}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	mc := NewMattermostConnector(cfg, zerolog.Nop())
	if err := mc.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if mc.UserID() != "bot-id" {
		t.Errorf("UserID: got %q, want %q", mc.UserID(), "bot-id")
	}
	if mc.teamID != "team-a" {
		t.Errorf("teamID: got %q, want %q", mc.teamID, "team-a")
	}
	if mc.userRoles != "system_user" {
		t.Errorf("userRoles: got %q, want %q", mc.userRoles, "system_user")
	}
}

func TestLoginKeepsConfiguredTeam(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.Users["bot-id"] = &model.User{Id: "bot-id", Username: "relaybot"}
	f.TokenToUser["test-token"] = "bot-id"

	cfg := Config{ServerURL: f.Server.URL, Token: "test-token", TeamID: "fixed"}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	mc := NewMattermostConnector(cfg, zerolog.Nop())
	if err := mc.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if mc.teamID != "fixed" {
		t.Errorf("teamID: got %q, want %q", mc.teamID, "fixed")
	}
	if f.CalledPath("GET", "/teams") {
		t.Error("teams should not be listed when team_id is configured")
	}
}

func TestLoginBadToken(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()

	cfg := Config{ServerURL: f.Server.URL, Token: "wrong"}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	mc := NewMattermostConnector(cfg, zerolog.Nop())
	if err := mc.Login(context.Background()); err == nil {
		t.Fatal("expected error for invalid token")
	}
}

func TestGetChannel(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.Channels["ch1"] = &model.Channel{Id: "ch1", Name: "town-square", TeamId: "t1", Type: model.ChannelTypeOpen}
	f.Channels["dm1"] = &model.Channel{Id: "dm1", Type: model.ChannelTypeDirect}
	f.Channels["old"] = &model.Channel{Id: "old", DeleteAt: 1700000000000}
	f.ForbiddenChannels["secret"] = true
	mc := newTestConnector(f)
	ctx := context.Background()

	ch, err := mc.GetChannel(ctx, "ch1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if ch.Direct || ch.TeamID != "t1" || ch.Name != "town-square" {
		t.Errorf("GetChannel: got %+v", ch)
	}

	dm, err := mc.GetChannel(ctx, "dm1")
	if err != nil {
		t.Fatalf("GetChannel dm: %v", err)
	}
	if !dm.Direct {
		t.Error("dm1 should be direct")
	}

	for _, id := range []relay.ChannelID{"missing", "old", "secret"} {
		if _, err := mc.GetChannel(ctx, id); !errors.Is(err, relay.ErrChannelNotFound) {
			t.Errorf("GetChannel(%s): got %v, want ErrChannelNotFound", id, err)
		}
	}
}

func TestGetChannelTransientError(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.FailEndpoints["/api/v4/channels/"] = true
	mc := newTestConnector(f)

	_, err := mc.GetChannel(context.Background(), "ch1")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, relay.ErrChannelNotFound) {
		t.Error("a server error must not be reported as a missing channel")
	}
}

func TestSetObserver(t *testing.T) {
	t.Parallel()
	mc := &MattermostConnector{}
	if mc.getObserver() != nil {
		t.Fatal("observer should start nil")
	}
	obs := &recordingObserver{}
	mc.SetObserver(obs)
	if mc.getObserver() != obs {
		t.Error("getObserver should return the registered observer")
	}
}

func TestStatusCodeNilResponse(t *testing.T) {
	t.Parallel()
	if got := statusCode(nil); got != 0 {
		t.Errorf("statusCode(nil): got %d, want 0", got)
	}
	if got := statusCode(&model.Response{StatusCode: 404}); got != 404 {
		t.Errorf("statusCode: got %d, want 404", got)
	}
}
