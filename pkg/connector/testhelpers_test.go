// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// ChannelRoles maps "channelID:userID" to the member's roles.
	ChannelRoles map[string]string
	// TeamRoles maps "teamID:userID" to the member's roles.
	TeamRoles map[string]string
	// Roles maps role name to its permissions.
	Roles map[string][]string
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// Posts maps channel ID to PostList for GetPostsForChannel.
	Posts map[string]*model.PostList
	// Hooks holds the ids of incoming webhooks that accept posts.
	Hooks map[string]bool
	// HookPosts records payloads received by each webhook.
	HookPosts map[string][]webhookPayload
	// DeletedPosts holds post ids that answer 404 on delete.
	DeletedPosts map[string]bool
	// ForbiddenChannels answer 403 on every channel endpoint.
	ForbiddenChannels map[string]bool
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool

	nextHook int
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:             make(map[string]*model.User),
		TokenToUser:       make(map[string]string),
		Channels:          make(map[string]*model.Channel),
		ChannelRoles:      make(map[string]string),
		TeamRoles:         make(map[string]string),
		Roles:             make(map[string][]string),
		Teams:             make(map[string][]*model.Team),
		Posts:             make(map[string]*model.PostList),
		Hooks:             make(map[string]bool),
		HookPosts:         make(map[string][]webhookPayload),
		DeletedPosts:      make(map[string]bool),
		ForbiddenChannels: make(map[string]bool),
		FailEndpoints:     make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(method, path string) bool {
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

func (f *fakeMM) LastBody(method, path string) string {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == method && calls[i].Path == path {
			return calls[i].Body
		}
	}
	return ""
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func writeStatus(w http.ResponseWriter, status int, id string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":          id,
		"message":     "fake " + id,
		"status_code": status,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			writeStatus(w, http.StatusInternalServerError, "fake.error")
			return
		}
	}

	path := r.URL.Path
	parts := strings.Split(strings.Trim(path, "/"), "/")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	// GET /api/v4/users/me
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			writeStatus(w, http.StatusUnauthorized, "api.context.session_expired.app_error")
			return
		}
		if u, ok := f.Users[uid]; ok {
			writeJSON(w, u)
			return
		}
		writeStatus(w, http.StatusNotFound, "app.user.missing_account.const")

	// GET /api/v4/users/{user_id}/teams
	case r.Method == http.MethodGet && len(parts) == 5 && parts[2] == "users" && parts[4] == "teams":
		writeJSON(w, f.Teams[parts[3]])

	// GET /api/v4/channels/{channel_id}[/...]
	case len(parts) >= 4 && parts[2] == "channels" && f.ForbiddenChannels[parts[3]]:
		writeStatus(w, http.StatusForbidden, "api.context.permissions.app_error")

	// GET /api/v4/channels/{channel_id}
	case r.Method == http.MethodGet && len(parts) == 4 && parts[2] == "channels":
		if ch, ok := f.Channels[parts[3]]; ok {
			writeJSON(w, ch)
			return
		}
		writeStatus(w, http.StatusNotFound, "app.channel.get.existing.app_error")

	// GET /api/v4/channels/{channel_id}/members/{user_id}
	case r.Method == http.MethodGet && len(parts) == 6 && parts[2] == "channels" && parts[4] == "members":
		roles, ok := f.ChannelRoles[parts[3]+":"+parts[5]]
		if !ok {
			writeStatus(w, http.StatusNotFound, "app.channel.get_member.missing.app_error")
			return
		}
		writeJSON(w, &model.ChannelMember{ChannelId: parts[3], UserId: parts[5], Roles: roles})

	// GET /api/v4/channels/{channel_id}/posts
	case r.Method == http.MethodGet && len(parts) == 5 && parts[2] == "channels" && parts[4] == "posts":
		if pl, ok := f.Posts[parts[3]]; ok {
			writeJSON(w, pl)
			return
		}
		writeJSON(w, model.NewPostList())

	// GET /api/v4/teams/{team_id}/members/{user_id}
	case r.Method == http.MethodGet && len(parts) == 6 && parts[2] == "teams" && parts[4] == "members":
		roles, ok := f.TeamRoles[parts[3]+":"+parts[5]]
		if !ok {
			writeStatus(w, http.StatusNotFound, "app.team.get_member.missing.app_error")
			return
		}
		writeJSON(w, &model.TeamMember{TeamId: parts[3], UserId: parts[5], Roles: roles})

	// POST /api/v4/roles/names
	case r.Method == http.MethodPost && path == "/api/v4/roles/names":
		var names []string
		_ = json.Unmarshal(body, &names)
		roles := []*model.Role{}
		for _, name := range names {
			if perms, ok := f.Roles[name]; ok {
				roles = append(roles, &model.Role{Name: name, Permissions: perms})
			}
		}
		writeJSON(w, roles)

	// POST /api/v4/hooks/incoming
	case r.Method == http.MethodPost && path == "/api/v4/hooks/incoming":
		var hook model.IncomingWebhook
		_ = json.Unmarshal(body, &hook)
		if _, ok := f.Channels[hook.ChannelId]; !ok {
			writeStatus(w, http.StatusNotFound, "app.channel.get.existing.app_error")
			return
		}
		f.nextHook++
		hook.Id = fmt.Sprintf("hook%d", f.nextHook)
		f.Hooks[hook.Id] = true
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, &hook)

	// POST /hooks/{hook_id}
	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "hooks":
		if !f.Hooks[parts[1]] {
			writeStatus(w, http.StatusBadRequest, "web.incoming_webhook.invalid.app_error")
			return
		}
		var payload webhookPayload
		_ = json.Unmarshal(body, &payload)
		f.HookPosts[parts[1]] = append(f.HookPosts[parts[1]], payload)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))

	// POST /api/v4/posts
	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		if _, ok := f.Channels[post.ChannelId]; !ok {
			writeStatus(w, http.StatusNotFound, "app.channel.get.existing.app_error")
			return
		}
		post.Id = "created-post-id"
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, &post)

	// DELETE /api/v4/posts/{post_id}
	case r.Method == http.MethodDelete && len(parts) == 4 && parts[2] == "posts":
		if f.DeletedPosts[parts[3]] {
			writeStatus(w, http.StatusNotFound, "app.post.get.app_error")
			return
		}
		writeJSON(w, map[string]string{"status": "OK"})

	default:
		writeStatus(w, http.StatusNotFound, "api.context.404.app_error")
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postedEvent wraps a post the way the server does for "posted" events.
func postedEvent(post *model.Post, senderName string) *model.WebSocketEvent {
	raw, _ := json.Marshal(post)
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{
		"post":        string(raw),
		"sender_name": senderName,
	})
}

// webhookPost builds a post as Mattermost stores it for webhook deliveries.
func webhookPost(id, channelID, creator, username, message string, createAt int64) *model.Post {
	p := &model.Post{
		Id:        id,
		ChannelId: channelID,
		UserId:    creator,
		Message:   message,
		CreateAt:  createAt,
	}
	p.AddProp(propFromWebhook, "true")
	p.AddProp(propOverrideUsername, username)
	return p
}

// newTestConnector creates a connector pointed at a fake server. The
// connector is considered logged in as my-user-id.
func newTestConnector(f *fakeMM) *MattermostConnector {
	cfg := Config{ServerURL: f.Server.URL, Token: "test-token"}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	mc := NewMattermostConnector(cfg, zerolog.Nop())
	mc.userID = "my-user-id"
	mc.username = "relaybot"
	mc.userRoles = "system_user"
	mc.teamID = "my-team-id"
	return mc
}

// recordingObserver captures observed posts.
type recordingObserver struct {
	mu    sync.Mutex
	posts []relay.ObservedPost
}

func (o *recordingObserver) HandleObserved(_ context.Context, post relay.ObservedPost) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.posts = append(o.posts, post)
}

func (o *recordingObserver) Posts() []relay.ObservedPost {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]relay.ObservedPost, len(o.posts))
	copy(cp, o.posts)
	return cp
}
