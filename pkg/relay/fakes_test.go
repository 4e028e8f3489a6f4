// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// remoteCall records one call made against fakeRemote.
type remoteCall struct {
	Method    string
	ChannelID ChannelID
	WebhookID string
	Post      Post
	Text      string
}

// fakeRemote is an in-memory RemoteClient. Channels not in channels are
// reported as gone.
type fakeRemote struct {
	mu sync.Mutex

	channels  map[ChannelID]*RemoteChannel
	canManage map[ChannelID]bool
	// goneHooks lists webhook ids the platform rejects.
	goneHooks map[string]bool
	deleted   map[string]bool

	createErr error
	sendErr   error
	deleteErr error
	nextHook  int

	calls []remoteCall
	// onSend runs inside SendViaWebhook, before it returns.
	onSend func(post Post)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		channels:  make(map[ChannelID]*RemoteChannel),
		canManage: make(map[ChannelID]bool),
		goneHooks: make(map[string]bool),
		deleted:   make(map[string]bool),
	}
}

func (f *fakeRemote) addChannel(id ChannelID, canManage bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id] = &RemoteChannel{ID: id, TeamID: "team1", Name: string(id)}
	f.canManage[id] = canManage
}

func (f *fakeRemote) addDirect(id ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id] = &RemoteChannel{ID: id, Direct: true, Name: string(id)}
}

func (f *fakeRemote) record(c remoteCall) {
	f.calls = append(f.calls, c)
}

func (f *fakeRemote) Calls() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]remoteCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeRemote) CallsTo(method string) []remoteCall {
	var out []remoteCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) GetChannel(_ context.Context, id ChannelID) (*RemoteChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(remoteCall{Method: "GetChannel", ChannelID: id})
	ch, ok := f.channels[id]
	if !ok {
		return nil, fmt.Errorf("get channel %s: %w", id, ErrChannelNotFound)
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeRemote) CanManageWebhooks(_ context.Context, id ChannelID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(remoteCall{Method: "CanManageWebhooks", ChannelID: id})
	return f.canManage[id], nil
}

func (f *fakeRemote) CreateWebhook(_ context.Context, id ChannelID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(remoteCall{Method: "CreateWebhook", ChannelID: id})
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextHook++
	return fmt.Sprintf("hook%d", f.nextHook), nil
}

func (f *fakeRemote) SendViaWebhook(_ context.Context, webhookID string, post Post) error {
	f.mu.Lock()
	f.record(remoteCall{Method: "SendViaWebhook", WebhookID: webhookID, Post: post})
	gone := f.goneHooks[webhookID]
	sendErr := f.sendErr
	onSend := f.onSend
	f.mu.Unlock()
	if gone {
		return ErrWebhookGone
	}
	if sendErr != nil {
		return sendErr
	}
	if onSend != nil {
		onSend(post)
	}
	return nil
}

func (f *fakeRemote) SendDirect(_ context.Context, id ChannelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(remoteCall{Method: "SendDirect", ChannelID: id, Text: text})
	if _, ok := f.channels[id]; !ok {
		return ErrChannelNotFound
	}
	return f.sendErr
}

func (f *fakeRemote) SendEmbed(_ context.Context, id ChannelID, post Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(remoteCall{Method: "SendEmbed", ChannelID: id, Post: post})
	return f.sendErr
}

func (f *fakeRemote) DeleteMessage(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(remoteCall{Method: "DeleteMessage", Text: handle})
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if f.deleted[handle] {
		return ErrMessageGone
	}
	f.deleted[handle] = true
	return nil
}

// fakeLookup answers character searches from a fixed table.
type fakeLookup struct {
	mu      sync.Mutex
	avatars map[string]string
	err     error
	delay   time.Duration
	calls   int
}

func (f *fakeLookup) Search(ctx context.Context, name, origin string) (*Character, error) {
	f.mu.Lock()
	f.calls++
	delay, err := f.delay, f.err
	avatar, ok := f.avatars[name+"@"+origin]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Character{Name: name, Origin: origin, AvatarURL: avatar}, nil
}

func (f *fakeLookup) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memStore is a ConfigStore kept in memory.
type memStore struct {
	mu    sync.Mutex
	doc   *Document
	saves int
}

func (m *memStore) Load() (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc, nil
}

func (m *memStore) Save(doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc
	m.saves++
	return nil
}

func (m *memStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
