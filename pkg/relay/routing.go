// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aiku/mattermost-chatrelay/pkg/relayfmt"
)

// ChannelID is an opaque Mattermost channel identifier.
type ChannelID string

// ChannelConfig is the routing configuration of one destination channel.
type ChannelConfig struct {
	// Kinds is sorted and free of duplicates.
	Kinds        []Kind `yaml:"kinds" json:"kinds"`
	Availability bool   `yaml:"availability,omitempty" json:"availability,omitempty"`
	// WebhookID caches the incoming webhook used for this channel. Empty
	// means no webhook has been created yet.
	WebhookID string `yaml:"webhook_id,omitempty" json:"webhook_id,omitempty"`
}

// KindOverrides customize how one kind is rendered. Empty fields fall back
// to defaults.
type KindOverrides struct {
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Label  string `yaml:"label,omitempty" json:"label,omitempty"`
	Avatar string `yaml:"avatar,omitempty" json:"avatar,omitempty"`
}

// Validate rejects overrides whose rendered posts could not be parsed back.
// External lines carry no label, so their prefix must be a single word.
func (o KindOverrides) Validate(kind Kind) error {
	if err := relayfmt.CheckPrefix(o.Prefix, kind != KindExternal); err != nil {
		return fmt.Errorf("prefix of %s: %w", kind, err)
	}
	if o.Label != relayfmt.SanitizeLabel(o.Label) {
		return fmt.Errorf("label of %s must not contain ']' or line breaks", kind)
	}
	return nil
}

// Document is the persisted form of the routing configuration.
type Document struct {
	Channels  map[ChannelID]ChannelConfig `yaml:"channels" json:"channels"`
	Overrides map[Kind]KindOverrides      `yaml:"overrides" json:"overrides"`
}

// ConfigStore persists the routing document. The relay calls Save after
// every mutation it performs itself.
type ConfigStore interface {
	Load() (*Document, error)
	Save(doc *Document) error
}

type channelState struct {
	kinds        map[Kind]struct{}
	availability bool
	webhookID    string
}

func (cs *channelState) config() ChannelConfig {
	kinds := make([]Kind, 0, len(cs.kinds))
	for k := range cs.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return ChannelConfig{Kinds: kinds, Availability: cs.availability, WebhookID: cs.webhookID}
}

// RoutingTable maps kinds to destination channels and holds per-kind
// overrides.
//
// The table is shared between the dispatch worker and the administrative
// path. Every method takes the lock for its own duration only and returns
// copies, so callers get a snapshot per call and nothing is atomic across
// calls.
type RoutingTable struct {
	mu            sync.RWMutex
	channels      map[ChannelID]*channelState
	overrides     map[Kind]KindOverrides
	defaultAvatar string
}

// NewRoutingTable builds a table from a persisted document, which may be nil.
func NewRoutingTable(doc *Document, defaultAvatar string) *RoutingTable {
	rt := &RoutingTable{defaultAvatar: defaultAvatar}
	rt.Replace(doc)
	return rt
}

// Replace swaps the whole configuration, e.g. after the document was
// edited on disk.
func (rt *RoutingTable) Replace(doc *Document) {
	channels := make(map[ChannelID]*channelState)
	overrides := make(map[Kind]KindOverrides)
	if doc != nil {
		for id, cfg := range doc.Channels {
			cs := &channelState{
				kinds:        make(map[Kind]struct{}, len(cfg.Kinds)),
				availability: cfg.Availability,
				webhookID:    cfg.WebhookID,
			}
			for _, k := range cfg.Kinds {
				cs.kinds[k] = struct{}{}
			}
			channels[id] = cs
		}
		for k, o := range doc.Overrides {
			overrides[k] = o
		}
	}
	rt.mu.Lock()
	rt.channels = channels
	rt.overrides = overrides
	rt.mu.Unlock()
}

// Snapshot returns a deep copy of the configuration.
func (rt *RoutingTable) Snapshot() *Document {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	doc := &Document{
		Channels:  make(map[ChannelID]ChannelConfig, len(rt.channels)),
		Overrides: make(map[Kind]KindOverrides, len(rt.overrides)),
	}
	for id, cs := range rt.channels {
		doc.Channels[id] = cs.config()
	}
	for k, o := range rt.overrides {
		doc.Overrides[k] = o
	}
	return doc
}

func sortedIDs(ids []ChannelID) []ChannelID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DestinationsFor returns every channel subscribed to kind, ascending by id.
func (rt *RoutingTable) DestinationsFor(kind Kind) []ChannelID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var ids []ChannelID
	for id, cs := range rt.channels {
		if _, ok := cs.kinds[kind]; ok {
			ids = append(ids, id)
		}
	}
	return sortedIDs(ids)
}

// AvailabilityDestinations returns every channel with availability
// notifications enabled, ascending by id.
func (rt *RoutingTable) AvailabilityDestinations() []ChannelID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var ids []ChannelID
	for id, cs := range rt.channels {
		if cs.availability {
			ids = append(ids, id)
		}
	}
	return sortedIDs(ids)
}

// OverridesFor returns the overrides for kind with defaults filled in.
func (rt *RoutingTable) OverridesFor(kind Kind) KindOverrides {
	rt.mu.RLock()
	o := rt.overrides[kind]
	def := rt.defaultAvatar
	rt.mu.RUnlock()
	if o.Label == "" {
		o.Label = kind.DefaultLabel()
	}
	if o.Avatar == "" {
		o.Avatar = def
	}
	return o
}

// Channel returns the configuration of one channel.
func (rt *RoutingTable) Channel(id ChannelID) (ChannelConfig, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	cs, ok := rt.channels[id]
	if !ok {
		return ChannelConfig{}, false
	}
	return cs.config(), true
}

// ChannelIDs returns every configured channel, ascending by id.
func (rt *RoutingTable) ChannelIDs() []ChannelID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]ChannelID, 0, len(rt.channels))
	for id := range rt.channels {
		ids = append(ids, id)
	}
	return sortedIDs(ids)
}

// ensureLocked returns the state for id, creating it on first configuration.
func (rt *RoutingTable) ensureLocked(id ChannelID) *channelState {
	cs, ok := rt.channels[id]
	if !ok {
		cs = &channelState{kinds: make(map[Kind]struct{})}
		rt.channels[id] = cs
	}
	return cs
}

// Subscribe adds kinds to a channel and reports how many were new.
func (rt *RoutingTable) Subscribe(id ChannelID, kinds ...Kind) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cs := rt.ensureLocked(id)
	added := 0
	for _, k := range kinds {
		if _, ok := cs.kinds[k]; !ok {
			cs.kinds[k] = struct{}{}
			added++
		}
	}
	return added
}

// Unsubscribe removes kinds from a channel and reports how many were removed.
func (rt *RoutingTable) Unsubscribe(id ChannelID, kinds ...Kind) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cs, ok := rt.channels[id]
	if !ok {
		return 0
	}
	removed := 0
	for _, k := range kinds {
		if _, ok := cs.kinds[k]; ok {
			delete(cs.kinds, k)
			removed++
		}
	}
	return removed
}

// SetAvailability toggles availability notifications for a channel.
func (rt *RoutingTable) SetAvailability(id ChannelID, enabled bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.ensureLocked(id).availability = enabled
}

// Webhook returns the cached webhook id of a channel, or "".
func (rt *RoutingTable) Webhook(id ChannelID) string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if cs, ok := rt.channels[id]; ok {
		return cs.webhookID
	}
	return ""
}

// SetWebhook caches a webhook id. It does nothing for channels that were
// removed in the meantime.
func (rt *RoutingTable) SetWebhook(id ChannelID, webhookID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if cs, ok := rt.channels[id]; ok {
		cs.webhookID = webhookID
	}
}

// RemoveChannel drops a channel entirely and reports whether it existed.
func (rt *RoutingTable) RemoveChannel(id ChannelID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.channels[id]; !ok {
		return false
	}
	delete(rt.channels, id)
	return true
}

// SetOverride replaces the overrides of a kind. Invalid overrides are
// rejected and the table is left unchanged.
func (rt *RoutingTable) SetOverride(kind Kind, o KindOverrides) error {
	if err := o.Validate(kind); err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if o == (KindOverrides{}) {
		delete(rt.overrides, kind)
		return nil
	}
	rt.overrides[kind] = o
	return nil
}

// ClearOverride drops every override of a kind.
func (rt *RoutingTable) ClearOverride(kind Kind) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.overrides, kind)
}

// UpdateOverride applies fn to the configured overrides of a kind under the
// table lock. The result is stored only when it validates.
func (rt *RoutingTable) UpdateOverride(kind Kind, fn func(o *KindOverrides)) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	o := rt.overrides[kind]
	fn(&o)
	if err := o.Validate(kind); err != nil {
		return err
	}
	if o == (KindOverrides{}) {
		delete(rt.overrides, kind)
		return nil
	}
	rt.overrides[kind] = o
	return nil
}

// RawOverride returns the configured overrides of a kind without defaults.
func (rt *RoutingTable) RawOverride(kind Kind) KindOverrides {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.overrides[kind]
}

// DefaultAvatar returns the global fallback avatar.
func (rt *RoutingTable) DefaultAvatar() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.defaultAvatar
}
