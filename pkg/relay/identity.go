// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Character is a player found by a CharacterLookup.
type Character struct {
	Name      string
	Origin    string
	AvatarURL string
}

// CharacterLookup searches the remote character directory. A nil character
// with a nil error means no match.
type CharacterLookup interface {
	Search(ctx context.Context, name, origin string) (*Character, error)
}

const defaultLookupTimeout = 5 * time.Second

// IdentityCache resolves sender avatars and memoizes successful lookups for
// the lifetime of the process. Entries are never evicted, so a changed
// avatar is only picked up after a restart.
//
// Concurrent misses for the same key each perform their own lookup.
type IdentityCache struct {
	lookup  CharacterLookup
	timeout time.Duration
	log     zerolog.Logger

	avatars sync.Map // cacheKey -> string
}

// NewIdentityCache creates a cache. lookup may be nil, in which case every
// resolution returns the caller's default.
func NewIdentityCache(lookup CharacterLookup, log zerolog.Logger) *IdentityCache {
	return &IdentityCache{
		lookup:  lookup,
		timeout: defaultLookupTimeout,
		log:     log.With().Str("component", "identity_cache").Logger(),
	}
}

func cacheKey(name, origin string) string {
	return name + "@" + origin
}

// looksLikePlayerName reports whether name has the "First Last" shape of a
// player character. Anything else (NPCs, system senders) is not looked up.
func looksLikePlayerName(name string) bool {
	first, last, found := strings.Cut(name, " ")
	return found && first != "" && last != "" && !strings.Contains(last, " ")
}

// Resolve returns the avatar for a sender, or def when none can be found.
// It never fails; lookup errors are logged and treated as no match.
func (ic *IdentityCache) Resolve(ctx context.Context, name, origin, def string) string {
	if name == "" || origin == "" || !looksLikePlayerName(name) || ic.lookup == nil {
		return def
	}
	key := cacheKey(name, origin)
	if v, ok := ic.avatars.Load(key); ok {
		return v.(string)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, ic.timeout)
	defer cancel()
	char, err := ic.lookup.Search(lookupCtx, name, origin)
	if err != nil {
		ic.log.Warn().Err(err).
			Str("name", name).
			Str("origin", origin).
			Msg("Character lookup failed, using default avatar")
		return def
	}
	if char == nil || char.AvatarURL == "" {
		ic.log.Debug().Str("name", name).Str("origin", origin).Msg("No character match")
		return def
	}
	ic.avatars.Store(key, char.AvatarURL)
	return char.AvatarURL
}

// Cached returns a memoized avatar without performing a lookup.
func (ic *IdentityCache) Cached(name, origin string) (string, bool) {
	v, ok := ic.avatars.Load(cacheKey(name, origin))
	if !ok {
		return "", false
	}
	return v.(string), true
}
