// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-chatrelay/pkg/relayfmt"
)

// ErrMessageGone is returned by a Retractor when the message no longer exists.
var ErrMessageGone = errors.New("message already deleted")

// DefaultDuplicateWindow is used when no window is configured.
const DefaultDuplicateWindow = 5 * time.Second

// ObservedPost is a post seen on the remote platform, made by this process,
// by a peer, or by a human.
type ObservedPost struct {
	Handle    string
	ChannelID ChannelID
	// UserID is the platform account that created the post.
	UserID string
	// AuthorName is the display name the post was shown under. For webhook
	// posts this is the overridden username.
	AuthorName  string
	FromWebhook bool
	Body        string
	Timestamp   time.Time
}

// Retractor deletes a post on the remote platform.
type Retractor interface {
	DeleteMessage(ctx context.Context, handle string) error
}

type recentMessage struct {
	handle    string
	channelID ChannelID
	author    string
	label     string
	text      string
	// posted is the server timestamp and orders duplicates. seen is the
	// local time the post was observed and drives the window, so clock
	// skew against the server cannot age entries early or late.
	posted time.Time
	seen   time.Time
}

type dedupKey struct {
	channelID ChannelID
	label     string
	author    string
	text      string
}

func (rm *recentMessage) key() dedupKey {
	return dedupKey{channelID: rm.channelID, label: rm.label, author: rm.author, text: rm.text}
}

// DuplicateFilter remembers recent webhook posts and retracts posts that
// more than one relay process delivered.
//
// Observe and CheckAlreadySent may be called concurrently; the recent set is
// guarded by a single mutex. Remote deletions run outside the lock.
type DuplicateFilter struct {
	retractor Retractor
	window    time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	recent []*recentMessage
}

// NewDuplicateFilter creates a filter. A non-positive window selects
// DefaultDuplicateWindow.
func NewDuplicateFilter(retractor Retractor, window time.Duration, log zerolog.Logger) *DuplicateFilter {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &DuplicateFilter{
		retractor: retractor,
		window:    window,
		log:       log.With().Str("component", "duplicate_filter").Logger(),
		now:       time.Now,
	}
}

// Window returns the duplicate window.
func (df *DuplicateFilter) Window() time.Duration {
	return df.window
}

func (df *DuplicateFilter) toRecent(post ObservedPost, seen time.Time) *recentMessage {
	parsed := relayfmt.Parse(post.Body)
	posted := post.Timestamp
	if posted.IsZero() {
		posted = seen
	}
	return &recentMessage{
		handle:    post.Handle,
		channelID: post.ChannelID,
		author:    post.AuthorName,
		label:     parsed.Label,
		text:      parsed.Text,
		posted:    posted,
		seen:      seen,
	}
}

// fresh reports whether rm is still inside the window. A message whose age
// equals the window is already outside.
func (df *DuplicateFilter) fresh(rm *recentMessage, now time.Time) bool {
	return now.Sub(rm.seen) < df.window
}

// Observe records a post and runs a deduplication pass. Posts that were not
// made through a webhook are ignored.
func (df *DuplicateFilter) Observe(ctx context.Context, post ObservedPost) error {
	if !post.FromWebhook {
		return nil
	}
	df.mu.Lock()
	df.recent = append(df.recent, df.toRecent(post, df.now()))
	victims := df.duplicatesLocked(df.now())
	df.mu.Unlock()

	retracted, err := df.retract(ctx, victims)

	df.mu.Lock()
	df.pruneLocked(df.now(), retracted)
	df.mu.Unlock()
	return err
}

// duplicatesLocked returns every fresh message that repeats an older fresh
// message. The oldest of each group survives.
func (df *DuplicateFilter) duplicatesLocked(now time.Time) []*recentMessage {
	fresh := make([]*recentMessage, 0, len(df.recent))
	for _, rm := range df.recent {
		if df.fresh(rm, now) {
			fresh = append(fresh, rm)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].posted.Before(fresh[j].posted) })

	seen := make(map[dedupKey]*recentMessage, len(fresh))
	var victims []*recentMessage
	for _, rm := range fresh {
		k := rm.key()
		if _, dup := seen[k]; dup {
			victims = append(victims, rm)
			continue
		}
		seen[k] = rm
	}
	return victims
}

func (df *DuplicateFilter) retract(ctx context.Context, victims []*recentMessage) (map[*recentMessage]struct{}, error) {
	retracted := make(map[*recentMessage]struct{}, len(victims))
	var errs []error
	for _, rm := range victims {
		err := df.retractor.DeleteMessage(ctx, rm.handle)
		switch {
		case err == nil:
			df.log.Info().
				Str("post_id", rm.handle).
				Str("channel_id", string(rm.channelID)).
				Str("author", rm.author).
				Msg("Retracted duplicate post")
		case errors.Is(err, ErrMessageGone):
			df.log.Debug().Str("post_id", rm.handle).Msg("Duplicate post was already deleted")
		default:
			errs = append(errs, fmt.Errorf("failed to retract post %s: %w", rm.handle, err))
			continue
		}
		retracted[rm] = struct{}{}
	}
	return retracted, errors.Join(errs...)
}

func (df *DuplicateFilter) pruneLocked(now time.Time, retracted map[*recentMessage]struct{}) {
	kept := df.recent[:0]
	for _, rm := range df.recent {
		if _, gone := retracted[rm]; gone {
			continue
		}
		if !df.fresh(rm, now) {
			continue
		}
		kept = append(kept, rm)
	}
	for i := len(kept); i < len(df.recent); i++ {
		df.recent[i] = nil
	}
	df.recent = kept
}

// CheckAlreadySent reports whether a matching post is already in the
// window, in which case the caller must not send it again.
func (df *DuplicateFilter) CheckAlreadySent(channelID ChannelID, label, displayName, text string) bool {
	want := dedupKey{channelID: channelID, label: label, author: displayName, text: text}
	df.mu.Lock()
	defer df.mu.Unlock()
	now := df.now()
	for _, rm := range df.recent {
		if df.fresh(rm, now) && rm.key() == want {
			return true
		}
	}
	return false
}

// Prime seeds the window with posts fetched at startup. No retraction is
// performed for them. These posts were never observed live, so their server
// timestamp stands in for the observation time, capped at the local now.
func (df *DuplicateFilter) Prime(posts []ObservedPost) int {
	df.mu.Lock()
	defer df.mu.Unlock()
	now := df.now()
	added := 0
	for _, post := range posts {
		if !post.FromWebhook {
			continue
		}
		seen := post.Timestamp
		if seen.IsZero() || seen.After(now) {
			seen = now
		}
		rm := df.toRecent(post, seen)
		if !df.fresh(rm, now) {
			continue
		}
		df.recent = append(df.recent, rm)
		added++
	}
	return added
}

// Sweep drops messages that aged out of the window.
func (df *DuplicateFilter) Sweep() {
	df.mu.Lock()
	defer df.mu.Unlock()
	df.pruneLocked(df.now(), nil)
}

// Len returns the number of retained messages.
func (df *DuplicateFilter) Len() int {
	df.mu.Lock()
	defer df.mu.Unlock()
	return len(df.recent)
}
