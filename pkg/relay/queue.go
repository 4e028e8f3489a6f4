// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueuedEvent is an event owned by the queue while in flight.
type QueuedEvent struct {
	ID       uuid.UUID
	Event    Event
	QueuedAt time.Time
}

// DispatchQueue feeds submitted events to a handler one at a time in
// submission order. Submit never blocks.
//
// Stop lets the in-flight event finish and discards everything still queued.
// Cancelling the context given to Start has the same effect.
type DispatchQueue struct {
	handler func(ctx context.Context, item QueuedEvent)
	log     zerolog.Logger

	mu      sync.Mutex
	pending []QueuedEvent
	stopped bool
	started bool

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// NewDispatchQueue creates a stopped queue.
func NewDispatchQueue(handler func(ctx context.Context, item QueuedEvent), log zerolog.Logger) *DispatchQueue {
	return &DispatchQueue{
		handler: handler,
		log:     log.With().Str("component", "dispatch_queue").Logger(),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the worker. Calling it more than once has no effect.
func (q *DispatchQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.run(ctx)
}

// Submit enqueues an event. It returns false once the queue was stopped.
func (q *DispatchQueue) Submit(evt Event) bool {
	item := QueuedEvent{ID: uuid.New(), Event: evt, QueuedAt: time.Now()}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of events waiting, excluding the one in flight.
func (q *DispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *DispatchQueue) next() (QueuedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || len(q.pending) == 0 {
		return QueuedEvent{}, false
	}
	item := q.pending[0]
	q.pending[0] = QueuedEvent{}
	q.pending = q.pending[1:]
	return item, true
}

func (q *DispatchQueue) run(ctx context.Context) {
	defer close(q.done)
	defer q.shutdown()
	q.log.Debug().Msg("Dispatch worker started")
	// Items run to completion even when ctx is cancelled mid-send.
	itemCtx := context.WithoutCancel(ctx)
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		item, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-q.wake:
				continue
			}
		}
		q.process(itemCtx, item)
	}
}

// shutdown marks the queue stopped when the worker exits, so a cancelled
// start context makes Submit fail instead of queueing work nobody runs.
func (q *DispatchQueue) shutdown() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()
	q.log.Info().Int("dropped", dropped).Msg("Dispatch worker exited, queue closed")
}

func (q *DispatchQueue) process(ctx context.Context, item QueuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().
				Str("event_id", item.ID.String()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Panic while processing event")
		}
	}()
	q.handler(ctx, item)
}

// Stop discards queued events and waits for the in-flight one, or until ctx
// is done.
func (q *DispatchQueue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	dropped := len(q.pending)
	q.pending = nil
	started := q.started
	q.mu.Unlock()

	close(q.stopCh)
	if dropped > 0 {
		q.log.Info().Int("dropped", dropped).Msg("Discarded queued events on stop")
	}
	if !started {
		return
	}
	select {
	case <-q.done:
		q.log.Debug().Msg("Dispatch worker stopped")
	case <-ctx.Done():
		q.log.Warn().Msg("Timed out waiting for dispatch worker")
	}
}
