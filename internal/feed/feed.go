// Package feed carries observed chat lines from transports to the death-roll coordinator.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is used when a non-positive size is requested.
const DefaultQueueSize = 256

// Event is one chat line attributed to a player.
type Event struct {
	Actor     string    `json:"actor"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// LineProcessor consumes chat lines. Implemented by deathroll.Coordinator.
type LineProcessor interface {
	ProcessLine(actor, text string)
}

// Queue is a bounded event buffer. Publishing never blocks: when the buffer is full
// the oldest queued event is dropped to make room.
type Queue struct {
	events  chan Event
	logger  *slog.Logger
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewQueue creates a Queue holding up to size events.
func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		events: make(chan Event, size),
		logger: logger,
	}
}

// Publish enqueues ev. Returns false if the queue is closed or the event could not be queued.
func (q *Queue) Publish(ev Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case q.events <- ev:
		return true
	default:
	}

	// Full: drop the oldest to make room.
	select {
	case old := <-q.events:
		q.dropped.Add(1)
		q.logger.Warn("Feed queue full, dropped oldest line", "actor", old.Actor, "queue_len", len(q.events))
	default:
	}

	select {
	case q.events <- ev:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("Feed queue full, dropped line", "actor", ev.Actor)
		return false
	}
}

// Events exposes the receive side for Run.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Dropped returns how many events were discarded because the queue was full.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.events)
}

// Close stops accepting events. Queued events remain readable.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.events)
		q.mu.Unlock()
	})
}

// Run delivers events to sink until events is closed or ctx is done.
func Run(ctx context.Context, events <-chan Event, sink LineProcessor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			sink.ProcessLine(ev.Actor, ev.Text)
		}
	}
}
