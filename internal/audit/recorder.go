// Package audit persists rate-limit strikes off the admission path.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/gagsync/internal/clock"
	"github.com/ashureev/gagsync/internal/domain"
	"github.com/ashureev/gagsync/internal/ratelimit"
)

const (
	defaultQueueSize = 128
	drainTimeout     = 5 * time.Second
)

// StrikeWriter stores strike records. Implemented by store.Repository.
type StrikeWriter interface {
	RecordStrike(ctx context.Context, strike domain.StrikeRecord) error
}

// Recorder queues strikes reported by the limiter observer and writes them in Run.
type Recorder struct {
	writer  StrikeWriter
	clock   clock.Clock
	queue   chan domain.StrikeRecord
	logger  *slog.Logger
	dropped atomic.Int64
	written atomic.Int64
}

// NewRecorder creates a Recorder with room for size pending strikes.
func NewRecorder(w StrikeWriter, clk clock.Clock, size int, logger *slog.Logger) *Recorder {
	if clk == nil {
		clk = clock.System{}
	}
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		writer: w,
		clock:  clk,
		queue:  make(chan domain.StrikeRecord, size),
		logger: logger,
	}
}

// Observe has the ratelimit.Observer signature. Only strikes are recorded.
func (r *Recorder) Observe(category domain.ActionCategory, res ratelimit.Result) {
	if res.Decision != ratelimit.DecisionStruck {
		return
	}
	now := r.clock.Now()
	rec := domain.StrikeRecord{
		Category:     category,
		StrikeCount:  res.Strikes,
		BlockedUntil: now.Add(res.RetryAfter),
		CreatedAt:    now,
	}

	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.logger.Warn("Strike audit queue full, dropping record", "category", category, "strikes", res.Strikes)
	}
}

// Run writes queued strikes until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec domain.StrikeRecord) {
	if err := r.writer.RecordStrike(ctx, rec); err != nil {
		r.logger.Error("Failed to record strike", "category", rec.Category, "strikes", rec.StrikeCount, "error", err)
		return
	}
	r.written.Add(1)
}

// Dropped returns how many strikes were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Written returns how many strikes were stored.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}
