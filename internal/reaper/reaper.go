// Package reaper periodically evicts idle death-roll sessions and prunes stored history.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/gagsync/internal/clock"
)

const defaultInterval = time.Minute

// Sweeper evicts sessions idle longer than maxIdle. Implemented by deathroll.Coordinator.
type Sweeper interface {
	Sweep(maxIdle time.Duration) int
}

// Pruner deletes history older than a cutoff. Implemented by store.Repository.
type Pruner interface {
	PruneHistory(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config controls the sweep cadence and retention.
type Config struct {
	Interval time.Duration
	// SessionTTL is how long a death roll may sit without a roll. Zero disables sweeping.
	SessionTTL time.Duration
	// HistoryRetention is how long results and strikes are kept. Zero keeps them forever.
	HistoryRetention time.Duration
}

// Reaper runs the periodic cleanup.
type Reaper struct {
	sweeper Sweeper
	pruner  Pruner
	clock   clock.Clock
	cfg     Config
	logger  *slog.Logger
}

// New creates a Reaper. Either sweeper or pruner may be nil.
func New(sweeper Sweeper, pruner Pruner, clk clock.Clock, cfg Config, logger *slog.Logger) *Reaper {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Reaper{sweeper: sweeper, pruner: pruner, clock: clk, cfg: cfg, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("Reaper started",
		"interval", r.cfg.Interval,
		"session_ttl", r.cfg.SessionTTL,
		"history_retention", r.cfg.HistoryRetention,
	)

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			r.logger.Info("Reaper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// RunOnce performs a single sweep and prune.
func (r *Reaper) RunOnce(ctx context.Context) (evicted int, pruned int64) {
	if r.sweeper != nil && r.cfg.SessionTTL > 0 {
		evicted = r.sweeper.Sweep(r.cfg.SessionTTL)
		if evicted > 0 {
			r.logger.Info("Reaper evicted idle death rolls", "count", evicted)
		}
	}

	if r.pruner != nil && r.cfg.HistoryRetention > 0 {
		cutoff := r.clock.Now().Add(-r.cfg.HistoryRetention)
		n, err := r.pruner.PruneHistory(ctx, cutoff)
		if err != nil {
			r.logger.Error("Reaper failed to prune history", "error", err)
			return evicted, 0
		}
		if n > 0 {
			r.logger.Info("Reaper pruned history", "rows", n, "cutoff", cutoff)
		}
		pruned = n
	}
	return evicted, pruned
}
