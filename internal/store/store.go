// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/gagsync/internal/domain"
)

// Repository defines the interface for persisting death-roll history and strike audits.
type Repository interface {
	// RecordRollResult stores a completed death roll. Recording the same session twice
	// overwrites the earlier row.
	RecordRollResult(ctx context.Context, result domain.RollResult) error

	// GetRollResult returns the stored result for a session, or an errdefs not-found error.
	GetRollResult(ctx context.Context, sessionID string) (domain.RollResult, error)

	// ListRollResults returns the most recent results the identity took part in, newest first.
	ListRollResults(ctx context.Context, identity string, limit int) ([]domain.RollResult, error)

	// RecordStrike appends a rate-limit strike to the audit log.
	RecordStrike(ctx context.Context, strike domain.StrikeRecord) error

	// ListStrikes returns recent strikes for a category, newest first.
	// CategoryUnknown lists every category.
	ListStrikes(ctx context.Context, category domain.ActionCategory, limit int) ([]domain.StrikeRecord, error)

	// PruneHistory deletes results and strikes created before olderThan.
	PruneHistory(ctx context.Context, olderThan time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
