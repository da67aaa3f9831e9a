package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	_ "modernc.org/sqlite"

	"github.com/ashureev/gagsync/internal/domain"
	"github.com/ashureev/gagsync/internal/shared"
)

// DefaultListLimit caps list queries that pass a non-positive limit.
const DefaultListLimit = 50

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets the reaper prune while the audit worker writes.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS roll_results (
		session_id TEXT PRIMARY KEY,
		initiator TEXT NOT NULL,
		opponent TEXT NOT NULL,
		winner TEXT NOT NULL,
		loser TEXT NOT NULL,
		starting_cap INTEGER NOT NULL,
		turns INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_roll_results_initiator ON roll_results(initiator, completed_at);
	CREATE INDEX IF NOT EXISTS idx_roll_results_opponent ON roll_results(opponent, completed_at);

	CREATE TABLE IF NOT EXISTS strikes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		strike_count INTEGER NOT NULL,
		blocked_until INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_strikes_category ON strikes(category, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordRollResult stores a completed death roll.
func (s *SQLiteStore) RecordRollResult(ctx context.Context, r domain.RollResult) error {
	if r.SessionID == "" || r.Loser == "" {
		return fmt.Errorf("record roll result: %w", errdefs.ErrInvalidArgument)
	}

	query := `
	INSERT INTO roll_results (session_id, initiator, opponent, winner, loser, starting_cap, turns, started_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		winner = excluded.winner,
		loser = excluded.loser,
		turns = excluded.turns,
		completed_at = excluded.completed_at`

	err := shared.RetryOnConflict(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query,
			r.SessionID, r.Initiator, r.Opponent, r.Winner, r.Loser,
			r.StartingCap, r.Turns, r.StartedAt.UnixMilli(), r.CompletedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert roll result: %w", err)
	}
	return nil
}

// GetRollResult returns the stored result for sessionID.
func (s *SQLiteStore) GetRollResult(ctx context.Context, sessionID string) (domain.RollResult, error) {
	query := `
		SELECT session_id, initiator, opponent, winner, loser, starting_cap, turns, started_at, completed_at
		FROM roll_results WHERE session_id = ?`

	r, err := scanRollResult(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RollResult{}, fmt.Errorf("roll result %s: %w", sessionID, errdefs.ErrNotFound)
	}
	if err != nil {
		return domain.RollResult{}, fmt.Errorf("scan roll result: %w", err)
	}
	return r, nil
}

// ListRollResults returns recent results involving identity, newest first.
func (s *SQLiteStore) ListRollResults(ctx context.Context, identity string, limit int) ([]domain.RollResult, error) {
	if identity == "" {
		return nil, fmt.Errorf("list roll results: identity required: %w", errdefs.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT session_id, initiator, opponent, winner, loser, starting_cap, turns, started_at, completed_at
		FROM roll_results
		WHERE initiator = ? OR opponent = ?
		ORDER BY completed_at DESC, session_id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, identity, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("query roll results: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close roll result rows", "error", closeErr)
		}
	}()

	results := make([]domain.RollResult, 0)
	for rows.Next() {
		r, err := scanRollResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan roll result row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roll results: %w", err)
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRollResult(row rowScanner) (domain.RollResult, error) {
	var r domain.RollResult
	var startedAt, completedAt int64
	if err := row.Scan(
		&r.SessionID, &r.Initiator, &r.Opponent, &r.Winner, &r.Loser,
		&r.StartingCap, &r.Turns, &startedAt, &completedAt,
	); err != nil {
		return domain.RollResult{}, err
	}
	r.StartedAt = time.UnixMilli(startedAt)
	r.CompletedAt = time.UnixMilli(completedAt)
	return r, nil
}

// RecordStrike appends a strike to the audit log.
func (s *SQLiteStore) RecordStrike(ctx context.Context, st domain.StrikeRecord) error {
	if st.Category == domain.CategoryUnknown || st.StrikeCount <= 0 {
		return fmt.Errorf("record strike: %w", errdefs.ErrInvalidArgument)
	}

	query := `INSERT INTO strikes (category, strike_count, blocked_until, created_at) VALUES (?, ?, ?, ?)`
	err := shared.RetryOnConflict(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query,
			st.Category.String(), st.StrikeCount, st.BlockedUntil.UnixMilli(), st.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("insert strike: %w", err)
	}
	return nil
}

// ListStrikes returns recent strikes for category, newest first.
func (s *SQLiteStore) ListStrikes(ctx context.Context, category domain.ActionCategory, limit int) ([]domain.StrikeRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT category, strike_count, blocked_until, created_at FROM strikes`
	args := []any{}
	if category != domain.CategoryUnknown {
		query += ` WHERE category = ?`
		args = append(args, category.String())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query strikes: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close strike rows", "error", closeErr)
		}
	}()

	strikes := make([]domain.StrikeRecord, 0)
	for rows.Next() {
		var st domain.StrikeRecord
		var name string
		var blockedUntil, createdAt int64
		if err := rows.Scan(&name, &st.StrikeCount, &blockedUntil, &createdAt); err != nil {
			return nil, fmt.Errorf("scan strike row: %w", err)
		}
		cat, err := domain.ParseActionCategory(name)
		if err != nil {
			slog.Warn("skipping strike with unknown category", "category", name)
			continue
		}
		st.Category = cat
		st.BlockedUntil = time.UnixMilli(blockedUntil)
		st.CreatedAt = time.UnixMilli(createdAt)
		strikes = append(strikes, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strikes: %w", err)
	}
	return strikes, nil
}

// PruneHistory removes results and strikes older than the cutoff.
func (s *SQLiteStore) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UnixMilli()

	var total int64
	err := shared.RetryOnConflict(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM roll_results WHERE completed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		results, _ := res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM strikes WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		strikes, _ := res.RowsAffected()

		if err := tx.Commit(); err != nil {
			return err
		}
		total = results + strikes
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return total, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
