// Package storage persists credential usage statistics in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"clawgate/pkg/auth"
)

// UsageStore is an auth.UsageSink backed by a single SQLite table.
type UsageStore struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens or creates the database at path and initializes its schema.
func Open(ctx context.Context, path string, log *slog.Logger) (*UsageStore, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &UsageStore{db: db, log: log.With("component", "storage.usage")}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize usage schema: %w", err)
	}

	s.log.Info("Usage storage opened", "path", path)
	return s, nil
}

func (s *UsageStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credential_usage (
			profile_id TEXT PRIMARY KEY,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT,
			last_failure_at TEXT,
			last_failure_reason TEXT,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// LoadUsage returns every persisted usage row keyed by profile id.
func (s *UsageStore) LoadUsage(ctx context.Context) (map[string]auth.Usage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_id, success_count, failure_count, last_used_at, last_failure_at, last_failure_reason
		FROM credential_usage
	`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]auth.Usage)
	for rows.Next() {
		var (
			id                    string
			usage                 auth.Usage
			lastUsed, lastFailure sql.NullString
			lastReason            sql.NullString
		)
		if err := rows.Scan(&id, &usage.SuccessCount, &usage.FailureCount, &lastUsed, &lastFailure, &lastReason); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}

		usage.LastUsedAt = parseTime(lastUsed)
		usage.LastFailureAt = parseTime(lastFailure)
		usage.LastFailureReason = auth.Reason(lastReason.String)
		out[id] = usage
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}

	return out, nil
}

// SaveUsage upserts the given rows in one transaction. Rows for other profiles are kept.
func (s *UsageStore) SaveUsage(ctx context.Context, usage map[string]auth.Usage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO credential_usage (profile_id, success_count, failure_count, last_used_at, last_failure_at, last_failure_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			last_used_at = excluded.last_used_at,
			last_failure_at = excluded.last_failure_at,
			last_failure_reason = excluded.last_failure_reason,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare usage upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for id, u := range usage {
		if _, err := stmt.ExecContext(ctx, id, u.SuccessCount, u.FailureCount,
			formatTime(u.LastUsedAt), formatTime(u.LastFailureAt), nullString(string(u.LastFailureReason)), now); err != nil {
			return fmt.Errorf("upsert usage for %q: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}

	return nil
}

func (s *UsageStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *UsageStore) DB() *sql.DB {
	return s.db
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}

	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(value sql.NullString) time.Time {
	if !value.Valid || value.String == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, value.String)
	if err != nil {
		return time.Time{}
	}

	return t
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

var _ auth.UsageSink = (*UsageStore)(nil)
