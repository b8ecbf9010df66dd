// Package storage keeps the fundd audit trail: every submitted intent, oracle
// callback and settlement outcome lands in a sqlite table for reconciliation
// against the engine state.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("fundd audit storage path must be configured")

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

const schema = `
CREATE TABLE IF NOT EXISTS intents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    request_id INTEGER NOT NULL,
    user TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS callbacks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    request_id INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS settlements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    user TEXT NOT NULL,
    outcome TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_request ON intents(request_id);
CREATE INDEX IF NOT EXISTS idx_settlements_user ON settlements(user);
`

// AuditLog wraps the fundd persistence layer.
type AuditLog struct {
	db *sql.DB
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*AuditLog, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Close releases database resources.
func (a *AuditLog) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// RecordIntent persists a submitted mint or burn intent.
func (a *AuditLog) RecordIntent(ctx context.Context, kind string, requestID uint64, user string) error {
	if a == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := a.db.ExecContext(ctx, `
        INSERT INTO intents(kind, request_id, user, recorded_at)
        VALUES(?, ?, ?, ?)
    `, strings.ToLower(kind), int64(requestID), strings.ToLower(strings.TrimSpace(user)), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// RecordCallback persists an oracle callback delivery and its outcome.
func (a *AuditLog) RecordCallback(ctx context.Context, kind string, requestID uint64, outcome string) error {
	if a == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := a.db.ExecContext(ctx, `
        INSERT INTO callbacks(kind, request_id, outcome, recorded_at)
        VALUES(?, ?, ?, ?)
    `, strings.ToLower(kind), int64(requestID), strings.ToLower(outcome), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert callback: %w", err)
	}
	return nil
}

// RecordSettlement persists a settlement or claim outcome.
func (a *AuditLog) RecordSettlement(ctx context.Context, kind, user, outcome string) error {
	if a == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := a.db.ExecContext(ctx, `
        INSERT INTO settlements(kind, user, outcome, recorded_at)
        VALUES(?, ?, ?, ?)
    `, strings.ToLower(kind), strings.ToLower(strings.TrimSpace(user)), strings.ToLower(outcome), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// Settlement captures one audit row for reconciliation reports.
type Settlement struct {
	Kind       string
	User       string
	Outcome    string
	RecordedAt time.Time
}

// SettlementsByUser returns the most recent settlement rows for a user, newest
// first, capped at limit.
func (a *AuditLog) SettlementsByUser(ctx context.Context, user string, limit int) ([]Settlement, error) {
	if a == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
        SELECT kind, user, outcome, recorded_at
        FROM settlements
        WHERE user = ?
        ORDER BY id DESC
        LIMIT ?
    `, strings.ToLower(strings.TrimSpace(user)), limit)
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	defer rows.Close()
	var result []Settlement
	for rows.Next() {
		var row Settlement
		if err := rows.Scan(&row.Kind, &row.User, &row.Outcome, &row.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
