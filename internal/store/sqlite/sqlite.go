// Package sqlite is the on-terminal store: one WAL-mode database file that
// survives restarts while the terminal is offline.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"fiscalpos/backend/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_states (
	device_id      TEXT PRIMARY KEY,
	last_sequence  INTEGER NOT NULL DEFAULT 0,
	last_hash      TEXT NOT NULL DEFAULT '',
	last_issued_at INTEGER,
	halted         INTEGER NOT NULL DEFAULT 0,
	halt_reason    TEXT NOT NULL DEFAULT '',
	halted_at      INTEGER,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS invoices (
	device_id     TEXT NOT NULL,
	sequence      INTEGER NOT NULL,
	previous_hash TEXT NOT NULL,
	chain_hash    TEXT NOT NULL,
	issued_at     INTEGER NOT NULL,
	payload       TEXT NOT NULL,
	PRIMARY KEY (device_id, sequence)
);

CREATE TABLE IF NOT EXISTS queue_entries (
	id              TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL,
	enqueued_at     INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	payload         TEXT NOT NULL,
	updated_at      INTEGER NOT NULL,
	UNIQUE (device_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_queue_entries_status ON queue_entries (status, enqueued_at);

CREATE TABLE IF NOT EXISTS sync_attempts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id     TEXT NOT NULL,
	attempted_at INTEGER NOT NULL,
	payload      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_attempts_entry ON sync_attempts (entry_id, id);

CREATE TABLE IF NOT EXISTS device_holds (
	device_id TEXT PRIMARY KEY,
	entry_id  TEXT NOT NULL,
	sequence  INTEGER NOT NULL,
	reason    TEXT NOT NULL,
	held_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS app_users (
	username   TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	role       TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer keeps ledger appends serialized
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

// statusFilter renders an IN clause for statuses; an empty filter matches all.
func statusFilter(statuses []domain.QueueStatus) (string, []any) {
	if len(statuses) == 0 {
		return "1 = 1", nil
	}
	marks := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		marks = append(marks, "?")
		args = append(args, string(st))
	}
	return "status IN (" + strings.Join(marks, ",") + ")", args
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
