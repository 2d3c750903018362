// Package audit keeps a local, queryable history of pool lifecycle
// events (create, destroy, start, stop, grow, rename, filesystem and
// encryption mutations) for operator diagnostics. It is deliberately not
// authoritative: internal/metadata's on-disk records remain the only
// source of truth for what a pool actually contains, the way
// internal/persistence's restart-hint cache is never consulted to pick
// the authoritative metadata record either. Losing the audit database
// loses history, never correctness.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	stratisd "github.com/stratis-storage/stratisd-go"
)

// Event is one recorded lifecycle occurrence.
type Event struct {
	ID        string
	PoolUUID  stratisd.PoolUUID
	PoolName  string
	Operation string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

// Log wraps a SQLite database of Events. Opened once per daemon process.
type Log struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	pool_uuid  TEXT NOT NULL,
	pool_name  TEXT NOT NULL,
	operation  TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_pool_uuid ON events(pool_uuid);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
`

// Open creates or opens the audit database at path, in WAL mode for
// concurrent readers while the engine keeps writing, matching the
// pragmas a SQLite-backed local store in this domain needs.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

// Record inserts ev, stamping it with a fresh ULID: lexicographically
// sortable by creation time, so "events for pool P in order" is just an
// index scan rather than a secondary sort on created_at.
func (l *Log) Record(ctx context.Context, ev Event) error {
	id := ulid.Make().String()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (id, pool_uuid, pool_name, operation, outcome, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, ev.PoolUUID.String(), ev.PoolName, ev.Operation, ev.Outcome, ev.Detail, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("audit: record event: %w", err)
	}
	return nil
}

// Recent returns the most recent limit events for poolUUID, newest
// first.
func (l *Log) Recent(ctx context.Context, poolUUID stratisd.PoolUUID, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, pool_uuid, pool_name, operation, outcome, detail, created_at FROM events WHERE pool_uuid = ? ORDER BY id DESC LIMIT ?`,
		poolUUID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var poolUUIDStr string
		var createdAtUnix int64
		if err := rows.Scan(&ev.ID, &poolUUIDStr, &ev.PoolName, &ev.Operation, &ev.Outcome, &ev.Detail, &createdAtUnix); err != nil {
			return nil, fmt.Errorf("audit: scan event row: %w", err)
		}
		parsed, err := stratisd.ParsePoolUUID(poolUUIDStr)
		if err != nil {
			return nil, fmt.Errorf("audit: parse stored pool uuid %q: %w", poolUUIDStr, err)
		}
		ev.PoolUUID = parsed
		ev.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
