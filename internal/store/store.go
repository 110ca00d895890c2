// Package store provides SQLite-backed persistence for fleetd.
//
// One database file is shared by every fleetd process on a host (or on a
// shared volume). Mutations that must be serialized across processes run in
// IMMEDIATE transactions so the write lock is taken before the row is read.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDuplicate indicates a uniqueness constraint rejected an insert.
var ErrDuplicate = errors.New("duplicate record")

// Store provides access to the fleetd SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL for concurrent readers, IMMEDIATE so BEGIN takes the write lock.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS leases (
		kind TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		claimed_at INTEGER NOT NULL,
		ttl_minutes INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		released_at INTEGER,
		release_reason TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (kind, resource_id)
	);

	CREATE TABLE IF NOT EXISTS instances (
		instance_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		repo_root TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS worktrees (
		key TEXT PRIMARY KEY,
		branch TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_touched_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leases_status ON leases(kind, status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_instances_heartbeat ON instances(last_heartbeat);
	CREATE INDEX IF NOT EXISTS idx_pdr_timestamp ON pdr(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Times are stored as unix milliseconds so range predicates compare integers.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "unique constraint")
}
