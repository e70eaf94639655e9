// Package store implements the entity store (C1): a durable key/value
// layer over SQLite with per-record optimistic-concurrency version tokens.
// Each entity kind (Job, Task, Node, Scaleset, Pool, Repro, Notification,
// Webhook, Container, NodeMessage, NodeTask, TaskEvent) gets its own typed
// table; this file owns the shared connection, schema migrations, and the
// busy-retry/version-conflict plumbing every entity file builds on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/microsoft/onefuzz/internal/eventbus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "of-v1-2026-05-01-core-entities"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrNotFound is returned by Get/Replace/Delete when the record does not exist.
var ErrNotFound = errors.New("store: record not found")

// ErrAlreadyExists is returned by Insert when the key is already occupied.
var ErrAlreadyExists = errors.New("store: record already exists")

// ErrConflict is returned by Replace when the supplied version does not
// match the record's current version (a concurrent writer won the race).
var ErrConflict = errors.New("store: version conflict")

// ErrInvalidRequest is returned when an insert references another entity
// that does not exist or is not in a state that allows the reference
// (e.g. creating a scaleset against a pool that is not managed/running).
var ErrInvalidRequest = errors.New("store: invalid request")

// Store is the shared handle onto the entity database. It is safe for
// concurrent use; writes are serialized through a single connection so
// single-record updates are linearizable, per the Entity Store guarantee.
type Store struct {
	db  *sql.DB
	bus *eventbus.Bus // optional; nil in unit tests that don't need fan-out
}

// DefaultDBPath returns the default on-disk location for the entity store.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".onefuzz", "onefuzz.db")
}

// Open creates or opens the entity store at path, applying schema migrations.
// A nil bus disables cross-process change notifications (tests only).
func Open(path string, bus *eventbus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: bus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components (retention sweep,
// autoscaler demand queries) that need ad-hoc read queries.
func (s *Store) DB() *sql.DB { return s.db }

// Bus returns the event bus used to fan out change notifications, or nil.
func (s *Store) Bus() *eventbus.Bus { return s.bus }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if err := s.createEntityTables(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	return tx.Commit()
}

func (s *Store) createEntityTables(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		poolsSchema,
		scalesetsSchema,
		nodesSchema,
		jobsSchema,
		tasksSchema,
		reprosSchema,
		notificationsSchema,
		nodeMessagesSchema,
		nodeTasksSchema,
		taskEventsSchema,
		containersSchema,
		webhooksSchema,
		webhookEventsSchema,
		instanceConfigSchema,
		uniqueReportsSchema,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY/LOCKED, using bounded
// exponential backoff with jitter. The driver's own busy_timeout already
// absorbs short contention; this adds headroom for the rare multi-writer
// race between handlers sharing one process's connection pool reservation.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// withRetryTx runs f inside a transaction, retrying the whole attempt on
// SQLite BUSY/LOCKED errors. f must not commit; withRetryTx commits on
// success and rolls back on any error.
func (s *Store) withRetryTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}
