package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/internal/eventbus"
)

// PoolState is the Pool lifecycle state (spec.md §3): init -> running ->
// shutdown -> halt.
type PoolState string

const (
	PoolStateInit     PoolState = "init"
	PoolStateRunning  PoolState = "running"
	PoolStateShutdown PoolState = "shutdown"
	PoolStateHalt     PoolState = "halt"
)

var poolTransitions = map[PoolState]map[PoolState]struct{}{
	PoolStateInit:     {PoolStateRunning: {}, PoolStateShutdown: {}},
	PoolStateRunning:  {PoolStateShutdown: {}},
	PoolStateShutdown: {PoolStateHalt: {}},
}

// Pool is a named group of workers sharing (os, arch, managed).
type Pool struct {
	Name      string    `json:"name"`
	ID        string    `json:"id"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Managed   bool      `json:"managed"`
	State     PoolState `json:"state"`
	RowVer    int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

const poolsSchema = `
CREATE TABLE IF NOT EXISTS pools (
	name TEXT PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	os TEXT NOT NULL,
	arch TEXT NOT NULL,
	managed INTEGER NOT NULL,
	state TEXT NOT NULL,
	row_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// InsertPool creates a new Pool, assigning it an id if not already set.
func (s *Store) InsertPool(ctx context.Context, p *Pool) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.State == "" {
		p.State = PoolStateInit
	}
	err := s.withRetryTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pools (name, id, os, arch, managed, state, row_version)
			VALUES (?, ?, ?, ?, ?, ?, 1);
		`, p.Name, p.ID, p.OS, p.Arch, boolToInt(p.Managed), string(p.State))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert pool: %w", err)
	}
	p.RowVer = 1
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicPool+"created", p.Name)
	}
	return nil
}

// GetPoolByName returns a Pool by its unique name.
func (s *Store) GetPoolByName(ctx context.Context, name string) (*Pool, error) {
	return s.scanPool(ctx, `SELECT name, id, os, arch, managed, state, row_version, created_at FROM pools WHERE name = ?;`, name)
}

// GetPoolByID returns a Pool by its id.
func (s *Store) GetPoolByID(ctx context.Context, id string) (*Pool, error) {
	return s.scanPool(ctx, `SELECT name, id, os, arch, managed, state, row_version, created_at FROM pools WHERE id = ?;`, id)
}

func (s *Store) scanPool(ctx context.Context, query string, arg any) (*Pool, error) {
	var p Pool
	var managed int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&p.Name, &p.ID, &p.OS, &p.Arch, &managed, &p.State, &p.RowVer, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	p.Managed = managed != 0
	return &p, nil
}

// PoolFilter narrows a pool search by the scheduler's eligibility predicate.
type PoolFilter struct {
	OS      string
	Arch    string
	Managed *bool
	State   PoolState
}

// SearchPools returns pools matching filter, ordered by name for deterministic replay.
func (s *Store) SearchPools(ctx context.Context, filter PoolFilter) ([]Pool, error) {
	query := `SELECT name, id, os, arch, managed, state, row_version, created_at FROM pools WHERE 1=1`
	var args []any
	if filter.OS != "" {
		query += " AND os = ?"
		args = append(args, filter.OS)
	}
	if filter.Arch != "" {
		query += " AND arch = ?"
		args = append(args, filter.Arch)
	}
	if filter.Managed != nil {
		query += " AND managed = ?"
		args = append(args, boolToInt(*filter.Managed))
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	query += " ORDER BY name ASC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search pools: %w", err)
	}
	defer rows.Close()

	var out []Pool
	for rows.Next() {
		var p Pool
		var managed int
		if err := rows.Scan(&p.Name, &p.ID, &p.OS, &p.Arch, &managed, &p.State, &p.RowVer, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		p.Managed = managed != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplacePoolState performs an optimistic-concurrency state transition,
// validating the move against the Pool lifecycle before writing.
func (s *Store) ReplacePoolState(ctx context.Context, name string, newState PoolState, version int64) error {
	return s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var current PoolState
		var rowVer int64
		err := tx.QueryRowContext(ctx, `SELECT state, row_version FROM pools WHERE name = ?;`, name).Scan(&current, &rowVer)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if rowVer != version {
			return ErrConflict
		}
		if _, ok := poolTransitions[current][newState]; !ok && current != newState {
			return fmt.Errorf("pool %s: illegal transition %s -> %s", name, current, newState)
		}
		res, err := tx.ExecContext(ctx, `UPDATE pools SET state = ?, row_version = row_version + 1 WHERE name = ? AND row_version = ?;`, string(newState), name, version)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrConflict
		}
		return nil
	})
}

// DeletePool removes a pool. Idempotent: deleting an absent pool succeeds.
// Callers must ensure invariant 5 (queue deletion deferred until all tasks
// stopped) before calling this — DeletePool itself only removes the record.
func (s *Store) DeletePool(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pools WHERE name = ?;`, name)
	if err != nil {
		return fmt.Errorf("delete pool: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

// marshalJSON is a small helper shared by entity files that store
// structured sub-objects (config, tags, user_info) as JSON text columns.
func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
