package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/microsoft/onefuzz/internal/eventbus"
)

// ScalesetState is the Scaleset lifecycle (spec.md §3 and §4.4):
// init -> setup -> running -> {resize|shutdown} -> halt.
type ScalesetState string

const (
	ScalesetStateInit     ScalesetState = "init"
	ScalesetStateSetup    ScalesetState = "setup"
	ScalesetStateRunning  ScalesetState = "running"
	ScalesetStateResize   ScalesetState = "resize"
	ScalesetStateShutdown ScalesetState = "shutdown"
	ScalesetStateHalt     ScalesetState = "halt"
)

var scalesetTransitions = map[ScalesetState]map[ScalesetState]struct{}{
	ScalesetStateInit:     {ScalesetStateSetup: {}, ScalesetStateShutdown: {}},
	ScalesetStateSetup:    {ScalesetStateRunning: {}, ScalesetStateShutdown: {}},
	ScalesetStateRunning:  {ScalesetStateResize: {}, ScalesetStateShutdown: {}},
	ScalesetStateResize:   {ScalesetStateRunning: {}, ScalesetStateShutdown: {}},
	ScalesetStateShutdown: {ScalesetStateHalt: {}},
}

// Scaleset is a cloud VM fleet belonging to a pool. scaleset_id is treated
// as an opaque, stably-ordered identifier (spec.md §9 Open Question):
// equality and string ordering are the only operations the core relies on.
type Scaleset struct {
	ID                string            `json:"id"`
	PoolName          string            `json:"pool_name"`
	State             ScalesetState     `json:"state"`
	VMSku             string            `json:"vm_sku"`
	Image             string            `json:"image"`
	Region            string            `json:"region"`
	Size              int               `json:"size"`
	Spot              bool              `json:"spot"`
	EphemeralOS       bool              `json:"ephemeral_os"`
	NeedsConfigUpdate bool              `json:"needs_config_update"`
	Tags              map[string]string `json:"tags"`
	ClientID          string            `json:"client_id,omitempty"`
	RowVer            int64             `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
}

const scalesetsSchema = `
CREATE TABLE IF NOT EXISTS scalesets (
	id TEXT PRIMARY KEY,
	pool_name TEXT NOT NULL,
	state TEXT NOT NULL,
	vm_sku TEXT NOT NULL,
	image TEXT NOT NULL,
	region TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	spot INTEGER NOT NULL DEFAULT 0,
	ephemeral_os INTEGER NOT NULL DEFAULT 0,
	needs_config_update INTEGER NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '{}',
	client_id TEXT,
	row_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_scalesets_pool ON scalesets(pool_name);
`

// InsertScaleset validates that the target pool exists and is managed +
// running before creating the record, per the INVALID_REQUEST boundary test.
func (s *Store) InsertScaleset(ctx context.Context, sc *Scaleset) error {
	tagsJSON, err := marshalJSON(sc.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if sc.State == "" {
		sc.State = ScalesetStateInit
	}
	err = s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var managed int
		var poolState PoolState
		perr := tx.QueryRowContext(ctx, `SELECT managed, state FROM pools WHERE name = ?;`, sc.PoolName).Scan(&managed, &poolState)
		if errors.Is(perr, sql.ErrNoRows) {
			return fmt.Errorf("%w: pool %q does not exist", ErrInvalidRequest, sc.PoolName)
		}
		if perr != nil {
			return perr
		}
		if managed == 0 || poolState != PoolStateRunning {
			return fmt.Errorf("%w: pool %q is not managed/running", ErrInvalidRequest, sc.PoolName)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scalesets (id, pool_name, state, vm_sku, image, region, size, spot, ephemeral_os, needs_config_update, tags, client_id, row_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1);
		`, sc.ID, sc.PoolName, string(sc.State), sc.VMSku, sc.Image, sc.Region, sc.Size, boolToInt(sc.Spot), boolToInt(sc.EphemeralOS), boolToInt(sc.NeedsConfigUpdate), tagsJSON, sc.ClientID)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	sc.RowVer = 1
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicScaleset+"created", sc.ID)
	}
	return nil
}

func (s *Store) scanScaleset(ctx context.Context, query string, args ...any) (*Scaleset, error) {
	var sc Scaleset
	var spot, ephemeral, needsUpdate int
	var tagsJSON string
	var clientID sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&sc.ID, &sc.PoolName, &sc.State, &sc.VMSku, &sc.Image, &sc.Region, &sc.Size,
		&spot, &ephemeral, &needsUpdate, &tagsJSON, &clientID, &sc.RowVer, &sc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scaleset: %w", err)
	}
	sc.Spot = spot != 0
	sc.EphemeralOS = ephemeral != 0
	sc.NeedsConfigUpdate = needsUpdate != 0
	sc.ClientID = clientID.String
	if err := unmarshalJSON(tagsJSON, &sc.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &sc, nil
}

const scalesetColumns = `id, pool_name, state, vm_sku, image, region, size, spot, ephemeral_os, needs_config_update, tags, client_id, row_version, created_at`

// GetScaleset returns a Scaleset by id. Returns ErrNotFound ("unable to
// find scaleset" is surfaced by callers as INVALID_REQUEST per spec.md §8).
func (s *Store) GetScaleset(ctx context.Context, id string) (*Scaleset, error) {
	return s.scanScaleset(ctx, `SELECT `+scalesetColumns+` FROM scalesets WHERE id = ?;`, id)
}

// ListScalesetsByPool returns scalesets belonging to pool, ordered by id for
// deterministic replay.
func (s *Store) ListScalesetsByPool(ctx context.Context, poolName string) ([]Scaleset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scalesetColumns+` FROM scalesets WHERE pool_name = ? ORDER BY id ASC;`, poolName)
	if err != nil {
		return nil, fmt.Errorf("list scalesets: %w", err)
	}
	defer rows.Close()
	return scanScalesetRows(rows)
}

// ListScalesetsByState returns every scaleset in the given state, used by
// the autoscaler control loop and the shutdown drain sweep.
func (s *Store) ListScalesetsByState(ctx context.Context, state ScalesetState) ([]Scaleset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scalesetColumns+` FROM scalesets WHERE state = ? ORDER BY id ASC;`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list scalesets by state: %w", err)
	}
	defer rows.Close()
	return scanScalesetRows(rows)
}

func scanScalesetRows(rows *sql.Rows) ([]Scaleset, error) {
	var out []Scaleset
	for rows.Next() {
		var sc Scaleset
		var spot, ephemeral, needsUpdate int
		var tagsJSON string
		var clientID sql.NullString
		if err := rows.Scan(&sc.ID, &sc.PoolName, &sc.State, &sc.VMSku, &sc.Image, &sc.Region, &sc.Size,
			&spot, &ephemeral, &needsUpdate, &tagsJSON, &clientID, &sc.RowVer, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scaleset: %w", err)
		}
		sc.Spot = spot != 0
		sc.EphemeralOS = ephemeral != 0
		sc.NeedsConfigUpdate = needsUpdate != 0
		sc.ClientID = clientID.String
		_ = unmarshalJSON(tagsJSON, &sc.Tags)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ReplaceScalesetState performs a validated, optimistic-concurrency state transition.
func (s *Store) ReplaceScalesetState(ctx context.Context, id string, newState ScalesetState, version int64) error {
	return s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var current ScalesetState
		var rowVer int64
		err := tx.QueryRowContext(ctx, `SELECT state, row_version FROM scalesets WHERE id = ?;`, id).Scan(&current, &rowVer)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if rowVer != version {
			return ErrConflict
		}
		if current != newState {
			if _, ok := scalesetTransitions[current][newState]; !ok {
				return fmt.Errorf("scaleset %s: illegal transition %s -> %s", id, current, newState)
			}
		}
		res, err := tx.ExecContext(ctx, `UPDATE scalesets SET state = ?, row_version = row_version + 1 WHERE id = ? AND row_version = ?;`, string(newState), id, version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		return nil
	})
}

// ReplaceScalesetSize updates the target size (used by the autoscaler and
// by batched resize reconciliation), subject to optimistic concurrency.
func (s *Store) ReplaceScalesetSize(ctx context.Context, id string, size int, version int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scalesets SET size = ?, row_version = row_version + 1 WHERE id = ? AND row_version = ?;`, size, id, version)
	if err != nil {
		return fmt.Errorf("resize scaleset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteScaleset removes a scaleset record. Idempotent.
func (s *Store) DeleteScaleset(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scalesets WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete scaleset: %w", err)
	}
	return nil
}
