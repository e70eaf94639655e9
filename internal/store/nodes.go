package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/microsoft/onefuzz/internal/eventbus"
)

// NodeState is the Node lifecycle (spec.md §4.3/§4.4): init -> ready ->
// busy -> done -> {ready|halt}. A node cycles ready<->busy many times
// across its lifetime before eventually reaching done.
type NodeState string

const (
	NodeStateInit  NodeState = "init"
	NodeStateReady NodeState = "ready"
	NodeStateBusy  NodeState = "busy"
	NodeStateDone  NodeState = "done"
	NodeStateHalt  NodeState = "halt"
)

var nodeTransitions = map[NodeState]map[NodeState]struct{}{
	NodeStateInit:  {NodeStateReady: {}, NodeStateHalt: {}},
	NodeStateReady: {NodeStateBusy: {}, NodeStateDone: {}, NodeStateHalt: {}},
	NodeStateBusy:  {NodeStateReady: {}, NodeStateDone: {}, NodeStateHalt: {}},
	NodeStateDone:  {NodeStateReady: {}, NodeStateHalt: {}},
}

// Node is a single fuzzing worker instance registered against a pool,
// optionally belonging to a managed scaleset.
type Node struct {
	MachineID        string     `json:"machine_id"`
	PoolName         string     `json:"pool_name"`
	PoolID           string     `json:"pool_id"`
	ScalesetID       string     `json:"scaleset_id,omitempty"`
	Version          string     `json:"version"`
	State            NodeState  `json:"state"`
	InitializedAt    *time.Time `json:"initialized_at,omitempty"`
	Heartbeat        *time.Time `json:"heartbeat,omitempty"`
	ReimageRequested bool       `json:"reimage_requested"`
	DeleteRequested  bool       `json:"delete_requested"`
	DebugKeepNode    bool       `json:"debug_keep_node"`
	RowVer           int64      `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
}

const nodesSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	machine_id TEXT PRIMARY KEY,
	pool_name TEXT NOT NULL,
	pool_id TEXT NOT NULL,
	scaleset_id TEXT,
	version TEXT NOT NULL DEFAULT '1.0.0',
	state TEXT NOT NULL,
	initialized_at DATETIME,
	heartbeat DATETIME,
	reimage_requested INTEGER NOT NULL DEFAULT 0,
	delete_requested INTEGER NOT NULL DEFAULT 0,
	debug_keep_node INTEGER NOT NULL DEFAULT 0,
	row_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_nodes_pool ON nodes(pool_name);
CREATE INDEX IF NOT EXISTS idx_nodes_scaleset ON nodes(scaleset_id);
CREATE INDEX IF NOT EXISTS idx_nodes_state ON nodes(state);
`

const nodeColumns = `machine_id, pool_name, pool_id, scaleset_id, version, state, initialized_at, heartbeat, reimage_requested, delete_requested, debug_keep_node, row_version, created_at`

// RegisterNode implements the agent protocol's Register call: idempotent
// create-or-touch of a node record keyed by machine_id.
func (s *Store) RegisterNode(ctx context.Context, n *Node) error {
	if n.State == "" {
		n.State = NodeStateInit
	}
	return s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM nodes WHERE machine_id = ?;`, n.MachineID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			_, err := tx.ExecContext(ctx, `
				UPDATE nodes SET pool_name = ?, pool_id = ?, scaleset_id = ?, version = ?, row_version = row_version + 1
				WHERE machine_id = ?;
			`, n.PoolName, n.PoolID, nullableString(n.ScalesetID), n.Version, n.MachineID)
			return err
		}
		scID := nullableString(n.ScalesetID)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (machine_id, pool_name, pool_id, scaleset_id, version, state, row_version)
			VALUES (?, ?, ?, ?, ?, ?, 1);
		`, n.MachineID, n.PoolName, n.PoolID, scID, n.Version, string(n.State))
		return err
	})
}

func (s *Store) scanNode(ctx context.Context, query string, args ...any) (*Node, error) {
	var n Node
	var scalesetID, initializedAt, heartbeat sql.NullString
	var reimage, del, debugKeep int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&n.MachineID, &n.PoolName, &n.PoolID, &scalesetID, &n.Version, &n.State,
		&initializedAt, &heartbeat, &reimage, &del, &debugKeep, &n.RowVer, &n.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	n.ScalesetID = scalesetID.String
	n.ReimageRequested = reimage != 0
	n.DeleteRequested = del != 0
	n.DebugKeepNode = debugKeep != 0
	if t, ok := parseNullTime(initializedAt); ok {
		n.InitializedAt = &t
	}
	if t, ok := parseNullTime(heartbeat); ok {
		n.Heartbeat = &t
	}
	return &n, nil
}

// GetNode returns a node by machine_id.
func (s *Store) GetNode(ctx context.Context, machineID string) (*Node, error) {
	return s.scanNode(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE machine_id = ?;`, machineID)
}

// ListNodesByScaleset returns nodes belonging to a scaleset, ordered by
// machine_id.
func (s *Store) ListNodesByScaleset(ctx context.Context, scalesetID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE scaleset_id = ? ORDER BY machine_id ASC;`, scalesetID)
	if err != nil {
		return nil, fmt.Errorf("list nodes by scaleset: %w", err)
	}
	defer rows.Close()
	return scanNodeRows(rows)
}

// ListNodesByPoolAndState returns the nodes of a pool that are in state,
// ordered by machine_id. The scheduler does not call it.
func (s *Store) ListNodesByPoolAndState(ctx context.Context, poolName string, state NodeState) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE pool_name = ? AND state = ? ORDER BY machine_id ASC;`, poolName, string(state))
	if err != nil {
		return nil, fmt.Errorf("list nodes by pool/state: %w", err)
	}
	defer rows.Close()
	return scanNodeRows(rows)
}

// ListStaleNodes returns non-halted nodes whose heartbeat is missing or
// older than cutoff. No sweep in this module calls it.
func (s *Store) ListStaleNodes(ctx context.Context, cutoff time.Time) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE state != 'halt' AND (heartbeat IS NULL OR heartbeat < ?) ORDER BY machine_id ASC;`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale nodes: %w", err)
	}
	defer rows.Close()
	return scanNodeRows(rows)
}

func scanNodeRows(rows *sql.Rows) ([]Node, error) {
	var out []Node
	for rows.Next() {
		var n Node
		var scalesetID, initializedAt, heartbeat sql.NullString
		var reimage, del, debugKeep int
		if err := rows.Scan(&n.MachineID, &n.PoolName, &n.PoolID, &scalesetID, &n.Version, &n.State,
			&initializedAt, &heartbeat, &reimage, &del, &debugKeep, &n.RowVer, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.ScalesetID = scalesetID.String
		n.ReimageRequested = reimage != 0
		n.DeleteRequested = del != 0
		n.DebugKeepNode = debugKeep != 0
		if t, ok := parseNullTime(initializedAt); ok {
			n.InitializedAt = &t
		}
		if t, ok := parseNullTime(heartbeat); ok {
			n.Heartbeat = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Heartbeat records a liveness ping from the agent, per the node agent
// protocol's heartbeat call. It never touches state or row_version since
// liveness is not part of the lifecycle invariant.
func (s *Store) Heartbeat(ctx context.Context, machineID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET heartbeat = ? WHERE machine_id = ?;`, at, machineID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceNodeState performs a validated, optimistic-concurrency state
// transition and publishes a node.state_changed event on success.
func (s *Store) ReplaceNodeState(ctx context.Context, machineID string, newState NodeState, version int64) error {
	err := s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var current NodeState
		var rowVer int64
		err := tx.QueryRowContext(ctx, `SELECT state, row_version FROM nodes WHERE machine_id = ?;`, machineID).Scan(&current, &rowVer)
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
			if _, ok := nodeTransitions[current][newState]; !ok {
				return fmt.Errorf("node %s: illegal transition %s -> %s", machineID, current, newState)
			}
		}
		var setInit string
		if newState == NodeStateReady && current == NodeStateInit {
			setInit = `, initialized_at = CURRENT_TIMESTAMP`
		}
		res, err := tx.ExecContext(ctx, `UPDATE nodes SET state = ?, row_version = row_version + 1`+setInit+` WHERE machine_id = ? AND row_version = ?;`, string(newState), machineID, version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicNode+"state_changed", machineID)
	}
	return nil
}

// RequestNodeReimage marks a node for reimage on its next idle transition,
// unless debug_keep_node suppresses teardown. A held node is never
// reimaged by this call, however long it has been held; nothing in this
// module lifts a hold after 7 days.
func (s *Store) RequestNodeReimage(ctx context.Context, machineID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET reimage_requested = 1, row_version = row_version + 1 WHERE machine_id = ? AND debug_keep_node = 0;`, machineID)
	if err != nil {
		return fmt.Errorf("request reimage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestNodeDelete marks a node for deletion, same debug_keep_node semantics as reimage.
func (s *Store) RequestNodeDelete(ctx context.Context, machineID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET delete_requested = 1, row_version = row_version + 1 WHERE machine_id = ? AND debug_keep_node = 0;`, machineID)
	if err != nil {
		return fmt.Errorf("request delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpiredDebugHolds returns debug-held nodes whose initialized_at
// predates cutoff. Nothing in this module calls it.
func (s *Store) ListExpiredDebugHolds(ctx context.Context, cutoff time.Time) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE debug_keep_node = 1 AND initialized_at IS NOT NULL AND initialized_at < ? ORDER BY machine_id ASC;`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired debug holds: %w", err)
	}
	defer rows.Close()
	return scanNodeRows(rows)
}

// ClearDebugKeepNode forcibly lifts the debug hold. Nothing in this module calls it.
func (s *Store) ClearDebugKeepNode(ctx context.Context, machineID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET debug_keep_node = 0, row_version = row_version + 1 WHERE machine_id = ?;`, machineID)
	if err != nil {
		return fmt.Errorf("clear debug keep node: %w", err)
	}
	return nil
}

// SetDebugKeepNode toggles the operator debug hold flag.
func (s *Store) SetDebugKeepNode(ctx context.Context, machineID string, keep bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET debug_keep_node = ?, row_version = row_version + 1 WHERE machine_id = ?;`, boolToInt(keep), machineID)
	if err != nil {
		return fmt.Errorf("set debug keep node: %w", err)
	}
	return nil
}

// DeleteNode removes a node record. Idempotent.
func (s *Store) DeleteNode(ctx context.Context, machineID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE machine_id = ?;`, machineID)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseNullTime(s sql.NullString) (time.Time, bool) {
	if !s.Valid || s.String == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s.String); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
