// Package queue implements the durable, partition-keyed work queues that
// back each pool (spec.md §4.1/§4.2): the scheduler enqueues a WorkSet
// message per scheduled task, and a consumer claims messages from a pool's
// queue with a lease. RequeueExpiredLeases moves messages whose lease
// lapsed without an ack back to queued or, past a retry ceiling, to a
// poison state; it runs only when called, and no loop in this module
// calls it.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/internal/store"
)

// MessageStatus tracks a WorkSet message through claim/ack/requeue/poison.
type MessageStatus string

const (
	StatusQueued  MessageStatus = "queued"
	StatusClaimed MessageStatus = "claimed"
	StatusAcked   MessageStatus = "acked"
	StatusPoison  MessageStatus = "poison"
)

const (
	defaultLeaseDuration = 30 * time.Second
	defaultMaxAttempts   = 5
)

// ErrEmpty is returned by Claim when no message is available.
var ErrEmpty = errors.New("queue: no message available")

// ErrNotClaimed is returned by Ack/Nack when the lease owner does not match.
var ErrNotClaimed = errors.New("queue: message not claimed by this owner")

// WorkSet is the payload the scheduler enqueues for a pool: a task
// (optionally bundled with colocated siblings) ready for a node to pick up.
type WorkSet struct {
	TaskIDs  []string `json:"task_ids"`
	PoolName string   `json:"pool_name"`
}

// Message is a durable queue entry.
type Message struct {
	ID             string
	PoolName       string
	Payload        WorkSet
	Status         MessageStatus
	Attempt        int
	MaxAttempts    int
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS work_queue (
	id TEXT PRIMARY KEY,
	pool_name TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	lease_owner TEXT,
	lease_expires_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_work_queue_pool_status ON work_queue(pool_name, status, created_at);
`

// Queue is the per-process handle onto the work_queue table. It shares the
// entity store's single-writer SQLite connection rather than opening its
// own, since both need the same linearizable single-record update
// guarantee and there is exactly one writer connection per process.
type Queue struct {
	db *sql.DB
}

// Open ensures the work_queue table exists against the given entity store
// and returns a handle for enqueue/claim operations.
func Open(ctx context.Context, st *store.Store) (*Queue, error) {
	if _, err := st.DB().ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create work_queue table: %w", err)
	}
	return &Queue{db: st.DB()}, nil
}

// Enqueue durably records a WorkSet message for a pool. A message that is
// too large for the broker is the enqueuer's responsibility to truncate
// before calling Enqueue (spec.md §5 Backpressure); Enqueue itself does
// not inspect payload size.
func (q *Queue) Enqueue(ctx context.Context, poolName string, payload WorkSet) (string, error) {
	id := uuid.NewString()
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("marshal worker set: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO work_queue (id, pool_name, payload, status, attempt, max_attempts)
		VALUES (?, ?, ?, ?, 0, ?);
	`, id, poolName, payloadJSON, string(StatusQueued), defaultMaxAttempts)
	if err != nil {
		return "", fmt.Errorf("enqueue work set: %w", err)
	}
	return id, nil
}

// Claim leases the oldest queued message for a pool, in FIFO order,
// returning ErrEmpty if none is available. The caller must Ack or Nack
// before the lease expires; after that, RequeueExpiredLeases can reclaim
// the message.
func (q *Queue) Claim(ctx context.Context, poolName, leaseOwner string) (*Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var m Message
	var payloadJSON string
	err = tx.QueryRowContext(ctx, `
		SELECT id, pool_name, payload, status, attempt, max_attempts, created_at
		FROM work_queue WHERE pool_name = ? AND status = ? ORDER BY created_at ASC LIMIT 1;
	`, poolName, string(StatusQueued)).Scan(&m.ID, &m.PoolName, &payloadJSON, &m.Status, &m.Attempt, &m.MaxAttempts, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("select queued message: %w", err)
	}

	leaseExpiresAt := time.Now().UTC().Add(defaultLeaseDuration)
	res, err := tx.ExecContext(ctx, `
		UPDATE work_queue SET status = ?, attempt = attempt + 1, lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND status = ?;
	`, string(StatusClaimed), leaseOwner, leaseExpiresAt, m.ID, string(StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A concurrent claimer won the race; treat as empty rather than erroring.
		return nil, ErrEmpty
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	if err := unmarshalJSON(payloadJSON, &m.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal work set: %w", err)
	}
	m.Status = StatusClaimed
	m.Attempt++
	m.LeaseOwner = leaseOwner
	m.LeaseExpiresAt = &leaseExpiresAt
	return &m, nil
}

// Ack marks a claimed message delivered, removing it from the queue.
func (q *Queue) Ack(ctx context.Context, id, leaseOwner string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM work_queue WHERE id = ? AND lease_owner = ? AND status = ?;`, id, leaseOwner, string(StatusClaimed))
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Nack releases a claimed message back to queued immediately (the node
// explicitly rejected the work), honoring the same max-attempts ceiling
// as a lease expiry.
func (q *Queue) Nack(ctx context.Context, id, leaseOwner string) error {
	return q.requeueOrPoison(ctx, `lease_owner = ? AND status = ?`, []any{leaseOwner, string(StatusClaimed)}, id)
}

// RequeueExpiredLeases reclaims messages whose lease has lapsed without
// an ack — the node that claimed them is presumed dead or hung — and
// returns how many were moved back to queued (as opposed to poisoned).
func (q *Queue) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id FROM work_queue WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP;
	`, string(StatusClaimed))
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var requeued int64
	for _, id := range ids {
		before, err := q.messageStatus(ctx, id)
		if err != nil {
			continue
		}
		if err := q.requeueOrPoison(ctx, `status = ?`, []any{string(StatusClaimed)}, id); err != nil {
			continue
		}
		after, err := q.messageStatus(ctx, id)
		if err == nil && before == StatusClaimed && after == StatusQueued {
			requeued++
		}
	}
	return requeued, nil
}

func (q *Queue) messageStatus(ctx context.Context, id string) (MessageStatus, error) {
	var status MessageStatus
	err := q.db.QueryRowContext(ctx, `SELECT status FROM work_queue WHERE id = ?;`, id).Scan(&status)
	return status, err
}

// requeueOrPoison moves a message back to queued, or to poison once it has
// exhausted max_attempts, matching a retry ceiling.
func (q *Queue) requeueOrPoison(ctx context.Context, whereExtra string, args []any, id string) error {
	var attempt, maxAttempts int
	queryArgs := append([]any{id}, args...)
	err := q.db.QueryRowContext(ctx, `SELECT attempt, max_attempts FROM work_queue WHERE id = ? AND `+whereExtra+`;`, queryArgs...).Scan(&attempt, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotClaimed
	}
	if err != nil {
		return fmt.Errorf("read message for requeue: %w", err)
	}

	newStatus := StatusQueued
	if attempt >= maxAttempts {
		newStatus = StatusPoison
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE work_queue SET status = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND `+whereExtra+`;
	`, append([]any{string(newStatus), id}, args...)...)
	if err != nil {
		return fmt.Errorf("requeue or poison message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// ListPoisoned returns poisoned messages for a pool. Nothing in this
// module calls it, so a poisoned work set does not by itself mark its
// tasks failed.
func (q *Queue) ListPoisoned(ctx context.Context, poolName string) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, pool_name, payload, status, attempt, max_attempts, created_at
		FROM work_queue WHERE pool_name = ? AND status = ? ORDER BY created_at ASC;
	`, poolName, string(StatusPoison))
	if err != nil {
		return nil, fmt.Errorf("list poisoned messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var payloadJSON string
		if err := rows.Scan(&m.ID, &m.PoolName, &payloadJSON, &m.Status, &m.Attempt, &m.MaxAttempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan poisoned message: %w", err)
		}
		_ = unmarshalJSON(payloadJSON, &m.Payload)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Depth returns the number of queued (not yet claimed) messages for a
// pool, feeding the autoscaler's queued_work_count demand signal (§4.5).
func (q *Queue) Depth(ctx context.Context, poolName string) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM work_queue WHERE pool_name = ? AND status = ?;`, poolName, string(StatusQueued)).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// DeletePool removes every queued/poisoned message for a pool, called once
// the pool's tasks have all stopped (spec.md invariant 5: pool deletion
// schedules queue deletion only after every assigned task is stopped).
func (q *Queue) DeletePool(ctx context.Context, poolName string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM work_queue WHERE pool_name = ?;`, poolName)
	if err != nil {
		return fmt.Errorf("delete pool queue: %w", err)
	}
	return nil
}

func marshalJSON(v any) (string, error) {
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
