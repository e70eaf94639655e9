package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// NodeMessageCommand is a tagged variant: stop, stop_task(task_id), or
// add_ssh_key(public_key).
type NodeMessageCommand struct {
	Kind      string `json:"kind"` // "stop" | "stop_task" | "add_ssh_key"
	TaskID    string `json:"task_id,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// NodeMessage is a FIFO command queued for a specific node, consumed via
// the agent protocol's peek-lock "pending command" call.
type NodeMessage struct {
	MachineID string              `json:"machine_id"`
	MessageID int64               `json:"message_id"`
	Command   NodeMessageCommand  `json:"command"`
}

const nodeMessagesSchema = `
CREATE TABLE IF NOT EXISTS node_messages (
	machine_id TEXT NOT NULL,
	message_id INTEGER NOT NULL,
	command TEXT NOT NULL,
	PRIMARY KEY (machine_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_node_messages_machine ON node_messages(machine_id, message_id);
`

// EnqueueNodeMessage appends a command to a node's FIFO, assigning the
// next monotonic message_id for that machine.
func (s *Store) EnqueueNodeMessage(ctx context.Context, machineID string, cmd NodeMessageCommand) (int64, error) {
	cmdJSON, err := marshalJSON(cmd)
	if err != nil {
		return 0, fmt.Errorf("marshal node message command: %w", err)
	}
	var id int64
	err = s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var maxID sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(message_id) FROM node_messages WHERE machine_id = ?;`, machineID).Scan(&maxID); err != nil {
			return err
		}
		id = maxID.Int64 + 1
		_, err := tx.ExecContext(ctx, `INSERT INTO node_messages (machine_id, message_id, command) VALUES (?, ?, ?);`, machineID, id, cmdJSON)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue node message: %w", err)
	}
	return id, nil
}

// PeekNodeMessage returns the oldest pending message for a machine without
// removing it (peek-lock semantics: the agent protocol deletes on ack via
// AckNodeMessage).
func (s *Store) PeekNodeMessage(ctx context.Context, machineID string) (*NodeMessage, error) {
	var nm NodeMessage
	var cmdJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT machine_id, message_id, command FROM node_messages
		WHERE machine_id = ? ORDER BY message_id ASC LIMIT 1;
	`, machineID).Scan(&nm.MachineID, &nm.MessageID, &cmdJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("peek node message: %w", err)
	}
	if err := unmarshalJSON(cmdJSON, &nm.Command); err != nil {
		return nil, fmt.Errorf("unmarshal node message command: %w", err)
	}
	return &nm, nil
}

// AckNodeMessage deletes a message once the agent has acknowledged it.
// Idempotent: acking an already-removed message is not an error.
func (s *Store) AckNodeMessage(ctx context.Context, machineID string, messageID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM node_messages WHERE machine_id = ? AND message_id = ?;`, machineID, messageID)
	if err != nil {
		return fmt.Errorf("ack node message: %w", err)
	}
	return nil
}

// DeleteNodeMessagesForMachine clears all pending messages for a machine,
// called when a node is reimaged.
func (s *Store) DeleteNodeMessagesForMachine(ctx context.Context, machineID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM node_messages WHERE machine_id = ?;`, machineID)
	if err != nil {
		return fmt.Errorf("delete node messages: %w", err)
	}
	return nil
}
