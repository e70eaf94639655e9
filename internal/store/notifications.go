package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/internal/eventbus"
)

// Notification binds a container to a notification config. Config is
// stored as opaque JSON here; internal/notification decodes the tagged
// variant (ADO/GitHub/Teams) and holds only secret references, never
// inlined credentials (spec.md §3).
type Notification struct {
	NotificationID  string          `json:"notification_id"`
	Container       string          `json:"container"`
	ConfigKind      string          `json:"config_kind"` // "ado" | "github" | "teams"
	Config          []byte          `json:"config"`
	ReplaceExisting bool            `json:"replace_existing,omitempty"`
	RowVer          int64           `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
}

const notificationsSchema = `
CREATE TABLE IF NOT EXISTS notifications (
	notification_id TEXT PRIMARY KEY,
	container TEXT NOT NULL,
	config_kind TEXT NOT NULL,
	config TEXT NOT NULL,
	replace_existing INTEGER NOT NULL DEFAULT 0,
	row_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_notifications_container ON notifications(container);
`

const notificationColumns = `notification_id, container, config_kind, config, replace_existing, row_version, created_at`

// InsertNotification creates a notification config, optionally replacing
// any existing configs on the same container when replace_existing is set.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) error {
	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}
	err := s.withRetryTx(ctx, func(tx *sql.Tx) error {
		if n.ReplaceExisting {
			if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE container = ?;`, n.Container); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (notification_id, container, config_kind, config, replace_existing, row_version)
			VALUES (?, ?, ?, ?, ?, 1);
		`, n.NotificationID, n.Container, n.ConfigKind, string(n.Config), boolToInt(n.ReplaceExisting))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	n.RowVer = 1
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicNotification+"created", n.NotificationID)
	}
	return nil
}

func scanNotification(row interface {
	Scan(dest ...any) error
}) (*Notification, error) {
	var n Notification
	var configStr string
	var replace int
	if err := row.Scan(&n.NotificationID, &n.Container, &n.ConfigKind, &configStr, &replace, &n.RowVer, &n.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	n.Config = []byte(configStr)
	n.ReplaceExisting = replace != 0
	return &n, nil
}

// GetNotification returns a Notification by id.
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE notification_id = ?;`, id)
	return scanNotification(row)
}

// ListNotificationsByContainer returns every notification attached to a
// container, consulted by the notification registry when a crash_reported
// event arrives and by the notifications API.
func (s *Store) ListNotificationsByContainer(ctx context.Context, container string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE container = ? ORDER BY created_at ASC;`, container)
	if err != nil {
		return nil, fmt.Errorf("list notifications by container: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// DeleteNotification removes a notification config. Idempotent.
func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE notification_id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}
