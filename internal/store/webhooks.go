package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Webhook is an outbound HTTP subscription. SecretRef points into the
// secret store; the HMAC signing key itself is never stored inline.
type Webhook struct {
	WebhookID string    `json:"webhook_id"`
	URL       string    `json:"url"`
	SecretRef string    `json:"secret_ref"`
	EventTypes []string `json:"event_types"`
	RowVer    int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

const webhooksSchema = `
CREATE TABLE IF NOT EXISTS webhooks (
	webhook_id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	secret_ref TEXT NOT NULL,
	event_types TEXT NOT NULL DEFAULT '[]',
	row_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// WebhookEvent is a durable outbound event, referenceable by id. No
// endpoint in this module redelivers one.
type WebhookEvent struct {
	EventID      string     `json:"event_id"`
	WebhookID    string     `json:"webhook_id"`
	EventType    string     `json:"event_type"`
	Payload      []byte     `json:"payload"`
	Delivered    bool       `json:"delivered"`
	Attempts     int        `json:"attempts"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

const webhookEventsSchema = `
CREATE TABLE IF NOT EXISTS webhook_events (
	event_id TEXT PRIMARY KEY,
	webhook_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_webhook ON webhook_events(webhook_id, delivered);
`

// InsertWebhook registers a new outbound subscription.
func (s *Store) InsertWebhook(ctx context.Context, w *Webhook) error {
	if w.WebhookID == "" {
		w.WebhookID = uuid.NewString()
	}
	eventTypesJSON, err := marshalJSON(w.EventTypes)
	if err != nil {
		return fmt.Errorf("marshal webhook event_types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (webhook_id, url, secret_ref, event_types, row_version) VALUES (?, ?, ?, ?, 1);
	`, w.WebhookID, w.URL, w.SecretRef, eventTypesJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert webhook: %w", err)
	}
	w.RowVer = 1
	return nil
}

// GetWebhook returns a Webhook by id.
func (s *Store) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	var w Webhook
	var eventTypesJSON string
	err := s.db.QueryRowContext(ctx, `SELECT webhook_id, url, secret_ref, event_types, row_version, created_at FROM webhooks WHERE webhook_id = ?;`, id).
		Scan(&w.WebhookID, &w.URL, &w.SecretRef, &eventTypesJSON, &w.RowVer, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	if err := unmarshalJSON(eventTypesJSON, &w.EventTypes); err != nil {
		return nil, fmt.Errorf("unmarshal webhook event_types: %w", err)
	}
	return &w, nil
}

// ListWebhooks returns every registered webhook subscription.
func (s *Store) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT webhook_id, url, secret_ref, event_types, row_version, created_at FROM webhooks ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		var w Webhook
		var eventTypesJSON string
		if err := rows.Scan(&w.WebhookID, &w.URL, &w.SecretRef, &eventTypesJSON, &w.RowVer, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		_ = unmarshalJSON(eventTypesJSON, &w.EventTypes)
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWebhook removes a webhook subscription. Idempotent.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE webhook_id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// InsertWebhookEvent durably records an outbound event before any delivery
// attempt, so it remains referenceable for replay regardless of delivery outcome.
func (s *Store) InsertWebhookEvent(ctx context.Context, e *WebhookEvent) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, webhook_id, event_type, payload, delivered, attempts)
		VALUES (?, ?, ?, ?, 0, 0);
	`, e.EventID, e.WebhookID, e.EventType, string(e.Payload))
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// GetWebhookEvent returns a webhook event by id. Nothing in this module calls it.
func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error) {
	var e WebhookEvent
	var payload string
	var delivered int
	var lastAttempt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, webhook_id, event_type, payload, delivered, attempts, last_attempt, created_at
		FROM webhook_events WHERE event_id = ?;
	`, eventID).Scan(&e.EventID, &e.WebhookID, &e.EventType, &payload, &delivered, &e.Attempts, &lastAttempt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	e.Payload = []byte(payload)
	e.Delivered = delivered != 0
	if t, ok := parseNullTime(lastAttempt); ok {
		e.LastAttempt = &t
	}
	return &e, nil
}

// ListPendingWebhookEvents returns undelivered events for a webhook,
// oldest first. Nothing in this module calls it; the webhook dispatcher
// does not retry an event after its delivery attempt has given up.
func (s *Store) ListPendingWebhookEvents(ctx context.Context, webhookID string) ([]WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, webhook_id, event_type, payload, delivered, attempts, last_attempt, created_at
		FROM webhook_events WHERE webhook_id = ? AND delivered = 0 ORDER BY created_at ASC;
	`, webhookID)
	if err != nil {
		return nil, fmt.Errorf("list pending webhook events: %w", err)
	}
	defer rows.Close()

	var out []WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		var payload string
		var delivered int
		var lastAttempt sql.NullString
		if err := rows.Scan(&e.EventID, &e.WebhookID, &e.EventType, &payload, &delivered, &e.Attempts, &lastAttempt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		e.Payload = []byte(payload)
		e.Delivered = delivered != 0
		if t, ok := parseNullTime(lastAttempt); ok {
			e.LastAttempt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordWebhookDeliveryAttempt bumps the attempt counter and, on success,
// marks the event delivered.
func (s *Store) RecordWebhookDeliveryAttempt(ctx context.Context, eventID string, at time.Time, delivered bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET attempts = attempts + 1, last_attempt = ?, delivered = ? WHERE event_id = ?;
	`, at, boolToInt(delivered), eventID)
	if err != nil {
		return fmt.Errorf("record webhook delivery attempt: %w", err)
	}
	return nil
}

// DeleteDeliveredWebhookEventsOlderThan removes delivered events older
// than cutoff, feeding the retention sweep (spec.md §5). Undelivered
// events are kept regardless of age.
func (s *Store) DeleteDeliveredWebhookEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE delivered = 1 AND created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete delivered webhook events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
