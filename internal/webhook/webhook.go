// Package webhook delivers outbound HMAC-signed event notifications to
// registered subscriber URLs (spec.md §6). Every entity-change event that
// crosses internal/eventbus is durably recorded as a store.WebhookEvent,
// once per subscribed webhook, before delivery is attempted, so it stays
// referenceable by event id whatever the delivery outcome. This module
// exposes no endpoint that replays a recorded event.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/microsoft/onefuzz/internal/eventbus"
	"github.com/microsoft/onefuzz/internal/notification"
	"github.com/microsoft/onefuzz/internal/notification/delivery"
	"github.com/microsoft/onefuzz/internal/secrets"
	"github.com/microsoft/onefuzz/internal/store"
)

// maxInlinePayload bounds how large an event payload may be before it is
// spilled to blob storage and replaced with a pointer, matching the
// Events-container spillover spec.md §6 describes for oversized payloads.
const maxInlinePayload = 64 * 1024

// BlobStore abstracts the spillover target so the dispatcher doesn't
// depend on a concrete storage backend.
type BlobStore interface {
	Put(ctx context.Context, container, name string, data []byte) (url string, err error)
}

// Dispatcher delivers webhook events to every subscribed URL.
type Dispatcher struct {
	store     *store.Store
	bus       *eventbus.Bus
	resolver  secrets.Resolver
	client    *http.Client
	blobs     BlobStore
	logger    *slog.Logger
	policy    delivery.Policy
}

// New creates a Dispatcher. blobs may be nil, in which case oversized
// payloads are delivered inline rather than spilled.
func New(st *store.Store, bus *eventbus.Bus, resolver secrets.Resolver, client *http.Client, blobs BlobStore, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, bus: bus, resolver: resolver, client: client, blobs: blobs, logger: logger}
}

// Run subscribes to every entity-change topic and fans each matching event
// out to subscribed webhooks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	sub := d.bus.Subscribe("")
	defer d.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !isWebhookEventType(ev.Topic) {
				continue
			}
			if err := d.fanOut(ctx, ev); err != nil {
				d.logger.Error("webhook: fan-out failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

// isWebhookEventType filters the bus's internal plumbing topics (which
// have no subscriber-facing meaning) out of the webhook stream.
func isWebhookEventType(topic string) bool {
	switch {
	case strings.HasPrefix(topic, eventbus.TopicPool),
		strings.HasPrefix(topic, eventbus.TopicJob),
		strings.HasPrefix(topic, eventbus.TopicTask),
		strings.HasPrefix(topic, eventbus.TopicNode),
		strings.HasPrefix(topic, eventbus.TopicScaleset),
		strings.HasPrefix(topic, eventbus.TopicRepro),
		strings.HasPrefix(topic, eventbus.TopicNotification),
		topic == "crash_reported",
		topic == "regression_reported":
		return true
	default:
		return false
	}
}

func (d *Dispatcher) fanOut(ctx context.Context, ev eventbus.Event) error {
	hooks, err := d.store.ListWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"event_type": ev.Topic,
		"data":       ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	for _, hook := range hooks {
		if !subscribesTo(hook, ev.Topic) {
			continue
		}
		record := &store.WebhookEvent{
			WebhookID: hook.WebhookID,
			EventType: ev.Topic,
			Payload:   payload,
		}
		if err := d.store.InsertWebhookEvent(ctx, record); err != nil {
			d.logger.Error("webhook: insert event failed", "webhook_id", hook.WebhookID, "error", err)
			continue
		}
		go d.deliver(context.WithoutCancel(ctx), hook, record)
	}
	return nil
}

func subscribesTo(hook store.Webhook, topic string) bool {
	if len(hook.EventTypes) == 0 {
		return true
	}
	for _, t := range hook.EventTypes {
		if t == topic || strings.HasPrefix(topic, t) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, hook store.Webhook, ev *store.WebhookEvent) {
	body, err := d.bodyFor(ctx, hook, ev)
	if err != nil {
		d.logger.Error("webhook: prepare body failed", "webhook_id", hook.WebhookID, "event_id", ev.EventID, "error", err)
		return
	}

	secret, err := d.resolver.Resolve(ctx, secrets.Ref(hook.SecretRef))
	if err != nil {
		d.logger.Error("webhook: resolve secret failed", "webhook_id", hook.WebhookID, "error", err)
		return
	}

	_, err = delivery.Deliver(ctx, d.policy, d.logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.send(ctx, hook, body, secret)
	})
	delivered := err == nil
	if recErr := d.store.RecordWebhookDeliveryAttempt(ctx, ev.EventID, time.Now().UTC(), delivered); recErr != nil {
		d.logger.Error("webhook: record delivery attempt failed", "event_id", ev.EventID, "error", recErr)
	}
	if err != nil {
		d.logger.Error("webhook: delivery exhausted", "webhook_id", hook.WebhookID, "event_id", ev.EventID, "error", err)
	}
}

// bodyFor returns the bytes to POST, spilling to blob storage and
// replacing the body with a pointer when the payload exceeds
// maxInlinePayload and a BlobStore is configured.
func (d *Dispatcher) bodyFor(ctx context.Context, hook store.Webhook, ev *store.WebhookEvent) ([]byte, error) {
	if len(ev.Payload) <= maxInlinePayload || d.blobs == nil {
		return ev.Payload, nil
	}
	url, err := d.blobs.Put(ctx, "events", ev.EventID+".json", ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("spill event payload: %w", err)
	}
	return json.Marshal(map[string]string{
		"event_type": ev.EventType,
		"event_id":   ev.EventID,
		"payload_url": url,
	})
}

func (d *Dispatcher) send(ctx context.Context, hook store.Webhook, body []byte, secret string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Onefuzz-Signature", sign(secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return notification.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return notification.Transient(fmt.Errorf("webhook post returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook post returned %d", resp.StatusCode)
	}
	return nil
}

// sign computes an HMAC-SHA256 signature over body using secret, hex
// encoded, matching the scheme a subscriber verifies against.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
