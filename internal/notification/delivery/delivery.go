// Package delivery retries a Dispatcher's outbound call with exponential
// backoff on transient failure. Uses cenkalti/backoff/v5 (already pulled
// in transitively by the OpenTelemetry OTLP exporter) rather than a
// hand-rolled doubling loop, generalizing the same retry shape the
// teacher's TelegramChannel reconnect loop implements by hand into a
// reusable policy.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMaxTries        = 5
)

// Policy configures the retry loop.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

func (p Policy) withDefaults() Policy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	if p.MaxTries == 0 {
		p.MaxTries = defaultMaxTries
	}
	return p
}

// Deliver calls dispatch, retrying transient failures with exponential
// backoff up to policy.MaxTries. A permanent (non-transient) failure or
// context cancellation stops the loop immediately. An error is transient
// when it wraps a value whose Transient() method returns true, as errors
// built by notification.Transient do. On exhaustion the
// caller is expected to publish notification_failed (spec.md §4.7). R is
// generic so both notification.Dispatch (which returns a notification.Outcome)
// and the plain webhook POST (which has no result worth returning) can
// share the same retry policy.
func Deliver[R any](ctx context.Context, policy Policy, logger *slog.Logger, dispatch func(ctx context.Context) (R, error)) (R, error) {
	policy = policy.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (R, error) {
		attempt++
		result, err := dispatch(ctx)
		if err == nil {
			return result, nil
		}
		var transient interface{ Transient() bool }
		if !errors.As(err, &transient) || !transient.Transient() {
			var zero R
			return zero, backoff.Permanent(err)
		}
		logger.Warn("delivery: transient failure, retrying", "attempt", attempt, "error", err)
		var zero R
		return zero, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(policy.MaxTries))
}

// IsExhausted reports whether err represents backoff giving up after
// MaxTries rather than a permanent dispatch failure.
func IsExhausted(err error) bool {
	var permanent *backoff.PermanentError
	return err != nil && !errors.As(err, &permanent)
}
