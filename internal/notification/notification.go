// Package notification implements the notification dispatcher (C7): each
// bug-tracker adapter (ADO, GitHub Issues, Teams) implements a shared
// Dispatcher interface exactly as the teacher's channels.Channel interface
// shapes its messaging integrations. Outbound HTTP delivery retries with
// exponential backoff following the teacher's TelegramChannel reconnect
// loop shape; template rendering is a minimal safe substitution engine
// (internal/notification/template) with no arbitrary code execution.
package notification

import (
	"context"
	"errors"
	"fmt"
)

// Context is the set of fields a template or dispatcher may reference when
// rendering a notification (spec.md §4.7: "{report.*, task.*, job.*,
// target_url, input_url, report_url}").
type Context struct {
	Report    map[string]any
	Task      map[string]any
	Job       map[string]any
	TargetURL string
	InputURL  string
	ReportURL string
}

// Outcome reports what a Dispatcher did with a notification.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeUpdated
	OutcomeCreated
)

// Dispatcher is the shared interface every bug-tracker adapter implements,
// mirroring the teacher's channels.Channel shape (Name + a single entry
// point), generalized from "start a long-lived connection" to "deliver one
// notification and report the outcome" since C7 is request/response, not
// a persistent session.
type Dispatcher interface {
	// Kind returns the tagged-variant discriminator ("ado", "github", "teams").
	Kind() string

	// Dispatch renders and delivers a single notification. Transient
	// failures (5xx, throttling) should be returned as errors satisfying
	// IsTransient so the caller's retry loop can distinguish them from
	// permanent failures.
	Dispatch(ctx context.Context, cfg []byte, notifCtx Context) (Outcome, error)
}

// transientError marks an error as retryable.
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }
func (t *transientError) Transient() bool { return true }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error { return &transientError{err: err} }

// IsTransient reports whether err was wrapped with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// ErrRenderFailed marks a notification as failed due to template errors —
// spec.md §4.7: "rendering errors mark the notification (not the task) as
// failed."
var ErrRenderFailed = fmt.Errorf("notification: template render failed")
