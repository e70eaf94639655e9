package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/microsoft/onefuzz/internal/notification/template"
	"github.com/microsoft/onefuzz/internal/secrets"
)

// TeamsConfig is the Teams notification variant: {webhook_url_ref}
// (spec.md §4.7). There is no dedup/on_duplicate handling for Teams since
// a webhook post has no queryable prior state.
type TeamsConfig struct {
	WebhookURLRef string `json:"webhook_url_ref"`
}

// TeamsDispatcher posts a rendered card to a Teams incoming webhook.
type TeamsDispatcher struct {
	resolver secrets.Resolver
	client   *http.Client
}

// NewTeamsDispatcher creates a TeamsDispatcher.
func NewTeamsDispatcher(resolver secrets.Resolver, client *http.Client) *TeamsDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &TeamsDispatcher{resolver: resolver, client: client}
}

// Kind implements Dispatcher.
func (d *TeamsDispatcher) Kind() string { return "teams" }

// Dispatch implements Dispatcher.
func (d *TeamsDispatcher) Dispatch(ctx context.Context, rawCfg []byte, notifCtx Context) (Outcome, error) {
	var cfg TeamsConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	webhookURL, err := d.resolver.Resolve(ctx, secrets.Ref(cfg.WebhookURLRef))
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("resolve webhook url: %w", err)
	}

	text, err := template.Render(
		"**{{.Report.crash_type}}** at {{.Report.crash_site}}\n\n[Report]({{.ReportURL}}) | [Input]({{.InputURL}})",
		templateData(notifCtx),
	)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return OutcomeSkipped, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return OutcomeSkipped, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return OutcomeSkipped, Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return OutcomeSkipped, Transient(fmt.Errorf("teams webhook returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return OutcomeSkipped, fmt.Errorf("teams webhook returned %d", resp.StatusCode)
	}
	return OutcomeCreated, nil
}

func templateData(c Context) template.Data {
	return template.Data{
		Report:    c.Report,
		Task:      c.Task,
		Job:       c.Job,
		TargetURL: c.TargetURL,
		InputURL:  c.InputURL,
		ReportURL: c.ReportURL,
	}
}
