package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/microsoft/onefuzz/internal/notification/template"
	"github.com/microsoft/onefuzz/internal/secrets"
)

// ADODuplicatePolicy controls what happens when a matching work item
// already exists (spec.md §4.7).
type ADODuplicatePolicy struct {
	Fields  map[string]string `json:"fields,omitempty"`
	Comment string            `json:"comment,omitempty"`
	Unless  []ADOFieldMatch   `json:"unless,omitempty"`
}

// ADOFieldMatch is one clause of an on_duplicate.unless list, e.g.
// {field: "System.State", value: "Closed"}.
type ADOFieldMatch struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// ADOConfig is the Azure DevOps notification variant (spec.md §4.7).
type ADOConfig struct {
	BaseURL      string            `json:"base_url"`
	AuthTokenRef string            `json:"auth_token_ref"`
	Project      string            `json:"project"`
	WorkItemType string            `json:"work_item_type"`
	Fields       map[string]string `json:"fields"`
	OnDuplicate  ADODuplicatePolicy `json:"on_duplicate"`
	ADOFields    map[string]string `json:"ado_fields,omitempty"`
}

// ADODispatcher implements Dispatcher for Azure DevOps work items.
type ADODispatcher struct {
	resolver secrets.Resolver
	client   *http.Client
}

// NewADODispatcher creates an ADODispatcher.
func NewADODispatcher(resolver secrets.Resolver, client *http.Client) *ADODispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &ADODispatcher{resolver: resolver, client: client}
}

// Kind implements Dispatcher.
func (d *ADODispatcher) Kind() string { return "ado" }

// Dispatch implements Dispatcher. It queries for an existing work item
// matching the rendered title; if found, it skips when every `unless`
// clause matches the item and otherwise updates via on_duplicate; if
// absent, it creates a new work item.
func (d *ADODispatcher) Dispatch(ctx context.Context, rawCfg []byte, notifCtx Context) (Outcome, error) {
	var cfg ADOConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	token, err := d.resolver.Resolve(ctx, secrets.Ref(cfg.AuthTokenRef))
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("resolve ado token: %w", err)
	}

	rendered, err := template.RenderFields(cfg.Fields, templateData(notifCtx))
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	existing, err := d.findExisting(ctx, cfg, token, rendered)
	if err != nil {
		return OutcomeSkipped, err
	}

	if existing != "" {
		matched, err := d.matchesUnless(ctx, cfg, token, existing)
		if err != nil {
			return OutcomeSkipped, err
		}
		if matched {
			return OutcomeSkipped, nil
		}
		if err := d.updateWorkItem(ctx, cfg, token, existing); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeUpdated, nil
	}

	if err := d.createWorkItem(ctx, cfg, token, rendered); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeCreated, nil
}

// findExisting searches for a work item whose title matches the rendered
// title field. The search query itself is ADO-specific (WIQL); this
// implementation issues a minimal WIQL query over the REST API.
func (d *ADODispatcher) findExisting(ctx context.Context, cfg ADOConfig, token string, rendered map[string]string) (string, error) {
	title := rendered["System.Title"]
	if title == "" {
		title = rendered["title"]
	}
	if title == "" {
		return "", nil
	}
	wiql := fmt.Sprintf(
		`SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s' AND [System.WorkItemType] = '%s' AND [System.Title] = '%s'`,
		escapeWIQL(cfg.Project), escapeWIQL(cfg.WorkItemType), escapeWIQL(title),
	)
	body, _ := json.Marshal(map[string]string{"query": wiql})
	u := fmt.Sprintf("%s/%s/_apis/wit/wiql?api-version=7.1", cfg.BaseURL, url.PathEscape(cfg.Project))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("", token)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", Transient(fmt.Errorf("ado wiql query returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("ado wiql query returned %d", resp.StatusCode)
	}

	var result struct {
		WorkItems []struct {
			ID int `json:"id"`
		} `json:"workItems"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode wiql result: %w", err)
	}
	if len(result.WorkItems) == 0 {
		return "", nil
	}
	return fmt.Sprintf("%d", result.WorkItems[0].ID), nil
}

// matchesUnless fetches the existing work item's fields and checks them
// against cfg.OnDuplicate.Unless.
func (d *ADODispatcher) matchesUnless(ctx context.Context, cfg ADOConfig, token, workItemID string) (bool, error) {
	if len(cfg.OnDuplicate.Unless) == 0 {
		return false, nil
	}
	u := fmt.Sprintf("%s/_apis/wit/workitems/%s?api-version=7.1", cfg.BaseURL, workItemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth("", token)

	resp, err := d.client.Do(req)
	if err != nil {
		return false, Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, Transient(fmt.Errorf("ado get work item returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("ado get work item returned %d", resp.StatusCode)
	}

	var item struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return false, fmt.Errorf("decode work item: %w", err)
	}
	for _, clause := range cfg.OnDuplicate.Unless {
		if item.Fields[clause.Field] != clause.Value {
			return false, nil
		}
	}
	return true, nil
}

func (d *ADODispatcher) createWorkItem(ctx context.Context, cfg ADOConfig, token string, rendered map[string]string) error {
	var ops []map[string]any
	for k, v := range rendered {
		ops = append(ops, map[string]any{"op": "add", "path": "/fields/" + k, "value": v})
	}
	body, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_apis/wit/workitems/$%s?api-version=7.1", cfg.BaseURL, url.PathEscape(cfg.Project), url.PathEscape(cfg.WorkItemType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json-patch+json")
	req.SetBasicAuth("", token)

	resp, err := d.client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Transient(fmt.Errorf("ado create work item returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ado create work item returned %d", resp.StatusCode)
	}
	return nil
}

func (d *ADODispatcher) updateWorkItem(ctx context.Context, cfg ADOConfig, token, workItemID string) error {
	var ops []map[string]any
	for k, v := range cfg.OnDuplicate.Fields {
		ops = append(ops, map[string]any{"op": "add", "path": "/fields/" + k, "value": v})
	}
	if cfg.OnDuplicate.Comment != "" {
		ops = append(ops, map[string]any{"op": "add", "path": "/fields/System.History", "value": cfg.OnDuplicate.Comment})
	}
	if len(ops) == 0 {
		return nil
	}
	body, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/_apis/wit/workitems/%s?api-version=7.1", cfg.BaseURL, workItemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json-patch+json")
	req.SetBasicAuth("", token)

	resp, err := d.client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Transient(fmt.Errorf("ado update work item returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ado update work item returned %d", resp.StatusCode)
	}
	return nil
}

func escapeWIQL(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
