package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/microsoft/onefuzz/internal/notification/template"
	"github.com/microsoft/onefuzz/internal/secrets"
)

// GitHubUniqueSearch describes how to find an existing issue that should be
// treated as a duplicate of this report (spec.md §4.7).
type GitHubUniqueSearch struct {
	Str       string   `json:"str"`
	MatchList []string `json:"match_list,omitempty"`
	Author    string   `json:"author,omitempty"`
}

// GitHubDuplicatePolicy controls what happens on an existing-issue match.
type GitHubDuplicatePolicy struct {
	Labels  []string `json:"labels,omitempty"`
	Reopen  bool     `json:"reopen,omitempty"`
	Comment string   `json:"comment,omitempty"`
}

// GitHubConfig is the GitHub Issues notification variant (spec.md §4.7).
type GitHubConfig struct {
	AuthRef      string              `json:"auth_ref"`
	Organization string              `json:"organization"`
	Repository   string              `json:"repository"`
	Title        string              `json:"title"`
	Body         string              `json:"body"`
	UniqueSearch GitHubUniqueSearch  `json:"unique_search"`
	Labels       []string            `json:"labels,omitempty"`
	Assignees    []string            `json:"assignees,omitempty"`
	OnDuplicate  GitHubDuplicatePolicy `json:"on_duplicate"`
}

// GitHubDispatcher implements Dispatcher for GitHub Issues.
type GitHubDispatcher struct {
	resolver secrets.Resolver
	client   *http.Client
	baseURL  string // overridable for tests; defaults to api.github.com
}

// NewGitHubDispatcher creates a GitHubDispatcher.
func NewGitHubDispatcher(resolver secrets.Resolver, client *http.Client) *GitHubDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &GitHubDispatcher{resolver: resolver, client: client, baseURL: "https://api.github.com"}
}

// Kind implements Dispatcher.
func (d *GitHubDispatcher) Kind() string { return "github" }

// Dispatch implements Dispatcher. It searches for an existing open or
// closed issue matching UniqueSearch; if found, applies on_duplicate
// (labels, reopen, comment); otherwise creates a new issue.
func (d *GitHubDispatcher) Dispatch(ctx context.Context, rawCfg []byte, notifCtx Context) (Outcome, error) {
	var cfg GitHubConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	token, err := d.resolver.Resolve(ctx, secrets.Ref(cfg.AuthRef))
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("resolve github token: %w", err)
	}

	data := templateData(notifCtx)
	title, err := template.Render(cfg.Title, data)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	body, err := template.Render(cfg.Body, data)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	existing, err := d.findExisting(ctx, cfg, token, title)
	if err != nil {
		return OutcomeSkipped, err
	}

	if existing != 0 {
		if err := d.updateIssue(ctx, cfg, token, existing); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeUpdated, nil
	}

	if err := d.createIssue(ctx, cfg, token, title, body); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeCreated, nil
}

// findExisting uses the GitHub search API to look for issues whose title or
// body contains every string in UniqueSearch.MatchList (and
// UniqueSearch.Str, if set), optionally filtered by author. Among the hits
// it returns the first whose title contains, or is contained in, the
// rendered title, and otherwise the first hit.
func (d *GitHubDispatcher) findExisting(ctx context.Context, cfg GitHubConfig, token, title string) (int, error) {
	terms := append([]string{}, cfg.UniqueSearch.MatchList...)
	if cfg.UniqueSearch.Str != "" {
		terms = append(terms, cfg.UniqueSearch.Str)
	}
	if len(terms) == 0 {
		return 0, nil
	}

	q := fmt.Sprintf("repo:%s/%s is:issue", cfg.Organization, cfg.Repository)
	for _, t := range terms {
		q += fmt.Sprintf(" \"%s\" in:title,body", t)
	}
	if cfg.UniqueSearch.Author != "" {
		q += fmt.Sprintf(" author:%s", cfg.UniqueSearch.Author)
	}

	u := fmt.Sprintf("%s/search/issues?q=%s", d.baseURL, urlQueryEscape(q))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	d.authorize(req, token)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return 0, Transient(fmt.Errorf("github search returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("github search returned %d", resp.StatusCode)
	}

	var result struct {
		Items []struct {
			Number int    `json:"number"`
			Title  string `json:"title"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode search result: %w", err)
	}
	for _, item := range result.Items {
		if strings.Contains(item.Title, title) || strings.Contains(title, item.Title) {
			return item.Number, nil
		}
	}
	if len(result.Items) > 0 {
		return result.Items[0].Number, nil
	}
	return 0, nil
}

func (d *GitHubDispatcher) createIssue(ctx context.Context, cfg GitHubConfig, token, title, body string) error {
	payload := map[string]any{
		"title": title,
		"body":  body,
	}
	if len(cfg.Labels) > 0 {
		payload["labels"] = cfg.Labels
	}
	if len(cfg.Assignees) > 0 {
		payload["assignees"] = cfg.Assignees
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/repos/%s/%s/issues", d.baseURL, cfg.Organization, cfg.Repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	d.authorize(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Transient(fmt.Errorf("github create issue returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("github create issue returned %d", resp.StatusCode)
	}
	return nil
}

func (d *GitHubDispatcher) updateIssue(ctx context.Context, cfg GitHubConfig, token string, number int) error {
	if len(cfg.OnDuplicate.Labels) > 0 || cfg.OnDuplicate.Reopen {
		payload := map[string]any{}
		if len(cfg.OnDuplicate.Labels) > 0 {
			payload["labels"] = cfg.OnDuplicate.Labels
		}
		if cfg.OnDuplicate.Reopen {
			payload["state"] = "open"
		}
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		u := fmt.Sprintf("%s/repos/%s/%s/issues/%d", d.baseURL, cfg.Organization, cfg.Repository, number)
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		d.authorize(req, token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return Transient(err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Transient(fmt.Errorf("github update issue returned %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("github update issue returned %d", resp.StatusCode)
		}
	}

	if cfg.OnDuplicate.Comment != "" {
		buf, err := json.Marshal(map[string]string{"body": cfg.OnDuplicate.Comment})
		if err != nil {
			return err
		}
		u := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", d.baseURL, cfg.Organization, cfg.Repository, number)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		d.authorize(req, token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return Transient(err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Transient(fmt.Errorf("github comment returned %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("github comment returned %d", resp.StatusCode)
		}
	}
	return nil
}

func (d *GitHubDispatcher) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
}

func urlQueryEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' {
			b.WriteByte('+')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
