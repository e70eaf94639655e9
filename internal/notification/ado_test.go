package notification_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"context"

	"github.com/microsoft/onefuzz/internal/notification"
	"github.com/microsoft/onefuzz/internal/secrets"
)

// adoFixture stands in for Azure DevOps' WIQL search and work-item GET/PATCH
// endpoints. workItemID of 0 means "no existing work item" (search returns
// empty); otherwise the search reports one match and GET returns fields.
type adoFixture struct {
	server        *httptest.Server
	workItemID    int
	fields        map[string]string
	updateCalls   int
	createCalls   int
	lastUpdateOps []map[string]any
}

func newADOFixture(t *testing.T) *adoFixture {
	t.Helper()
	f := &adoFixture{fields: map[string]string{}}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/wiql"):
			if f.workItemID == 0 {
				json.NewEncoder(w).Encode(map[string]any{"workItems": []any{}})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"workItems": []map[string]int{{"id": f.workItemID}},
			})
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/workitems/"):
			json.NewEncoder(w).Encode(map[string]any{"fields": f.fields})
		case r.Method == http.MethodPatch && strings.HasSuffix(r.URL.Path, "$Bug"):
			f.createCalls++
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPatch && strings.Contains(r.URL.Path, "/workitems/"):
			f.updateCalls++
			var ops []map[string]any
			_ = json.NewDecoder(r.Body).Decode(&ops)
			f.lastUpdateOps = ops
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *adoFixture) baseConfig() notification.ADOConfig {
	return notification.ADOConfig{
		BaseURL:      f.server.URL,
		AuthTokenRef: "ado-token",
		Project:      "fuzzing",
		WorkItemType: "Bug",
		Fields:       map[string]string{"System.Title": "{{.Report.crash_site}}"},
	}
}

func newTestResolver() secrets.Resolver {
	r := secrets.NewStaticResolver(nil)
	r.Set(secrets.Ref("ado-token"), "tok-123")
	return r
}

// TestADODispatcher_SkipsDuplicateMatchingUnlessClause covers scenario 6's
// suppression path: a duplicate whose existing work item matches an
// on_duplicate.unless clause (already closed) is skipped with no update.
func TestADODispatcher_SkipsDuplicateMatchingUnlessClause(t *testing.T) {
	f := newADOFixture(t)
	f.workItemID = 42
	f.fields["System.State"] = "Closed"

	cfg := f.baseConfig()
	cfg.OnDuplicate = notification.ADODuplicatePolicy{
		Comment: "seen again",
		Unless:  []notification.ADOFieldMatch{{Field: "System.State", Value: "Closed"}},
	}
	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}

	d := notification.NewADODispatcher(newTestResolver(), f.server.Client())
	outcome, err := d.Dispatch(context.Background(), rawCfg, notification.Context{
		Report: map[string]any{"crash_site": "crash.c:40"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != notification.OutcomeSkipped {
		t.Fatalf("expected OutcomeSkipped for a closed duplicate, got %v", outcome)
	}
	if f.updateCalls != 0 {
		t.Fatalf("expected no PATCH call when the unless clause matches, got %d", f.updateCalls)
	}
}

// TestADODispatcher_UpdatesDuplicateNotMatchingUnlessClause covers the
// other half of scenario 6: a duplicate whose existing work item does not
// match the unless clause (still active) gets updated with the configured
// comment.
func TestADODispatcher_UpdatesDuplicateNotMatchingUnlessClause(t *testing.T) {
	f := newADOFixture(t)
	f.workItemID = 42
	f.fields["System.State"] = "Active"

	cfg := f.baseConfig()
	cfg.OnDuplicate = notification.ADODuplicatePolicy{
		Comment: "seen again",
		Unless:  []notification.ADOFieldMatch{{Field: "System.State", Value: "Closed"}},
	}
	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}

	d := notification.NewADODispatcher(newTestResolver(), f.server.Client())
	outcome, err := d.Dispatch(context.Background(), rawCfg, notification.Context{
		Report: map[string]any{"crash_site": "crash.c:40"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != notification.OutcomeUpdated {
		t.Fatalf("expected OutcomeUpdated for an active duplicate, got %v", outcome)
	}
	if f.updateCalls != 1 {
		t.Fatalf("expected exactly one PATCH call, got %d", f.updateCalls)
	}

	var sawComment bool
	for _, op := range f.lastUpdateOps {
		if op["path"] == "/fields/System.History" && op["value"] == "seen again" {
			sawComment = true
		}
	}
	if !sawComment {
		t.Fatalf("expected the update to carry the configured comment, got %+v", f.lastUpdateOps)
	}
}

// TestADODispatcher_CreatesWorkItemWhenNoneExists covers the first-sighting
// path: no matching work item means a new one is created.
func TestADODispatcher_CreatesWorkItemWhenNoneExists(t *testing.T) {
	f := newADOFixture(t)

	cfg := f.baseConfig()
	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}

	d := notification.NewADODispatcher(newTestResolver(), f.server.Client())
	outcome, err := d.Dispatch(context.Background(), rawCfg, notification.Context{
		Report: map[string]any{"crash_site": "crash.c:40"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != notification.OutcomeCreated {
		t.Fatalf("expected OutcomeCreated, got %v", outcome)
	}
	if f.createCalls != 1 {
		t.Fatalf("expected exactly one create PATCH call, got %d", f.createCalls)
	}
}
