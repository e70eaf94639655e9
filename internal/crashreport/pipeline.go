package crashreport

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/microsoft/onefuzz/internal/eventbus"
	"github.com/microsoft/onefuzz/internal/store"
)

// Pipeline ingests Reports uploaded by agents, computing a fingerprint and
// deduplicating against the unique-reports table before firing downstream
// events.
type Pipeline struct {
	store  *store.Store
	bus    *eventbus.Bus
	logger *slog.Logger
	depth  int
}

// New creates a Pipeline. depth overrides the default minimized stack
// depth (0 uses the default).
func New(st *store.Store, bus *eventbus.Bus, logger *slog.Logger, depth int) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: st, bus: bus, logger: logger, depth: depth}
}

// Run subscribes to blob-added notifications and ingests each as a report
// until ctx is cancelled. Intended to be launched in its own goroutine by
// the caller.
func (p *Pipeline) Run(ctx context.Context) {
	sub := p.bus.Subscribe(eventbus.TopicReportAdded)
	defer p.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			raw, ok := ev.Payload.([]byte)
			if !ok {
				p.logger.Warn("crashreport: blob-added event had non-[]byte payload")
				continue
			}
			if err := p.Ingest(ctx, raw); err != nil {
				p.logger.Error("crashreport: ingest failed", "error", err)
			}
		}
	}
}

// Ingest parses, minimizes, fingerprints, and dedups a single report
// (spec.md §4.6 steps 1-5). The ASanLog field is not parsed: a malformed
// ASAN log neither fails Ingest nor demotes the report to a no-repro
// record.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte) error {
	r, err := ParseReport(raw)
	if err != nil {
		return err
	}

	minimized := MinimizeCallStack(r.CallStack, p.depth)
	functionLines := FunctionLines(minimized)
	fp := ComputeFingerprint(minimized, functionLines)

	existing, err := p.store.FindUniqueReport(ctx, r.Project, r.Build, fp.MinimizedStackSHA256, fp.MinimizedStackFunctionLinesSHA256)
	if err == nil {
		if bumpErr := p.store.BumpUniqueReportOccurrence(ctx, r.Project, r.Build, fp.MinimizedStackSHA256, fp.MinimizedStackFunctionLinesSHA256, existing.RowVer); bumpErr != nil {
			return bumpErr
		}
		p.logger.Info("crashreport: duplicate", "task_id", r.TaskID, "job_id", r.JobID, "occurrences", existing.OccurrenceCount+1)
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}

	blob, marshalErr := marshalBlob(r, minimized, functionLines)
	if marshalErr != nil {
		return marshalErr
	}

	record := &store.UniqueReport{
		Project:                           r.Project,
		Build:                             r.Build,
		MinimizedStackSHA256:              fp.MinimizedStackSHA256,
		MinimizedStackFunctionLinesSHA256: fp.MinimizedStackFunctionLinesSHA256,
		TaskID:                            r.TaskID,
		JobID:                             r.JobID,
		ReportBlob:                        blob,
	}
	if err := p.store.InsertUniqueReport(ctx, record); err != nil {
		return err
	}

	// A first-ever sighting of this fingerprint is always crash_reported;
	// distinguishing a true regression (this bug was previously fixed and
	// has now resurfaced in a later build) needs a closed/fixed disposition
	// the unique-reports table does not yet track, so that distinction is
	// deferred (see DESIGN.md).
	if p.bus != nil {
		p.bus.Publish("crash_reported", map[string]string{"task_id": r.TaskID, "job_id": r.JobID})
	}
	p.logger.Info("crashreport: new unique report", "task_id", r.TaskID, "job_id", r.JobID)
	return nil
}

func marshalBlob(r *Report, minimized, functionLines []string) (string, error) {
	type blob struct {
		Report
		MinimizedStack        []string `json:"minimized_stack"`
		MinimizedFunctionLines []string `json:"minimized_stack_function_lines"`
	}
	b := blob{Report: *r, MinimizedStack: minimized, MinimizedFunctionLines: functionLines}
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
