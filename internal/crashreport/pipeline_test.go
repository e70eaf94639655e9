package crashreport_test

import (
	"encoding/json"
	"testing"

	"github.com/microsoft/onefuzz/internal/crashreport"
	"github.com/microsoft/onefuzz/internal/eventbus"
	"github.com/microsoft/onefuzz/internal/store"

	"context"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func marshalReport(t *testing.T, r crashreport.Report) []byte {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	return data
}

// TestIngest_DuplicateReportsProduceExactlyOneUniqueEvent covers invariant
// 5 at the pipeline level: two reports sharing a fingerprint collapse into
// one crash_reported publish, with the second recorded as a duplicate bump
// instead of a second unique record.
func TestIngest_DuplicateReportsProduceExactlyOneUniqueEvent(t *testing.T) {
	st := openTestStore(t)
	bus := eventbus.New()
	ctx := context.Background()

	sub := bus.Subscribe("crash_reported")
	defer bus.Unsubscribe(sub)

	pipeline := crashreport.New(st, bus, nil, 0)

	report := crashreport.Report{
		InputBlob: "blob1",
		Executable: "fuzz.exe",
		CrashType:  "heap-buffer-overflow",
		CrashSite:  "crash.c:40",
		CallStack:  []string{"#0 0x1 in fuzz_target(int)+0x12 crash.c:40"},
		TaskID:     "t1",
		JobID:      "j1",
		Project:    "proj",
		Build:      "build1",
	}
	if err := pipeline.Ingest(ctx, marshalReport(t, report)); err != nil {
		t.Fatalf("ingest first report: %v", err)
	}

	duplicate := report
	duplicate.TaskID = "t2"
	duplicate.InputBlob = "blob2"
	if err := pipeline.Ingest(ctx, marshalReport(t, duplicate)); err != nil {
		t.Fatalf("ingest duplicate report: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != "crash_reported" {
			t.Fatalf("expected a crash_reported event, got %s", ev.Topic)
		}
	default:
		t.Fatalf("expected exactly one crash_reported publish for the first sighting")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("expected no second crash_reported publish for a duplicate, got %+v", ev)
	default:
	}

	existing, err := st.FindUniqueReport(ctx, "proj", "build1",
		crashreport.ComputeFingerprint(
			crashreport.MinimizeCallStack(report.CallStack, 0),
			crashreport.FunctionLines(crashreport.MinimizeCallStack(report.CallStack, 0)),
		).MinimizedStackSHA256,
		crashreport.ComputeFingerprint(
			crashreport.MinimizeCallStack(report.CallStack, 0),
			crashreport.FunctionLines(crashreport.MinimizeCallStack(report.CallStack, 0)),
		).MinimizedStackFunctionLinesSHA256,
	)
	if err != nil {
		t.Fatalf("find unique report: %v", err)
	}
	if existing.OccurrenceCount != 2 {
		t.Fatalf("expected occurrence_count 2 after one duplicate, got %d", existing.OccurrenceCount)
	}
}

// TestIngest_DistinctCallStacksProduceSeparateUniqueReports ensures the
// dedup key is the fingerprint, not just the project/build scope.
func TestIngest_DistinctCallStacksProduceSeparateUniqueReports(t *testing.T) {
	st := openTestStore(t)
	pipeline := crashreport.New(st, nil, nil, 0)
	ctx := context.Background()

	base := crashreport.Report{
		InputBlob: "blob1", Executable: "fuzz.exe", CrashType: "heap-buffer-overflow",
		CrashSite: "crash.c:40", TaskID: "t1", JobID: "j1", Project: "proj", Build: "build1",
	}

	first := base
	first.CallStack = []string{"#0 0x1 in func_a(int)+0x1 a.c:1"}
	if err := pipeline.Ingest(ctx, marshalReport(t, first)); err != nil {
		t.Fatalf("ingest first report: %v", err)
	}

	second := base
	second.TaskID = "t2"
	second.CallStack = []string{"#0 0x1 in func_b(int)+0x1 b.c:1"}
	if err := pipeline.Ingest(ctx, marshalReport(t, second)); err != nil {
		t.Fatalf("ingest second report: %v", err)
	}

	fp1 := crashreport.ComputeFingerprint(
		crashreport.MinimizeCallStack(first.CallStack, 0),
		crashreport.FunctionLines(crashreport.MinimizeCallStack(first.CallStack, 0)),
	)
	fp2 := crashreport.ComputeFingerprint(
		crashreport.MinimizeCallStack(second.CallStack, 0),
		crashreport.FunctionLines(crashreport.MinimizeCallStack(second.CallStack, 0)),
	)

	r1, err := st.FindUniqueReport(ctx, "proj", "build1", fp1.MinimizedStackSHA256, fp1.MinimizedStackFunctionLinesSHA256)
	if err != nil {
		t.Fatalf("find first unique report: %v", err)
	}
	r2, err := st.FindUniqueReport(ctx, "proj", "build1", fp2.MinimizedStackSHA256, fp2.MinimizedStackFunctionLinesSHA256)
	if err != nil {
		t.Fatalf("find second unique report: %v", err)
	}
	if r1.TaskID == r2.TaskID {
		t.Fatalf("expected distinct call stacks to produce distinct unique reports, both attributed to %s", r1.TaskID)
	}
}

func TestIngest_RejectsMalformedReport(t *testing.T) {
	st := openTestStore(t)
	pipeline := crashreport.New(st, nil, nil, 0)
	ctx := context.Background()

	err := pipeline.Ingest(ctx, []byte(`{"executable":"fuzz.exe"}`))
	if err == nil {
		t.Fatalf("expected an error for a report missing required fields")
	}
}
