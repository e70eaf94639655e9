package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/microsoft/onefuzz/internal/store"
)

// TestUniqueReport_DedupesByFingerprint covers invariant 5: two reports
// sharing a fingerprint within the same project/build scope collapse into
// one record, with occurrence_count tracking the duplicates.
func TestUniqueReport_DedupesByFingerprint(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.FindUniqueReport(ctx, "proj", "build1", "sha-a", "func-a")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any report is seen, got %v", err)
	}

	first := &store.UniqueReport{
		Project: "proj", Build: "build1",
		MinimizedStackSHA256:              "sha-a",
		MinimizedStackFunctionLinesSHA256: "func-a",
		TaskID: "t1", JobID: "j1", ReportBlob: "{}",
	}
	if err := st.InsertUniqueReport(ctx, first); err != nil {
		t.Fatalf("insert unique report: %v", err)
	}
	if first.OccurrenceCount != 1 {
		t.Fatalf("expected a fresh unique report to start at occurrence 1, got %d", first.OccurrenceCount)
	}

	// A lookup with the identical fingerprint finds the existing report,
	// and recording the duplicate bumps its occurrence count.
	existing, err := st.FindUniqueReport(ctx, "proj", "build1", "sha-a", "func-a")
	if err != nil {
		t.Fatalf("find unique report: %v", err)
	}
	if err := st.BumpUniqueReportOccurrence(ctx, "proj", "build1", "sha-a", "func-a", existing.RowVer); err != nil {
		t.Fatalf("bump occurrence: %v", err)
	}

	bumped, err := st.FindUniqueReport(ctx, "proj", "build1", "sha-a", "func-a")
	if err != nil {
		t.Fatalf("find unique report after bump: %v", err)
	}
	if bumped.OccurrenceCount != 2 {
		t.Fatalf("expected occurrence_count 2 after one duplicate, got %d", bumped.OccurrenceCount)
	}

	// A different fingerprint in the same scope is a distinct unique report.
	other := &store.UniqueReport{
		Project: "proj", Build: "build1",
		MinimizedStackSHA256:              "sha-b",
		MinimizedStackFunctionLinesSHA256: "func-b",
		TaskID: "t2", JobID: "j1", ReportBlob: "{}",
	}
	if err := st.InsertUniqueReport(ctx, other); err != nil {
		t.Fatalf("insert second unique report: %v", err)
	}
}

func TestBumpUniqueReportOccurrence_StaleVersionConflicts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := &store.UniqueReport{
		Project: "proj", Build: "build1",
		MinimizedStackSHA256:              "sha-a",
		MinimizedStackFunctionLinesSHA256: "func-a",
		TaskID: "t1", JobID: "j1", ReportBlob: "{}",
	}
	if err := st.InsertUniqueReport(ctx, r); err != nil {
		t.Fatalf("insert unique report: %v", err)
	}

	if err := st.BumpUniqueReportOccurrence(ctx, "proj", "build1", "sha-a", "func-a", 99); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for a stale version, got %v", err)
	}
}
