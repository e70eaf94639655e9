package crashreport_test

import (
	"strings"
	"testing"

	"github.com/microsoft/onefuzz/internal/crashreport"
)

func sampleCallStack() []string {
	return []string{
		"#0 0x55a1 in __asan_report_error+0x4 asan_rtl.c:10",
		"#1 0x55a2 in fuzz_target(int)+0x12 crash.c:40",
		"#2 0x55a3 in LLVMFuzzerTestOneInput+0x8 fuzz.c:5",
		"#3 0x55a4 in main+0x1 main.c:1",
		"#4 0x55a5 in __libc_start_main+0x20 libc.c:1",
	}
}

// TestMinimizeCallStack_DropsDenylistedFrames covers spec.md §4.6 step 2:
// symbolizer/runtime internals are stripped before minimization.
func TestMinimizeCallStack_DropsDenylistedFrames(t *testing.T) {
	minimized := crashreport.MinimizeCallStack(sampleCallStack(), 10)
	for _, frame := range minimized {
		if strings.Contains(frame, "__asan_report_error") || strings.Contains(frame, "__libc_start_main") {
			t.Fatalf("expected denylisted frames to be dropped, got %q in %v", frame, minimized)
		}
	}
	if len(minimized) != 3 {
		t.Fatalf("expected 3 surviving frames, got %d: %v", len(minimized), minimized)
	}
}

func TestMinimizeCallStack_TruncatesToDepth(t *testing.T) {
	stack := sampleCallStack()
	minimized := crashreport.MinimizeCallStack(stack, 2)
	if len(minimized) != 2 {
		t.Fatalf("expected truncation to depth 2, got %d: %v", len(minimized), minimized)
	}
}

func TestMinimizeCallStack_ZeroDepthUsesDefault(t *testing.T) {
	var stack []string
	for i := 0; i < 20; i++ {
		stack = append(stack, "#0 0x1 in some_func(int)+0x1 f.c:1")
	}
	minimized := crashreport.MinimizeCallStack(stack, 0)
	if len(minimized) != 10 {
		t.Fatalf("expected default depth of 10, got %d", len(minimized))
	}
}

// TestComputeFingerprint_IsStableAndDeterministic covers the round-trip
// law in spec.md §8: identical input always yields the identical
// fingerprint, and differing input yields a different one.
func TestComputeFingerprint_IsStableAndDeterministic(t *testing.T) {
	stack := sampleCallStack()
	minimized := crashreport.MinimizeCallStack(stack, 10)
	lines := crashreport.FunctionLines(minimized)

	fp1 := crashreport.ComputeFingerprint(minimized, lines)
	fp2 := crashreport.ComputeFingerprint(minimized, lines)
	if fp1 != fp2 {
		t.Fatalf("expected identical input to produce the same fingerprint, got %+v vs %+v", fp1, fp2)
	}

	otherStack := []string{"#0 0x1 in totally_different(int)+0x1 f.c:1"}
	otherMinimized := crashreport.MinimizeCallStack(otherStack, 10)
	otherLines := crashreport.FunctionLines(otherMinimized)
	fp3 := crashreport.ComputeFingerprint(otherMinimized, otherLines)
	if fp1 == fp3 {
		t.Fatalf("expected a different call stack to produce a different fingerprint")
	}
}

func TestFunctionLines_ExtractsFunctionAndOffset(t *testing.T) {
	minimized := []string{"#1 0x55a2 in fuzz_target(int)+0x12 crash.c:40"}
	lines := crashreport.FunctionLines(minimized)
	if len(lines) != 1 || lines[0] != "fuzz_target(int):0x12" {
		t.Fatalf("unexpected function lines: %v", lines)
	}
}
