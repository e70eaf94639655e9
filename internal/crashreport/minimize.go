package crashreport

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// defaultMinimizedStackDepth bounds the minimized call stack unless a
// container-level override is supplied.
const defaultMinimizedStackDepth = 10

// denylistPatterns match frames that are symbolizer/runtime internals or
// sanitizer trampolines rather than application code, and are dropped
// before minimization per spec.md §4.6 step 2.
var denylistPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^__asan_`),
	regexp.MustCompile(`^__sanitizer_`),
	regexp.MustCompile(`^__interceptor_`),
	regexp.MustCompile(`^_start$`),
	regexp.MustCompile(`^__libc_start_main`),
	regexp.MustCompile(`^RtlUserThreadStart`),
	regexp.MustCompile(`^BaseThreadInitThunk`),
}

// funcOffsetPattern extracts "function+offset" or "function" from a raw
// frame such as "#3 0x55a1 in foo(int)+0x12 crash.c:40".
var funcOffsetPattern = regexp.MustCompile(`in\s+([^\s+]+)(?:\+(0x[0-9a-fA-F]+))?`)

// MinimizeCallStack drops denylisted frames and truncates to depth,
// returning a platform-agnostic, deterministic slice of frame lines. Pure
// function: same input always yields the same output, so the round-trip
// property in spec.md §8 holds without any I/O.
func MinimizeCallStack(callStack []string, depth int) []string {
	if depth <= 0 {
		depth = defaultMinimizedStackDepth
	}
	out := make([]string, 0, depth)
	for _, frame := range callStack {
		if isDenylisted(frame) {
			continue
		}
		out = append(out, strings.TrimSpace(frame))
		if len(out) >= depth {
			break
		}
	}
	return out
}

func isDenylisted(frame string) bool {
	fn := extractFunctionName(frame)
	for _, p := range denylistPatterns {
		if p.MatchString(fn) {
			return true
		}
	}
	return false
}

func extractFunctionName(frame string) string {
	m := funcOffsetPattern.FindStringSubmatch(frame)
	if len(m) < 2 {
		return frame
	}
	return m[1]
}

// FunctionLines derives "function:offset" tokens from a minimized call
// stack (spec.md §4.6 step 2: "minimized_stack_function_lines").
func FunctionLines(minimizedStack []string) []string {
	out := make([]string, 0, len(minimizedStack))
	for _, frame := range minimizedStack {
		m := funcOffsetPattern.FindStringSubmatch(frame)
		if len(m) < 2 {
			out = append(out, frame)
			continue
		}
		offset := m[2]
		if offset == "" {
			offset = "0x0"
		}
		out = append(out, m[1]+":"+offset)
	}
	return out
}

// Fingerprint is the pair of content hashes that identifies a crash report
// fingerprint for dedup purposes (spec.md §4.6 step 3).
type Fingerprint struct {
	MinimizedStackSHA256               string
	MinimizedStackFunctionLinesSHA256  string
}

// ComputeFingerprint hashes the minimized stack and its function-lines
// projection independently, joining each with newlines before hashing so
// frame order participates in the digest.
func ComputeFingerprint(minimizedStack, functionLines []string) Fingerprint {
	return Fingerprint{
		MinimizedStackSHA256:              hashLines(minimizedStack),
		MinimizedStackFunctionLinesSHA256: hashLines(functionLines),
	}
}

func hashLines(lines []string) string {
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
