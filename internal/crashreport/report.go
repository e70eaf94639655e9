// Package crashreport implements the crash report ingestion pipeline (C6):
// parse raw agent output, compute a deterministic fingerprint, dedup
// against prior reports for the same job/project/build, and fire the
// downstream crash_reported event the notification dispatcher (C7) and
// webhook delivery subscribe to. No regression_reported event is published.
package crashreport

import (
	"encoding/json"
	"fmt"
)

// Report is the raw crash record an agent uploads (spec.md §4.6).
type Report struct {
	InputBlob string   `json:"input_blob"`
	Executable string  `json:"executable"`
	CrashType string   `json:"crash_type"`
	CrashSite string   `json:"crash_site"`
	CallStack []string `json:"call_stack"`
	ASanLog   string   `json:"asan_log,omitempty"`
	TaskID    string   `json:"task_id"`
	JobID     string   `json:"job_id"`
	Project   string   `json:"project"`
	Build     string   `json:"build"`
}

// ParseReport decodes a raw JSON report, validating the required fields
// spec.md §4.6 step 1 names.
func ParseReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	var missing []string
	for name, v := range map[string]string{
		"input_blob": r.InputBlob,
		"executable": r.Executable,
		"crash_type": r.CrashType,
		"crash_site": r.CrashSite,
		"task_id":    r.TaskID,
		"job_id":     r.JobID,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(r.CallStack) == 0 {
		missing = append(missing, "call_stack")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("parse report: missing required fields: %v", missing)
	}
	return &r, nil
}
