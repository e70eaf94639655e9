package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_EmitsStructuredSchemaTaggedByComponent(t *testing.T) {
	dataDir := t.TempDir()
	logger, closer, err := NewLogger(dataDir, "scheduler", "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("tick complete", "job_id", "job-1", "tasks_scheduled", 3)

	logPath := filepath.Join(dataDir, "logs", "scheduler.jsonl")
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}

	required := []string{"timestamp", "level", "msg", "component", "job_id"}
	for _, key := range required {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "scheduler" {
		t.Fatalf("expected component=scheduler, got %#v", entry["component"])
	}
	if entry["job_id"] != "job-1" {
		t.Fatalf("expected job_id propagation, got %#v", entry["job_id"])
	}
}

func TestNewLogger_SeparatesSinksByComponent(t *testing.T) {
	dataDir := t.TempDir()

	schedLogger, schedCloser, err := NewLogger(dataDir, "scheduler", "info", true)
	if err != nil {
		t.Fatalf("new scheduler logger: %v", err)
	}
	defer schedCloser.Close()
	agentLogger, agentCloser, err := NewLogger(dataDir, "onefuzz-agent", "info", true)
	if err != nil {
		t.Fatalf("new agent logger: %v", err)
	}
	defer agentCloser.Close()

	schedLogger.Info("scheduler event")
	agentLogger.Info("agent event")

	if _, err := os.Stat(filepath.Join(dataDir, "logs", "scheduler.jsonl")); err != nil {
		t.Fatalf("expected scheduler.jsonl: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "logs", "onefuzz-agent.jsonl")); err != nil {
		t.Fatalf("expected onefuzz-agent.jsonl: %v", err)
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	dataDir := t.TempDir()
	logger, closer, err := NewLogger(dataDir, "webapi", "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	logPath := filepath.Join(dataDir, "logs", "webapi.jsonl")
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 {
		t.Fatalf("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
}

func TestRedactSecretPattern_MasksKeyValueSecrets(t *testing.T) {
	in := `connecting with token=sk_live_abcdefgh1234567890`
	out := redactSecretPattern(in)
	if strings.Contains(out, "abcdefgh1234567890") {
		t.Fatalf("expected secret value to be masked, got %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected [REDACTED] marker, got %q", out)
	}
}
