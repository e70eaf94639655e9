// Command onefuzz-agent is a minimal reference client for the node agent
// protocol (spec.md §4.3): it registers a node, then loops heartbeating
// and polling for commands. It stands in for the real in-VM supervisor
// that launches libFuzzer/AFL++/Radamsa processes, which spec.md places
// out of scope for the core scheduling engine.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/microsoft/onefuzz/internal/telemetry"
)

type client struct {
	baseURL   string
	apiKey    string
	http      *http.Client
	machineID string
	logger    *slog.Logger
}

func (c *client) post(ctx context.Context, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *client) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

type registerResponse struct {
	WorkQueueURL string `json:"work_queue_url"`
	CommandURL   string `json:"command_url"`
	EventURL     string `json:"event_url"`
}

type pendingCommandResponse struct {
	MessageID int64 `json:"message_id"`
	Command   struct {
		Kind      string `json:"kind"`
		TaskID    string `json:"task_id,omitempty"`
		PublicKey string `json:"public_key,omitempty"`
	} `json:"command"`
}

func (c *client) register(ctx context.Context, poolName, scalesetID, version string) error {
	var resp registerResponse
	status, err := c.post(ctx, "/api/agent_registration", map[string]string{
		"machine_id":  c.machineID,
		"pool_name":   poolName,
		"scaleset_id": scalesetID,
		"version":     version,
	}, &resp)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("register: unexpected status %d", status)
	}
	c.logger.Info("registered", "machine_id", c.machineID, "command_url", resp.CommandURL)
	return nil
}

func (c *client) heartbeat(ctx context.Context, state string) error {
	status, err := c.post(ctx, "/api/agent_heartbeat", map[string]string{
		"machine_id": c.machineID,
		"state":      state,
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("heartbeat: unexpected status %d", status)
	}
	return nil
}

func (c *client) pollCommand(ctx context.Context) (*pendingCommandResponse, error) {
	var resp pendingCommandResponse
	status, err := c.get(ctx, "/api/agent_commands?machine_id="+c.machineID, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("poll command: unexpected status %d", status)
	}
	return &resp, nil
}

func (c *client) ackCommand(ctx context.Context, messageID int64) error {
	status, err := c.post(ctx, "/api/agent_commands/ack", map[string]any{
		"machine_id": c.machineID,
		"message_id": messageID,
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("ack command: unexpected status %d", status)
	}
	return nil
}

func (c *client) reportDone(ctx context.Context, taskID string, exitSuccess bool) error {
	status, err := c.post(ctx, "/api/agent_events", map[string]any{
		"machine_id": c.machineID,
		"done": map[string]any{
			"task_id":      taskID,
			"exit_success": exitSuccess,
		},
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("report done: unexpected status %d", status)
	}
	return nil
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "onefuzz-service base URL")
	apiKey := flag.String("key", os.Getenv("ONEFUZZ_MACHINE_KEY"), "machine registration secret")
	machineID := flag.String("machine-id", "", "this node's machine id (default: random)")
	poolName := flag.String("pool", "", "pool name to join")
	scalesetID := flag.String("scaleset-id", "", "owning scaleset id, if any")
	heartbeatInterval := flag.Duration("heartbeat-interval", 30*time.Second, "heartbeat send interval")
	pollInterval := flag.Duration("poll-interval", 5*time.Second, "command poll interval")
	dataDir := flag.String("data-dir", ".", "directory for logs and other on-disk state")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger, logCloser, err := telemetry.NewLogger(*dataDir, "onefuzz-agent", *logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if *machineID == "" {
		host, _ := os.Hostname()
		*machineID = fmt.Sprintf("%s-%d", host, time.Now().UnixNano())
	}
	if *poolName == "" {
		logger.Error("-pool is required")
		os.Exit(1)
	}

	c := &client{
		baseURL:   *baseURL,
		apiKey:    *apiKey,
		http:      &http.Client{Timeout: 30 * time.Second},
		machineID: *machineID,
		logger:    logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.register(ctx, *poolName, *scalesetID, "0.1.0"); err != nil {
		logger.Error("register failed", "error", err)
		os.Exit(1)
	}

	heartbeatTicker := time.NewTicker(*heartbeatInterval)
	defer heartbeatTicker.Stop()
	pollTicker := time.NewTicker(*pollInterval)
	defer pollTicker.Stop()

	if err := c.heartbeat(ctx, "ready"); err != nil {
		logger.Warn("initial heartbeat failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-heartbeatTicker.C:
			if err := c.heartbeat(ctx, "ready"); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		case <-pollTicker.C:
			cmd, err := c.pollCommand(ctx)
			if err != nil {
				logger.Warn("poll command failed", "error", err)
				continue
			}
			if cmd == nil {
				continue
			}
			logger.Info("received command", "kind", cmd.Command.Kind, "task_id", cmd.Command.TaskID)
			switch cmd.Command.Kind {
			case "stop", "stop_task":
				if cmd.Command.TaskID != "" {
					if err := c.reportDone(ctx, cmd.Command.TaskID, true); err != nil {
						logger.Warn("report done failed", "error", err)
					}
				}
			}
			if err := c.ackCommand(ctx, cmd.MessageID); err != nil {
				logger.Warn("ack command failed", "error", err)
			}
		}
	}
}
