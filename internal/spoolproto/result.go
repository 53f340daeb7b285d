package spoolproto

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the terminal outcome of a supervised agent.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// FailureReason tags why a failed Result Record ended the way it did.
type FailureReason string

const (
	ReasonHealthCheckFailed FailureReason = "HEALTH_CHECK_FAILED"
	ReasonProgressiveTimeout FailureReason = "PROGRESSIVE_TIMEOUT"
	ReasonHeartbeatTimeout  FailureReason = "HEARTBEAT_TIMEOUT"
	ReasonShutdown          FailureReason = "SHUTDOWN"
)

// MaxOutputChars is the cap on the Result Record's output field.
const MaxOutputChars = 50_000

// ContextLoadedSentinel is the literal token an agent is instructed to
// emit on stdout once it has read its side context file in lazy mode.
// Shared between the Shaper's prompt text and the supervisor's
// output-chunk scanner so the two agree on one string.
const ContextLoadedSentinel = "SWARM_CONTEXT_LOADED"

// Stats is the statistics sub-record of a Result Record.
type Stats struct {
	HealthCheckMs     int64  `json:"healthCheckMs"`
	StartupLatencyMs  *int64 `json:"startupLatencyMs"`
	ComplexityClass   string `json:"complexityClass"`
	ExtensionsApplied int    `json:"extensionsApplied"`
	OutputBursts      int    `json:"outputBursts"`
	UsedLazyLoading   bool   `json:"usedLazyLoading"`
	ContextLoadedFromFile bool `json:"contextLoadedFromFile"`
}

// ResultRecord is the outbound JSON document written once per accepted
// request to results/{requestId}.json.
type ResultRecord struct {
	RequestID     string        `json:"requestId"`
	Status        Status        `json:"status"`
	Output        string        `json:"output"`
	DurationMs    int64         `json:"durationMs"`
	ExitCode      int           `json:"exitCode"`
	FailureReason FailureReason `json:"failureReason,omitempty"`
	Stats         Stats         `json:"stats"`
	CompletedAt   string        `json:"completedAt"`
}

// TruncateOutput caps s at MaxOutputChars characters (runes), no end-marker.
func TruncateOutput(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxOutputChars {
		return s
	}
	return string(runes[:MaxOutputChars])
}

// WriteResult marshals and writes a Result Record to
// {dir}/{record.RequestID}.json. The write need not be atomic per spec,
// but a temp-file-then-rename is used anyway since it's nearly free, so a
// reader of results/ never sees a half-written record.
func WriteResult(dir string, record ResultRecord) error {
	if record.CompletedAt == "" {
		record.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	}
	record.Output = TruncateOutput(record.Output)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result record: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating results directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, filepath.Base(record.RequestID)+".json")

	tmp, err := os.CreateTemp(dir, ".result-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing result record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming result record into place: %w", err)
	}

	return nil
}
