package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/baiirun/swarmd/internal/spoolproto"
)

// streamLog is an append-only, best-effort text log for one agent,
// generalized from the teacher's openLogFile (one JSONL file per task)
// to one annotated text file per agent. Write errors are swallowed —
// losing observability data must never take down a running agent.
type streamLog struct {
	f   *os.File
	log *slog.Logger
}

func logFilePath(logDir, requestID string) string {
	return filepath.Join(logDir, filepath.Base(requestID)+".log")
}

// openStreamLog creates the log directory if needed and opens the log
// file for appending, owner-only (0600) since agent stdout may contain
// sensitive data.
func openStreamLog(logDir, requestID string, log *slog.Logger) (*streamLog, error) {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", logDir, err)
	}
	path := logFilePath(logDir, requestID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening stream log %s: %w", path, err)
	}
	return &streamLog{f: f, log: log}, nil
}

func (s *streamLog) writeString(str string) {
	if s == nil || s.f == nil {
		return
	}
	if _, err := s.f.WriteString(str); err != nil {
		s.log.Warn("streamlog: write failed, continuing without it", "error", err)
	}
}

// WriteHeader is written once the child has been spawned, before any of
// its output is appended.
func (s *streamLog) WriteHeader(req spoolproto.Request, correlationID, nickname string) {
	s.writeString(fmt.Sprintf("[COORDINATOR] session start requestId=%s nickname=%s correlationId=%s agentRole=%s at=%s\n",
		req.RequestID, nickname, correlationID, req.AgentRole, time.Now().UTC().Format(time.RFC3339)))
}

// Append writes a raw stdout/stderr chunk verbatim.
func (s *streamLog) Append(chunk []byte) {
	if s == nil || s.f == nil {
		return
	}
	if _, err := s.f.Write(chunk); err != nil {
		s.log.Warn("streamlog: append failed, continuing without it", "error", err)
	}
}

// Annotate interleaves a coordinator-authored note inline.
func (s *streamLog) Annotate(msg string) {
	s.writeString(fmt.Sprintf("\n[COORDINATOR %s]\n", msg))
}

// AnnotateWarning interleaves a coordinator warning note inline.
func (s *streamLog) AnnotateWarning(msg string) {
	s.writeString(fmt.Sprintf("\n[COORDINATOR WARNING %s]\n", msg))
}

// WriteFooter is written after the child's close event.
func (s *streamLog) WriteFooter(record spoolproto.ResultRecord) {
	s.writeString(fmt.Sprintf("\n[COORDINATOR] session end status=%s exitCode=%d durationMs=%d at=%s\n",
		record.Status, record.ExitCode, record.DurationMs, record.CompletedAt))
}

func (s *streamLog) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	return s.f.Close()
}
