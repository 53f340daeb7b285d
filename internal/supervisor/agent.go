// Package supervisor implements the per-agent state machine: builds the
// prompt, spawns the task child, drives the three concurrent timers
// (deadline, heartbeat, progress), streams output, decides on extensions
// and terminations, and writes the final result record.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/baiirun/swarmd/internal/health"
	"github.com/baiirun/swarmd/internal/shaper"
	"github.com/baiirun/swarmd/internal/spool"
	"github.com/baiirun/swarmd/internal/spoolproto"
)

// maxTranscriptBytes bounds the in-memory output transcript kept across
// the agent's lifetime, independent of the final truncation applied to
// the Result Record's output field.
const maxTranscriptBytes = 256 * 1024

// extensionMargin is the "not close to expiry" short-circuit
// in the extension check: no extension is considered unless remaining
// budget has dropped to this or below.
const extensionMargin = 30 * time.Second

// Settings are the tunable knobs driving the state machine, sourced from
// configuration.
type Settings struct {
	AgentBinary            string
	HeartbeatCheckInterval time.Duration
	SilenceWarning         time.Duration
	HeartbeatTimeout       time.Duration
	ActivityWindow         time.Duration
	MinOutputBursts        int
	TimeoutExtension       time.Duration
	EnableStreamLog        bool
}

// Supervisor owns the full per-agent lifecycle for requests handed to it
// by the coordinator, from health probe through result-record write.
type Supervisor struct {
	settings     Settings
	dirs         spool.Dirs
	prober       *health.Prober
	spawn        TaskSpawner
	classifyCfg  shaper.ClassifierConfig
	contextCfg   shaper.ContextConfig
	nicknames    *spoolproto.NicknameGenerator
	listener     Listener
	log          *slog.Logger
}

// New builds a Supervisor.
func New(settings Settings, dirs spool.Dirs, prober *health.Prober, spawn TaskSpawner,
	classifyCfg shaper.ClassifierConfig, contextCfg shaper.ContextConfig,
	listener Listener, log *slog.Logger) *Supervisor {
	if spawn == nil {
		spawn = ExecTaskSpawner
	}
	if listener == nil {
		listener = NoopListener{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		settings:    settings,
		dirs:        dirs,
		prober:      prober,
		spawn:       spawn,
		classifyCfg: classifyCfg,
		contextCfg:  contextCfg,
		nicknames:   spoolproto.NewNicknameGenerator(),
		listener:    listener,
		log:         log,
	}
}

// ioEvent funnels stdout, stderr, and the eventual process exit through a
// single channel, the Go realization of "output-line channel" carrying
// both data and the terminal close signal.
type ioEvent struct {
	stream  string // "stdout" or "stderr"
	data    []byte
	isClose bool
	waitErr error
}

// agentContext is the in-memory state owned exclusively by Run's own
// serial event loop.
type agentContext struct {
	req             spoolproto.Request
	start           time.Time
	firstOutput     *time.Time
	lastHeartbeat   time.Time
	deadline        time.Duration
	maxDeadline     time.Duration
	extensionsApplied int
	silenceWarned     bool
	contextLoadedFromFile bool
	usedLazyLoading       bool

	classification shaper.Classification
	bursts         *burstLog
	transcript     bytes.Buffer
	outputBursts   int
	log            *slog.Logger
}

func (a *agentContext) showingProgress(now time.Time, activityWindow time.Duration, minBursts int) bool {
	if now.Sub(a.lastHeartbeat) > activityWindow {
		return false
	}
	return a.bursts.CountSince(now.Add(-activityWindow)) >= minBursts
}

// Run drives one request through health probe, spawn, supervision, and
// result-record write, blocking until the Result Record has been written.
// The coordinator runs this in its own goroutine per admitted request.
func (s *Supervisor) Run(ctx context.Context, req spoolproto.Request) spoolproto.ResultRecord {
	probeResult := s.prober.Probe(ctx, req.RequestID)
	if !probeResult.Success {
		s.listener.HealthCheckFailed(req.RequestID)
		record := spoolproto.ResultRecord{
			RequestID:     req.RequestID,
			Status:        spoolproto.StatusFailed,
			Output:        probeResult.Diagnostic,
			DurationMs:    probeResult.Duration.Milliseconds(),
			ExitCode:      probeResult.ExitCode,
			FailureReason: spoolproto.ReasonHealthCheckFailed,
			Stats: spoolproto.Stats{
				HealthCheckMs: probeResult.Duration.Milliseconds(),
			},
		}
		s.writeResult(record)
		return record
	}

	classification := shaper.Classify(req, s.classifyCfg)
	analysis := shaper.Analyze(req, s.contextCfg)

	var spillPath string
	if analysis.Mode == shaper.ModeLazy {
		path, err := shaper.WriteSpillContext(s.dirs.Context, req)
		if err != nil {
			s.log.Error("supervisor: writing side context failed, falling back to inline", "requestId", req.RequestID, "error", err)
			analysis.Mode = shaper.ModeInline
		} else {
			spillPath = path
		}
	}

	prompt := shaper.BuildPrompt(req, analysis, spillPath, s.contextCfg)

	env := []string{
		"SWARM_REQUEST_ID=" + req.RequestID,
		"SWARM_PARENT_ID=" + req.ParentRequestID,
		"SWARM_AGENT_ROLE=" + req.AgentRole,
		"SWARM_CONTEXT_FILE=" + spillPath,
		"SWARM_CONTEXT_MODE=" + string(analysis.Mode),
	}

	nickname := s.nicknames.Generate()
	defer s.nicknames.Release(nickname)
	log := s.log.With("requestId", req.RequestID, "nickname", nickname)

	spawnStart := time.Now()
	proc, stdout, stderr, err := s.spawn(ctx, s.settings.AgentBinary, prompt, env)
	if err != nil {
		record := spoolproto.ResultRecord{
			RequestID:  req.RequestID,
			Status:     spoolproto.StatusFailed,
			Output:     err.Error(),
			DurationMs: time.Since(spawnStart).Milliseconds(),
			ExitCode:   -1,
			Stats: spoolproto.Stats{
				HealthCheckMs:   probeResult.Duration.Milliseconds(),
				ComplexityClass: string(classification.Class),
				UsedLazyLoading: analysis.Mode == shaper.ModeLazy,
			},
		}
		s.listener.AgentError(req.RequestID, err)
		s.writeResult(record)
		return record
	}

	var streamLogger *streamLog
	correlationID := uuid.Must(uuid.NewV7()).String()
	if s.settings.EnableStreamLog {
		streamLogger, err = openStreamLog(s.dirs.Logs, req.RequestID, log)
		if err != nil {
			log.Warn("supervisor: opening stream log failed, continuing without it", "error", err)
		} else {
			streamLogger.WriteHeader(req, correlationID, nickname)
		}
	}

	agent := &agentContext{
		req:            req,
		start:          time.Now(),
		lastHeartbeat:  time.Now(),
		deadline:       time.Duration(classification.InitialDeadlineMs) * time.Millisecond,
		maxDeadline:    time.Duration(classification.MaxDeadlineMs) * time.Millisecond,
		classification: classification,
		bursts:         newBurstLog(),
		usedLazyLoading: analysis.Mode == shaper.ModeLazy,
		log:            log,
	}

	record := s.superviseLoop(ctx, agent, proc, stdout, stderr, streamLogger)
	record.Stats.HealthCheckMs = probeResult.Duration.Milliseconds()
	record.Stats.ComplexityClass = string(classification.Class)
	record.Stats.UsedLazyLoading = agent.usedLazyLoading
	record.Stats.ContextLoadedFromFile = agent.contextLoadedFromFile

	s.writeResult(record)
	if streamLogger != nil {
		streamLogger.WriteFooter(record)
		streamLogger.Close()
	}

	switch record.Status {
	case spoolproto.StatusSuccess:
		s.listener.AgentComplete(req.RequestID, record.DurationMs)
	default:
		s.listener.AgentKilled(req.RequestID, string(record.FailureReason))
	}

	return record
}

func (s *Supervisor) writeResult(record spoolproto.ResultRecord) {
	if err := spoolproto.WriteResult(s.dirs.Results, record); err != nil {
		s.log.Error("supervisor: writing result record failed", "requestId", record.RequestID, "error", err)
	}
}

func pumpReader(r io.ReadCloser, stream string, out chan<- ioEvent, done chan<- struct{}) {
	defer close(done)
	defer r.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- ioEvent{stream: stream, data: chunk}
		}
		if err != nil {
			return
		}
	}
}

// superviseLoop is the single serialized event handler owning the
// agentContext for its entire life: one select over the deadline timer,
// heartbeat ticker, progress ticker, and the output/close channel.
func (s *Supervisor) superviseLoop(ctx context.Context, agent *agentContext, proc TaskProcess,
	stdout, stderr io.ReadCloser, sl *streamLog) spoolproto.ResultRecord {

	events := make(chan ioEvent)
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})

	go pumpReader(stdout, "stdout", events, stdoutDone)
	go pumpReader(stderr, "stderr", events, stderrDone)

	go func() {
		<-stdoutDone
		<-stderrDone
		waitErr := proc.Wait()
		events <- ioEvent{isClose: true, waitErr: waitErr}
	}()

	deadlineTimer := time.NewTimer(agent.deadline)
	defer deadlineTimer.Stop()
	heartbeatTicker := time.NewTicker(s.settings.HeartbeatCheckInterval)
	defer heartbeatTicker.Stop()
	progressTicker := time.NewTicker(s.settings.HeartbeatCheckInterval)
	defer progressTicker.Stop()

	var pendingReason spoolproto.FailureReason

	// doneCh is nulled out after its first fire so the ctx.Done() arm
	// only ever triggers Terminate() once; a cancelled context's Done()
	// channel stays permanently ready, and leaving the case live would
	// busy-spin this select calling Terminate() on every iteration until
	// the child's close event finally arrives.
	doneCh := ctx.Done()

	for {
		select {
		case <-doneCh:
			doneCh = nil
			_ = proc.Terminate()
			if pendingReason == "" {
				pendingReason = spoolproto.ReasonShutdown
			}

		case ev := <-events:
			if ev.isClose {
				return s.finalize(agent, ev.waitErr, pendingReason, sl)
			}

			now := time.Now()
			agent.lastHeartbeat = now
			agent.silenceWarned = false

			if ev.stream == "stdout" {
				if agent.firstOutput == nil {
					t := now
					agent.firstOutput = &t
				}
				agent.bursts.Push(now, len(ev.data))
				agent.outputBursts++
				if agent.transcript.Len() < maxTranscriptBytes {
					agent.transcript.Write(ev.data)
				}
				if !agent.contextLoadedFromFile && bytes.Contains(ev.data, []byte(spoolproto.ContextLoadedSentinel)) {
					agent.contextLoadedFromFile = true
				}
			}

			if sl != nil {
				sl.Append(ev.data)
			}

			if ev.stream == "stdout" {
				s.checkExtension(agent, deadlineTimer, sl)
			}

		case <-heartbeatTicker.C:
			now := time.Now()
			silence := now.Sub(agent.lastHeartbeat)
			if silence > s.settings.SilenceWarning && !agent.silenceWarned {
				agent.silenceWarned = true
				s.listener.SilenceWarning(agent.req.RequestID)
				if sl != nil {
					sl.AnnotateWarning(fmt.Sprintf("no output for %s", silence.Round(time.Second)))
				}
			}
			if silence > s.settings.HeartbeatTimeout && !agent.showingProgress(now, s.settings.ActivityWindow, s.settings.MinOutputBursts) {
				_ = proc.Terminate()
				if pendingReason == "" {
					pendingReason = spoolproto.ReasonHeartbeatTimeout
				}
			}

		case <-progressTicker.C:
			now := time.Now()
			elapsed := now.Sub(agent.start)
			remaining := agent.deadline - elapsed
			silence := now.Sub(agent.lastHeartbeat)
			agent.log.Debug("supervisor: progress tick", "elapsed", elapsed, "remaining", remaining, "silence", silence)
			if silence > extensionMargin && remaining < 45*time.Second && sl != nil {
				sl.AnnotateWarning(fmt.Sprintf("silence %s with only %s remaining on deadline", silence.Round(time.Second), remaining.Round(time.Second)))
			}

		case <-deadlineTimer.C:
			_ = proc.Terminate()
			if pendingReason == "" {
				pendingReason = spoolproto.ReasonProgressiveTimeout
			}
		}
	}
}

// checkExtension implements the extension check: invoked on every stdout
// chunk, it grants a deadline extension when the agent is showing
// progress and neither short-circuit applies.
func (s *Supervisor) checkExtension(agent *agentContext, deadlineTimer *time.Timer, sl *streamLog) {
	now := time.Now()
	elapsed := now.Sub(agent.start)
	remaining := agent.deadline - elapsed

	if remaining > extensionMargin {
		return
	}
	if elapsed >= agent.maxDeadline {
		return
	}
	if !agent.showingProgress(now, s.settings.ActivityWindow, s.settings.MinOutputBursts) {
		return
	}

	newDeadline := agent.deadline + s.settings.TimeoutExtension
	if newDeadline > agent.maxDeadline {
		newDeadline = agent.maxDeadline
	}
	agent.deadline = newDeadline
	agent.extensionsApplied++

	if !deadlineTimer.Stop() {
		select {
		case <-deadlineTimer.C:
		default:
		}
	}
	deadlineTimer.Reset(agent.deadline - elapsed)

	if sl != nil {
		sl.Annotate(fmt.Sprintf("deadline extended to %s (extension #%d)", agent.deadline, agent.extensionsApplied))
	}
	s.listener.TimeoutExtended(agent.req.RequestID, agent.deadline)
}

// finalize computes the terminal ResultRecord once the close event has
// arrived. The close event is the single point of truth for
// deallocation: whichever termination path (deadline, heartbeat,
// shutdown, or a plain natural exit) ran first only recorded a pending
// reason, never wrote the record directly.
func (s *Supervisor) finalize(agent *agentContext, waitErr error, pendingReason spoolproto.FailureReason, sl *streamLog) spoolproto.ResultRecord {
	durationMs := time.Since(agent.start).Milliseconds()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(waitErr, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	status := spoolproto.StatusSuccess
	failureReason := spoolproto.FailureReason("")

	switch {
	case pendingReason != "":
		status = spoolproto.StatusFailed
		failureReason = pendingReason
	case exitCode != 0:
		status = spoolproto.StatusFailed
	}

	var startupLatencyMs *int64
	if agent.firstOutput != nil {
		v := agent.firstOutput.Sub(agent.start).Milliseconds()
		startupLatencyMs = &v
	}

	output := agent.transcript.String()

	return spoolproto.ResultRecord{
		RequestID:     agent.req.RequestID,
		Status:        status,
		Output:        output,
		DurationMs:    durationMs,
		ExitCode:      exitCode,
		FailureReason: failureReason,
		Stats: spoolproto.Stats{
			StartupLatencyMs:  startupLatencyMs,
			ExtensionsApplied: agent.extensionsApplied,
			OutputBursts:      agent.outputBursts,
		},
	}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
