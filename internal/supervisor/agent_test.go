package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/baiirun/swarmd/internal/health"
	"github.com/baiirun/swarmd/internal/shaper"
	"github.com/baiirun/swarmd/internal/spool"
	"github.com/baiirun/swarmd/internal/spoolproto"
)

// fakeTaskProcess is an in-memory TaskProcess: no real OS process is ever
// spawned, mirroring the health package's own fakeProcess.
type fakeTaskProcess struct {
	waitCh chan struct{}
	once   sync.Once
	err    error

	mu         sync.Mutex
	terminated bool
	stdoutW    *io.PipeWriter
	stderrW    *io.PipeWriter
}

func newFakeTaskProcess() *fakeTaskProcess {
	return &fakeTaskProcess{waitCh: make(chan struct{})}
}

func (p *fakeTaskProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.waitCh)
	})
}

func (p *fakeTaskProcess) Wait() error {
	<-p.waitCh
	return p.err
}

func (p *fakeTaskProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if p.stdoutW != nil {
		p.stdoutW.Close()
	}
	if p.stderrW != nil {
		p.stderrW.Close()
	}
	p.exit(nil)
	return nil
}

func (p *fakeTaskProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// fakeSpawner builds a TaskSpawner handing back proc's pipes and, if
// script is non-nil, driving them from a goroutine. The caller's script
// is responsible for closing both writers and calling proc.exit when it
// wants to simulate a natural process exit; tests that only exercise a
// coordinator-initiated kill (heartbeat/deadline) can pass a nil script
// and let Terminate tear the pipes down instead.
func fakeSpawner(proc *fakeTaskProcess, script func(stdoutW, stderrW *io.PipeWriter)) TaskSpawner {
	return func(ctx context.Context, agentBinary, prompt string, env []string) (TaskProcess, io.ReadCloser, io.ReadCloser, error) {
		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()
		proc.mu.Lock()
		proc.stdoutW = stdoutW
		proc.stderrW = stderrW
		proc.mu.Unlock()
		if script != nil {
			go script(stdoutW, stderrW)
		}
		return proc, stdoutR, stderrR, nil
	}
}

// recordingListener captures every Listener callback for assertions.
type recordingListener struct {
	mu sync.Mutex

	completed []string
	killed    []string
	errored   []string
	extended  int
	silenced  int
	healthBad int
}

func (l *recordingListener) AgentComplete(requestID string, durationMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, requestID)
}
func (l *recordingListener) AgentError(requestID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errored = append(l.errored, requestID)
}
func (l *recordingListener) AgentKilled(requestID string, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.killed = append(l.killed, reason)
}
func (l *recordingListener) TimeoutExtended(requestID string, newDeadline time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extended++
}
func (l *recordingListener) SilenceWarning(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.silenced++
}
func (l *recordingListener) HealthCheckFailed(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.healthBad++
}

func testDirs(t *testing.T) spool.Dirs {
	t.Helper()
	dirs := spool.NewDirs(t.TempDir())
	if err := dirs.EnsureAll(); err != nil {
		t.Fatalf("EnsureAll: %v", err)
	}
	return dirs
}

func relaxedSettings() Settings {
	return Settings{
		AgentBinary:            "fake-agent",
		HeartbeatCheckInterval: 20 * time.Millisecond,
		SilenceWarning:         10 * time.Second,
		HeartbeatTimeout:       10 * time.Second,
		ActivityWindow:         30 * time.Second,
		MinOutputBursts:        1,
		TimeoutExtension:       time.Second,
	}
}

func TestRunHappyPath(t *testing.T) {
	proc := newFakeTaskProcess()
	spawn := fakeSpawner(proc, func(stdoutW, stderrW *io.PipeWriter) {
		stdoutW.Write([]byte("working on it\n"))
		stdoutW.Close()
		stderrW.Close()
		proc.exit(nil)
	})

	prober := health.NewProber(health.Config{Skip: true})
	listener := &recordingListener{}

	sup := New(relaxedSettings(), testDirs(t), prober, spawn,
		shaper.DefaultClassifierConfig(), shaper.DefaultContextConfig(), listener, nil)

	req := spoolproto.Request{RequestID: "req-happy", Task: spoolproto.Task{Objective: "say hello"}}
	record := sup.Run(context.Background(), req)

	if record.Status != spoolproto.StatusSuccess {
		t.Fatalf("status = %q, want success", record.Status)
	}
	if record.ExitCode != 0 {
		t.Fatalf("exitCode = %d, want 0", record.ExitCode)
	}
	if record.Output == "" {
		t.Fatalf("expected captured stdout in output")
	}
	if len(listener.completed) != 1 {
		t.Fatalf("AgentComplete called %d times, want 1", len(listener.completed))
	}
}

func TestRunHealthCheckFailure(t *testing.T) {
	prober := health.NewProber(health.Config{
		AgentBinary: "definitely-not-a-real-binary-xyz",
		Timeout:     200 * time.Millisecond,
	})
	listener := &recordingListener{}

	sup := New(relaxedSettings(), testDirs(t), prober, nil,
		shaper.DefaultClassifierConfig(), shaper.DefaultContextConfig(), listener, nil)

	req := spoolproto.Request{RequestID: "req-badhealth", Task: spoolproto.Task{Objective: "never spawned"}}
	record := sup.Run(context.Background(), req)

	if record.Status != spoolproto.StatusFailed {
		t.Fatalf("status = %q, want failed", record.Status)
	}
	if record.FailureReason != spoolproto.ReasonHealthCheckFailed {
		t.Fatalf("failureReason = %q, want %q", record.FailureReason, spoolproto.ReasonHealthCheckFailed)
	}
	if listener.healthBad != 1 {
		t.Fatalf("HealthCheckFailed called %d times, want 1", listener.healthBad)
	}
}

func TestRunSpawnError(t *testing.T) {
	spawn := func(ctx context.Context, agentBinary, prompt string, env []string) (TaskProcess, io.ReadCloser, io.ReadCloser, error) {
		return nil, nil, nil, errors.New("fork/exec: permission denied")
	}

	prober := health.NewProber(health.Config{Skip: true})
	listener := &recordingListener{}

	sup := New(relaxedSettings(), testDirs(t), prober, spawn,
		shaper.DefaultClassifierConfig(), shaper.DefaultContextConfig(), listener, nil)

	req := spoolproto.Request{RequestID: "req-spawnfail", Task: spoolproto.Task{Objective: "irrelevant"}}
	record := sup.Run(context.Background(), req)

	if record.Status != spoolproto.StatusFailed {
		t.Fatalf("status = %q, want failed", record.Status)
	}
	if record.ExitCode != -1 {
		t.Fatalf("exitCode = %d, want -1", record.ExitCode)
	}
	if record.Output == "" {
		t.Fatalf("expected spawn error message in output")
	}
	if len(listener.errored) != 1 {
		t.Fatalf("AgentError called %d times, want 1", len(listener.errored))
	}
}

func TestRunHeartbeatKill(t *testing.T) {
	proc := newFakeTaskProcess()
	// No script: the process never writes anything and only exits once
	// Terminate is called by the heartbeat timer.
	spawn := fakeSpawner(proc, nil)

	settings := relaxedSettings()
	settings.HeartbeatCheckInterval = 15 * time.Millisecond
	settings.SilenceWarning = 30 * time.Millisecond
	settings.HeartbeatTimeout = 70 * time.Millisecond

	prober := health.NewProber(health.Config{Skip: true})
	listener := &recordingListener{}

	sup := New(settings, testDirs(t), prober, spawn,
		shaper.DefaultClassifierConfig(), shaper.DefaultContextConfig(), listener, nil)

	req := spoolproto.Request{RequestID: "req-silent", Task: spoolproto.Task{Objective: "sit quietly"}}

	done := make(chan spoolproto.ResultRecord, 1)
	go func() { done <- sup.Run(context.Background(), req) }()

	select {
	case record := <-done:
		if record.Status != spoolproto.StatusFailed {
			t.Fatalf("status = %q, want failed", record.Status)
		}
		if record.FailureReason != spoolproto.ReasonHeartbeatTimeout {
			t.Fatalf("failureReason = %q, want %q", record.FailureReason, spoolproto.ReasonHeartbeatTimeout)
		}
		if !proc.wasTerminated() {
			t.Fatalf("expected Terminate to have been called")
		}
		if len(listener.killed) != 1 || listener.killed[0] != string(spoolproto.ReasonHeartbeatTimeout) {
			t.Fatalf("AgentKilled = %v, want one HEARTBEAT_TIMEOUT", listener.killed)
		}
		if listener.silenced == 0 {
			t.Fatalf("expected at least one SilenceWarning before the kill")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within 2s of a silent agent")
	}
}

func TestRunProgressiveExtension(t *testing.T) {
	proc := newFakeTaskProcess()
	spawn := fakeSpawner(proc, func(stdoutW, stderrW *io.PipeWriter) {
		for i := 0; i < 8; i++ {
			time.Sleep(60 * time.Millisecond)
			stdoutW.Write([]byte("still working\n"))
		}
		stdoutW.Close()
		stderrW.Close()
		proc.exit(nil)
	})

	settings := relaxedSettings()
	settings.TimeoutExtension = 150 * time.Millisecond
	settings.ActivityWindow = 200 * time.Millisecond
	settings.MinOutputBursts = 1
	settings.HeartbeatCheckInterval = 20 * time.Millisecond

	classifyCfg := shaper.DefaultClassifierConfig()
	classifyCfg.SimpleInitialMs = 150
	classifyCfg.MaxDeadlineMs = 2000

	prober := health.NewProber(health.Config{Skip: true})
	listener := &recordingListener{}

	sup := New(settings, testDirs(t), prober, spawn,
		classifyCfg, shaper.DefaultContextConfig(), listener, nil)

	req := spoolproto.Request{RequestID: "req-chatty", Task: spoolproto.Task{Objective: "keep working steadily"}}

	done := make(chan spoolproto.ResultRecord, 1)
	go func() { done <- sup.Run(context.Background(), req) }()

	select {
	case record := <-done:
		if record.Status != spoolproto.StatusSuccess {
			t.Fatalf("status = %q, want success (output: %q)", record.Status, record.Output)
		}
		if record.Stats.ExtensionsApplied < 2 {
			t.Fatalf("extensionsApplied = %d, want >= 2", record.Stats.ExtensionsApplied)
		}
		if listener.extended < 2 {
			t.Fatalf("TimeoutExtended called %d times, want >= 2", listener.extended)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return within 3s of a chatty agent")
	}
}
