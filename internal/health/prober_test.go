package health

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

// fakeProcess implements probeProcess for testing.
type fakeProcess struct {
	waitCh  chan struct{}
	err     error
	killed  bool
}

func (p *fakeProcess) Wait() error {
	<-p.waitCh
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.killed = true
	select {
	case <-p.waitCh:
	default:
		close(p.waitCh)
	}
	return nil
}

// fakePipe is an io.ReadCloser backed by a fixed byte slice delivered
// after an optional delay, so tests can simulate slow or silent children
// without spawning a real process.
type fakePipe struct {
	data  []byte
	delay time.Duration
	sent  bool
}

func (p *fakePipe) Read(buf []byte) (int, error) {
	if !p.sent {
		if p.delay > 0 {
			time.Sleep(p.delay)
		}
		p.sent = true
		if len(p.data) == 0 {
			return 0, io.EOF
		}
		n := copy(buf, p.data)
		return n, nil
	}
	return 0, io.EOF
}

func (p *fakePipe) Close() error { return nil }

// fakeSpawner returns a Spawner that hands back canned stdout/stderr
// content and an exit outcome, without touching the real OS.
func fakeSpawner(stdout, stderr string, exitErr error, exitDelay time.Duration) Spawner {
	return func(ctx context.Context, agentBinary, prompt string) (probeProcess, io.ReadCloser, io.ReadCloser, error) {
		proc := &fakeProcess{waitCh: make(chan struct{}), err: exitErr}
		go func() {
			if exitDelay > 0 {
				select {
				case <-time.After(exitDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-proc.waitCh:
			default:
				close(proc.waitCh)
			}
		}()
		return proc, &fakePipe{data: []byte(stdout)}, &fakePipe{data: []byte(stderr)}, nil
	}
}

func TestProbeSucceedsOnReadyToken(t *testing.T) {
	p := NewProber(Config{
		AgentBinary: "fake",
		Timeout:     2 * time.Second,
		Spawn:       fakeSpawner("READY", "", nil, 0),
	})

	res := p.Probe(context.Background(), "req-1")
	if !res.Success {
		t.Fatalf("expected success, got failure: %+v", res)
	}
}

func TestProbeTimesOutWhenSilent(t *testing.T) {
	p := NewProber(Config{
		AgentBinary: "fake",
		Timeout:     100 * time.Millisecond,
		Spawn:       fakeSpawner("", "", nil, 5*time.Second),
	})

	start := time.Now()
	res := p.Probe(context.Background(), "req-2")
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.FailureKind != "timeout" {
		t.Errorf("FailureKind = %q, want timeout", res.FailureKind)
	}
	if elapsed > time.Second {
		t.Errorf("probe took too long: %v", elapsed)
	}
}

func TestProbeFailsOnEarlyExit(t *testing.T) {
	p := NewProber(Config{
		AgentBinary: "fake",
		Timeout:     2 * time.Second,
		Spawn:       fakeSpawner("boom", "", &exitCodeErrorLike{}, 0),
	})

	res := p.Probe(context.Background(), "req-3")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.FailureKind != "exit" {
		t.Errorf("FailureKind = %q, want exit", res.FailureKind)
	}
	if res.Diagnostic != "boom" {
		t.Errorf("Diagnostic = %q, want boom", res.Diagnostic)
	}
}

func TestProbeBypass(t *testing.T) {
	p := NewProber(Config{
		AgentBinary: "fake",
		Timeout:     time.Second,
		Skip:        true,
		Spawn:       fakeSpawner("unused", "", nil, 0),
	})

	res := p.Probe(context.Background(), "req-4")
	if !res.Success {
		t.Fatal("expected synthetic success when skipped")
	}
	if res.Duration != 0 {
		t.Errorf("Duration = %v, want 0 for skipped probe", res.Duration)
	}
}

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	p := NewProber(Config{
		AgentBinary: "fake",
		Timeout:     50 * time.Millisecond,
		Spawn:       fakeSpawner("", "", nil, 2*time.Second),
	})

	var lastKind string
	for i := 0; i < 5; i++ {
		res := p.Probe(context.Background(), "req-trip")
		lastKind = res.FailureKind
	}

	if lastKind != "circuit_open" {
		t.Errorf("expected breaker to trip after repeated failures, last kind = %q", lastKind)
	}
}

func TestTruncateDiagnostic(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 500)
	got := truncate(string(long), maxDiagnosticChars)
	if len(got) != maxDiagnosticChars {
		t.Errorf("len(got) = %d, want %d", len(got), maxDiagnosticChars)
	}
}

// exitCodeErrorLike stands in for exec.ExitError in tests: it is not an
// *exec.ExitError so errors.As won't match it, which is fine since this
// test only checks the diagnostic text, not the exit code plumbing (that
// path is exercised indirectly — a genuine *exec.ExitError only ever
// comes from the real ExecSpawner, out of scope for these fakes).
type exitCodeErrorLike struct{}

func (e *exitCodeErrorLike) Error() string { return "boom exit" }
