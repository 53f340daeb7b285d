// Package health implements the short-lived probe that verifies an agent
// binary can start and emit a token within a tight deadline, converting
// the dead-on-arrival case from a full task deadline's waste into a
// fixed short one.
package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// ReadyToken is the exact string the probe prompt asks the agent binary
// to emit, and nothing else.
const ReadyToken = "READY"

// maxDiagnosticChars caps the amount of stderr/stdout captured from a
// child that exited before emitting the ready token.
const maxDiagnosticChars = 200

// Result is the outcome of a single probe attempt.
type Result struct {
	Success       bool
	Duration      time.Duration
	FailureKind   string // "timeout", "exit", "circuit_open", ""
	Diagnostic    string
	ExitCode      int
	CorrelationID string
}

// probeProcess is the handle to a spawned probe child — the seam for
// testing, mirroring the supervisor's own TaskProcess interface so a fake can
// stand in without touching the real OS.
type probeProcess interface {
	Wait() error
	Kill() error
}

type execProbeProcess struct {
	cmd *exec.Cmd
}

func (p *execProbeProcess) Wait() error { return p.cmd.Wait() }
func (p *execProbeProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Spawner starts the probe child and returns its handle plus readable
// stdout/stderr streams. The seam for testing — swap with a fake that
// writes a canned sequence of chunks without spawning a real process.
type Spawner func(ctx context.Context, agentBinary, prompt string) (probeProcess, io.ReadCloser, io.ReadCloser, error)

// ExecSpawner starts a real OS process via os/exec, in its own process
// group so terminal signals aimed at the coordinator don't propagate to
// the probe child.
func ExecSpawner(ctx context.Context, agentBinary, prompt string) (probeProcess, io.ReadCloser, io.ReadCloser, error) {
	parts := strings.Fields(agentBinary)
	if len(parts) == 0 {
		return nil, nil, nil, fmt.Errorf("empty agent binary command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("starting probe process: %w", err)
	}

	go func() {
		io.WriteString(stdin, prompt)
		stdin.Close()
	}()

	return &execProbeProcess{cmd: cmd}, stdout, stderr, nil
}

// Prober runs the health-check protocol, optionally bypassed, and wraps
// repeated infrastructure-level failures in a circuit breaker so the
// coordinator stops wasting the fixed probe budget on every incoming
// request during an outage.
type Prober struct {
	agentBinary string
	timeout     time.Duration
	skip        bool
	spawn       Spawner
	breaker     *gobreaker.CircuitBreaker
	log         *slog.Logger

	onStateChange func(from, to gobreaker.State)
}

// Config configures a Prober.
type Config struct {
	AgentBinary string
	Timeout     time.Duration
	Skip        bool
	Spawn       Spawner
	Logger      *slog.Logger

	// OnBreakerStateChange, if set, is called whenever the circuit
	// breaker transitions, in addition to the Warn-level log line. Used
	// by the coordinator to update a Prometheus gauge.
	OnBreakerStateChange func(from, to gobreaker.State)
}

// NewProber builds a Prober with its circuit breaker tripping after 3
// consecutive infrastructure-level failures.
func NewProber(cfg Config) *Prober {
	if cfg.Spawn == nil {
		cfg.Spawn = ExecSpawner
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Prober{
		agentBinary:   cfg.AgentBinary,
		timeout:       cfg.Timeout,
		skip:          cfg.Skip,
		spawn:         cfg.Spawn,
		log:           cfg.Logger,
		onStateChange: cfg.OnBreakerStateChange,
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "health-prober",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn("health: circuit breaker state change", "breaker", name, "from", from, "to", to)
			if p.onStateChange != nil {
				p.onStateChange(from, to)
			}
		},
	})

	return p
}

// Probe runs the health-check protocol once, synchronously, blocking the
// supervisor's admission of the main task on its result.
func (p *Prober) Probe(ctx context.Context, requestID string) Result {
	correlationID := uuid.Must(uuid.NewV7()).String()

	if p.skip {
		return Result{Success: true, CorrelationID: correlationID}
	}

	out, err := p.breaker.Execute(func() (any, error) {
		res := p.probeOnce(ctx, requestID, correlationID)
		if !res.Success {
			return res, fmt.Errorf("probe failed: %s", res.FailureKind)
		}
		return res, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{
				Success:       false,
				FailureKind:   "circuit_open",
				Diagnostic:    fmt.Sprintf("circuit open: %v", err),
				ExitCode:      -1,
				CorrelationID: correlationID,
			}
		}
		// A genuine probe failure: the breaker still returns the typed
		// Result value alongside the error, so recover it.
		if res, ok := out.(Result); ok {
			return res
		}
		return Result{Success: false, FailureKind: "exit", Diagnostic: err.Error(), ExitCode: -1, CorrelationID: correlationID}
	}

	res, _ := out.(Result)
	return res
}

func (p *Prober) probeOnce(ctx context.Context, requestID, correlationID string) Result {
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	prompt := fmt.Sprintf("Reply with exactly the single token %s and nothing else.", ReadyToken)

	proc, stdout, stderr, err := p.spawn(probeCtx, p.agentBinary, prompt)
	if err != nil {
		return Result{
			Success:       false,
			Duration:      time.Since(start),
			FailureKind:   "exit",
			Diagnostic:    truncate(err.Error(), maxDiagnosticChars),
			ExitCode:      -1,
			CorrelationID: correlationID,
		}
	}

	var captured bytes.Buffer
	var mu sync.Mutex
	readyCh := make(chan struct{})
	var once sync.Once
	var scanners sync.WaitGroup
	scanners.Add(2)

	scan := func(r io.ReadCloser) {
		defer scanners.Done()
		defer r.Close()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				mu.Lock()
				captured.Write(buf[:n])
				found := bytes.Contains(captured.Bytes(), []byte(ReadyToken))
				mu.Unlock()
				if found {
					once.Do(func() { close(readyCh) })
				}
			}
			if err != nil {
				return
			}
		}
	}

	go scan(stdout)
	go scan(stderr)

	// Both streams are drained before Wait, so the exit case below sees
	// everything the child wrote.
	exitCh := make(chan error, 1)
	go func() {
		scanners.Wait()
		exitCh <- proc.Wait()
	}()

	select {
	case <-readyCh:
		p.log.Debug("health: probe ready", "requestId", requestID, "correlationId", correlationID, "duration", time.Since(start))
		_ = proc.Kill()
		return Result{Success: true, Duration: time.Since(start), CorrelationID: correlationID}

	case err := <-exitCh:
		mu.Lock()
		diag := truncate(captured.String(), maxDiagnosticChars)
		mu.Unlock()
		if bytes.Contains([]byte(diag), []byte(ReadyToken)) {
			return Result{Success: true, Duration: time.Since(start), CorrelationID: correlationID}
		}
		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			exitCode = -1
		}
		return Result{
			Success:       false,
			Duration:      time.Since(start),
			FailureKind:   "exit",
			Diagnostic:    diag,
			ExitCode:      exitCode,
			CorrelationID: correlationID,
		}

	case <-probeCtx.Done():
		_ = proc.Kill()
		mu.Lock()
		diag := truncate(captured.String(), maxDiagnosticChars)
		mu.Unlock()
		return Result{
			Success:       false,
			Duration:      time.Since(start),
			FailureKind:   "timeout",
			Diagnostic:    diag,
			ExitCode:      -1,
			CorrelationID: correlationID,
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
