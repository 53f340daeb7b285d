package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// TaskProcess is the handle to a spawned task child — the seam for
// testing, the task-spawn analogue of the health package's probeProcess
// and the teacher's own Process interface in pool.go.
type TaskProcess interface {
	Wait() error
	// Terminate delivers the cooperative equivalent of SIGTERM. The
	// coordinator never escalates to SIGKILL; it relies on the child's
	// own close event to release the slot.
	Terminate() error
}

type execTaskProcess struct {
	cmd *exec.Cmd
}

func (p *execTaskProcess) Wait() error { return p.cmd.Wait() }

func (p *execTaskProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	// TOCTOU note: the child may exit naturally in the gap between the
	// deadline/heartbeat timer firing and this signal landing. That's
	// fine — signaling an already-exited process returns ESRCH, which is
	// harmless here because the close event (not this call) is what
	// finalizes the result.
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// TaskSpawner starts the task child with the prompt on stdin and the
// SWARM_* environment variables injected. The seam for testing — swap
// with a fake that drives canned output without touching the real OS.
type TaskSpawner func(ctx context.Context, agentBinary, prompt string, env []string) (TaskProcess, io.ReadCloser, io.ReadCloser, error)

// ExecTaskSpawner starts a real OS process via os/exec, in its own
// process group so terminal signals aimed at the coordinator don't
// propagate to the child, exactly like the teacher's ExecProcessStarter.
//
// Deliberately plain exec.Command, not exec.CommandContext(ctx, ...):
// CommandContext wires cmd.Cancel to kill the process the instant ctx is
// cancelled, which would SIGKILL the child the moment the coordinator's
// shutdown context fires, racing superviseLoop's own cooperative
// Terminate() call. Termination is by cooperative signal only (spec.md
// §4.4/§5); ctx is accepted for interface symmetry with other spawners
// but intentionally unused to start the process.
func ExecTaskSpawner(_ context.Context, agentBinary, prompt string, env []string) (TaskProcess, io.ReadCloser, io.ReadCloser, error) {
	parts := strings.Fields(agentBinary)
	if len(parts) == 0 {
		return nil, nil, nil, fmt.Errorf("empty agent binary command")
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(), env...)
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
		return nil, nil, nil, fmt.Errorf("starting task process: %w", err)
	}

	go func() {
		io.WriteString(stdin, prompt)
		stdin.Close()
	}()

	return &execTaskProcess{cmd: cmd}, stdout, stderr, nil
}
