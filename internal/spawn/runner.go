package spawn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/spawnstep/internal/log"
	"github.com/mattjoyce/spawnstep/internal/protocol"
)

// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
const terminationGracePeriod = 5 * time.Second

// pipeWaitDelay bounds how long Wait keeps reading stdout/stderr after the
// child has exited, in case a process outside its group still holds them.
const pipeWaitDelay = 2 * time.Second

// Result is the raw outcome of a process that ran to completion.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner executes invocations one at a time, blocking until the child exits.
type Runner struct {
	logger *slog.Logger
	grace  time.Duration
}

// NewRunner creates a Runner. A nil logger uses the component logger.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = log.WithComponent("spawn")
	}
	return &Runner{logger: logger, grace: terminationGracePeriod}
}

// Run executes inv and decodes its stdout per format.
// Every unsuccessful outcome is returned as a *Failure.
func (r *Runner) Run(ctx context.Context, inv Invocation, format protocol.StdoutFormat) (any, error) {
	res, err := r.Execute(ctx, inv)
	if err != nil {
		return nil, err
	}

	if res.ExitCode != 0 {
		code := res.ExitCode
		r.logger.Warn("command exited with non-zero status", "command", inv.Command, "exit_code", code)
		return nil, &Failure{
			Kind:     KindNonZeroExit,
			Err:      fmt.Errorf("exit status %d", code),
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: &code,
		}
	}

	value, err := protocol.DecodeStdout(format, res.Stdout)
	if err != nil {
		code := res.ExitCode
		r.logger.Error("failed to decode command output", "command", inv.Command, "error", err, "stdout", string(res.Stdout))
		return nil, &Failure{
			Kind:     KindDecodeFailure,
			Err:      err,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: &code,
		}
	}
	return value, nil
}

// Execute spawns exactly one process for inv and waits for it to exit.
// A returned Result always has a real exit code; spawn problems, signal
// termination, deadlines and cancellation come back as *Failure.
func (r *Runner) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Err != nil {
		return nil, &Failure{Kind: KindSpawnFailure, Err: inv.Err}
	}
	if inv.Command == "" {
		return nil, &Failure{Kind: KindSpawnFailure, Err: errors.New("command is empty")}
	}

	// Args are handed to the OS as a list; nothing is interpreted by a shell.
	cmd := exec.Command(inv.Command, inv.Args...)
	cmd.Env = inv.Environ()
	cmd.Dir = inv.Dir
	if inv.HasStdin {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = pipeWaitDelay
	setupProcessGroup(cmd)

	r.logger.Debug("spawning command", "command", inv.Command, "args", len(inv.Args), "dir", inv.Dir, "stdin_bytes", len(inv.Stdin), "timeout", inv.Timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.logger.Warn("failed to start command", "command", inv.Command, "error", err)
		return nil, &Failure{Kind: KindSpawnFailure, Err: fmt.Errorf("start process: %w", err)}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	// A nil channel never fires, so no timeout means wait forever.
	var deadline <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-deadline:
		r.logger.Warn("command timed out, sending SIGTERM", "command", inv.Command, "timeout", inv.Timeout)
		r.terminate(cmd, waitErr)
		return nil, &Failure{
			Kind:    KindTimeout,
			Err:     context.DeadlineExceeded,
			Stdout:  stdout.Bytes(),
			Stderr:  stderr.Bytes(),
			Timeout: inv.Timeout,
		}

	case <-ctx.Done():
		r.logger.Warn("run cancelled, sending SIGTERM", "command", inv.Command)
		r.terminate(cmd, waitErr)
		return nil, &Failure{
			Kind:   KindTimeout,
			Err:    ctx.Err(),
			Stdout: stdout.Bytes(),
			Stderr: stderr.Bytes(),
		}

	case err := <-waitErr:
		res := &Result{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Duration: time.Since(start),
		}
		if err == nil {
			return res, nil
		}
		// The child exited cleanly but something it left behind kept the
		// output pipes open; what was captured before the cutoff stands.
		if errors.Is(err, exec.ErrWaitDelay) {
			r.logger.Warn("command left output pipes open after exit", "command", inv.Command, "wait_delay", pipeWaitDelay)
			return res, nil
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &Failure{Kind: KindSpawnFailure, Err: fmt.Errorf("wait for process: %w", err), Stdout: res.Stdout, Stderr: res.Stderr}
		}
		// ExitCode is -1 when the process was killed by a signal.
		if exitErr.ExitCode() < 0 {
			r.logger.Warn("command terminated without exit status", "command", inv.Command, "state", exitErr.String())
			return nil, &Failure{Kind: KindSpawnFailure, Err: fmt.Errorf("process terminated: %s", exitErr.String()), Stdout: res.Stdout, Stderr: res.Stderr}
		}
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
}

// terminate sends SIGTERM to the child's process group, waits the grace
// period, then SIGKILLs the group. It returns once the child has been reaped.
func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		r.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		r.logger.Info("command exited after SIGTERM")
	case <-grace.C:
		r.logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			r.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}
