// Package process runs external commands synchronously with a bounded
// lifetime. The container runtime adapter and the backup executors both
// go through a Runner so tests can substitute a fake.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a command outlives its deadline.
var ErrTimeout = errors.New("process timed out")

// Result holds what a finished command produced.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	if len(r.Stderr) == 0 {
		return string(r.Stdout)
	}
	if len(r.Stdout) == 0 {
		return string(r.Stderr)
	}
	return string(r.Stdout) + string(r.Stderr)
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Name, e.Code, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
}

// Runner executes a command and blocks until it finishes. A non-nil error
// is returned together with whatever output was captured.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Dir is the working directory; empty means the current one.
	Dir string
	// Timeout bounds every call; zero leaves only the caller's context.
	Timeout time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

func NewExecRunner(dir string, timeout time.Duration) *ExecRunner {
	return &ExecRunner{Dir: dir, Timeout: timeout}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	// Scripts may leave children holding the pipes open after the kill.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", name, ErrTimeout)
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", name, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{
			Name:   name,
			Code:   res.ExitCode,
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	res.ExitCode = -1
	return res, fmt.Errorf("start %s: %w", name, err)
}
