// Package executor wraps the external backup and restore programs. The
// programs are opaque: they receive arguments and either succeed or fail.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/process"
)

// maxOutputTail bounds how much program output is kept on an Error.
const maxOutputTail = 4096

type Output struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs one external program to completion.
type Executor interface {
	Run(ctx context.Context, args ...string) (Output, error)
}

// Error reports a failed program run. ExitCode is -1 when the program never
// produced an exit status (not found, timed out, cancelled).
type Error struct {
	Program  string
	ExitCode int
	Output   string
	Err      error
}

func (e *Error) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("executor %s failed with exit code %d", e.Program, e.ExitCode)
	}
	return fmt.Sprintf("executor %s failed: %v", e.Program, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Script runs a program found at Path through a process.Runner.
type Script struct {
	Path   string
	Runner process.Runner
}

func NewScript(path string, runner process.Runner) *Script {
	return &Script{Path: path, Runner: runner}
}

func (s *Script) Run(ctx context.Context, args ...string) (Output, error) {
	if s.Path == "" {
		return Output{}, &Error{Program: "<unset>", ExitCode: -1, Err: errors.New("no program configured")}
	}
	start := time.Now()
	res, err := s.Runner.Run(ctx, s.Path, args...)
	out := Output{
		Stdout:   string(res.Stdout),
		Stderr:   string(res.Stderr),
		Duration: time.Since(start),
	}
	if err != nil {
		code := -1
		var exitErr *process.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.Code
		}
		return out, &Error{
			Program:  s.Path,
			ExitCode: code,
			Output:   tail(res.Combined(), maxOutputTail),
			Err:      err,
		}
	}
	return out, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, args ...string) (Output, error)

func (f Func) Run(ctx context.Context, args ...string) (Output, error) {
	return f(ctx, args...)
}
