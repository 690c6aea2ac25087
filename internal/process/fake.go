package process

import (
	"context"
	"strings"
	"sync"
)

// Call records a single FakeRunner invocation.
type Call struct {
	Name string
	Args []string
}

// Line renders the call as a shell-like string for assertions.
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// FakeRunner delegates to RunFunc and records every call.
type FakeRunner struct {
	RunFunc func(ctx context.Context, name string, args ...string) (Result, error)

	mu    sync.Mutex
	calls []Call
}

func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	f.mu.Unlock()
	if f.RunFunc == nil {
		return Result{}, nil
	}
	return f.RunFunc(ctx, name, args...)
}

// Calls returns a copy of the recorded calls.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}
