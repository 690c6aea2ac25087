package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory Runtime used by tests across the module. Lifecycle
// calls flip container status; the *Err fields inject failures.
type Fake struct {
	mu         sync.Mutex
	containers map[string]Container
	calls      []string

	LogsOutput  string
	PullCount   int
	PullErr     error
	RecreateErr error
	ListErr     error
	StatsFunc   func(name string) (Stats, error)
}

func NewFake(containers ...Container) *Fake {
	f := &Fake{containers: make(map[string]Container)}
	for _, c := range containers {
		f.containers[c.Name] = c
	}
	return f
}

func (f *Fake) record(call string) {
	f.calls = append(f.calls, call)
}

// Calls returns the operations performed, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) List(_ context.Context) ([]Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	if f.ListErr != nil {
		return nil, newError("list", "", "", f.ListErr)
	}
	out := make([]Container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) setState(op, name, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(op + " " + name)
	c, ok := f.containers[name]
	if !ok {
		return notFound(op, name)
	}
	c.State = state
	c.Status = StatusFromState(state)
	f.containers[name] = c
	return nil
}

func (f *Fake) Start(_ context.Context, name string) error {
	return f.setState("start", name, "running")
}

func (f *Fake) Stop(_ context.Context, name string) error {
	return f.setState("stop", name, "exited")
}

func (f *Fake) Restart(_ context.Context, name string) error {
	return f.setState("restart", name, "running")
}

func (f *Fake) Logs(_ context.Context, name string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("logs %s %d", name, tail))
	if _, ok := f.containers[name]; !ok {
		return "", notFound("logs", name)
	}
	return f.LogsOutput, nil
}

func (f *Fake) Stats(_ context.Context, name string) (Stats, error) {
	f.mu.Lock()
	f.record("stats " + name)
	fn := f.StatsFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(name)
	}
	return Stats{Name: name}, nil
}

func (f *Fake) PullImages(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull")
	if f.PullErr != nil {
		return 0, newError("pull", "", "", f.PullErr)
	}
	if f.PullCount > 0 {
		return f.PullCount, nil
	}
	return len(f.containers), nil
}

func (f *Fake) Recreate(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("recreate")
	if f.RecreateErr != nil {
		return 0, newError("recreate", "", "", f.RecreateErr)
	}
	for name, c := range f.containers {
		c.State = "running"
		c.Status = StatusRunning
		f.containers[name] = c
	}
	return len(f.containers), nil
}
