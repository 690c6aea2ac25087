// Package runtime describes the container runtime capability the control
// plane depends on and provides a Docker CLI backed implementation.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the named container does not exist.
var ErrNotFound = errors.New("container not found")

type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusOther   Status = "other"
)

// StatusFromState maps a raw runtime state onto the three statuses the
// control plane reasons about.
func StatusFromState(state string) Status {
	switch state {
	case "running":
		return StatusRunning
	case "exited", "created", "dead":
		return StatusStopped
	default:
		return StatusOther
	}
}

// Container is a managed service as reported by the runtime.
type Container struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	State     string    `json:"state"`
	Image     string    `json:"image"`
	Ports     []string  `json:"ports"`
	CreatedAt time.Time `json:"created"`
}

type Stats struct {
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   string  `json:"memory_usage"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Runtime is the set of primitives the orchestrator and health aggregator
// need. Implementations block until the runtime call completes.
type Runtime interface {
	List(ctx context.Context) ([]Container, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Logs(ctx context.Context, name string, tail int) (string, error)
	Stats(ctx context.Context, name string) (Stats, error)
	// PullImages fetches the latest image of every managed service and
	// reports how many were pulled.
	PullImages(ctx context.Context) (int, error)
	// Recreate recreates every managed service from its current image and
	// reports how many containers were recreated.
	Recreate(ctx context.Context) (int, error)
}

// Error is a failed runtime call.
type Error struct {
	Op     string
	Target string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := "runtime " + e.Op
	if e.Target != "" {
		msg += " " + e.Target
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op, target, output string, err error) *Error {
	return &Error{Op: op, Target: target, Output: output, Err: err}
}

func notFound(op, target string) *Error {
	return newError(op, target, "", fmt.Errorf("%s: %w", target, ErrNotFound))
}
