// Package fleet translates operator requests into container runtime calls
// and records every state-changing call in the audit log.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/auth"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/observability"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/runtime"
)

var (
	ErrInvalidAction = errors.New("invalid service action")
	ErrInvalidName   = errors.New("invalid service name")
	ErrNotBridge     = errors.New("service is not a bridge")
)

type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionStart, ActionStop, ActionRestart:
		return Action(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

const (
	ActionUpdateSuccess = "update_success"
	ActionUpdateFailed  = "update_failed"
	ActionBridgeRestart = "bridge_restart"

	DefaultLogLines = 100
	MaxLogLines     = 10000
	metricsSample   = 5
)

var bridgeMarkers = []string{"signal-bridge", "whatsapp-bridge", "discord-bridge"}

func IsBridge(name string) bool {
	for _, m := range bridgeMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

type UpdateReport struct {
	Pulled    int `json:"pulled"`
	Recreated int `json:"recreated"`
}

type ContainerCounts struct {
	Running int `json:"running"`
	Total   int `json:"total"`
}

type ContainerMetrics struct {
	Containers ContainerCounts `json:"containers"`
	Stats      []runtime.Stats `json:"stats"`
}

type Config struct {
	Runtime runtime.Runtime
	Audit   audit.Recorder
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type Orchestrator struct {
	rt      runtime.Runtime
	audit   audit.Recorder
	log     *slog.Logger
	metrics *observability.Metrics
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("container runtime is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	return &Orchestrator{rt: cfg.Runtime, audit: cfg.Audit, log: logger, metrics: cfg.Metrics}, nil
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" || strings.HasPrefix(name, "-") || strings.ContainsAny(name, "/ \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// List returns every container, running or not.
func (o *Orchestrator) List(ctx context.Context) ([]runtime.Container, error) {
	containers, err := o.rt.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return containers, nil
}

// Control applies a lifecycle action to one container. Unknown actions are
// rejected without reaching the runtime.
func (o *Orchestrator) Control(ctx context.Context, actor auth.Identity, action, name string) error {
	act, err := ParseAction(action)
	if err != nil {
		o.log.Warn("rejected service action", "action", action, "service", name, "actor", actor.Actor())
		return err
	}
	if err := validName(name); err != nil {
		return err
	}

	start := time.Now()
	switch act {
	case ActionStart:
		err = o.rt.Start(ctx, name)
	case ActionStop:
		err = o.rt.Stop(ctx, name)
	case ActionRestart:
		err = o.rt.Restart(ctx, name)
	}
	o.finish(ctx, actor, "service_"+string(act), map[string]any{"service": name}, err, start)
	if err != nil {
		return fmt.Errorf("%s %s: %w", act, name, err)
	}
	return nil
}

// BulkUpdate pulls every image and then recreates every service. The
// recreate phase never runs when the pull phase fails. A recreate failure
// may leave some services recreated and others not.
func (o *Orchestrator) BulkUpdate(ctx context.Context, actor auth.Identity) (UpdateReport, error) {
	start := time.Now()
	var report UpdateReport
	// A half-finished update is worse than a late one; the runner timeout
	// still bounds each phase.
	ctx = context.WithoutCancel(ctx)

	pulled, err := o.rt.PullImages(ctx)
	if err != nil {
		o.log.Error("image pull failed", "actor", actor.Actor(), "error", err)
		o.metrics.ObserveOperation("fleet", "update", audit.ResultFailed, time.Since(start))
		audit.Emit(ctx, o.audit, o.log, audit.Event{
			Actor:   actor.Actor(),
			Action:  ActionUpdateFailed,
			Details: map[string]any{"phase": "pull", "error": err.Error()},
			Result:  audit.ResultFailed,
		})
		return report, fmt.Errorf("pull images: %w", err)
	}
	report.Pulled = pulled

	recreated, err := o.rt.Recreate(ctx)
	if err != nil {
		o.log.Error("recreate failed after pull", "actor", actor.Actor(), "pulled", pulled, "error", err)
		o.metrics.ObserveOperation("fleet", "update", audit.ResultFailed, time.Since(start))
		audit.Emit(ctx, o.audit, o.log, audit.Event{
			Actor:   actor.Actor(),
			Action:  ActionUpdateFailed,
			Details: map[string]any{"phase": "recreate", "error": err.Error(), "pulled": pulled},
			Result:  audit.ResultFailed,
		})
		return report, fmt.Errorf("recreate services: %w", err)
	}
	report.Recreated = recreated

	o.log.Info("services updated", "actor", actor.Actor(), "pulled", pulled, "recreated", recreated, "duration", time.Since(start))
	o.metrics.ObserveOperation("fleet", "update", audit.ResultSuccess, time.Since(start))
	audit.Emit(ctx, o.audit, o.log, audit.Event{
		Actor:   actor.Actor(),
		Action:  ActionUpdateSuccess,
		Details: map[string]any{"pulled": pulled, "recreated": recreated},
		Result:  audit.ResultSuccess,
	})
	return report, nil
}

// Logs returns the last lines of combined output. Non-positive counts use
// DefaultLogLines; counts above MaxLogLines are clamped.
func (o *Orchestrator) Logs(ctx context.Context, name string, lines int) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = DefaultLogLines
	}
	if lines > MaxLogLines {
		lines = MaxLogLines
	}
	out, err := o.rt.Logs(ctx, name, lines)
	if err != nil {
		return "", fmt.Errorf("logs %s: %w", name, err)
	}
	return out, nil
}

// ContainerMetrics counts containers and samples resource usage of the
// first few. Per-container sampling failures are dropped.
func (o *Orchestrator) ContainerMetrics(ctx context.Context) (ContainerMetrics, error) {
	containers, err := o.List(ctx)
	if err != nil {
		return ContainerMetrics{}, err
	}
	out := ContainerMetrics{Containers: ContainerCounts{Total: len(containers)}}
	for _, c := range containers {
		if c.Status == runtime.StatusRunning {
			out.Containers.Running++
		}
	}

	sample := containers
	if len(sample) > metricsSample {
		sample = sample[:metricsSample]
	}
	results := make([]*runtime.Stats, len(sample))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range sample {
		g.Go(func() error {
			s, err := o.rt.Stats(gctx, c.Name)
			if err != nil {
				o.log.Debug("container stats unavailable", "service", c.Name, "error", err)
				return nil
			}
			results[i] = &s
			return nil
		})
	}
	_ = g.Wait()

	out.Stats = make([]runtime.Stats, 0, len(results))
	for _, s := range results {
		if s != nil {
			out.Stats = append(out.Stats, *s)
		}
	}
	return out, nil
}

// Bridges returns the containers running chat bridges.
func (o *Orchestrator) Bridges(ctx context.Context) ([]runtime.Container, error) {
	containers, err := o.List(ctx)
	if err != nil {
		return nil, err
	}
	bridges := make([]runtime.Container, 0)
	for _, c := range containers {
		if IsBridge(c.Name) {
			bridges = append(bridges, c)
		}
	}
	return bridges, nil
}

func (o *Orchestrator) RestartBridge(ctx context.Context, actor auth.Identity, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if !IsBridge(name) {
		return fmt.Errorf("%w: %q", ErrNotBridge, name)
	}
	start := time.Now()
	err := o.rt.Restart(ctx, name)
	o.finish(ctx, actor, ActionBridgeRestart, map[string]any{"bridge": name}, err, start)
	if err != nil {
		return fmt.Errorf("restart bridge %s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, actor auth.Identity, action string, details map[string]any, err error, start time.Time) {
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailed
		if errors.Is(err, runtime.ErrNotFound) {
			result = audit.ResultNotFound
		}
		details["error"] = err.Error()
		o.log.Error("service action failed", "action", action, "actor", actor.Actor(), "error", err)
	} else {
		o.log.Info("service action", "action", action, "actor", actor.Actor(), "details", details)
	}
	o.metrics.ObserveOperation("fleet", action, result, time.Since(start))
	audit.Emit(ctx, o.audit, o.log, audit.Event{
		Actor:   actor.Actor(),
		Action:  action,
		Details: details,
		Result:  result,
	})
}
