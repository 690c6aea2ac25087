// Package scheduler runs the periodic system-initiated tasks: a backup and a
// health sweep. Tasks go through the same entry points as operator requests
// and are attributed to the system identity.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/auth"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/backup"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/health"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/observability"
)

const (
	DefaultBackupInterval = 6 * time.Hour
	DefaultHealthInterval = 5 * time.Minute

	ActionHealthSweep = "health_sweep"
)

type BackupCreator interface {
	Create(ctx context.Context, actor auth.Identity) (backup.Artifact, error)
}

type HealthComputer interface {
	Compute(ctx context.Context) (health.Report, error)
}

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Config struct {
	BackupInterval time.Duration
	HealthInterval time.Duration
	Backups        BackupCreator
	Health         HealthComputer
	Audit          audit.Recorder
	Logger         *slog.Logger
}

type Scheduler struct {
	tasks []Task
	audit audit.Recorder
	log   *slog.Logger
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	s := &Scheduler{audit: cfg.Audit, log: logger}

	if cfg.Backups != nil {
		interval := cfg.BackupInterval
		if interval <= 0 {
			interval = DefaultBackupInterval
		}
		backups := cfg.Backups
		s.tasks = append(s.tasks, Task{
			Name:     "backup",
			Interval: interval,
			Run: func(ctx context.Context) error {
				art, err := backups.Create(ctx, auth.System())
				if err != nil {
					return err
				}
				s.log.Info("scheduled backup created", "name", art.Name, "size", art.Size)
				return nil
			},
		})
	}
	if cfg.Health != nil {
		interval := cfg.HealthInterval
		if interval <= 0 {
			interval = DefaultHealthInterval
		}
		s.tasks = append(s.tasks, Task{
			Name:     "health_sweep",
			Interval: interval,
			Run: func(ctx context.Context) error {
				return s.sweep(ctx, cfg.Health)
			},
		})
	}
	return s
}

func (s *Scheduler) Tasks() []Task {
	return append([]Task(nil), s.tasks...)
}

func (s *Scheduler) sweep(ctx context.Context, h HealthComputer) error {
	report, err := h.Compute(ctx)
	if err != nil {
		return err
	}
	sum := report.Summary
	if sum.Unhealthy == 0 {
		s.log.Info("health sweep", "total", sum.Total, "healthy", sum.Healthy)
		return nil
	}
	unhealthy := report.Unhealthy()
	s.log.Warn("health sweep found unhealthy services",
		"total", sum.Total, "healthy", sum.Healthy, "unhealthy", sum.Unhealthy, "services", unhealthy)
	audit.Emit(ctx, s.audit, s.log, audit.Event{
		Actor:  auth.SystemActor,
		Action: ActionHealthSweep,
		Details: map[string]any{
			"total":     sum.Total,
			"healthy":   sum.Healthy,
			"unhealthy": sum.Unhealthy,
			"services":  unhealthy,
		},
	})
	return nil
}

// Run starts every task on its own ticker and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, t)
		}()
	}
	s.log.Info("scheduler started", "tasks", len(s.tasks))
	wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx, t); err != nil {
				s.log.Error("scheduled task failed", "task", t.Name, "error", err)
			}
		}
	}
}

// RunOnce executes a task, converting a panic into an error.
func (s *Scheduler) RunOnce(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", "task", t.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	start := time.Now()
	err = t.Run(ctx)
	s.log.Debug("scheduled task finished", "task", t.Name, "duration", time.Since(start))
	return err
}
