// Package backup manages backup artifacts under a fixed root directory.
// Copying and restoring data is delegated to external executors; this
// package owns naming, listing, removal, mutual exclusion and auditing.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/auth"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/executor"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/observability"
)

var (
	ErrNotFound    = errors.New("backup not found")
	ErrInvalidName = errors.New("invalid backup name")
)

const (
	ActionCreate  = "backup_create"
	ActionRestore = "backup_restore"
	ActionDelete  = "backup_delete"
)

// nameLayout is the timestamp part of an artifact name. The random suffix
// appended after it keeps names unique even for identical timestamps.
const nameLayout = "2006-01-02_15-04-05.000000"

type Artifact struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created"`
	ModifiedAt time.Time `json:"modified"`
}

type Config struct {
	Root    string
	Backup  executor.Executor
	Restore executor.Executor
	Audit   audit.Recorder
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Manager performs backup operations. Create, Restore and Delete hold a
// single slot for their whole duration so they never overlap.
type Manager struct {
	root    string
	backup  executor.Executor
	restore executor.Executor
	audit   audit.Recorder
	log     *slog.Logger
	metrics *observability.Metrics

	slot chan struct{}

	mu          sync.Mutex
	lastCreated time.Time

	nowFunc    func() time.Time
	suffixFunc func() string
}

func NewManager(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("backup root is required")
	}
	if cfg.Backup == nil || cfg.Restore == nil {
		return nil, fmt.Errorf("backup and restore executors are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	return &Manager{
		root:       filepath.Clean(cfg.Root),
		backup:     cfg.Backup,
		restore:    cfg.Restore,
		audit:      cfg.Audit,
		log:        logger,
		metrics:    cfg.Metrics,
		slot:       make(chan struct{}, 1),
		nowFunc:    time.Now,
		suffixFunc: randomSuffix,
	}, nil
}

func randomSuffix() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

func (m *Manager) Root() string { return m.root }

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for backup lock: %w", ctx.Err())
	}
}

func (m *Manager) release() { <-m.slot }

// ValidateName rejects anything that is not a single plain path element.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case len(name) > 255:
		return fmt.Errorf("%w: too long", ErrInvalidName)
	case strings.HasPrefix(name, "."), strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// nextName returns a fresh artifact name and its creation time. Creation
// times are strictly increasing within the process.
func (m *Manager) nextName() (string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.nowFunc().UTC().Truncate(time.Microsecond)
	if !t.After(m.lastCreated) {
		t = m.lastCreated.Add(time.Microsecond)
	}
	m.lastCreated = t
	return t.Format(nameLayout) + "-" + m.suffixFunc(), t
}

func createdFromName(name string) (time.Time, bool) {
	if len(name) < len(nameLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(nameLayout, name[:len(nameLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Create runs the backup executor against a freshly created directory. A
// failed run removes the directory.
func (m *Manager) Create(ctx context.Context, actor auth.Identity) (Artifact, error) {
	start := time.Now()
	if err := m.acquire(ctx); err != nil {
		m.record(ctx, actor, ActionCreate, audit.ResultFailed, map[string]any{"error": err.Error()}, start)
		return Artifact{}, err
	}
	defer m.release()
	// Once the lock is held the run is bounded by the executor timeout only.
	ctx = context.WithoutCancel(ctx)

	name, created := m.nextName()
	dir := filepath.Join(m.root, name)
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		m.record(ctx, actor, ActionCreate, audit.ResultFailed, map[string]any{"backupDir": dir, "error": err.Error()}, start)
		return Artifact{}, fmt.Errorf("create backup root: %w", err)
	}
	if err := os.Mkdir(dir, 0o750); err != nil {
		m.record(ctx, actor, ActionCreate, audit.ResultFailed, map[string]any{"backupDir": dir, "error": err.Error()}, start)
		return Artifact{}, fmt.Errorf("create backup directory: %w", err)
	}

	if _, err := m.backup.Run(ctx, dir); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			m.log.Error("remove failed backup directory", "dir", dir, "error", rmErr)
		}
		m.log.Error("backup executor failed", "name", name, "actor", actor.Actor(), "error", err)
		m.record(ctx, actor, ActionCreate, audit.ResultFailed, map[string]any{"backupDir": dir, "error": err.Error()}, start)
		return Artifact{}, err
	}

	art, err := m.stat(name, created)
	if err != nil {
		m.record(ctx, actor, ActionCreate, audit.ResultFailed, map[string]any{"backupDir": dir, "error": err.Error()}, start)
		return Artifact{}, err
	}
	m.log.Info("backup created", "name", name, "size", art.Size, "actor", actor.Actor(), "duration", time.Since(start))
	m.metrics.SetLastBackup(created)
	m.record(ctx, actor, ActionCreate, audit.ResultSuccess, map[string]any{"backupDir": dir, "backupName": name, "size": art.Size}, start)
	return art, nil
}

// List returns every artifact under the root, newest first. A missing root
// yields an empty list.
func (m *Manager) List(ctx context.Context) ([]Artifact, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Artifact{}, nil
		}
		return nil, fmt.Errorf("read backup root: %w", err)
	}
	out := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		created, _ := createdFromName(e.Name())
		art, err := m.stat(e.Name(), created)
		if err != nil {
			// Removed between ReadDir and stat.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, art)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name > out[j].Name
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Manager) stat(name string, created time.Time) (Artifact, error) {
	path := filepath.Join(m.root, name)
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifact{}, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return Artifact{}, fmt.Errorf("stat backup %s: %w", name, err)
	}
	art := Artifact{Name: name, ModifiedAt: info.ModTime().UTC(), CreatedAt: created}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = art.ModifiedAt
	}
	if !info.IsDir() {
		art.Size = info.Size()
		return art, nil
	}
	size, err := dirSize(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("size backup %s: %w", name, err)
	}
	art.Size = size
	return art, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Restore runs the restore executor against an existing artifact. Callers
// must have obtained explicit confirmation first.
func (m *Manager) Restore(ctx context.Context, actor auth.Identity, name string) error {
	start := time.Now()
	details := map[string]any{"backupName": name}
	if err := ValidateName(name); err != nil {
		m.record(ctx, actor, ActionRestore, audit.ResultFailed, withError(details, err), start)
		return err
	}
	if err := m.acquire(ctx); err != nil {
		m.record(ctx, actor, ActionRestore, audit.ResultFailed, withError(details, err), start)
		return err
	}
	defer m.release()
	ctx = context.WithoutCancel(ctx)

	path := filepath.Join(m.root, name)
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.record(ctx, actor, ActionRestore, audit.ResultNotFound, details, start)
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		m.record(ctx, actor, ActionRestore, audit.ResultFailed, withError(details, err), start)
		return fmt.Errorf("stat backup %s: %w", name, err)
	}

	m.log.Warn("restoring backup", "name", name, "actor", actor.Actor())
	if _, err := m.restore.Run(ctx, path); err != nil {
		m.log.Error("restore executor failed", "name", name, "actor", actor.Actor(), "error", err)
		m.record(ctx, actor, ActionRestore, audit.ResultFailed, withError(details, err), start)
		return err
	}
	m.log.Info("backup restored", "name", name, "actor", actor.Actor(), "duration", time.Since(start))
	m.record(ctx, actor, ActionRestore, audit.ResultSuccess, details, start)
	return nil
}

// Delete removes an artifact and everything under it.
func (m *Manager) Delete(ctx context.Context, actor auth.Identity, name string) error {
	start := time.Now()
	details := map[string]any{"backupName": name}
	if err := ValidateName(name); err != nil {
		m.record(ctx, actor, ActionDelete, audit.ResultFailed, withError(details, err), start)
		return err
	}
	if err := m.acquire(ctx); err != nil {
		m.record(ctx, actor, ActionDelete, audit.ResultFailed, withError(details, err), start)
		return err
	}
	defer m.release()
	ctx = context.WithoutCancel(ctx)

	path := filepath.Join(m.root, name)
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.record(ctx, actor, ActionDelete, audit.ResultNotFound, details, start)
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		m.record(ctx, actor, ActionDelete, audit.ResultFailed, withError(details, err), start)
		return fmt.Errorf("stat backup %s: %w", name, err)
	}
	if err := os.RemoveAll(path); err != nil {
		m.record(ctx, actor, ActionDelete, audit.ResultFailed, withError(details, err), start)
		return fmt.Errorf("remove backup %s: %w", name, err)
	}
	m.log.Info("backup deleted", "name", name, "actor", actor.Actor())
	m.record(ctx, actor, ActionDelete, audit.ResultSuccess, details, start)
	return nil
}

func withError(details map[string]any, err error) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}

func (m *Manager) record(ctx context.Context, actor auth.Identity, action, result string, details map[string]any, start time.Time) {
	m.metrics.ObserveOperation("backup", strings.TrimPrefix(action, "backup_"), result, time.Since(start))
	audit.Emit(ctx, m.audit, m.log, audit.Event{
		Actor:   actor.Actor(),
		Action:  action,
		Details: details,
		Result:  result,
	})
}
