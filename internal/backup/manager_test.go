package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/audit"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/auth"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/executor"
)

type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Record(_ context.Context, e audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memAudit) all() []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Event(nil), m.events...)
}

// writeDump is a backup executor that writes a file into the target dir.
func writeDump(_ context.Context, args ...string) (executor.Output, error) {
	return executor.Output{}, os.WriteFile(filepath.Join(args[0], "dump.sql"), []byte("select 1;\n"), 0o640)
}

func noopExec(context.Context, ...string) (executor.Output, error) {
	return executor.Output{}, nil
}

var admin = auth.Identity{Username: "admin"}

func newTestManager(t *testing.T, backupFn, restoreFn executor.Func) (*Manager, *memAudit) {
	t.Helper()
	a := &memAudit{}
	m, err := NewManager(Config{
		Root:    filepath.Join(t.TempDir(), "backup"),
		Backup:  backupFn,
		Restore: restoreFn,
		Audit:   a,
	})
	require.NoError(t, err)
	return m, a
}

func TestCreateThenListIncludesArtifactOnce(t *testing.T) {
	m, a := newTestManager(t, writeDump, noopExec)

	art, err := m.Create(context.Background(), admin)
	require.NoError(t, err)
	assert.Greater(t, art.Size, int64(0))

	list, err := m.List(context.Background())
	require.NoError(t, err)
	count := 0
	for _, b := range list {
		if b.Name == art.Name {
			count++
			assert.Equal(t, art.Size, b.Size)
			assert.True(t, b.CreatedAt.Equal(art.CreatedAt))
		}
	}
	assert.Equal(t, 1, count)

	events := a.all()
	require.Len(t, events, 1)
	assert.Equal(t, ActionCreate, events[0].Action)
	assert.Equal(t, audit.ResultSuccess, events[0].Result)
	assert.Equal(t, "admin", events[0].Actor)
	assert.Equal(t, art.Name, events[0].Details["backupName"])
}

func TestCreateTimestampsStrictlyIncrease(t *testing.T) {
	m, _ := newTestManager(t, writeDump, noopExec)
	frozen := time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return frozen }

	var prev Artifact
	for i := 0; i < 5; i++ {
		art, err := m.Create(context.Background(), admin)
		require.NoError(t, err)
		if i > 0 {
			assert.True(t, art.CreatedAt.After(prev.CreatedAt), "created_at must increase")
			assert.NotEqual(t, prev.Name, art.Name)
		}
		prev = art
	}

	list, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, prev.Name, list[0].Name)
}

func TestCreateNamesUniqueWithSameSuffix(t *testing.T) {
	m, _ := newTestManager(t, writeDump, noopExec)
	m.suffixFunc = func() string { return "deadbeef" }

	a1, err := m.Create(context.Background(), admin)
	require.NoError(t, err)
	a2, err := m.Create(context.Background(), admin)
	require.NoError(t, err)
	assert.NotEqual(t, a1.Name, a2.Name)
}

func TestCreateFailureRemovesDirectoryAndAudits(t *testing.T) {
	failing := executor.Func(func(_ context.Context, args ...string) (executor.Output, error) {
		_ = os.WriteFile(filepath.Join(args[0], "partial"), []byte("x"), 0o640)
		return executor.Output{}, &executor.Error{Program: "backup.sh", ExitCode: 1}
	})
	m, a := newTestManager(t, failing, noopExec)

	_, err := m.Create(context.Background(), admin)
	require.Error(t, err)
	var execErr *executor.Error
	assert.True(t, errors.As(err, &execErr))

	list, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	events := a.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ResultFailed, events[0].Result)
	assert.Contains(t, events[0].Details["error"], "exit code 1")
}

func TestRestoreMissingIsNotFoundWithoutSuccessEvent(t *testing.T) {
	var ran atomic.Bool
	restore := executor.Func(func(context.Context, ...string) (executor.Output, error) {
		ran.Store(true)
		return executor.Output{}, nil
	})
	m, a := newTestManager(t, writeDump, restore)

	err := m.Restore(context.Background(), admin, "missing-name")
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, ran.Load())

	for _, e := range a.all() {
		assert.NotEqual(t, audit.ResultSuccess, e.Result)
	}
	events := a.all()
	require.Len(t, events, 1)
	assert.Equal(t, ActionRestore, events[0].Action)
	assert.Equal(t, audit.ResultNotFound, events[0].Result)
}

func TestRestoreRunsExecutorWithArtifactPath(t *testing.T) {
	var got []string
	restore := executor.Func(func(_ context.Context, args ...string) (executor.Output, error) {
		got = args
		return executor.Output{}, nil
	})
	m, a := newTestManager(t, writeDump, restore)
	art, err := m.Create(context.Background(), admin)
	require.NoError(t, err)

	require.NoError(t, m.Restore(context.Background(), admin, art.Name))
	assert.Equal(t, []string{filepath.Join(m.Root(), art.Name)}, got)

	events := a.all()
	require.Len(t, events, 2)
	assert.Equal(t, ActionRestore, events[1].Action)
	assert.Equal(t, audit.ResultSuccess, events[1].Result)
}

func TestRestoreExecutorFailureIsAudited(t *testing.T) {
	restore := executor.Func(func(context.Context, ...string) (executor.Output, error) {
		return executor.Output{}, &executor.Error{Program: "restore.sh", ExitCode: 4}
	})
	m, a := newTestManager(t, writeDump, restore)
	art, err := m.Create(context.Background(), admin)
	require.NoError(t, err)

	err = m.Restore(context.Background(), admin, art.Name)
	var execErr *executor.Error
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, audit.ResultFailed, a.all()[1].Result)
}

func TestDelete(t *testing.T) {
	m, a := newTestManager(t, writeDump, noopExec)
	art, err := m.Create(context.Background(), admin)
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), admin, art.Name))
	_, err = os.Stat(filepath.Join(m.Root(), art.Name))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	err = m.Delete(context.Background(), admin, art.Name)
	assert.ErrorIs(t, err, ErrNotFound)

	events := a.all()
	require.Len(t, events, 3)
	assert.Equal(t, audit.ResultSuccess, events[1].Result)
	assert.Equal(t, audit.ResultNotFound, events[2].Result)
}

func TestInvalidNamesRejectedBeforeTouchingDisk(t *testing.T) {
	m, _ := newTestManager(t, writeDump, noopExec)
	outside := filepath.Join(filepath.Dir(m.Root()), "keep")
	require.NoError(t, os.MkdirAll(outside, 0o750))

	for _, name := range []string{"", ".", "..", "../keep", "a/b", `a\b`, ".hidden"} {
		assert.ErrorIs(t, m.Delete(context.Background(), admin, name), ErrInvalidName, name)
		assert.ErrorIs(t, m.Restore(context.Background(), admin, name), ErrInvalidName, name)
	}
	_, err := os.Stat(outside)
	assert.NoError(t, err)
}

func TestDestructiveOperationsNeverOverlap(t *testing.T) {
	var active, maxActive atomic.Int32
	slow := executor.Func(func(_ context.Context, args ...string) (executor.Output, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return writeDump(context.Background(), args...)
	})
	m, _ := newTestManager(t, slow, noopExec)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(context.Background(), admin)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestAcquireHonoursCancellation(t *testing.T) {
	m, a := newTestManager(t, writeDump, noopExec)
	m.slot <- struct{}{}
	defer m.release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Create(ctx, auth.System())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	events := a.all()
	require.Len(t, events, 1)
	assert.Equal(t, auth.SystemActor, events[0].Actor)
	assert.Equal(t, audit.ResultFailed, events[0].Result)
}

// slowExec blocks until release is closed and reports whether its context was
// cancelled while it ran.
func slowExec(started chan<- struct{}, release <-chan struct{}, cancelled *atomic.Bool, then executor.Func) executor.Func {
	return func(ctx context.Context, args ...string) (executor.Output, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			cancelled.Store(true)
			return executor.Output{}, ctx.Err()
		}
		return then(ctx, args...)
	}
}

func TestCallerCancellationDoesNotInterruptRestore(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	var cancelled atomic.Bool
	m, a := newTestManager(t, writeDump, slowExec(started, release, &cancelled, noopExec))

	art, err := m.Create(context.Background(), admin)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Restore(ctx, admin, art.Name) }()

	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	assert.False(t, cancelled.Load())
	events := a.all()
	require.Len(t, events, 2)
	assert.Equal(t, ActionRestore, events[1].Action)
	assert.Equal(t, audit.ResultSuccess, events[1].Result)
}

func TestCallerCancellationDoesNotInterruptCreate(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	var cancelled atomic.Bool
	m, a := newTestManager(t, slowExec(started, release, &cancelled, writeDump), noopExec)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		art Artifact
		err error
	}
	done := make(chan result, 1)
	go func() {
		art, err := m.Create(ctx, admin)
		done <- result{art, err}
	}()

	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.False(t, cancelled.Load())
	_, err := os.Stat(filepath.Join(m.root, res.art.Name, "dump.sql"))
	require.NoError(t, err)
	events := a.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ResultSuccess, events[0].Result)
}

func TestListMissingRootAndForeignEntries(t *testing.T) {
	m, _ := newTestManager(t, writeDump, noopExec)
	list, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, os.MkdirAll(filepath.Join(m.Root(), "legacy-manual"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(m.Root(), "legacy-manual", "f"), []byte("abc"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(m.Root(), ".lock"), nil, 0o640))

	list, err = m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "legacy-manual", list[0].Name)
	assert.Equal(t, int64(3), list[0].Size)
	assert.False(t, list[0].CreatedAt.IsZero())
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{Backup: executor.Func(noopExec), Restore: executor.Func(noopExec)})
	assert.Error(t, err)
	_, err = NewManager(Config{Root: t.TempDir()})
	assert.Error(t, err)
}
