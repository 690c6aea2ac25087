package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)
	err := l.Record(context.Background(), Event{
		Actor:   "admin",
		Action:  "service_start",
		Details: map[string]any{"service": "dendrite"},
		Result:  ResultSuccess,
	})
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(b))
	require.NotEmpty(t, line)

	var e Event
	require.NoError(t, json.Unmarshal([]byte(line), &e))
	assert.Equal(t, "admin", e.Actor)
	assert.Equal(t, "service_start", e.Action)
	assert.Equal(t, "dendrite", e.Details["service"])
	assert.Equal(t, ResultSuccess, e.Result)
	assert.False(t, e.Timestamp.IsZero())
}

func TestLoggerListReverseChronological(t *testing.T) {
	l := NewLogger(filepath.Join(t.TempDir(), "audit.log"))
	base := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(context.Background(), Event{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Actor:     "admin",
			Action:    fmt.Sprintf("action_%d", i),
		}))
	}

	all, err := l.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "action_4", all[0].Action)
	assert.Equal(t, "action_0", all[4].Action)

	limited, err := l.List(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "action_4", limited[0].Action)
	assert.Equal(t, "action_3", limited[1].Action)
}

func TestLoggerListMissingFile(t *testing.T) {
	l := NewLogger(filepath.Join(t.TempDir(), "nope", "audit.log"))
	events, err := l.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLoggerListSkipsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)
	require.NoError(t, l.Record(context.Background(), Event{Actor: "admin", Action: "backup_create"}))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-02-16T00:00:00Z","actor":"adm`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "backup_create", events[0].Action)
}

func TestLoggerConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Record(context.Background(), Event{
				Actor:   fmt.Sprintf("user-%d", i),
				Action:  "service_restart",
				Details: map[string]any{"service": strings.Repeat("x", 512), "n": i},
				Result:  ResultSuccess,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	seen := make(map[string]bool)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for sc.Scan() {
		lines++
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), "line %d must parse on its own", lines)
		seen[e.Actor] = true
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, n, lines)
	assert.Len(t, seen, n)
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	require.NoError(t, l.Record(context.Background(), Event{Action: "x"}))
	events, err := l.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
