package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	ResultSuccess  = "success"
	ResultFailed   = "failed"
	ResultNotFound = "not_found"
)

type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Result    string         `json:"result,omitempty"`
}

// Recorder accepts audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Reader returns events newest first. limit <= 0 means all.
type Reader interface {
	List(ctx context.Context, limit int) ([]Event, error)
}

type Log interface {
	Recorder
	Reader
}

// Logger appends one JSON line per event to a file. Each event is a single
// write on an O_APPEND descriptor under the logger mutex, so lines never
// interleave.
type Logger struct {
	path    string
	nowFunc func() time.Time
	mu      sync.Mutex
}

func NewLogger(path string) *Logger {
	return &Logger{path: path, nowFunc: time.Now}
}

func (l *Logger) Record(_ context.Context, e Event) error {
	if l == nil || l.path == "" {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowFunc().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write audit log entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// List skips lines that do not parse, such as a tail torn by a crash.
func (l *Logger) List(_ context.Context, limit int) ([]Event, error) {
	if l == nil || l.path == "" {
		return []Event{}, nil
	}
	l.mu.Lock()
	b, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	out := make([]Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
