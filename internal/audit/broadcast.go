package audit

import (
	"context"
	"sync"
	"time"
)

const subscriberBuffer = 32

// Broadcaster wraps a Log and fans every successfully recorded event out to
// live subscribers. Slow subscribers miss events rather than block writers.
type Broadcaster struct {
	Log

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBroadcaster(inner Log) *Broadcaster {
	return &Broadcaster{Log: inner, subs: make(map[int]chan Event)}
}

func (b *Broadcaster) Record(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := b.Log.Record(ctx, e); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
