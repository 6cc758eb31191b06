// Package events provides the outbound notification channel for the
// orchestrator. Supervisor lifecycle transitions and pipeline progress are
// published as fire-and-forget events; slow or absent subscribers never block
// the publisher. Consumers (the dashboard, log followers) subscribe to a
// bounded buffer and may miss events under sustained overload; durable state
// always lives in SQLite, events are notifications only.
package events

import (
	"sync"
	"time"
)

// Event kinds published on the bus.
const (
	KindServerStarted = "server.started"
	KindServerExited  = "server.exited"
	KindServerError   = "server.error"
	KindRunStep       = "run.step"
	KindRunStatus     = "run.status"
)

// Event is a single notification. Server* fields are set for supervisor
// lifecycle events, Run* fields for pipeline progress events.
type Event struct {
	Kind      string    `json:"kind"`
	Server    string    `json:"server,omitempty"`
	PID       int       `json:"pid,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Step      string    `json:"step,omitempty"`
	Status    string    `json:"status,omitempty"`
	Err       string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans events out to subscribers. Publishing never blocks: when a
// subscriber's buffer is full, its oldest pending event is dropped to make
// room, mirroring the bounded-buffer discipline used for worker messages.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer capacity and returns
// its channel plus a cancel function. Cancel closes the channel and removes
// the subscription; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber without blocking. Events with a zero
// timestamp are stamped with the current time.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Buffer full: evict the oldest pending event, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
