// Package events carries in-process notifications from the scheduler and the
// task execution service to transport layers (SSE, MCP, notifiers).
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published on the bus.
const (
	TaskStarted      = "taskStarted"
	TaskCompleted    = "taskCompleted"
	TaskFailed       = "taskFailed"
	TaskLog          = "taskLog"
	FailureRecorded  = "failureRecorded"
	FailuresCleared  = "failuresCleared"
	FailureDismissed = "failureDismissed"
	ScheduleUpdated  = "scheduleUpdated"
	SchedulerStatus  = "schedulerStatus"
)

// Event is one notification. Data should be JSON-serializable.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber drops events instead of stalling publishers.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Discard is a bus that drops everything.
var Discard Bus = discard{}

type discard struct{}

func (discard) Publish(Event) {}

func (discard) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
