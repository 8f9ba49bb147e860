// Package eventbus carries diagnostic notifications between components:
// session state transitions, device state changes, issued moves.
//
// Nothing in the playback path depends on delivery; subscribers are for
// logging and the session journal.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event type.
type Kind string

const (
	KindSessionState Kind = "session.state"
	KindScriptLoaded Kind = "script.loaded"
	KindDeviceState  Kind = "device.state"
	KindLocalMove    Kind = "local.move"
	KindLocalStopped Kind = "local.stopped"
	KindClockSync    Kind = "clock.sync"
)

// Event is a small, JSON-friendly notification.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels and may miss events when slow.
type Event struct {
	Kind   Kind
	Time   time.Time
	Source string
	Data   map[string]any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop is a bus that drops everything. Components use it when none is wired.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
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
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber; drop
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock can never race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
