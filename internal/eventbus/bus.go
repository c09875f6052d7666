// Package eventbus carries the in-process signals that connect the store,
// the constraint feed, and the dispatcher without direct coupling.
package eventbus

import (
	"sync"
	"time"
)

// Kind identifies what an event describes.
type Kind string

const (
	WorkChanged  Kind = "work.changed"  // a store state transition committed
	FactsChanged Kind = "facts.changed" // an environment fact flipped
	Dispatched   Kind = "work.dispatched"
	Finished     Kind = "work.finished"
)

// WorkChange is the payload of work lifecycle events. States travel as plain
// strings; the bus sits below the work package in the import graph.
type WorkChange struct {
	ID   string
	From string
	To   string
}

// FactChange is the payload of FactsChanged events.
type FactChange struct {
	Name  string
	Holds bool
}

// Event is one bus message. Work is set for work lifecycle kinds, Fact for
// FactsChanged.
type Event struct {
	Kind Kind
	Time time.Time
	Work WorkChange
	Fact FactChange
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event, so consumers that cannot tolerate
// loss must pair the bus with a periodic re-scan.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus with no background goroutines.
func New() Bus {
	return &fanout{subs: map[int]chan Event{}}
}

type fanout struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the lock across the fan-out is fine
	// and rules out racing a concurrent unsubscribe's close.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, live := b.subs[id]; live {
			delete(b.subs, id)
			close(ch)
		}
	}
}
