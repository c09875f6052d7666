package constraint

import (
	"sync"

	"workd/internal/eventbus"
	logx "workd/pkg/logx"
)

// Feed collects boolean sensor updates and exposes consistent snapshots.
//
// Sensors call Set from any goroutine; the dispatcher reads Snapshot on each
// scheduling pass. Every effective change publishes a facts-changed event so
// the dispatcher re-evaluates without polling.
type Feed struct {
	mu    sync.Mutex
	facts Facts

	log logx.Logger
	bus eventbus.Bus
}

func NewFeed(log logx.Logger, bus eventbus.Bus) *Feed {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Feed{facts: Facts{}, log: log, bus: bus}
}

// Set records the current value of one fact. No-op if the value is unchanged.
func (f *Feed) Set(kind Kind, value bool) {
	if !Known(kind) {
		f.log.Warn("ignoring unknown fact", logx.String("kind", string(kind)))
		return
	}

	f.mu.Lock()
	if cur, ok := f.facts[kind]; ok && cur == value {
		f.mu.Unlock()
		return
	}
	f.facts[kind] = value
	f.mu.Unlock()

	f.log.Debug("fact changed", logx.String("kind", string(kind)), logx.Bool("value", value))
	if f.bus != nil {
		f.bus.Publish(eventbus.Event{
			Kind: eventbus.FactsChanged,
			Fact: eventbus.FactChange{Name: string(kind), Holds: value},
		})
	}
}

// Snapshot returns an immutable copy of all known facts.
func (f *Feed) Snapshot() Facts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.facts.Clone()
}
