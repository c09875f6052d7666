package ops

import (
	"context"

	"workd/internal/eventbus"
	"workd/internal/store"
	"workd/internal/work"
	logx "workd/pkg/logx"
)

// StateUpdate is one observation of a work item's state. Output is populated
// once the item has succeeded.
type StateUpdate struct {
	ID     string
	State  work.State
	Output work.Payload
}

// Watcher turns store change events into per-item and per-tag state streams.
//
// Subscriptions are explicit: each Watch call returns a teardown func the
// caller owns. Attaching always delivers the current state first, so an
// observer attaching after a terminal transition still sees the final value.
type Watcher struct {
	store store.Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewWatcher(st store.Store, bus eventbus.Bus, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{store: st, bus: bus, log: log}
}

// WatchID streams state updates for one item until cancel is called.
// fn is invoked from a single goroutine per subscription, in order.
func (w *Watcher) WatchID(ctx context.Context, id string, fn func(StateUpdate)) (cancel func(), err error) {
	it, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.watch(ctx, fn, it, func(c eventbus.WorkChange) bool { return c.ID == id }), nil
}

// WatchTag streams state updates for every item currently carrying the tag.
func (w *Watcher) WatchTag(ctx context.Context, tag string, fn func(StateUpdate)) (cancel func(), err error) {
	items, err := w.store.QueryByTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	member := make(map[string]struct{}, len(items))
	for _, it := range items {
		member[it.ID] = struct{}{}
	}
	return w.watch(ctx, fn, items, func(c eventbus.WorkChange) bool {
		_, ok := member[c.ID]
		return ok
	}), nil
}

func (w *Watcher) watch(ctx context.Context, fn func(StateUpdate), initial any, match func(eventbus.WorkChange) bool) func() {
	ch, unsub := w.bus.Subscribe(32)

	// Deliver the current snapshot before any live events.
	switch v := initial.(type) {
	case *work.Item:
		fn(update(v))
	case []*work.Item:
		for _, it := range v {
			fn(update(it))
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if e.Kind != eventbus.WorkChanged {
					continue
				}
				c := e.Work
				if c.ID == "" || !match(c) {
					continue
				}
				it, err := w.store.Get(ctx, c.ID)
				if err != nil {
					// Pruned between event and lookup; report the event state.
					fn(StateUpdate{ID: c.ID, State: work.State(c.To)})
					continue
				}
				fn(update(it))
			}
		}
	}()

	return func() {
		unsub()
		<-done
	}
}

func update(it *work.Item) StateUpdate {
	u := StateUpdate{ID: it.ID, State: it.State}
	if it.State == work.StateSucceeded || (it.Kind == work.KindPeriodic && len(it.Output) > 0) {
		u.Output = it.Output
	}
	return u
}
