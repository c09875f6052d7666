package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"workd/internal/graph"
	"workd/internal/ops"
	"workd/internal/store"
	"workd/internal/work"
	"workd/pkg/logx"
)

// Manager is the public entry point for enqueueing, cancelling and observing
// work. Writes beyond validation run asynchronously behind an Operation.
type Manager struct {
	mu  sync.RWMutex
	pol work.Policy

	store   store.Store
	tracker *graph.Tracker
	watcher *ops.Watcher
	log     logx.Logger

	now func() time.Time
}

func New(pol work.Policy, st store.Store, tr *graph.Tracker, w *ops.Watcher, log logx.Logger) *Manager {
	return &Manager{
		pol:     pol,
		store:   st,
		tracker: tr,
		watcher: w,
		log:     log.With(logx.String("component", "manager")),
		now:     time.Now,
	}
}

// SetPolicy swaps the validation policy; in-flight enqueues keep the policy
// they started with.
func (m *Manager) SetPolicy(pol work.Policy) {
	m.mu.Lock()
	m.pol = pol
	m.mu.Unlock()
}

func (m *Manager) policy() work.Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pol
}

// Enqueue validates the requests synchronously and persists them behind the
// returned Operation. Validation failures return before an Operation exists.
func (m *Manager) Enqueue(ctx context.Context, reqs ...work.Request) (*ops.Operation, error) {
	if len(reqs) == 0 {
		return nil, errors.New("enqueue: no requests")
	}
	now := m.now()
	pol := m.policy()
	items := make([]*work.Item, 0, len(reqs))
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		it, err := req.Normalize(now, pol, false)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[it.ID]; dup {
			return nil, work.ErrValidation
		}
		seen[it.ID] = struct{}{}
		items = append(items, it)
	}
	return m.persist(ctx, items, nil), nil
}

// EnqueueChain validates and persists a staged chain. Items past the first
// stage are stored Blocked and released as their predecessors succeed.
func (m *Manager) EnqueueChain(ctx context.Context, c *Chain) (*ops.Operation, error) {
	items, edges, err := c.build(m.now(), m.policy())
	if err != nil {
		return nil, err
	}
	return m.persist(ctx, items, edges), nil
}

func (m *Manager) persist(ctx context.Context, items []*work.Item, edges []work.Edge) *ops.Operation {
	op := ops.NewOperation()
	go func() {
		if err := m.store.Put(ctx, items, edges); err != nil {
			m.log.Warn("enqueue failed", logx.Int("items", len(items)), logx.Err(err))
			op.Fail(err)
			return
		}
		m.log.Debug("enqueued", logx.Int("items", len(items)), logx.Int("edges", len(edges)))
		op.Resolve()
	}()
	return op
}

// CancelByID cancels one item. Cancelling an unknown or already-terminal item
// resolves successfully; cancellation of a tracked item poisons its
// descendants before the Operation resolves.
func (m *Manager) CancelByID(ctx context.Context, id string) *ops.Operation {
	op := ops.NewOperation()
	go func() {
		if err := m.cancelOne(ctx, id); err != nil {
			op.Fail(err)
			return
		}
		op.Resolve()
	}()
	return op
}

// CancelByTag cancels every non-terminal item carrying the tag. An empty
// match set is a vacuous success.
func (m *Manager) CancelByTag(ctx context.Context, tag string) *ops.Operation {
	op := ops.NewOperation()
	go func() {
		items, err := m.store.QueryByTag(ctx, tag)
		if err != nil {
			op.Fail(err)
			return
		}
		for _, it := range items {
			if it.State.Terminal() {
				continue
			}
			if err := m.cancelOne(ctx, it.ID); err != nil {
				op.Fail(err)
				return
			}
		}
		op.Resolve()
	}()
	return op
}

func (m *Manager) cancelOne(ctx context.Context, id string) error {
	prev, changed, err := m.store.Cancel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	m.log.Info("cancelled", logx.String("id", id), logx.String("was", string(prev)))
	return m.tracker.OnTerminal(ctx, id, work.StateCancelled, nil)
}

// Item returns a snapshot of one item.
func (m *Manager) Item(ctx context.Context, id string) (*work.Item, error) {
	return m.store.Get(ctx, id)
}

// ItemsByTag returns snapshots of every item carrying the tag.
func (m *Manager) ItemsByTag(ctx context.Context, tag string) ([]*work.Item, error) {
	return m.store.QueryByTag(ctx, tag)
}

// WatchID streams state updates for one item, starting with its current
// state. The returned func stops the subscription.
func (m *Manager) WatchID(ctx context.Context, id string, fn func(ops.StateUpdate)) (func(), error) {
	return m.watcher.WatchID(ctx, id, fn)
}

// WatchTag streams state updates for every item carrying the tag.
func (m *Manager) WatchTag(ctx context.Context, tag string, fn func(ops.StateUpdate)) (func(), error) {
	return m.watcher.WatchTag(ctx, tag, fn)
}

// Stats reports per-state item counts.
func (m *Manager) Stats(ctx context.Context) (map[work.State]int, error) {
	return m.store.Stats(ctx)
}
