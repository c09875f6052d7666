package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"workd/internal/eventbus"
	"workd/internal/work"
)

// memStore is the dependency-free driver. It holds everything under one mutex
// so every mutation is atomic with respect to readers, matching the sqlite
// driver's transactional behavior.
type memStore struct {
	mu    sync.Mutex
	items map[string]*work.Item
	preds map[string][]string // successor -> predecessor ids
	succs map[string][]string // predecessor -> successor ids

	bus eventbus.Bus
}

// NewMemory returns an empty in-process store.
func NewMemory(bus eventbus.Bus) Store {
	return &memStore{
		items: map[string]*work.Item{},
		preds: map[string][]string{},
		succs: map[string][]string{},
		bus:   bus,
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Put(ctx context.Context, items []*work.Item, edges []work.Edge) error {
	s.mu.Lock()
	for _, it := range items {
		if _, dup := s.items[it.ID]; dup {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrExists, it.ID)
		}
	}
	added := make([]*work.Item, 0, len(items))
	for _, it := range items {
		cp := it.Clone()
		s.items[cp.ID] = cp
		added = append(added, cp)
	}
	for _, e := range edges {
		s.preds[e.To] = append(s.preds[e.To], e.From)
		s.succs[e.From] = append(s.succs[e.From], e.To)
	}
	s.mu.Unlock()

	for _, it := range added {
		publishChange(s.bus, it.ID, "", it.State)
	}
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*work.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return it.Clone(), nil
}

func (s *memStore) QueryByTag(ctx context.Context, tag string) ([]*work.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*work.Item
	for _, it := range s.items {
		if it.HasTag(tag) {
			out = append(out, it.Clone())
		}
	}
	sortItems(out)
	return out, nil
}

func (s *memStore) ListByState(ctx context.Context, st work.State) ([]*work.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*work.Item
	for _, it := range s.items {
		if it.State == st {
			out = append(out, it.Clone())
		}
	}
	sortItems(out)
	return out, nil
}

func (s *memStore) ListReady(ctx context.Context, now time.Time) ([]*work.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*work.Item
	for _, it := range s.items {
		if it.State != work.StateEnqueued || it.NotBefore.After(now) {
			continue
		}
		if !s.predsSucceededLocked(it.ID) {
			continue
		}
		out = append(out, it.Clone())
	}
	sortItems(out)
	return out, nil
}

func (s *memStore) predsSucceededLocked(id string) bool {
	for _, pid := range s.preds[id] {
		p, ok := s.items[pid]
		if !ok || p.State != work.StateSucceeded {
			return false
		}
	}
	return true
}

func (s *memStore) NextWake(ctx context.Context, now time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for _, it := range s.items {
		if it.State != work.StateEnqueued || !it.NotBefore.After(now) {
			continue
		}
		if !found || it.NotBefore.Before(next) {
			next = it.NotBefore
			found = true
		}
	}
	return next, found, nil
}

func (s *memStore) UpdateState(ctx context.Context, id string, expect, to work.State, output work.Payload) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.State != expect || !work.CanTransition(it.Kind, it.State, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s→%s (current %s)", ErrConflict, id, expect, to, it.State)
	}
	from := it.State
	it.State = to
	it.UpdatedAt = time.Now()
	if to == work.StateSucceeded && output != nil {
		it.Output = output.Clone()
	}
	s.mu.Unlock()

	publishChange(s.bus, id, from, to)
	return nil
}

func (s *memStore) Cancel(ctx context.Context, id string) (work.State, bool, error) {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return "", false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := it.State
	if prev.Terminal() {
		s.mu.Unlock()
		return prev, false, nil
	}
	it.State = work.StateCancelled
	it.UpdatedAt = time.Now()
	s.mu.Unlock()

	publishChange(s.bus, id, prev, work.StateCancelled)
	return prev, true, nil
}

func (s *memStore) ResetPeriodic(ctx context.Context, id string, output work.Payload, notBefore time.Time) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.Kind != work.KindPeriodic || it.State != work.StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s not a running periodic item", ErrConflict, id)
	}
	it.State = work.StateEnqueued
	it.RunCount++
	it.Output = output.Clone()
	it.NotBefore = notBefore
	it.UpdatedAt = time.Now()
	s.mu.Unlock()

	publishChange(s.bus, id, work.StateRunning, work.StateEnqueued)
	return nil
}

func (s *memStore) RequeueRunning(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	var ids []string
	for _, it := range s.items {
		if it.State != work.StateRunning {
			continue
		}
		it.State = work.StateEnqueued
		it.UpdatedAt = time.Now()
		ids = append(ids, it.ID)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		publishChange(s.bus, id, work.StateRunning, work.StateEnqueued)
	}
	return ids, nil
}

func (s *memStore) MergeInput(ctx context.Context, id string, src work.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.State == work.StateRunning || it.State.Terminal() {
		return fmt.Errorf("%w: %s input is frozen in state %s", ErrConflict, id, it.State)
	}
	it.Input = it.Input.Merge(src)
	it.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) Predecessors(ctx context.Context, id string) ([]*work.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*work.Item, 0, len(s.preds[id]))
	for _, pid := range s.preds[id] {
		if p, ok := s.items[pid]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *memStore) Successors(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.succs[id]...), nil
}

func (s *memStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, it := range s.items {
		if it.Kind != work.KindOneTime || !it.State.Terminal() || !it.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.items, id)
		for _, pid := range s.preds[id] {
			s.succs[pid] = removeString(s.succs[pid], id)
		}
		for _, sid := range s.succs[id] {
			s.preds[sid] = removeString(s.preds[sid], id)
		}
		delete(s.preds, id)
		delete(s.succs, id)
		n++
	}
	return n, nil
}

func (s *memStore) Stats(ctx context.Context) (map[work.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[work.State]int{}
	for _, it := range s.items {
		out[it.State]++
	}
	return out, nil
}

func sortItems(items []*work.Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func removeString(xs []string, v string) []string {
	out := xs[:0]
	for _, x := range xs {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
