package graph

import (
	"context"
	"errors"

	"workd/internal/store"
	"workd/internal/work"
	logx "workd/pkg/logx"
)

// Tracker applies terminal results to the dependency graph held in the store.
//
// It is the only component that flips Blocked→Enqueued or propagates
// cancellation through chains.
type Tracker struct {
	store store.Store
	log   logx.Logger
}

func NewTracker(st store.Store, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{store: st, log: log}
}

// OnTerminal reacts to one item reaching a terminal state.
//
// Succeeded: merge the item's output into every direct successor's input and
// unblock successors whose predecessors are now all Succeeded.
//
// Failed/Cancelled: poison every descendant exactly once.
func (t *Tracker) OnTerminal(ctx context.Context, id string, status work.State, output work.Payload) error {
	switch status {
	case work.StateSucceeded:
		return t.onSucceeded(ctx, id, output)
	case work.StateFailed, work.StateCancelled:
		return t.poison(ctx, id)
	default:
		return nil
	}
}

// Recover repairs dependency state persisted by a dead process. A crash can
// land between a predecessor's terminal transition and its propagation, so a
// Blocked item may have missed its unblock or its poisoning.
func (t *Tracker) Recover(ctx context.Context) error {
	blocked, err := t.store.ListByState(ctx, work.StateBlocked)
	if err != nil {
		return err
	}
	for _, it := range blocked {
		preds, err := t.store.Predecessors(ctx, it.ID)
		if err != nil {
			return err
		}

		poisoned := false
		for _, p := range preds {
			if p.State == work.StateFailed || p.State == work.StateCancelled {
				poisoned = true
				break
			}
		}
		if poisoned {
			if _, _, err := t.store.Cancel(ctx, it.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			t.log.Info("poisoned item with terminal predecessor", logx.String("id", it.ID))
			if err := t.poison(ctx, it.ID); err != nil {
				return err
			}
			continue
		}

		// Re-run the success path: merge any recorded predecessor outputs
		// (merging twice is harmless, the overlay is deterministic), then
		// unblock if every predecessor has succeeded.
		for _, p := range preds {
			if p.State != work.StateSucceeded || len(p.Output) == 0 {
				continue
			}
			if err := t.store.MergeInput(ctx, it.ID, p.Output); err != nil {
				if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
		}
		if err := t.maybeUnblock(ctx, it.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) onSucceeded(ctx context.Context, id string, output work.Payload) error {
	succs, err := t.store.Successors(ctx, id)
	if err != nil {
		return err
	}
	for _, sid := range succs {
		if len(output) > 0 {
			if err := t.store.MergeInput(ctx, sid, output); err != nil {
				// A successor already cancelled by a poisoned sibling branch
				// has a frozen input; that is not our problem to report.
				if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
		}
		if err := t.maybeUnblock(ctx, sid); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) maybeUnblock(ctx context.Context, id string) error {
	preds, err := t.store.Predecessors(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range preds {
		if p.State != work.StateSucceeded {
			return nil
		}
	}
	err = t.store.UpdateState(ctx, id, work.StateBlocked, work.StateEnqueued, nil)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		// Already unblocked by a concurrent predecessor, or already cancelled.
		return nil
	}
	if err == nil {
		t.log.Debug("successor unblocked", logx.String("id", id))
	}
	return err
}

// poison cancels every descendant of root. Iterative with a visited set so
// each node is handled once per propagation run, even with fan-in.
func (t *Tracker) poison(ctx context.Context, root string) error {
	visited := map[string]struct{}{root: {}}
	frontier := []string{root}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		succs, err := t.store.Successors(ctx, id)
		if err != nil {
			return err
		}
		for _, sid := range succs {
			if _, seen := visited[sid]; seen {
				continue
			}
			visited[sid] = struct{}{}

			_, changed, err := t.store.Cancel(ctx, sid)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if changed {
				t.log.Debug("descendant poisoned", logx.String("id", sid), logx.String("root", root))
			}
			// Even an already-terminal successor may have live descendants
			// (fan-in from another branch), so keep walking.
			frontier = append(frontier, sid)
		}
	}
	return nil
}
