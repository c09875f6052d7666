package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"workd/internal/constraint"
	"workd/internal/eventbus"
	"workd/internal/work"
	"workd/pkg/logx"
)

// openStore builds one driver instance. Times in these tests are truncated to
// milliseconds because that is the sqlite column resolution.
func openStore(t *testing.T, driver string, bus eventbus.Bus) Store {
	t.Helper()
	switch driver {
	case "memory":
		return NewMemory(bus)
	case "sqlite":
		s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "work.db")}, logx.Nop(), bus)
		if err != nil {
			t.Fatalf("Open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	default:
		t.Fatalf("unknown driver %q", driver)
		return nil
	}
}

// withEachDriver runs the same contract test against every driver.
func withEachDriver(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, driver := range []string{"memory", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			fn(t, openStore(t, driver, nil))
		})
	}
}

func newItem(id string, st work.State) *work.Item {
	now := time.Now().Truncate(time.Millisecond)
	return &work.Item{
		ID:        id,
		Kind:      work.KindOneTime,
		Runner:    "noop",
		State:     st,
		NotBefore: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func mustPut(t *testing.T, s Store, items []*work.Item, edges []work.Edge) {
	t.Helper()
	if err := s.Put(context.Background(), items, edges); err != nil {
		t.Fatalf("Put error: %v", err)
	}
}

func TestPutRejectsDuplicates(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		mustPut(t, s, []*work.Item{newItem("a", work.StateEnqueued)}, nil)

		err := s.Put(context.Background(), []*work.Item{newItem("a", work.StateEnqueued)}, nil)
		if !errors.Is(err, ErrExists) {
			t.Fatalf("err = %v, want ErrExists", err)
		}
	})
}

func TestGetReturnsDetachedCopy(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		it := newItem("a", work.StateEnqueued)
		it.Input = work.Payload{"k": "v"}
		mustPut(t, s, []*work.Item{it}, nil)

		got, err := s.Get(context.Background(), "a")
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		got.Input["k"] = "mutated"
		got.State = work.StateFailed

		again, err := s.Get(context.Background(), "a")
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if again.Input["k"] != "v" || again.State != work.StateEnqueued {
			t.Fatal("mutating a returned item leaked into the store")
		}

		if _, err := s.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestQueryByTag(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		a := newItem("a", work.StateEnqueued)
		a.Tags = []string{"batch", "nightly"}
		b := newItem("b", work.StateEnqueued)
		b.Tags = []string{"batch"}
		c := newItem("c", work.StateEnqueued)
		mustPut(t, s, []*work.Item{a, b, c}, nil)

		got, err := s.QueryByTag(context.Background(), "batch")
		if err != nil {
			t.Fatalf("QueryByTag error: %v", err)
		}
		if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
			t.Fatalf("QueryByTag = %v, want [a b]", got)
		}
		if len(got[0].Tags) != 2 {
			t.Fatalf("tags not loaded: %v", got[0].Tags)
		}

		got, err = s.QueryByTag(context.Background(), "absent")
		if err != nil || len(got) != 0 {
			t.Fatalf("QueryByTag(absent) = %v, %v", got, err)
		}
	})
}

func TestListByState(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		mustPut(t, s, []*work.Item{
			newItem("r1", work.StateRunning),
			newItem("r2", work.StateRunning),
			newItem("e", work.StateEnqueued),
			newItem("b", work.StateBlocked),
		}, nil)

		got, err := s.ListByState(context.Background(), work.StateRunning)
		if err != nil {
			t.Fatalf("ListByState error: %v", err)
		}
		if len(got) != 2 || got[0].ID != "r1" || got[1].ID != "r2" {
			t.Fatalf("ListByState = %v, want [r1 r2]", got)
		}

		got, err = s.ListByState(context.Background(), work.StateFailed)
		if err != nil || len(got) != 0 {
			t.Fatalf("ListByState(failed) = %v, %v", got, err)
		}
	})
}

func TestUpdateStateCASSingleWinner(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		mustPut(t, s, []*work.Item{newItem("a", work.StateEnqueued)}, nil)

		const racers = 8
		var wg sync.WaitGroup
		wins := make(chan struct{}, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.UpdateState(context.Background(), "a", work.StateEnqueued, work.StateRunning, nil)
				if err == nil {
					wins <- struct{}{}
				} else if !errors.Is(err, ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		close(wins)

		n := 0
		for range wins {
			n++
		}
		if n != 1 {
			t.Fatalf("CAS winners = %d, want exactly 1", n)
		}
	})
}

func TestUpdateStateRejectsIllegalEdges(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		mustPut(t, s, []*work.Item{newItem("a", work.StateSucceeded)}, nil)

		// one-time Succeeded is final
		err := s.UpdateState(context.Background(), "a", work.StateSucceeded, work.StateEnqueued, nil)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
	})
}

func TestListReadyFilters(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		now := time.Now().Truncate(time.Millisecond)

		ready := newItem("ready", work.StateEnqueued)
		delayed := newItem("delayed", work.StateEnqueued)
		delayed.NotBefore = now.Add(time.Hour)
		running := newItem("running", work.StateRunning)
		pred := newItem("pred", work.StateEnqueued)
		gated := newItem("gated", work.StateEnqueued)

		mustPut(t, s, []*work.Item{ready, delayed, running, pred, gated},
			[]work.Edge{{From: "pred", To: "gated"}})

		got, err := s.ListReady(context.Background(), now)
		if err != nil {
			t.Fatalf("ListReady error: %v", err)
		}
		ids := map[string]bool{}
		for _, it := range got {
			ids[it.ID] = true
		}
		if !ids["ready"] || !ids["pred"] {
			t.Fatalf("expected ready+pred, got %v", ids)
		}
		if ids["delayed"] || ids["running"] || ids["gated"] {
			t.Fatalf("unexpected ready items: %v", ids)
		}

		// once the predecessor succeeds, the gated item becomes ready
		if err := s.UpdateState(context.Background(), "pred", work.StateEnqueued, work.StateRunning, nil); err != nil {
			t.Fatalf("UpdateState error: %v", err)
		}
		if err := s.UpdateState(context.Background(), "pred", work.StateRunning, work.StateSucceeded, nil); err != nil {
			t.Fatalf("UpdateState error: %v", err)
		}
		got, err = s.ListReady(context.Background(), now)
		if err != nil {
			t.Fatalf("ListReady error: %v", err)
		}
		found := false
		for _, it := range got {
			if it.ID == "gated" {
				found = true
			}
		}
		if !found {
			t.Fatal("gated item should be ready after predecessor succeeded")
		}
	})
}

func TestNextWake(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		now := time.Now().Truncate(time.Millisecond)

		if _, ok, err := s.NextWake(context.Background(), now); err != nil || ok {
			t.Fatalf("NextWake on empty store = ok=%v err=%v, want none", ok, err)
		}

		far := newItem("far", work.StateEnqueued)
		far.NotBefore = now.Add(2 * time.Hour)
		near := newItem("near", work.StateEnqueued)
		near.NotBefore = now.Add(10 * time.Minute)
		mustPut(t, s, []*work.Item{far, near}, nil)

		next, ok, err := s.NextWake(context.Background(), now)
		if err != nil || !ok {
			t.Fatalf("NextWake = ok=%v err=%v", ok, err)
		}
		if !next.Equal(near.NotBefore) {
			t.Fatalf("next = %v, want %v", next, near.NotBefore)
		}
	})
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		mustPut(t, s, []*work.Item{newItem("a", work.StateEnqueued)}, nil)

		prev, changed, err := s.Cancel(context.Background(), "a")
		if err != nil || !changed || prev != work.StateEnqueued {
			t.Fatalf("Cancel = (%s, %v, %v)", prev, changed, err)
		}

		prev, changed, err = s.Cancel(context.Background(), "a")
		if err != nil || changed || prev != work.StateCancelled {
			t.Fatalf("second Cancel = (%s, %v, %v), want unchanged", prev, changed, err)
		}

		if _, _, err := s.Cancel(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestResetPeriodic(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		it := newItem("p", work.StateRunning)
		it.Kind = work.KindPeriodic
		it.Interval = time.Hour
		mustPut(t, s, []*work.Item{it}, nil)

		next := time.Now().Truncate(time.Millisecond).Add(time.Hour)
		if err := s.ResetPeriodic(context.Background(), "p", work.Payload{"runs": "1"}, next); err != nil {
			t.Fatalf("ResetPeriodic error: %v", err)
		}

		got, err := s.Get(context.Background(), "p")
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.State != work.StateEnqueued || got.RunCount != 1 {
			t.Fatalf("state=%s runs=%d, want enqueued/1", got.State, got.RunCount)
		}
		if !got.NotBefore.Equal(next) {
			t.Fatalf("NotBefore = %v, want %v", got.NotBefore, next)
		}
		if got.Output["runs"] != "1" {
			t.Fatalf("Output = %v", got.Output)
		}

		// one-time items cannot be reset
		mustPut(t, s, []*work.Item{newItem("o", work.StateRunning)}, nil)
		if err := s.ResetPeriodic(context.Background(), "o", nil, next); !errors.Is(err, ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
	})
}

func TestRequeueRunning(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		mustPut(t, s, []*work.Item{
			newItem("r1", work.StateRunning),
			newItem("r2", work.StateRunning),
			newItem("e", work.StateEnqueued),
			newItem("done", work.StateSucceeded),
		}, nil)

		ids, err := s.RequeueRunning(context.Background())
		if err != nil {
			t.Fatalf("RequeueRunning error: %v", err)
		}
		if len(ids) != 2 || ids[0] != "r1" || ids[1] != "r2" {
			t.Fatalf("requeued = %v, want [r1 r2]", ids)
		}

		for _, id := range []string{"r1", "r2", "e"} {
			it, err := s.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("Get(%s) error: %v", id, err)
			}
			if it.State != work.StateEnqueued {
				t.Fatalf("%s state = %s, want enqueued", id, it.State)
			}
		}
		done, err := s.Get(context.Background(), "done")
		if err != nil || done.State != work.StateSucceeded {
			t.Fatalf("terminal item touched: %v, %v", done, err)
		}

		// second sweep finds nothing
		ids, err = s.RequeueRunning(context.Background())
		if err != nil || len(ids) != 0 {
			t.Fatalf("second sweep = %v, %v, want empty", ids, err)
		}
	})
}

func TestMergeInputFreezesLateStates(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		mustPut(t, s, []*work.Item{newItem("a", work.StateRunning)}, nil)

		err := s.MergeInput(context.Background(), "a", work.Payload{"k": "v"})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict for running item", err)
		}
	})
}

func TestPruneRemovesAgedTerminals(t *testing.T) {
	t.Parallel()
	withEachDriver(t, func(t *testing.T, s Store) {
		old := newItem("old", work.StateSucceeded)
		old.UpdatedAt = time.Now().Add(-48 * time.Hour).Truncate(time.Millisecond)
		fresh := newItem("fresh", work.StateFailed)
		live := newItem("live", work.StateEnqueued)
		live.UpdatedAt = old.UpdatedAt
		periodic := newItem("per", work.StateEnqueued)
		periodic.Kind = work.KindPeriodic
		periodic.Interval = time.Hour
		periodic.UpdatedAt = old.UpdatedAt

		mustPut(t, s, []*work.Item{old, fresh, live, periodic}, nil)

		n, err := s.Prune(context.Background(), time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("Prune error: %v", err)
		}
		if n != 1 {
			t.Fatalf("pruned = %d, want 1", n)
		}
		if _, err := s.Get(context.Background(), "old"); !errors.Is(err, ErrNotFound) {
			t.Fatal("old terminal item should be gone")
		}
		for _, id := range []string{"fresh", "live", "per"} {
			if _, err := s.Get(context.Background(), id); err != nil {
				t.Fatalf("%s should survive prune: %v", id, err)
			}
		}
	})
}

func TestMutationsPublishChanges(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			bus := eventbus.New()
			events, unsub := bus.Subscribe(16)
			defer unsub()

			s := openStore(t, driver, bus)
			mustPut(t, s, []*work.Item{newItem("a", work.StateEnqueued)}, nil)

			ev := <-events
			if ev.Kind != eventbus.WorkChanged {
				t.Fatalf("event kind = %s, want %s", ev.Kind, eventbus.WorkChanged)
			}
			if ev.Work.ID != "a" || ev.Work.To != string(work.StateEnqueued) {
				t.Fatalf("unexpected change: %+v", ev.Work)
			}
		})
	}
}

// TestSQLiteReopenKeepsItems closes a database and reopens the same file:
// fields that round-trip through JSON columns and the edge/tag tables must
// come back intact, and readiness queries must still honor predecessors.
func TestSQLiteReopenKeepsItems(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "work.db")
	ctx := context.Background()

	s, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}

	first := newItem("first", work.StateEnqueued)
	first.Tags = []string{"chain"}
	first.Constraints = []constraint.Kind{constraint.NetworkConnected}
	first.Input = work.Payload{"url": "https://example.com"}
	second := newItem("second", work.StateBlocked)
	second.Tags = []string{"chain"}
	mustPut(t, s, []*work.Item{first, second}, []work.Edge{{From: "first", To: "second"}})

	if err := s.UpdateState(ctx, "first", work.StateEnqueued, work.StateRunning, nil); err != nil {
		t.Fatalf("UpdateState error: %v", err)
	}
	if err := s.UpdateState(ctx, "first", work.StateRunning, work.StateSucceeded, work.Payload{"status": "200"}); err != nil {
		t.Fatalf("UpdateState error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	s, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Get(ctx, "first")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != work.StateSucceeded || got.Output["status"] != "200" {
		t.Fatalf("first = %s/%v, want succeeded/status=200", got.State, got.Output)
	}
	if got.Input["url"] != "https://example.com" {
		t.Fatalf("input lost: %v", got.Input)
	}
	if len(got.Constraints) != 1 || got.Constraints[0] != constraint.NetworkConnected {
		t.Fatalf("constraints lost: %v", got.Constraints)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "chain" {
		t.Fatalf("tags lost: %v", got.Tags)
	}

	preds, err := s.Predecessors(ctx, "second")
	if err != nil || len(preds) != 1 || preds[0].ID != "first" {
		t.Fatalf("edge lost: %v, %v", preds, err)
	}

	// second is still Blocked, so it stays invisible to the ready scan even
	// though its predecessor has succeeded.
	ready, err := s.ListReady(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListReady error: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("ready = %v, want empty", ready)
	}
	if err := s.UpdateState(ctx, "second", work.StateBlocked, work.StateEnqueued, nil); err != nil {
		t.Fatalf("UpdateState error: %v", err)
	}
	ready, err = s.ListReady(ctx, time.Now())
	if err != nil || len(ready) != 1 || ready[0].ID != "second" {
		t.Fatalf("ready = %v, %v, want [second]", ready, err)
	}
}
