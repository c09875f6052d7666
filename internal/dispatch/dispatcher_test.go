package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"workd/internal/backend"
	"workd/internal/constraint"
	"workd/internal/eventbus"
	"workd/internal/graph"
	"workd/internal/store"
	"workd/internal/work"
	"workd/pkg/logx"
)

type harness struct {
	bus   eventbus.Bus
	store store.Store
	feed  *constraint.Feed
	reg   *backend.Registry
	be    *backend.Local
	disp  *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := eventbus.New()
	st := store.NewMemory(bus)
	feed := constraint.NewFeed(logx.Logger{}, bus)
	tracker := graph.NewTracker(st, logx.Logger{})
	reg := backend.NewRegistry()

	var disp *Dispatcher
	be := backend.NewLocal(backend.Config{Workers: 2, QueueSize: 16}, reg, func(res backend.Result) {
		disp.Sink()(res)
	}, logx.Logger{})

	disp = New(Config{PollInterval: 25 * time.Millisecond}, st, tracker, feed, be, logx.Logger{}, bus)

	be.Start(context.Background())
	disp.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		disp.Stop(ctx)
		be.Stop(ctx)
	})
	return &harness{bus: bus, store: st, feed: feed, reg: reg, be: be, disp: disp}
}

func (h *harness) put(t *testing.T, edges []work.Edge, items ...*work.Item) {
	t.Helper()
	now := time.Now()
	for _, it := range items {
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
			it.UpdatedAt = now
		}
	}
	if err := h.store.Put(context.Background(), items, edges); err != nil {
		t.Fatalf("Put error: %v", err)
	}
}

func (h *harness) waitState(t *testing.T, id string, want work.State) *work.Item {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last *work.Item
	for time.Now().Before(deadline) {
		it, err := h.store.Get(context.Background(), id)
		if err == nil {
			last = it
			if it.State == want {
				return it
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("%s state = %s, want %s", id, last.State, want)
	}
	t.Fatalf("%s never appeared", id)
	return nil
}

func enqueued(id, runner string) *work.Item {
	return &work.Item{ID: id, Kind: work.KindOneTime, Runner: runner, State: work.StateEnqueued}
}

func TestIndependentItemsBothSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_ = h.reg.Register("echo", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		return work.Payload{"from": input["name"]}, nil
	})

	a := enqueued("a", "echo")
	a.Input = work.Payload{"name": "a"}
	b := enqueued("b", "echo")
	b.Input = work.Payload{"name": "b"}
	h.put(t, nil, a, b)

	gotA := h.waitState(t, "a", work.StateSucceeded)
	gotB := h.waitState(t, "b", work.StateSucceeded)
	if gotA.Output["from"] != "a" || gotB.Output["from"] != "b" {
		t.Fatalf("outputs: a=%v b=%v", gotA.Output, gotB.Output)
	}
}

func TestChainPropagatesOutputs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_ = h.reg.Register("produce", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		return work.Payload{"token": "t-123"}, nil
	})
	seen := make(chan work.Payload, 1)
	_ = h.reg.Register("consume", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		seen <- input
		return nil, nil
	})

	a := enqueued("a", "produce")
	b := enqueued("b", "consume")
	b.State = work.StateBlocked
	b.Input = work.Payload{"own": "v"}
	h.put(t, []work.Edge{{From: "a", To: "b"}}, a, b)

	h.waitState(t, "b", work.StateSucceeded)

	input := <-seen
	if input["token"] != "t-123" || input["own"] != "v" {
		t.Fatalf("successor input = %v, want union of own input and predecessor output", input)
	}
}

func TestFailedPredecessorPoisonsSuccessor(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_ = h.reg.Register("fail", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		return nil, errors.New("no luck")
	})
	_ = h.reg.Register("never", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		t.Error("successor of a failed item must not run")
		return nil, nil
	})

	a := enqueued("a", "fail")
	b := enqueued("b", "never")
	b.State = work.StateBlocked
	h.put(t, []work.Edge{{From: "a", To: "b"}}, a, b)

	h.waitState(t, "a", work.StateFailed)
	h.waitState(t, "b", work.StateCancelled)
}

func TestConstraintGatingAndFactFlip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ran := make(chan struct{}, 1)
	_ = h.reg.Register("netjob", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		ran <- struct{}{}
		return nil, nil
	})

	it := enqueued("n", "netjob")
	it.Constraints = []constraint.Kind{constraint.NetworkConnected}
	h.put(t, nil, it)

	// constraint unmet: the item must stay enqueued across several passes
	time.Sleep(100 * time.Millisecond)
	got, err := h.store.Get(context.Background(), "n")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != work.StateEnqueued {
		t.Fatalf("state = %s, want enqueued while gated", got.State)
	}
	select {
	case <-ran:
		t.Fatal("gated item ran")
	default:
	}

	h.feed.Set(constraint.NetworkConnected, true)
	h.waitState(t, "n", work.StateSucceeded)
	<-ran
}

func TestNotBeforeDelaysDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_ = h.reg.Register("noop", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		return nil, nil
	})

	it := enqueued("d", "noop")
	it.NotBefore = time.Now().Add(150 * time.Millisecond)
	h.put(t, nil, it)

	time.Sleep(50 * time.Millisecond)
	got, err := h.store.Get(context.Background(), "d")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != work.StateEnqueued {
		t.Fatalf("state = %s, want enqueued before NotBefore", got.State)
	}

	h.waitState(t, "d", work.StateSucceeded)
}

func TestPeriodicSuccessResets(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_ = h.reg.Register("tick", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		return work.Payload{"beat": "1"}, nil
	})

	it := &work.Item{
		ID: "p", Kind: work.KindPeriodic, Runner: "tick",
		Interval: 15 * time.Minute, State: work.StateEnqueued,
	}
	h.put(t, nil, it)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.store.Get(context.Background(), "p")
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.RunCount == 1 {
			if got.State != work.StateEnqueued {
				t.Fatalf("state = %s, want enqueued after reset", got.State)
			}
			if got.Output["beat"] != "1" {
				t.Fatalf("output = %v", got.Output)
			}
			if !got.NotBefore.After(time.Now().Add(10 * time.Minute)) {
				t.Fatalf("NotBefore = %v, want about one interval out", got.NotBefore)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("periodic item never completed a run")
}

func TestCancelRunningItemSticks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	started := make(chan struct{})
	_ = h.reg.Register("slow", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		close(started)
		<-ctx.Done()
		return work.Payload{"late": "result"}, nil
	})

	h.put(t, nil, enqueued("s", "slow"))
	h.waitState(t, "s", work.StateRunning)
	<-started

	if _, changed, err := h.store.Cancel(context.Background(), "s"); err != nil || !changed {
		t.Fatalf("Cancel = changed=%v err=%v", changed, err)
	}

	got := h.waitState(t, "s", work.StateCancelled)
	if got.Output != nil {
		t.Fatalf("cancelled item recorded output %v", got.Output)
	}

	// the late body result must not resurrect the item
	time.Sleep(100 * time.Millisecond)
	got, err := h.store.Get(context.Background(), "s")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != work.StateCancelled {
		t.Fatalf("state = %s, want cancelled to stick", got.State)
	}

	snap := h.disp.Snapshot(context.Background())
	if snap.Dispatched == 0 {
		t.Fatal("snapshot should count the dispatch")
	}
}

func TestFactFlipPreemptsRunningItem(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	started := make(chan struct{})
	_ = h.reg.Register("longnet", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	h.feed.Set(constraint.NetworkConnected, true)
	it := enqueued("p", "longnet")
	it.Constraints = []constraint.Kind{constraint.NetworkConnected}
	h.put(t, nil, it)

	h.waitState(t, "p", work.StateRunning)
	<-started

	// losing the fact while the body runs cancels the run, not just future
	// dispatches
	h.feed.Set(constraint.NetworkConnected, false)
	h.waitState(t, "p", work.StateCancelled)
}

func TestStartRepairsPersistedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	st := store.NewMemory(bus)
	feed := constraint.NewFeed(logx.Logger{}, bus)
	tracker := graph.NewTracker(st, logx.Logger{})
	reg := backend.NewRegistry()

	// State a previous process left behind: an item that was mid-run when it
	// died, and a Blocked successor whose predecessor had already failed.
	crashed := enqueued("crashed", "echo")
	crashed.State = work.StateRunning
	failedPred := enqueued("failed-pred", "echo")
	failedPred.State = work.StateFailed
	stranded := enqueued("stranded", "echo")
	stranded.State = work.StateBlocked
	now := time.Now()
	for _, it := range []*work.Item{crashed, failedPred, stranded} {
		it.CreatedAt = now
		it.UpdatedAt = now
	}
	if err := st.Put(ctx, []*work.Item{crashed, failedPred, stranded},
		[]work.Edge{{From: "failed-pred", To: "stranded"}}); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	_ = reg.Register("echo", func(ctx context.Context, input work.Payload) (work.Payload, error) {
		return work.Payload{"ran": "yes"}, nil
	})

	var disp *Dispatcher
	be := backend.NewLocal(backend.Config{Workers: 2, QueueSize: 16}, reg, func(res backend.Result) {
		disp.Sink()(res)
	}, logx.Logger{})
	disp = New(Config{PollInterval: 25 * time.Millisecond}, st, tracker, feed, be, logx.Logger{}, bus)

	be.Start(ctx)
	disp.Start(ctx)
	h := &harness{bus: bus, store: st, feed: feed, reg: reg, be: be, disp: disp}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		disp.Stop(sctx)
		be.Stop(sctx)
	})

	// The stale Running item is requeued and runs to completion.
	got := h.waitState(t, "crashed", work.StateSucceeded)
	if got.Output["ran"] != "yes" {
		t.Fatalf("crashed output = %v, want ran=yes", got.Output)
	}
	// The stranded successor is poisoned by its failed predecessor.
	h.waitState(t, "stranded", work.StateCancelled)
}
