// Package dispatch hosts the single coordination loop that turns store and
// environment changes into backend submissions.
//
// The loop is the only component that flips Enqueued→Running; it does so with
// a store compare-and-set, so concurrent wake-ups can never double-dispatch
// an item.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"workd/internal/backend"
	"workd/internal/constraint"
	"workd/internal/eventbus"
	"workd/internal/graph"
	"workd/internal/store"
	"workd/internal/work"
	logx "workd/pkg/logx"

	rtsup "workd/internal/runtime/supervisor"
)

type Dispatcher struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store   store.Store
	tracker *graph.Tracker
	facts   *constraint.Feed
	backend backend.Backend
	limiter *rate.Limiter

	results chan backend.Result

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
	open    map[string]*HistoryItem      // in-flight, by id
	gated   map[string][]constraint.Kind // in-flight constraint sets, by id

	dispatched uint64
	finished   uint64
	conflicts  uint64
	lateDrops  uint64
}

func New(cfg Config, st store.Store, tracker *graph.Tracker, facts *constraint.Feed, be backend.Backend, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   st,
		tracker: tracker,
		facts:   facts,
		backend: be,
		results: make(chan backend.Result, 256),
		open:    map[string]*HistoryItem{},
		gated:   map[string][]constraint.Kind{},
	}
	if cfg.RatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return d
}

// Sink returns the result callback to hand to the execution backend.
// The loop drains the channel aggressively; if it ever fills, blocking the
// reporting worker is preferable to losing a result and wedging the item in
// Running.
func (d *Dispatcher) Sink() backend.ResultSink {
	return func(res backend.Result) {
		d.results <- res
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopCh != nil {
		d.mu.Unlock()
		return
	}
	d.stopCh = make(chan struct{})
	d.stopDone = nil
	stopCh := d.stopCh

	d.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch"))),
	)
	sup := d.sup
	d.mu.Unlock()

	// Persisted state repair must happen before the first pass, and exactly
	// once per start: a loop restart must never requeue live jobs.
	d.recoverPersisted(ctx)

	sup.GoRestart("loop", func(c context.Context) error {
		return d.loop(c, stopCh)
	})

	d.log.Info("dispatcher started", logx.Int("rate_per_sec", d.cfg.RatePerSec))
}

func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopCh == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	close(d.stopCh)
	sup := d.sup
	d.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		d.mu.Lock()
		d.stopCh = nil
		d.stopDone = nil
		d.sup = nil
		d.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("dispatcher stopped")
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

// recoverPersisted reconciles state left behind by a previous process. Items
// persisted as Running have no backend job to report a result; Blocked items
// may have missed a predecessor transition that happened right before the
// crash. Both would otherwise be stranded forever.
func (d *Dispatcher) recoverPersisted(ctx context.Context) {
	ids, err := d.store.RequeueRunning(ctx)
	if err != nil {
		d.log.Error("stale running items not requeued", logx.Err(err))
	}
	for _, id := range ids {
		d.log.Info("requeued item left running by a previous run", logx.String("id", id))
	}
	if err := d.tracker.Recover(ctx); err != nil {
		d.log.Error("dependency recovery failed", logx.Err(err))
	}
}

func (d *Dispatcher) loop(ctx context.Context, stopCh <-chan struct{}) error {
	events, unsub := d.bus.Subscribe(64)
	defer unsub()

	// Safety-net tick: a dropped notification must only delay work, not
	// strand it.
	tick := time.NewTicker(d.cfg.PollInterval)
	defer tick.Stop()

	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	d.pass(ctx)
	d.rearm(ctx, wake)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return context.Canceled

		case res := <-d.results:
			d.onResult(ctx, res)
			d.pass(ctx)
			d.rearm(ctx, wake)

		case e, ok := <-events:
			if !ok {
				return errors.New("event bus closed")
			}
			switch e.Kind {
			case eventbus.WorkChanged:
				d.onChange(e.Work)
				d.pass(ctx)
				d.rearm(ctx, wake)
			case eventbus.FactsChanged:
				d.preempt()
				d.pass(ctx)
				d.rearm(ctx, wake)
			}

		case <-wake.C:
			d.pass(ctx)
			d.rearm(ctx, wake)

		case <-tick.C:
			d.pass(ctx)
			d.rearm(ctx, wake)
		}
	}
}

// pass recomputes the ready set and dispatches every eligible item at most
// once.
func (d *Dispatcher) pass(ctx context.Context) {
	now := time.Now()
	ready, err := d.store.ListReady(ctx, now)
	if err != nil {
		d.log.Error("ready scan failed", logx.Err(err))
		return
	}
	if len(ready) == 0 {
		return
	}
	facts := d.facts.Snapshot()

	for _, it := range ready {
		if !constraint.Satisfied(it.Constraints, facts) {
			continue
		}

		// Single-winner transition: a concurrent pass losing this CAS simply
		// skips the item.
		err := d.store.UpdateState(ctx, it.ID, work.StateEnqueued, work.StateRunning, nil)
		if err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				atomic.AddUint64(&d.conflicts, 1)
				continue
			}
			d.log.Error("dispatch transition failed", logx.String("id", it.ID), logx.Err(err))
			continue
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				// Shutting down mid-pass; the item stays Running but the
				// submit is abandoned and the backend will never report it,
				// so hand it back.
				d.requeueAfterSubmitFailure(it)
				return
			}
		}

		d.noteDispatched(it, now)
		job := backend.Job{ID: it.ID, Runner: it.Runner, Input: it.Input}
		if err := d.backend.Submit(ctx, job); err != nil {
			d.log.Warn("submit failed", logx.String("id", it.ID), logx.Err(err))
			d.onResult(ctx, backend.Result{ID: it.ID, Status: backend.Failed, Err: err})
			continue
		}
		d.log.Debug("dispatched", logx.String("id", it.ID), logx.String("runner", it.Runner))
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{
				Kind: eventbus.Dispatched,
				Work: eventbus.WorkChange{ID: it.ID, From: string(work.StateEnqueued), To: string(work.StateRunning)},
			})
		}
	}
}

func (d *Dispatcher) requeueAfterSubmitFailure(it *work.Item) {
	// Best effort with a fresh context: Running with no submission in flight
	// must not outlive shutdown if we can help it.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := d.store.Cancel(ctx, it.ID); err != nil {
		d.log.Warn("abandoned dispatch could not be cancelled", logx.String("id", it.ID), logx.Err(err))
	}
}

// preempt signals the backend to cancel every in-flight job whose constraint
// set no longer holds. The run finalizes through the normal result path with
// ReasonConstraints.
func (d *Dispatcher) preempt() {
	facts := d.facts.Snapshot()

	d.hmu.Lock()
	var stale []string
	for id, cons := range d.gated {
		if !constraint.Satisfied(cons, facts) {
			stale = append(stale, id)
		}
	}
	d.hmu.Unlock()

	for _, id := range stale {
		d.log.Info("preempting: constraints no longer hold", logx.String("id", id))
		d.backend.Cancel(id, backend.ReasonConstraints)
	}
}

// onChange reacts to store transitions the loop itself did not initiate:
// an item cancelled while Running needs its backend job signalled.
func (d *Dispatcher) onChange(c eventbus.WorkChange) {
	if c.To == string(work.StateCancelled) && c.From == string(work.StateRunning) {
		d.backend.Cancel(c.ID, backend.ReasonExplicit)
	}
}

// onResult finalizes one backend-reported terminal result.
func (d *Dispatcher) onResult(ctx context.Context, res backend.Result) {
	now := time.Now()
	it, err := d.store.Get(ctx, res.ID)
	if err != nil {
		d.log.Debug("result for unknown item dropped", logx.String("id", res.ID))
		return
	}

	switch res.Status {
	case backend.Succeeded:
		if it.Kind == work.KindPeriodic {
			// Periodic success is a reset, not a terminal state: next
			// eligibility opens one interval from now.
			if err := d.store.ResetPeriodic(ctx, res.ID, res.Output, now.Add(it.Interval)); err != nil {
				d.dropLate(res.ID, err)
				return
			}
			d.noteFinished(res.ID, now, work.StateEnqueued, "")
			return
		}
		if err := d.store.UpdateState(ctx, res.ID, work.StateRunning, work.StateSucceeded, res.Output); err != nil {
			d.dropLate(res.ID, err)
			return
		}
		d.noteFinished(res.ID, now, work.StateSucceeded, "")
		d.propagate(ctx, res.ID, work.StateSucceeded, res.Output)

	case backend.Failed:
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		if err := d.store.UpdateState(ctx, res.ID, work.StateRunning, work.StateFailed, nil); err != nil {
			d.dropLate(res.ID, err)
			return
		}
		d.noteFinished(res.ID, now, work.StateFailed, errMsg)
		d.propagate(ctx, res.ID, work.StateFailed, nil)

	case backend.Cancelled:
		// Explicit cancellation already flipped the store; this is just the
		// backend's acknowledgement. Preemption (constraints ceased,
		// backend-initiated) finalizes the run as Cancelled the same way.
		err := d.store.UpdateState(ctx, res.ID, work.StateRunning, work.StateCancelled, nil)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			d.dropLate(res.ID, err)
			return
		}
		d.noteFinished(res.ID, now, work.StateCancelled, string(res.Reason))
		if err == nil {
			// We flipped it (preemption); propagation has not run yet.
			d.propagate(ctx, res.ID, work.StateCancelled, nil)
		}
	}

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Kind: eventbus.Finished, Work: eventbus.WorkChange{ID: res.ID}})
	}
}

func (d *Dispatcher) propagate(ctx context.Context, id string, status work.State, output work.Payload) {
	if err := d.tracker.OnTerminal(ctx, id, status, output); err != nil {
		d.log.Error("propagation failed", logx.String("id", id), logx.Err(err))
	}
}

func (d *Dispatcher) dropLate(id string, err error) {
	if errors.Is(err, store.ErrConflict) {
		// The item reached a terminal state (typically Cancelled) while the
		// job was running; the core refuses late results from that run.
		atomic.AddUint64(&d.lateDrops, 1)
		d.log.Debug("late result dropped", logx.String("id", id))
		return
	}
	d.log.Error("result finalize failed", logx.String("id", id), logx.Err(err))
}

// rearm points the wake timer at the next NotBefore instant.
func (d *Dispatcher) rearm(ctx context.Context, wake *time.Timer) {
	if !wake.Stop() {
		select {
		case <-wake.C:
		default:
		}
	}
	now := time.Now()
	next, ok, err := d.store.NextWake(ctx, now)
	if err != nil {
		d.log.Error("next wake scan failed", logx.Err(err))
		ok = false
	}
	if !ok {
		wake.Reset(time.Hour)
		return
	}
	dur := next.Sub(now)
	if dur < time.Millisecond {
		dur = time.Millisecond
	}
	wake.Reset(dur)
}

// ---- diagnostics ----

func (d *Dispatcher) noteDispatched(it *work.Item, now time.Time) {
	atomic.AddUint64(&d.dispatched, 1)
	d.hmu.Lock()
	d.open[it.ID] = &HistoryItem{ID: it.ID, Runner: it.Runner, Dispatched: now}
	if len(it.Constraints) > 0 {
		d.gated[it.ID] = append([]constraint.Kind(nil), it.Constraints...)
	}
	d.hmu.Unlock()
}

func (d *Dispatcher) noteFinished(id string, now time.Time, status work.State, errMsg string) {
	atomic.AddUint64(&d.finished, 1)
	d.hmu.Lock()
	h := d.open[id]
	if h == nil {
		h = &HistoryItem{ID: id, Dispatched: now}
	}
	delete(d.open, id)
	delete(d.gated, id)
	h.Finished = now
	h.Status = status
	h.Error = errMsg
	d.history = append(d.history, *h)
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[len(d.history)-d.cfg.HistorySize:]
	}
	d.hmu.Unlock()
}

func (d *Dispatcher) Snapshot(ctx context.Context) Snapshot {
	d.hmu.Lock()
	h := make([]HistoryItem, len(d.history))
	copy(h, d.history)
	d.hmu.Unlock()

	states, err := d.store.Stats(ctx)
	if err != nil {
		states = nil
	}

	return Snapshot{
		Dispatched: atomic.LoadUint64(&d.dispatched),
		Finished:   atomic.LoadUint64(&d.finished),
		Conflicts:  atomic.LoadUint64(&d.conflicts),
		LateDrops:  atomic.LoadUint64(&d.lateDrops),
		States:     states,
		History:    h,
	}
}
