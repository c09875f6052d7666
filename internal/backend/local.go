package backend

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"workd/internal/work"
	logx "workd/pkg/logx"

	rtsup "workd/internal/runtime/supervisor"
)

// Config controls the in-process execution pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a single job body. 0 disables the bound; item
	// timeouts are otherwise a backend concern the core does not impose.
	DefaultTimeout time.Duration
}

// Local runs job bodies on a bounded worker pool so long-running or blocking
// logic never stalls the dispatcher's coordination loop.
type Local struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	reg *Registry

	sink ResultSink

	q        chan Job
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *rtsup.Supervisor

	liveMu sync.Mutex
	live   map[string]*liveJob
}

type liveJob struct {
	cancel   context.CancelFunc
	signal   chan struct{}
	reason   CancelReason
	signaled bool
}

var ErrStopped = errors.New("backend: stopped")

func NewLocal(cfg Config, reg *Registry, sink ResultSink, log logx.Logger) *Local {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Local{cfg: cfg, log: log, reg: reg, sink: sink, live: map[string]*liveJob{}}
}

func (b *Local) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.stopCh != nil {
		b.mu.Unlock()
		return
	}
	b.q = make(chan Job, b.cfg.QueueSize)
	b.stopCh = make(chan struct{})
	b.stopDone = nil
	queue := b.q
	stopCh := b.stopCh
	workers := b.cfg.Workers

	b.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "backend"))),
	)
	sup := b.sup
	b.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			b.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	b.log.Info("backend started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

func (b *Local) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.stopCh == nil {
		b.mu.Unlock()
		return
	}
	if b.stopDone != nil {
		done := b.stopDone
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	b.stopDone = done
	close(b.stopCh)
	sup := b.sup
	b.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		b.mu.Lock()
		b.q = nil
		b.stopCh = nil
		b.stopDone = nil
		b.sup = nil
		b.mu.Unlock()
		// Entries for jobs still queued when the workers exited will never
		// be claimed; drop them.
		b.liveMu.Lock()
		b.live = map[string]*liveJob{}
		b.liveMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		b.log.Info("backend stopped")
	case <-ctx.Done():
		b.log.Warn("backend stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit blocks until the pool accepts the job, ctx is done, or the backend
// stops. Each accepted job yields exactly one Result on the sink.
func (b *Local) Submit(ctx context.Context, job Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	q := b.q
	stopCh := b.stopCh
	b.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}

	// Track the job from acceptance so a Cancel that lands while it is still
	// queued is honored on dequeue.
	lj := b.track(job.ID)
	select {
	case q <- job:
		return nil
	case <-ctx.Done():
		b.untrack(job.ID, lj)
		return ctx.Err()
	case <-stopCh:
		b.untrack(job.ID, lj)
		return ErrStopped
	}
}

func (b *Local) track(id string) *liveJob {
	b.liveMu.Lock()
	defer b.liveMu.Unlock()
	lj := b.live[id]
	if lj == nil {
		lj = &liveJob{signal: make(chan struct{})}
		b.live[id] = lj
	}
	return lj
}

func (b *Local) untrack(id string, lj *liveJob) {
	b.liveMu.Lock()
	defer b.liveMu.Unlock()
	if b.live[id] == lj {
		delete(b.live, id)
	}
}

// Cancel signals a queued or running job. The job body is expected to observe
// the signal and stop; the backend never forcibly kills it.
func (b *Local) Cancel(id string, reason CancelReason) {
	b.liveMu.Lock()
	lj := b.live[id]
	if lj == nil {
		// Unknown id: the job already reported its result, or was never
		// submitted. Nothing to signal, and nothing to remember.
		b.liveMu.Unlock()
		return
	}
	if !lj.signaled {
		lj.signaled = true
		lj.reason = reason
		close(lj.signal)
		if lj.cancel != nil {
			lj.cancel()
		}
	}
	b.liveMu.Unlock()
}

func (b *Local) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			b.execOne(ctx, job)
		}
	}
}

func (b *Local) execOne(ctx context.Context, job Job) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if b.cfg.DefaultTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, b.cfg.DefaultTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	b.liveMu.Lock()
	lj := b.live[job.ID]
	if lj == nil {
		lj = &liveJob{signal: make(chan struct{})}
		b.live[job.ID] = lj
	}
	lj.cancel = cancel
	preCancelled := lj.signaled
	reason := lj.reason
	b.liveMu.Unlock()

	defer func() {
		b.liveMu.Lock()
		delete(b.live, job.ID)
		b.liveMu.Unlock()
	}()

	if preCancelled {
		b.report(Result{ID: job.ID, Status: Cancelled, Reason: reason})
		return
	}

	syncFn, asyncFn, ok := b.reg.lookup(job.Runner)
	if !ok {
		b.report(Result{ID: job.ID, Status: Failed, Err: fmt.Errorf("backend: no runner registered for %q", job.Runner)})
		return
	}

	start := time.Now()
	b.log.Debug("job started", logx.String("id", job.ID), logx.String("runner", job.Runner))

	var output work.Payload
	var err error
	if syncFn != nil {
		output, err = b.runSync(runCtx, syncFn, job)
	} else {
		output, err = b.runAsync(runCtx, asyncFn, job, lj.signal)
	}

	dur := time.Since(start)

	// A cancel signalled during execution wins over whatever the body
	// returned; the core refuses further results from a cancelled run.
	b.liveMu.Lock()
	signaled := lj.signaled
	reason = lj.reason
	b.liveMu.Unlock()

	switch {
	case signaled:
		b.log.Debug("job cancelled", logx.String("id", job.ID), logx.String("reason", string(reason)), logx.Duration("dur", dur))
		b.report(Result{ID: job.ID, Status: Cancelled, Reason: reason})
	case err != nil:
		b.log.Warn("job failed", logx.String("id", job.ID), logx.Err(err), logx.Duration("dur", dur))
		b.report(Result{ID: job.ID, Status: Failed, Err: err})
	default:
		b.log.Debug("job succeeded", logx.String("id", job.ID), logx.Duration("dur", dur))
		b.report(Result{ID: job.ID, Status: Succeeded, Output: output})
	}
}

func (b *Local) runSync(ctx context.Context, fn Runner, job Job) (output work.Payload, err error) {
	// Guard against job panics: convert to error so one bad job can't kill a
	// worker or the process.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			b.log.Error("job panicked", logx.String("id", job.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return fn(ctx, job.Input.Clone())
}

func (b *Local) runAsync(ctx context.Context, fn AsyncRunner, job Job, cancelSig <-chan struct{}) (work.Payload, error) {
	c := newCompletion()
	started := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				b.log.Error("job panicked", logx.String("id", job.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		fn(ctx, job.Input.Clone(), c)
		return nil
	}()
	if started != nil {
		return nil, started
	}

	select {
	case res := <-c.ch:
		return res.output, res.err
	case <-cancelSig:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Local) report(res Result) {
	if b.sink != nil {
		b.sink(res)
	}
}
