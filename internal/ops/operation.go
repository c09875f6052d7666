// Package ops exposes asynchronous, observable handles: Operation for
// enqueue/cancel actions, and Watcher for work-item state streams.
package ops

import (
	"context"
	"sync"
)

// Status is the observable phase of an Operation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Operation is a one-shot promise for an enqueue or cancel action.
//
// It starts Pending and resolves exactly once to Success or Failure. Any
// number of observers may subscribe; subscribing after resolution delivers
// the resolved value immediately, so no notification can be missed.
type Operation struct {
	mu     sync.Mutex
	status Status
	err    error
	subs   []func(Status, error)

	done chan struct{}
}

// NewOperation returns a pending operation.
func NewOperation() *Operation {
	return &Operation{status: StatusPending, done: make(chan struct{})}
}

// Resolve marks the operation successful. Calls after the first resolution
// are no-ops.
func (o *Operation) Resolve() { o.settle(StatusSuccess, nil) }

// Fail marks the operation failed. Calls after the first resolution are
// no-ops.
func (o *Operation) Fail(err error) { o.settle(StatusFailure, err) }

func (o *Operation) settle(status Status, err error) {
	o.mu.Lock()
	if o.status != StatusPending {
		o.mu.Unlock()
		return
	}
	o.status = status
	o.err = err
	subs := o.subs
	o.subs = nil
	o.mu.Unlock()

	close(o.done)
	for _, fn := range subs {
		if fn != nil {
			fn(status, err)
		}
	}
}

// Status returns the current phase.
func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Err returns the failure cause, nil while pending or on success.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Done returns a channel closed once the operation is terminal.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait blocks until the operation resolves or ctx is cancelled, returning the
// operation's error (nil on success).
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return o.Err()
	}
}

// Subscribe registers fn to run once when the operation resolves. If it has
// already resolved, fn runs synchronously before Subscribe returns. The
// returned cancel detaches a not-yet-notified subscriber.
func (o *Operation) Subscribe(fn func(Status, error)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	if o.status != StatusPending {
		status, err := o.status, o.err
		o.mu.Unlock()
		fn(status, err)
		return func() {}
	}
	o.subs = append(o.subs, fn)
	idx := len(o.subs) - 1
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			if idx < len(o.subs) {
				o.subs[idx] = nil
			}
			o.mu.Unlock()
		})
	}
}
