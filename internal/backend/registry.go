package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"workd/internal/work"
)

// Runner is the synchronous job contract: the body runs to completion on a
// pool worker and the returned payload/error is the result.
type Runner func(ctx context.Context, input work.Payload) (work.Payload, error)

// AsyncRunner is the asynchronous job contract: the body starts on a pool
// worker, returns immediately, and completes c from whatever goroutine or
// callback it chooses.
type AsyncRunner func(ctx context.Context, input work.Payload, c *Completion)

// Completion is the promise an AsyncRunner settles. Complete may be called
// from any goroutine; only the first call counts.
type Completion struct {
	once sync.Once
	ch   chan completionResult
}

type completionResult struct {
	output work.Payload
	err    error
}

func newCompletion() *Completion {
	return &Completion{ch: make(chan completionResult, 1)}
}

// Complete settles the job with its output (or error).
func (c *Completion) Complete(output work.Payload, err error) {
	c.once.Do(func() {
		c.ch <- completionResult{output: output, err: err}
	})
}

// Registry maps persisted runner names to job logic so stored items can be
// re-bound to their implementation after a restart.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
	asyncs  map[string]AsyncRunner
}

func NewRegistry() *Registry {
	return &Registry{runners: map[string]Runner{}, asyncs: map[string]AsyncRunner{}}
}

func (r *Registry) Register(name string, fn Runner) error {
	return r.add(name, fn, nil)
}

func (r *Registry) RegisterAsync(name string, fn AsyncRunner) error {
	return r.add(name, nil, fn)
}

func (r *Registry) add(name string, s Runner, a AsyncRunner) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("backend: runner name is required")
	}
	if s == nil && a == nil {
		return fmt.Errorf("backend: runner func is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.runners[name]; dup {
		return fmt.Errorf("backend: runner %q already registered", name)
	}
	if _, dup := r.asyncs[name]; dup {
		return fmt.Errorf("backend: runner %q already registered", name)
	}
	if s != nil {
		r.runners[name] = s
	} else {
		r.asyncs[name] = a
	}
	return nil
}

func (r *Registry) lookup(name string) (Runner, AsyncRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.runners[name]; ok {
		return s, nil, true
	}
	if a, ok := r.asyncs[name]; ok {
		return nil, a, true
	}
	return nil, nil, false
}
