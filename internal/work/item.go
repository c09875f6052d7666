// Package work defines the persistent work-item model: kinds, lifecycle
// states, payloads and enqueue-request validation.
package work

import (
	"time"

	"workd/internal/constraint"
)

// Kind distinguishes one-shot items from repeating ones.
type Kind string

const (
	KindOneTime  Kind = "onetime"
	KindPeriodic Kind = "periodic"
)

// Item is one schedulable unit of deferred work as held in the store.
type Item struct {
	ID   string
	Tags []string
	Kind Kind

	// Runner names the registered job logic to invoke. The store persists it
	// so items survive restarts and can be re-bound to their implementation.
	Runner string

	InitialDelay time.Duration
	Interval     time.Duration // periodic only
	Constraints  []constraint.Kind

	Input  Payload
	Output Payload // set once, on successful terminal completion

	State    State
	RunCount int

	// NotBefore is the earliest eligibility instant. It is recomputed on each
	// periodic reset; the dispatcher never considers the item ready before it.
	NotBefore time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so store snapshots cannot be mutated by callers.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	cp.Tags = append([]string(nil), it.Tags...)
	cp.Constraints = append([]constraint.Kind(nil), it.Constraints...)
	cp.Input = it.Input.Clone()
	cp.Output = it.Output.Clone()
	return &cp
}

// HasTag reports whether the item carries the given tag.
func (it *Item) HasTag(tag string) bool {
	for _, t := range it.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Edge is one predecessor→successor dependency.
type Edge struct {
	From string // predecessor id
	To   string // successor id
}
