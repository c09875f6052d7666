package work

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"workd/internal/constraint"

	"github.com/google/uuid"
)

// ErrValidation rejects a malformed enqueue request before anything is
// persisted. Callers can match it with errors.Is.
var ErrValidation = errors.New("work: invalid request")

// DefaultPeriodicFloor is the minimum interval for periodic work when the
// policy does not override it.
const DefaultPeriodicFloor = 15 * time.Minute

// Policy holds deployment-level validation knobs.
type Policy struct {
	// PeriodicFloor is the minimum accepted periodic interval.
	// Zero means DefaultPeriodicFloor.
	PeriodicFloor time.Duration

	// ClampPeriodic switches the sub-floor policy from reject (default) to
	// clamp-to-floor. Either way the outcome is deterministic: a 5m request
	// against a 15m floor is either an ErrValidation or a 15m item, never a
	// silently accepted 5m item.
	ClampPeriodic bool
}

func (p Policy) floor() time.Duration {
	if p.PeriodicFloor > 0 {
		return p.PeriodicFloor
	}
	return DefaultPeriodicFloor
}

// Request describes one work item to enqueue.
type Request struct {
	ID     string // optional; assigned when empty
	Kind   Kind
	Runner string

	Tags         []string
	Constraints  []constraint.Kind
	InitialDelay time.Duration
	Interval     time.Duration
	Input        Payload
}

// Normalize validates the request against the policy and returns the item it
// would create. hasPredecessors is supplied by the caller (chain position is
// not the request's own business).
//
// The returned item is Enqueued; chain wiring may flip it to Blocked before
// the initial persist.
func (r Request) Normalize(now time.Time, pol Policy, hasPredecessors bool) (*Item, error) {
	if r.Kind != KindOneTime && r.Kind != KindPeriodic {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, r.Kind)
	}
	if strings.TrimSpace(r.Runner) == "" {
		return nil, fmt.Errorf("%w: runner name is required", ErrValidation)
	}
	if r.InitialDelay < 0 {
		return nil, fmt.Errorf("%w: initial delay must be >= 0", ErrValidation)
	}

	interval := r.Interval
	switch r.Kind {
	case KindPeriodic:
		if hasPredecessors {
			return nil, fmt.Errorf("%w: periodic work cannot have predecessors", ErrValidation)
		}
		if interval <= 0 {
			return nil, fmt.Errorf("%w: periodic work requires an interval", ErrValidation)
		}
		if floor := pol.floor(); interval < floor {
			if !pol.ClampPeriodic {
				return nil, fmt.Errorf("%w: interval %s below floor %s", ErrValidation, interval, floor)
			}
			interval = floor
		}
	case KindOneTime:
		if interval != 0 {
			return nil, fmt.Errorf("%w: interval is only valid for periodic work", ErrValidation)
		}
	}

	for _, c := range r.Constraints {
		if !constraint.Known(c) {
			return nil, fmt.Errorf("%w: unknown constraint %q", ErrValidation, c)
		}
	}

	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = NewID()
	}

	return &Item{
		ID:           id,
		Tags:         normalizeTags(r.Tags),
		Kind:         r.Kind,
		Runner:       strings.TrimSpace(r.Runner),
		InitialDelay: r.InitialDelay,
		Interval:     interval,
		Constraints:  append([]constraint.Kind(nil), r.Constraints...),
		Input:        r.Input.Clone(),
		State:        StateEnqueued,
		NotBefore:    now.Add(r.InitialDelay),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NewID returns a fresh work-item identifier.
func NewID() string { return "wrk-" + uuid.NewString() }

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
