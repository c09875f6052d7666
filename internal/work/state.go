package work

// State is one step in a work item's lifecycle.
type State string

const (
	StateEnqueued  State = "enqueued"
	StateBlocked   State = "blocked" // waiting on unfinished predecessors
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s ends a one-time item's life.
// Periodic items treat Succeeded as a reset point, not an end state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StateEnqueued, StateBlocked, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from→to is an allowed edge for the given kind.
//
// Succeeded→Enqueued is the periodic reset and is the only edge out of a
// terminal state.
func CanTransition(kind Kind, from, to State) bool {
	switch from {
	case StateEnqueued:
		return to == StateRunning || to == StateBlocked || to == StateCancelled
	case StateBlocked:
		return to == StateEnqueued || to == StateCancelled
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateCancelled
	case StateSucceeded:
		return kind == KindPeriodic && to == StateEnqueued
	case StateFailed, StateCancelled:
		return false
	}
	return false
}
