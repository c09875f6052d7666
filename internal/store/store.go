package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"workd/internal/eventbus"
	"workd/internal/work"
	logx "workd/pkg/logx"
)

var (
	// ErrNotFound is returned for lookups of unknown item ids.
	ErrNotFound = errors.New("store: item not found")
	// ErrConflict is returned when a compare-and-set loses: the current state
	// does not match the expected state, or the transition is not allowed.
	ErrConflict = errors.New("store: state conflict")
	// ErrExists rejects a Put that reuses an existing id.
	ErrExists = errors.New("store: item already exists")
)

// Store is the durable source of truth for work items and their DAG edges.
//
// All mutations are atomic with respect to concurrent readers: a reader never
// observes a half-written item or edge set. Every successful mutation
// publishes a work-changed event on the bus.
type Store interface {
	// Put persists new items and edges in one transaction.
	// Fails with ErrExists if any id is already present.
	Put(ctx context.Context, items []*work.Item, edges []work.Edge) error

	Get(ctx context.Context, id string) (*work.Item, error)
	QueryByTag(ctx context.Context, tag string) ([]*work.Item, error)
	ListByState(ctx context.Context, st work.State) ([]*work.Item, error)

	// ListReady returns items that are Enqueued, past their NotBefore instant,
	// and whose predecessors have all Succeeded.
	ListReady(ctx context.Context, now time.Time) ([]*work.Item, error)

	// NextWake returns the earliest NotBefore strictly after now among
	// Enqueued items, so the dispatcher can sleep until something becomes due.
	NextWake(ctx context.Context, now time.Time) (time.Time, bool, error)

	// UpdateState is a compare-and-set on a single item's state. Only one of
	// several concurrent callers with the same expectation can win; losers get
	// ErrConflict. Output, when non-nil, is recorded alongside the transition
	// (successful terminal completion).
	UpdateState(ctx context.Context, id string, expect, to work.State, output work.Payload) error

	// Cancel moves a non-terminal item to Cancelled and reports the prior
	// state. Cancelling a terminal item is a no-op (changed=false).
	Cancel(ctx context.Context, id string) (prev work.State, changed bool, err error)

	// ResetPeriodic applies the post-success reset of a periodic item:
	// Running→Enqueued, run count incremented, output recorded, next
	// eligibility at notBefore.
	ResetPeriodic(ctx context.Context, id string, output work.Payload, notBefore time.Time) error

	// MergeInput overlays src onto the item's input payload (dependency
	// output propagation). The item must not be Running or terminal.
	MergeInput(ctx context.Context, id string, src work.Payload) error

	// RequeueRunning flips every Running item back to Enqueued and returns
	// their ids. Only valid before any job is in flight: an item persisted
	// as Running by a dead process has no job left to report a result.
	RequeueRunning(ctx context.Context) ([]string, error)

	Predecessors(ctx context.Context, id string) ([]*work.Item, error)
	Successors(ctx context.Context, id string) ([]string, error)

	// Prune deletes terminal one-time items last updated before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	Stats(ctx context.Context) (map[work.State]int, error)

	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": in-process store (tests, ephemeral deployments)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger, bus eventbus.Bus) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(bus), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log, bus)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func publishChange(bus eventbus.Bus, id string, from, to work.State) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{
		Kind: eventbus.WorkChanged,
		Work: eventbus.WorkChange{ID: id, From: string(from), To: string(to)},
	})
}
