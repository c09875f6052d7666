package dispatch

import (
	"time"

	"workd/internal/work"
)

// Config controls the dispatcher loop.
type Config struct {
	// RatePerSec caps backend submissions per second. 0 disables limiting.
	RatePerSec int

	// PollInterval is a safety-net re-evaluation period for the rare case a
	// change notification is dropped under load. 0 means a 30s default.
	PollInterval time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// HistoryItem is one dispatch record kept for diagnostics.
type HistoryItem struct {
	ID         string
	Runner     string
	Dispatched time.Time
	Finished   time.Time
	Status     work.State
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Dispatched uint64
	Finished   uint64
	Conflicts  uint64
	LateDrops  uint64

	States  map[work.State]int
	History []HistoryItem
}
