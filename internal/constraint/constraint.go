// Package constraint evaluates environment preconditions gating work eligibility.
//
// Facts are supplied by external sensors; this package never caches or probes
// anything itself.
package constraint

import (
	"fmt"
	"strings"
)

// Kind names one boolean environment predicate.
type Kind string

const (
	NetworkConnected Kind = "network-connected"
	DeviceIdle       Kind = "device-idle"
	Charging         Kind = "charging"
	StorageNotLow    Kind = "storage-not-low"
	BatteryNotLow    Kind = "battery-not-low"
)

// Known reports whether k is a constraint kind this build understands.
func Known(k Kind) bool {
	switch k {
	case NetworkConnected, DeviceIdle, Charging, StorageNotLow, BatteryNotLow:
		return true
	}
	return false
}

// Parse normalizes a config/API string into a Kind.
func Parse(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !Known(k) {
		return "", fmt.Errorf("unknown constraint kind %q", s)
	}
	return k, nil
}

// Facts is an immutable snapshot of the environment at one instant.
// A kind absent from the map is treated as false.
type Facts map[Kind]bool

// Clone returns an independent copy so snapshots can outlive the feed.
func (f Facts) Clone() Facts {
	cp := make(Facts, len(f))
	for k, v := range f {
		cp[k] = v
	}
	return cp
}

// Satisfied reports whether every required kind currently holds.
//
// Empty requirement sets are always satisfied. Unknown kinds fail closed:
// a requirement this build cannot evaluate must never cause a dispatch.
func Satisfied(required []Kind, facts Facts) bool {
	for _, k := range required {
		if !Known(k) {
			return false
		}
		if !facts[k] {
			return false
		}
	}
	return true
}
