package work

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		kind Kind
		from State
		to   State
		want bool
	}{
		{name: "enqueued to running", kind: KindOneTime, from: StateEnqueued, to: StateRunning, want: true},
		{name: "enqueued to blocked", kind: KindOneTime, from: StateEnqueued, to: StateBlocked, want: true},
		{name: "enqueued to cancelled", kind: KindOneTime, from: StateEnqueued, to: StateCancelled, want: true},
		{name: "enqueued to succeeded", kind: KindOneTime, from: StateEnqueued, to: StateSucceeded, want: false},
		{name: "blocked to enqueued", kind: KindOneTime, from: StateBlocked, to: StateEnqueued, want: true},
		{name: "blocked to running", kind: KindOneTime, from: StateBlocked, to: StateRunning, want: false},
		{name: "running to succeeded", kind: KindOneTime, from: StateRunning, to: StateSucceeded, want: true},
		{name: "running to failed", kind: KindOneTime, from: StateRunning, to: StateFailed, want: true},
		{name: "running to cancelled", kind: KindOneTime, from: StateRunning, to: StateCancelled, want: true},
		{name: "running to enqueued", kind: KindOneTime, from: StateRunning, to: StateEnqueued, want: false},
		{name: "one-time succeeded is final", kind: KindOneTime, from: StateSucceeded, to: StateEnqueued, want: false},
		{name: "periodic reset", kind: KindPeriodic, from: StateSucceeded, to: StateEnqueued, want: true},
		{name: "periodic succeeded to running", kind: KindPeriodic, from: StateSucceeded, to: StateRunning, want: false},
		{name: "failed is final", kind: KindPeriodic, from: StateFailed, to: StateEnqueued, want: false},
		{name: "cancelled is final", kind: KindOneTime, from: StateCancelled, to: StateEnqueued, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.kind, tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s, %s) = %v, want %v", tt.kind, tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []State{StateSucceeded, StateFailed, StateCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateEnqueued, StateBlocked, StateRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestPayloadMerge(t *testing.T) {
	t.Parallel()
	dst := Payload{"a": "1", "b": "old"}
	src := Payload{"b": "new", "c": "3"}

	got := dst.Merge(src)
	if got["a"] != "1" || got["b"] != "new" || got["c"] != "3" {
		t.Fatalf("unexpected merge result: %v", got)
	}
	// merge never mutates its inputs
	if dst["b"] != "old" {
		t.Fatalf("dst mutated: %v", dst)
	}
	if len(src) != 2 {
		t.Fatalf("src mutated: %v", src)
	}
}

func TestPayloadMergeEmpty(t *testing.T) {
	t.Parallel()
	var zero Payload
	got := zero.Merge(Payload{"k": "v"})
	if got["k"] != "v" {
		t.Fatalf("unexpected result: %v", got)
	}
	if got2 := got.Merge(nil); len(got2) != 1 {
		t.Fatalf("unexpected result: %v", got2)
	}
}
