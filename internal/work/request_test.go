package work

import (
	"errors"
	"testing"
	"time"

	"workd/internal/constraint"
)

func TestNormalizeVariants(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		req     Request
		pol     Policy
		preds   bool
		wantErr bool
	}{
		{name: "minimal one-time", req: Request{Kind: KindOneTime, Runner: "noop"}},
		{name: "missing runner", req: Request{Kind: KindOneTime}, wantErr: true},
		{name: "unknown kind", req: Request{Kind: "weekly", Runner: "noop"}, wantErr: true},
		{name: "negative delay", req: Request{Kind: KindOneTime, Runner: "noop", InitialDelay: -time.Second}, wantErr: true},
		{name: "one-time with interval", req: Request{Kind: KindOneTime, Runner: "noop", Interval: time.Hour}, wantErr: true},
		{name: "periodic without interval", req: Request{Kind: KindPeriodic, Runner: "noop"}, wantErr: true},
		{name: "periodic at floor", req: Request{Kind: KindPeriodic, Runner: "noop", Interval: 15 * time.Minute}},
		{name: "periodic below floor rejected", req: Request{Kind: KindPeriodic, Runner: "noop", Interval: 5 * time.Minute}, wantErr: true},
		{name: "periodic with predecessors", req: Request{Kind: KindPeriodic, Runner: "noop", Interval: time.Hour}, preds: true, wantErr: true},
		{name: "unknown constraint", req: Request{Kind: KindOneTime, Runner: "noop", Constraints: []constraint.Kind{"moon-phase"}}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			it, err := tt.req.Normalize(now, tt.pol, tt.preds)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("err = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize error: %v", err)
			}
			if it.State != StateEnqueued {
				t.Fatalf("State = %s, want enqueued", it.State)
			}
			if it.ID == "" {
				t.Fatal("expected generated id")
			}
		})
	}
}

func TestNormalizeClampPolicy(t *testing.T) {
	t.Parallel()
	now := time.Now()
	pol := Policy{ClampPeriodic: true}

	it, err := Request{Kind: KindPeriodic, Runner: "noop", Interval: 5 * time.Minute}.Normalize(now, pol, false)
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if it.Interval != DefaultPeriodicFloor {
		t.Fatalf("Interval = %v, want clamped to %v", it.Interval, DefaultPeriodicFloor)
	}
}

func TestNormalizeDelayAndTags(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	it, err := Request{
		Kind:         KindOneTime,
		Runner:       " upload ",
		InitialDelay: 30 * time.Minute,
		Tags:         []string{" sync", "b", "sync", "", "a"},
	}.Normalize(now, Policy{}, false)
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if want := now.Add(30 * time.Minute); !it.NotBefore.Equal(want) {
		t.Fatalf("NotBefore = %v, want %v", it.NotBefore, want)
	}
	if it.Runner != "upload" {
		t.Fatalf("Runner = %q, want trimmed", it.Runner)
	}
	want := []string{"a", "b", "sync"}
	if len(it.Tags) != len(want) {
		t.Fatalf("Tags = %v, want %v", it.Tags, want)
	}
	for i := range want {
		if it.Tags[i] != want[i] {
			t.Fatalf("Tags = %v, want %v", it.Tags, want)
		}
	}
}

func TestNormalizeClonesInput(t *testing.T) {
	t.Parallel()
	in := Payload{"k": "v"}
	it, err := Request{Kind: KindOneTime, Runner: "noop", Input: in}.Normalize(time.Now(), Policy{}, false)
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	in["k"] = "mutated"
	if it.Input["k"] != "v" {
		t.Fatal("item input aliases the request map")
	}
}
