package graph

import (
	"errors"
	"testing"

	"workd/internal/work"
)

func item(id string) *work.Item {
	return &work.Item{ID: id, Kind: work.KindOneTime, Runner: "noop", State: work.StateEnqueued}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		ids     []string
		edges   []work.Edge
		wantErr error
	}{
		{name: "empty graph", ids: nil},
		{name: "no edges", ids: []string{"a", "b"}},
		{name: "chain", ids: []string{"a", "b", "c"}, edges: []work.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}}},
		{
			name: "diamond",
			ids:  []string{"a", "b", "c", "d"},
			edges: []work.Edge{
				{From: "a", To: "b"}, {From: "a", To: "c"},
				{From: "b", To: "d"}, {From: "c", To: "d"},
			},
		},
		{name: "self loop", ids: []string{"a"}, edges: []work.Edge{{From: "a", To: "a"}}, wantErr: ErrCycleDetected},
		{
			name:    "two node cycle",
			ids:     []string{"a", "b"},
			edges:   []work.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
			wantErr: ErrCycleDetected,
		},
		{
			name:    "dangling predecessor",
			ids:     []string{"b"},
			edges:   []work.Edge{{From: "ghost", To: "b"}},
			wantErr: ErrMissingDependency,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			items := make([]*work.Item, 0, len(tt.ids))
			for _, id := range tt.ids {
				items = append(items, item(id))
			}
			err := Validate(items, tt.edges)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
