package manager

import (
	"fmt"
	"time"

	"workd/internal/graph"
	"workd/internal/work"
)

// Chain builds a staged dependency graph: every item of one stage becomes a
// predecessor of every item of the next (full fan-out/fan-in, not pairwise).
type Chain struct {
	stages [][]work.Request
}

// BeginWith starts a chain with its first stage.
func BeginWith(reqs ...work.Request) *Chain {
	return &Chain{stages: [][]work.Request{reqs}}
}

// Then appends a stage whose items depend on every item of the previous
// stage.
func (c *Chain) Then(reqs ...work.Request) *Chain {
	c.stages = append(c.stages, reqs)
	return c
}

// build validates the chain and materializes items plus edges.
// Items past the first stage start Blocked.
func (c *Chain) build(now time.Time, pol work.Policy) ([]*work.Item, []work.Edge, error) {
	if c == nil || len(c.stages) == 0 {
		return nil, nil, fmt.Errorf("%w: empty chain", work.ErrValidation)
	}
	for i, stage := range c.stages {
		if len(stage) == 0 {
			return nil, nil, fmt.Errorf("%w: stage %d is empty", work.ErrValidation, i)
		}
	}

	multi := len(c.stages) > 1
	var items []*work.Item
	var edges []work.Edge
	var prev []*work.Item

	for si, stage := range c.stages {
		cur := make([]*work.Item, 0, len(stage))
		for _, req := range stage {
			if multi && req.Kind == work.KindPeriodic {
				// A periodic item never reaches a terminal Succeeded, so it
				// can neither unblock successors nor resume a chain.
				return nil, nil, fmt.Errorf("%w: periodic work cannot participate in chains", work.ErrValidation)
			}
			it, err := req.Normalize(now, pol, si > 0)
			if err != nil {
				return nil, nil, err
			}
			if si > 0 {
				it.State = work.StateBlocked
			}
			cur = append(cur, it)
		}
		for _, p := range prev {
			for _, n := range cur {
				edges = append(edges, work.Edge{From: p.ID, To: n.ID})
			}
		}
		items = append(items, cur...)
		prev = cur
	}

	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.ID]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate id %s", work.ErrValidation, it.ID)
		}
		seen[it.ID] = struct{}{}
	}

	if err := graph.Validate(items, edges); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", work.ErrValidation, err)
	}
	return items, edges, nil
}
