/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package decoding

import (
	"context"
	"sort"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/hypothesis"
)

// DFSDecoder explores the search tree depth-first, visiting children in
// descending score order. Subtrees that cannot beat the current NBest-th
// best complete hypothesis are pruned; without length normalisation this
// keeps the search exact. MaxNodes bounds the number of expansions.
type DFSDecoder struct {
	*engine
}

var _ Decoder = &DFSDecoder{}

// Strategy returns the strategy type: DFS.
func (d *DFSDecoder) Strategy() Strategy {
	return DFS
}

// Decode implements Decoder.
func (d *DFSDecoder) Decode(ctx context.Context, in Input) (*Result, error) {
	r := d.newRun(ctx, "decoding.DFS", false)

	root, err := r.root(ctx, in.Source, 0)
	if err != nil {
		return nil, err
	}

	var stack []candidate
	visit := func(id hypothesis.ID) error {
		dists, err := r.distributions(ctx, []hypothesis.ID{id})
		if err != nil {
			return err
		}

		cands := r.expand(id, dists[0])
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].score > cands[j].score
		})

		open := make([]candidate, 0, len(cands))
		for i, c := range cands {
			if d.prunable(r, c.score) {
				r.stats.Pruned += len(cands) - i
				break
			}
			if c.closed {
				r.collect(r.add(c, nil))
				continue
			}
			open = append(open, c)
		}
		for i := len(open) - 1; i >= 0; i-- {
			stack = append(stack, open[i])
		}
		r.stats.Steps++
		return nil
	}

	if err := r.checkpoint(ctx); err != nil {
		return r.partial(err)
	}
	if err := visit(root); err != nil {
		return r.abort(ctx, err)
	}

	for len(stack) > 0 {
		if err := r.checkpoint(ctx); err != nil {
			return r.partial(err)
		}

		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if d.prunable(r, c.score) {
			r.stats.Pruned++
			continue
		}
		if !r.nodeBudgetLeft(0) {
			return r.partial(ErrBudgetExceeded)
		}

		states, err := r.advance(ctx, []candidate{c})
		if err != nil {
			return r.abort(ctx, err)
		}
		if err := visit(r.add(c, states[0])); err != nil {
			return r.abort(ctx, err)
		}
	}

	return r.finish()
}

// prunable reports whether a hypothesis scoring score can no longer enter
// the n-best list.
func (d *DFSDecoder) prunable(r *run, score float64) bool {
	if d.cfg.LengthPenalty != 0 {
		return false
	}
	threshold, ok := r.results.threshold()
	return ok && score <= threshold
}
