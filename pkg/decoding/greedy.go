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
	"math"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/hypothesis"
	"github.com/llm-d/llm-d-decoder/pkg/utils/logging"
)

// GreedyDecoder follows the single most probable token at every step. Ties
// go to the lowest token id. It returns at most one hypothesis.
type GreedyDecoder struct {
	*engine
}

var _ Decoder = &GreedyDecoder{}

// Strategy returns the strategy type: Greedy.
func (d *GreedyDecoder) Strategy() Strategy {
	return Greedy
}

// Decode implements Decoder.
func (d *GreedyDecoder) Decode(ctx context.Context, in Input) (*Result, error) {
	r := d.newRun(ctx, "decoding.Greedy", false)
	traceLogger := r.logger.V(logging.TRACE)

	current, err := r.root(ctx, in.Source, 0)
	if err != nil {
		return nil, err
	}

	for {
		if err := r.checkpoint(ctx); err != nil {
			return r.partial(err)
		}
		if d.cfg.MaxSteps > 0 && r.stats.Steps >= d.cfg.MaxSteps {
			return r.partial(ErrMaxStepsExceeded)
		}

		dists, err := r.distributions(ctx, []hypothesis.ID{current})
		if err != nil {
			return r.abort(ctx, err)
		}
		r.stats.Steps++

		best, ok := argmax(dists[0].LogProbs)
		if !ok {
			// dead end
			return r.finish()
		}

		var c candidate
		for _, cand := range r.expand(current, dists[0]) {
			if cand.token == best {
				c = cand
			} else {
				r.stats.Pruned++
			}
		}
		traceLogger.Info("greedy step", "depth", c.depth, "token", c.token, "score", c.score)

		if c.closed {
			r.collect(r.add(c, nil))
			return r.finish()
		}

		states, err := r.advance(ctx, []candidate{c})
		if err != nil {
			return r.abort(ctx, err)
		}
		next := r.add(c, states[0])
		r.arena.Release(current)
		current = next
	}
}

// argmax returns the lowest index of the largest finite entry.
func argmax(logProbs []float64) (uint32, bool) {
	best, bestLp := -1, math.Inf(-1)
	for t, lp := range logProbs {
		if lp > bestLp {
			best, bestLp = t, lp
		}
	}
	if best < 0 {
		return 0, false
	}
	return uint32(best), true
}
