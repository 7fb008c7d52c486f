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

	"github.com/llm-d/llm-d-decoder/pkg/decoding/gumbel"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/hypothesis"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
	"github.com/llm-d/llm-d-decoder/pkg/utils"
)

// SWORDecoder draws NBest complete sequences without replacement from the
// distribution the ensemble induces over complete sequences.
//
// The root gets a standard Gumbel draw from a stream of its own. The children of a record are given
// Gumbel draws around their cumulative log-probabilities and conditioned on
// their maximum being the parent's draw, so a record's perturbed score is the
// maximum over its subtree. Popping the frontier by perturbed score then
// yields closed records in the order of a Gumbel-top-k draw over complete
// sequences. Each record draws from its own stream derived from the seed and
// its token path, which makes the sample independent of scheduling.
type SWORDecoder struct {
	*engine
}

var _ Decoder = &SWORDecoder{}

// Strategy returns the strategy type: SWOR.
func (d *SWORDecoder) Strategy() Strategy {
	return SWOR
}

// Decode implements Decoder. A zero temperature turns sampling into
// best-first search without heuristic.
func (d *SWORDecoder) Decode(ctx context.Context, in Input) (*Result, error) {
	if d.cfg.Temperature == 0 {
		cfg := *d.cfg
		cfg.Heuristic = nil
		return (&AStarDecoder{engine: &engine{cfg: &cfg, comb: d.comb}}).Decode(ctx, in)
	}

	r := d.newRun(ctx, "decoding.SWOR", true)
	source := gumbel.NewSource(d.cfg.Seed)

	root, err := r.root(ctx, in.Source, gumbel.Sample(source.RootStream(), 0))
	if err != nil {
		return nil, err
	}

	children := func(parent *hypothesis.Record, dist *predictor.Scores) []candidate {
		return d.children(r, source, parent, dist)
	}

	return r.bestFirst(ctx, root, children, ErrBudgetExceeded)
}

// children scores the children of parent with truncated Gumbel draws.
func (d *SWORDecoder) children(r *run, source *gumbel.Source, parent *hypothesis.Record,
	dist *predictor.Scores,
) []candidate {
	logProbs := dist.LogProbs
	if d.cfg.Temperature != 1 {
		logProbs = make([]float64, len(dist.LogProbs))
		for t, lp := range dist.LogProbs {
			logProbs[t] = lp / d.cfg.Temperature
		}
		utils.LogSoftmax(logProbs)
	}

	origin := r.locations[parent.ID]
	locations := make([]float64, len(logProbs))
	for t, lp := range logProbs {
		if math.IsInf(lp, -1) {
			locations[t] = lp
		} else {
			locations[t] = origin + lp
		}
	}

	rng := source.Stream(r.arena.Tokens(parent.ID))
	perturbed := gumbel.TruncatedChildren(rng, locations, parent.Perturbed)

	cands := r.expand(parent.ID, dist)
	for i := range cands {
		cands[i].key = perturbed[cands[i].token]
		cands[i].location = locations[cands[i].token]
	}
	return cands
}
