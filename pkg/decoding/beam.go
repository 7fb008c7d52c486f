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
	"github.com/llm-d/llm-d-decoder/pkg/decoding/recombination"
	"github.com/llm-d/llm-d-decoder/pkg/utils/logging"
)

// BeamDecoder keeps the BeamWidth best hypotheses per step.
//
// Every live hypothesis is expanded over the full vocabulary and the
// candidates are ranked by score; ties keep expansion order (parent rank,
// then token id). The top BeamWidth candidates survive, closed ones moving to
// the result list. Length normalisation only affects the final ranking.
type BeamDecoder struct {
	*engine
}

var _ Decoder = &BeamDecoder{}

// Strategy returns the strategy type: Beam.
func (d *BeamDecoder) Strategy() Strategy {
	return Beam
}

// Decode implements Decoder.
func (d *BeamDecoder) Decode(ctx context.Context, in Input) (*Result, error) {
	r := d.newRun(ctx, "decoding.Beam", false)
	traceLogger := r.logger.V(logging.TRACE)

	root, err := r.root(ctx, in.Source, 0)
	if err != nil {
		return nil, err
	}

	var table *recombination.Table
	if d.keyer.Enabled() {
		table = recombination.NewTable()
	}

	live := []hypothesis.ID{root}
	for len(live) > 0 {
		if err := r.checkpoint(ctx); err != nil {
			return r.partial(err)
		}
		if d.cfg.MaxSteps > 0 && r.stats.Steps >= d.cfg.MaxSteps {
			return r.partial(ErrMaxStepsExceeded)
		}

		dists, err := r.distributions(ctx, live)
		if err != nil {
			return r.abort(ctx, err)
		}

		var cands []candidate
		for i, id := range live {
			cands = append(cands, r.expand(id, dists[i])...)
		}
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].score > cands[j].score
		})

		next, err := d.selectTop(ctx, r, cands, table)
		if err != nil {
			return r.abort(ctx, err)
		}
		for _, id := range live {
			r.arena.Release(id)
		}
		live = next
		r.stats.Steps++

		traceLogger.Info("beam step", "step", r.stats.Steps, "candidates", len(cands),
			"live", len(live), "closed", r.results.Len())

		if d.canStopEarly(r, live) {
			r.stats.Pruned += len(live)
			break
		}
	}

	return r.finish()
}

// selectTop walks the ranked candidates until BeamWidth of them survived.
// Candidates are advanced in chunks so that recombination can inspect their
// states before they take a slot.
func (d *BeamDecoder) selectTop(ctx context.Context, r *run, cands []candidate,
	table *recombination.Table,
) ([]hypothesis.ID, error) {
	width := d.cfg.BeamWidth
	if table != nil {
		table.Reset()
	}

	live := make([]hypothesis.ID, 0, width)
	selected, pos := 0, 0
	for selected < width && pos < len(cands) {
		chunk := cands[pos:min(pos+width-selected, len(cands))]
		pos += len(chunk)

		states, err := r.advance(ctx, chunk)
		if err != nil {
			return nil, err
		}

		for i, c := range chunk {
			if c.closed {
				r.collect(r.add(c, nil))
				selected++
				continue
			}
			if table != nil {
				if key, ok := d.keyer.Key(c.depth, states[i]); ok && !table.Offer(key, c.score) {
					r.stats.Recombined++
					continue
				}
			}
			live = append(live, r.add(c, states[i]))
			selected++
		}
	}

	r.stats.Pruned += len(cands) - pos
	return live, nil
}

// canStopEarly reports whether no live hypothesis can still enter the n-best
// list. Scores never increase along a path, so this only holds without
// length normalisation.
func (d *BeamDecoder) canStopEarly(r *run, live []hypothesis.ID) bool {
	if !d.cfg.EarlyStopping || d.cfg.LengthPenalty != 0 || len(live) == 0 {
		return false
	}
	threshold, ok := r.results.threshold()
	if !ok {
		return false
	}
	// live is in descending score order.
	return r.arena.Get(live[0]).Score <= threshold
}
