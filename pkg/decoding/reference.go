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
	"fmt"
	"math"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/hypothesis"
)

// ReferenceDecoder scores Input.Target followed by the end token under the
// ensemble. It returns a single hypothesis carrying the per-predictor
// breakdown, or ErrNoCompleteHypothesis when the ensemble gives the target
// zero probability. MaxLength does not apply.
type ReferenceDecoder struct {
	*engine
}

var _ Decoder = &ReferenceDecoder{}

// Strategy returns the strategy type: Reference.
func (d *ReferenceDecoder) Strategy() Strategy {
	return Reference
}

// Decode implements Decoder.
func (d *ReferenceDecoder) Decode(ctx context.Context, in Input) (*Result, error) {
	r := d.newRun(ctx, "decoding.Reference", false)
	endToken := d.comb.EndTokenID()

	target := make([]uint32, 0, len(in.Target)+1)
	target = append(target, in.Target...)
	if len(target) == 0 || target[len(target)-1] != endToken {
		target = append(target, endToken)
	}
	for i, tok := range target {
		if int(tok) >= d.comb.VocabularySize() {
			return nil, fmt.Errorf("target token %d at position %d outside vocabulary of size %d",
				tok, i, d.comb.VocabularySize())
		}
	}

	current, err := r.root(ctx, in.Source, 0)
	if err != nil {
		return nil, err
	}

	for i, tok := range target {
		if err := r.checkpoint(ctx); err != nil {
			return r.partial(err)
		}

		dists, err := r.distributions(ctx, []hypothesis.ID{current})
		if err != nil {
			return r.abort(ctx, err)
		}
		r.stats.Steps++

		lp := dists[0].LogProbs[tok]
		if math.IsInf(lp, -1) {
			return nil, fmt.Errorf("%w: target token %d at position %d has zero probability",
				ErrNoCompleteHypothesis, tok, i)
		}

		c := candidate{
			parent: current,
			token:  tok,
			depth:  i + 1,
			score:  r.arena.Get(current).Score + lp,
			closed: tok == endToken,
			dist:   dists[0],
		}
		if c.closed {
			r.collect(r.add(c, nil))
			break
		}

		states, err := r.advance(ctx, []candidate{c})
		if err != nil {
			return r.abort(ctx, err)
		}
		next := r.add(c, states[0])
		r.arena.Release(current)
		current = next
	}

	return r.finish()
}
