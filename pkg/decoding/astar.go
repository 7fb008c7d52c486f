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

	"github.com/llm-d/llm-d-decoder/pkg/decoding/frontier"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/hypothesis"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/recombination"
	"github.com/llm-d/llm-d-decoder/pkg/utils/logging"
)

// AStarDecoder pops hypotheses best-first by score plus heuristic. With an
// admissible heuristic the first NBest closed hypotheses popped are the
// NBest best complete sequences.
type AStarDecoder struct {
	*engine
}

var _ Decoder = &AStarDecoder{}

// Strategy returns the strategy type: AStar.
func (d *AStarDecoder) Strategy() Strategy {
	return AStar
}

// Decode implements Decoder.
func (d *AStarDecoder) Decode(ctx context.Context, in Input) (*Result, error) {
	r := d.newRun(ctx, "decoding.AStar", false)

	root, err := r.root(ctx, in.Source, 0)
	if err != nil {
		return nil, err
	}

	heuristic := d.cfg.Heuristic
	children := func(parent *hypothesis.Record, dist *predictor.Scores) []candidate {
		cands := r.expand(parent.ID, dist)
		for i := range cands {
			cands[i].key = cands[i].score
			if heuristic != nil && !cands[i].closed {
				cands[i].key += heuristic(parent, cands[i].token)
			}
		}
		return cands
	}

	return r.bestFirst(ctx, root, children, ErrSearchSpaceExhausted)
}

// childScorer lists the children of an expanded record with their frontier
// priorities set.
type childScorer func(parent *hypothesis.Record, dist *predictor.Scores) []candidate

// bestFirst runs the frontier loop shared by best-first search and sampling
// without replacement.
//
// Each round pops up to Threads consecutive open tops, advances and expands
// them in parallel, and pushes their children. A closed top is only emitted
// when no open record of the current round precedes it, so results come out
// in exact priority order. Recombination, when enabled, drops a popped
// record whose key was already expanded with a score at least as good.
//
// Children are advanced lazily when popped, so a record keeps its predictor
// states until its last open child has been advanced.
func (r *run) bestFirst(ctx context.Context, root hypothesis.ID, children childScorer,
	exhausted error,
) (*Result, error) {
	traceLogger := r.logger.V(logging.TRACE)

	var table *recombination.Table
	if r.keyer.Enabled() {
		table = recombination.NewTable()
	}

	queue := frontier.New[candidate](256)
	pending := []hypothesis.ID{root}
	batch := make([]candidate, 0, r.cfg.Threads)
	// open children of each expanded record not yet advanced
	outstanding := make(map[hypothesis.ID]int)

	for {
		if err := r.checkpoint(ctx); err != nil {
			return r.partial(err)
		}

		if len(pending) > 0 {
			dists, err := r.distributions(ctx, pending)
			if err != nil {
				return r.abort(ctx, err)
			}
			for i, id := range pending {
				open := 0
				for _, c := range children(r.arena.Get(id), dists[i]) {
					if !c.closed {
						open++
					}
					queue.Push(c.key, c)
				}
				if open == 0 {
					r.arena.Release(id)
				} else {
					outstanding[id] = open
				}
			}
			r.stats.Steps++
			traceLogger.Info("best-first round", "expanded", len(pending), "frontier", queue.Len(),
				"closed", r.results.Len())
		}

		batch = batch[:0]
		for queue.Len() > 0 && len(batch) < r.cfg.Threads {
			top, _ := queue.Peek()
			if top.Value.closed {
				if len(batch) > 0 {
					break
				}
				queue.Pop()
				r.collect(r.add(top.Value, nil))
				if r.results.Len() >= r.cfg.NBest {
					r.stats.Pruned += queue.Len()
					return r.finish()
				}
				continue
			}
			if !r.nodeBudgetLeft(len(batch)) {
				if len(batch) == 0 {
					return r.partial(exhausted)
				}
				break
			}
			queue.Pop()
			batch = append(batch, top.Value)
		}

		if len(batch) == 0 {
			return r.finish()
		}

		states, err := r.advance(ctx, batch)
		if err != nil {
			return r.abort(ctx, err)
		}
		for _, c := range batch {
			if outstanding[c.parent]--; outstanding[c.parent] == 0 {
				delete(outstanding, c.parent)
				r.arena.Release(c.parent)
			}
		}

		pending = pending[:0]
		for i, c := range batch {
			if table != nil {
				if key, ok := r.keyer.Key(c.depth, states[i]); ok && !table.Offer(key, c.score) {
					r.stats.Recombined++
					continue
				}
			}
			pending = append(pending, r.add(c, states[i]))
		}
	}
}
