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
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/gumbel"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/hypothesis"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/recombination"
	"github.com/llm-d/llm-d-decoder/pkg/utils/logging"
)

// engine is the immutable part shared by every strategy.
type engine struct {
	cfg  *Config
	comb *predictor.Combination
	// keyer is nil unless recombination is enabled.
	keyer *recombination.Keyer
}

// candidate is a child that has been scored but not materialised: its
// predictor states have not been advanced yet.
type candidate struct {
	parent hypothesis.ID
	token  uint32
	depth  int
	score  float64
	closed bool
	// dist is the distribution of the parent, used for the breakdown.
	dist *predictor.Scores
	// key is the frontier priority.
	key float64
	// location is the temperature-adjusted cumulative score of SWOR.
	location float64
}

// run holds the state of a single Decode call.
type run struct {
	*engine
	logger   klog.Logger
	arena    *hypothesis.Arena
	results  *collector
	stats    Stats
	start    time.Time
	deadline time.Time

	// sampling marks SWOR runs, whose results carry perturbed scores.
	sampling  bool
	sampled   sets.Set[uint64]
	locations []float64
}

func (e *engine) newRun(ctx context.Context, name string, sampling bool) *run {
	r := &run{
		engine:   e,
		logger:   klog.FromContext(ctx).WithName(name),
		arena:    hypothesis.NewArena(64),
		results:  newCollector(e.cfg.NBest, e.cfg.LengthPenalty, sampling),
		start:    time.Now(),
		sampling: sampling,
	}
	if e.cfg.TimeLimit > 0 {
		r.deadline = r.start.Add(e.cfg.TimeLimit)
	}
	if sampling {
		r.sampled = sets.New[uint64]()
	}
	return r
}

// root materialises the empty hypothesis.
func (r *run) root(ctx context.Context, src []uint32, perturbed float64) (hypothesis.ID, error) {
	states, err := r.comb.InitialStates(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("failed to initialize predictors: %w", err)
	}
	r.locations = append(r.locations, 0)
	return r.arena.Root(states, perturbed).ID, nil
}

// checkpoint reports cancellation and time budget exhaustion. It is only
// called between rounds.
func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.deadline.IsZero() && time.Now().After(r.deadline) {
		return fmt.Errorf("%w: time limit of %s reached", ErrBudgetExceeded, r.cfg.TimeLimit)
	}
	return nil
}

// nodeBudgetLeft reports whether another expansions can be afforded.
func (r *run) nodeBudgetLeft(pending int) bool {
	return r.cfg.MaxNodes == 0 || r.stats.Expansions+pending < r.cfg.MaxNodes
}

// parallel calls fn for 0..n-1 with at most Threads calls in flight. Each
// call must only write to its own slot of a pre-sized buffer.
func (r *run) parallel(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n <= 1 || r.cfg.Threads == 1 {
		for i := range n {
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Threads)
	for i := range n {
		g.Go(func() error {
			return fn(ctx, i)
		})
	}
	return g.Wait()
}

// distributions queries the ensemble for every record.
func (r *run) distributions(ctx context.Context, ids []hypothesis.ID) ([]*predictor.Scores, error) {
	states := make([][]predictor.State, len(ids))
	for i, id := range ids {
		states[i] = r.arena.Get(id).States
	}

	out := make([]*predictor.Scores, len(ids))
	err := r.parallel(ctx, len(ids), func(ctx context.Context, i int) error {
		scores, err := r.comb.Distribution(ctx, states[i])
		out[i] = scores
		return err
	})
	if err != nil {
		return nil, err
	}

	r.stats.Expansions += len(ids)
	return out, nil
}

// advance computes the predictor states of the open candidates. Closed
// candidates get nil states.
func (r *run) advance(ctx context.Context, cands []candidate) ([][]predictor.State, error) {
	parents := make([][]predictor.State, len(cands))
	for i, c := range cands {
		if !c.closed {
			parents[i] = r.arena.Get(c.parent).States
		}
	}

	out := make([][]predictor.State, len(cands))
	err := r.parallel(ctx, len(cands), func(ctx context.Context, i int) error {
		if cands[i].closed {
			return nil
		}
		states, err := r.comb.Advance(ctx, parents[i], cands[i].token)
		out[i] = states
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// expand lists the children of a record with non-zero probability in token
// order.
func (r *run) expand(parent hypothesis.ID, dist *predictor.Scores) []candidate {
	rec := r.arena.Get(parent)
	depth := rec.Depth + 1
	cands := make([]candidate, 0, len(dist.LogProbs))
	for t, lp := range dist.LogProbs {
		if math.IsInf(lp, -1) {
			continue
		}
		token := uint32(t)
		cands = append(cands, candidate{
			parent: parent,
			token:  token,
			depth:  depth,
			score:  rec.Score + lp,
			closed: token == r.comb.EndTokenID() || depth >= r.cfg.MaxLength,
			dist:   dist,
		})
	}
	return cands
}

// add materialises a candidate into the arena.
func (r *run) add(c candidate, states []predictor.State) hypothesis.ID {
	parent := r.arena.Get(c.parent)
	breakdown := make([]float64, len(parent.Breakdown))
	for i := range breakdown {
		breakdown[i] = parent.Breakdown[i] + c.dist.Raw[i][c.token]
	}

	rec := hypothesis.Record{
		Parent:    c.parent,
		Token:     c.token,
		Depth:     c.depth,
		Score:     c.score,
		Breakdown: breakdown,
		Closed:    c.closed,
	}
	if r.sampling {
		rec.Perturbed = c.key
	}
	if !c.closed {
		rec.States = states
	}
	r.locations = append(r.locations, c.location)
	return r.arena.Add(rec).ID
}

// collect hands a closed record to the result collector.
func (r *run) collect(id hypothesis.ID) {
	rec := r.arena.Get(id)
	tokens := r.arena.Tokens(id)

	h := Hypothesis{
		Tokens:    tokens,
		Score:     rec.Score,
		Breakdown: rec.Breakdown,
	}
	if r.sampling {
		key := gumbel.PathHash(tokens)
		if r.sampled.Has(key) {
			r.logger.Info("dropping repeated sample", "tokens", tokens)
			return
		}
		r.sampled.Insert(key)
		perturbed := rec.Perturbed
		h.Perturbed = &perturbed
	}

	r.results.add(h)
	r.stats.Closed++
	r.logger.V(logging.TRACE).Info("closed hypothesis", "tokens", tokens, "score", rec.Score)
}

func (r *run) result(partial bool) *Result {
	r.stats.Records = r.arena.Len()
	r.stats.Duration = time.Since(r.start)
	return &Result{
		Hypotheses: r.results.results(),
		Predictors: r.comb.Names(),
		Partial:    partial,
		Stats:      r.stats,
	}
}

// finish returns the collected results of a search that ran to completion.
func (r *run) finish() (*Result, error) {
	res := r.result(false)
	if len(res.Hypotheses) == 0 {
		return nil, fmt.Errorf("%w after %d expansions", ErrNoCompleteHypothesis, r.stats.Expansions)
	}
	r.logger.V(logging.DEBUG).Info("decoding finished",
		"hypotheses", len(res.Hypotheses), "expansions", r.stats.Expansions, "duration", r.stats.Duration)
	return res, nil
}

// partial returns what has been collected so far, flagged as partial.
func (r *run) partial(cause error) (*Result, error) {
	res := r.result(true)
	r.logger.Info("returning partial result", "cause", cause.Error(),
		"hypotheses", len(res.Hypotheses), "expansions", r.stats.Expansions)
	return res, &PartialResultError{Cause: cause}
}

// abort handles an error raised during a round. Errors caused by
// cancellation still produce a partial result.
func (r *run) abort(ctx context.Context, err error) (*Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return r.partial(ctxErr)
	}
	return nil, err
}
