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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"fmt"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
)

var inputs = []decoding.Input{
	{Source: []uint32{1, 2, 3}},
	{Source: []uint32{4}},
	{Source: []uint32{2, 2}},
}

// TestStoredResultsAreReused verifies that a second pool answers from Redis
// with identical results.
func (s *DecoderSuite) TestStoredResultsAreReused() {
	cfg := baseConfig(decoding.Beam)

	first, errs := s.newPool(cfg, s.store).DecodeAll(s.ctx, inputs)
	for _, err := range errs {
		s.Require().NoError(err)
	}
	s.Len(s.server.Keys(), len(inputs), "expected one stored result per input")

	second, errs := s.newPool(cfg, s.store).DecodeAll(s.ctx, inputs)
	for _, err := range errs {
		s.Require().NoError(err)
	}
	s.Equal(first, second)

	other := baseConfig(decoding.Greedy)
	_, errs = s.newPool(other, s.store).DecodeAll(s.ctx, inputs[:1])
	s.Require().NoError(errs[0])
	s.Len(s.server.Keys(), len(inputs)+1, "a different configuration is stored separately")
}

// TestExactStrategiesAgree verifies that the exact strategies return the
// same n-best scores and first-best sequence.
func (s *DecoderSuite) TestExactStrategiesAgree() {
	astar := baseConfig(decoding.AStar)
	dfs := baseConfig(decoding.DFS)
	beam := baseConfig(decoding.Beam)
	beam.BeamWidth = 5000

	var lists [][]decoding.Hypothesis
	for _, cfg := range []*decoding.Config{astar, dfs, beam} {
		results, errs := s.newPool(cfg, nil).DecodeAll(s.ctx, inputs[:1])
		s.Require().NoError(errs[0], "strategy %s", cfg.Strategy)
		lists = append(lists, results[0].Hypotheses)
	}

	for i, list := range lists[1:] {
		s.Require().Len(list, len(lists[0]))
		s.Equal(lists[0][0].Tokens, list[0].Tokens, "list %d", i+1)
		for j := range list {
			s.InDelta(lists[0][j].Score, list[j].Score, 1e-9, "list %d rank %d", i+1, j)
		}
	}
}

// TestRecombinationKeepsBest verifies that recombination does not change
// the first-best hypothesis of A*.
func (s *DecoderSuite) TestRecombinationKeepsBest() {
	plain := baseConfig(decoding.AStar)
	plain.NBest = 1
	merged := baseConfig(decoding.AStar)
	merged.NBest = 1
	merged.Recombination = true

	want, errs := s.newPool(plain, nil).DecodeAll(s.ctx, inputs[:1])
	s.Require().NoError(errs[0])
	got, errs := s.newPool(merged, nil).DecodeAll(s.ctx, inputs[:1])
	s.Require().NoError(errs[0])

	s.Equal(want[0].Hypotheses[0].Tokens, got[0].Hypotheses[0].Tokens)
	s.InDelta(want[0].Hypotheses[0].Score, got[0].Hypotheses[0].Score, 1e-9)
}

// TestSamplingIsReproducible verifies that sampling without replacement
// with a fixed seed returns distinct sequences and is stable across pools.
func (s *DecoderSuite) TestSamplingIsReproducible() {
	cfg := baseConfig(decoding.SWOR)
	cfg.NBest = 4
	cfg.Seed = 7

	first, errs := s.newPool(cfg, nil).DecodeAll(s.ctx, inputs[:1])
	s.Require().NoError(errs[0])
	second, errs := s.newPool(cfg, nil).DecodeAll(s.ctx, inputs[:1])
	s.Require().NoError(errs[0])

	s.Require().Len(first[0].Hypotheses, 4)
	seen := map[string]bool{}
	for i, h := range first[0].Hypotheses {
		s.Equal(h.Tokens, second[0].Hypotheses[i].Tokens)
		s.NotNil(h.Perturbed)
		key := fmt.Sprint(h.Tokens)
		s.False(seen[key], "duplicate sample %v", h.Tokens)
		seen[key] = true
	}
}
