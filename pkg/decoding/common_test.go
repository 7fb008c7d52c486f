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

package decoding_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
)

// bigram returns a 4-token bigram model with token 0 as the end token.
func bigram(t *testing.T) *predictor.NgramPredictor {
	t.Helper()
	p, err := predictor.NewNgramPredictor(&predictor.NgramModel{
		Name:           "bigram",
		Order:          2,
		VocabularySize: 4,
		EndTokenID:     0,
		Entries: []predictor.NgramEntry{
			{LogProbs: logs(map[uint32]float64{0: 0.05, 1: 0.5, 2: 0.3, 3: 0.15})},
			{Context: []uint32{1}, LogProbs: logs(map[uint32]float64{0: 0.4, 1: 0.1, 2: 0.35, 3: 0.15})},
			{Context: []uint32{2}, LogProbs: logs(map[uint32]float64{0: 0.2, 1: 0.45, 2: 0.05, 3: 0.3})},
			{Context: []uint32{3}, LogProbs: logs(map[uint32]float64{0: 0.6, 1: 0.25, 2: 0.1, 3: 0.05})},
		},
	})
	require.NoError(t, err)
	return p
}

// toySampler is a 3-token model without end token mass whose four complete
// sequences of length 2 have probabilities [1 1]=.14 [1 2]=.56 [2 1]=.18
// and [2 2]=.12.
func toySampler(t *testing.T) *predictor.NgramPredictor {
	t.Helper()
	p, err := predictor.NewNgramPredictor(&predictor.NgramModel{
		Name:           "toy",
		Order:          2,
		VocabularySize: 3,
		EndTokenID:     0,
		Entries: []predictor.NgramEntry{
			{LogProbs: logs(map[uint32]float64{1: 0.7, 2: 0.3})},
			{Context: []uint32{1}, LogProbs: logs(map[uint32]float64{1: 0.2, 2: 0.8})},
			{Context: []uint32{2}, LogProbs: logs(map[uint32]float64{1: 0.6, 2: 0.4})},
		},
	})
	require.NoError(t, err)
	return p
}

func logs(probs map[uint32]float64) map[uint32]float64 {
	out := make(map[uint32]float64, len(probs))
	for t, p := range probs {
		out[t] = math.Log(p)
	}
	return out
}

func newDecoder(t *testing.T, cfg *decoding.Config, predictors ...predictor.Predictor) decoding.Decoder {
	t.Helper()
	dec, err := decoding.NewDecoder(cfg, predictors)
	require.NoError(t, err)
	return dec
}

func configFor(strategy decoding.Strategy) *decoding.Config {
	cfg := decoding.DefaultConfig()
	cfg.Strategy = strategy
	cfg.MaxLength = 4
	return cfg
}

type scored struct {
	tokens []uint32
	score  float64
}

// enumerate lists every complete sequence of the ensemble up to maxLength,
// best first.
func enumerate(t *testing.T, maxLength int, predictors ...predictor.Predictor) []scored {
	t.Helper()
	ctx := context.Background()

	comb, err := predictor.NewCombination(predictors, nil)
	require.NoError(t, err)
	states, err := comb.InitialStates(ctx, nil)
	require.NoError(t, err)

	var out []scored
	var walk func(states []predictor.State, prefix []uint32, score float64)
	walk = func(states []predictor.State, prefix []uint32, score float64) {
		dist, err := comb.Distribution(ctx, states)
		require.NoError(t, err)
		for tok, lp := range dist.LogProbs {
			if math.IsInf(lp, -1) {
				continue
			}
			seq := append(slices.Clone(prefix), uint32(tok))
			if uint32(tok) == comb.EndTokenID() || len(seq) >= maxLength {
				out = append(out, scored{tokens: seq, score: score + lp})
				continue
			}
			next, err := comb.Advance(ctx, states, uint32(tok))
			require.NoError(t, err)
			walk(next, seq, score+lp)
		}
	}
	walk(states, nil, 0)

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func scoresOf(hyps []decoding.Hypothesis) []float64 {
	out := make([]float64, len(hyps))
	for i, h := range hyps {
		out[i] = h.Score
	}
	return out
}

func assertSortedByScore(t *testing.T, hyps []decoding.Hypothesis) {
	t.Helper()
	for i := 1; i < len(hyps); i++ {
		assert.GreaterOrEqual(t, hyps[i-1].NormalizedScore, hyps[i].NormalizedScore)
	}
}

// testExactTopK checks that a decoder returns the k best complete sequences.
func testExactTopK(t *testing.T, dec decoding.Decoder, want []scored, k int) {
	t.Helper()

	res, err := dec.Decode(t.Context(), decoding.Input{})
	require.NoError(t, err)
	require.Len(t, res.Hypotheses, k)
	assert.False(t, res.Partial)
	assertSortedByScore(t, res.Hypotheses)

	assert.Equal(t, want[0].tokens, res.Hypotheses[0].Tokens)
	for i, h := range res.Hypotheses {
		assert.InDelta(t, want[i].score, h.Score, 1e-9, "rank %d", i)
	}
}

// slowPredictor delays every distribution query.
type slowPredictor struct {
	predictor.Predictor
	delay time.Duration
}

func (s *slowPredictor) NextTokenDistribution(ctx context.Context, st predictor.State) (predictor.Distribution, error) {
	time.Sleep(s.delay)
	return s.Predictor.NextTokenDistribution(ctx, st)
}

// failingPredictor fails once the prefix reaches failAt tokens. The end
// token is impossible before that.
type failingPredictor struct {
	*predictor.UniformPredictor
	failAt int
}

var errModelCrashed = errors.New("model crashed")

func (f *failingPredictor) NextTokenDistribution(ctx context.Context, st predictor.State) (predictor.Distribution, error) {
	if length, _ := st.(int); length >= f.failAt {
		return nil, errModelCrashed
	}
	return f.UniformPredictor.NextTokenDistribution(ctx, st)
}

func newFailing(t *testing.T, failAt int) *failingPredictor {
	t.Helper()
	u, err := predictor.NewUniformPredictor(4, 0, failAt+1)
	require.NoError(t, err)
	return &failingPredictor{UniformPredictor: u, failAt: failAt}
}
