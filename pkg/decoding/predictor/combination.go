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

package predictor

import (
	"context"
	"fmt"
	"math"

	"github.com/llm-d/llm-d-decoder/pkg/utils"
)

const defaultUnkMass = 1e-10

// CombinationConfig holds the configuration of a predictor ensemble.
type CombinationConfig struct {
	// Weights are the log-linear interpolation weights, one per predictor.
	// If empty, every predictor gets weight 1.
	Weights []float64 `json:"weights"`
	// Temperature divides the weighted sum before renormalisation.
	// Zero means 1.
	Temperature float64 `json:"temperature"`
	// UnkMass is the probability mass a predictor spreads over token ids
	// beyond its own vocabulary.
	UnkMass float64 `json:"unkMass"`
	// AllowVocabularyMismatch permits predictors with different vocabulary
	// sizes that share an external id space.
	AllowVocabularyMismatch bool `json:"allowVocabularyMismatch"`
}

// DefaultCombinationConfig returns a default configuration for Combination.
func DefaultCombinationConfig() *CombinationConfig {
	return &CombinationConfig{
		Temperature: 1,
		UnkMass:     defaultUnkMass,
	}
}

// Scores is the dense result of querying every predictor of a Combination
// for a single hypothesis.
type Scores struct {
	// LogProbs holds the combined, renormalised log-probability per token.
	LogProbs []float64
	// Raw holds the per-predictor log-probability per token, before
	// weighting.
	Raw [][]float64
}

// Combination is a weighted log-linear ensemble of predictors that share a
// token id space. It is safe for concurrent use as long as its predictors
// are.
type Combination struct {
	predictors  []Predictor
	weights     []float64
	temperature float64
	unkMass     float64
	vocabSize   int
	endToken    uint32
}

// NewCombination validates the ensemble and returns a Combination.
// Vocabulary violations are reported as ErrIncompatibleVocabulary.
func NewCombination(predictors []Predictor, cfg *CombinationConfig) (*Combination, error) {
	if cfg == nil {
		cfg = DefaultCombinationConfig()
	}

	if len(predictors) == 0 {
		return nil, fmt.Errorf("%w: no predictors", ErrIncompatibleVocabulary)
	}

	weights := cfg.Weights
	if len(weights) == 0 {
		weights = make([]float64, len(predictors))
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != len(predictors) {
		return nil, fmt.Errorf("got %d weights for %d predictors", len(weights), len(predictors))
	}

	positive := false
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("invalid weight %v for predictor %q", w, predictors[i].Name())
		}
		positive = positive || w > 0
	}
	if !positive {
		return nil, fmt.Errorf("at least one predictor weight must be positive")
	}

	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 1
	}
	if temperature < 0 || math.IsNaN(temperature) {
		return nil, fmt.Errorf("invalid temperature %v", temperature)
	}

	if cfg.UnkMass < 0 || cfg.UnkMass >= 1 {
		return nil, fmt.Errorf("unknown-token mass must be in [0, 1), got %v", cfg.UnkMass)
	}

	endToken := predictors[0].EndTokenID()
	vocabSize := 0
	for _, p := range predictors {
		size := p.VocabularySize()
		if size <= 0 {
			return nil, fmt.Errorf("%w: predictor %q has vocabulary size %d",
				ErrIncompatibleVocabulary, p.Name(), size)
		}
		if p.EndTokenID() != endToken {
			return nil, fmt.Errorf("%w: predictor %q ends with token %d, expected %d",
				ErrIncompatibleVocabulary, p.Name(), p.EndTokenID(), endToken)
		}
		if vocabSize != 0 && size != vocabSize && !cfg.AllowVocabularyMismatch {
			return nil, fmt.Errorf("%w: predictor %q has vocabulary size %d, expected %d",
				ErrIncompatibleVocabulary, p.Name(), size, vocabSize)
		}
		vocabSize = max(vocabSize, size)
	}
	if int(endToken) >= vocabSize {
		return nil, fmt.Errorf("%w: end token %d outside vocabulary of size %d",
			ErrIncompatibleVocabulary, endToken, vocabSize)
	}

	return &Combination{
		predictors:  predictors,
		weights:     weights,
		temperature: temperature,
		unkMass:     cfg.UnkMass,
		vocabSize:   vocabSize,
		endToken:    endToken,
	}, nil
}

// Predictors returns the predictors of the ensemble in order.
func (c *Combination) Predictors() []Predictor { return c.predictors }

// Names returns the predictor names in order.
func (c *Combination) Names() []string {
	return utils.SliceMap(c.predictors, func(p Predictor) string { return p.Name() })
}

// Weights returns the interpolation weights in order.
func (c *Combination) Weights() []float64 { return c.weights }

// EndTokenID returns the shared end-of-sequence token.
func (c *Combination) EndTokenID() uint32 { return c.endToken }

// VocabularySize returns the size of the combined vocabulary.
func (c *Combination) VocabularySize() int { return c.vocabSize }

// InitialStates returns one initial state per predictor.
func (c *Combination) InitialStates(ctx context.Context, src []uint32) ([]State, error) {
	states := make([]State, len(c.predictors))
	for i, p := range c.predictors {
		st, err := p.InitialState(ctx, src)
		if err != nil {
			return nil, wrapErr(p, "initial state", err)
		}
		states[i] = st
	}
	return states, nil
}

// Advance returns the states after consuming token. The input slice is not
// modified.
func (c *Combination) Advance(ctx context.Context, states []State, token uint32) ([]State, error) {
	next := make([]State, len(c.predictors))
	for i, p := range c.predictors {
		st, err := p.Advance(ctx, states[i], token)
		if err != nil {
			return nil, wrapErr(p, "advance", err)
		}
		next[i] = st
	}
	return next, nil
}

// Distribution queries every predictor and combines the results. When no
// token has positive probability every combined entry is -Inf.
func (c *Combination) Distribution(ctx context.Context, states []State) (*Scores, error) {
	scores := &Scores{
		LogProbs: make([]float64, c.vocabSize),
		Raw:      make([][]float64, len(c.predictors)),
	}

	for i, p := range c.predictors {
		dist, err := p.NextTokenDistribution(ctx, states[i])
		if err != nil {
			return nil, wrapErr(p, "distribution", err)
		}
		raw, err := c.densify(p, dist)
		if err != nil {
			return nil, wrapErr(p, "distribution", err)
		}
		scores.Raw[i] = raw

		w := c.weights[i]
		if w == 0 {
			continue
		}
		for t, lp := range raw {
			scores.LogProbs[t] += w * lp
		}
	}

	if c.temperature != 1 {
		for t := range scores.LogProbs {
			scores.LogProbs[t] /= c.temperature
		}
	}
	// a dead end leaves every entry at -Inf.
	utils.LogSoftmax(scores.LogProbs)
	return scores, nil
}

// densify expands a sparse distribution over the combined vocabulary.
func (c *Combination) densify(p Predictor, dist Distribution) ([]float64, error) {
	size := p.VocabularySize()
	raw := make([]float64, c.vocabSize)
	for t := range raw {
		raw[t] = math.Inf(-1)
	}

	for t, lp := range dist {
		if int(t) >= size {
			return nil, fmt.Errorf("token %d outside vocabulary of size %d", t, size)
		}
		if math.IsNaN(lp) || math.IsInf(lp, 1) {
			return nil, fmt.Errorf("invalid log-probability %v for token %d", lp, t)
		}
		raw[t] = lp
	}

	uncovered := c.vocabSize - size
	if uncovered == 0 {
		return raw, nil
	}

	var unk float64
	if c.unkMass > 0 {
		unk = math.Log(c.unkMass / float64(uncovered))
	} else {
		unk = math.Inf(-1)
	}
	scale := math.Log1p(-c.unkMass)
	for t := 0; t < size; t++ {
		raw[t] += scale
	}
	for t := size; t < c.vocabSize; t++ {
		raw[t] = unk
	}
	return raw, nil
}
