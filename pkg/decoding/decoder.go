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

// Package decoding implements the search strategies that turn a predictor
// ensemble into output sequences.
package decoding

import (
	"context"
	"fmt"
	"time"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/metrics"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/recombination"
)

// Input is a single decoding request.
type Input struct {
	// Source is handed to every predictor's InitialState.
	Source []uint32 `json:"source" msgpack:"source"`
	// Target is the sequence scored by reference decoding.
	Target []uint32 `json:"target,omitempty" msgpack:"target,omitempty"`
}

// Hypothesis is a complete output sequence.
type Hypothesis struct {
	// Tokens holds the sequence, including the end token when one was
	// emitted.
	Tokens []uint32 `json:"tokens" msgpack:"tokens"`
	// Score is the combined model log-probability.
	Score float64 `json:"score" msgpack:"score"`
	// NormalizedScore is the score used for ranking.
	NormalizedScore float64 `json:"normalizedScore" msgpack:"normalizedScore"`
	// Perturbed is the Gumbel-perturbed score of sampled hypotheses.
	Perturbed *float64 `json:"perturbed,omitempty" msgpack:"perturbed,omitempty"`
	// Breakdown holds the raw log-probability per predictor.
	Breakdown []float64 `json:"breakdown" msgpack:"breakdown"`
}

// Stats summarises the work of a decode.
type Stats struct {
	Steps      int           `json:"steps" msgpack:"steps"`
	Expansions int           `json:"expansions" msgpack:"expansions"`
	Pruned     int           `json:"pruned" msgpack:"pruned"`
	Recombined int           `json:"recombined" msgpack:"recombined"`
	Closed     int           `json:"closed" msgpack:"closed"`
	Records    int           `json:"records" msgpack:"records"`
	Duration   time.Duration `json:"duration" msgpack:"duration"`
}

// Result is the outcome of a decode.
type Result struct {
	// Hypotheses is ordered by rank; sampled hypotheses keep draw order.
	Hypotheses []Hypothesis `json:"hypotheses" msgpack:"hypotheses"`
	// Predictors names the entries of every Breakdown.
	Predictors []string `json:"predictors" msgpack:"predictors"`
	// Partial is set when the search stopped on a budget or cancellation.
	Partial bool  `json:"partial" msgpack:"partial"`
	Stats   Stats `json:"stats" msgpack:"stats"`
}

// Decoder runs one search strategy.
//
// Decode is safe for concurrent use. It returns a non-nil Result with Partial
// set together with a *PartialResultError when a budget ran out or ctx was
// cancelled.
type Decoder interface {
	// Strategy returns the strategy type.
	Strategy() Strategy
	// Decode searches the output space for in.
	Decode(ctx context.Context, in Input) (*Result, error)
}

// NewDecoder creates a new Decoder for the configured strategy over the
// given predictors.
func NewDecoder(cfg *Config, predictors []predictor.Predictor) (Decoder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	comb, err := predictor.NewCombination(predictors, cfg.Combination)
	if err != nil {
		return nil, fmt.Errorf("failed to combine predictors: %w", err)
	}

	e := &engine{
		cfg:  cfg,
		comb: comb,
	}
	if cfg.Recombination {
		e.keyer = recombination.NewKeyer(predictors)
	}

	var dec Decoder
	switch cfg.Strategy {
	case Greedy:
		dec = &GreedyDecoder{engine: e}
	case Beam:
		dec = &BeamDecoder{engine: e}
	case AStar:
		dec = &AStarDecoder{engine: e}
	case DFS:
		dec = &DFSDecoder{engine: e}
	case SWOR:
		dec = &SWORDecoder{engine: e}
	case Reference:
		dec = &ReferenceDecoder{engine: e}
	default:
		return nil, fmt.Errorf("unsupported strategy: %s", cfg.Strategy)
	}

	if cfg.EnableMetrics {
		metrics.Register()
		dec = NewInstrumentedDecoder(dec)
	}
	return dec, nil
}
