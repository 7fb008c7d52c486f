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
	"fmt"
	"time"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/hypothesis"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
)

// Strategy names a search strategy.
type Strategy string

const (
	// Greedy keeps the single best token at every step.
	Greedy Strategy = "greedy"
	// Beam keeps the BeamWidth best hypotheses at every step.
	Beam Strategy = "beam"
	// AStar pops hypotheses best-first by score plus heuristic.
	AStar Strategy = "astar"
	// DFS explores the tree depth-first in token-score order.
	DFS Strategy = "dfs"
	// SWOR samples complete sequences without replacement.
	SWOR Strategy = "swor"
	// Reference scores a given target sequence.
	Reference Strategy = "reference"
)

const (
	defaultBeamWidth = 4
	defaultMaxLength = 100
	defaultMaxNodes  = 100000
)

// Heuristic estimates the best achievable remaining score of the hypothesis
// obtained by extending parent with token. It must never underestimate for
// best-first search to stay exact. It is not called for closed hypotheses.
type Heuristic func(parent *hypothesis.Record, token uint32) float64

// Config holds the configuration of a Decoder.
type Config struct {
	// Strategy selects the search strategy.
	Strategy Strategy `json:"strategy"`
	// BeamWidth is the number of live hypotheses kept by beam search.
	BeamWidth int `json:"beamWidth"`
	// NBest is the number of hypotheses returned (K).
	NBest int `json:"nBest"`
	// MaxLength is the maximum number of tokens of a hypothesis, end token
	// included. Hypotheses reaching it are closed.
	MaxLength int `json:"maxLength"`
	// Temperature scales the sampling distribution of SWOR. Zero turns SWOR
	// into deterministic best-first search.
	Temperature float64 `json:"temperature"`
	// Seed is the top-level random seed of SWOR.
	Seed uint64 `json:"seed"`
	// Threads bounds the number of concurrent expansions per round.
	Threads int `json:"threads"`

	// MaxSteps bounds the number of rounds of greedy and beam search.
	// Zero means unbounded.
	MaxSteps int `json:"maxSteps"`
	// MaxNodes bounds the number of expansions of best-first, depth-first
	// and sampling search. Zero means unbounded, except for DFS which
	// requires a bound.
	MaxNodes int `json:"maxNodes"`
	// TimeLimit bounds the wall time of a decode. Zero means unbounded.
	TimeLimit time.Duration `json:"timeLimit"`

	// LengthPenalty is the exponent α of the final ranking score / len^α.
	// Zero disables length normalisation.
	LengthPenalty float64 `json:"lengthPenalty"`
	// EarlyStopping ends beam search once no live hypothesis can enter the
	// n-best list.
	EarlyStopping bool `json:"earlyStopping"`
	// Recombination merges hypotheses with identical futures. It is not
	// allowed with SWOR.
	Recombination bool `json:"recombination"`
	// Heuristic is the best-first search heuristic. Nil means zero.
	Heuristic Heuristic `json:"-"`

	// Combination configures the predictor ensemble.
	Combination *predictor.CombinationConfig `json:"combination"`

	// EnableMetrics toggles whether decodes are recorded in Prometheus.
	EnableMetrics bool `json:"enableMetrics"`
}

// DefaultConfig returns a default configuration for beam search.
func DefaultConfig() *Config {
	return &Config{
		Strategy:    Beam,
		BeamWidth:   defaultBeamWidth,
		NBest:       1,
		MaxLength:   defaultMaxLength,
		Temperature: 1,
		Threads:     1,
		MaxNodes:    defaultMaxNodes,
		Combination: predictor.DefaultCombinationConfig(),
	}
}

// Validate checks the configuration. Errors match ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch c.Strategy {
	case Greedy, Beam, AStar, DFS, SWOR, Reference:
	default:
		return invalid("unsupported strategy %q", c.Strategy)
	}

	switch {
	case c.MaxLength < 1:
		return invalid("maxLength must be positive, got %d", c.MaxLength)
	case c.NBest < 1:
		return invalid("nBest must be positive, got %d", c.NBest)
	case c.Threads < 1:
		return invalid("threads must be positive, got %d", c.Threads)
	case c.Strategy == Beam && c.BeamWidth < 1:
		return invalid("beamWidth must be positive, got %d", c.BeamWidth)
	case c.MaxSteps < 0 || c.MaxNodes < 0 || c.TimeLimit < 0:
		return invalid("budgets must not be negative")
	case c.Strategy == DFS && c.MaxNodes == 0:
		return invalid("depth-first search requires maxNodes")
	case c.Temperature < 0:
		return invalid("temperature must not be negative, got %v", c.Temperature)
	case c.LengthPenalty < 0:
		return invalid("lengthPenalty must not be negative, got %v", c.LengthPenalty)
	case c.Strategy == SWOR && c.Recombination:
		return invalid("recombination cannot be combined with sampling without replacement")
	}
	return nil
}
