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
	"errors"
	"fmt"
)

var (
	// ErrIncompatibleVocabulary is returned when the predictors of an ensemble
	// cannot be combined over a single token id space.
	ErrIncompatibleVocabulary = errors.New("incompatible vocabulary")
	// ErrPredictorFailure is the sentinel wrapped by every PredictorError.
	ErrPredictorFailure = errors.New("predictor failure")
)

// State is an opaque value owned by the predictor that produced it. The
// engine never inspects it and never mutates it; it only hands it back to
// the same predictor.
type State any

// Distribution maps token ids to log-probabilities. Tokens inside the
// predictor's vocabulary that are absent from the map have zero probability.
type Distribution map[uint32]float64

// Predictor wraps a single left-to-right scoring source.
//
// Implementations must treat states as immutable snapshots: Advance returns
// a fresh state and never modifies its argument, since the same parent state
// is read concurrently by several expansions.
type Predictor interface {
	// Name identifies the predictor in logs, metrics and score breakdowns.
	Name() string
	// InitialState returns the state for the empty prefix given the source
	// input.
	InitialState(ctx context.Context, src []uint32) (State, error)
	// NextTokenDistribution returns the log-probabilities of the next token.
	NextTokenDistribution(ctx context.Context, st State) (Distribution, error)
	// Advance returns the state after consuming token.
	Advance(ctx context.Context, st State, token uint32) (State, error)
	// EndTokenID is the end-of-sequence token.
	EndTokenID() uint32
	// VocabularySize is the number of token ids known to the predictor,
	// which are 0..VocabularySize()-1.
	VocabularySize() int
}

// StateKeyer is implemented by predictors whose future behavior is fully
// determined by a hashable summary of their state, e.g. an n-gram context.
// Two states with equal keys must produce identical distributions for every
// future continuation.
type StateKeyer interface {
	// StateKey returns the key of st. The boolean is false when equality is
	// not decidable for this particular state.
	StateKey(st State) (uint64, bool)
}

// PredictorError reports a failure of a single predictor operation.
type PredictorError struct {
	Predictor string
	Op        string
	Err       error
}

func (e *PredictorError) Error() string {
	return fmt.Sprintf("predictor %q %s: %v", e.Predictor, e.Op, e.Err)
}

func (e *PredictorError) Unwrap() error { return e.Err }

// Is makes every PredictorError match ErrPredictorFailure.
func (e *PredictorError) Is(target error) bool {
	return target == ErrPredictorFailure
}

func wrapErr(p Predictor, op string, err error) error {
	var pe *PredictorError
	if errors.As(err, &pe) {
		return err
	}
	return &PredictorError{Predictor: p.Name(), Op: op, Err: err}
}
