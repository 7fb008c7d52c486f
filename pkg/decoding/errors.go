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
	"errors"
	"fmt"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
)

var (
	// ErrIncompatibleVocabulary is returned by NewDecoder when the predictors
	// cannot be combined.
	ErrIncompatibleVocabulary = predictor.ErrIncompatibleVocabulary
	// ErrPredictorFailure aborts decoding of a single input.
	ErrPredictorFailure = predictor.ErrPredictorFailure

	// ErrInvalidConfig is returned for configurations that fail validation.
	ErrInvalidConfig = errors.New("invalid decoding configuration")

	// ErrPartialResult marks results of a search that stopped early.
	ErrPartialResult = errors.New("partial result")
	// ErrBudgetExceeded is the cause of a partial result when a node or time
	// budget ran out.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrMaxStepsExceeded is the cause of a partial result when the step
	// budget ran out.
	ErrMaxStepsExceeded = errors.New("max steps exceeded")
	// ErrSearchSpaceExhausted is the cause of a partial result when the
	// best-first node cap was reached.
	ErrSearchSpaceExhausted = errors.New("search space exhausted")

	// ErrNoCompleteHypothesis is returned when the search ran out of live
	// hypotheses before any of them was completed.
	ErrNoCompleteHypothesis = errors.New("no complete hypothesis")
)

// PartialResultError accompanies a non-nil Result whose Partial flag is
// set. It matches ErrPartialResult as well as its cause.
type PartialResultError struct {
	Cause error
}

func (e *PartialResultError) Error() string {
	return fmt.Sprintf("partial result: %v", e.Cause)
}

func (e *PartialResultError) Unwrap() error { return e.Cause }

// Is makes every PartialResultError match ErrPartialResult.
func (e *PartialResultError) Is(target error) bool {
	return target == ErrPartialResult
}
