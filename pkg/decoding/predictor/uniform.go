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
)

// UniformPredictor assigns equal probability to every token. The end token
// is impossible until MinLength tokens have been produced.
type UniformPredictor struct {
	name      string
	vocabSize int
	endToken  uint32
	minLength int

	full  Distribution
	noEnd Distribution
}

var (
	_ Predictor  = &UniformPredictor{}
	_ StateKeyer = &UniformPredictor{}
)

// NewUniformPredictor returns a uniform predictor.
func NewUniformPredictor(vocabSize int, endToken uint32, minLength int) (*UniformPredictor, error) {
	if vocabSize <= 0 || int(endToken) >= vocabSize {
		return nil, fmt.Errorf("invalid vocabulary size %d with end token %d", vocabSize, endToken)
	}

	full := make(Distribution, vocabSize)
	noEnd := make(Distribution, vocabSize-1)
	for t := 0; t < vocabSize; t++ {
		full[uint32(t)] = -math.Log(float64(vocabSize))
		if uint32(t) != endToken {
			noEnd[uint32(t)] = -math.Log(float64(vocabSize - 1))
		}
	}

	return &UniformPredictor{
		name:      "uniform",
		vocabSize: vocabSize,
		endToken:  endToken,
		minLength: minLength,
		full:      full,
		noEnd:     noEnd,
	}, nil
}

// Name implements Predictor.
func (p *UniformPredictor) Name() string { return p.name }

// EndTokenID implements Predictor.
func (p *UniformPredictor) EndTokenID() uint32 { return p.endToken }

// VocabularySize implements Predictor.
func (p *UniformPredictor) VocabularySize() int { return p.vocabSize }

// InitialState implements Predictor. The state is the prefix length.
func (p *UniformPredictor) InitialState(_ context.Context, _ []uint32) (State, error) {
	return 0, nil
}

// NextTokenDistribution implements Predictor.
func (p *UniformPredictor) NextTokenDistribution(_ context.Context, st State) (Distribution, error) {
	length, ok := st.(int)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", st)
	}
	if length < p.minLength && len(p.noEnd) > 0 {
		return p.noEnd, nil
	}
	return p.full, nil
}

// Advance implements Predictor.
func (p *UniformPredictor) Advance(_ context.Context, st State, _ uint32) (State, error) {
	length, ok := st.(int)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", st)
	}
	return length + 1, nil
}

// StateKey implements StateKeyer. Lengths past MinLength behave identically.
func (p *UniformPredictor) StateKey(st State) (uint64, bool) {
	length, ok := st.(int)
	if !ok {
		return 0, false
	}
	return uint64(min(length, p.minLength)), true
}
