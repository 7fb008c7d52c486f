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
)

// ForcedPredictor puts all probability mass on a fixed target sequence
// followed by the end token.
type ForcedPredictor struct {
	name      string
	target    []uint32
	vocabSize int
	endToken  uint32
}

var (
	_ Predictor  = &ForcedPredictor{}
	_ StateKeyer = &ForcedPredictor{}
)

// NewForcedPredictor returns a predictor that forces target. The target must
// not contain the end token.
func NewForcedPredictor(target []uint32, vocabSize int, endToken uint32) (*ForcedPredictor, error) {
	for i, t := range target {
		if int(t) >= vocabSize {
			return nil, fmt.Errorf("target token %d at position %d outside vocabulary of size %d",
				t, i, vocabSize)
		}
		if t == endToken {
			return nil, fmt.Errorf("target contains the end token at position %d", i)
		}
	}

	return &ForcedPredictor{
		name:      "forced",
		target:    append([]uint32(nil), target...),
		vocabSize: vocabSize,
		endToken:  endToken,
	}, nil
}

// Name implements Predictor.
func (p *ForcedPredictor) Name() string { return p.name }

// EndTokenID implements Predictor.
func (p *ForcedPredictor) EndTokenID() uint32 { return p.endToken }

// VocabularySize implements Predictor.
func (p *ForcedPredictor) VocabularySize() int { return p.vocabSize }

// InitialState implements Predictor. The state is the target position.
func (p *ForcedPredictor) InitialState(_ context.Context, _ []uint32) (State, error) {
	return 0, nil
}

// NextTokenDistribution implements Predictor.
func (p *ForcedPredictor) NextTokenDistribution(_ context.Context, st State) (Distribution, error) {
	pos, ok := st.(int)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", st)
	}
	if pos < len(p.target) {
		return Distribution{p.target[pos]: 0}, nil
	}
	return Distribution{p.endToken: 0}, nil
}

// Advance implements Predictor.
func (p *ForcedPredictor) Advance(_ context.Context, st State, token uint32) (State, error) {
	pos, ok := st.(int)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", st)
	}
	if pos >= len(p.target) || p.target[pos] != token {
		return nil, fmt.Errorf("token %d deviates from the target at position %d", token, pos)
	}
	return pos + 1, nil
}

// StateKey implements StateKeyer.
func (p *ForcedPredictor) StateKey(st State) (uint64, bool) {
	pos, ok := st.(int)
	if !ok {
		return 0, false
	}
	return uint64(pos), true
}
