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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"
)

// NgramEntry is the next-token distribution following a context.
type NgramEntry struct {
	// Context is the sequence of preceding tokens, oldest first. It holds at
	// most Order-1 tokens; shorter contexts act as back-off entries.
	Context []uint32 `json:"context"`
	// LogProbs maps next tokens to log-probabilities.
	LogProbs map[uint32]float64 `json:"logProbs"`
}

// NgramModel is the serialisable form of an n-gram language model.
type NgramModel struct {
	Name           string       `json:"name"`
	Order          int          `json:"order"`
	VocabularySize int          `json:"vocabularySize"`
	EndTokenID     uint32       `json:"endTokenId"`
	Entries        []NgramEntry `json:"entries"`
}

// LoadNgramModel reads an NgramModel from a JSON file.
func LoadNgramModel(path string) (*NgramModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read n-gram model: %w", err)
	}

	var model NgramModel
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("failed to parse n-gram model %s: %w", path, err)
	}
	return &model, nil
}

// NgramPredictor scores the next token with the longest stored suffix of
// the history. When no suffix matches, the distribution is uniform.
type NgramPredictor struct {
	name      string
	order     int
	vocabSize int
	endToken  uint32
	table     map[string]Distribution
	uniform   Distribution
}

var (
	_ Predictor  = &NgramPredictor{}
	_ StateKeyer = &NgramPredictor{}
)

// ngramState is the trailing context of at most order-1 tokens.
type ngramState struct {
	history []uint32
}

// NewNgramPredictor builds a predictor from a model.
func NewNgramPredictor(model *NgramModel) (*NgramPredictor, error) {
	if model == nil {
		return nil, fmt.Errorf("n-gram model is nil")
	}
	if model.Order < 1 {
		return nil, fmt.Errorf("n-gram order must be positive, got %d", model.Order)
	}
	if model.VocabularySize <= 0 {
		return nil, fmt.Errorf("n-gram vocabulary size must be positive, got %d", model.VocabularySize)
	}

	name := model.Name
	if name == "" {
		name = fmt.Sprintf("ngram%d", model.Order)
	}

	table := make(map[string]Distribution, len(model.Entries))
	for i, entry := range model.Entries {
		if len(entry.Context) >= model.Order {
			return nil, fmt.Errorf("entry %d: context of length %d exceeds order %d",
				i, len(entry.Context), model.Order)
		}
		dist := make(Distribution, len(entry.LogProbs))
		for t, lp := range entry.LogProbs {
			if int(t) >= model.VocabularySize {
				return nil, fmt.Errorf("entry %d: token %d outside vocabulary", i, t)
			}
			dist[t] = lp
		}
		table[contextKey(entry.Context)] = dist
	}

	uniform := make(Distribution, model.VocabularySize)
	lp := -math.Log(float64(model.VocabularySize))
	for t := 0; t < model.VocabularySize; t++ {
		uniform[uint32(t)] = lp
	}

	return &NgramPredictor{
		name:      name,
		order:     model.Order,
		vocabSize: model.VocabularySize,
		endToken:  model.EndTokenID,
		table:     table,
		uniform:   uniform,
	}, nil
}

// Name implements Predictor.
func (p *NgramPredictor) Name() string { return p.name }

// EndTokenID implements Predictor.
func (p *NgramPredictor) EndTokenID() uint32 { return p.endToken }

// VocabularySize implements Predictor.
func (p *NgramPredictor) VocabularySize() int { return p.vocabSize }

// InitialState implements Predictor. The source sequence is ignored.
func (p *NgramPredictor) InitialState(_ context.Context, _ []uint32) (State, error) {
	return ngramState{}, nil
}

// NextTokenDistribution implements Predictor. The returned map is shared and
// must not be modified.
func (p *NgramPredictor) NextTokenDistribution(_ context.Context, st State) (Distribution, error) {
	s, ok := st.(ngramState)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", st)
	}

	for start := 0; start <= len(s.history); start++ {
		if dist, found := p.table[contextKey(s.history[start:])]; found {
			return dist, nil
		}
	}
	return p.uniform, nil
}

// Advance implements Predictor.
func (p *NgramPredictor) Advance(_ context.Context, st State, token uint32) (State, error) {
	s, ok := st.(ngramState)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", st)
	}

	keep := min(len(s.history), p.order-2)
	history := make([]uint32, 0, keep+1)
	if keep > 0 {
		history = append(history, s.history[len(s.history)-keep:]...)
	}
	history = append(history, token)
	if p.order == 1 {
		history = history[:0]
	}
	return ngramState{history: history}, nil
}

// StateKey implements StateKeyer.
func (p *NgramPredictor) StateKey(st State) (uint64, bool) {
	s, ok := st.(ngramState)
	if !ok {
		return 0, false
	}
	return xxhash.Sum64String(contextKey(s.history)), true
}

func contextKey(tokens []uint32) string {
	buf := make([]byte, 4*len(tokens))
	for i, t := range tokens {
		binary.LittleEndian.PutUint32(buf[4*i:], t)
	}
	return string(buf)
}
