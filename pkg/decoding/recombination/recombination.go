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

// Package recombination detects hypotheses whose futures are identical so
// that only the best scoring one is kept.
package recombination

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
)

// Keyer computes recombination keys over the states of a fixed list of
// predictors.
type Keyer struct {
	keyers []predictor.StateKeyer
}

// NewKeyer returns a Keyer for predictors. The keyer is disabled when any
// predictor does not implement predictor.StateKeyer.
func NewKeyer(predictors []predictor.Predictor) *Keyer {
	keyers := make([]predictor.StateKeyer, 0, len(predictors))
	for _, p := range predictors {
		k, ok := p.(predictor.StateKeyer)
		if !ok {
			return &Keyer{}
		}
		keyers = append(keyers, k)
	}
	return &Keyer{keyers: keyers}
}

// Enabled reports whether keys can be computed at all.
func (k *Keyer) Enabled() bool {
	return k != nil && len(k.keyers) > 0
}

// Key returns the recombination key of a hypothesis at depth with the given
// predictor states. The depth is part of the key because the remaining length
// budget shapes the future of a hypothesis. The boolean is false when any
// predictor cannot decide equality for its state.
func (k *Keyer) Key(depth int, states []predictor.State) (uint64, bool) {
	if !k.Enabled() || len(states) != len(k.keyers) {
		return 0, false
	}

	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(depth))
	_, _ = d.Write(buf[:])
	for i, keyer := range k.keyers {
		sk, ok := keyer.StateKey(states[i])
		if !ok {
			return 0, false
		}
		binary.LittleEndian.PutUint64(buf[:], sk)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64(), true
}

// Table remembers the best score seen per key. It is not safe for
// concurrent use.
type Table struct {
	best map[uint64]float64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{best: make(map[uint64]float64)}
}

// Offer records score for key and reports whether it beats every score
// offered for key before. Ties lose, so the earliest hypothesis survives.
func (t *Table) Offer(key uint64, score float64) bool {
	if best, found := t.best[key]; found && score <= best {
		return false
	}
	t.best[key] = score
	return true
}

// Best returns the best score recorded for key.
func (t *Table) Best(key uint64) (float64, bool) {
	best, found := t.best[key]
	return best, found
}

// Len returns the number of distinct keys.
func (t *Table) Len() int {
	return len(t.best)
}

// Reset forgets every key.
func (t *Table) Reset() {
	clear(t.best)
}
