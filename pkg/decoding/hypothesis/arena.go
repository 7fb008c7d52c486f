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

// Package hypothesis holds the arena of immutable hypothesis records that
// search strategies build while decoding a single input.
package hypothesis

import (
	"fmt"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
)

// ID indexes a Record within its Arena.
type ID int32

// NoParent is the parent of the root record.
const NoParent ID = -1

// Record is a node in the search tree. Records are immutable once added to
// an Arena.
type Record struct {
	ID     ID
	Parent ID
	// Token is the token that produced this record. It is unset for the root.
	Token uint32
	// Depth is the number of tokens from the root.
	Depth int
	// Score is the cumulative combined log-probability.
	Score float64
	// Breakdown is the cumulative raw log-probability per predictor.
	Breakdown []float64
	// Perturbed is the Gumbel-perturbed score used by sampling without
	// replacement.
	Perturbed float64
	// Closed marks records that ended with the end token or reached the
	// maximum length. Closed records are never expanded.
	Closed bool
	// States holds one predictor state per predictor. It is nil for closed
	// records.
	States []predictor.State
}

// Arena is an append-only store of records for one decode. It is not safe
// for concurrent Add.
type Arena struct {
	records []Record
}

// NewArena returns an arena with room for capacity records.
func NewArena(capacity int) *Arena {
	return &Arena{records: make([]Record, 0, capacity)}
}

// Root adds the root record.
func (a *Arena) Root(states []predictor.State, perturbed float64) *Record {
	return a.Add(Record{
		Parent:    NoParent,
		Breakdown: make([]float64, len(states)),
		Perturbed: perturbed,
		States:    states,
	})
}

// Add stores r, assigning its ID, and returns the stored record. The parent
// must already be present.
func (a *Arena) Add(r Record) *Record {
	if r.Parent != NoParent && (r.Parent < 0 || int(r.Parent) >= len(a.records)) {
		panic(fmt.Sprintf("hypothesis: unknown parent %d", r.Parent))
	}
	r.ID = ID(len(a.records))
	a.records = append(a.records, r)
	return &a.records[r.ID]
}

// Get returns the record with the given ID. The pointer is only valid until
// the next Add.
func (a *Arena) Get(id ID) *Record {
	return &a.records[id]
}

// Len returns the number of records in the arena.
func (a *Arena) Len() int {
	return len(a.records)
}

// Tokens traces the record back to the root and returns its tokens in order.
func (a *Arena) Tokens(id ID) []uint32 {
	r := a.records[id]
	tokens := make([]uint32, r.Depth)
	for i := r.Depth - 1; i >= 0; i-- {
		tokens[i] = r.Token
		r = a.records[r.Parent]
	}
	return tokens
}

// Release drops the predictor states of a record that will not be expanded
// again.
func (a *Arena) Release(id ID) {
	a.records[id].States = nil
}

// Reset empties the arena while keeping its storage.
func (a *Arena) Reset() {
	clear(a.records)
	a.records = a.records[:0]
}
