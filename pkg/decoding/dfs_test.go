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

package decoding_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
)

func TestDFSMatchesEnumeration(t *testing.T) {
	want := enumerate(t, 5, bigram(t))

	cfg := configFor(decoding.DFS)
	cfg.MaxLength = 5
	cfg.NBest = 5
	dec := newDecoder(t, cfg, bigram(t))
	testExactTopK(t, dec, want, 5)

	res, err := dec.Decode(t.Context(), decoding.Input{})
	require.NoError(t, err)
	assert.Positive(t, res.Stats.Pruned)
	// pruning keeps the search well below the full tree.
	assert.Less(t, res.Stats.Expansions, 1+3+9+27+81)
}

func TestDFSNodeBudget(t *testing.T) {
	cfg := configFor(decoding.DFS)
	cfg.NBest = 3
	cfg.MaxNodes = 3

	res, err := newDecoder(t, cfg, bigram(t)).Decode(t.Context(), decoding.Input{})
	assert.ErrorIs(t, err, decoding.ErrBudgetExceeded)
	assert.ErrorIs(t, err, decoding.ErrPartialResult)
	require.NotNil(t, res)
	assert.True(t, res.Partial)
	require.NotEmpty(t, res.Hypotheses)
	assertSortedByScore(t, res.Hypotheses)
	assert.Equal(t, 3, res.Stats.Expansions)
}
