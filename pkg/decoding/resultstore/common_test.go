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

package resultstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/resultstore"
)

func sampleResult() *decoding.Result {
	return &decoding.Result{
		Predictors: []string{"ngram3"},
		Hypotheses: []decoding.Hypothesis{
			{Tokens: []uint32{4, 2, 0}, Score: -1.5, NormalizedScore: -1.5, Breakdown: []float64{-1.5}},
			{Tokens: []uint32{4, 0}, Score: -2.25, NormalizedScore: -2.25, Breakdown: []float64{-2.25}},
		},
		Stats: decoding.Stats{Steps: 3, Expansions: 7, Closed: 2, Records: 9, Duration: time.Millisecond},
	}
}

func mustKey(t *testing.T, source ...uint32) resultstore.Key {
	t.Helper()
	key, err := resultstore.KeyFor("model-a", decoding.DefaultConfig(), decoding.Input{Source: source})
	require.NoError(t, err)
	return key
}

// testCommonStoreBehavior runs the behavior every Store must share.
func testCommonStoreBehavior(t *testing.T, storeFactory func(t *testing.T) resultstore.Store) {
	t.Helper()

	t.Run("MissThenHit", func(t *testing.T) {
		store := storeFactory(t)
		key := mustKey(t, 1, 2, 3)

		res, found, err := store.Get(t.Context(), key)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, res)

		require.NoError(t, store.Put(t.Context(), key, sampleResult()))

		res, found, err = store.Get(t.Context(), key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, sampleResult(), res)
	})

	t.Run("PartialResultsAreNotStored", func(t *testing.T) {
		store := storeFactory(t)
		key := mustKey(t, 5)

		partial := sampleResult()
		partial.Partial = true
		require.NoError(t, store.Put(t.Context(), key, partial))
		require.NoError(t, store.Put(t.Context(), key, nil))

		_, found, err := store.Get(t.Context(), key)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Overwrite", func(t *testing.T) {
		store := storeFactory(t)
		key := mustKey(t, 6)

		require.NoError(t, store.Put(t.Context(), key, sampleResult()))
		updated := sampleResult()
		updated.Hypotheses = updated.Hypotheses[:1]
		require.NoError(t, store.Put(t.Context(), key, updated))

		res, found, err := store.Get(t.Context(), key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Len(t, res.Hypotheses, 1)
	})
}
