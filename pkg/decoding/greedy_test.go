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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
)

func TestGreedyFollowsBestToken(t *testing.T) {
	dec := newDecoder(t, configFor(decoding.Greedy), bigram(t))

	res, err := dec.Decode(t.Context(), decoding.Input{Source: []uint32{7, 7}})
	require.NoError(t, err)
	require.Len(t, res.Hypotheses, 1)

	assert.Equal(t, []uint32{1, 0}, res.Hypotheses[0].Tokens)
	assert.InDelta(t, math.Log(0.5*0.4), res.Hypotheses[0].Score, 1e-9)
	assert.Nil(t, res.Hypotheses[0].Perturbed)
	assert.Equal(t, 2, res.Stats.Steps)
}

func TestGreedyBreaksTiesByTokenID(t *testing.T) {
	uniform, err := predictor.NewUniformPredictor(4, 0, 2)
	require.NoError(t, err)

	res, err := newDecoder(t, configFor(decoding.Greedy), uniform).Decode(t.Context(), decoding.Input{})
	require.NoError(t, err)

	assert.Equal(t, []uint32{1, 1, 0}, res.Hypotheses[0].Tokens)
	assert.InDelta(t, 2*math.Log(1.0/3)+math.Log(0.25), res.Hypotheses[0].Score, 1e-9)
}

func TestGreedyClosesAtMaxLength(t *testing.T) {
	uniform, err := predictor.NewUniformPredictor(4, 0, 10)
	require.NoError(t, err)

	cfg := configFor(decoding.Greedy)
	cfg.MaxLength = 3
	res, err := newDecoder(t, cfg, uniform).Decode(t.Context(), decoding.Input{})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 1, 1}, res.Hypotheses[0].Tokens)
}

func TestGreedyMaxSteps(t *testing.T) {
	cfg := configFor(decoding.Greedy)
	cfg.MaxSteps = 1

	res, err := newDecoder(t, cfg, bigram(t)).Decode(t.Context(), decoding.Input{})
	assert.ErrorIs(t, err, decoding.ErrMaxStepsExceeded)
	assert.ErrorIs(t, err, decoding.ErrPartialResult)
	require.NotNil(t, res)
	assert.True(t, res.Partial)
	assert.Empty(t, res.Hypotheses)
}
