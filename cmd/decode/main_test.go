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

package main

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/output"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
)

func writeModel(t *testing.T) string {
	t.Helper()

	model := predictor.NgramModel{
		Order:          2,
		VocabularySize: 3,
		EndTokenID:     0,
		Entries: []predictor.NgramEntry{
			{Context: nil, LogProbs: map[uint32]float64{0: math.Log(0.1), 1: math.Log(0.6), 2: math.Log(0.3)}},
			{Context: []uint32{1}, LogProbs: map[uint32]float64{0: math.Log(0.9), 2: math.Log(0.1)}},
			{Context: []uint32{2}, LogProbs: map[uint32]float64{0: math.Log(0.2), 1: math.Log(0.8)}},
		},
	}
	data, err := json.Marshal(model)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bigram.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func setEnv(t *testing.T, env map[string]string) {
	t.Helper()
	for _, key := range []string{
		envDecoderConfig, envStrategy, envNBest, envBeamWidth, envMaxLength, envSeed,
		envInputFormat, envOutputFormat, envRedisAddr, envResultStoreSize,
		envZMQEndpoint, envZMQResponseEndpoint, envMetricsInterval,
	} {
		t.Setenv(key, env[key])
	}
	t.Setenv(envNgramModels, env[envNgramModels])
}

func TestRunGreedyText(t *testing.T) {
	setEnv(t, map[string]string{
		envNgramModels: writeModel(t),
		envStrategy:    "greedy",
		envMaxLength:   "5",
	})

	var out bytes.Buffer
	require.NoError(t, run(t.Context(), strings.NewReader("1\n2 2\n"), &out))
	assert.Equal(t, "1\n1\n", out.String())
}

func TestRunBeamNBest(t *testing.T) {
	setEnv(t, map[string]string{
		envNgramModels:     writeModel(t),
		envStrategy:        "beam",
		envBeamWidth:       "3",
		envNBest:           "2",
		envMaxLength:       "2",
		envOutputFormat:    "nbest",
		envResultStoreSize: "1MiB",
	})

	var out bytes.Buffer
	require.NoError(t, run(t.Context(), strings.NewReader("5\n"), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "0 ||| 1 ||| ngram2= -0.616186 ||| -0.616186", lines[0])
	assert.Equal(t, "0 ||| 2 1 ||| ngram2= -1.427116 ||| -1.427116", lines[1])
}

func TestRunReferenceMsgpack(t *testing.T) {
	setEnv(t, map[string]string{
		envNgramModels:  writeModel(t),
		envStrategy:     "reference",
		envOutputFormat: "msgpack",
	})

	var out bytes.Buffer
	require.NoError(t, run(t.Context(), strings.NewReader("7 ||| 2 1\n"), &out))

	res, err := output.UnmarshalResult(out.Bytes())
	require.NoError(t, err)
	require.Len(t, res.Hypotheses, 1)
	assert.Equal(t, []uint32{2, 1, 0}, res.Hypotheses[0].Tokens)
	assert.InDelta(t, math.Log(0.3*0.8*0.9), res.Hypotheses[0].Score, 1e-9)
}

func TestRunRequiresModel(t *testing.T) {
	setEnv(t, map[string]string{})
	assert.Error(t, run(t.Context(), strings.NewReader(""), &bytes.Buffer{}))
}

func TestReadInputs(t *testing.T) {
	inputs, err := readInputs(strings.NewReader("1 2 3\n\n4 ||| 5 6\n"), nil)
	require.NoError(t, err)
	require.Len(t, inputs, 3)
	assert.Equal(t, []uint32{1, 2, 3}, inputs[0].Source)
	assert.Empty(t, inputs[1].Source)
	assert.Equal(t, []uint32{4}, inputs[2].Source)
	assert.Equal(t, []uint32{5, 6}, inputs[2].Target)

	_, err = readInputs(strings.NewReader("1 x\n"), nil)
	assert.ErrorContains(t, err, "line 1")
}
