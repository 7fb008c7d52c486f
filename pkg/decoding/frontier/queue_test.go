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

package frontier_test

import (
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/frontier"
)

func TestQueueOrder(t *testing.T) {
	q := frontier.New[string](0)
	_, ok := q.Pop()
	assert.False(t, ok)

	q.Push(-1, "b")
	q.Push(0, "a")
	q.Push(-1, "c")
	q.Push(math.Inf(-1), "z")
	q.Push(-1, "d")

	top, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", top.Value)

	var got []string
	for q.Len() > 0 {
		item, _ := q.Pop()
		got = append(got, item.Value)
	}
	// equal keys pop in insertion order.
	assert.Equal(t, []string{"a", "b", "c", "d", "z"}, got)
}

func TestQueueMatchesStableSort(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	q := frontier.New[int](64)

	keys := make([]float64, 500)
	for i := range keys {
		keys[i] = float64(rng.IntN(20))
		q.Push(keys[i], i)
	}

	want := make([]int, len(keys))
	for i := range want {
		want[i] = i
	}
	sort.SliceStable(want, func(a, b int) bool { return keys[want[a]] > keys[want[b]] })

	for _, w := range want {
		item, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, w, item.Value)
	}
}
