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

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/hypothesis"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/metrics"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/resultstore"
)

func createInMemoryStoreForTesting(t *testing.T) resultstore.Store {
	t.Helper()
	store, err := resultstore.NewInMemoryStore(nil)
	require.NoError(t, err)
	return store
}

func createCostAwareStoreForTesting(t *testing.T) resultstore.Store {
	t.Helper()
	store, err := resultstore.NewCostAwareMemoryStore(&resultstore.CostAwareMemoryStoreConfig{Size: "16MiB"})
	require.NoError(t, err)
	return store
}

// createRedisStoreForTesting creates a RedisStore backed by a mock server.
func createRedisStoreForTesting(t *testing.T) resultstore.Store {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	store, err := resultstore.NewRedisStore(t.Context(), &resultstore.RedisStoreConfig{Address: server.Addr()})
	require.NoError(t, err)
	return store
}

func TestInMemoryStoreBehavior(t *testing.T) {
	testCommonStoreBehavior(t, createInMemoryStoreForTesting)
}

func TestCostAwareStoreBehavior(t *testing.T) {
	testCommonStoreBehavior(t, createCostAwareStoreForTesting)
}

func TestRedisStoreBehavior(t *testing.T) {
	testCommonStoreBehavior(t, createRedisStoreForTesting)
}

func TestInMemoryStoreEviction(t *testing.T) {
	store, err := resultstore.NewInMemoryStore(&resultstore.InMemoryStoreConfig{Size: 2})
	require.NoError(t, err)

	keys := []resultstore.Key{mustKey(t, 1), mustKey(t, 2), mustKey(t, 3)}
	for _, key := range keys {
		require.NoError(t, store.Put(t.Context(), key, sampleResult()))
	}
	assert.Equal(t, 2, store.Len())

	_, found, err := store.Get(t.Context(), keys[0])
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreTTL(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	store, err := resultstore.NewRedisStore(t.Context(), &resultstore.RedisStoreConfig{
		Address: "redis://" + server.Addr(),
		TTL:     time.Minute,
	})
	require.NoError(t, err)

	key := mustKey(t, 1)
	require.NoError(t, store.Put(t.Context(), key, sampleResult()))
	server.FastForward(2 * time.Minute)

	_, found, err := store.Get(t.Context(), key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreUnreachable(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	addr := server.Addr()
	server.Close()

	_, err = resultstore.NewRedisStore(t.Context(), &resultstore.RedisStoreConfig{Address: addr})
	assert.Error(t, err)
}

func TestSizeHumanize(t *testing.T) {
	tests := []struct {
		size     string
		expected int64
	}{
		{"42 MB", 42 * 1000 * 1000},
		{"42Mi", 42 * 1024 * 1024},
		{"42", 42},
	}

	for _, tt := range tests {
		t.Run(tt.size, func(t *testing.T) {
			store, err := resultstore.NewCostAwareMemoryStore(&resultstore.CostAwareMemoryStoreConfig{Size: tt.size})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, store.MaxCost())
		})
	}

	_, err := resultstore.NewCostAwareMemoryStore(&resultstore.CostAwareMemoryStoreConfig{Size: "lots"})
	assert.Error(t, err)
}

func TestKeyFor(t *testing.T) {
	cfg := decoding.DefaultConfig()
	in := decoding.Input{Source: []uint32{1, 2, 3}}

	key, err := resultstore.KeyFor("model-a", cfg, in)
	require.NoError(t, err)
	assert.Len(t, string(key), 64)

	again, err := resultstore.KeyFor("model-a", decoding.DefaultConfig(), decoding.Input{Source: []uint32{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, key, again, "keys must be deterministic")

	metricsOn := decoding.DefaultConfig()
	metricsOn.EnableMetrics = true
	same, err := resultstore.KeyFor("model-a", metricsOn, in)
	require.NoError(t, err)
	assert.Equal(t, key, same, "metrics do not change results")

	variants := map[string]func() (resultstore.Key, error){
		"model": func() (resultstore.Key, error) {
			return resultstore.KeyFor("model-b", cfg, in)
		},
		"input": func() (resultstore.Key, error) {
			return resultstore.KeyFor("model-a", cfg, decoding.Input{Source: []uint32{1, 2}})
		},
		"strategy": func() (resultstore.Key, error) {
			other := decoding.DefaultConfig()
			other.Strategy = decoding.Greedy
			return resultstore.KeyFor("model-a", other, in)
		},
		"weights": func() (resultstore.Key, error) {
			other := decoding.DefaultConfig()
			other.Combination.Weights = []float64{0.5}
			return resultstore.KeyFor("model-a", other, in)
		},
	}
	for name, variant := range variants {
		t.Run(name, func(t *testing.T) {
			other, err := variant()
			require.NoError(t, err)
			assert.NotEqual(t, key, other)
		})
	}

	withHeuristic := decoding.DefaultConfig()
	withHeuristic.Heuristic = func(*hypothesis.Record, uint32) float64 { return 0 }
	_, err = resultstore.KeyFor("model-a", withHeuristic, in)
	assert.ErrorIs(t, err, resultstore.ErrUncacheable)
}

func TestInstrumentedStore(t *testing.T) {
	store, err := resultstore.New(t.Context(), &resultstore.Config{
		InMemoryConfig: resultstore.DefaultInMemoryStoreConfig(),
		EnableMetrics:  true,
	})
	require.NoError(t, err)

	lookups := testutil.ToFloat64(metrics.StoreLookups)
	hits := testutil.ToFloat64(metrics.StoreHits)
	admissions := testutil.ToFloat64(metrics.StoreAdmissions)

	key := mustKey(t, 42)
	_, _, err = store.Get(t.Context(), key)
	require.NoError(t, err)
	require.NoError(t, store.Put(t.Context(), key, sampleResult()))
	_, found, err := store.Get(t.Context(), key)
	require.NoError(t, err)
	assert.True(t, found)

	assert.InDelta(t, lookups+2, testutil.ToFloat64(metrics.StoreLookups), 0)
	assert.InDelta(t, hits+1, testutil.ToFloat64(metrics.StoreHits), 0)
	assert.InDelta(t, admissions+1, testutil.ToFloat64(metrics.StoreAdmissions), 0)
}

func TestNewWithoutBackend(t *testing.T) {
	_, err := resultstore.New(t.Context(), &resultstore.Config{})
	assert.Error(t, err)
}
