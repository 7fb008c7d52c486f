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

// Package resultstore caches complete decoding results keyed by the model,
// the decoder configuration and the input.
package resultstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/metrics"
)

// ErrUncacheable is returned by KeyFor when a configuration carries state
// that cannot be part of a key.
var ErrUncacheable = errors.New("decode is not cacheable")

// Config holds the configuration of the result store.
// If multiple backends are configured, only the first one will be used.
type Config struct {
	// InMemoryConfig holds the configuration for the in-memory store.
	InMemoryConfig *InMemoryStoreConfig `json:"inMemoryConfig"`
	// CostAwareMemoryConfig holds the configuration for the cost-aware
	// memory store.
	CostAwareMemoryConfig *CostAwareMemoryStoreConfig `json:"costAwareMemoryConfig"`
	// RedisConfig holds the configuration for the Redis store.
	RedisConfig *RedisStoreConfig `json:"redisConfig"`

	// EnableMetrics toggles whether lookups, hits and admissions are
	// recorded.
	EnableMetrics bool `json:"enableMetrics"`
}

// DefaultConfig returns a default configuration for the result store.
func DefaultConfig() *Config {
	return &Config{
		InMemoryConfig: DefaultInMemoryStoreConfig(),
	}
}

// New creates a new Store instance.
func New(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var store Store
	var err error

	switch {
	case cfg.InMemoryConfig != nil:
		store, err = NewInMemoryStore(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
	case cfg.CostAwareMemoryConfig != nil:
		store, err = NewCostAwareMemoryStore(cfg.CostAwareMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware memory store: %w", err)
		}
	case cfg.RedisConfig != nil:
		store, err = NewRedisStore(ctx, cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis store: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid result store configuration provided")
	}

	if cfg.EnableMetrics {
		store = NewInstrumentedStore(store)
		metrics.Register()
	}

	return store, nil
}

// Store keeps complete decoding results.
//
// Partial results are never stored: Put ignores them. Store operations are
// thread-safe. Results returned by Get must not be modified.
type Store interface {
	// Get returns the result stored under key, if any.
	Get(ctx context.Context, key Key) (*decoding.Result, bool, error)
	// Put stores res under key.
	Put(ctx context.Context, key Key, res *decoding.Result) error
}

// Entry is a stored result with the time it was admitted.
type Entry struct {
	Result   *decoding.Result `msgpack:"result"`
	StoredAt time.Time        `msgpack:"storedAt"`
}

func cacheable(res *decoding.Result) bool {
	return res != nil && !res.Partial
}
