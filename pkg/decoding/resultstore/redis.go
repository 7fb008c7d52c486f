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

package resultstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
)

const redisKeyPrefix = "decoder:result:"

// RedisStoreConfig holds the configuration for the RedisStore.
type RedisStoreConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
	// TTL expires stored results. Zero keeps them until evicted by Redis.
	TTL time.Duration `json:"ttl,omitempty"`
}

// DefaultRedisStoreConfig returns a default configuration for the
// RedisStore.
func DefaultRedisStoreConfig() *RedisStoreConfig {
	return &RedisStoreConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisStore creates a new RedisStore instance.
func NewRedisStore(ctx context.Context, config *RedisStoreConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisStoreConfig()
	}

	address := config.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		RedisClient: redisClient,
		ttl:         config.TTL,
	}, nil
}

// RedisStore implements Store using Redis, with msgpack-encoded values.
type RedisStore struct {
	RedisClient *redis.Client
	ttl         time.Duration
}

var _ Store = &RedisStore{}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key Key) (*decoding.Result, bool, error) {
	encoded, err := r.RedisClient.Get(ctx, redisKeyPrefix+string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get result from Redis: %w", err)
	}

	var entry Entry
	if err := msgpack.Unmarshal(encoded, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode stored result: %w", err)
	}
	return entry.Result, true, nil
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, key Key, res *decoding.Result) error {
	if !cacheable(res) {
		return nil
	}

	encoded, err := msgpack.Marshal(Entry{Result: res, StoredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	if err := r.RedisClient.Set(ctx, redisKeyPrefix+string(key), encoded, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result in Redis: %w", err)
	}
	return nil
}
