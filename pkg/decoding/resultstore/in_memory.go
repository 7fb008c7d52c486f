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
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/utils/logging"
)

const defaultInMemoryStoreSize = 10000

// InMemoryStoreConfig holds the configuration for the InMemoryStore.
type InMemoryStoreConfig struct {
	// Size is the maximum number of results kept.
	Size int `json:"size"`
}

// DefaultInMemoryStoreConfig returns a default configuration for the
// InMemoryStore.
func DefaultInMemoryStoreConfig() *InMemoryStoreConfig {
	return &InMemoryStoreConfig{
		Size: defaultInMemoryStoreSize,
	}
}

// NewInMemoryStore creates a new InMemoryStore instance.
func NewInMemoryStore(cfg *InMemoryStoreConfig) (*InMemoryStore, error) {
	if cfg == nil {
		cfg = DefaultInMemoryStoreConfig()
	}

	cache, err := lru.New[Key, Entry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory store: %w", err)
	}

	return &InMemoryStore{data: cache}, nil
}

// InMemoryStore is an LRU-bounded in-memory implementation of Store.
type InMemoryStore struct {
	// data is thread-safe.
	data *lru.Cache[Key, Entry]
}

var _ Store = &InMemoryStore{}

// Get implements Store.
func (m *InMemoryStore) Get(ctx context.Context, key Key) (*decoding.Result, bool, error) {
	entry, found := m.data.Get(key)
	if !found {
		klog.FromContext(ctx).V(logging.TRACE).WithName("resultstore.InMemoryStore.Get").
			Info("key not found in store", "key", key)
		return nil, false, nil
	}
	return entry.Result, true, nil
}

// Put implements Store.
func (m *InMemoryStore) Put(ctx context.Context, key Key, res *decoding.Result) error {
	if !cacheable(res) {
		return nil
	}

	evicted := m.data.Add(key, Entry{Result: res, StoredAt: time.Now()})
	klog.FromContext(ctx).V(logging.TRACE).WithName("resultstore.InMemoryStore.Put").
		Info("stored result", "key", key, "evicted", evicted)
	return nil
}

// Len returns the number of stored results.
func (m *InMemoryStore) Len() int {
	return m.data.Len()
}
