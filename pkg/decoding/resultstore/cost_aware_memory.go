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

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/utils/logging"
)

const (
	defaultNumCounters = 1e6    // 1M keys
	defaultBufferItems = 64     // default buffer size for ristretto
	entryOverhead      = 64     // approximate per-entry bookkeeping in bytes
	defaultStoreSize   = "1GiB" // default memory budget
)

// CostAwareMemoryStoreConfig holds the configuration for the
// CostAwareMemoryStore.
type CostAwareMemoryStoreConfig struct {
	// Size is the maximum memory used by stored results.
	// Supports human-readable formats like "2GiB", "500MiB", "1GB", etc.
	Size string `json:"size,omitempty"`
}

// DefaultCostAwareMemoryStoreConfig returns a default configuration for the
// CostAwareMemoryStore.
func DefaultCostAwareMemoryStoreConfig() *CostAwareMemoryStoreConfig {
	return &CostAwareMemoryStoreConfig{
		Size: defaultStoreSize,
	}
}

// NewCostAwareMemoryStore creates a new CostAwareMemoryStore instance.
func NewCostAwareMemoryStore(cfg *CostAwareMemoryStoreConfig) (*CostAwareMemoryStore, error) {
	if cfg == nil {
		cfg = DefaultCostAwareMemoryStoreConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware store: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: defaultNumCounters,
		MaxCost:     int64(sizeBytes), // #nosec G115
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware store: %w", err)
	}

	return &CostAwareMemoryStore{data: cache}, nil
}

// CostAwareMemoryStore implements Store on a Ristretto cache bounded by the
// encoded size of the stored results.
type CostAwareMemoryStore struct {
	data *ristretto.Cache[string, []byte]
}

var _ Store = &CostAwareMemoryStore{}

// MaxCost returns the byte budget of the store.
func (m *CostAwareMemoryStore) MaxCost() int64 {
	return m.data.MaxCost()
}

// EntryCost estimates the bytes charged for storing an encoded entry.
func EntryCost(key Key, encoded []byte) int64 {
	return int64(len(key)) + int64(len(encoded)) + entryOverhead
}

// Get implements Store.
func (m *CostAwareMemoryStore) Get(ctx context.Context, key Key) (*decoding.Result, bool, error) {
	encoded, found := m.data.Get(string(key))
	if !found {
		klog.FromContext(ctx).V(logging.TRACE).WithName("resultstore.CostAwareMemoryStore.Get").
			Info("key not found in store", "key", key)
		return nil, false, nil
	}

	var entry Entry
	if err := msgpack.Unmarshal(encoded, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode stored result: %w", err)
	}
	return entry.Result, true, nil
}

// Put implements Store.
func (m *CostAwareMemoryStore) Put(ctx context.Context, key Key, res *decoding.Result) error {
	if !cacheable(res) {
		return nil
	}

	encoded, err := msgpack.Marshal(Entry{Result: res, StoredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	cost := EntryCost(key, encoded)
	admitted := m.data.Set(string(key), encoded, cost)
	m.data.Wait()

	klog.FromContext(ctx).V(logging.TRACE).WithName("resultstore.CostAwareMemoryStore.Put").
		Info("stored result", "key", key, "cost-bytes", cost, "admitted", admitted)
	return nil
}
