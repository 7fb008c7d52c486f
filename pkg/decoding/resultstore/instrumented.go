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

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/metrics"
)

type instrumentedStore struct {
	next Store
}

// NewInstrumentedStore wraps a Store and emits metrics for Get and Put.
func NewInstrumentedStore(next Store) Store {
	return &instrumentedStore{next: next}
}

func (m *instrumentedStore) Get(ctx context.Context, key Key) (*decoding.Result, bool, error) {
	metrics.StoreLookups.Inc()
	res, found, err := m.next.Get(ctx, key)
	if found {
		metrics.StoreHits.Inc()
	}
	return res, found, err
}

func (m *instrumentedStore) Put(ctx context.Context, key Key, res *decoding.Result) error {
	err := m.next.Put(ctx, key, res)
	if err == nil && cacheable(res) {
		metrics.StoreAdmissions.Inc()
	}
	return err
}
