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

package predictor

import (
	"context"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const defaultDistributionCacheSize = 1 << 16

// CachedPredictorConfig holds the configuration for CachedPredictor.
type CachedPredictorConfig struct {
	// Size is the maximum number of cached distributions.
	Size int `json:"size"`
}

// DefaultCachedPredictorConfig returns a default configuration for
// CachedPredictor.
func DefaultCachedPredictorConfig() *CachedPredictorConfig {
	return &CachedPredictorConfig{
		Size: defaultDistributionCacheSize,
	}
}

// CachedPredictor memoizes the distributions of a predictor that implements
// StateKeyer. Concurrent queries for the same key are served by a single
// call to the wrapped predictor. States without a decidable key bypass the
// cache.
type CachedPredictor struct {
	Predictor
	keyer StateKeyer
	cache *lru.Cache[uint64, Distribution]
	group singleflight.Group
}

var (
	_ Predictor  = &CachedPredictor{}
	_ StateKeyer = &CachedPredictor{}
)

// NewCachedPredictor wraps next with a distribution cache.
func NewCachedPredictor(next Predictor, cfg *CachedPredictorConfig) (*CachedPredictor, error) {
	if cfg == nil {
		cfg = DefaultCachedPredictorConfig()
	}

	keyer, ok := next.(StateKeyer)
	if !ok {
		return nil, fmt.Errorf("predictor %q does not expose state keys", next.Name())
	}

	cache, err := lru.New[uint64, Distribution](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize distribution cache: %w", err)
	}

	return &CachedPredictor{
		Predictor: next,
		keyer:     keyer,
		cache:     cache,
	}, nil
}

// NextTokenDistribution implements Predictor.
func (p *CachedPredictor) NextTokenDistribution(ctx context.Context, st State) (Distribution, error) {
	key, ok := p.keyer.StateKey(st)
	if !ok {
		return p.Predictor.NextTokenDistribution(ctx, st)
	}

	if dist, found := p.cache.Get(key); found {
		return dist, nil
	}

	result, err, _ := p.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		return p.Predictor.NextTokenDistribution(ctx, st)
	})
	if err != nil {
		return nil, err
	}

	dist, ok := result.(Distribution)
	if !ok {
		return nil, fmt.Errorf("unexpected distribution type from singleflight result")
	}

	p.cache.Add(key, dist)
	return dist, nil
}

// StateKey implements StateKeyer.
func (p *CachedPredictor) StateKey(st State) (uint64, bool) {
	return p.keyer.StateKey(st)
}

// Len returns the number of cached distributions.
func (p *CachedPredictor) Len() int {
	return p.cache.Len()
}
