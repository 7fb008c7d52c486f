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

// Package tokenization converts between text and token ids using
// HuggingFace tokenizers.
package tokenization

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/daulet/tokenizers"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// tokenizersCacheSize is the size of the LRU cache for tokenizers.
// 1 tokenizer per base-model.
const tokenizersCacheSize = 20

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	// Encode tokenizes the input string and returns the token IDs.
	Encode(input, modelName string) ([]uint32, error)
	// Decode converts token IDs back into text, skipping special tokens.
	Decode(ids []uint32, modelName string) (string, error)
}

// HFTokenizerConfig holds the configuration for the HuggingFace tokenizer.
type HFTokenizerConfig struct {
	HuggingFaceToken   string `json:"huggingFaceToken"`
	TokenizersCacheDir string `json:"tokenizersCacheDir"` // Directory for caching tokenizers
	// AddSpecialTokens controls whether encoding adds the model's special
	// tokens, e.g. BOS.
	AddSpecialTokens bool `json:"addSpecialTokens"`
}

// DefaultHFTokenizerConfig returns a default configuration for the
// HuggingFace tokenizer.
func DefaultHFTokenizerConfig() *HFTokenizerConfig {
	return &HFTokenizerConfig{
		TokenizersCacheDir: getTokenizerCacheDir(),
	}
}

// CachedHFTokenizer implements the Tokenizer interface using bindings to
// HuggingFace's rust tokenizer. Loaded per-model tokenizers are kept in an
// LRU cache.
type CachedHFTokenizer struct {
	opts             []tokenizers.TokenizerConfigOption
	addSpecialTokens bool
	cache            *lru.Cache[string, *tokenizers.Tokenizer]
	group            singleflight.Group
}

var _ Tokenizer = &CachedHFTokenizer{}

// NewCachedHFTokenizer creates a new instance of CachedHFTokenizer with the
// provided configuration.
func NewCachedHFTokenizer(config *HFTokenizerConfig) (*CachedHFTokenizer, error) {
	if config == nil {
		config = DefaultHFTokenizerConfig()
	}

	var opts []tokenizers.TokenizerConfigOption
	if config.TokenizersCacheDir != "" {
		opts = append(opts, tokenizers.WithCacheDir(config.TokenizersCacheDir))
	}
	if config.HuggingFaceToken != "" {
		opts = append(opts, tokenizers.WithAuthToken(config.HuggingFaceToken))
	}

	tokenizersCache, err := lru.New[string, *tokenizers.Tokenizer](tokenizersCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tokenizer cache: %w", err)
	}

	return &CachedHFTokenizer{
		opts:             opts,
		addSpecialTokens: config.AddSpecialTokens,
		cache:            tokenizersCache,
	}, nil
}

func (t *CachedHFTokenizer) getTokenizer(modelName string) (*tokenizers.Tokenizer, error) {
	if tokenizer, ok := t.cache.Get(modelName); ok {
		return tokenizer, nil
	}

	result, err, _ := t.group.Do(modelName, func() (any, error) {
		tokenizer, err := tokenizers.FromPretrained(modelName, t.opts...)
		if err != nil {
			return nil, err
		}
		t.cache.Add(modelName, tokenizer)
		return tokenizer, nil
	})
	if err != nil {
		return nil, err
	}

	tokenizer, ok := result.(*tokenizers.Tokenizer)
	if !ok {
		return nil, fmt.Errorf("unexpected tokenizer type from singleflight result")
	}
	return tokenizer, nil
}

// Encode converts a string into token IDs.
func (t *CachedHFTokenizer) Encode(input, modelName string) ([]uint32, error) {
	tokenizer, err := t.getTokenizer(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer for model %q: %w", modelName, err)
	}

	resp := tokenizer.EncodeWithOptions(input, t.addSpecialTokens, tokenizers.WithReturnTypeIDs())
	return resp.IDs, nil
}

// Decode converts token IDs into a string.
func (t *CachedHFTokenizer) Decode(ids []uint32, modelName string) (string, error) {
	tokenizer, err := t.getTokenizer(modelName)
	if err != nil {
		return "", fmt.Errorf("failed to get tokenizer for model %q: %w", modelName, err)
	}
	return tokenizer.Decode(ids, true), nil
}

// getTokenizerCacheDir returns the absolute path to the tokenizer cache
// directory relative to the project root.
func getTokenizerCacheDir() string {
	_, filename, _, _ := runtime.Caller(0) // this file
	base := filepath.Dir(filename)
	return filepath.Join(base, "..", "..", "bin")
}
