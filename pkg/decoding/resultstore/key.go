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
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
)

// Key identifies a decode: the hex SHA-256 of the canonical CBOR encoding
// of the model identifier, the configuration and the input.
type Key string

// KeyFor derives the key of decoding in with cfg against model. The model
// string must change whenever the predictors change.
//
// Configurations with a heuristic are not cacheable since functions have no
// stable identity.
func KeyFor(model string, cfg *decoding.Config, in decoding.Input) (Key, error) {
	if cfg == nil {
		cfg = decoding.DefaultConfig()
	}
	if cfg.Heuristic != nil {
		return "", fmt.Errorf("%w: configuration has a heuristic", ErrUncacheable)
	}

	keyed := *cfg
	keyed.EnableMetrics = false

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return "", fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	b, err := encMode.Marshal([]interface{}{model, keyed, in})
	if err != nil {
		return "", fmt.Errorf("failed to marshal key payload to CBOR: %w", err)
	}

	sum := sha256.Sum256(b)
	return Key(hex.EncodeToString(sum[:])), nil
}
