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

package tokenization

import (
	"fmt"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/output"
)

// Formatter renders decoded sequences as text with a model's tokenizer.
type Formatter struct {
	Tokenizer  Tokenizer
	ModelName  string
	EndTokenID uint32
}

var _ output.Formatter = Formatter{}

// Format implements output.Formatter.
func (f Formatter) Format(tokens []uint32) (string, error) {
	text, err := f.Tokenizer.Decode(output.StripEnd(tokens, f.EndTokenID), f.ModelName)
	if err != nil {
		return "", fmt.Errorf("failed to detokenize: %w", err)
	}
	return text, nil
}
