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

package output

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
)

// MarshalResult encodes a result with msgpack.
func MarshalResult(res *decoding.Result) ([]byte, error) {
	data, err := msgpack.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}

// UnmarshalResult decodes a result encoded by MarshalResult.
func UnmarshalResult(data []byte) (*decoding.Result, error) {
	var res decoding.Result
	if err := msgpack.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &res, nil
}
