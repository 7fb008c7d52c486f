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

package utils

import "math"

// LogSumExp computes log(sum(exp(x))) over the slice without overflowing.
// It returns -Inf for an empty slice or a slice of -Inf values.
func LogSumExp(xs []float64) float64 {
	maxVal := math.Inf(-1)
	for _, x := range xs {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return maxVal
	}
	if math.IsInf(maxVal, 1) {
		return maxVal
	}

	sum := 0.0
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// LogAddExp computes log(exp(a) + exp(b)).
func LogAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// Log1mExp computes log(1 - exp(a)) for a <= 0 with the usual switch between
// expm1 and log1p to keep precision on both ends.
func Log1mExp(a float64) float64 {
	if a >= 0 {
		return math.Inf(-1)
	}
	if a > -math.Ln2 {
		return math.Log(-math.Expm1(a))
	}
	return math.Log1p(-math.Exp(a))
}

// LogSoftmax normalizes the scores in place so that exp(scores) sums to one.
// -Inf entries stay -Inf. It returns the log-normalizer that was subtracted.
func LogSoftmax(scores []float64) float64 {
	norm := LogSumExp(scores)
	if math.IsInf(norm, 0) {
		return norm
	}
	for i := range scores {
		scores[i] -= norm
	}
	return norm
}
