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

// Package gumbel draws Gumbel and truncated Gumbel variates for sampling
// without replacement.
package gumbel

import (
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d/llm-d-decoder/pkg/utils"
)

// Source derives independent random streams from a seed. Every node of the
// search tree gets a stream determined by its token path, so draws do not
// depend on the order in which nodes are expanded.
type Source struct {
	seed uint64
}

// NewSource returns a Source for seed.
func NewSource(seed uint64) *Source {
	return &Source{seed: seed}
}

// Stream returns the random stream of the node reached by path.
func (s *Source) Stream(path []uint32) *rand.Rand {
	return rand.New(rand.NewPCG(s.seed, PathHash(path)))
}

// RootStream returns the stream of the root's own draw. It is disjoint from
// the stream the root's children draw from.
func (s *Source) RootStream() *rand.Rand {
	return rand.New(rand.NewPCG(s.seed^rootSalt, PathHash(nil)))
}

// rootSalt separates the root draw from every Stream of the same seed.
const rootSalt = 0x9e3779b97f4a7c15

// PathHash hashes a token path.
func PathHash(path []uint32) uint64 {
	d := xxhash.New()
	var buf [4]byte
	for _, t := range path {
		binary.LittleEndian.PutUint32(buf[:], t)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Sample draws from Gumbel(location).
func Sample(rng *rand.Rand, location float64) float64 {
	if math.IsInf(location, -1) {
		return location
	}
	u := rng.Float64()
	for u == 0 {
		u = rng.Float64()
	}
	return location - math.Log(-math.Log(u))
}

// TruncatedChildren draws one Gumbel per location and conditions the draws
// on their maximum being bound. The child with the largest draw gets exactly
// bound; -Inf locations stay -Inf.
func TruncatedChildren(rng *rand.Rand, locations []float64, bound float64) []float64 {
	out := make([]float64, len(locations))
	argmax := -1
	z := math.Inf(-1)
	for i, loc := range locations {
		out[i] = Sample(rng, loc)
		if out[i] > z {
			z, argmax = out[i], i
		}
	}
	if argmax < 0 {
		return out
	}

	for i, g := range out {
		switch {
		case i == argmax:
			out[i] = bound
		case math.IsInf(g, -1):
		default:
			out[i] = Truncate(g, z, bound)
		}
	}
	return out
}

// Truncate maps a draw g from a set with maximum z to the draw conditioned on
// the maximum being bound, using the numerically stable form
// bound - max(0, v) - log1p(exp(-|v|)) with v = bound - g + log1mexp(g - z).
func Truncate(g, z, bound float64) float64 {
	v := bound - g + utils.Log1mExp(g-z)
	return bound - math.Max(0, v) - math.Log1p(math.Exp(-math.Abs(v)))
}
