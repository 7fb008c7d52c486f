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

package decoding

import (
	"math"
	"sort"
)

// collector accumulates closed hypotheses and ranks them.
type collector struct {
	n             int
	lengthPenalty float64
	// drawOrder keeps hypotheses in collection order instead of ranking them.
	drawOrder bool

	hyps []Hypothesis
	// top holds the best raw scores in descending order, at most n of them.
	top []float64
}

func newCollector(n int, lengthPenalty float64, drawOrder bool) *collector {
	return &collector{
		n:             n,
		lengthPenalty: lengthPenalty,
		drawOrder:     drawOrder,
		top:           make([]float64, 0, n),
	}
}

func (c *collector) add(h Hypothesis) {
	h.NormalizedScore = normalize(h.Score, len(h.Tokens), c.lengthPenalty)
	c.hyps = append(c.hyps, h)

	i := sort.Search(len(c.top), func(i int) bool { return c.top[i] < h.Score })
	if i >= c.n {
		return
	}
	if len(c.top) < c.n {
		c.top = append(c.top, 0)
	}
	copy(c.top[i+1:], c.top[i:])
	c.top[i] = h.Score
}

// Len returns the number of collected hypotheses.
func (c *collector) Len() int {
	return len(c.hyps)
}

// threshold returns the n-th best raw score once n hypotheses are collected.
// A partial hypothesis scoring no better can never enter the n-best list.
func (c *collector) threshold() (float64, bool) {
	if len(c.top) < c.n {
		return 0, false
	}
	return c.top[c.n-1], true
}

// results returns the best n hypotheses, ties in collection order.
func (c *collector) results() []Hypothesis {
	out := make([]Hypothesis, len(c.hyps))
	copy(out, c.hyps)
	if !c.drawOrder {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].NormalizedScore > out[j].NormalizedScore
		})
	}
	if len(out) > c.n {
		out = out[:c.n]
	}
	return out
}

func normalize(score float64, length int, alpha float64) float64 {
	if alpha == 0 || length == 0 {
		return score
	}
	return score / math.Pow(float64(length), alpha)
}
