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

// Package output writes decoding results for downstream consumers.
package output

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/utils"
)

// Formatter renders a token sequence as text.
type Formatter interface {
	Format(tokens []uint32) (string, error)
}

// IDFormatter renders token ids separated by spaces, dropping a trailing end
// token.
type IDFormatter struct {
	EndTokenID uint32
}

// Format implements Formatter.
func (f IDFormatter) Format(tokens []uint32) (string, error) {
	tokens = StripEnd(tokens, f.EndTokenID)
	return strings.Join(utils.SliceMap(tokens, func(t uint32) string {
		return strconv.FormatUint(uint64(t), 10)
	}), " "), nil
}

// StripEnd drops a trailing end token.
func StripEnd(tokens []uint32, endToken uint32) []uint32 {
	if n := len(tokens); n > 0 && tokens[n-1] == endToken {
		return tokens[:n-1]
	}
	return tokens
}

// WriteText writes the first-best hypothesis of every result on its own
// line. Results without hypotheses produce an empty line.
func WriteText(w io.Writer, results []*decoding.Result, f Formatter) error {
	bw := bufio.NewWriter(w)
	for i, res := range results {
		if res != nil && len(res.Hypotheses) > 0 {
			text, err := f.Format(res.Hypotheses[0].Tokens)
			if err != nil {
				return fmt.Errorf("failed to format result %d: %w", i, err)
			}
			bw.WriteString(text)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// PredictorNames makes predictor names unique for n-best breakdowns: the
// second occurrence of a name gets suffix 2, the third 3, and so on.
// Underscores are replaced so that names stay single feature tokens.
func PredictorNames(names []string) []string {
	counts := make(map[string]int, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		counts[name]++
		final := name
		if counts[name] > 1 {
			final = fmt.Sprintf("%s%d", name, counts[name])
		}
		out[i] = strings.ReplaceAll(final, "_", "0")
	}
	return out
}

// WriteNBest writes every hypothesis of every result in Moses n-best format:
//
//	index ||| text ||| name1= score1 name2= score2 ||| total
//
// The index is the position of the result in results.
func WriteNBest(w io.Writer, results []*decoding.Result, f Formatter) error {
	bw := bufio.NewWriter(w)
	for idx, res := range results {
		if res == nil {
			continue
		}
		names := PredictorNames(res.Predictors)
		for _, h := range res.Hypotheses {
			text, err := f.Format(h.Tokens)
			if err != nil {
				return fmt.Errorf("failed to format result %d: %w", idx, err)
			}

			features := make([]string, 0, len(names))
			for i, name := range names {
				score := math.Inf(-1)
				if i < len(h.Breakdown) {
					score = h.Breakdown[i]
				}
				features = append(features, fmt.Sprintf("%s= %f", name, score))
			}
			fmt.Fprintf(bw, "%d ||| %s ||| %s ||| %f\n", idx, text, strings.Join(features, " "), h.Score)
		}
	}
	return bw.Flush()
}

// NgramPosteriors extracts MBR-style n-gram posteriors from an n-best list.
// Hypothesis scores are renormalised over the list; the posterior of an
// n-gram is the total mass of the hypotheses containing it, capped at 1.
// Every hypothesis is wrapped as <bos> tokens <eos> and n-grams of orders
// minOrder..maxOrder ending at each position are collected; near the start
// n-grams are cut to the available history.
func NgramPosteriors(hyps []decoding.Hypothesis, minOrder, maxOrder int, bos, eos uint32) map[string]float64 {
	scores := make([]float64, len(hyps))
	for i, h := range hyps {
		scores[i] = h.Score
	}
	total := utils.LogSumExp(scores)

	members := make(map[string]map[int]struct{})
	for idx, h := range hyps {
		seq := make([]uint32, 0, len(h.Tokens)+2)
		seq = append(seq, bos)
		seq = append(seq, StripEnd(h.Tokens, eos)...)
		seq = append(seq, eos)

		for pos := 1; pos <= len(seq); pos++ {
			for order := minOrder; order <= maxOrder; order++ {
				hist := seq[max(0, pos-order):pos]
				key := joinIDs(hist)
				if members[key] == nil {
					members[key] = make(map[int]struct{})
				}
				members[key][idx] = struct{}{}
			}
		}
	}

	posteriors := make(map[string]float64, len(members))
	for ngram, idxs := range members {
		normed := make([]float64, 0, len(idxs))
		for idx := range idxs {
			normed = append(normed, scores[idx]-total)
		}
		posteriors[ngram] = math.Min(1, math.Exp(utils.LogSumExp(normed)))
	}
	return posteriors
}

// WriteNgramPosteriors writes "ngram : posterior" lines sorted by n-gram.
func WriteNgramPosteriors(w io.Writer, posteriors map[string]float64) error {
	ngrams := make([]string, 0, len(posteriors))
	for ngram := range posteriors {
		ngrams = append(ngrams, ngram)
	}
	sort.Strings(ngrams)

	bw := bufio.NewWriter(w)
	for _, ngram := range ngrams {
		fmt.Fprintf(bw, "%s : %f\n", ngram, posteriors[ngram])
	}
	return bw.Flush()
}

func joinIDs(tokens []uint32) string {
	var sb strings.Builder
	for i, t := range tokens {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	}
	return sb.String()
}
