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
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/metrics"
)

type instrumentedDecoder struct {
	next Decoder
}

// NewInstrumentedDecoder wraps next so that every decode is recorded in the
// Prometheus collectors of the metrics package.
func NewInstrumentedDecoder(next Decoder) Decoder {
	return &instrumentedDecoder{next: next}
}

func (m *instrumentedDecoder) Strategy() Strategy {
	return m.next.Strategy()
}

func (m *instrumentedDecoder) Decode(ctx context.Context, in Input) (*Result, error) {
	strategy := string(m.next.Strategy())
	timer := prometheus.NewTimer(metrics.DecodeLatency.WithLabelValues(strategy))
	defer timer.ObserveDuration()

	metrics.DecodeRequests.WithLabelValues(strategy).Inc()

	res, err := m.next.Decode(ctx, in)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(strategy).Inc()
	}
	if res != nil {
		metrics.Expansions.Add(float64(res.Stats.Expansions))
		metrics.Pruned.Add(float64(res.Stats.Pruned))
		metrics.Recombined.Add(float64(res.Stats.Recombined))
		metrics.Closed.Add(float64(res.Stats.Closed))
		if res.Partial {
			metrics.PartialResults.Inc()
		}
	}

	return res, err
}
