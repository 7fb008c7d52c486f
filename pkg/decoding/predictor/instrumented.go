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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-decoder/pkg/decoding/metrics"
)

type instrumentedPredictor struct {
	Predictor
}

type instrumentedKeyedPredictor struct {
	instrumentedPredictor
	StateKeyer
}

// NewInstrumentedPredictor wraps next so that distribution queries are timed
// and failures counted. The wrapper keeps the StateKeyer capability of next.
func NewInstrumentedPredictor(next Predictor) Predictor {
	inst := instrumentedPredictor{Predictor: next}
	if keyer, ok := next.(StateKeyer); ok {
		return &instrumentedKeyedPredictor{instrumentedPredictor: inst, StateKeyer: keyer}
	}
	return &inst
}

func (m *instrumentedPredictor) NextTokenDistribution(ctx context.Context, st State) (Distribution, error) {
	timer := prometheus.NewTimer(metrics.PredictorLatency.WithLabelValues(m.Name()))
	defer timer.ObserveDuration()

	dist, err := m.Predictor.NextTokenDistribution(ctx, st)
	if err != nil {
		metrics.PredictorErrors.WithLabelValues(m.Name()).Inc()
	}
	return dist, err
}

func (m *instrumentedPredictor) Advance(ctx context.Context, st State, token uint32) (State, error) {
	next, err := m.Predictor.Advance(ctx, st, token)
	if err != nil {
		metrics.PredictorErrors.WithLabelValues(m.Name()).Inc()
	}
	return next, err
}
