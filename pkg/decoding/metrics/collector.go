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

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// DecodeRequests counts Decode() calls per strategy.
	DecodeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "search", Name: "decode_requests_total",
		Help: "Total number of decode calls",
	}, []string{"strategy"})
	// DecodeErrors counts Decode() calls that returned an error, partial
	// results included.
	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "search", Name: "decode_errors_total",
		Help: "Total number of decode calls that returned an error",
	}, []string{"strategy"})
	// PartialResults counts decodes that stopped on a budget or cancellation.
	PartialResults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "search", Name: "partial_results_total",
		Help: "Total number of decodes returning partial results",
	})
	// DecodeLatency logs latency of decode calls.
	DecodeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "decoder", Subsystem: "search", Name: "decode_latency_seconds",
		Help:    "Latency of Decode calls in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	Expansions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "search", Name: "expansions_total",
		Help: "Total number of hypothesis expansions",
	})
	Pruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "search", Name: "pruned_total",
		Help: "Total number of hypotheses discarded by pruning",
	})
	Recombined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "search", Name: "recombined_total",
		Help: "Total number of hypotheses merged by recombination",
	})
	Closed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "search", Name: "closed_total",
		Help: "Total number of closed hypotheses collected",
	})

	// PredictorLatency logs latency of predictor distribution queries.
	PredictorLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "decoder", Subsystem: "predictor", Name: "distribution_latency_seconds",
		Help:    "Latency of NextTokenDistribution calls in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"predictor"})
	PredictorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "predictor", Name: "errors_total",
		Help: "Total number of failed predictor calls",
	}, []string{"predictor"})

	// StoreLookups counts result store Get() calls.
	StoreLookups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "resultstore", Name: "lookups_total",
		Help: "Total number of result store lookups",
	})
	// StoreHits counts result store Get() calls that found an entry.
	StoreHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "resultstore", Name: "hits_total",
		Help: "Number of result store lookups that found a result",
	})
	StoreAdmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decoder", Subsystem: "resultstore", Name: "admissions_total",
		Help: "Total number of results admitted to the result store",
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		DecodeRequests, DecodeErrors, PartialResults, DecodeLatency,
		Expansions, Pruned, Recombined, Closed,
		PredictorLatency, PredictorErrors,
		StoreLookups, StoreHits, StoreAdmissions,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval until ctx is done.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func counterValue(c prometheus.Metric) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func logMetrics(ctx context.Context) {
	lookups := counterValue(StoreLookups)
	hits := counterValue(StoreHits)

	hitRatio := 0.0
	if lookups > 0 {
		hitRatio = hits / lookups
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"expansions", counterValue(Expansions),
		"pruned", counterValue(Pruned),
		"recombined", counterValue(Recombined),
		"closed", counterValue(Closed),
		"partial_results", counterValue(PartialResults),
		"store_lookups", lookups,
		"store_hits", hits,
		"store_hit_ratio", hitRatio,
		"store_admissions", counterValue(StoreAdmissions),
	)
}
