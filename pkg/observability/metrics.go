// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the pipeline emits.
type Metrics struct {
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	// Token accounting per model call.
	TokensIn     *prometheus.CounterVec
	TokensOut    *prometheus.CounterVec
	CostEstimate *prometheus.CounterVec

	// Pipeline behavior.
	RouteDecisions *prometheus.CounterVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	Escalations    prometheus.Counter
	DebateRounds   prometheus.Counter
	ToolCalls      *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
}

// NewMetrics registers all collectors on reg. A nil reg uses the
// process-default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	gatherer := prometheus.Gatherer(prometheus.DefaultGatherer)
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if r, ok := reg.(*prometheus.Registry); ok {
		gatherer = r
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		gatherer: gatherer,

		TokensIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_in_total",
			Help: "Input tokens used",
		}, []string{"model", "agent"}),
		TokensOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_out_total",
			Help: "Output tokens generated",
		}, []string{"model", "agent"}),
		CostEstimate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_cost_estimate_usd",
			Help: "Estimated cost in USD",
		}, []string{"model", "agent"}),

		RouteDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_route_decisions_total",
			Help: "Routing decisions by destination",
		}, []string{"route"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "strata_cache_hits_total",
			Help: "Semantic cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "strata_cache_misses_total",
			Help: "Semantic cache misses",
		}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "strata_escalations_total",
			Help: "Local-to-cloud escalations",
		}),
		DebateRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "strata_debate_rounds_total",
			Help: "Adversarial verification rounds run",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_tool_calls_total",
			Help: "Tool dispatches by tool and status",
		}, []string{"tool", "status"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_turn_duration_seconds",
			Help:    "Wall-clock duration of one pipeline turn",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"route"}),
	}
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
