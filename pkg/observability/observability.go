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

// Package observability exports Prometheus metrics for the pipeline and
// tracks estimated spend per model. Token counts come from provider
// usage metadata when present; otherwise they are approximated locally.
package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/strata/pkg/model"
)

// Observer ties the metric counters to the session cost ledger.
type Observer struct {
	Metrics *Metrics
	Costs   *CostTracker
}

// New builds an observer with metrics registered on reg and the given
// cost alert threshold. threshold <= 0 takes the default.
func New(reg prometheus.Registerer, threshold float64) *Observer {
	return &Observer{
		Metrics: NewMetrics(reg),
		Costs:   NewCostTracker(threshold),
	}
}

// RecordLLM accounts one model call for an agent. When usage is nil the
// token counts are approximated from the request and response text.
func (o *Observer) RecordLLM(modelName, agent string, usage *model.Usage, promptText, completionText string) {
	if o == nil {
		return
	}
	var in, out int
	if usage != nil {
		in = usage.PromptTokens
		out = usage.CompletionTokens
	} else {
		in = CountTokens(modelName, promptText)
		out = CountTokens(modelName, completionText)
	}

	if in > 0 {
		o.Metrics.TokensIn.WithLabelValues(modelName, agent).Add(float64(in))
	}
	if out > 0 {
		o.Metrics.TokensOut.WithLabelValues(modelName, agent).Add(float64(out))
	}

	cost := EstimateCost(modelName, in, out)
	if cost > 0 {
		o.Metrics.CostEstimate.WithLabelValues(modelName, agent).Add(cost)
	}
	exceeded := o.Costs.Add(CostRecord{
		Model:            modelName,
		Agent:            agent,
		InputTokens:      in,
		OutputTokens:     out,
		EstimatedCostUSD: cost,
	})
	if exceeded {
		slog.Warn("cost alert: session spend exceeds threshold",
			"total_usd", o.Costs.TotalCostUSD(),
			"threshold_usd", o.Costs.AlertThresholdUSD)
	}

	slog.Debug("token usage tracked",
		"agent", agent, "model", modelName,
		"in", in, "out", out, "cost_usd", cost)
}
