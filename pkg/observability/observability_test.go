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

package observability_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/observability"
)

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		in    int
		out   int
		want  float64
	}{
		{"sonnet", "claude-3-sonnet", 1000, 1000, 0.018},
		{"opus", "claude-3-opus", 1000, 1000, 0.09},
		{"gemini", "gemini-1.5-pro", 2000, 0, 0.0025},
		{"dated name resolves by prefix", "claude-3-sonnet-20240229", 1000, 1000, 0.018},
		{"unknown takes default", "mystery-model", 1000, 1000, 0.003},
		{"local worker", "local-worker", 1000, 1000, 0.0015},
		{"zero tokens", "claude-3-opus", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, observability.EstimateCost(tt.model, tt.in, tt.out), 1e-9)
		})
	}
}

func TestCostTrackerAlert(t *testing.T) {
	tracker := observability.NewCostTracker(0.01)

	exceeded := tracker.Add(observability.CostRecord{Model: "m", EstimatedCostUSD: 0.005})
	assert.False(t, exceeded)
	exceeded = tracker.Add(observability.CostRecord{Model: "m", EstimatedCostUSD: 0.008})
	assert.True(t, exceeded)

	assert.Equal(t, 2, tracker.TotalCalls())
	assert.InDelta(t, 0.013, tracker.TotalCostUSD(), 1e-9)
}

func TestCostTrackerDefaultThreshold(t *testing.T) {
	tracker := observability.NewCostTracker(0)
	assert.InDelta(t, 1.0, tracker.AlertThresholdUSD, 1e-9)
}

func TestCostTrackerSummarize(t *testing.T) {
	tracker := observability.NewCostTracker(1.0)
	tracker.Add(observability.CostRecord{
		Model: "claude-3-sonnet", Agent: "worker",
		InputTokens: 100, OutputTokens: 50, EstimatedCostUSD: 0.001,
	})
	tracker.Add(observability.CostRecord{
		Model: "claude-3-sonnet", Agent: "critic",
		InputTokens: 200, OutputTokens: 10, EstimatedCostUSD: 0.002,
	})
	tracker.Add(observability.CostRecord{
		Model: "local-worker", Agent: "worker",
		InputTokens: 500, OutputTokens: 500, EstimatedCostUSD: 0.00075,
	})

	s := tracker.Summarize()
	assert.Equal(t, 3, s.TotalCalls)
	assert.False(t, s.ThresholdExceeded)

	sonnet := s.ByModel["claude-3-sonnet"]
	assert.Equal(t, 2, sonnet.Calls)
	assert.Equal(t, 300, sonnet.InputTokens)
	assert.Equal(t, 60, sonnet.OutputTokens)
	assert.InDelta(t, 0.003, sonnet.CostUSD, 1e-9)
}

func TestObserverRecordLLMWithUsage(t *testing.T) {
	obs := observability.New(prometheus.NewRegistry(), 1.0)

	obs.RecordLLM("claude-3-sonnet", "worker", &model.Usage{
		PromptTokens:     120,
		CompletionTokens: 40,
	}, "", "")

	in := obs.Metrics.TokensIn.WithLabelValues("claude-3-sonnet", "worker")
	out := obs.Metrics.TokensOut.WithLabelValues("claude-3-sonnet", "worker")
	assert.InDelta(t, 120, testutil.ToFloat64(in), 1e-9)
	assert.InDelta(t, 40, testutil.ToFloat64(out), 1e-9)
	assert.Equal(t, 1, obs.Costs.TotalCalls())
	assert.Greater(t, obs.Costs.TotalCostUSD(), 0.0)
}

func TestObserverRecordLLMFallbackCounting(t *testing.T) {
	obs := observability.New(prometheus.NewRegistry(), 1.0)

	obs.RecordLLM("local-worker", "worker", nil,
		"write a function that reverses a string", "func reverse(s string) string { ... }")

	in := obs.Metrics.TokensIn.WithLabelValues("local-worker", "worker")
	out := obs.Metrics.TokensOut.WithLabelValues("local-worker", "worker")
	assert.Greater(t, testutil.ToFloat64(in), 0.0)
	assert.Greater(t, testutil.ToFloat64(out), 0.0)
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, observability.CountTokens("any", ""))
	assert.Greater(t, observability.CountTokens("local-worker", "hello world, this is a test"), 0)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.CacheHits.Inc()
	m.RouteDecisions.WithLabelValues("LOCAL").Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "strata_cache_hits_total 1")
	assert.Contains(t, text, `strata_route_decisions_total{route="LOCAL"} 1`)
}
