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
	"math"
	"strings"
	"sync"
)

// DefaultAlertThresholdUSD triggers a warning once session spend
// crosses it.
const DefaultAlertThresholdUSD = 1.0

// rate is the price per 1K tokens.
type rate struct {
	In  float64
	Out float64
}

// Local model rates are power-cost approximations, not billing.
var modelRates = map[string]rate{
	"local-helper": {In: 0.0001, Out: 0.0002},
	"local-worker": {In: 0.0005, Out: 0.001},
	"local-router": {In: 0.0003, Out: 0.0006},

	"gemini-1.5-pro":  {In: 0.00125, Out: 0.00375},
	"claude-3-opus":   {In: 0.015, Out: 0.075},
	"claude-3-sonnet": {In: 0.003, Out: 0.015},
}

var defaultRate = rate{In: 0.001, Out: 0.002}

// EstimateCost prices a call in USD from its token counts. Unknown
// models take the default rate. Matching is by prefix so dated model
// names ("claude-3-sonnet-20240229") resolve to their family rate.
func EstimateCost(modelName string, inputTokens, outputTokens int) float64 {
	r, ok := modelRates[modelName]
	if !ok {
		r = defaultRate
		for name, mr := range modelRates {
			if strings.HasPrefix(modelName, name) {
				r = mr
				break
			}
		}
	}
	cost := float64(inputTokens)/1000*r.In + float64(outputTokens)/1000*r.Out
	return math.Round(cost*1e6) / 1e6
}

// CostRecord is one priced model call.
type CostRecord struct {
	Model            string  `json:"model"`
	Agent            string  `json:"agent"`
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// ModelSummary aggregates the records of one model.
type ModelSummary struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Summary is the session spend report.
type Summary struct {
	TotalCalls        int                     `json:"total_calls"`
	TotalCostUSD      float64                 `json:"total_cost_usd"`
	ByModel           map[string]ModelSummary `json:"by_model"`
	AlertThresholdUSD float64                 `json:"alert_threshold_usd"`
	ThresholdExceeded bool                    `json:"threshold_exceeded"`
}

// CostTracker accumulates spend across a session.
type CostTracker struct {
	AlertThresholdUSD float64

	mu      sync.Mutex
	records []CostRecord
	total   float64
}

// NewCostTracker builds a tracker. threshold <= 0 takes the default.
func NewCostTracker(threshold float64) *CostTracker {
	if threshold <= 0 {
		threshold = DefaultAlertThresholdUSD
	}
	return &CostTracker{AlertThresholdUSD: threshold}
}

// Add appends a record and reports whether accumulated spend now
// exceeds the alert threshold.
func (t *CostTracker) Add(r CostRecord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, r)
	t.total += r.EstimatedCostUSD
	return t.total > t.AlertThresholdUSD
}

// TotalCostUSD is the accumulated session spend.
func (t *CostTracker) TotalCostUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// TotalCalls is the number of priced calls.
func (t *CostTracker) TotalCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Summarize reports spend broken down by model.
func (t *CostTracker) Summarize() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	byModel := make(map[string]ModelSummary)
	for _, r := range t.records {
		s := byModel[r.Model]
		s.Calls++
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		s.CostUSD += r.EstimatedCostUSD
		byModel[r.Model] = s
	}
	return Summary{
		TotalCalls:        len(t.records),
		TotalCostUSD:      math.Round(t.total*1e6) / 1e6,
		ByModel:           byModel,
		AlertThresholdUSD: t.AlertThresholdUSD,
		ThresholdExceeded: t.total > t.AlertThresholdUSD,
	}
}
