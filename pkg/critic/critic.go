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

// Package critic reviews worker output from an adversarial stance.
//
// The critic model judges a response against the original task and
// returns PASS or REJECT with concrete suggestions. An author is
// biased toward declaring success; a reviewer who wants to find
// faults catches what the author missed.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/strata/pkg/model"
)

const systemPrompt = `You are a strict, meticulous senior code reviewer.
Evaluate the following code or answer coldly, as if you do not know who wrote it.

Evaluation criteria:
1. Does it satisfy the user's request?
2. Are there logical flaws or bugs?
3. Are edge cases handled?
4. Is the code in a runnable state?

Judgment rule:
- When in doubt, REJECT. Rejecting is safer than letting a flaw through.

Respond ONLY with this JSON format. Output no other text:
{
  "verdict": "PASS or REJECT",
  "reason": "one or two sentences explaining the judgment",
  "suggestions": ["concrete fix suggestion 1", "fix suggestion 2"]
}

- On PASS, output suggestions as an empty array [].
- On REJECT, include at least one concrete fix suggestion.`

// Verdict is the critic's judgment of a response.
type Verdict struct {
	Passed      bool
	Reason      string
	Suggestions []string
	Raw         string
}

// Critic judges responses with the helper-tier model.
type Critic struct {
	llm        model.LLM
	failOpen   bool
	maxRetries int
}

// New builds a critic. failOpen controls the policy when the critic
// model is unreachable: true passes the response through, false
// rejects it.
func New(llm model.LLM, failOpen bool) *Critic {
	return &Critic{llm: llm, failOpen: failOpen, maxRetries: 2}
}

// Critique evaluates a response against the original task.
func (c *Critic) Critique(ctx context.Context, task, response string) *Verdict {
	prompt := fmt.Sprintf(
		"## Original request\n%s\n\n## Worker response\n%s\n\n"+
			"Evaluate the response above and judge it [PASS] or [REJECT].",
		task, response)

	temp := 0.2
	req := &model.Request{
		SystemInstruction: systemPrompt,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: prompt},
		},
		Config: &model.GenerateConfig{
			Temperature: &temp,
			MaxTokens:   512,
			JSONMode:    true,
		},
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, err := model.Complete(ctx, c.llm, req)
		if err != nil {
			lastErr = err
			slog.Error("critic call failed",
				"attempt", attempt, "max", c.maxRetries, "error", err)
			continue
		}
		verdict := parseVerdict(resp.Text)
		if verdict.Passed {
			slog.Info("critic verdict: PASS")
		} else {
			slog.Warn("critic verdict: REJECT", "reason", verdict.Reason)
		}
		return verdict
	}

	if c.failOpen {
		slog.Warn("critic unreachable, passing response through", "error", lastErr)
		return &Verdict{
			Passed: true,
			Reason: fmt.Sprintf("Critic unavailable: %v", lastErr),
		}
	}
	slog.Warn("critic unreachable, rejecting response", "error", lastErr)
	return &Verdict{
		Passed:      false,
		Reason:      fmt.Sprintf("Critic unavailable: %v", lastErr),
		Suggestions: []string{"Critic could not be reached; retry or escalate."},
	}
}

// parseVerdict reads the critic output: JSON first, then [PASS] and
// [REJECT] markers. A response with both markers, or neither, rejects.
func parseVerdict(raw string) *Verdict {
	var parsed struct {
		Verdict     string   `json:"verdict"`
		Reason      string   `json:"reason"`
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil && parsed.Verdict != "" {
		passed := strings.ToUpper(parsed.Verdict) == "PASS"
		reason := parsed.Reason
		if reason == "" {
			reason = "No reason provided"
		}
		suggestions := parsed.Suggestions
		if passed {
			suggestions = nil
		}
		return &Verdict{
			Passed:      passed,
			Reason:      reason,
			Suggestions: suggestions,
			Raw:         raw,
		}
	}

	upper := strings.ToUpper(raw)
	passed := strings.Contains(upper, "[PASS]")
	rejected := strings.Contains(upper, "[REJECT]")
	passed = passed && !rejected

	text := strings.TrimSpace(raw)
	verdict := &Verdict{
		Passed: passed,
		Reason: text,
		Raw:    raw,
	}
	if !passed {
		verdict.Suggestions = []string{text}
	}
	return verdict
}
