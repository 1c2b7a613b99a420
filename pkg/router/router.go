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

// Package router decides whether a request runs on the local or the
// cloud tier.
//
// Stage 1 is a rule-based pre-filter that settles obvious cases
// without a model call. Stage 2 asks the router model for a JSON
// decision, with a regex fallback for models that ignore the format.
// Every failure path lands on LOCAL to keep cloud spend bounded.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/kadirpekel/strata/pkg/model"
)

// Route is an execution destination.
type Route string

const (
	RouteLocal Route = "LOCAL"
	RouteCloud Route = "CLOUD"
)

// Decision is the routing outcome.
type Decision struct {
	Destination Route
	Reason      string
	Thinking    string
}

const systemPrompt = `You are a task router for a hybrid AI system.
Your job is to analyze user requests and decide the best execution path.

You MUST respond with a valid JSON object in this EXACT format:
{
  "thinking": "[Your reasoning about task complexity here]",
  "route": "LOCAL or CLOUD",
  "reason": "[One-line reason for the routing decision]"
}

Routing criteria:
- LOCAL: Code implementation, debugging, refactoring, simple Q&A, formatting, documentation, translation, standard programming tasks.
- CLOUD: High-level architecture design, complex multi-step reasoning, security audits, mathematical proofs, novel algorithm design, strategic planning that requires deep domain expertise.

When in doubt, prefer LOCAL to minimize cloud costs.
You MUST respond ONLY with the JSON object. No markdown, no extra text.`

// Pre-filter tables. LOCAL patterns win over CLOUD patterns.
var fastLocalPatterns = compileAll([]string{
	`^(hi|hello|안녕|감사|thanks|thank you)`,
	`^/`,
	`^\d+\s*[\+\-\*\/]`,
	`(주석|포맷팅|format|번역|translate|docstring|lint|type hint)`,
	`(디버깅|debug|fix|bug|오류|수정)`,
	`(코드|code|함수|function|class|모듈|module)`,
})

var fastCloudPatterns = compileAll([]string{
	`(아키텍처|architecture).*(설계|design)`,
	`(설계|design).*(아키텍처|architecture)`,
	`(시스템|system).*(설계|design|아키텍처|architecture)`,
	`(전체|overall).*(설계|design|아키텍처|architecture)`,
	`(보안|security).*(감사|audit)`,
	`(수학적 증명|mathematical proof)`,
})

var (
	thinkPattern  = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	routePattern  = regexp.MustCompile(`(?i)ROUTE:\s*(LOCAL|CLOUD)`)
	reasonPattern = regexp.MustCompile(`REASON:\s*(.+?)(?:\n|$)`)
)

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// Router is the two-stage task router.
type Router struct {
	llm      model.LLM
	llmCalls atomic.Int64
}

// New builds a router over the classifier model. A nil model limits
// routing to the rule tables.
func New(llm model.LLM) *Router {
	return &Router{llm: llm}
}

// LLMCalls reports how many requests reached the stage-2 classifier.
func (r *Router) LLMCalls() int64 {
	return r.llmCalls.Load()
}

// Route decides the destination for a message. It never fails; any
// classifier error falls back to LOCAL.
func (r *Router) Route(ctx context.Context, message string) *Decision {
	if d := fastRoute(message); d != nil {
		slog.Info("fast route", "destination", d.Destination)
		return d
	}

	if r.llm == nil {
		return &Decision{
			Destination: RouteLocal,
			Reason:      "No router model configured",
		}
	}

	r.llmCalls.Add(1)
	temp := 0.3
	resp, err := model.Complete(ctx, r.llm, &model.Request{
		SystemInstruction: systemPrompt,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: message},
		},
		Config: &model.GenerateConfig{
			Temperature: &temp,
			MaxTokens:   512,
			JSONMode:    true,
		},
	})
	if err != nil {
		slog.Error("router model call failed, defaulting to LOCAL", "error", err)
		return &Decision{
			Destination: RouteLocal,
			Reason:      "Router fallback due to error: " + err.Error(),
		}
	}

	d := parseDecision(resp.Text)
	slog.Info("route decision", "destination", d.Destination, "reason", d.Reason)
	return d
}

func fastRoute(message string) *Decision {
	for _, pattern := range fastLocalPatterns {
		if pattern.MatchString(message) {
			return &Decision{
				Destination: RouteLocal,
				Reason:      "Rule-based fast routing (simple task)",
			}
		}
	}
	for _, pattern := range fastCloudPatterns {
		if pattern.MatchString(message) {
			return &Decision{
				Destination: RouteCloud,
				Reason:      "Rule-based fast routing (complex task)",
			}
		}
	}
	return nil
}

// parseDecision reads the classifier output: JSON first, then the
// legacy ROUTE:/REASON: format, then LOCAL.
func parseDecision(raw string) *Decision {
	var parsed struct {
		Thinking string `json:"thinking"`
		Route    string `json:"route"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		destination := Route(strings.ToUpper(parsed.Route))
		if destination != RouteLocal && destination != RouteCloud {
			destination = RouteLocal
		}
		reason := parsed.Reason
		if reason == "" {
			reason = "No reason provided"
		}
		return &Decision{
			Destination: destination,
			Reason:      reason,
			Thinking:    parsed.Thinking,
		}
	}

	d := &Decision{Destination: RouteLocal, Reason: "No reason provided"}
	if m := thinkPattern.FindStringSubmatch(raw); m != nil {
		d.Thinking = strings.TrimSpace(m[1])
	}
	if m := routePattern.FindStringSubmatch(raw); m != nil {
		d.Destination = Route(strings.ToUpper(m[1]))
	}
	if m := reasonPattern.FindStringSubmatch(raw); m != nil {
		d.Reason = strings.TrimSpace(m[1])
	}
	return d
}
