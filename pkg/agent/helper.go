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

package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kadirpekel/strata/pkg/model"
)

const helperSystemPrompt = `You are a strict subordinate assistant.

RULES:
1. You ONLY perform the exact transformation requested.
2. You do NOT think independently or add your own ideas.
3. You do NOT escalate or request help from other models.
4. You MUST return ONLY the transformed result, nothing else.
5. You do NOT explain your reasoning or add commentary.

Your job: Input -> Transformation -> Output. Nothing more.`

// A helper may not refuse or escalate; outputs containing these are
// treated as failures.
var helperForbidden = []string{
	"[escalate]",
	"i cannot",
	"i need help",
	"beyond my capability",
}

// Helper runs simple mechanical transformations on the small model.
// All failures are absorbed: the worker falls back to doing the work
// itself, never upward.
type Helper struct {
	llm        model.LLM
	maxRetries int
}

// NewHelper wires a helper to its model.
func NewHelper(llm model.LLM) *Helper {
	return &Helper{llm: llm, maxRetries: 3}
}

// Ask delegates a task. ok is false after the retry budget is spent or
// every output failed validation.
func (h *Helper) Ask(ctx context.Context, task string) (result string, ok bool) {
	if h == nil || h.llm == nil {
		return "", false
	}

	temp := 0.1
	req := &model.Request{
		SystemInstruction: helperSystemPrompt,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: task},
		},
		Config: &model.GenerateConfig{
			Temperature: &temp,
			MaxTokens:   2048,
		},
	}

	for attempt := 1; attempt <= h.maxRetries; attempt++ {
		resp, err := model.Complete(ctx, h.llm, req)
		if err != nil {
			slog.Warn("helper call failed",
				"attempt", attempt, "max", h.maxRetries, "error", err)
			continue
		}
		out := strings.TrimSpace(resp.Text)
		if validHelperOutput(out) {
			slog.Info("helper succeeded", "attempt", attempt)
			return out, true
		}
		slog.Warn("helper output invalid", "attempt", attempt, "max", h.maxRetries)
	}

	slog.Warn("helper exhausted retries, falling back to worker")
	return "", false
}

func validHelperOutput(out string) bool {
	if len(out) < 5 {
		return false
	}
	lower := strings.ToLower(out)
	for _, keyword := range helperForbidden {
		if strings.Contains(lower, keyword) {
			return false
		}
	}
	return true
}

// Delegatable reports whether a task is simple enough for the helper.
var delegatableKeywords = []string{
	"주석 추가", "add comments", "comment",
	"포맷팅", "formatting", "format",
	"번역", "translate", "translation",
	"docstring", "독스트링",
	"타입 힌트", "type hint",
	"린트", "lint", "linting",
}

// Delegatable reports whether the task matches a known mechanical
// transformation.
func Delegatable(task string) bool {
	lower := strings.ToLower(task)
	for _, keyword := range delegatableKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
