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
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/tool"
)

// DefaultMaxToolSteps bounds consecutive tool rounds in one run.
const DefaultMaxToolSteps = 5

const workerSystemPrompt = `You are a seasoned principal engineer (Worker).

1. Handle complex logic and coding yourself.
2. Delegate simple repetitive work (comments, formatting) to the helper.
3. When you lack information, use the provided tools to explore the file system.
4. If you face a problem you truly cannot solve, output '[ESCALATE]'.
5. Never escalate because the helper failed. If the helper cannot do it, do it yourself.

## Self-Reflection checklist
Before finalizing an answer, verify:
1. Does it satisfy 100% of the user's request?
2. Is the code actually runnable? (no missing imports, no indentation errors)
3. Are edge cases handled?
4. Are variable and function names clear?

If you are not fully confident, do not force an answer; output '[ESCALATE]'.
Always respond with clear, practical code.`

// Worker is the primary coding agent.
type Worker struct {
	llm      model.LLM
	registry *tool.Registry
	helper   *Helper

	// SystemPrompt overrides the built-in worker prompt when set.
	SystemPrompt string
	// ExtraContext is appended to the system prompt (recalled memory,
	// environment knowledge).
	ExtraContext string
	// OnToolBatch, when set, runs before each tool invocation batch.
	// An error aborts the run before any call executes. Resuming an
	// approval-suspended batch does not fire it again.
	OnToolBatch func(ctx context.Context, calls []tool.Call) error

	maxToolSteps int
}

// NewWorker builds a worker. helper may be nil; maxToolSteps <= 0
// takes the default.
func NewWorker(llm model.LLM, registry *tool.Registry, helper *Helper, maxToolSteps int) *Worker {
	if maxToolSteps <= 0 {
		maxToolSteps = DefaultMaxToolSteps
	}
	return &Worker{
		llm:          llm,
		registry:     registry,
		helper:       helper,
		maxToolSteps: maxToolSteps,
	}
}

// Execute runs a task. history is prior conversation context;
// feedback, when non-empty, is appended as a correction request
// (validation errors, critic suggestions).
func (w *Worker) Execute(ctx context.Context, task string, history []model.Message, feedback string) *Outcome {
	var helperResult string
	helperUsed := false
	helperFallback := false

	if w.helper != nil && Delegatable(task) {
		slog.Info("mechanical task detected, delegating to helper")
		if out, ok := w.helper.Ask(ctx, task); ok {
			helperResult = out
			helperUsed = true
		} else {
			helperFallback = true
		}
	}

	msgs := make([]model.Message, 0, len(history)+2)
	msgs = append(msgs, history...)
	msgs = append(msgs, model.Message{
		Role:    model.RoleUser,
		Content: buildTaskContent(task, helperResult, helperUsed, helperFallback),
	})
	if feedback != "" {
		msgs = append(msgs, model.Message{Role: model.RoleUser, Content: feedback})
	}

	outcome := w.loop(ctx, msgs, 0)
	outcome.HelperUsed = helperUsed
	outcome.HelperFallback = helperFallback
	return outcome
}

// Resume continues a run frozen by OutcomeNeedsApproval. approved
// false records a denial result so the model can choose another
// approach.
func (w *Worker) Resume(ctx context.Context, p *PendingApproval, approved bool) *Outcome {
	var result tool.Result
	if approved {
		result = w.registry.Dispatch(ctx, p.Call)
	} else {
		result = tool.Result{
			ToolCallID: p.Call.ID,
			Error:      fmt.Sprintf("Tool call %s was denied by the user. Choose another approach.", p.Call.Name),
		}
	}
	results := append(append([]tool.Result{}, p.Results...), result)
	return w.runCalls(ctx, p.Transcript, p.Remaining, results, p.Step)
}

// loop runs one model round at the given step and recurses through
// runCalls for tool rounds. Depth is bounded by maxToolSteps.
func (w *Worker) loop(ctx context.Context, msgs []model.Message, step int) *Outcome {
	if step >= w.maxToolSteps {
		slog.Warn("tool loop limit reached", "limit", w.maxToolSteps)
		return &Outcome{
			Kind: OutcomeFailure,
			Err:  fmt.Errorf("tool loop limit reached (%d steps)", w.maxToolSteps),
		}
	}

	temp := 0.4
	req := &model.Request{
		SystemInstruction: w.systemPrompt(),
		Messages:          msgs,
		Config: &model.GenerateConfig{
			Temperature: &temp,
			MaxTokens:   4096,
		},
	}
	if w.registry != nil {
		req.Tools = w.registry.Definitions()
	}

	resp, err := model.Complete(ctx, w.llm, req)
	if err != nil {
		slog.Error("worker call failed", "step", step, "error", err)
		return &Outcome{Kind: OutcomeFailure, Err: err}
	}

	if len(resp.ToolCalls) == 0 {
		if strings.Contains(resp.Text, EscalationMarker) {
			slog.Warn("worker requested escalation")
			return &Outcome{Kind: OutcomeEscalate, Text: resp.Text}
		}
		return &Outcome{Kind: OutcomeText, Text: resp.Text}
	}

	if w.OnToolBatch != nil {
		if err := w.OnToolBatch(ctx, resp.ToolCalls); err != nil {
			return &Outcome{Kind: OutcomeFailure, Err: err}
		}
	}
	msgs = append(msgs, model.Message{
		Role:      model.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	})
	return w.runCalls(ctx, msgs, resp.ToolCalls, nil, step)
}

// runCalls executes calls in order, suspending at the first
// approval-gated one. When all calls finish it appends the tool
// results and continues the loop at the next step.
func (w *Worker) runCalls(ctx context.Context, transcript []model.Message, calls []tool.Call, results []tool.Result, step int) *Outcome {
	for i, call := range calls {
		if w.registry.RequiresApproval(call.Name) {
			slog.Info("tool call requires approval", "tool", call.Name)
			return &Outcome{
				Kind: OutcomeNeedsApproval,
				Approval: &PendingApproval{
					Transcript: transcript,
					Results:    results,
					Call:       call,
					Remaining:  calls[i+1:],
					Step:       step,
				},
			}
		}
		slog.Info("tool call", "tool", call.Name)
		results = append(results, w.registry.Dispatch(ctx, call))
	}

	next := append(append([]model.Message{}, transcript...), model.Message{
		Role:        model.RoleTool,
		ToolResults: results,
	})
	return w.loop(ctx, next, step+1)
}

func (w *Worker) systemPrompt() string {
	prompt := w.SystemPrompt
	if prompt == "" {
		prompt = workerSystemPrompt
	}
	if w.ExtraContext != "" {
		prompt += "\n\n" + w.ExtraContext
	}
	return prompt
}

func buildTaskContent(task, helperResult string, helperUsed, helperFallback bool) string {
	switch {
	case helperUsed:
		return fmt.Sprintf(
			"Task: %s\n\nThe helper produced this result:\n--- Helper result ---\n%s\n--- end ---",
			task, helperResult)
	case helperFallback:
		return fmt.Sprintf(
			"Task: %s\n\n[Note] The helper failed. Handle this yourself.", task)
	default:
		return task
	}
}
