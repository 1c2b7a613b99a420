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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/strata/pkg/agent"
	"github.com/kadirpekel/strata/pkg/checkpoint"
	"github.com/kadirpekel/strata/pkg/critic"
	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/session"
	"github.com/kadirpekel/strata/pkg/tool"
	"github.com/kadirpekel/strata/pkg/validator"
)

// errBatchCheckpoint tags checkpoint failures surfaced through the
// worker's tool loop so they abort the turn instead of escalating.
var errBatchCheckpoint = errors.New("tool batch checkpoint failed")

// batchCheckpointErr extracts a batch checkpoint failure from a worker
// outcome.
func batchCheckpointErr(out *agent.Outcome) error {
	if out.Kind == agent.OutcomeFailure && errors.Is(out.Err, errBatchCheckpoint) {
		return out.Err
	}
	return nil
}

// runLocal executes the LOCAL path: worker, deterministic validation
// with bounded retries, then the critic loop. Any exhausted budget or
// worker escalation hands the task to the cloud tier.
func (o *Orchestrator) runLocal(ctx context.Context, state *session.State, task string, history []model.Message) (*Result, error) {
	res := &Result{Handler: HandlerWorker}

	// A TRANSACTION checkpoint precedes every tool batch; a crash
	// mid-batch resumes from the pre-batch state.
	o.worker.OnToolBatch = func(ctx context.Context, calls []tool.Call) error {
		state.IncrementStep()
		label := fmt.Sprintf("tool batch (%d calls)", len(calls))
		if err := o.saveCheckpoint(ctx, state, checkpoint.KindTransaction, label); err != nil {
			return fmt.Errorf("%w: %v", errBatchCheckpoint, err)
		}
		return nil
	}
	defer func() { o.worker.OnToolBatch = nil }()

	out := o.worker.Execute(ctx, task, history, "")
	out, hres, err := o.resolveApprovals(ctx, state, out)
	if err != nil || hres != nil {
		return hres, err
	}
	res.HelperUsed = out.HelperUsed

	switch out.Kind {
	case agent.OutcomeFailure:
		if err := batchCheckpointErr(out); err != nil {
			return nil, err
		}
		slog.Warn("worker failed, escalating", "error", out.Err)
		return o.escalate(ctx, state, task, history, "[ERROR] Worker failed", ReasonWorkerEscalation, res)
	case agent.OutcomeEscalate:
		slog.Info("worker requested escalation")
		return o.escalate(ctx, state, task, history, out.Text, ReasonWorkerEscalation, res)
	}
	response := out.Text

	// Layer 1: deterministic validation with bounded retries.
	var vres *validator.Result
	if o.validator != nil {
		vres = o.validator.Validate(ctx, response)
		for !vres.Valid && res.Retries < o.maxValidationRetries {
			if err := o.checkCancel(ctx, state); err != nil {
				return nil, err
			}
			res.Retries++
			state.RetryCount++
			slog.Warn("validation failed, regenerating",
				"attempt", res.Retries, "max", o.maxValidationRetries)

			out = o.worker.Execute(ctx, task, history, validator.FormatFeedback(vres))
			if err := batchCheckpointErr(out); err != nil {
				return nil, err
			}
			if out.Kind != agent.OutcomeText {
				break
			}
			response = out.Text
			vres = o.validator.Validate(ctx, response)
		}
		res.ValidationPassed = boolPtr(vres.Valid)
		if !vres.Valid {
			slog.Error("validation retries exhausted, escalating")
			return o.escalate(ctx, state, task, history, response, ReasonValidationFail, res)
		}
	}

	// Layer 2: critic rounds, only when the response carries code.
	if o.critic != nil && vres != nil && vres.HasCode {
		passed := false
		for round := 1; round <= o.maxCriticRounds; round++ {
			if err := o.checkCancel(ctx, state); err != nil {
				return nil, err
			}
			verdict := o.critic.Critique(ctx, task, response)
			if verdict.Passed {
				passed = true
				break
			}
			slog.Warn("critic rejected response",
				"round", round, "max", o.maxCriticRounds, "reason", verdict.Reason)
			if round == o.maxCriticRounds {
				break
			}

			out = o.worker.Execute(ctx, task, history, criticFeedback(round, verdict))
			if err := batchCheckpointErr(out); err != nil {
				return nil, err
			}
			if out.Kind != agent.OutcomeText {
				break
			}
			response = out.Text
		}
		res.CriticPassed = boolPtr(passed)
		if !passed {
			slog.Warn("critic rounds exhausted, escalating")
			return o.escalate(ctx, state, task, history, response, ReasonCriticReject, res)
		}
	}

	res.Response = response
	state.AddMessage(session.RoleAssistant, response, map[string]any{
		"handler":           HandlerWorker,
		"helper_used":       out.HelperUsed,
		"helper_fallback":   out.HelperFallback,
		"validation_passed": deref(res.ValidationPassed),
		"critic_passed":     res.CriticPassed,
		"retries":           res.Retries,
	})
	return res, nil
}

// criticFeedback embeds the rejection verbatim into a regeneration
// request, suggestions included.
func criticFeedback(round int, v *critic.Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Critic feedback (Round %d):\n", round)
	b.WriteString("Verdict: REJECT\n")
	fmt.Fprintf(&b, "Reason: %s\n", v.Reason)
	b.WriteString("Suggested fixes:\n")
	for _, s := range v.Suggestions {
		b.WriteString("- " + s + "\n")
	}
	b.WriteString("\nRevise the response to address the feedback above.")
	return b.String()
}

// resolveApprovals drives the HITL gate for approval-gated tool calls.
// Each gated call suspends the session, checkpoints it, and waits for
// the reviewer; an approval resumes the frozen tool loop, a rejection
// (or timeout) fails the turn. With no HITL manager wired, gated calls
// are denied in place and the worker continues.
func (o *Orchestrator) resolveApprovals(ctx context.Context, state *session.State, out *agent.Outcome) (*agent.Outcome, *Result, error) {
	for out.Kind == agent.OutcomeNeedsApproval {
		call := out.Approval.Call
		state.IncrementStep()

		if o.hitl == nil {
			slog.Warn("no approval flow configured, denying gated tool call", "tool", call.Name)
			out = o.worker.Resume(ctx, out.Approval, false)
			if err := batchCheckpointErr(out); err != nil {
				return nil, nil, err
			}
			continue
		}

		reason := fmt.Sprintf("Tool call requires approval: %s", call.Name)
		extra := map[string]any{
			"function_name": call.Name,
			"arguments":     call.Args,
		}
		if err := o.hitl.Suspend(ctx, state, reason, extra); err != nil {
			return nil, nil, err
		}
		if o.approval == nil {
			// No reviewer attached: the session stays SUSPENDED for an
			// out-of-band decision.
			return nil, &Result{
				Response: fmt.Sprintf("[HITL] Approval required for tool call %q. Session suspended.", call.Name),
				Handler:  HandlerHITL,
			}, nil
		}

		pending, _ := o.hitl.GetPending(state.SessionID)
		decision := o.hitl.Await(ctx, o.approval, pending)
		resumed, err := o.hitl.Resume(ctx, state.SessionID, decision.Action, decision.ModifiedData)
		if err != nil {
			state.Status = session.StatusFailed
			state.HITLContext = nil
			return nil, &Result{
				Response: "[HITL] Request rejected by human reviewer.",
				Handler:  HandlerHITL,
			}, nil
		}
		*state = *resumed
		out = o.worker.Resume(ctx, out.Approval, true)
		if err := batchCheckpointErr(out); err != nil {
			return nil, nil, err
		}
	}
	return out, nil, nil
}

func deref(b *bool) bool {
	return b == nil || *b
}
