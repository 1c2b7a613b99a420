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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/strata/pkg/checkpoint"
	"github.com/kadirpekel/strata/pkg/debate"
	"github.com/kadirpekel/strata/pkg/eventbus"
	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/session"
)

const cloudSystemPrompt = "You are a senior project manager and architect with deep expertise " +
	"in software design, complex reasoning, and strategic planning. " +
	"Provide thorough, well-structured solutions."

// runCloud handles a turn routed directly to the cloud tier.
func (o *Orchestrator) runCloud(ctx context.Context, state *session.State, task string, history []model.Message, reason string) (*Result, error) {
	res, err := o.dispatchCloud(ctx, state, task, history)
	if err != nil || res.Handler == HandlerHITL {
		return res, err
	}
	state.AddMessage(session.RoleAssistant, res.Response, map[string]any{
		"handler":  res.Handler,
		"reason":   reason,
		"streamed": o.onDelta != nil,
	})
	return res, nil
}

// escalate clears the sticky route and hands the task to the cloud
// tier with the prior local output embedded. Escalation output is
// trusted: it bypasses validation and critic, but may still go through
// the debate.
func (o *Orchestrator) escalate(ctx context.Context, state *session.State, task string, history []model.Message, priorOutput, reason string, res *Result) (*Result, error) {
	state.ClearAgent()
	if o.obs != nil {
		o.obs.Metrics.Escalations.Inc()
	}
	o.emit(eventbus.TypeSystemNotification, map[string]any{
		"session_id": state.SessionID,
		"event":      "escalation",
		"reason":     reason,
		"handoff":    state.HandoffContext(),
	})
	slog.Info("escalating to cloud tier", "reason", reason)

	cres, err := o.dispatchCloud(ctx, state, escalationPrompt(state, task, priorOutput), history)
	if err != nil {
		return nil, err
	}
	if cres.Handler == HandlerHITL {
		return cres, nil
	}

	res.Response = cres.Response
	res.Handler = cres.Handler
	res.Escalated = true
	res.EscalationReason = reason
	res.Debate = cres.Debate

	state.AddMessage(session.RoleAssistant, res.Response, map[string]any{
		"handler":           res.Handler,
		"reason":            reason,
		"validation_passed": res.ValidationPassed,
		"critic_passed":     res.CriticPassed,
		"worker_response":   truncate(priorOutput, 500),
	})
	return res, nil
}

// escalationPrompt wraps the escalated task for the cloud tier: the
// session handoff digest, the condensed session context, the prior
// local output, and the original request.
func escalationPrompt(state *session.State, task, priorOutput string) string {
	var b strings.Builder
	b.WriteString(session.NewHandoff(state).Render())
	if hc, err := json.Marshal(state.HandoffContext()); err == nil {
		b.WriteString("\nSession context:\n")
		b.Write(hc)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nPrevious worker analysis:\n%s\n\nOriginal request:\n%s", priorOutput, task)
	return b.String()
}

// dispatchCloud writes the TRANSACTION checkpoint, takes a rate-limit
// slot, and calls the cloud model. Provider failures come back as
// [ERROR] responses, never as errors.
func (o *Orchestrator) dispatchCloud(ctx context.Context, state *session.State, task string, history []model.Message) (*Result, error) {
	if err := o.checkCancel(ctx, state); err != nil {
		return nil, err
	}
	state.IncrementStep()
	if err := o.saveCheckpoint(ctx, state, checkpoint.KindTransaction, "cloud dispatch"); err != nil {
		return nil, err
	}

	if o.cloud == nil {
		return &Result{Response: "[ERROR] No cloud model configured", Handler: "cloud"}, nil
	}
	name := o.cloud.Name()

	if o.limiter != nil {
		if err := o.limiter.Acquire(ctx, o.acquireTimeout); err != nil {
			slog.Warn("cloud call rate limited", "model", name)
			return &Result{
				Response: fmt.Sprintf("[ERROR] Cloud PM (%s) rate limited: retry later", name),
				Handler:  name,
			}, nil
		}
	}

	temp := 0.5
	req := &model.Request{
		SystemInstruction: cloudSystemPrompt,
		Messages: append(append([]model.Message{}, history...),
			model.Message{Role: model.RoleUser, Content: task}),
		Config: &model.GenerateConfig{Temperature: &temp, MaxTokens: 4096},
	}

	var (
		resp *model.Response
		err  error
	)
	if o.onDelta != nil {
		resp, err = model.Stream(ctx, o.cloud, req, o.onDelta)
	} else {
		resp, err = model.Complete(ctx, o.cloud, req)
	}
	if err != nil {
		slog.Error("cloud call failed", "model", name, "error", err)
		return &Result{
			Response: fmt.Sprintf("[ERROR] Cloud PM (%s) failed: %v", name, err),
			Handler:  name,
		}, nil
	}

	text := resp.Text
	if text == "" {
		text = "[Cloud PM returned empty response]"
	}
	if o.obs != nil {
		o.obs.RecordLLM(name, "cloud-pm", resp.Usage, task, text)
	}

	res := &Result{Response: text, Handler: name}
	if o.debateAuto && o.debate != nil {
		return o.runDebate(ctx, state, task, res)
	}
	return res, nil
}

// runDebate pushes a cloud response through adversarial verification.
// A moderator escalation suspends the turn for human review.
func (o *Orchestrator) runDebate(ctx context.Context, state *session.State, task string, res *Result) (*Result, error) {
	if err := o.checkCancel(ctx, state); err != nil {
		return nil, err
	}

	dres := o.debate.Run(ctx, task, res.Response)
	res.Debate = dres
	if o.obs != nil {
		o.obs.Metrics.DebateRounds.Add(float64(dres.TotalRounds))
	}

	if !dres.Escalated {
		if dres.FinalProposal != "" {
			res.Response = dres.FinalProposal
		}
		return res, nil
	}
	return o.debateEscalation(ctx, state, dres, res)
}

// debateEscalation suspends the session on a moderator ESCALATE
// verdict. Approval releases the proposal as-is; rejection or timeout
// fails the turn.
func (o *Orchestrator) debateEscalation(ctx context.Context, state *session.State, dres *debate.Result, res *Result) (*Result, error) {
	slog.Warn("debate moderator escalated for human review")
	if o.hitl == nil {
		res.Response = "[HITL] Debate escalated but no approval flow is configured."
		res.Handler = HandlerHITL
		return res, nil
	}

	state.IncrementStep()
	reason := "Adversarial verification escalated for human review"
	extra := map[string]any{
		"proposal": truncate(dres.FinalProposal, 500),
		"report":   dres.Report,
	}
	if err := o.hitl.Suspend(ctx, state, reason, extra); err != nil {
		return nil, err
	}
	if o.approval == nil {
		res.Response = "[HITL] Debate escalated for human review. Session suspended."
		res.Handler = HandlerHITL
		return res, nil
	}

	pending, _ := o.hitl.GetPending(state.SessionID)
	decision := o.hitl.Await(ctx, o.approval, pending)
	resumed, err := o.hitl.Resume(ctx, state.SessionID, decision.Action, decision.ModifiedData)
	if err != nil {
		state.Status = session.StatusFailed
		state.HITLContext = nil
		res.Response = "[HITL] Request rejected by human reviewer."
		res.Handler = HandlerHITL
		return res, nil
	}
	*state = *resumed
	if dres.FinalProposal != "" {
		res.Response = dres.FinalProposal
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
