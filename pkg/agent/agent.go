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

// Package agent implements the inference agents: the worker with its
// tool-use loop and the strictly subordinate helper.
//
// The worker never signals through exceptions; every run ends in an
// Outcome the orchestrator branches on. An approval-gated tool call
// freezes the loop and returns enough state to resume after the human
// decision. Approvals are handled one call at a time so each decision
// is made on its own.
package agent

import (
	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/tool"
)

// EscalationMarker in a response hands the task to the cloud tier.
const EscalationMarker = "[ESCALATE]"

// OutcomeKind discriminates worker results.
type OutcomeKind int

const (
	// OutcomeText is a completed response.
	OutcomeText OutcomeKind = iota
	// OutcomeEscalate is a response carrying the escalation marker.
	OutcomeEscalate
	// OutcomeNeedsApproval suspends on an approval-gated tool call.
	OutcomeNeedsApproval
	// OutcomeFailure is a model error or an exhausted tool budget.
	OutcomeFailure
)

// PendingApproval freezes the tool loop at a gated call.
type PendingApproval struct {
	// Transcript ends with the assistant message requesting the call.
	Transcript []model.Message
	// Results gathered for sibling calls executed before the gated one.
	Results []tool.Result
	// Call awaits the human decision.
	Call tool.Call
	// Remaining sibling calls are not yet executed.
	Remaining []tool.Call
	// Step is the loop step the transcript froze at.
	Step int
}

// Outcome is the result of a worker run.
type Outcome struct {
	Kind           OutcomeKind
	Text           string
	HelperUsed     bool
	HelperFallback bool
	Err            error
	Approval       *PendingApproval
}
