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

// Package hitl suspends agent execution for human review and resumes
// it on a decision.
//
// Suspension writes a TRANSACTION checkpoint first, so a decision can
// arrive in a later process. A human can approve, reject, or approve
// with modified state; silence past the timeout counts as a reject.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/strata/pkg/checkpoint"
	"github.com/kadirpekel/strata/pkg/eventbus"
	"github.com/kadirpekel/strata/pkg/session"
)

// DefaultTimeout is how long a suspension waits for a human before the
// request is rejected.
const DefaultTimeout = 300 * time.Second

// ErrRejected is returned by Resume when the human rejected the
// suspended operation.
var ErrRejected = errors.New("rejected by human")

// Action is a resume decision.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionModify  Action = "modify"
)

// Decision is the human's answer to an approval request.
type Decision struct {
	Action       Action
	ModifiedData map[string]any
	Comment      string
}

// Pending describes one suspension awaiting a decision.
type Pending struct {
	SessionID   string
	Reason      string
	Context     map[string]any
	Step        int
	RequestedAt time.Time
}

// ApprovalChannel obtains a decision from a human. Implementations
// must honor context cancellation.
type ApprovalChannel interface {
	RequestApproval(ctx context.Context, pending Pending) (*Decision, error)
}

// Manager owns the suspend/resume lifecycle.
type Manager struct {
	store   checkpoint.Store
	bus     *eventbus.Bus
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]Pending
}

// NewManager builds a manager. A zero timeout takes the default; a nil
// bus disables event emission.
func NewManager(store checkpoint.Store, bus *eventbus.Bus, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		store:   store,
		bus:     bus,
		timeout: timeout,
		pending: make(map[string]Pending),
	}
}

// Suspend transitions the session to SUSPENDED, checkpoints it, and
// registers the approval request.
func (m *Manager) Suspend(ctx context.Context, state *session.State, reason string, extra map[string]any) error {
	state.Suspend(reason, extra)

	if _, err := m.store.Save(ctx, state, checkpoint.KindTransaction, "HITL: "+reason); err != nil {
		return fmt.Errorf("failed to checkpoint suspended session: %w", err)
	}

	p := Pending{
		SessionID:   state.SessionID,
		Reason:      reason,
		Context:     extra,
		Step:        state.Step,
		RequestedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.pending[state.SessionID] = p
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(eventbus.TypeApprovalRequest, "hitl", map[string]any{
			"session_id": state.SessionID,
			"reason":     reason,
			"step":       state.Step,
		})
	}
	slog.Info("agent suspended", "session", state.SessionID, "reason", reason)
	return nil
}

// Resume loads the suspended session's latest checkpoint and applies
// the decision. Reject marks the session FAILED, checkpoints that, and
// returns ErrRejected. Modify merges modified into the state before
// resuming.
func (m *Manager) Resume(ctx context.Context, sessionID string, action Action, modified map[string]any) (*session.State, error) {
	cp, err := m.store.LoadLatest(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("cannot resume session %s: %w", sessionID, err)
	}
	state, err := cp.Restore()
	if err != nil {
		return nil, err
	}
	if state.Status != session.StatusSuspended {
		slog.Warn("resuming session that is not suspended",
			"session", sessionID, "status", state.Status)
	}

	m.mu.Lock()
	delete(m.pending, sessionID)
	m.mu.Unlock()

	if action == ActionReject {
		state.Status = session.StatusFailed
		if _, err := m.store.Save(ctx, state, checkpoint.KindMilestone, "HITL: Rejected by human"); err != nil {
			slog.Warn("failed to checkpoint rejected session", "error", err)
		}
		m.emitResponse(sessionID, ActionReject)
		slog.Info("agent rejected", "session", sessionID)
		return nil, ErrRejected
	}

	if action == ActionModify && len(modified) > 0 {
		state.Resume(modified)
		slog.Info("agent state modified and resumed", "session", sessionID)
	} else {
		state.Resume(nil)
		slog.Info("agent approved and resumed", "session", sessionID)
	}
	m.emitResponse(sessionID, action)
	return state, nil
}

func (m *Manager) emitResponse(sessionID string, action Action) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventbus.TypeApprovalResponse, "hitl", map[string]any{
		"session_id": sessionID,
		"action":     string(action),
	})
}

// Await asks the channel for a decision, bounded by the manager's
// timeout. Timeouts and channel failures come back as a reject.
func (m *Manager) Await(ctx context.Context, channel ApprovalChannel, p Pending) *Decision {
	waitCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	decision, err := channel.RequestApproval(waitCtx, p)
	if err != nil {
		slog.Warn("approval request failed, rejecting",
			"session", p.SessionID, "error", err)
		return &Decision{
			Action:  ActionReject,
			Comment: fmt.Sprintf("no approval within %s: %v", m.timeout, err),
		}
	}
	return decision
}

// GetPending returns the pending request for a session, if any.
func (m *Manager) GetPending(sessionID string) (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[sessionID]
	return p, ok
}

// ListPending returns all requests awaiting a decision.
func (m *Manager) ListPending() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pending, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	return out
}
