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

// Package session holds the durable per-session state: conversation
// history, extracted entities, produced artifacts, routing hints, and the
// HITL suspension context. State is mutated only by the orchestrator and
// serialized losslessly for checkpointing.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Role tags a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Tier is a sticky routing destination. Absence (nil) is distinct from a
// chosen TierLocal.
type Tier string

const (
	TierLocal Tier = "LOCAL"
	TierCloud Tier = "CLOUD"
)

// Message is one entry of the conversation history. Metadata records
// handler identity, cache hits, validation outcome, and streaming flags.
type Message struct {
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Usage accumulates token counts and estimated spend for a session.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Metadata carries session bookkeeping.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	Name      string    `json:"name,omitempty"`
	Usage     Usage     `json:"usage"`
}

// State is the central durable entity of a session.
type State struct {
	SessionID     string                 `json:"session_id"`
	Step          int                    `json:"step"`
	Status        Status                 `json:"status"`
	TurnNumber    int                    `json:"turn_number"`
	History       []Message              `json:"conversation_history"`
	Summary       string                 `json:"internal_summary,omitempty"`
	Entities      map[string]interface{} `json:"entities,omitempty"`
	Artifacts     map[string]interface{} `json:"artifacts,omitempty"`
	CurrentAgent  *Tier                  `json:"current_agent,omitempty"`
	ActivePersona string                 `json:"active_persona,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	Metadata      Metadata               `json:"metadata"`
	HITLContext   map[string]interface{} `json:"hitl_context,omitempty"`
}

// New creates a fresh RUNNING session.
func New(name, persona string) *State {
	return &State{
		SessionID:     uuid.NewString(),
		Status:        StatusRunning,
		Entities:      map[string]interface{}{},
		Artifacts:     map[string]interface{}{},
		ActivePersona: persona,
		Metadata: Metadata{
			CreatedAt: time.Now().UTC(),
			Name:      name,
		},
	}
}

// Serialize renders the state to a self-contained byte sequence.
func (s *State) Serialize() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}
	return data, nil
}

// Deserialize restores a state from Serialize output.
func Deserialize(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize state: %w", err)
	}
	if s.Entities == nil {
		s.Entities = map[string]interface{}{}
	}
	if s.Artifacts == nil {
		s.Artifacts = map[string]interface{}{}
	}
	return &s, nil
}

// AddMessage appends to the conversation history.
func (s *State) AddMessage(role Role, content string, metadata map[string]interface{}) {
	s.History = append(s.History, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
}

// IncrementStep advances the monotonic step counter. The counter only
// decreases through checkpoint rollback.
func (s *State) IncrementStep() int {
	s.Step++
	return s.Step
}

// IncrementTurn starts a new user-facing turn and resets the per-turn
// retry budget.
func (s *State) IncrementTurn() int {
	s.TurnNumber++
	s.RetryCount = 0
	return s.TurnNumber
}

// Suspend transitions to SUSPENDED and records why. The extra context
// keys are preserved for the resume decision.
func (s *State) Suspend(reason string, context map[string]interface{}) {
	s.Status = StatusSuspended
	s.HITLContext = map[string]interface{}{
		"reason":       reason,
		"suspended_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range context {
		s.HITLContext[k] = v
	}
}

// Resume clears the suspension and returns to RUNNING. Modified data keyed
// "entities" or "artifacts" merges into the corresponding map; any other
// key lands in artifacts.
func (s *State) Resume(modified map[string]interface{}) {
	for key, value := range modified {
		switch key {
		case "entities":
			if m, ok := value.(map[string]interface{}); ok {
				for k, v := range m {
					s.Entities[k] = v
				}
			}
		case "artifacts":
			if m, ok := value.(map[string]interface{}); ok {
				for k, v := range m {
					s.Artifacts[k] = v
				}
			}
		default:
			s.Artifacts[key] = value
		}
	}
	s.HITLContext = nil
	s.Status = StatusRunning
}

// ClearAgent drops the sticky routing hint. Called on every escalation.
func (s *State) ClearAgent() {
	s.CurrentAgent = nil
}

// SetAgent records a sticky routing decision.
func (s *State) SetAgent(tier Tier) {
	s.CurrentAgent = &tier
}

// RecentMessages returns the last n history entries.
func (s *State) RecentMessages(n int) []Message {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// HandoffContext condenses the session for transfer between agents:
// summary, entities, turn number, and the last three messages.
func (s *State) HandoffContext() map[string]interface{} {
	recent := make([]map[string]string, 0, 3)
	for _, m := range s.RecentMessages(3) {
		recent = append(recent, map[string]string{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	return map[string]interface{}{
		"internal_summary": s.Summary,
		"entities":         s.Entities,
		"turn_number":      s.TurnNumber,
		"recent_messages":  recent,
		"active_persona":   s.ActivePersona,
	}
}
