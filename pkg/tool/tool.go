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

// Package tool defines the tool abstraction the agent loop dispatches
// through: a name, a JSON Schema for arguments, and a callable body.
// Tool failures are data, not control flow; every dispatch produces a
// Result whose Error field carries what went wrong so the model can
// read it and correct itself.
package tool

import "context"

// Definition is the model-facing description of a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Call is a model-issued tool invocation.
type Call struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Result is the outcome of one tool invocation, fed back to the model.
// Exactly one of Content and Error is meaningful.
type Result struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	Error      string `json:"error,omitempty"`
}

// Tool is the minimal surface every tool exposes.
type Tool interface {
	Name() string
	Description() string
	Definition() Definition
	// RequiresApproval marks tools whose execution must be confirmed by
	// a human before dispatch.
	RequiresApproval() bool
}

// CallableTool is a tool that can actually run.
type CallableTool interface {
	Tool
	Call(ctx context.Context, args map[string]any) (string, error)
}
