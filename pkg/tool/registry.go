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

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type registeredTool struct {
	tool   CallableTool
	schema *jsonschema.Schema
}

// Registry holds the callable tools and validates every invocation's
// arguments against the tool's schema before dispatch. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds a tool, compiling its parameter schema up front so
// malformed schemas surface at startup rather than mid-conversation.
// Registering an existing name overrides the previous tool.
func (r *Registry) Register(t CallableTool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}

	schema, err := compileSchema(name, t.Definition().Parameters)
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		slog.Warn("tool already registered, overriding", "tool", name)
	}
	r.tools[name] = registeredTool{tool: t, schema: schema}
	return nil
}

func compileSchema(name string, parameters map[string]any) (*jsonschema.Schema, error) {
	if parameters == nil {
		parameters = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(parameters)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (CallableTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []CallableTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CallableTool, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Definitions returns the model-facing definitions of all registered
// tools, sorted by name.
func (r *Registry) Definitions() []Definition {
	tools := r.List()
	defs := make([]Definition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// RequiresApproval reports whether the named tool is approval-gated.
// Unknown tools do not require approval; dispatch rejects them anyway.
func (r *Registry) RequiresApproval(name string) bool {
	t, ok := r.Get(name)
	return ok && t.RequiresApproval()
}

// Dispatch runs one tool call. It never returns a Go error for tool
// failures: unknown tools, invalid arguments, panics, and tool errors
// all come back as a Result with the Error field set, so the agent can
// hand the message to the model as an observation.
func (r *Registry) Dispatch(ctx context.Context, call Call) Result {
	result := Result{ToolCallID: call.ID}

	r.mu.RLock()
	rt, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		result.Error = fmt.Sprintf("Tool not found: %s. Available tools: %s",
			call.Name, strings.Join(r.names(), ", "))
		return result
	}

	if err := r.validateArgs(rt.schema, call.Args); err != nil {
		result.Error = fmt.Sprintf("Tool Input Error for %s: %v", call.Name, err)
		return result
	}

	content, err := safeCall(ctx, rt.tool, call.Args)
	if err != nil {
		result.Error = fmt.Sprintf("Tool Execution Error for %s: %v", call.Name, err)
		return result
	}
	result.Content = content
	return result
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateArgs checks the arguments against the compiled schema and
// flattens the validator's cause tree into one readable line per
// offending field.
func (r *Registry) validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	value := any(args)
	if args == nil {
		value = map[string]any{}
	}
	err := schema.Validate(value)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errorsAs(err, &ve) {
		return err
	}
	lines := flattenCauses(ve)
	return fmt.Errorf("%s", strings.Join(lines, "; "))
}

func errorsAs(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flattenCauses walks the validation error tree and keeps only the leaf
// messages, which name the actual offending fields.
func flattenCauses(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := strings.TrimPrefix(ve.InstanceLocation, "/")
		if loc == "" {
			return []string{ve.Message}
		}
		return []string{fmt.Sprintf("field %q: %s", strings.ReplaceAll(loc, "/", "."), ve.Message)}
	}
	var lines []string
	for _, cause := range ve.Causes {
		lines = append(lines, flattenCauses(cause)...)
	}
	return lines
}

// safeCall isolates tool panics so a misbehaving tool cannot take down
// the agent loop.
func safeCall(ctx context.Context, t CallableTool, args map[string]any) (content string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return t.Call(ctx, args)
}
