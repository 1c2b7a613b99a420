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

package tool_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strata/pkg/tool"
)

type stubTool struct {
	name     string
	params   map[string]any
	approval bool
	fn       func(ctx context.Context, args map[string]any) (string, error)
}

func (s *stubTool) Name() string           { return s.name }
func (s *stubTool) Description() string    { return "stub " + s.name }
func (s *stubTool) RequiresApproval() bool { return s.approval }
func (s *stubTool) Definition() tool.Definition {
	return tool.Definition{Name: s.name, Description: s.Description(), Parameters: s.params}
}
func (s *stubTool) Call(ctx context.Context, args map[string]any) (string, error) {
	return s.fn(ctx, args)
}

func echoTool(name string) *stubTool {
	return &stubTool{
		name: name,
		params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
		fn: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestDispatch(t *testing.T) {
	r := tool.NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	result := r.Dispatch(context.Background(), tool.Call{
		ID:   "call-1",
		Name: "echo",
		Args: map[string]any{"text": "hello"},
	})
	assert.Equal(t, "call-1", result.ToolCallID)
	assert.Equal(t, "hello", result.Content)
	assert.Empty(t, result.Error)
}

func TestDispatchUnknownTool(t *testing.T) {
	r := tool.NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	result := r.Dispatch(context.Background(), tool.Call{ID: "x", Name: "missing"})
	assert.Contains(t, result.Error, "Tool not found: missing")
	assert.Contains(t, result.Error, "echo")
}

func TestDispatchValidatesArgs(t *testing.T) {
	r := tool.NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required field", map[string]any{}},
		{"wrong type", map[string]any{"text": 42}},
		{"nil args", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Dispatch(context.Background(), tool.Call{ID: "x", Name: "echo", Args: tt.args})
			assert.Contains(t, result.Error, "Tool Input Error for echo")
			assert.Empty(t, result.Content)
		})
	}
}

func TestDispatchToolError(t *testing.T) {
	r := tool.NewRegistry()
	require.NoError(t, r.Register(&stubTool{
		name: "boom",
		fn: func(_ context.Context, _ map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		},
	}))

	result := r.Dispatch(context.Background(), tool.Call{ID: "x", Name: "boom"})
	assert.Contains(t, result.Error, "Tool Execution Error for boom")
	assert.Contains(t, result.Error, "disk on fire")
}

func TestDispatchContainsPanic(t *testing.T) {
	r := tool.NewRegistry()
	require.NoError(t, r.Register(&stubTool{
		name: "panic",
		fn: func(_ context.Context, _ map[string]any) (string, error) {
			panic("unexpected nil")
		},
	}))

	result := r.Dispatch(context.Background(), tool.Call{ID: "x", Name: "panic"})
	assert.Contains(t, result.Error, "tool panicked")
}

func TestRegisterOverride(t *testing.T) {
	r := tool.NewRegistry()
	first := echoTool("echo")
	require.NoError(t, r.Register(first))

	second := &stubTool{
		name: "echo",
		fn: func(_ context.Context, _ map[string]any) (string, error) {
			return "second", nil
		},
	}
	require.NoError(t, r.Register(second))

	result := r.Dispatch(context.Background(), tool.Call{ID: "x", Name: "echo"})
	assert.Equal(t, "second", result.Content)
	assert.Len(t, r.List(), 1)
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := tool.NewRegistry()
	err := r.Register(&stubTool{
		name:   "bad",
		params: map[string]any{"type": 12345},
		fn: func(_ context.Context, _ map[string]any) (string, error) {
			return "", nil
		},
	})
	assert.Error(t, err)
}

func TestRequiresApproval(t *testing.T) {
	r := tool.NewRegistry()
	gated := echoTool("write_file")
	gated.approval = true
	require.NoError(t, r.Register(gated))
	require.NoError(t, r.Register(echoTool("read_file")))

	assert.True(t, r.RequiresApproval("write_file"))
	assert.False(t, r.RequiresApproval("read_file"))
	assert.False(t, r.RequiresApproval("missing"))
}

func TestDefinitionsSorted(t *testing.T) {
	r := tool.NewRegistry()
	require.NoError(t, r.Register(echoTool("zeta")))
	require.NoError(t, r.Register(echoTool("alpha")))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
}
