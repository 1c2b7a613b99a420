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

// Package mcptoolset connects to external MCP (Model Context Protocol)
// tool servers over stdio and exposes their tools as callable tools.
//
// The connection is lazy: the subprocess is only spawned when Tools()
// is first called, so a misconfigured server does not block startup.
package mcptoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/strata"
	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/tool"
)

const protocolVersion = "2024-11-05"

// Toolset is one stdio MCP server connection.
type Toolset struct {
	cfg config.MCPServerConfig

	mu        sync.Mutex
	client    *client.Client
	tools     []tool.CallableTool
	connected bool
}

// New creates an unconnected toolset for the configured server.
func New(cfg config.MCPServerConfig) (*Toolset, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp server requires a name")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server %s requires a command", cfg.Name)
	}
	return &Toolset{cfg: cfg}, nil
}

// Name identifies the server.
func (t *Toolset) Name() string {
	return t.cfg.Name
}

// Tools returns the server's tools, connecting on first use.
func (t *Toolset) Tools(ctx context.Context) ([]tool.CallableTool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server %s: %w", t.cfg.Name, err)
		}
	}
	return t.tools, nil
}

func (t *Toolset) connect(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(
		t.cfg.Command,
		convertEnv(t.cfg.Env),
		t.cfg.Args...,
	)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "strata",
		Version: strata.Version,
	}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []tool.CallableTool
	for _, mcpTool := range listResp.Tools {
		tools = append(tools, &remoteTool{
			toolset: t,
			// Server-qualified names keep two servers' tools apart.
			name:   t.cfg.Name + "__" + mcpTool.Name,
			remote: mcpTool.Name,
			desc:   mcpTool.Description,
			schema: convertSchema(mcpTool.InputSchema),
		})
	}

	t.client = mcpClient
	t.tools = tools
	t.connected = true

	slog.Info("connected to MCP server",
		"name", t.cfg.Name,
		"command", t.cfg.Command,
		"tools", len(tools))
	return nil
}

// Close shuts down the server subprocess.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	t.tools = nil
	t.connected = false
	return err
}

func convertEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// convertSchema flattens the MCP schema type into a plain map via a
// JSON round-trip.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// remoteTool adapts one remote tool to the local tool interface. External
// tools are always approval-gated; their effects are outside the
// sandbox's reach.
type remoteTool struct {
	toolset *Toolset
	name    string
	remote  string
	desc    string
	schema  map[string]any
}

func (w *remoteTool) Name() string           { return w.name }
func (w *remoteTool) Description() string    { return w.desc }
func (w *remoteTool) RequiresApproval() bool { return true }

func (w *remoteTool) Definition() tool.Definition {
	return tool.Definition{
		Name:        w.name,
		Description: w.desc,
		Parameters:  w.schema,
	}
}

func (w *remoteTool) Call(ctx context.Context, args map[string]any) (string, error) {
	w.toolset.mu.Lock()
	mcpClient := w.toolset.client
	w.toolset.mu.Unlock()
	if mcpClient == nil {
		return "", fmt.Errorf("MCP server %s not connected", w.toolset.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = w.remote
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	text := joinTextContent(resp.Content)
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("MCP tool error: %s", text)
	}
	return text, nil
}

func joinTextContent(blocks []mcp.Content) string {
	var texts []string
	for _, block := range blocks {
		if textContent, ok := block.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	return strings.Join(texts, "\n")
}

var _ tool.CallableTool = (*remoteTool)(nil)
