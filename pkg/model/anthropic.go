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

package model

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/tool"
)

// Anthropic talks to the Claude Messages API.
type Anthropic struct {
	client      anthropic.Client
	name        string
	temperature float64
	maxTokens   int
}

// NewAnthropic builds a client from the endpoint configuration.
func NewAnthropic(cfg config.ModelConfig) (*Anthropic, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("anthropic: model name is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:      anthropic.NewClient(opts...),
		name:        cfg.Name,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (a *Anthropic) Name() string       { return a.name }
func (a *Anthropic) Provider() Provider { return ProviderAnthropic }
func (a *Anthropic) Close() error       { return nil }

// GenerateContent implements LLM.
func (a *Anthropic) GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		params, err := a.buildParams(req)
		if err != nil {
			yield(nil, err)
			return
		}

		if stream {
			a.generateStream(ctx, params, yield)
			return
		}

		msg, err := a.client.Messages.New(ctx, params)
		if err != nil {
			yield(nil, fmt.Errorf("anthropic: completion failed: %w", err))
			return
		}
		yield(fromAnthropicMessage(msg), nil)
	}
}

func (a *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := a.maxTokens
	temperature := a.temperature
	system := req.SystemInstruction
	var stop []string
	if cfg := req.Config; cfg != nil {
		if cfg.MaxTokens > 0 {
			maxTokens = cfg.MaxTokens
		}
		if cfg.Temperature != nil {
			temperature = *cfg.Temperature
		}
		stop = cfg.StopSequences
		if cfg.JSONMode {
			// The Messages API has no native JSON mode.
			system = strings.TrimSpace(system + "\nRespond with a single JSON object and nothing else.")
		}
	}

	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.name),
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(stop) > 0 {
		params.StopSequences = stop
	}

	for _, def := range req.Tools {
		toolParam, err := toAnthropicTool(def)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = append(params.Tools, toolParam)
	}
	return params, nil
}

func (a *Anthropic) generateStream(ctx context.Context, params anthropic.MessageNewParams, yield func(*Response, error) bool) {
	stream := a.client.Messages.NewStreaming(ctx, params)

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			yield(nil, fmt.Errorf("anthropic: failed to accumulate stream: %w", err))
			return
		}

		if event.Type == "content_block_delta" {
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				if !yield(&Response{Text: delta.Text, Partial: true}, nil) {
					return
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		yield(nil, fmt.Errorf("anthropic: stream failed: %w", err))
		return
	}

	yield(fromAnthropicMessage(&message), nil)
}

func toAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			continue // carried in params.System
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, result := range msg.ToolResults {
			text := result.Content
			isError := false
			if result.Error != "" {
				text = result.Error
				isError = true
			}
			content = append(content, anthropic.NewToolResultBlock(result.ToolCallID, text, isError))
		}
		for _, call := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(call.ID, call.Args, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func toAnthropicTool(def tool.Definition) (anthropic.ToolUnionParam, error) {
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("anthropic: invalid schema for tool %s: %w", def.Name, err)
	}
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(raw, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("anthropic: invalid schema for tool %s: %w", def.Name, err)
	}

	toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
	if toolParam.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("anthropic: invalid schema for tool %s", def.Name)
	}
	toolParam.OfTool.Description = anthropic.String(def.Description)
	return toolParam, nil
}

func fromAnthropicMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		Usage: &Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		FinishReason: FinishReasonStop,
	}
	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		resp.FinishReason = FinishReasonToolCalls
	case anthropic.StopReasonMaxTokens:
		resp.FinishReason = FinishReasonLength
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{"_raw": string(block.Input)}
				}
			}
			if args == nil {
				args = map[string]any{}
			}
			resp.ToolCalls = append(resp.ToolCalls, tool.Call{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	resp.Text = text.String()
	return resp
}

var _ LLM = (*Anthropic)(nil)
