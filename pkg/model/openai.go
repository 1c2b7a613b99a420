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
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/tool"
)

// OpenAI talks to any openai-compatible chat endpoint, including local
// inference proxies that expose the same wire format.
type OpenAI struct {
	client      *openai.Client
	name        string
	temperature float64
	maxTokens   int
}

// NewOpenAI builds a client from the endpoint configuration.
func NewOpenAI(cfg config.ModelConfig) (*OpenAI, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("openai: model name is required")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// Local proxies accept any key; the SDK requires one.
		apiKey = "unused"
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}

	return &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		name:        cfg.Name,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (o *OpenAI) Name() string       { return o.name }
func (o *OpenAI) Provider() Provider { return ProviderOpenAI }
func (o *OpenAI) Close() error       { return nil }

// GenerateContent implements LLM.
func (o *OpenAI) GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		chatReq := o.buildRequest(req, stream)
		if stream {
			o.generateStream(ctx, chatReq, yield)
			return
		}

		resp, err := o.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			yield(nil, fmt.Errorf("openai: completion failed: %w", err))
			return
		}
		if len(resp.Choices) == 0 {
			yield(nil, fmt.Errorf("openai: %w", ErrEmptyResponse))
			return
		}

		choice := resp.Choices[0]
		yield(&Response{
			Text:      choice.Message.Content,
			ToolCalls: fromOpenAIToolCalls(choice.Message.ToolCalls),
			Usage: &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
			FinishReason: fromOpenAIFinish(choice.FinishReason),
		}, nil)
	}
}

func (o *OpenAI) buildRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:       o.name,
		Messages:    toOpenAIMessages(req),
		Temperature: float32(o.temperature),
		MaxTokens:   o.maxTokens,
		Stream:      stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	if cfg := req.Config; cfg != nil {
		if cfg.Temperature != nil {
			chatReq.Temperature = float32(*cfg.Temperature)
		}
		if cfg.MaxTokens > 0 {
			chatReq.MaxTokens = cfg.MaxTokens
		}
		if len(cfg.StopSequences) > 0 {
			chatReq.Stop = cfg.StopSequences
		}
		if cfg.JSONMode {
			chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
	}

	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return chatReq
}

func (o *OpenAI) generateStream(ctx context.Context, chatReq openai.ChatCompletionRequest, yield func(*Response, error) bool) {
	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		yield(nil, fmt.Errorf("openai: failed to open stream: %w", err))
		return
	}
	defer stream.Close()

	var text strings.Builder
	var usage *Usage
	finish := FinishReasonStop
	// Tool call fragments accumulate by index across chunks.
	pending := map[int]*openai.ToolCall{}
	order := []int{}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			yield(nil, fmt.Errorf("openai: stream failed: %w", err))
			return
		}

		if chunk.Usage != nil {
			usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = fromOpenAIFinish(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if !yield(&Response{Text: choice.Delta.Content, Partial: true}, nil) {
				return
			}
		}
		for _, delta := range choice.Delta.ToolCalls {
			index := 0
			if delta.Index != nil {
				index = *delta.Index
			}
			acc, ok := pending[index]
			if !ok {
				acc = &openai.ToolCall{}
				pending[index] = acc
				order = append(order, index)
			}
			if delta.ID != "" {
				acc.ID = delta.ID
			}
			if delta.Function.Name != "" {
				acc.Function.Name = delta.Function.Name
			}
			acc.Function.Arguments += delta.Function.Arguments
		}
	}

	var calls []openai.ToolCall
	for _, index := range order {
		calls = append(calls, *pending[index])
	}
	yield(&Response{
		Text:         text.String(),
		ToolCalls:    fromOpenAIToolCalls(calls),
		Usage:        usage,
		FinishReason: finish,
	}, nil)
}

func toOpenAIMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemInstruction != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemInstruction,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleTool:
			for _, result := range msg.ToolResults {
				content := result.Content
				if result.Error != "" {
					content = result.Error
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: result.ToolCallID,
				})
			}
		case RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Args)
				if err != nil {
					args = []byte("{}")
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, oaiMsg)
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []tool.Call {
	var out []tool.Call
	for _, call := range calls {
		out = append(out, tool.Call{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: parseToolArgs(call.Function.Arguments),
		})
	}
	return out
}

// parseToolArgs decodes the argument JSON. Malformed payloads come back
// under "_raw" so schema validation can reject them with a message the
// model understands.
func parseToolArgs(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

func fromOpenAIFinish(reason openai.FinishReason) FinishReason {
	switch reason {
	case openai.FinishReasonToolCalls:
		return FinishReasonToolCalls
	case openai.FinishReasonLength:
		return FinishReasonLength
	default:
		return FinishReasonStop
	}
}

var _ LLM = (*OpenAI)(nil)
