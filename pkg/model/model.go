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

// Package model defines the LLM interface the pipeline dispatches to.
//
// A single GenerateContent method handles both streaming and
// non-streaming calls and returns iter.Seq2[*Response, error]:
//   - stream=false yields exactly one complete Response
//   - stream=true yields partial Responses (Partial=true) for display,
//     then a final aggregated Response (Partial=false) for persistence
package model

import (
	"context"
	"iter"

	"github.com/kadirpekel/strata/pkg/tool"
)

// Provider identifies the backing API family.
type Provider string

const (
	// ProviderOpenAI covers any openai-compatible chat endpoint,
	// including local inference proxies.
	ProviderOpenAI Provider = "openai"

	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// Role identifies a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls holds the calls an assistant message issued.
	ToolCalls []tool.Call `json:"tool_calls,omitempty"`

	// ToolResults holds the results a tool message carries back.
	ToolResults []tool.Result `json:"tool_results,omitempty"`
}

// Request is the input to one LLM call.
type Request struct {
	SystemInstruction string
	Messages          []Message
	Tools             []tool.Definition
	Config            *GenerateConfig
}

// GenerateConfig tunes a single generation.
type GenerateConfig struct {
	// Temperature overrides the endpoint default when non-nil.
	Temperature *float64

	// MaxTokens overrides the endpoint default when positive.
	MaxTokens int

	// JSONMode constrains output to a JSON object on providers that
	// support it.
	JSONMode bool

	StopSequences []string
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
)

// Usage is the token accounting of one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is one yielded result of a generation.
type Response struct {
	Text      string
	ToolCalls []tool.Call

	// Partial marks a streaming delta. The final aggregated response
	// has Partial=false and carries the full text and tool calls.
	Partial bool

	Usage        *Usage
	FinishReason FinishReason
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// LLM is a chat-completion endpoint.
type LLM interface {
	// Name returns the model identifier sent to the API.
	Name() string

	Provider() Provider

	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases held resources.
	Close() error
}

// Complete runs a non-streaming call and returns the single final
// response.
func Complete(ctx context.Context, llm LLM, req *Request) (*Response, error) {
	var final *Response
	for resp, err := range llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return nil, err
		}
		if !resp.Partial {
			final = resp
		}
	}
	if final == nil {
		return nil, ErrEmptyResponse
	}
	return final, nil
}

// Stream runs a streaming call, forwarding each text delta to onDelta,
// and returns the final aggregated response.
func Stream(ctx context.Context, llm LLM, req *Request, onDelta func(string)) (*Response, error) {
	var final *Response
	for resp, err := range llm.GenerateContent(ctx, req, true) {
		if err != nil {
			return nil, err
		}
		if resp.Partial {
			if onDelta != nil && resp.Text != "" {
				onDelta(resp.Text)
			}
			continue
		}
		final = resp
	}
	if final == nil {
		return nil, ErrEmptyResponse
	}
	return final, nil
}
