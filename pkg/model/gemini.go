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
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/tool"
)

// Gemini talks to Google Gemini models through the official genai SDK.
type Gemini struct {
	client      *genai.Client
	name        string
	temperature float64
	maxTokens   int
}

// NewGemini builds a client from the endpoint configuration.
func NewGemini(cfg config.ModelConfig) (*Gemini, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("gemini: model name is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &Gemini{
		client:      client,
		name:        cfg.Name,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (g *Gemini) Name() string       { return g.name }
func (g *Gemini) Provider() Provider { return ProviderGemini }
func (g *Gemini) Close() error       { return nil }

// GenerateContent implements LLM.
func (g *Gemini) GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		contents, system := toGeminiContents(req)
		genCfg := g.buildConfig(req, system)

		if !stream {
			genResp, err := g.client.Models.GenerateContent(ctx, g.name, contents, genCfg)
			if err != nil {
				yield(nil, fmt.Errorf("gemini: generation failed: %w", err))
				return
			}
			resp, err := fromGeminiResponse(genResp)
			yield(resp, err)
			return
		}

		var text strings.Builder
		var calls []tool.Call
		seenCalls := map[string]bool{}
		var usage *Usage
		finish := FinishReasonStop

		for genResp, err := range g.client.Models.GenerateContentStream(ctx, g.name, contents, genCfg) {
			if err != nil {
				yield(nil, fmt.Errorf("gemini: stream failed: %w", err))
				return
			}
			if genResp.UsageMetadata != nil {
				usage = fromGeminiUsage(genResp.UsageMetadata)
			}
			if len(genResp.Candidates) == 0 {
				continue
			}
			candidate := genResp.Candidates[0]
			if candidate.FinishReason == genai.FinishReasonMaxTokens {
				finish = FinishReasonLength
			}
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" && !part.Thought {
					text.WriteString(part.Text)
					if !yield(&Response{Text: part.Text, Partial: true}, nil) {
						return
					}
				}
				if part.FunctionCall != nil {
					call := fromGeminiCall(part.FunctionCall)
					// The SDK can replay a call across chunks.
					if seenCalls[call.ID] {
						continue
					}
					seenCalls[call.ID] = true
					calls = append(calls, call)
				}
			}
		}

		if len(calls) > 0 {
			finish = FinishReasonToolCalls
		}
		yield(&Response{
			Text:         text.String(),
			ToolCalls:    calls,
			Usage:        usage,
			FinishReason: finish,
		}, nil)
	}
}

func (g *Gemini) buildConfig(req *Request, system *genai.Content) *genai.GenerateContentConfig {
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr(float32(g.temperature)),
		MaxOutputTokens:   int32(g.maxTokens),
	}
	if cfg := req.Config; cfg != nil {
		if cfg.Temperature != nil {
			genCfg.Temperature = genai.Ptr(float32(*cfg.Temperature))
		}
		if cfg.MaxTokens > 0 {
			genCfg.MaxOutputTokens = int32(cfg.MaxTokens)
		}
		if len(cfg.StopSequences) > 0 {
			genCfg.StopSequences = cfg.StopSequences
		}
		if cfg.JSONMode {
			genCfg.ResponseMIMEType = "application/json"
		}
	}
	for _, def := range req.Tools {
		genCfg.Tools = append(genCfg.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  toGenaiSchema(def.Parameters),
			}},
		})
	}
	return genCfg
}

func toGeminiContents(req *Request) ([]*genai.Content, *genai.Content) {
	var system *genai.Content
	if req.SystemInstruction != "" {
		system = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
			Role:  "user",
		}
	}

	var contents []*genai.Content
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			continue
		}
		var parts []*genai.Part
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Args,
				},
			})
		}
		for _, result := range msg.ToolResults {
			response := map[string]any{"result": result.Content}
			if result.Error != "" {
				response = map[string]any{"error": result.Error}
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       result.ToolCallID,
					Response: response,
				},
			})
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Parts: parts, Role: role})
	}
	return contents, system
}

// toGenaiSchema converts a JSON Schema map to the SDK's schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

func fromGeminiResponse(genResp *genai.GenerateContentResponse) (*Response, error) {
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	candidate := genResp.Candidates[0]

	resp := &Response{FinishReason: FinishReasonStop}
	if candidate.FinishReason == genai.FinishReasonMaxTokens {
		resp.FinishReason = FinishReasonLength
	}
	if genResp.UsageMetadata != nil {
		resp.Usage = fromGeminiUsage(genResp.UsageMetadata)
	}
	if candidate.Content == nil {
		return resp, nil
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, fromGeminiCall(part.FunctionCall))
		}
	}
	resp.Text = text.String()
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = FinishReasonToolCalls
	}
	return resp, nil
}

func fromGeminiCall(call *genai.FunctionCall) tool.Call {
	id := call.ID
	if id == "" {
		// Stable synthetic ID so replayed chunks dedupe.
		payload, _ := json.Marshal(map[string]any{"name": call.Name, "args": call.Args})
		sum := sha256.Sum256(payload)
		id = fmt.Sprintf("call-%x", sum[:8])
	}
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	return tool.Call{ID: id, Name: call.Name, Args: args}
}

func fromGeminiUsage(meta *genai.GenerateContentResponseUsageMetadata) *Usage {
	return &Usage{
		PromptTokens:     int(meta.PromptTokenCount),
		CompletionTokens: int(meta.CandidatesTokenCount),
		TotalTokens:      int(meta.TotalTokenCount),
	}
}

var _ LLM = (*Gemini)(nil)
