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

package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strata/pkg/model/modeltest"
)

func TestFastRoute(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    Route
	}{
		{"greeting", "hello there", RouteLocal},
		{"korean greeting", "안녕하세요", RouteLocal},
		{"slash command", "/stats", RouteLocal},
		{"arithmetic", "2 + 2", RouteLocal},
		{"code task", "write a function that parses CSV", RouteLocal},
		{"debugging", "fix this bug in the parser", RouteLocal},
		{"architecture", "design the architecture for a payment system", RouteCloud},
		{"security audit", "run a security audit on this service", RouteCloud},
		{"korean design", "시스템 설계를 해줘", RouteCloud},
		{"math proof", "give a mathematical proof of this theorem", RouteCloud},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := fastRoute(tt.message)
			require.NotNil(t, d)
			assert.Equal(t, tt.want, d.Destination)
		})
	}
}

func TestFastRouteLocalWinsOverCloud(t *testing.T) {
	// Mentions both code and architecture; the LOCAL table is checked
	// first.
	d := fastRoute("refactor the code for the architecture design doc")
	require.NotNil(t, d)
	assert.Equal(t, RouteLocal, d.Destination)
}

func TestFastRouteAmbiguous(t *testing.T) {
	assert.Nil(t, fastRoute("summarize yesterday's standup notes"))
}

func TestRouteUsesClassifier(t *testing.T) {
	fake := modeltest.New("router").EnqueueText(
		`{"thinking": "multi-step planning", "route": "CLOUD", "reason": "strategic planning"}`)
	r := New(fake)

	d := r.Route(context.Background(), "plan our migration strategy for next year")
	assert.Equal(t, RouteCloud, d.Destination)
	assert.Equal(t, "strategic planning", d.Reason)
	assert.Equal(t, "multi-step planning", d.Thinking)
	assert.Equal(t, int64(1), r.LLMCalls())

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Config.JSONMode)
	assert.Equal(t, 512, reqs[0].Config.MaxTokens)
	assert.InDelta(t, 0.3, *reqs[0].Config.Temperature, 1e-9)
}

func TestRouteFastPathSkipsClassifier(t *testing.T) {
	fake := modeltest.New("router")
	r := New(fake)

	d := r.Route(context.Background(), "hello")
	assert.Equal(t, RouteLocal, d.Destination)
	assert.Equal(t, 0, fake.Calls())
	assert.Equal(t, int64(0), r.LLMCalls())
}

func TestRouteClassifierErrorFallsBackLocal(t *testing.T) {
	fake := modeltest.New("router").EnqueueError(errors.New("connection refused"))
	r := New(fake)

	d := r.Route(context.Background(), "summarize yesterday's standup notes")
	assert.Equal(t, RouteLocal, d.Destination)
	assert.Contains(t, d.Reason, "Router fallback due to error")
}

func TestRouteNoClassifier(t *testing.T) {
	r := New(nil)
	d := r.Route(context.Background(), "summarize yesterday's standup notes")
	assert.Equal(t, RouteLocal, d.Destination)
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		want       Route
		wantReason string
	}{
		{
			"json",
			`{"thinking": "t", "route": "cloud", "reason": "hard"}`,
			RouteCloud, "hard",
		},
		{
			"json invalid route",
			`{"route": "MARS", "reason": "lost"}`,
			RouteLocal, "lost",
		},
		{
			"regex fallback",
			"<think>weighing it</think>\nROUTE: CLOUD\nREASON: deep expertise needed",
			RouteCloud, "deep expertise needed",
		},
		{
			"garbage",
			"I think this one is tricky.",
			RouteLocal, "No reason provided",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := parseDecision(tt.raw)
			assert.Equal(t, tt.want, d.Destination)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

func TestParseDecisionThinking(t *testing.T) {
	d := parseDecision("<think>internal monologue</think>\nROUTE: LOCAL")
	assert.Equal(t, "internal monologue", d.Thinking)
}
