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

package critic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strata/pkg/model/modeltest"
)

func TestCritiquePass(t *testing.T) {
	fake := modeltest.New("helper").EnqueueText(
		`{"verdict": "PASS", "reason": "meets the request", "suggestions": []}`)
	c := New(fake, true)

	v := c.Critique(context.Background(), "add two numbers", "func add(a, b int) int { return a + b }")
	assert.True(t, v.Passed)
	assert.Equal(t, "meets the request", v.Reason)
	assert.Empty(t, v.Suggestions)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Config.JSONMode)
	assert.Contains(t, reqs[0].Messages[0].Content, "## Original request")
	assert.Contains(t, reqs[0].Messages[0].Content, "add two numbers")
}

func TestCritiqueReject(t *testing.T) {
	fake := modeltest.New("helper").EnqueueText(
		`{"verdict": "REJECT", "reason": "misses the edge case", "suggestions": ["handle empty input"]}`)
	c := New(fake, true)

	v := c.Critique(context.Background(), "task", "response")
	assert.False(t, v.Passed)
	assert.Equal(t, []string{"handle empty input"}, v.Suggestions)
}

func TestCritiqueRetriesThenFailOpen(t *testing.T) {
	fake := modeltest.New("helper").
		EnqueueError(errors.New("connection refused")).
		EnqueueError(errors.New("connection refused"))
	c := New(fake, true)

	v := c.Critique(context.Background(), "task", "response")
	assert.True(t, v.Passed)
	assert.Contains(t, v.Reason, "Critic unavailable")
	assert.Equal(t, 2, fake.Calls())
}

func TestCritiqueFailClosed(t *testing.T) {
	fake := modeltest.New("helper").
		EnqueueError(errors.New("down")).
		EnqueueError(errors.New("down"))
	c := New(fake, false)

	v := c.Critique(context.Background(), "task", "response")
	assert.False(t, v.Passed)
	assert.NotEmpty(t, v.Suggestions)
}

func TestCritiqueRecoversAfterOneFailure(t *testing.T) {
	fake := modeltest.New("helper").
		EnqueueError(errors.New("blip")).
		EnqueueText(`{"verdict": "PASS", "reason": "fine"}`)
	c := New(fake, false)

	v := c.Critique(context.Background(), "task", "response")
	assert.True(t, v.Passed)
	assert.Equal(t, 2, fake.Calls())
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		passed bool
	}{
		{"json pass", `{"verdict": "pass", "reason": "ok"}`, true},
		{"json reject", `{"verdict": "REJECT", "reason": "bad"}`, false},
		{"marker pass", "Looks good. [PASS]", true},
		{"marker reject", "No. [REJECT]", false},
		{"both markers reject wins", "[PASS] but also [REJECT]", false},
		{"no verdict rejects", "I am not sure about this one.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := parseVerdict(tt.raw)
			assert.Equal(t, tt.passed, v.Passed)
		})
	}
}

func TestParseVerdictJSONPassDropsSuggestions(t *testing.T) {
	v := parseVerdict(`{"verdict": "PASS", "reason": "ok", "suggestions": ["noise"]}`)
	assert.True(t, v.Passed)
	assert.Empty(t, v.Suggestions)
}

func TestParseVerdictTextRejectCarriesSuggestion(t *testing.T) {
	v := parseVerdict("The loop is off by one. [REJECT]")
	require.Len(t, v.Suggestions, 1)
	assert.Contains(t, v.Suggestions[0], "off by one")
}
