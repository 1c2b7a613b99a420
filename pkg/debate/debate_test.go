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

package debate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strata/pkg/model/modeltest"
	"github.com/kadirpekel/strata/pkg/persona"
)

func newPersonas(t *testing.T) *persona.Manager {
	t.Helper()
	dir := t.TempDir()
	for _, id := range []string{"worker", "devil", "moderator"} {
		content := fmt.Sprintf(
			"persona_id: %s\ndisplay_name: %s\nsystem_prompt: \"You are the %s.\"\n",
			id, id, id)
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(content), 0644))
	}
	m, err := persona.NewManager(dir, "worker")
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRunApprovesWhenAttackDismissed(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueText(`{"attack_vectors": [{"severity": "HIGH", "finding": "no input validation"}]}`).
		EnqueueText(`{"validity_score": 2.5, "verdict": "REVISE", "reasoning": "attack is weak"}`)
	personas := newPersonas(t)
	l := New(personas, fake, 3, 7.0)

	result := l.Run(context.Background(), "build a parser", "here is my parser")
	assert.True(t, result.Approved)
	assert.False(t, result.Escalated)
	assert.Equal(t, 1, result.TotalRounds)
	assert.Equal(t, "here is my parser", result.FinalProposal)
	assert.InDelta(t, 2.5, result.Rounds[0].ValidityScore, 1e-9)
}

func TestRunApprovesOnExplicitVerdict(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueText(`{"attack_vectors": []}`).
		EnqueueText(`{"validity_score": 9.0, "verdict": "APPROVE"}`)
	l := New(newPersonas(t), fake, 3, 7.0)

	result := l.Run(context.Background(), "task", "proposal")
	assert.True(t, result.Approved)
	assert.Equal(t, 1, result.TotalRounds)
}

func TestRunEscalates(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueText(`{"attack_vectors": [{"severity": "CRITICAL", "finding": "irreversible action"}]}`).
		EnqueueText(`{"validity_score": 9.5, "verdict": "ESCALATE"}`)
	l := New(newPersonas(t), fake, 3, 7.0)

	result := l.Run(context.Background(), "task", "proposal")
	assert.False(t, result.Approved)
	assert.True(t, result.Escalated)
	assert.Equal(t, 1, result.TotalRounds)
	assert.Equal(t, "proposal", result.FinalProposal)
}

func TestRunRevisesThenForcesApproval(t *testing.T) {
	fake := modeltest.New("worker").
		// Round 1: attack, judge, revise.
		EnqueueText(`{"attack_vectors": []}`).
		EnqueueText(`{"validity_score": 9.0, "verdict": "REVISE"}`).
		EnqueueText("revised proposal").
		// Round 2: attack, judge. No revision on the last round.
		EnqueueText(`{"attack_vectors": []}`).
		EnqueueText(`{"validity_score": 9.0, "verdict": "REVISE"}`)
	l := New(newPersonas(t), fake, 2, 7.0)

	result := l.Run(context.Background(), "task", "proposal")
	assert.True(t, result.Approved)
	assert.Equal(t, 2, result.TotalRounds)
	assert.Equal(t, "revised proposal", result.FinalProposal)
	assert.Equal(t, 5, fake.Calls())
	assert.Equal(t, "revised proposal", result.Rounds[0].Revision)
	assert.Empty(t, result.Rounds[1].Revision)
}

func TestRunJudgeFailureApproves(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueText(`{"attack_vectors": []}`).
		EnqueueError(errors.New("moderator down"))
	l := New(newPersonas(t), fake, 3, 7.0)

	result := l.Run(context.Background(), "task", "proposal")
	assert.True(t, result.Approved)
	assert.InDelta(t, 0.0, result.Rounds[0].ValidityScore, 1e-9)
}

func TestRunAttackFailureStillJudges(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueError(errors.New("devil down")).
		EnqueueText(`{"validity_score": 1.0, "verdict": "REVISE"}`)
	l := New(newPersonas(t), fake, 3, 7.0)

	result := l.Run(context.Background(), "task", "proposal")
	assert.True(t, result.Approved)
	assert.Equal(t, "CONDITIONAL_PASS", result.Rounds[0].CritiqueParsed["recommendation"])
}

func TestRunRestoresPersona(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueText(`{"attack_vectors": []}`).
		EnqueueText(`{"validity_score": 1.0, "verdict": "REVISE"}`)
	personas := newPersonas(t)
	l := New(personas, fake, 3, 7.0)

	l.Run(context.Background(), "task", "proposal")
	assert.Equal(t, "worker", personas.CurrentID())
}

func TestParseJSONSafe(t *testing.T) {
	parsed := parseJSONSafe("```json\n{\"verdict\": \"APPROVE\"}\n```")
	assert.Equal(t, "APPROVE", parsed["verdict"])

	parsed = parseJSONSafe(`{"verdict": "REVISE"}`)
	assert.Equal(t, "REVISE", parsed["verdict"])

	parsed = parseJSONSafe("not json at all")
	assert.Equal(t, "not json at all", parsed["raw_text"])
}

func TestScoreOf(t *testing.T) {
	assert.InDelta(t, 4.5, scoreOf(map[string]any{"validity_score": 4.5}), 1e-9)
	assert.InDelta(t, 8.0, scoreOf(map[string]any{"validity_score": "8.0"}), 1e-9)
	assert.InDelta(t, 10.0, scoreOf(map[string]any{}), 1e-9)
	assert.InDelta(t, 10.0, scoreOf(map[string]any{"validity_score": []any{}}), 1e-9)
}

func TestBuildReport(t *testing.T) {
	rounds := []Round{
		{
			Number:        1,
			ValidityScore: 8.5,
			CritiqueParsed: map[string]any{
				"attack_vectors": []any{
					map[string]any{"severity": "HIGH", "finding": "race condition"},
				},
			},
			JudgmentParsed: map[string]any{"verdict": "REVISE"},
		},
	}
	report := buildReport(rounds)
	assert.Contains(t, report, "# Adversarial Verification Report")
	assert.Contains(t, report, "Total rounds: 1")
	assert.Contains(t, report, "Validity score: 8.5/10")
	assert.Contains(t, report, "[HIGH] race condition")
}
