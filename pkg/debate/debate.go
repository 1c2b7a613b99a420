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

// Package debate runs adversarial verification over a proposal.
//
// The loop follows a thesis-antithesis-synthesis shape: a devil's
// advocate persona attacks the proposal, a moderator persona scores
// the attack's validity, and the worker persona revises. A low
// validity score means the attack did not land, so the proposal
// stands. The moderator can escalate to a human instead of judging.
package debate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/persona"
)

const (
	// DefaultMaxRounds bounds the loop before approval is forced.
	DefaultMaxRounds = 3
	// DefaultApprovalThreshold is the validity score below which the
	// attack is dismissed and the proposal approved.
	DefaultApprovalThreshold = 7.0
)

const (
	personaDevil     = "devil"
	personaModerator = "moderator"
	personaWorker    = "worker"
)

// Round records one attack/judgment/revision cycle.
type Round struct {
	Number         int
	Critique       string
	CritiqueParsed map[string]any
	Judgment       string
	JudgmentParsed map[string]any
	Revision       string
	ValidityScore  float64
}

// Result is the outcome of a debate.
type Result struct {
	FinalProposal string
	Approved      bool
	Escalated     bool
	TotalRounds   int
	Rounds        []Round
	Report        string
}

// Loop is the debate controller.
type Loop struct {
	personas  *persona.Manager
	llm       model.LLM
	maxRounds int
	threshold float64
}

// New builds a debate loop. Zero maxRounds and threshold take the
// defaults.
func New(personas *persona.Manager, llm model.LLM, maxRounds int, threshold float64) *Loop {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if threshold <= 0 {
		threshold = DefaultApprovalThreshold
	}
	return &Loop{
		personas:  personas,
		llm:       llm,
		maxRounds: maxRounds,
		threshold: threshold,
	}
}

// Run debates a proposal until approval, escalation, or the round
// budget runs out. The persona active at entry is restored on every
// exit path.
func (l *Loop) Run(ctx context.Context, task, proposal string) *Result {
	originalPersona := l.personas.CurrentID()
	defer l.restorePersona(originalPersona)

	slog.Info("debate started", "max_rounds", l.maxRounds, "threshold", l.threshold)

	var rounds []Round
	current := proposal

	for number := 1; number <= l.maxRounds; number++ {
		round := Round{Number: number, ValidityScore: 10.0}

		round.Critique = l.attack(ctx, task, current)
		round.CritiqueParsed = parseJSONSafe(round.Critique)

		round.Judgment = l.judge(ctx, task, current, round.Critique)
		round.JudgmentParsed = parseJSONSafe(round.Judgment)
		round.ValidityScore = scoreOf(round.JudgmentParsed)

		verdict := verdictOf(round.JudgmentParsed)
		slog.Info("debate round judged",
			"round", number, "score", round.ValidityScore, "verdict", verdict)

		if verdict == "ESCALATE" {
			rounds = append(rounds, round)
			slog.Warn("moderator requested escalation")
			return &Result{
				FinalProposal: current,
				Escalated:     true,
				TotalRounds:   number,
				Rounds:        rounds,
				Report:        buildReport(rounds),
			}
		}

		if round.ValidityScore < l.threshold || verdict == "APPROVE" {
			rounds = append(rounds, round)
			slog.Info("debate resolved", "round", number, "score", round.ValidityScore)
			return &Result{
				FinalProposal: current,
				Approved:      true,
				TotalRounds:   number,
				Rounds:        rounds,
				Report:        buildReport(rounds),
			}
		}

		if number < l.maxRounds {
			round.Revision = l.revise(ctx, task, current, round.Critique, round.Judgment)
			current = round.Revision
		}
		rounds = append(rounds, round)
	}

	slog.Warn("debate round budget exhausted, forcing approval", "rounds", l.maxRounds)
	return &Result{
		FinalProposal: current,
		Approved:      true,
		TotalRounds:   l.maxRounds,
		Rounds:        rounds,
		Report:        buildReport(rounds),
	}
}

func (l *Loop) restorePersona(id string) {
	if l.personas.CurrentID() == id {
		return
	}
	if _, err := l.personas.Switch(id, "Debate loop completed, restoring original"); err != nil {
		slog.Warn("failed to restore persona after debate", "persona", id, "error", err)
	}
}

func (l *Loop) generateAs(ctx context.Context, personaID, prompt string, maxTokens int) (string, error) {
	if _, err := l.personas.Switch(personaID, "Debate: "+personaID+" phase"); err != nil {
		return "", err
	}
	system := l.personas.SystemPrompt(nil) + "\n\n" + l.personas.TransitionMessage("", "")
	temp := l.personas.Current().Temperature()

	resp, err := model.Complete(ctx, l.llm, &model.Request{
		SystemInstruction: system,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: prompt},
		},
		Config: &model.GenerateConfig{
			Temperature: &temp,
			MaxTokens:   maxTokens,
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (l *Loop) attack(ctx context.Context, task, proposal string) string {
	prompt := fmt.Sprintf(
		"## Original request\n%s\n\n## Worker proposal\n%s\n\n"+
			"Analyze the proposal above and produce a list of attack vectors.",
		task, proposal)

	out, err := l.generateAs(ctx, personaDevil, prompt, 2048)
	if err != nil {
		slog.Error("attack generation failed", "error", err)
		fallback, _ := json.Marshal(map[string]any{
			"attack_vectors":     []any{},
			"overall_assessment": fmt.Sprintf("Attack generation failed: %v", err),
			"recommendation":     "CONDITIONAL_PASS",
		})
		return string(fallback)
	}
	return out
}

func (l *Loop) judge(ctx context.Context, task, proposal, critique string) string {
	prompt := fmt.Sprintf(
		"## Original request\n%s\n\n## Worker proposal\n%s\n\n"+
			"## Critic attack\n%s\n\n"+
			"Evaluate the validity of the attack above and render a verdict.",
		task, proposal, critique)

	out, err := l.generateAs(ctx, personaModerator, prompt, 1024)
	if err != nil {
		slog.Error("judgment failed", "error", err)
		fallback, _ := json.Marshal(map[string]any{
			"validity_score": 0,
			"verdict":        "APPROVE",
			"reasoning":      fmt.Sprintf("Judgment failed: %v", err),
		})
		return string(fallback)
	}
	return out
}

func (l *Loop) revise(ctx context.Context, task, proposal, critique, judgment string) string {
	prompt := fmt.Sprintf(
		"## Original request\n%s\n\n## Your previous proposal\n%s\n\n"+
			"## Critic attack\n%s\n\n## Moderator judgment\n%s\n\n"+
			"Revise the proposal to address the critique. "+
			"Output only the complete revised result, without commentary.",
		task, proposal, critique, judgment)

	out, err := l.generateAs(ctx, personaWorker, prompt, 4096)
	if err != nil || out == "" {
		slog.Error("revision failed, keeping previous proposal", "error", err)
		return proposal
	}
	return out
}

var jsonFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// parseJSONSafe parses a model response as JSON, unwrapping one fenced
// block if present. Unparseable text is wrapped under raw_text.
func parseJSONSafe(text string) map[string]any {
	candidate := text
	if m := jsonFencePattern.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
		return parsed
	}
	return map[string]any{"raw_text": text}
}

func scoreOf(judgment map[string]any) float64 {
	switch v := judgment["validity_score"].(type) {
	case float64:
		return v
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			return f
		}
	}
	return 10.0
}

func verdictOf(judgment map[string]any) string {
	if v, ok := judgment["verdict"].(string); ok {
		return strings.ToUpper(v)
	}
	return "REVISE"
}

func buildReport(rounds []Round) string {
	var b strings.Builder
	b.WriteString("# Adversarial Verification Report\n")
	fmt.Fprintf(&b, "Total rounds: %d\n\n", len(rounds))

	for _, r := range rounds {
		fmt.Fprintf(&b, "## Round %d\n", r.Number)
		fmt.Fprintf(&b, "Validity score: %g/10\n", r.ValidityScore)
		fmt.Fprintf(&b, "Verdict: %s\n", verdictOf(r.JudgmentParsed))

		if attacks, ok := r.CritiqueParsed["attack_vectors"].([]any); ok && len(attacks) > 0 {
			fmt.Fprintf(&b, "Attack vectors: %d\n", len(attacks))
			for i, a := range attacks {
				if i >= 3 {
					break
				}
				if m, ok := a.(map[string]any); ok {
					fmt.Fprintf(&b, "  - [%v] %v\n", valueOr(m, "severity", "?"), valueOr(m, "finding", "N/A"))
				}
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func valueOr(m map[string]any, key string, fallback any) any {
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}
