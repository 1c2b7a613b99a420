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

package session

import (
	"strconv"
	"strings"
)

// Handoff is a human-readable digest of where a session stands, written
// when escalating or parking a session and parsed back when resuming.
type Handoff struct {
	Goal           string
	Progress       []string
	FailedAttempts []string
	NextSteps      []string
}

const (
	handoffTitle    = "# HANDOFF"
	sectionGoal     = "## Current Goal"
	sectionProgress = "## Progress"
	sectionFailed   = "## Failed Attempts"
	sectionNext     = "## Next Steps"
)

// Render produces the markdown document.
func (h *Handoff) Render() string {
	var b strings.Builder
	b.WriteString(handoffTitle + "\n\n")

	b.WriteString(sectionGoal + "\n")
	b.WriteString(h.Goal + "\n\n")

	writeList := func(header string, items []string) {
		b.WriteString(header + "\n")
		if len(items) == 0 {
			b.WriteString("- (none)\n")
		}
		for _, item := range items {
			b.WriteString("- " + item + "\n")
		}
		b.WriteString("\n")
	}
	writeList(sectionProgress, h.Progress)
	writeList(sectionFailed, h.FailedAttempts)
	writeList(sectionNext, h.NextSteps)

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// ParseHandoff reads a rendered handoff document back into its parts.
// Unknown sections are ignored; missing sections yield empty fields.
func ParseHandoff(text string) *Handoff {
	h := &Handoff{}
	var section string
	var goalLines []string

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch trimmed {
		case sectionGoal, sectionProgress, sectionFailed, sectionNext:
			section = trimmed
			continue
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "# ") {
			continue
		}

		item := strings.TrimPrefix(trimmed, "- ")
		if item == "(none)" {
			continue
		}
		switch section {
		case sectionGoal:
			goalLines = append(goalLines, trimmed)
		case sectionProgress:
			h.Progress = append(h.Progress, item)
		case sectionFailed:
			h.FailedAttempts = append(h.FailedAttempts, item)
		case sectionNext:
			h.NextSteps = append(h.NextSteps, item)
		}
	}
	h.Goal = strings.Join(goalLines, "\n")
	return h
}

// NewHandoff builds a handoff digest from the session state: the goal is
// the latest user message, progress comes from artifacts, failures from
// the retry counter.
func NewHandoff(s *State) *Handoff {
	h := &Handoff{}
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleUser {
			h.Goal = s.History[i].Content
			break
		}
	}
	for key := range s.Artifacts {
		h.Progress = append(h.Progress, "produced artifact: "+key)
	}
	if s.RetryCount > 0 {
		h.FailedAttempts = append(h.FailedAttempts,
			"generation retried "+strconv.Itoa(s.RetryCount)+" time(s) this turn")
	}
	return h
}
