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
	"fmt"
	"strings"
)

// Compact folds history beyond the window into the internal summary,
// keeping the newest windowSize messages verbatim. Folded messages are
// appended to the summary as one-line digests so handoff context stays
// bounded.
func (s *State) Compact(windowSize int) {
	if windowSize <= 0 || len(s.History) <= windowSize {
		return
	}

	overflow := s.History[:len(s.History)-windowSize]
	var b strings.Builder
	if s.Summary != "" {
		b.WriteString(s.Summary)
		b.WriteString("\n")
	}
	for _, m := range overflow {
		content := m.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		b.WriteString(fmt.Sprintf("[%s] %s\n", m.Role, content))
	}
	s.Summary = strings.TrimRight(b.String(), "\n")
	s.History = append([]Message(nil), s.History[len(s.History)-windowSize:]...)
}
