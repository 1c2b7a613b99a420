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

package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends every published event to a per-session JSONL file
// under dir. The session id is read from the event payload; events
// without one go to "global.jsonl".
type JSONLSink struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
	subs  []string
}

// NewJSONLSink creates the sink directory and subscribes to every event
// type on the bus.
func NewJSONLSink(bus *Bus, dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log dir: %w", err)
	}
	s := &JSONLSink{dir: dir, files: make(map[string]*os.File)}

	for _, t := range []Type{
		TypeUserMessage, TypeAgentResponse, TypeThinking, TypeDecision,
		TypeToolCall, TypeToolResult, TypeApprovalRequest, TypeApprovalResponse,
		TypeSystemNotification, TypeError, TypeMetric, TypeSessionStart, TypeSessionEnd,
	} {
		s.subs = append(s.subs, bus.Subscribe(t, s.write))
	}
	return s, nil
}

func (s *JSONLSink) write(ev Event) {
	name := "global"
	if sid, ok := ev.Payload["session_id"].(string); ok && sid != "" {
		name = sid
	}

	line, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to encode event for log", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[name]
	if !ok {
		f, err = os.OpenFile(filepath.Join(s.dir, name+".jsonl"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slog.Warn("failed to open event log", "session", name, "error", err)
			return
		}
		s.files[name] = f
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("failed to append event log", "session", name, "error", err)
	}
}

// Close flushes and closes all open log files.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, name)
	}
	return firstErr
}
