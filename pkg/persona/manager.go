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

package persona

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager loads, caches, and swaps personas.
type Manager struct {
	dir string

	mu          sync.RWMutex
	cache       map[string]*Persona
	currentID   string
	current     *Persona
	transitions []Transition

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager builds a manager rooted at dir and activates defaultID.
// A missing default is tolerated; the fallback prompt applies until a
// successful switch. Filesystem changes under dir invalidate the cache.
func NewManager(dir, defaultID string) (*Manager, error) {
	if defaultID == "" {
		defaultID = "worker"
	}
	m := &Manager{
		dir:       dir,
		cache:     make(map[string]*Persona),
		currentID: defaultID,
		done:      make(chan struct{}),
	}

	p, err := m.load(defaultID)
	if err != nil {
		slog.Warn("default persona not found, using fallback prompt",
			"persona", defaultID, "error", err)
	} else {
		m.current = p
	}

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			slog.Debug("persona directory not watchable", "dir", dir, "error", err)
		} else {
			m.watcher = watcher
			go m.watch()
		}
	}

	return m, nil
}

func (m *Manager) watch() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(event.Name), ".yaml")
			m.invalidate(id)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("persona watcher error", "error", err)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) invalidate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, id)
	if id != m.currentID {
		return
	}
	// Reload the active persona in place so the next prompt reflects
	// the edit. A broken edit keeps the previous version.
	if p, err := loadFile(personaPath(m.dir, id), id); err == nil {
		m.current = p
		slog.Info("active persona reloaded", "persona", id)
	} else {
		slog.Warn("active persona edit not loadable, keeping previous",
			"persona", id, "error", err)
	}
}

func (m *Manager) load(id string) (*Persona, error) {
	m.mu.RLock()
	if p, ok := m.cache[id]; ok {
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	p, err := loadFile(personaPath(m.dir, id), id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[id] = p
	m.mu.Unlock()
	slog.Debug("persona loaded", "persona", id, "display_name", p.DisplayName)
	return p, nil
}

// CurrentID returns the active persona id.
func (m *Manager) CurrentID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentID
}

// Current returns the active persona, nil when the default never
// loaded.
func (m *Manager) Current() *Persona {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Switch activates another persona and records the transition.
func (m *Manager) Switch(id, reason string) (*Persona, error) {
	p, err := m.load(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	old := m.currentID
	m.transitions = append(m.transitions, Transition{
		From:   old,
		To:     id,
		Reason: reason,
		At:     time.Now().UTC(),
	})
	m.currentID = id
	m.current = p
	m.mu.Unlock()

	slog.Info("persona switch",
		"from", old, "to", id, "display_name", p.DisplayName, "reason", reason)
	return p, nil
}

// SystemPrompt renders the active persona's prompt with the given
// template variables. Rendering failures return the raw prompt.
func (m *Manager) SystemPrompt(vars map[string]any) string {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	if current == nil {
		return FallbackPrompt
	}
	if len(vars) == 0 {
		return current.SystemPrompt
	}
	return renderPrompt(current.SystemPrompt, vars)
}

func renderPrompt(prompt string, vars map[string]any) string {
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(prompt)
	if err != nil {
		slog.Warn("prompt template parse failed", "error", err)
		return prompt
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		slog.Warn("prompt template render failed", "error", err)
		return prompt
	}
	return buf.String()
}

// TransitionMessage builds the meta message injected after a persona
// switch so the model re-anchors on its new role. Empty ids fall back
// to the latest recorded transition.
func (m *Manager) TransitionMessage(oldID, newID string) string {
	m.mu.RLock()
	if oldID == "" && len(m.transitions) > 0 {
		oldID = m.transitions[len(m.transitions)-1].From
	}
	if newID == "" {
		newID = m.currentID
	}
	m.mu.RUnlock()

	if oldID == "" {
		oldID = "Unknown"
	}
	newName := newID
	if p, err := m.load(newID); err == nil {
		newName = p.DisplayName
	}

	return fmt.Sprintf(
		"[SYSTEM NOTICE] Your role has changed from '%s' to '%s'. "+
			"Re-analyze the conversation so far from this new perspective. "+
			"Do not defer to earlier judgments or conclusions; evaluate "+
			"independently with the expertise and standards of your current role.",
		oldID, newName)
}

// Transitions returns the switch history, oldest first.
func (m *Manager) Transitions() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// List returns the persona ids available on disk.
func (m *Manager) List() []string {
	return listDir(m.dir)
}

// Close stops the filesystem watcher.
func (m *Manager) Close() error {
	close(m.done)
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
