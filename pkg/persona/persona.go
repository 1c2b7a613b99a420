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

// Package persona manages hot-swappable agent personas.
//
// Personas live as YAML documents in a directory; the manager caches
// them, swaps the active system prompt at runtime, and records every
// transition. Edits on disk invalidate the cache so the next load
// picks up the change.
package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a persona document does not exist.
var ErrNotFound = errors.New("persona not found")

// FallbackPrompt is used when no persona is active.
const FallbackPrompt = "You are a helpful AI assistant."

const (
	defaultTemperature = 0.7
	defaultTopP        = 0.9
	defaultMaxTokens   = 4096
)

// Parameters are the sampling parameters a persona carries.
type Parameters struct {
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// Persona is one loaded persona document.
type Persona struct {
	ID           string     `yaml:"persona_id"`
	DisplayName  string     `yaml:"display_name"`
	SystemPrompt string     `yaml:"system_prompt"`
	Parameters   Parameters `yaml:"parameters"`
	AllowedTools []string   `yaml:"allowed_tools"`
	VoiceTone    string     `yaml:"voice_tone"`
}

// Temperature returns the persona's sampling temperature.
func (p *Persona) Temperature() float64 {
	if p == nil || p.Parameters.Temperature == nil {
		return defaultTemperature
	}
	return *p.Parameters.Temperature
}

// TopP returns the persona's nucleus sampling cutoff.
func (p *Persona) TopP() float64 {
	if p == nil || p.Parameters.TopP == nil {
		return defaultTopP
	}
	return *p.Parameters.TopP
}

// MaxTokens returns the persona's completion budget.
func (p *Persona) MaxTokens() int {
	if p == nil || p.Parameters.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return p.Parameters.MaxTokens
}

// Transition records one persona switch.
type Transition struct {
	From   string
	To     string
	Reason string
	At     time.Time
}

func loadFile(path, id string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read persona %s: %w", id, err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse persona %s: %w", id, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
	return &p, nil
}

func listDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".yaml"))
	}
	return ids
}

func personaPath(dir, id string) string {
	return filepath.Join(dir, id+".yaml")
}
