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
	"fmt"
	"sort"
	"sync"

	"github.com/kadirpekel/strata/pkg/config"
)

// Tier names the pipeline's model slots.
const (
	TierRouter = "router"
	TierWorker = "worker"
	TierHelper = "helper"
	TierCloud  = "cloud"
	TierCritic = "critic"
)

// New builds an LLM for one endpoint configuration. An empty api_key
// falls back to the provider's conventional environment variable.
func New(cfg config.ModelConfig) (LLM, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = config.ProviderAPIKey(cfg.Provider)
	}
	switch Provider(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderGemini:
		return NewGemini(cfg)
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}

// Registry maps tier names to live model clients. Safe for concurrent
// use; tiers can be re-pointed at runtime.
type Registry struct {
	mu    sync.RWMutex
	tiers map[string]LLM
}

// NewRegistry instantiates clients for every configured tier.
// Unconfigured tiers fall back: critic to helper, helper to worker.
// The worker tier is mandatory.
func NewRegistry(cfg *config.ModelsConfig) (*Registry, error) {
	r := &Registry{tiers: make(map[string]LLM)}

	named := []struct {
		tier string
		mc   config.ModelConfig
	}{
		{TierRouter, cfg.Router},
		{TierWorker, cfg.Worker},
		{TierHelper, cfg.Helper},
		{TierCloud, cfg.Cloud},
		{TierCritic, cfg.Critic},
	}
	for _, entry := range named {
		if entry.mc.Name == "" {
			continue
		}
		llm, err := New(entry.mc)
		if err != nil {
			return nil, fmt.Errorf("models.%s: %w", entry.tier, err)
		}
		r.tiers[entry.tier] = llm
	}

	if r.tiers[TierWorker] == nil {
		return nil, fmt.Errorf("models.worker: a worker model is required")
	}
	if r.tiers[TierRouter] == nil {
		r.tiers[TierRouter] = r.tiers[TierWorker]
	}
	if r.tiers[TierHelper] == nil {
		r.tiers[TierHelper] = r.tiers[TierWorker]
	}
	if r.tiers[TierCritic] == nil {
		r.tiers[TierCritic] = r.tiers[TierHelper]
	}
	return r, nil
}

// Get returns the model serving a tier.
func (r *Registry) Get(tier string) (LLM, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	llm, ok := r.tiers[tier]
	if !ok || llm == nil {
		return nil, fmt.Errorf("no model configured for tier %q", tier)
	}
	return llm, nil
}

// Set re-points a tier at a different model.
func (r *Registry) Set(tier string, llm LLM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[tier] = llm
}

// Tiers lists the configured tier names sorted.
func (r *Registry) Tiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tiers))
	for tier := range r.tiers {
		out = append(out, tier)
	}
	sort.Strings(out)
	return out
}

// Close closes every distinct client once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[LLM]bool{}
	var firstErr error
	for _, llm := range r.tiers {
		if llm == nil || seen[llm] {
			continue
		}
		seen[llm] = true
		if err := llm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
