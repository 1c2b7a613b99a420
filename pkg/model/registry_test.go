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

package model_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/model/modeltest"
)

func workerOnly() *config.ModelsConfig {
	return &config.ModelsConfig{
		Worker: config.ModelConfig{
			Provider: "openai",
			Name:     "qwen3-32b",
			BaseURL:  "http://localhost:8000/v1",
		},
	}
}

func TestRegistryFallbacks(t *testing.T) {
	r, err := model.NewRegistry(workerOnly())
	require.NoError(t, err)
	defer r.Close()

	worker, err := r.Get(model.TierWorker)
	require.NoError(t, err)

	// Unconfigured tiers resolve to the worker chain.
	for _, tier := range []string{model.TierRouter, model.TierHelper, model.TierCritic} {
		llm, err := r.Get(tier)
		require.NoError(t, err)
		assert.Same(t, worker, llm, "tier %s", tier)
	}

	_, err = r.Get(model.TierCloud)
	assert.Error(t, err)
}

func TestNewFallsBackToEnvAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := model.New(config.ModelConfig{Provider: "anthropic", Name: "claude"})
	assert.ErrorContains(t, err, "api key is required")

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	llm, err := model.New(config.ModelConfig{Provider: "anthropic", Name: "claude"})
	require.NoError(t, err)
	defer llm.Close()
	assert.Equal(t, "claude", llm.Name())
}

func TestRegistryRequiresWorker(t *testing.T) {
	_, err := model.NewRegistry(&config.ModelsConfig{})
	assert.ErrorContains(t, err, "worker model is required")
}

func TestRegistryRejectsBadProvider(t *testing.T) {
	_, err := model.NewRegistry(&config.ModelsConfig{
		Worker: config.ModelConfig{Provider: "mystery", Name: "m"},
	})
	assert.ErrorContains(t, err, "unsupported model provider")
}

func TestRegistrySet(t *testing.T) {
	r, err := model.NewRegistry(workerOnly())
	require.NoError(t, err)
	defer r.Close()

	fake := modeltest.New("gpt-4o")
	r.Set(model.TierCloud, fake)

	llm, err := r.Get(model.TierCloud)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", llm.Name())
	assert.Contains(t, r.Tiers(), model.TierCloud)
}

func TestCompleteAggregation(t *testing.T) {
	fake := modeltest.New("fake").EnqueueText("hello")

	resp, err := model.Complete(context.Background(), fake, &model.Request{})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.False(t, resp.Partial)
}

func TestStreamAggregation(t *testing.T) {
	fake := modeltest.New("fake").EnqueueText("streamed text")

	var deltas []string
	resp, err := model.Stream(context.Background(), fake, &model.Request{}, func(delta string) {
		deltas = append(deltas, delta)
	})
	require.NoError(t, err)
	assert.Equal(t, "streamed text", resp.Text)
	assert.Equal(t, []string{"streamed text"}, deltas)
}

func TestScriptExhausted(t *testing.T) {
	fake := modeltest.New("fake")
	_, err := model.Complete(context.Background(), fake, &model.Request{})
	assert.ErrorIs(t, err, modeltest.ErrScriptExhausted)
}
