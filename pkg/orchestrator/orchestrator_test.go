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

package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strata/pkg/agent"
	"github.com/kadirpekel/strata/pkg/cache"
	"github.com/kadirpekel/strata/pkg/checkpoint"
	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/critic"
	"github.com/kadirpekel/strata/pkg/debate"
	"github.com/kadirpekel/strata/pkg/embedder"
	"github.com/kadirpekel/strata/pkg/hitl"
	"github.com/kadirpekel/strata/pkg/model/modeltest"
	"github.com/kadirpekel/strata/pkg/orchestrator"
	"github.com/kadirpekel/strata/pkg/persona"
	"github.com/kadirpekel/strata/pkg/router"
	"github.com/kadirpekel/strata/pkg/session"
	"github.com/kadirpekel/strata/pkg/tool"
	"github.com/kadirpekel/strata/pkg/tool/functiontool"
	"github.com/kadirpekel/strata/pkg/validator"
)

const validCode = "Here you go:\n```go\npackage main\n\nfunc Reverse(s string) string { return s }\n```"

func newWorker(t *testing.T, fake *modeltest.Fake) *agent.Worker {
	t.Helper()
	return agent.NewWorker(fake, tool.NewRegistry(), nil, 0)
}

func newStore(t *testing.T) checkpoint.Store {
	t.Helper()
	store, err := checkpoint.NewSQLStore(&config.CheckpointConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "checkpoints.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type channelFunc func(ctx context.Context, p hitl.Pending) (*hitl.Decision, error)

func (f channelFunc) RequestApproval(ctx context.Context, p hitl.Pending) (*hitl.Decision, error) {
	return f(ctx, p)
}

func TestCacheShortCircuit(t *testing.T) {
	enabled := true
	c, err := cache.New(&config.CacheConfig{Enabled: &enabled, SimilarityThreshold: 0.95},
		embedder.Func(func(_ context.Context, _ string) ([]float32, error) {
			return []float32{1, 0, 0}, nil
		}))
	require.NoError(t, err)

	ctx := context.Background()
	c.Put(ctx, "영업 시간이 언제야?", "We open at 9am.")

	workerFake := modeltest.New("local-worker")
	o := orchestrator.New(orchestrator.Options{
		Router: router.New(nil),
		Worker: newWorker(t, workerFake),
		Cloud:  modeltest.New("cloud-pm"),
		Cache:  c,
	})
	state := session.New("default", "worker")

	res, err := o.ProcessRequest(ctx, state, "영업 시간이 언제야?")
	require.NoError(t, err)
	assert.Equal(t, "We open at 9am.", res.Response)
	assert.Equal(t, orchestrator.HandlerCache, res.Handler)
	assert.True(t, res.CacheHit)
	assert.Equal(t, 0, workerFake.Calls())

	last := state.History[len(state.History)-1]
	assert.Equal(t, session.RoleAssistant, last.Role)
	assert.Equal(t, true, last.Metadata["cache_hit"])
}

func TestStickyRoutingSkipsRouter(t *testing.T) {
	routerFake := modeltest.New("local-router").
		EnqueueText(`{"thinking": "simple", "route": "LOCAL", "reason": "routine request"}`)
	workerFake := modeltest.New("local-worker").
		EnqueueText("first answer").
		EnqueueText("second answer")

	r := router.New(routerFake)
	o := orchestrator.New(orchestrator.Options{
		Router:    r,
		Worker:    newWorker(t, workerFake),
		Cloud:     modeltest.New("cloud-pm"),
		Validator: validator.New(nil, false),
	})
	state := session.New("default", "worker")
	ctx := context.Background()

	// No fast pattern matches, so the first turn consults the classifier.
	res, err := o.ProcessRequest(ctx, state, "tell me about the weather patterns here")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.HandlerWorker, res.Handler)
	require.NotNil(t, state.CurrentAgent)
	assert.Equal(t, session.TierLocal, *state.CurrentAgent)
	assert.Equal(t, int64(1), r.LLMCalls())

	// Second turn rides the sticky decision.
	res, err = o.ProcessRequest(ctx, state, "tell me about the weather patterns here")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.HandlerWorker, res.Handler)
	assert.Equal(t, int64(1), r.LLMCalls())
}

func TestValidationDrivenRetry(t *testing.T) {
	workerFake := modeltest.New("local-worker").
		EnqueueText("```go\npackage main\n\nfunc broken( {\n```").
		EnqueueText(validCode)

	o := orchestrator.New(orchestrator.Options{
		Router:    router.New(nil),
		Worker:    newWorker(t, workerFake),
		Cloud:     modeltest.New("cloud-pm"),
		Validator: validator.New(nil, false),
	})
	state := session.New("default", "worker")

	res, err := o.ProcessRequest(context.Background(), state, "write a reverse function")
	require.NoError(t, err)
	assert.False(t, res.Escalated)
	require.NotNil(t, res.ValidationPassed)
	assert.True(t, *res.ValidationPassed)
	assert.Equal(t, 1, res.Retries)

	// The second generation carries the validator feedback.
	reqs := workerFake.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, last.Content, "[CODE ERROR]")
}

func TestEscalationAfterCriticRejection(t *testing.T) {
	workerFake := modeltest.New("local-worker").
		EnqueueText(validCode).
		EnqueueText(validCode)
	criticFake := modeltest.New("local-critic").
		EnqueueText(`{"verdict": "REJECT", "reason": "no tests", "suggestions": ["add tests"]}`).
		EnqueueText(`{"verdict": "REJECT", "reason": "still no tests", "suggestions": ["add tests"]}`)
	cloudFake := modeltest.New("cloud-pm-gemini").EnqueueText("cloud solution")

	o := orchestrator.New(orchestrator.Options{
		Router:    router.New(nil),
		Worker:    newWorker(t, workerFake),
		Cloud:     cloudFake,
		Validator: validator.New(nil, false),
		Critic:    critic.New(criticFake, true),
	})
	state := session.New("default", "worker")

	res, err := o.ProcessRequest(context.Background(), state, "write a reverse function")
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Equal(t, orchestrator.ReasonCriticReject, res.EscalationReason)
	assert.Equal(t, "cloud-pm-gemini", res.Handler)
	assert.Equal(t, "cloud solution", res.Response)
	assert.Nil(t, state.CurrentAgent)

	// The escalation prompt embeds the handoff digest, the condensed
	// session context, and the prior local output.
	reqs := cloudFake.Requests()
	require.Len(t, reqs, 1)
	prompt := reqs[0].Messages[len(reqs[0].Messages)-1].Content
	assert.Contains(t, prompt, "# HANDOFF")
	assert.Contains(t, prompt, "## Current Goal")
	assert.Contains(t, prompt, "Session context:")
	assert.Contains(t, prompt, `"turn_number":1`)
	assert.Contains(t, prompt, "Previous worker analysis:")
	assert.Contains(t, prompt, "Original request:")

	// Response metadata keeps the first 500 characters of the local try.
	last := state.History[len(state.History)-1]
	worker, _ := last.Metadata["worker_response"].(string)
	assert.NotEmpty(t, worker)
	assert.LessOrEqual(t, len(worker), 500)
}

func newPersonaDir(t *testing.T) *persona.Manager {
	t.Helper()
	dir := t.TempDir()
	for _, p := range []struct{ id, prompt string }{
		{"worker", "You are the proposer."},
		{"devil", "You attack proposals."},
		{"moderator", "You judge attacks."},
	} {
		doc := fmt.Sprintf("persona_id: %s\nsystem_prompt: %s\n", p.id, p.prompt)
		require.NoError(t, os.WriteFile(filepath.Join(dir, p.id+".yaml"), []byte(doc), 0o644))
	}
	m, err := persona.NewManager(dir, "worker")
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDebateEarlyApproval(t *testing.T) {
	debateFake := modeltest.New("cloud-pm").
		EnqueueText(`{"attack_vectors": [{"severity": "LOW", "finding": "minor nit"}], "overall_assessment": "solid", "recommendation": "PASS"}`).
		EnqueueText(`{"validity_score": 3, "verdict": "APPROVE", "reasoning": "attack does not hold"}`)
	cloudFake := modeltest.New("cloud-pm").EnqueueText("proposed architecture")

	o := orchestrator.New(orchestrator.Options{
		Router:                   router.New(nil),
		Worker:                   newWorker(t, modeltest.New("local-worker")),
		Cloud:                    cloudFake,
		Debate:                   debate.New(newPersonaDir(t), debateFake, 3, 7.0),
		DebateAutoTriggerOnCloud: true,
	})
	state := session.New("default", "worker")

	res, err := o.ProcessRequest(context.Background(), state, "design the overall system architecture")
	require.NoError(t, err)
	require.NotNil(t, res.Debate)
	assert.True(t, res.Debate.Approved)
	assert.False(t, res.Debate.Escalated)
	assert.Equal(t, 1, res.Debate.TotalRounds)
	// Attack and judgment only; the proposer is never asked to revise.
	assert.Equal(t, 2, debateFake.Calls())
}

func TestHITLSuspendAndApprove(t *testing.T) {
	registry := tool.NewRegistry()
	deploy, err := functiontool.New("deploy", "Deploys the service",
		func(_ context.Context, args struct {
			Target string `json:"target" jsonschema:"required,description=Deploy target"`
		}) (string, error) {
			return "deployed " + args.Target, nil
		}, functiontool.WithApproval())
	require.NoError(t, err)
	require.NoError(t, registry.Register(deploy))

	workerFake := modeltest.New("local-worker").
		EnqueueToolCalls(tool.Call{ID: "c1", Name: "deploy", Args: map[string]any{"target": "prod"}}).
		EnqueueText("deployment finished")

	store := newStore(t)
	manager := hitl.NewManager(store, nil, time.Second)

	var seen hitl.Pending
	approve := channelFunc(func(_ context.Context, p hitl.Pending) (*hitl.Decision, error) {
		seen = p
		return &hitl.Decision{Action: hitl.ActionApprove}, nil
	})

	o := orchestrator.New(orchestrator.Options{
		Router:            router.New(nil),
		Worker:            agent.NewWorker(workerFake, registry, nil, 0),
		Cloud:             modeltest.New("cloud-pm"),
		Validator:         validator.New(nil, false),
		Store:             store,
		HITL:              manager,
		Approval:          approve,
		CheckpointEnabled: true,
	})
	state := session.New("default", "worker")
	ctx := context.Background()

	res, err := o.ProcessRequest(ctx, state, "debug and deploy the fixed function")
	require.NoError(t, err)
	assert.Equal(t, "deployment finished", res.Response)
	assert.Equal(t, session.StatusRunning, state.Status)
	assert.Nil(t, state.HITLContext)

	// The channel saw the pending request.
	assert.Contains(t, seen.Reason, "deploy")

	// The suspension left a durable TRANSACTION checkpoint behind.
	cps, err := store.List(ctx, state.SessionID)
	require.NoError(t, err)
	var suspension *checkpoint.Checkpoint
	for _, cp := range cps {
		if cp.Kind == checkpoint.KindTransaction && cp.Label == "HITL: Tool call requires approval: deploy" {
			suspension = cp
		}
	}
	require.NotNil(t, suspension)
	suspended, err := suspension.Restore()
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuspended, suspended.Status)
	assert.Equal(t, "Tool call requires approval: deploy", suspended.HITLContext["reason"])
}

func TestHITLRejectFailsTurn(t *testing.T) {
	registry := tool.NewRegistry()
	deploy, err := functiontool.New("deploy", "Deploys the service",
		func(_ context.Context, args struct {
			Target string `json:"target" jsonschema:"required,description=Deploy target"`
		}) (string, error) {
			return "deployed " + args.Target, nil
		}, functiontool.WithApproval())
	require.NoError(t, err)
	require.NoError(t, registry.Register(deploy))

	workerFake := modeltest.New("local-worker").
		EnqueueToolCalls(tool.Call{ID: "c1", Name: "deploy", Args: map[string]any{"target": "prod"}})

	store := newStore(t)
	o := orchestrator.New(orchestrator.Options{
		Router: router.New(nil),
		Worker: agent.NewWorker(workerFake, registry, nil, 0),
		Cloud:  modeltest.New("cloud-pm"),
		Store:  store,
		HITL:   hitl.NewManager(store, nil, time.Second),
		Approval: channelFunc(func(_ context.Context, _ hitl.Pending) (*hitl.Decision, error) {
			return &hitl.Decision{Action: hitl.ActionReject}, nil
		}),
		CheckpointEnabled: true,
	})
	state := session.New("default", "worker")

	res, err := o.ProcessRequest(context.Background(), state, "debug and deploy the fixed function")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.HandlerHITL, res.Handler)
	assert.Contains(t, res.Response, "rejected")
	assert.Equal(t, session.StatusFailed, state.Status)
}

func TestMilestoneCheckpointOnRespond(t *testing.T) {
	store := newStore(t)
	o := orchestrator.New(orchestrator.Options{
		Router:            router.New(nil),
		Worker:            newWorker(t, modeltest.New("local-worker").EnqueueText("plain answer")),
		Cloud:             modeltest.New("cloud-pm"),
		Validator:         validator.New(nil, false),
		Store:             store,
		CheckpointEnabled: true,
	})
	state := session.New("default", "worker")
	ctx := context.Background()

	_, err := o.ProcessRequest(ctx, state, "tell me about the weather patterns here")
	require.NoError(t, err)

	cps, err := store.List(ctx, state.SessionID)
	require.NoError(t, err)
	var milestone bool
	for _, cp := range cps {
		if cp.Kind == checkpoint.KindMilestone && cp.Step == state.Step {
			milestone = true
		}
	}
	assert.True(t, milestone)
}

func TestToolBatchTransactionCheckpoint(t *testing.T) {
	registry := tool.NewRegistry()
	lookup, err := functiontool.New("lookup", "Looks up a record",
		func(_ context.Context, args struct {
			Key string `json:"key" jsonschema:"required,description=Record key"`
		}) (string, error) {
			return "value for " + args.Key, nil
		})
	require.NoError(t, err)
	require.NoError(t, registry.Register(lookup))

	workerFake := modeltest.New("local-worker").
		EnqueueToolCalls(tool.Call{ID: "c1", Name: "lookup", Args: map[string]any{"key": "orders"}}).
		EnqueueText("found it")

	store := newStore(t)
	o := orchestrator.New(orchestrator.Options{
		Router:            router.New(nil),
		Worker:            agent.NewWorker(workerFake, registry, nil, 0),
		Cloud:             modeltest.New("cloud-pm"),
		Validator:         validator.New(nil, false),
		Store:             store,
		CheckpointEnabled: true,
	})
	state := session.New("default", "worker")
	ctx := context.Background()

	res, err := o.ProcessRequest(ctx, state, "debug and deploy the fixed function")
	require.NoError(t, err)
	assert.Equal(t, "found it", res.Response)

	// The batch leaves a durable TRANSACTION checkpoint taken before
	// any call executed.
	cps, err := store.List(ctx, state.SessionID)
	require.NoError(t, err)
	var batch *checkpoint.Checkpoint
	for _, cp := range cps {
		if cp.Kind == checkpoint.KindTransaction && cp.Label == "tool batch (1 calls)" {
			batch = cp
		}
	}
	require.NotNil(t, batch)
	assert.Less(t, batch.Step, state.Step)

	restored, err := batch.Restore()
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, restored.Status)
}

func TestCriticUnreachableProceeds(t *testing.T) {
	criticFake := modeltest.New("local-critic").
		EnqueueError(fmt.Errorf("connection refused")).
		EnqueueError(fmt.Errorf("connection refused"))

	o := orchestrator.New(orchestrator.Options{
		Router:    router.New(nil),
		Worker:    newWorker(t, modeltest.New("local-worker").EnqueueText(validCode)),
		Cloud:     modeltest.New("cloud-pm"),
		Validator: validator.New(nil, false),
		Critic:    critic.New(criticFake, true),
	})
	state := session.New("default", "worker")

	res, err := o.ProcessRequest(context.Background(), state, "write a reverse function")
	require.NoError(t, err)
	assert.False(t, res.Escalated)
	require.NotNil(t, res.CriticPassed)
	assert.True(t, *res.CriticPassed)
}

func TestCloudFailureReturnsErrorResponse(t *testing.T) {
	cloudFake := modeltest.New("cloud-pm-gemini").EnqueueError(fmt.Errorf("upstream down"))
	o := orchestrator.New(orchestrator.Options{
		Router: router.New(nil),
		Worker: newWorker(t, modeltest.New("local-worker")),
		Cloud:  cloudFake,
	})
	state := session.New("default", "worker")

	res, err := o.ProcessRequest(context.Background(), state, "design the overall system architecture")
	require.NoError(t, err)
	assert.Contains(t, res.Response, "[ERROR] Cloud PM (cloud-pm-gemini) failed")
}
