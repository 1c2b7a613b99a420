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

package agent_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strata/pkg/agent"
	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/model/modeltest"
	"github.com/kadirpekel/strata/pkg/tool"
	"github.com/kadirpekel/strata/pkg/tool/functiontool"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo"`
}

func newRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	echo, err := functiontool.New("echo", "Echoes text back",
		func(_ context.Context, a echoArgs) (string, error) {
			return "echo: " + a.Text, nil
		})
	require.NoError(t, err)
	require.NoError(t, r.Register(echo))

	gated, err := functiontool.New("deploy", "Deploys the service",
		func(_ context.Context, a echoArgs) (string, error) {
			return "deployed " + a.Text, nil
		}, functiontool.WithApproval())
	require.NoError(t, err)
	require.NoError(t, r.Register(gated))
	return r
}

func TestExecuteText(t *testing.T) {
	fake := modeltest.New("worker").EnqueueText("here is the code")
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)

	out := w.Execute(context.Background(), "write code", nil, "")
	assert.Equal(t, agent.OutcomeText, out.Kind)
	assert.Equal(t, "here is the code", out.Text)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.NotEmpty(t, reqs[0].Tools)
	assert.Contains(t, reqs[0].SystemInstruction, "Self-Reflection")
}

func TestExecuteEscalates(t *testing.T) {
	fake := modeltest.New("worker").EnqueueText("This is beyond me. [ESCALATE]")
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)

	out := w.Execute(context.Background(), "prove P=NP", nil, "")
	assert.Equal(t, agent.OutcomeEscalate, out.Kind)
	assert.Contains(t, out.Text, agent.EscalationMarker)
}

func TestExecuteToolRound(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueToolCalls(tool.Call{ID: "c1", Name: "echo", Args: map[string]any{"text": "hi"}}).
		EnqueueText("done")
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)

	out := w.Execute(context.Background(), "use the echo tool", nil, "")
	assert.Equal(t, agent.OutcomeText, out.Kind)
	assert.Equal(t, "done", out.Text)

	// The second request carries the tool result back to the model.
	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, model.RoleTool, last.Role)
	require.Len(t, last.ToolResults, 1)
	assert.Equal(t, "echo: hi", last.ToolResults[0].Content)
}

func TestExecuteToolBatchHook(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueToolCalls(tool.Call{ID: "c1", Name: "echo", Args: map[string]any{"text": "hi"}}).
		EnqueueText("done")
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)

	var batches [][]tool.Call
	w.OnToolBatch = func(_ context.Context, calls []tool.Call) error {
		batches = append(batches, calls)
		return nil
	}

	out := w.Execute(context.Background(), "use the echo tool", nil, "")
	assert.Equal(t, agent.OutcomeText, out.Kind)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "echo", batches[0][0].Name)
}

func TestExecuteToolBatchHookAborts(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueToolCalls(tool.Call{ID: "c1", Name: "echo", Args: map[string]any{"text": "hi"}})
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)

	boom := errors.New("store unavailable")
	w.OnToolBatch = func(_ context.Context, _ []tool.Call) error { return boom }

	out := w.Execute(context.Background(), "use the echo tool", nil, "")
	assert.Equal(t, agent.OutcomeFailure, out.Kind)
	assert.ErrorIs(t, out.Err, boom)
	// The batch never ran.
	assert.Equal(t, 1, fake.Calls())
}

func TestExecuteUnknownToolFeedsError(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueToolCalls(tool.Call{ID: "c1", Name: "ghost", Args: map[string]any{}}).
		EnqueueText("recovered")
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)

	out := w.Execute(context.Background(), "task", nil, "")
	assert.Equal(t, agent.OutcomeText, out.Kind)

	reqs := fake.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Contains(t, last.ToolResults[0].Error, "Tool not found")
}

func TestExecuteToolLoopLimit(t *testing.T) {
	fake := modeltest.New("worker")
	for i := 0; i < agent.DefaultMaxToolSteps; i++ {
		fake.EnqueueToolCalls(tool.Call{
			ID: fmt.Sprintf("c%d", i), Name: "echo", Args: map[string]any{"text": "again"},
		})
	}
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)

	out := w.Execute(context.Background(), "task", nil, "")
	assert.Equal(t, agent.OutcomeFailure, out.Kind)
	assert.ErrorContains(t, out.Err, "tool loop limit reached")
	assert.Equal(t, agent.DefaultMaxToolSteps, fake.Calls())
}

func TestExecuteModelFailure(t *testing.T) {
	fake := modeltest.New("worker").EnqueueError(errors.New("connection refused"))
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)

	out := w.Execute(context.Background(), "task", nil, "")
	assert.Equal(t, agent.OutcomeFailure, out.Kind)
	assert.Error(t, out.Err)
}

func TestExecuteApprovalSuspendAndApprove(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueToolCalls(tool.Call{ID: "c1", Name: "deploy", Args: map[string]any{"text": "v2"}}).
		EnqueueText("shipped")
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)
	ctx := context.Background()

	out := w.Execute(ctx, "deploy v2", nil, "")
	require.Equal(t, agent.OutcomeNeedsApproval, out.Kind)
	require.NotNil(t, out.Approval)
	assert.Equal(t, "deploy", out.Approval.Call.Name)

	resumed := w.Resume(ctx, out.Approval, true)
	assert.Equal(t, agent.OutcomeText, resumed.Kind)
	assert.Equal(t, "shipped", resumed.Text)

	// The resumed request carries the executed tool result.
	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Equal(t, "deployed v2", last.ToolResults[0].Content)
}

func TestResumeDenied(t *testing.T) {
	fake := modeltest.New("worker").
		EnqueueToolCalls(tool.Call{ID: "c1", Name: "deploy", Args: map[string]any{"text": "v2"}}).
		EnqueueText("ok, skipping the deploy")
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)
	ctx := context.Background()

	out := w.Execute(ctx, "deploy v2", nil, "")
	require.Equal(t, agent.OutcomeNeedsApproval, out.Kind)

	resumed := w.Resume(ctx, out.Approval, false)
	assert.Equal(t, agent.OutcomeText, resumed.Kind)

	reqs := fake.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Contains(t, last.ToolResults[0].Error, "denied by the user")
}

func TestExecuteFeedbackAppended(t *testing.T) {
	fake := modeltest.New("worker").EnqueueText("fixed")
	w := agent.NewWorker(fake, newRegistry(t), nil, 0)

	w.Execute(context.Background(), "task", nil, "[CODE ERROR] fix line 3")
	reqs := fake.Requests()
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, "[CODE ERROR] fix line 3", last.Content)
}

func TestExecuteHelperDelegation(t *testing.T) {
	helperFake := modeltest.New("helper").EnqueueText("// fully commented code")
	workerFake := modeltest.New("worker").EnqueueText("final answer")
	w := agent.NewWorker(workerFake, newRegistry(t), agent.NewHelper(helperFake), 0)

	out := w.Execute(context.Background(), "add comments to this file", nil, "")
	assert.True(t, out.HelperUsed)
	assert.False(t, out.HelperFallback)

	reqs := workerFake.Requests()
	content := reqs[0].Messages[0].Content
	assert.Contains(t, content, "--- Helper result ---")
	assert.Contains(t, content, "// fully commented code")
}

func TestExecuteHelperFallback(t *testing.T) {
	helperFake := modeltest.New("helper").
		EnqueueError(errors.New("down")).
		EnqueueError(errors.New("down")).
		EnqueueError(errors.New("down"))
	workerFake := modeltest.New("worker").EnqueueText("did it myself")
	w := agent.NewWorker(workerFake, newRegistry(t), agent.NewHelper(helperFake), 0)

	out := w.Execute(context.Background(), "format this code", nil, "")
	assert.False(t, out.HelperUsed)
	assert.True(t, out.HelperFallback)
	assert.Equal(t, 3, helperFake.Calls())

	content := workerFake.Requests()[0].Messages[0].Content
	assert.Contains(t, content, "The helper failed")
}

func TestExecuteHelperSkippedForComplexTask(t *testing.T) {
	helperFake := modeltest.New("helper")
	workerFake := modeltest.New("worker").EnqueueText("answer")
	w := agent.NewWorker(workerFake, newRegistry(t), agent.NewHelper(helperFake), 0)

	w.Execute(context.Background(), "implement a raft consensus library", nil, "")
	assert.Equal(t, 0, helperFake.Calls())
}
