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

// Package orchestrator composes the pipeline: cache lookup, routing,
// worker execution with bounded validation and critic retries,
// escalation to the cloud tier, optional adversarial verification, and
// human approval gates. All session state mutations go through here;
// one orchestrator owns one session at a time.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/strata/pkg/agent"
	"github.com/kadirpekel/strata/pkg/cache"
	"github.com/kadirpekel/strata/pkg/checkpoint"
	"github.com/kadirpekel/strata/pkg/critic"
	"github.com/kadirpekel/strata/pkg/debate"
	"github.com/kadirpekel/strata/pkg/eventbus"
	"github.com/kadirpekel/strata/pkg/hitl"
	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/observability"
	"github.com/kadirpekel/strata/pkg/ratelimit"
	"github.com/kadirpekel/strata/pkg/router"
	"github.com/kadirpekel/strata/pkg/session"
	"github.com/kadirpekel/strata/pkg/validator"
)

// Handler identities recorded in response metadata.
const (
	HandlerCache  = "semantic-cache"
	HandlerWorker = "local-worker"
	HandlerHITL   = "hitl"
)

// Escalation reasons recorded in response metadata.
const (
	ReasonWorkerEscalation = "worker-escalation"
	ReasonValidationFail   = "validation-fail"
	ReasonCriticReject     = "critic-reject"
)

// Options wires an orchestrator. Router, Worker, and Cloud are
// required; everything else degrades gracefully when nil.
type Options struct {
	Router    *router.Router
	Worker    *agent.Worker
	Cloud     model.LLM
	Validator *validator.Validator
	Critic    *critic.Critic
	Debate    *debate.Loop
	Cache     *cache.Cache
	Store     checkpoint.Store
	Bus       *eventbus.Bus
	Limiter   *ratelimit.Limiter
	HITL      *hitl.Manager
	Approval  hitl.ApprovalChannel
	Observer  *observability.Observer

	MaxValidationRetries     int
	MaxCriticRounds          int
	ContextWindow            int
	DebateAutoTriggerOnCloud bool
	CheckpointEnabled        bool
	RateAcquireTimeout       time.Duration

	// OnDelta receives cloud streaming chunks for live display.
	OnDelta func(string)
}

// Orchestrator is the per-session pipeline state machine.
type Orchestrator struct {
	router    *router.Router
	worker    *agent.Worker
	validator *validator.Validator
	critic    *critic.Critic
	debate    *debate.Loop
	cache     *cache.Cache
	store     checkpoint.Store
	bus       *eventbus.Bus
	limiter   *ratelimit.Limiter
	hitl      *hitl.Manager
	approval  hitl.ApprovalChannel
	obs       *observability.Observer

	maxValidationRetries int
	maxCriticRounds      int
	contextWindow        int
	debateAuto           bool
	checkpointEnabled    bool
	acquireTimeout       time.Duration
	onDelta              func(string)

	// mu serializes turns: per-session state mutation is single-writer.
	mu    sync.Mutex
	cloud model.LLM
}

// New builds an orchestrator from options, applying defaults for the
// retry budgets and context window.
func New(opts Options) *Orchestrator {
	if opts.MaxValidationRetries <= 0 {
		opts.MaxValidationRetries = 2
	}
	if opts.MaxCriticRounds <= 0 {
		opts.MaxCriticRounds = 2
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 20
	}
	return &Orchestrator{
		router:               opts.Router,
		worker:               opts.Worker,
		cloud:                opts.Cloud,
		validator:            opts.Validator,
		critic:               opts.Critic,
		debate:               opts.Debate,
		cache:                opts.Cache,
		store:                opts.Store,
		bus:                  opts.Bus,
		limiter:              opts.Limiter,
		hitl:                 opts.HITL,
		approval:             opts.Approval,
		obs:                  opts.Observer,
		maxValidationRetries: opts.MaxValidationRetries,
		maxCriticRounds:      opts.MaxCriticRounds,
		contextWindow:        opts.ContextWindow,
		debateAuto:           opts.DebateAutoTriggerOnCloud,
		checkpointEnabled:    opts.CheckpointEnabled,
		acquireTimeout:       opts.RateAcquireTimeout,
		onDelta:              opts.OnDelta,
	}
}

// Result is the outcome of one pipeline turn.
type Result struct {
	Response string
	Handler  string

	CacheHit         bool
	Escalated        bool
	EscalationReason string
	ValidationPassed *bool
	CriticPassed     *bool
	Retries          int
	HelperUsed       bool
	Debate           *debate.Result
}

// SetCloudModel swaps the escalation tier endpoint.
func (o *Orchestrator) SetCloudModel(llm model.LLM) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cloud = llm
}

// CloudModel reports the current escalation tier model name.
func (o *Orchestrator) CloudModel() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cloud == nil {
		return ""
	}
	return o.cloud.Name()
}

// ProcessRequest runs one user turn through the pipeline and records
// the exchange in the session state. The only errors returned are
// checkpoint failures and cancellation; model-level failures come back
// as degraded responses.
func (o *Orchestrator) ProcessRequest(ctx context.Context, state *session.State, userInput string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	started := time.Now()
	state.AddMessage(session.RoleUser, userInput, nil)
	state.IncrementTurn()
	o.emit(eventbus.TypeUserMessage, map[string]any{
		"session_id": state.SessionID,
		"turn":       state.TurnNumber,
		"content":    userInput,
	})

	// Cache short-circuit.
	if cached, sim, ok := o.lookupCache(ctx, userInput); ok {
		state.AddMessage(session.RoleAssistant, cached, map[string]any{
			"handler":   HandlerCache,
			"cache_hit": true,
		})
		slog.Info("cache hit, skipping pipeline", "similarity", sim)
		if err := o.finishTurn(ctx, state, "cache hit"); err != nil {
			return nil, err
		}
		o.observeTurn(started, "cache")
		return &Result{Response: cached, Handler: HandlerCache, CacheHit: true}, nil
	}

	if err := o.checkCancel(ctx, state); err != nil {
		return nil, err
	}

	// Routing, sticky first.
	destination, reason, sticky := o.route(ctx, state, userInput)
	state.IncrementStep()
	state.AddMessage(session.RoleSystem,
		fmt.Sprintf("[ROUTING] %s: %s", destination, reason),
		map[string]any{"type": "routing", "sticky": sticky})

	history := o.historyContext(state)

	var (
		res *Result
		err error
	)
	if destination == session.TierCloud {
		res, err = o.runCloud(ctx, state, userInput, history, reason)
	} else {
		res, err = o.runLocal(ctx, state, userInput, history)
	}
	if err != nil {
		return nil, err
	}

	if res.Handler != HandlerHITL && !strings.HasPrefix(res.Response, "[ERROR]") {
		o.storeCache(ctx, userInput, res.Response)
	}
	// A session suspended for an out-of-band decision keeps its
	// TRANSACTION checkpoint as the resume point.
	if state.Status != session.StatusSuspended {
		if err := o.finishTurn(ctx, state, fmt.Sprintf("turn %d", state.TurnNumber)); err != nil {
			return nil, err
		}
	}
	o.observeTurn(started, strings.ToLower(string(destination)))
	o.emit(eventbus.TypeAgentResponse, map[string]any{
		"session_id": state.SessionID,
		"handler":    res.Handler,
		"escalated":  res.Escalated,
	})
	return res, nil
}

// route applies sticky routing, falling back to the two-stage router.
func (o *Orchestrator) route(ctx context.Context, state *session.State, input string) (session.Tier, string, bool) {
	if state.CurrentAgent != nil {
		dest := *state.CurrentAgent
		slog.Info("sticky route, router skipped", "destination", dest)
		return dest, "Sticky routing (same agent as previous turn)", true
	}

	var (
		dest   = session.TierLocal
		reason = "No router configured"
	)
	if o.router != nil {
		decision := o.router.Route(ctx, input)
		if decision.Destination == router.RouteCloud {
			dest = session.TierCloud
		}
		reason = decision.Reason
	}
	state.SetAgent(dest)

	if o.obs != nil {
		o.obs.Metrics.RouteDecisions.WithLabelValues(string(dest)).Inc()
	}
	o.emit(eventbus.TypeDecision, map[string]any{
		"session_id":  state.SessionID,
		"destination": string(dest),
		"reason":      reason,
	})
	slog.Info("routing decision", "destination", dest, "reason", reason)
	return dest, reason, false
}

func (o *Orchestrator) lookupCache(ctx context.Context, query string) (string, float64, bool) {
	if o.cache == nil || !o.cache.Cacheable(query) {
		return "", 0, false
	}
	resp, sim, ok := o.cache.Get(ctx, query)
	if o.obs != nil {
		if ok {
			o.obs.Metrics.CacheHits.Inc()
		} else {
			o.obs.Metrics.CacheMisses.Inc()
		}
	}
	return resp, sim, ok
}

func (o *Orchestrator) storeCache(ctx context.Context, query, response string) {
	if o.cache != nil {
		o.cache.Put(ctx, query, response)
	}
}

// historyContext converts the bounded session history for the model.
func (o *Orchestrator) historyContext(state *session.State) []model.Message {
	recent := state.RecentMessages(o.contextWindow)
	msgs := make([]model.Message, 0, len(recent))
	for _, m := range recent {
		msgs = append(msgs, model.Message{
			Role:    model.Role(m.Role),
			Content: m.Content,
		})
	}
	return msgs
}

// finishTurn compacts history and writes the milestone checkpoint.
func (o *Orchestrator) finishTurn(ctx context.Context, state *session.State, label string) error {
	state.Compact(o.contextWindow)
	state.IncrementStep()
	return o.saveCheckpoint(ctx, state, checkpoint.KindMilestone, label)
}

// saveCheckpoint persists a snapshot. Checkpoint failures are fatal to
// the turn; everything else in the pipeline degrades, durability does
// not.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, state *session.State, kind checkpoint.Kind, label string) error {
	if !o.checkpointEnabled || o.store == nil {
		return nil
	}
	if _, err := o.store.Save(ctx, state, kind, label); err != nil {
		return fmt.Errorf("checkpoint %s failed: %w", kind, err)
	}
	return nil
}

// checkCancel is called between pipeline stages. A cancelled turn
// leaves a TRANSACTION checkpoint behind so the session can resume.
func (o *Orchestrator) checkCancel(ctx context.Context, state *session.State) error {
	if err := ctx.Err(); err == nil {
		return nil
	}
	state.IncrementStep()
	if err := o.saveCheckpoint(context.WithoutCancel(ctx), state, checkpoint.KindTransaction, "cancelled"); err != nil {
		slog.Warn("failed to checkpoint cancelled turn", "error", err)
	}
	return ctx.Err()
}

func (o *Orchestrator) emit(t eventbus.Type, payload map[string]any) {
	if o.bus != nil {
		o.bus.Emit(t, "orchestrator", payload)
	}
}

func (o *Orchestrator) observeTurn(started time.Time, route string) {
	if o.obs != nil {
		o.obs.Metrics.TurnDuration.WithLabelValues(route).
			Observe(time.Since(started).Seconds())
	}
}

func boolPtr(b bool) *bool { return &b }
