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

// Package runtime assembles the full pipeline from a configuration
// document: models, sandbox, tools, event bus, semantic cache, durable
// checkpoints, rate limiting, personas, HITL, observability, and the
// orchestrator on top. The CLI owns a Runtime; tests can own one too.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/strata/pkg/agent"
	"github.com/kadirpekel/strata/pkg/cache"
	"github.com/kadirpekel/strata/pkg/checkpoint"
	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/critic"
	"github.com/kadirpekel/strata/pkg/debate"
	"github.com/kadirpekel/strata/pkg/embedder"
	"github.com/kadirpekel/strata/pkg/eventbus"
	"github.com/kadirpekel/strata/pkg/hitl"
	"github.com/kadirpekel/strata/pkg/logger"
	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/observability"
	"github.com/kadirpekel/strata/pkg/orchestrator"
	"github.com/kadirpekel/strata/pkg/persona"
	"github.com/kadirpekel/strata/pkg/ratelimit"
	"github.com/kadirpekel/strata/pkg/router"
	"github.com/kadirpekel/strata/pkg/sandbox"
	"github.com/kadirpekel/strata/pkg/tool"
	"github.com/kadirpekel/strata/pkg/tool/filetool"
	"github.com/kadirpekel/strata/pkg/tool/mcptoolset"
	"github.com/kadirpekel/strata/pkg/tool/shelltool"
	"github.com/kadirpekel/strata/pkg/validator"
)

// mcpConnectTimeout bounds the stdio handshake per MCP server at
// startup so one stuck server cannot hang boot.
const mcpConnectTimeout = 10 * time.Second

// Options tune runtime assembly beyond the configuration file.
type Options struct {
	// ConfigFile is the YAML document path. Empty uses built-in
	// defaults.
	ConfigFile string

	// WorkingDir overrides tools.working_directory as the sandbox
	// root.
	WorkingDir string

	// Approval attaches an in-process reviewer to the HITL flow. Nil
	// leaves suspended sessions waiting for out-of-band decisions.
	Approval hitl.ApprovalChannel

	// OnDelta receives cloud streaming chunks for live display.
	OnDelta func(string)
}

// Runtime owns every long-lived component and tears them down in
// reverse assembly order.
type Runtime struct {
	config   *config.Config
	models   *model.Registry
	tools    *tool.Registry
	toolsets []*mcptoolset.Toolset
	bus      *eventbus.Bus
	sink     *eventbus.JSONLSink
	cache    *cache.Cache
	store    checkpoint.Store
	limiter  *ratelimit.Limiter
	hitl     *hitl.Manager
	personas *persona.Manager
	observer *observability.Observer
	runner   *sandbox.Runner
	debate   *debate.Loop
	orch     *orchestrator.Orchestrator

	metricsSrv *http.Server
	logClose   func()
}

// New assembles a runtime. On error, anything already started is torn
// back down.
func New(opts Options) (*Runtime, error) {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	r := &Runtime{config: cfg}
	if err := r.initLogging(); err != nil {
		return nil, err
	}
	if err := r.assemble(opts); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (r *Runtime) initLogging() error {
	level, err := logger.ParseLevel(r.config.Logging.Level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	output := os.Stderr
	if r.config.Logging.File != "" {
		f, closeFn, err := logger.OpenLogFile(r.config.Logging.File)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		output = f
		r.logClose = closeFn
	}
	logger.Init(level, output, r.config.Logging.Format)
	return nil
}

func (r *Runtime) assemble(opts Options) error {
	cfg := r.config

	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = cfg.Tools.WorkingDirectory
	}

	models, err := model.NewRegistry(&cfg.Models)
	if err != nil {
		return err
	}
	r.models = models

	policy, err := sandbox.NewPolicy(&cfg.Security, workingDir)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	r.runner = sandbox.NewRunner(policy)

	if err := r.initTools(policy, &cfg.Tools, cfg.MCPServers); err != nil {
		return err
	}

	r.bus = eventbus.NewBus(cfg.Events.RingBuffer)
	if cfg.Events.LogDir != "" {
		sink, err := eventbus.NewJSONLSink(r.bus, cfg.Events.LogDir)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		r.sink = sink
	}

	r.cache, err = cache.New(&cfg.Cache, r.newEmbedder())
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	store, err := checkpoint.NewSQLStore(&cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	r.store = store

	r.limiter = ratelimit.NewFromConfig(&cfg.RateLimit)
	r.hitl = hitl.NewManager(r.store, r.bus,
		time.Duration(cfg.System.HITLTimeoutSeconds)*time.Second)

	r.personas, err = persona.NewManager(cfg.PersonasDir, cfg.System.DefaultPersona)
	if err != nil {
		return fmt.Errorf("personas: %w", err)
	}

	r.observer = observability.New(prometheus.NewRegistry(),
		cfg.Observability.CostAlertThresholdUSD)

	r.orch = r.buildOrchestrator(opts)

	if cfg.Observability.MetricsAddr != "" {
		r.serveMetrics(cfg.Observability.MetricsAddr)
	}
	return nil
}

// initTools registers the built-in file and shell tools, then every
// configured MCP server. A server that fails to connect is skipped
// with a warning; the rest of the pipeline stays usable.
func (r *Runtime) initTools(policy *sandbox.Policy, cfg *config.ToolsConfig, servers []config.MCPServerConfig) error {
	r.tools = tool.NewRegistry()

	fileTools, err := filetool.New(policy, cfg).Tools()
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	for _, t := range fileTools {
		if err := r.tools.Register(t); err != nil {
			return fmt.Errorf("tools: %w", err)
		}
	}

	shell, err := shelltool.New(r.runner)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	if err := r.tools.Register(shell); err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	// Servers connect concurrently; a failing one is skipped with a
	// warning so the rest of the pipeline stays usable.
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, sc := range servers {
		g.Go(func() error {
			ts, err := mcptoolset.New(sc)
			if err != nil {
				slog.Warn("mcp server misconfigured, skipping", "server", sc.Name, "error", err)
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), mcpConnectTimeout)
			tools, err := ts.Tools(ctx)
			cancel()
			if err != nil {
				slog.Warn("mcp server unreachable, skipping", "server", sc.Name, "error", err)
				ts.Close()
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, t := range tools {
				if err := r.tools.Register(t); err != nil {
					slog.Warn("mcp tool rejected", "server", sc.Name, "tool", t.Name(), "error", err)
				}
			}
			r.toolsets = append(r.toolsets, ts)
			slog.Info("mcp server connected", "server", sc.Name, "tools", len(tools))
			return nil
		})
	}
	return g.Wait()
}

// newEmbedder builds the cache embedding client. No endpoint means no
// embedder, which disables the cache.
func (r *Runtime) newEmbedder() embedder.Embedder {
	ec := r.config.Cache
	if ec.EmbeddingBaseURL == "" {
		return nil
	}
	return embedder.NewOpenAI(ec.EmbeddingBaseURL, ec.EmbeddingAPIKey, ec.EmbeddingModel)
}

func (r *Runtime) buildOrchestrator(opts Options) *orchestrator.Orchestrator {
	cfg := r.config

	// Worker is mandatory in the registry; the rest fall back or stay
	// nil.
	workerLLM, _ := r.models.Get(model.TierWorker)
	routerLLM, _ := r.models.Get(model.TierRouter)
	helperLLM, _ := r.models.Get(model.TierHelper)
	criticLLM, _ := r.models.Get(model.TierCritic)
	cloudLLM, err := r.models.Get(model.TierCloud)
	if err != nil {
		slog.Warn("no cloud tier configured, escalation disabled")
	}

	worker := agent.NewWorker(workerLLM, r.tools, agent.NewHelper(helperLLM), cfg.System.MaxToolSteps)

	var crit *critic.Critic
	if criticLLM != nil {
		crit = critic.New(criticLLM, *cfg.System.CriticFailOpen)
	}
	if cloudLLM != nil {
		r.debate = debate.New(r.personas, cloudLLM,
			cfg.System.DebateMaxRounds, cfg.System.DebateApprovalThreshold)
	}

	return orchestrator.New(orchestrator.Options{
		Router:    router.New(routerLLM),
		Worker:    worker,
		Cloud:     cloudLLM,
		Validator: validator.New(r.runner, cfg.Security.SandboxProbe),
		Critic:    crit,
		Debate:    r.debate,
		Cache:     r.cache,
		Store:     r.store,
		Bus:       r.bus,
		Limiter:   r.limiter,
		HITL:      r.hitl,
		Approval:  opts.Approval,
		Observer:  r.observer,

		MaxValidationRetries:     cfg.System.MaxValidationRetries,
		MaxCriticRounds:          cfg.System.MaxCriticRounds,
		ContextWindow:            cfg.System.ContextWindowSize,
		DebateAutoTriggerOnCloud: cfg.System.DebateAutoTriggerOnCloud,
		CheckpointEnabled:        *cfg.System.CheckpointEnabled,
		RateAcquireTimeout:       time.Duration(cfg.RateLimit.AcquireTimeoutSeconds) * time.Second,
		OnDelta:                  opts.OnDelta,
	})
}

func (r *Runtime) serveMetrics(addr string) {
	r.metricsSrv = &http.Server{Addr: addr, Handler: r.observer.Metrics.Handler()}
	go func() {
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("metrics endpoint listening", "addr", addr)
}

// Config returns the loaded configuration.
func (r *Runtime) Config() *config.Config { return r.config }

// Orchestrator returns the per-session pipeline.
func (r *Runtime) Orchestrator() *orchestrator.Orchestrator { return r.orch }

// Models returns the tiered model registry.
func (r *Runtime) Models() *model.Registry { return r.models }

// Tools returns the tool registry.
func (r *Runtime) Tools() *tool.Registry { return r.tools }

// Store returns the durable checkpoint store.
func (r *Runtime) Store() checkpoint.Store { return r.store }

// Bus returns the event bus.
func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

// Cache returns the semantic cache.
func (r *Runtime) Cache() *cache.Cache { return r.cache }

// Personas returns the persona manager.
func (r *Runtime) Personas() *persona.Manager { return r.personas }

// HITL returns the approval manager.
func (r *Runtime) HITL() *hitl.Manager { return r.hitl }

// Debate returns the adversarial verification loop, nil without a
// cloud tier.
func (r *Runtime) Debate() *debate.Loop { return r.debate }

// Observer returns metrics and cost tracking.
func (r *Runtime) Observer() *observability.Observer { return r.observer }

// Limiter returns the outbound call throttle.
func (r *Runtime) Limiter() *ratelimit.Limiter { return r.limiter }

// Close tears components down in reverse assembly order, collecting
// every failure.
func (r *Runtime) Close() error {
	var errs []error
	fail := func(label string, err error) {
		if err != nil {
			slog.Warn("cleanup error", "component", label, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}

	if r.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		fail("metrics", r.metricsSrv.Shutdown(ctx))
		cancel()
	}
	for _, ts := range r.toolsets {
		fail("mcp "+ts.Name(), ts.Close())
	}
	if r.personas != nil {
		fail("personas", r.personas.Close())
	}
	if r.cache != nil {
		fail("cache", r.cache.Close())
	}
	if r.sink != nil {
		fail("events", r.sink.Close())
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.store != nil {
		fail("checkpoint", r.store.Close())
	}
	if r.models != nil {
		fail("models", r.models.Close())
	}
	if r.logClose != nil {
		r.logClose()
	}
	return errors.Join(errs...)
}
