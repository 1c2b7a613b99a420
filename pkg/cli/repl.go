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

// Package cli implements the interactive operator surface: the chat
// REPL with slash commands and streaming-aware output.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/kadirpekel/strata/pkg/checkpoint"
	"github.com/kadirpekel/strata/pkg/hitl"
	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/runtime"
	"github.com/kadirpekel/strata/pkg/session"
)

// modelShortcuts map operator-friendly names to cloud tier endpoints.
var modelShortcuts = map[string]string{
	"gemini": "cloud-pm-gemini",
	"claude": "cloud-pm-claude",
	"gpt4":   "cloud-pm-gpt4",
}

// REPL is the interactive chat loop.
type REPL struct {
	rt      *runtime.Runtime
	in      *bufio.Scanner
	out     io.Writer
	printer *StreamPrinter
	state   *session.State
}

// NewREPL builds a REPL over the given streams. The printer must be
// the one wired into the runtime's streaming callback, or nil when
// streaming is off.
func NewREPL(rt *runtime.Runtime, in io.Reader, out io.Writer, printer *StreamPrinter) *REPL {
	return &REPL{
		rt:      rt,
		in:      bufio.NewScanner(in),
		out:     out,
		printer: printer,
		state:   session.New("default", rt.Personas().CurrentID()),
	}
}

// State returns the active session state.
func (r *REPL) State() *session.State { return r.state }

// Run drives the loop until /exit, EOF, or context cancellation.
func (r *REPL) Run(ctx context.Context) error {
	r.banner()
	for {
		if ctx.Err() != nil {
			fmt.Fprintln(r.out, "\n👋 Goodbye.")
			return nil
		}
		fmt.Fprintf(r.out, "\n[%s | %s] 🧑 You > ", r.state.Metadata.Name, r.cloudShort())
		if !r.in.Scan() {
			fmt.Fprintln(r.out, "\n👋 Goodbye.")
			return r.in.Err()
		}
		input := strings.TrimSpace(r.in.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if done := r.command(ctx, input); done {
				return nil
			}
			continue
		}
		r.ask(ctx, input)
	}
}

func (r *REPL) ask(ctx context.Context, input string) {
	fmt.Fprint(r.out, "\n🤖 Assistant > ")
	res, err := r.rt.Orchestrator().ProcessRequest(ctx, r.state, input)
	if err != nil {
		fmt.Fprintf(r.out, "❌ Error: %v\n", err)
		return
	}
	if r.printer != nil && r.printer.TakeSeen() {
		fmt.Fprintln(r.out)
		return
	}
	fmt.Fprintln(r.out, res.Response)
}

// command dispatches a slash command, returning true on exit.
func (r *REPL) command(ctx context.Context, input string) bool {
	parts := strings.Fields(input)
	cmd, arg := parts[0], strings.Join(parts[1:], " ")

	switch cmd {
	case "/exit", "/quit":
		fmt.Fprintln(r.out, "👋 Goodbye.")
		return true
	case "/help":
		r.banner()
	case "/clear":
		r.state = session.New(r.state.Metadata.Name, r.rt.Personas().CurrentID())
		fmt.Fprintln(r.out, "🧹 Conversation history cleared.")
	case "/new":
		if arg == "" {
			fmt.Fprintln(r.out, "⚠️ Usage: /new <project_name>")
			break
		}
		r.state = session.New(arg, r.rt.Personas().CurrentID())
		fmt.Fprintf(r.out, "📂 Switched to new project [%s]\n", arg)
	case "/load":
		r.load(ctx, arg)
	case "/list":
		r.list(ctx)
	case "/current":
		r.current()
	case "/stats":
		r.stats()
	case "/model":
		r.switchModel(arg)
	case "/persona":
		r.switchPersona(arg)
	case "/checkpoint":
		r.checkpoint(ctx, arg)
	case "/rollback":
		r.rollback(ctx, arg)
	case "/debate":
		r.debate(ctx)
	case "/approve":
		r.decide(ctx, arg, hitl.ActionApprove)
	case "/reject":
		r.decide(ctx, arg, hitl.ActionReject)
	default:
		fmt.Fprintf(r.out, "⚠️ Unknown command: %s\n", cmd)
		fmt.Fprintln(r.out, "   Available: /new, /load, /list, /current, /clear, /stats, /model, /persona, /checkpoint, /rollback, /debate, /approve, /reject, /exit")
	}
	return false
}

func (r *REPL) load(ctx context.Context, id string) {
	if id == "" {
		fmt.Fprintln(r.out, "⚠️ Usage: /load <session_id>")
		return
	}
	cp, err := r.rt.Store().LoadLatest(ctx, id)
	if err != nil {
		fmt.Fprintf(r.out, "❌ Load failed: %v\n", err)
		return
	}
	state, err := cp.Restore()
	if err != nil {
		fmt.Fprintf(r.out, "❌ Load failed: %v\n", err)
		return
	}
	r.state = state
	fmt.Fprintf(r.out, "📂 Loaded session [%s] at step %d (%s)\n", id, cp.Step, cp.Kind)
	fmt.Fprintln(r.out, session.NewHandoff(state).Render())
}

func (r *REPL) list(ctx context.Context) {
	sessions, err := r.rt.Store().Sessions(ctx)
	if err != nil {
		fmt.Fprintf(r.out, "❌ List failed: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Fprintln(r.out, "📂 No saved sessions.")
		return
	}
	fmt.Fprintln(r.out, "📂 Saved sessions:")
	for _, s := range sessions {
		fmt.Fprintf(r.out, "   - %s\n", s)
	}
}

func (r *REPL) current() {
	fmt.Fprintln(r.out, "🔍 Current state:")
	fmt.Fprintf(r.out, "   Project:  %s\n", r.state.Metadata.Name)
	fmt.Fprintf(r.out, "   Session:  %s\n", r.state.SessionID)
	fmt.Fprintf(r.out, "   Status:   %s (turn %d, step %d)\n", r.state.Status, r.state.TurnNumber, r.state.Step)
	fmt.Fprintf(r.out, "   Cloud PM: %s\n", r.cloudName())
	fmt.Fprintf(r.out, "   Persona:  %s\n", r.rt.Personas().CurrentID())
	fmt.Fprintf(r.out, "   Cache:    %d entries\n", r.rt.Cache().Count())
}

func (r *REPL) stats() {
	handlers := map[string]int{}
	for _, m := range r.state.History {
		if h, ok := m.Metadata["handler"].(string); ok {
			handlers[h]++
		}
	}
	fmt.Fprintf(r.out, "📊 Stats (%s):\n", r.state.Metadata.Name)
	fmt.Fprintf(r.out, "   Messages: %d\n", len(r.state.History))
	if len(handlers) > 0 {
		fmt.Fprintln(r.out, "   Handlers:")
		names := make([]string, 0, len(handlers))
		for h := range handlers {
			names = append(names, h)
		}
		sort.Strings(names)
		for _, h := range names {
			fmt.Fprintf(r.out, "     %s: %d\n", h, handlers[h])
		}
	}
	sum := r.rt.Observer().Costs.Summarize()
	fmt.Fprintf(r.out, "   LLM calls: %d, estimated spend: $%.4f\n", sum.TotalCalls, sum.TotalCostUSD)
	if sum.ThresholdExceeded {
		fmt.Fprintf(r.out, "   ⚠️ Spend exceeds alert threshold ($%.2f)\n", sum.AlertThresholdUSD)
	}
}

func (r *REPL) switchModel(name string) {
	if name == "" {
		fmt.Fprintln(r.out, "⚠️ Usage: /model <name>")
		fmt.Fprintf(r.out, "   Shortcuts: %s\n", strings.Join(shortcutNames(), ", "))
		return
	}
	if full, ok := modelShortcuts[name]; ok {
		name = full
	}
	cfg := r.rt.Config().Models.Cloud
	if cfg.Name == "" {
		fmt.Fprintln(r.out, "⚠️ No cloud tier configured.")
		return
	}
	cfg.Name = name
	llm, err := model.New(cfg)
	if err != nil {
		fmt.Fprintf(r.out, "❌ Model switch failed: %v\n", err)
		return
	}
	r.rt.Models().Set(model.TierCloud, llm)
	r.rt.Orchestrator().SetCloudModel(llm)
	fmt.Fprintf(r.out, "✅ Cloud PM model switched: %s\n", name)
}

func (r *REPL) switchPersona(id string) {
	if id == "" {
		fmt.Fprintf(r.out, "⚠️ Usage: /persona <id>\n   Available: %s\n",
			strings.Join(r.rt.Personas().List(), ", "))
		return
	}
	old := r.rt.Personas().CurrentID()
	p, err := r.rt.Personas().Switch(id, "operator request")
	if err != nil {
		fmt.Fprintf(r.out, "❌ Persona switch failed: %v\n", err)
		return
	}
	r.state.ActivePersona = p.ID
	fmt.Fprintf(r.out, "🎭 %s\n", r.rt.Personas().TransitionMessage(old, p.ID))
}

// checkpoint saves a labeled milestone, or lists the session's
// checkpoints when no label is given.
func (r *REPL) checkpoint(ctx context.Context, label string) {
	if label != "" {
		r.state.IncrementStep()
		if _, err := r.rt.Store().Save(ctx, r.state, checkpoint.KindMilestone, label); err != nil {
			fmt.Fprintf(r.out, "❌ Checkpoint failed: %v\n", err)
			return
		}
		fmt.Fprintf(r.out, "💾 Checkpoint %q saved at step %d\n", label, r.state.Step)
		return
	}
	cps, err := r.rt.Store().List(ctx, r.state.SessionID)
	if err != nil {
		fmt.Fprintf(r.out, "❌ Checkpoint list failed: %v\n", err)
		return
	}
	if len(cps) == 0 {
		fmt.Fprintln(r.out, "💾 No checkpoints for this session yet.")
		return
	}
	fmt.Fprintln(r.out, "💾 Checkpoints:")
	for _, cp := range cps {
		fmt.Fprintf(r.out, "   step %-4d %-11s %s (%s)\n",
			cp.Step, cp.Kind, cp.Label, cp.CreatedAt.Format("15:04:05"))
	}
}

// rollback rewinds the session, to the latest checkpoint when no step
// is given.
func (r *REPL) rollback(ctx context.Context, arg string) {
	var step int
	if arg == "" {
		cp, err := r.rt.Store().LoadLatest(ctx, r.state.SessionID)
		if err != nil {
			fmt.Fprintln(r.out, "⚠️ No checkpoint to roll back to.")
			return
		}
		step = cp.Step
	} else {
		var err error
		if step, err = strconv.Atoi(arg); err != nil {
			fmt.Fprintln(r.out, "⚠️ Usage: /rollback [step]")
			return
		}
	}
	state, err := r.rt.Store().Rollback(ctx, r.state.SessionID, step)
	if err != nil {
		fmt.Fprintf(r.out, "❌ Rollback failed: %v\n", err)
		return
	}
	r.state = state
	fmt.Fprintf(r.out, "⏪ Rolled back to step %d (turn %d)\n", state.Step, state.TurnNumber)
}

// debate re-verifies the last exchange through the adversarial loop.
func (r *REPL) debate(ctx context.Context) {
	loop := r.rt.Debate()
	if loop == nil {
		fmt.Fprintln(r.out, "⚠️ Debate needs a configured cloud tier.")
		return
	}
	task, proposal, ok := r.lastExchange()
	if !ok {
		fmt.Fprintln(r.out, "⚠️ Nothing to debate yet.")
		return
	}
	fmt.Fprintln(r.out, "⚔️ Running adversarial verification...")
	res := loop.Run(ctx, task, proposal)
	fmt.Fprintln(r.out, res.Report)
	switch {
	case res.Escalated:
		fmt.Fprintln(r.out, "🚨 Escalated for human review.")
	case res.Approved:
		fmt.Fprintf(r.out, "✅ Approved after %d round(s).\n", res.TotalRounds)
	default:
		fmt.Fprintf(r.out, "🔁 Revised over %d round(s); final proposal above.\n", res.TotalRounds)
	}
}

// decide resolves a suspended session out-of-band. With no argument it
// targets the current session.
func (r *REPL) decide(ctx context.Context, arg string, action hitl.Action) {
	sid := arg
	if sid == "" {
		sid = r.state.SessionID
	}
	state, err := r.rt.HITL().Resume(ctx, sid, action, nil)
	if errors.Is(err, hitl.ErrRejected) {
		fmt.Fprintf(r.out, "🚫 Session %s rejected.\n", sid)
		if sid == r.state.SessionID {
			r.state.Status = session.StatusFailed
			r.state.HITLContext = nil
		}
		return
	}
	if err != nil {
		fmt.Fprintf(r.out, "❌ Decision failed: %v\n", err)
		return
	}
	if sid == r.state.SessionID {
		r.state = state
	}
	fmt.Fprintf(r.out, "✅ Session %s approved and resumed.\n", sid)
}

// lastExchange returns the most recent user/assistant pair.
func (r *REPL) lastExchange() (task, proposal string, ok bool) {
	for i := len(r.state.History) - 1; i >= 0; i-- {
		m := r.state.History[i]
		if proposal == "" && m.Role == session.RoleAssistant {
			proposal = m.Content
			continue
		}
		if proposal != "" && m.Role == session.RoleUser {
			return m.Content, proposal, true
		}
	}
	return "", "", false
}

func (r *REPL) cloudName() string {
	if name := r.rt.Orchestrator().CloudModel(); name != "" {
		return name
	}
	return "(none)"
}

// cloudShort is the prompt tag: the last dash segment of the cloud
// model name, or "local" when no cloud tier is configured.
func (r *REPL) cloudShort() string {
	name := r.rt.Orchestrator().CloudModel()
	if name == "" {
		return "local"
	}
	if i := strings.LastIndex(name, "-"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func shortcutNames() []string {
	names := make([]string, 0, len(modelShortcuts))
	for n := range modelShortcuts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *REPL) banner() {
	fmt.Fprint(r.out, `
╔══════════════════════════════════════════════════════════════╗
║   Strata · Hybrid AI Orchestration                           ║
║                                                              ║
║   /new <project>     : create and switch to a new project    ║
║   /load <session>    : restore a saved session               ║
║   /list              : list saved sessions                   ║
║   /current           : show current state                    ║
║   /model <name>      : switch Cloud PM (gemini/claude/gpt4)  ║
║   /persona <id>      : switch active persona                 ║
║   /checkpoint [name] : save a checkpoint, or list them       ║
║   /rollback [step]   : roll back (latest by default)         ║
║   /debate            : re-verify the last answer             ║
║   /approve, /reject  : resolve a suspended session           ║
║   /clear             : clear conversation history            ║
║   /stats             : conversation statistics               ║
║   /exit              : quit                                  ║
╚══════════════════════════════════════════════════════════════╝
`)
}
