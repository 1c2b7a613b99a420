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

// Command strata is the CLI for the hybrid orchestration pipeline.
//
// Usage:
//
//	strata chat --config strata.yaml
//	strata ask --config strata.yaml "summarize the repo layout"
//	strata validate --config strata.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/strata"
	"github.com/kadirpekel/strata/pkg/cli"
	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/hitl"
	"github.com/kadirpekel/strata/pkg/runtime"
	"github.com/kadirpekel/strata/pkg/session"
)

// CLI defines the command-line interface.
type CLI struct {
	Chat     ChatCmd     `cmd:"" default:"1" help:"Start the interactive chat REPL."`
	Ask      AskCmd      `cmd:"" help:"Run a single request and exit."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config     string `short:"c" help:"Path to config file." type:"path"`
	WorkingDir string `name:"working-dir" help:"Sandbox and tool root (defaults to tools.working_directory)." type:"path"`
	Stream     *bool  `default:"true" negatable:"" help:"Stream cloud responses (use --no-stream to disable)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(strata.GetVersion())
	return nil
}

// ValidateCmd loads and validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(root *CLI) error {
	if root.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	cfg, err := config.LoadFromFile(root.Config)
	if err != nil {
		return err
	}
	fmt.Printf("✅ %s is valid\n", root.Config)
	fmt.Printf("   Worker model: %s\n", cfg.Models.Worker.Name)
	if cfg.Models.Cloud.Name != "" {
		fmt.Printf("   Cloud model:  %s\n", cfg.Models.Cloud.Name)
	} else {
		fmt.Println("   Cloud model:  (not configured, escalation disabled)")
	}
	fmt.Printf("   Checkpoints:  %s (%s)\n", cfg.Checkpoint.Driver, cfg.Checkpoint.DSN)
	if len(cfg.MCPServers) > 0 {
		fmt.Printf("   MCP servers:  %d\n", len(cfg.MCPServers))
	}
	return nil
}

// ChatCmd runs the interactive REPL.
type ChatCmd struct{}

func (c *ChatCmd) Run(root *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	printer := cli.NewStreamPrinter(os.Stdout)
	opts := runtime.Options{
		ConfigFile: root.Config,
		WorkingDir: root.WorkingDir,
	}
	if root.Stream == nil || *root.Stream {
		opts.OnDelta = printer.Print
	}
	// Inline approval prompts need a terminal; piped sessions fall back
	// to out-of-band /approve decisions.
	if cli.Interactive() {
		opts.Approval = &hitl.CLIChannel{In: os.Stdin, Out: os.Stdout}
	}

	rt, err := runtime.New(opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	return cli.NewREPL(rt, os.Stdin, os.Stdout, printer).Run(ctx)
}

// AskCmd runs one request through the pipeline and prints the answer.
type AskCmd struct {
	Prompt  []string `arg:"" help:"The request to process."`
	Session string   `help:"Resume an existing session id."`
}

func (c *AskCmd) Run(root *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := runtime.New(runtime.Options{
		ConfigFile: root.Config,
		WorkingDir: root.WorkingDir,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	state := session.New("ask", rt.Personas().CurrentID())
	if c.Session != "" {
		cp, err := rt.Store().LoadLatest(ctx, c.Session)
		if err != nil {
			return fmt.Errorf("session %s: %w", c.Session, err)
		}
		if state, err = cp.Restore(); err != nil {
			return fmt.Errorf("session %s: %w", c.Session, err)
		}
	}

	input := ""
	for i, p := range c.Prompt {
		if i > 0 {
			input += " "
		}
		input += p
	}
	res, err := rt.Orchestrator().ProcessRequest(ctx, state, input)
	if err != nil {
		return err
	}
	fmt.Println(res.Response)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	_ = config.LoadEnvFiles()

	root := CLI{}
	ctx := kong.Parse(&root,
		kong.Name("strata"),
		kong.Description("Strata - hybrid local/cloud AI agent orchestration"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&root))
}
