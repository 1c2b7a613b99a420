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

// Package shelltool exposes sandboxed shell execution as a tool. Always
// approval-gated.
package shelltool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/strata/pkg/sandbox"
	"github.com/kadirpekel/strata/pkg/tool"
	"github.com/kadirpekel/strata/pkg/tool/functiontool"
)

type execArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to execute"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds (defaults to the sandbox limit)"`
}

// New builds the execute_command tool over a sandbox runner.
func New(runner *sandbox.Runner) (tool.CallableTool, error) {
	return functiontool.New("execute_command",
		"Executes a shell command in the sandbox and returns its output.",
		func(ctx context.Context, args execArgs) (string, error) {
			timeout := time.Duration(args.Timeout) * time.Second
			result, err := runner.Run(ctx, args.Command, timeout)
			if err != nil {
				return "", err
			}
			return formatResult(result), nil
		},
		functiontool.WithApproval())
}

func formatResult(result *sandbox.ExecResult) string {
	var b strings.Builder
	if result.TimedOut {
		b.WriteString("Command timed out.\n")
	}
	fmt.Fprintf(&b, "exit code: %d\n", result.ExitCode)
	if out := strings.TrimSpace(result.Stdout); out != "" {
		b.WriteString("stdout:\n" + out + "\n")
	}
	if errOut := strings.TrimSpace(result.Stderr); errOut != "" {
		b.WriteString("stderr:\n" + errOut + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
