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

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ExecResult is the outcome of a sandboxed command run.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// ProbeResult is the outcome of an isolated code execution probe.
type ProbeResult struct {
	Success  bool
	Stderr   string
	TimedOut bool
}

// Runner executes commands and code snippets under the policy's limits.
type Runner struct {
	policy *Policy
}

// NewRunner wires a runner to its policy.
func NewRunner(policy *Policy) *Runner {
	return &Runner{policy: policy}
}

// Run executes a shell command with a hard wall-clock timeout. The
// command must pass the policy's blocked-pattern check first. A zero
// timeout uses the policy default.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if err := r.policy.ValidateCommand(command); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = r.policy.Timeout()
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: runCtx.Err() == context.DeadlineExceeded,
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil && !result.TimedOut {
		return nil, fmt.Errorf("failed to run command: %w", err)
	}
	if result.TimedOut {
		result.ExitCode = -1
	}
	return result, nil
}

// interpreters maps fence language tags to runnable interpreters.
var interpreters = map[string][]string{
	"python": {"python3"},
	"py":     {"python3"},
	"js":     {"node"},
	"node":   {"node"},
	"sh":     {"sh"},
	"bash":   {"bash"},
	"go":     {"go", "run"},
}

// CanProbe reports whether an isolated execution probe exists for the
// language tag.
func CanProbe(language string) bool {
	_, ok := interpreters[language]
	return ok
}

// ExecIsolated writes the code to a temporary file and runs it with the
// language's interpreter under the timeout, capturing stderr. Languages
// without a configured interpreter return an error.
func (r *Runner) ExecIsolated(ctx context.Context, language, code string, timeout time.Duration) (*ProbeResult, error) {
	argv, ok := interpreters[language]
	if !ok {
		return nil, fmt.Errorf("no interpreter configured for language %q", language)
	}
	if timeout <= 0 {
		timeout = r.policy.Timeout()
	}

	ext := language
	if language == "go" {
		ext = "go"
	}
	dir, err := os.MkdirTemp("", "strata-probe-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create probe dir: %w", err)
	}
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, "probe."+ext)
	if err := os.WriteFile(file, []byte(code), 0600); err != nil {
		return nil, fmt.Errorf("failed to write probe file: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, argv[1:]...), file)
	cmd := exec.CommandContext(runCtx, argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err = cmd.Run()
	result := &ProbeResult{
		Success:  err == nil,
		Stderr:   stderr.String(),
		TimedOut: runCtx.Err() == context.DeadlineExceeded,
	}
	if result.TimedOut {
		result.Success = false
		result.Stderr = fmt.Sprintf("execution timed out after %s", timeout)
	}
	return result, nil
}
