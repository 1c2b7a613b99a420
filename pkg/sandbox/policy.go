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

// Package sandbox is the security gate every file-touching or
// command-running tool passes through before execution: path allow-lists
// with symlink rejection, a blocked-command pattern list, and a bounded
// process runner.
package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kadirpekel/strata/pkg/config"
)

// Mode selects which allow-list a path check runs against.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// DefaultBlockedCommands are always-on denial patterns, matched as
// escaped substrings against the lowercased command.
var DefaultBlockedCommands = []string{
	"rm -rf",
	"shutdown",
	"reboot",
	"mkfs",
	"dd if=",
	"chmod -R 777",
	"> /dev/",
	"curl.*|.*sh",
	"wget.*|.*sh",
}

// Policy validates paths and commands against the configured allow-lists.
type Policy struct {
	enabled       bool
	workspaceRoot string
	readPaths     []string
	writePaths    []string
	blocked       []*regexp.Regexp
	timeout       time.Duration
}

// NewPolicy resolves the configured allow-lists against the workspace
// root. workspaceRoot defaults to the current directory.
func NewPolicy(cfg *config.SecurityConfig, workspaceRoot string) (*Policy, error) {
	if cfg == nil {
		cfg = &config.SecurityConfig{}
	}
	if workspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
		}
		workspaceRoot = wd
	}
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace root: %w", err)
	}

	p := &Policy{
		enabled:       cfg.SandboxEnabled == nil || *cfg.SandboxEnabled,
		workspaceRoot: root,
		timeout:       time.Duration(cfg.MaxExecutionTime) * time.Second,
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
	}

	readPaths := cfg.AllowedReadPaths
	if len(readPaths) == 0 {
		readPaths = []string{"."}
	}
	writePaths := cfg.AllowedWritePaths
	if len(writePaths) == 0 {
		writePaths = []string{"./output"}
	}
	p.readPaths = p.resolveAll(readPaths)
	p.writePaths = p.resolveAll(writePaths)

	patterns := append([]string{}, DefaultBlockedCommands...)
	patterns = append(patterns, cfg.BlockedCommands...)
	for _, pattern := range patterns {
		compiled, err := regexp.Compile(regexp.QuoteMeta(strings.ToLower(pattern)))
		if err != nil {
			slog.Warn("invalid blocked command pattern", "pattern", pattern, "error", err)
			continue
		}
		p.blocked = append(p.blocked, compiled)
	}

	slog.Debug("sandbox policy initialized",
		"enabled", p.enabled,
		"read_paths", len(p.readPaths),
		"blocked_commands", len(p.blocked))
	return p, nil
}

func (p *Policy) resolveAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		if strings.HasPrefix(path, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, strings.TrimPrefix(path, "~"))
			}
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(p.workspaceRoot, path)
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			// Allow-list entries may not exist yet (output dirs).
			resolved = filepath.Clean(path)
		}
		out = append(out, resolved)
	}
	return out
}

// Timeout returns the configured execution limit.
func (p *Policy) Timeout() time.Duration {
	return p.timeout
}

// Enabled reports whether checks are active.
func (p *Policy) Enabled() bool {
	return p.enabled
}

// ValidatePath checks a path against the allow-list for the given mode.
// The path is resolved to canonical form; symbolic links are rejected.
// A nil return means access is allowed.
func (p *Policy) ValidatePath(path string, mode Mode) error {
	if !p.enabled {
		return nil
	}

	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("access denied: symbolic links are not allowed: %s", path)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.workspaceRoot, abs)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("access denied: invalid path %s: %v", path, err)
		}
		// Nonexistent targets (writes) are checked by their cleaned form.
		resolved = filepath.Clean(abs)
	}

	allowList := p.readPaths
	if mode == ModeWrite {
		allowList = p.writePaths
	}
	for _, allowed := range allowList {
		if resolved == allowed || strings.HasPrefix(resolved, allowed+string(os.PathSeparator)) {
			return nil
		}
	}
	return fmt.Errorf("access denied: path not in %s allow-list: %s", mode, resolved)
}

// ValidateCommand checks a command string against the blocked patterns.
// A nil return means execution is allowed.
func (p *Policy) ValidateCommand(command string) error {
	if !p.enabled {
		return nil
	}
	normalized := strings.ToLower(strings.TrimSpace(command))
	for _, pattern := range p.blocked {
		if pattern.MatchString(normalized) {
			return fmt.Errorf("execution denied: command matches blocked pattern %q", pattern.String())
		}
	}
	return nil
}
