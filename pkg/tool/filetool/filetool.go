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

// Package filetool provides the built-in filesystem tools. Every path
// they touch goes through the sandbox policy first.
package filetool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/sandbox"
	"github.com/kadirpekel/strata/pkg/tool"
	"github.com/kadirpekel/strata/pkg/tool/functiontool"
)

const defaultMaxFileSize = 10 * 1024 * 1024

type readArgs struct {
	Path string `json:"path" jsonschema:"required,description=Path of the file to read"`
}

type writeArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path of the file to write"`
	Content string `json:"content" jsonschema:"required,description=Full content to write"`
}

type listArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list (defaults to the working directory)"`
}

// Toolset bundles the filesystem tools over one sandbox policy.
type Toolset struct {
	policy  *sandbox.Policy
	workdir string
	maxSize int64
}

// New creates the filesystem toolset.
func New(policy *sandbox.Policy, cfg *config.ToolsConfig) *Toolset {
	ts := &Toolset{policy: policy, workdir: "./", maxSize: defaultMaxFileSize}
	if cfg != nil {
		if cfg.WorkingDirectory != "" {
			ts.workdir = cfg.WorkingDirectory
		}
		if cfg.MaxFileSize > 0 {
			ts.maxSize = cfg.MaxFileSize
		}
	}
	return ts
}

// Tools returns the callable tools, ready for registration. Writes are
// approval-gated; reads and listings are not.
func (ts *Toolset) Tools() ([]tool.CallableTool, error) {
	readTool, err := functiontool.New("read_file",
		"Reads a text file and returns its content.", ts.readFile)
	if err != nil {
		return nil, err
	}
	writeTool, err := functiontool.New("write_file",
		"Writes content to a file, creating parent directories as needed.",
		ts.writeFile, functiontool.WithApproval())
	if err != nil {
		return nil, err
	}
	listTool, err := functiontool.New("list_dir",
		"Lists the entries of a directory, directories first.", ts.listDir)
	if err != nil {
		return nil, err
	}
	return []tool.CallableTool{readTool, writeTool, listTool}, nil
}

func (ts *Toolset) resolve(path string) string {
	if path == "" {
		return ts.workdir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ts.workdir, path)
}

func (ts *Toolset) readFile(_ context.Context, args readArgs) (string, error) {
	path := ts.resolve(args.Path)
	if err := ts.policy.ValidatePath(path, sandbox.ModeRead); err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory, not a file", args.Path)
	}
	if info.Size() > ts.maxSize {
		return "", fmt.Errorf("file too large: %d bytes (limit %d)", info.Size(), ts.maxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

func (ts *Toolset) writeFile(_ context.Context, args writeArgs) (string, error) {
	path := ts.resolve(args.Path)
	if err := ts.policy.ValidatePath(path, sandbox.ModeWrite); err != nil {
		return "", err
	}
	if int64(len(args.Content)) > ts.maxSize {
		return "", fmt.Errorf("content too large: %d bytes (limit %d)", len(args.Content), ts.maxSize)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path), nil
}

func (ts *Toolset) listDir(_ context.Context, args listArgs) (string, error) {
	path := ts.resolve(args.Path)
	if err := ts.policy.ValidatePath(path, sandbox.ModeRead); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("failed to list directory: %w", err)
	}

	var dirs, files []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, entry.Name()+"/")
		} else {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)

	lines := append(dirs, files...)
	if len(lines) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(lines, "\n"), nil
}
