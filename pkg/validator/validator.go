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

// Package validator mechanically checks code in model responses.
//
// A response is judged on parseability, not on the model's own claims.
// Layer 1 runs per-language syntax checks; layer 0 optionally executes
// each block in an isolated process to surface runtime errors the
// parser cannot see.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/strata/pkg/sandbox"
)

// DefaultProbeTimeout bounds layer-0 execution per block.
const DefaultProbeTimeout = 5 * time.Second

var fencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_+.-]*)[ \t]*\r?\n(.*?)```")

// Block is one fenced code block extracted from a response.
type Block struct {
	Language string
	Code     string
}

// Result is the outcome of validating a response.
type Result struct {
	Valid   bool
	HasCode bool
	Errors  []string
	Blocks  []Block
}

// ExtractBlocks pulls fenced code blocks out of markdown text. Empty
// blocks are dropped; the language tag is lowercased.
func ExtractBlocks(text string) []Block {
	var blocks []Block
	for _, match := range fencePattern.FindAllStringSubmatch(text, -1) {
		code := strings.TrimSpace(match[2])
		if code == "" {
			continue
		}
		blocks = append(blocks, Block{
			Language: strings.ToLower(match[1]),
			Code:     code,
		})
	}
	return blocks
}

// Validator runs the validation pipeline.
type Validator struct {
	runner       *sandbox.Runner
	probe        bool
	probeTimeout time.Duration
}

// New builds a validator. A nil runner disables the execution probe
// regardless of the probe flag.
func New(runner *sandbox.Runner, probe bool) *Validator {
	return &Validator{
		runner:       runner,
		probe:        probe && runner != nil,
		probeTimeout: DefaultProbeTimeout,
	}
}

// Validate extracts code blocks and checks each one. Responses without
// code pass trivially. The execution probe only runs when every block
// already parsed, and only for languages with a configured interpreter.
func (v *Validator) Validate(ctx context.Context, response string) *Result {
	blocks := ExtractBlocks(response)
	if len(blocks) == 0 {
		return &Result{Valid: true}
	}

	var errs []string
	for i, block := range blocks {
		if err := checkSyntax(block); err != nil {
			errs = append(errs, fmt.Sprintf("[Block %d/Syntax] %v", i+1, err))
		}
	}

	if v.probe && len(errs) == 0 {
		for i, block := range blocks {
			if !sandbox.CanProbe(block.Language) {
				continue
			}
			probe, err := v.runner.ExecIsolated(ctx, block.Language, block.Code, v.probeTimeout)
			if err != nil {
				slog.Warn("execution probe unavailable", "language", block.Language, "error", err)
				continue
			}
			if !probe.Success {
				errs = append(errs, fmt.Sprintf("[Block %d/Runtime] %s", i+1, lastLine(probe.Stderr)))
			}
		}
	}

	result := &Result{
		Valid:   len(errs) == 0,
		HasCode: true,
		Errors:  errs,
		Blocks:  blocks,
	}
	if result.Valid {
		slog.Debug("validation passed", "blocks", len(blocks), "probe", v.probe)
	} else {
		slog.Warn("validation failed", "blocks", len(blocks), "errors", len(errs))
	}
	return result
}

// FormatFeedback renders validation errors as a correction prompt for
// the model.
func FormatFeedback(result *Result) string {
	var b strings.Builder
	b.WriteString("[CODE ERROR] The code you wrote contains errors.\n")
	b.WriteString("Fix the following and rewrite it:\n\n")
	for _, err := range result.Errors {
		fmt.Fprintf(&b, "  - %s\n", err)
	}
	b.WriteString("\nOutput only the corrected code. No excuses.")
	return b.String()
}

func checkSyntax(block Block) error {
	switch block.Language {
	case "go", "golang":
		return checkGo(block.Code)
	case "json":
		return checkJSON(block.Code)
	case "yaml", "yml":
		return checkYAML(block.Code)
	default:
		// No static checker for this language; layer 0 may still
		// catch problems at runtime.
		return nil
	}
}

func checkGo(code string) error {
	src := code
	offset := 0
	if !strings.HasPrefix(strings.TrimSpace(code), "package ") {
		src = "package main\n\n" + code
		offset = 2
	}

	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, "block.go", src, 0)
	if err == nil {
		return nil
	}
	if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
		first := list[0]
		return fmt.Errorf("Line %d: %s", first.Pos.Line-offset, first.Msg)
	}
	return err
}

func checkJSON(code string) error {
	var v any
	err := json.Unmarshal([]byte(code), &v)
	if err == nil {
		return nil
	}
	if syntaxErr, ok := err.(*json.SyntaxError); ok {
		line := 1 + strings.Count(code[:min(int(syntaxErr.Offset), len(code))], "\n")
		return fmt.Errorf("Line %d: %s", line, syntaxErr.Error())
	}
	return err
}

func checkYAML(code string) error {
	var v any
	if err := yaml.Unmarshal([]byte(code), &v); err != nil {
		return err
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 || lines[len(lines)-1] == "" {
		return "Unknown error"
	}
	return lines[len(lines)-1]
}
