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

// Package strata is a hybrid local/cloud AI agent orchestration
// pipeline.
//
// Strata routes each request between a cheap local tier and an
// expensive cloud tier. A fast-pattern and LLM-classifier router picks
// the destination; the local worker runs a tool loop with deterministic
// validation and an LLM critic, and escalates to the cloud project
// manager when its budgets are exhausted. Cloud answers can pass
// through an adversarial debate loop before release, and dangerous
// operations suspend the session for human approval.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/strata/cmd/strata@latest
//
// Write a configuration naming at least a worker model, then start the
// chat REPL:
//
//	strata chat --config strata.yaml
//
// One-shot requests go through the same pipeline:
//
//	strata ask --config strata.yaml "refactor the parser for clarity"
//
// # Architecture
//
// The pipeline is assembled by pkg/runtime from a YAML document
// (pkg/config) and driven by pkg/orchestrator. Supporting packages:
//
//   - pkg/router: LOCAL/CLOUD routing, fast patterns then a classifier
//   - pkg/agent: worker tool loop and helper delegation
//   - pkg/validator, pkg/critic: layered response verification
//   - pkg/debate: adversarial verification with personas
//   - pkg/checkpoint, pkg/session: durable state and rollback
//   - pkg/hitl: suspend/resume approval gates
//   - pkg/cache: semantic response cache
//   - pkg/tool: built-in tools plus MCP servers
//   - pkg/observability: metrics and cost accounting
package strata
