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

package cli

import (
	"fmt"
	"io"
	"sync/atomic"
)

// StreamPrinter renders streaming deltas as they arrive and remembers
// whether any were seen, so the REPL knows the response is already on
// screen.
type StreamPrinter struct {
	out  io.Writer
	seen atomic.Bool
}

// NewStreamPrinter writes deltas to out.
func NewStreamPrinter(out io.Writer) *StreamPrinter {
	return &StreamPrinter{out: out}
}

// Print is the streaming callback.
func (p *StreamPrinter) Print(chunk string) {
	p.seen.Store(true)
	fmt.Fprint(p.out, chunk)
}

// TakeSeen reports whether any delta arrived since the last call, and
// resets the flag for the next turn.
func (p *StreamPrinter) TakeSeen() bool {
	return p.seen.Swap(false)
}
