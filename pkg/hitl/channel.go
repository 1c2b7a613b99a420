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

package hitl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kadirpekel/strata/pkg/eventbus"
)

// CLIChannel asks for a decision on an interactive terminal.
type CLIChannel struct {
	In  io.Reader
	Out io.Writer
}

// RequestApproval prompts and reads one line. Only an explicit yes
// approves; anything else, including EOF, rejects.
func (c *CLIChannel) RequestApproval(ctx context.Context, p Pending) (*Decision, error) {
	fmt.Fprintf(c.Out, "\n⏸  Approval required: %s\n", p.Reason)
	if fn, ok := p.Context["function_name"]; ok {
		fmt.Fprintf(c.Out, "   operation: %v\n", fn)
	}
	fmt.Fprintf(c.Out, "   Approve? [y/N]: ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(c.In).ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return &Decision{Action: ActionReject, Comment: "input closed"}, nil
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes", "approve":
			return &Decision{Action: ActionApprove}, nil
		default:
			return &Decision{Action: ActionReject}, nil
		}
	}
}

// BusChannel obtains decisions over the event bus: it publishes an
// approval_request and waits for a matching approval_response. This is
// how out-of-process surfaces (API, dashboards) answer for a human.
type BusChannel struct {
	Bus *eventbus.Bus
}

// RequestApproval blocks until a response event for the session
// arrives or the context expires.
func (b *BusChannel) RequestApproval(ctx context.Context, p Pending) (*Decision, error) {
	decisions := make(chan *Decision, 1)
	subID := b.Bus.Subscribe(eventbus.TypeApprovalResponse, func(ev eventbus.Event) {
		if ev.Payload["session_id"] != p.SessionID {
			return
		}
		d := &Decision{Action: ActionReject}
		if action, ok := ev.Payload["action"].(string); ok {
			d.Action = Action(action)
		}
		if data, ok := ev.Payload["modified_data"].(map[string]any); ok {
			d.ModifiedData = data
		}
		select {
		case decisions <- d:
		default:
		}
	})
	defer b.Bus.Unsubscribe(subID)

	b.Bus.Emit(eventbus.TypeApprovalRequest, "hitl", map[string]any{
		"session_id": p.SessionID,
		"reason":     p.Reason,
		"step":       p.Step,
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d := <-decisions:
		return d, nil
	}
}
