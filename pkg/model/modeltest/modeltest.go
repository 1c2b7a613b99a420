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

// Package modeltest provides a scripted LLM for tests: enqueue the
// responses a scenario needs and assert on the recorded requests.
package modeltest

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/kadirpekel/strata/pkg/model"
	"github.com/kadirpekel/strata/pkg/tool"
)

// ErrScriptExhausted is yielded when a call arrives after the scripted
// responses ran out.
var ErrScriptExhausted = errors.New("modeltest: no scripted response left")

type step struct {
	resp *model.Response
	err  error
}

// Fake is a scripted model.LLM.
type Fake struct {
	name string

	mu       sync.Mutex
	queue    []step
	requests []*model.Request
}

// New creates a fake with the given model name.
func New(name string) *Fake {
	if name == "" {
		name = "fake-model"
	}
	return &Fake{name: name}
}

func (f *Fake) Name() string             { return f.name }
func (f *Fake) Provider() model.Provider { return model.ProviderOpenAI }
func (f *Fake) Close() error             { return nil }

// Enqueue appends a full response to the script.
func (f *Fake) Enqueue(resp *model.Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, step{resp: resp})
	return f
}

// EnqueueText scripts a plain text response.
func (f *Fake) EnqueueText(text string) *Fake {
	return f.Enqueue(&model.Response{Text: text, FinishReason: model.FinishReasonStop})
}

// EnqueueToolCalls scripts a response requesting tool execution.
func (f *Fake) EnqueueToolCalls(calls ...tool.Call) *Fake {
	return f.Enqueue(&model.Response{ToolCalls: calls, FinishReason: model.FinishReasonToolCalls})
}

// EnqueueError scripts a failed call.
func (f *Fake) EnqueueError(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, step{err: err})
	return f
}

// Requests returns the recorded requests in call order.
func (f *Fake) Requests() []*model.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Calls reports how many times the fake was invoked.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// GenerateContent pops the next scripted step. Streaming mode yields
// the text once as a partial chunk before the final response.
func (f *Fake) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		f.mu.Lock()
		f.requests = append(f.requests, req)
		if len(f.queue) == 0 {
			f.mu.Unlock()
			yield(nil, ErrScriptExhausted)
			return
		}
		next := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		if next.err != nil {
			yield(nil, next.err)
			return
		}
		if stream && next.resp.Text != "" {
			if !yield(&model.Response{Text: next.resp.Text, Partial: true}, nil) {
				return
			}
		}
		yield(next.resp, nil)
	}
}

var _ model.LLM = (*Fake)(nil)
