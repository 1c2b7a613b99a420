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

// Package functiontool turns an ordinary Go function into a tool. The
// argument struct's JSON Schema is reflected from its type, so tools
// declare their contract once, in Go.
package functiontool

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/strata/pkg/tool"
)

// Func is the signature a wrapped function must have. T is the argument
// struct; json and jsonschema tags on its fields shape the schema.
type Func[T any] func(ctx context.Context, args T) (string, error)

// FunctionTool adapts a typed Go function to the tool interface.
type FunctionTool[T any] struct {
	name        string
	description string
	parameters  map[string]any
	approval    bool
	fn          Func[T]
}

// Option configures a FunctionTool.
type Option func(*options)

type options struct {
	approval bool
}

// WithApproval marks the tool as requiring human confirmation.
func WithApproval() Option {
	return func(o *options) { o.approval = true }
}

// New wraps fn as a callable tool named name.
func New[T any](name, description string, fn Func[T], opts ...Option) (*FunctionTool[T], error) {
	if name == "" {
		return nil, fmt.Errorf("function tool requires a name")
	}
	if fn == nil {
		return nil, fmt.Errorf("function tool %s requires a function", name)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	params, err := reflectSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("failed to reflect schema for tool %s: %w", name, err)
	}

	return &FunctionTool[T]{
		name:        name,
		description: description,
		parameters:  params,
		approval:    o.approval,
		fn:          fn,
	}, nil
}

// reflectSchema derives an inline JSON Schema object for T.
func reflectSchema[T any]() (map[string]any, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		// ExpandedStruct lifts a named struct out of its definition
		// entry. Anonymous structs have no such entry, and DoNotReference
		// already inlines them at the top level.
		ExpandedStruct: t.Kind() == reflect.Struct && t.Name() != "",
	}
	schema := reflector.ReflectFromType(t)
	schema.Version = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out, nil
}

func (f *FunctionTool[T]) Name() string           { return f.name }
func (f *FunctionTool[T]) Description() string    { return f.description }
func (f *FunctionTool[T]) RequiresApproval() bool { return f.approval }

func (f *FunctionTool[T]) Definition() tool.Definition {
	return tool.Definition{
		Name:        f.name,
		Description: f.description,
		Parameters:  f.parameters,
	}
}

// Call decodes the loose argument map into T and invokes the function.
func (f *FunctionTool[T]) Call(ctx context.Context, args map[string]any) (string, error) {
	var typed T
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("failed to encode arguments: %w", err)
		}
		if err := json.Unmarshal(raw, &typed); err != nil {
			return "", fmt.Errorf("failed to decode arguments: %w", err)
		}
	}
	return f.fn(ctx, typed)
}
