package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Func is the implementation signature a FuncTool wraps.
type Func func(tctx *Context, args map[string]any) (map[string]any, error)

// FuncTool adapts a plain function into a Tool. When a schema is given
// it is compiled once and arguments are validated before the function
// runs; validation failures surface as tool errors.
type FuncTool struct {
	name        string
	description string
	schema      json.RawMessage
	compiled    *jsonschema.Schema
	longRunning bool
	fn          Func
}

// FuncToolOption configures a FuncTool.
type FuncToolOption func(*FuncTool)

// WithSchema sets the argument schema. Invalid schemas are rejected at
// construction.
func WithSchema(schema json.RawMessage) FuncToolOption {
	return func(t *FuncTool) { t.schema = schema }
}

// LongRunning marks the tool as long-running.
func LongRunning() FuncToolOption {
	return func(t *FuncTool) { t.longRunning = true }
}

// NewFuncTool builds a tool from a function.
func NewFuncTool(name, description string, fn Func, opts ...FuncToolOption) (*FuncTool, error) {
	t := &FuncTool{name: name, description: description, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	if len(t.schema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".schema.json", bytes.NewReader(t.schema)); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", name, err)
		}
		compiled, err := compiler.Compile(name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
		}
		t.compiled = compiled
	}
	return t, nil
}

// MustFuncTool is NewFuncTool that panics on a bad schema; for
// package-level tool declarations.
func MustFuncTool(name, description string, fn Func, opts ...FuncToolOption) *FuncTool {
	t, err := NewFuncTool(name, description, fn, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

var _ Tool = (*FuncTool)(nil)

func (t *FuncTool) Name() string            { return t.name }
func (t *FuncTool) Description() string     { return t.description }
func (t *FuncTool) Schema() json.RawMessage { return t.schema }
func (t *FuncTool) IsLongRunning() bool     { return t.longRunning }

func (t *FuncTool) Execute(tctx *Context, args map[string]any) (map[string]any, error) {
	if t.compiled != nil {
		if err := t.compiled.Validate(normalizeArgs(args)); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	return t.fn(tctx, args)
}

// normalizeArgs round-trips args through JSON so validation sees the
// same value shapes the decoder produces (numbers as float64 and so on).
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return args
	}
	return normalized
}
