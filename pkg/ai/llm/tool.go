package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ToolHandler executes a function tool. Arguments arrive as the validated
// JSON object the model produced. The returned value is serialized into the
// conversation as the tool output.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// FunctionTool couples a callable handler with its schema. Construct with
// NewFunctionTool so the schema is compiled and checked once.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	schema      *gojsonschema.Schema
	handler     ToolHandler
}

// NewFunctionTool creates a tool. The parameter schema must describe a JSON
// object; schemas with non-object roots are rejected because providers
// cannot express positional tool arguments.
func NewFunctionTool(name, description string, parameters map[string]any, handler ToolHandler) (*FunctionTool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("tool %q has no handler", name)
	}
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if t, ok := parameters["type"].(string); !ok || t != "object" {
		return nil, fmt.Errorf("tool %q parameter schema root must be type \"object\", got %v", name, parameters["type"])
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(parameters))
	if err != nil {
		return nil, fmt.Errorf("tool %q has an invalid parameter schema: %w", name, err)
	}

	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		schema:      schema,
		handler:     handler,
	}, nil
}

// Name returns the tool's function name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the tool's description.
func (t *FunctionTool) Description() string { return t.description }

// Definition returns the provider-facing function definition.
func (t *FunctionTool) Definition() FunctionDefinition {
	return FunctionDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.parameters,
	}
}

// ValidateArgs checks raw JSON arguments against the tool schema. Empty
// arguments validate as the empty object.
func (t *FunctionTool) ValidateArgs(raw string) error {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}

	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return fmt.Errorf("tool %q arguments are not valid JSON: %w", t.name, err)
	}
	if _, ok := probe.(map[string]any); !ok {
		return fmt.Errorf("tool %q arguments must be a JSON object, got %T", t.name, probe)
	}

	result, err := t.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return fmt.Errorf("tool %q argument validation failed: %w", t.name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("tool %q arguments rejected: %s", t.name, strings.Join(msgs, "; "))
	}
	return nil
}

// Execute validates the arguments and runs the handler.
func (t *FunctionTool) Execute(ctx context.Context, raw string) (any, error) {
	if err := t.ValidateArgs(raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	return t.handler(ctx, json.RawMessage(raw))
}

// ToolContext is the set of tools available to one generation.
type ToolContext struct {
	tools map[string]*FunctionTool
}

// NewToolContext creates a context holding the given tools. Duplicate names
// are rejected.
func NewToolContext(tools ...*FunctionTool) (*ToolContext, error) {
	tc := &ToolContext{tools: make(map[string]*FunctionTool, len(tools))}
	for _, t := range tools {
		if _, exists := tc.tools[t.name]; exists {
			return nil, fmt.Errorf("duplicate tool name %q", t.name)
		}
		tc.tools[t.name] = t
	}
	return tc, nil
}

// Lookup returns the named tool.
func (tc *ToolContext) Lookup(name string) (*FunctionTool, bool) {
	t, ok := tc.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (tc *ToolContext) Len() int { return len(tc.tools) }

// Definitions returns provider-facing definitions in name order.
func (tc *ToolContext) Definitions() []FunctionDefinition {
	names := make([]string, 0, len(tc.tools))
	for n := range tc.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	defs := make([]FunctionDefinition, 0, len(names))
	for _, n := range names {
		defs = append(defs, tc.tools[n].Definition())
	}
	return defs
}
