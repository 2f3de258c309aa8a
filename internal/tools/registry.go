package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/store"
)

// Classification drives the confirmation gate: safe tools execute in the same
// request, sensitive tools may need an explicit confirm round trip.
type Classification string

const (
	ClassificationSafe      Classification = "safe"
	ClassificationSensitive Classification = "sensitive"
)

// Tool represents a registered operation with its typed contracts and
// execution function. Schemas are versioned; changes must be additive, and
// removing a required field requires a new tool name.
type Tool struct {
	Name           string
	DisplayName    string
	Description    string
	Version        int
	InputSchema    map[string]any
	OutputSchema   map[string]any
	Classification Classification
	// Destructive tools (delete_task) always require explicit confirmation,
	// regardless of the auto-confirm policy.
	Destructive bool
	Execute     ExecuteFunc

	compiled *jsonschema.Schema
}

// ExecuteFunc runs the tool against the task store as a single atomic
// operation, scoped to owner. The store may be transaction-bound.
type ExecuteFunc func(ctx context.Context, tasks *store.TaskStore, owner string, args map[string]any) (json.RawMessage, error)

// Registry manages the fixed set of invocable tools
type Registry struct {
	tools map[string]*Tool
	order []string
	mutex sync.RWMutex
}

// NewRegistry returns a registry with the five task tools registered
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	registerTaskTools(r)
	return r
}

// Register adds a tool to the registry, compiling its input schema
func (r *Registry) Register(tool *Tool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %s must have an Execute function", tool.Name)
	}
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s is already registered", tool.Name)
	}

	compiled, err := compileSchema(tool.Name, tool.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s has an invalid input schema: %w", tool.Name, err)
	}
	tool.compiled = compiled

	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.tools)
}

// Schemas returns all registered tools in OpenAI function-call format, in
// registration order
func (r *Registry) Schemas() []map[string]any {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	schemas := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		schemas = append(schemas, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.InputSchema,
			},
		})
	}
	return schemas
}

// Describe publishes a tool's full contract: name, description, versioned
// input/output schemas
func (r *Registry) Describe(name string) (map[string]any, bool) {
	tool, exists := r.Get(name)
	if !exists {
		return nil, false
	}
	return map[string]any{
		"name":          tool.Name,
		"description":   tool.Description,
		"version":       tool.Version,
		"input_schema":  tool.InputSchema,
		"output_schema": tool.OutputSchema,
		"classification": string(tool.Classification),
	}, true
}

// ValidateArgs checks proposed arguments against the tool's input schema
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	tool, exists := r.Get(name)
	if !exists {
		return apperrors.Newf(apperrors.KindValidation, "unknown tool: %s", name)
	}
	if err := tool.compiled.Validate(normalizeArgs(args)); err != nil {
		return apperrors.Wrap(apperrors.KindValidation,
			fmt.Sprintf("invalid arguments for %s", name), err)
	}
	return nil
}

// Execute validates args and runs the named tool for owner against tasks
func (r *Registry) Execute(ctx context.Context, tasks *store.TaskStore, owner, name string, args map[string]any) (json.RawMessage, error) {
	tool, exists := r.Get(name)
	if !exists {
		return nil, apperrors.Newf(apperrors.KindValidation, "unknown tool: %s", name)
	}
	if err := r.ValidateArgs(name, args); err != nil {
		return nil, err
	}
	return tool.Execute(ctx, tasks, owner, args)
}

// compileSchema round-trips the schema map through JSON so the compiler sees
// plain decoded values
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

// normalizeArgs round-trips args through JSON so numbers and nested values
// match what the validator expects
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}
