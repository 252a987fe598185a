package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	domaintool "github.com/corvid-run/agentcore/internal/domain/tool"
)

// toolBridge adapts domaintool.Registry → service.ToolExecutor.
// This allows the AgentLoop to discover and execute tools through the shared
// registry. Arguments are validated against the tool's declared JSON schema
// before dispatch; schema violations come back as normal tool errors the
// model can repair.
type toolBridge struct {
	registry domaintool.Registry

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// Execute implements service.ToolExecutor.Execute
func (b *toolBridge) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	tool, ok := b.registry.Get(name)
	if !ok {
		return &domaintool.Result{
			Output:  fmt.Sprintf("Tool '%s' not found", name),
			Success: false,
			Error:   fmt.Sprintf("tool '%s' not registered", name),
		}, nil
	}
	if err := b.validateArgs(name, tool.Schema(), args); err != nil {
		return &domaintool.Result{
			Success: false,
			Error:   fmt.Sprintf("invalid arguments for '%s': %v", name, err),
		}, nil
	}
	return tool.Execute(ctx, args)
}

// validateArgs checks args against the tool's parameter schema. Schemas are
// compiled once per tool; a schema that fails to compile disables validation
// for that tool rather than failing every call.
func (b *toolBridge) validateArgs(name string, schema map[string]interface{}, args map[string]interface{}) error {
	if len(schema) == 0 {
		return nil
	}

	b.mu.Lock()
	if b.schemas == nil {
		b.schemas = make(map[string]*jsonschema.Schema)
	}
	compiled, seen := b.schemas[name]
	if !seen {
		compiled = compileToolSchema(name, schema)
		b.schemas[name] = compiled
	}
	b.mu.Unlock()

	if compiled == nil {
		return nil
	}

	// Round-trip so number types match what the validator expects.
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return compiled.Validate(instance)
}

func compileToolSchema(name string, schema map[string]interface{}) *jsonschema.Schema {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil
	}
	return compiled
}

// GetDefinitions implements service.ToolExecutor.GetDefinitions
func (b *toolBridge) GetDefinitions() []domaintool.Definition {
	return b.registry.List()
}

// GetToolKind implements service.ToolExecutor.GetToolKind
func (b *toolBridge) GetToolKind(name string) domaintool.Kind {
	tool, ok := b.registry.Get(name)
	if !ok {
		return domaintool.KindExecute
	}
	return tool.Kind()
}
