package caseplane

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry validates start-execution parameter blobs against a
// per-workflow JSON schema. Workflows without a registered schema accept any
// parameters; the engine's own program is the final arbiter.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[string]*jsonschema.Schema{}}
}

// Register compiles and stores the schema for a workflow name, replacing any
// previous one.
func (r *SchemaRegistry) Register(workflowName string, rawSchema []byte) error {
	workflowName = strings.TrimSpace(workflowName)
	if workflowName == "" || len(rawSchema) == 0 {
		return ErrInvalidInput
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawSchema))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", workflowName, err)
	}
	resource := workflowName + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", workflowName, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", workflowName, err)
	}
	r.mu.Lock()
	r.schemas[workflowName] = compiled
	r.mu.Unlock()
	return nil
}

func (r *SchemaRegistry) Validate(workflowName string, parameters map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[strings.TrimSpace(workflowName)]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	instance := any(parameters)
	if parameters == nil {
		instance = map[string]any{}
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("parameters for %s: %w", workflowName, err)
	}
	return nil
}
