package spec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
)

// Registry holds the operations and schemas of all loaded documents.
type Registry struct {
	mu     sync.RWMutex
	ops    []Operation
	byName map[string]int
	refs   map[string]*Schema
	// gqlSchema is retained for selection-set aware synthesis.
	gqlSchema *ast.Schema
}

// NewRegistry returns an empty spec registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]int),
		refs:   make(map[string]*Schema),
	}
}

// Operations returns the catalog in load order.
func (r *Registry) Operations() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Operation, len(r.ops))
	copy(out, r.ops)
	return out
}

// Operation looks up one catalog entry by name.
func (r *Registry) Operation(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byName[name]
	if !ok {
		return Operation{}, false
	}
	return r.ops[idx], true
}

// Refs exposes the resolved $ref table.
func (r *Registry) Refs() map[string]*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs
}

func (r *Registry) addOperation(op Operation) {
	if _, exists := r.byName[op.Name]; exists {
		return
	}
	r.byName[op.Name] = len(r.ops)
	r.ops = append(r.ops, op)
}

// ValidateRequest checks a request body against the operation's input
// schema. Missing or mistyped fields are reported together.
func (r *Registry) ValidateRequest(op Operation, body []byte) error {
	if op.Input == nil {
		return nil
	}
	if len(body) == 0 {
		return coreerrors.Validation("spec", "(body)", "request body required")
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return coreerrors.Validation("spec", "(body)", "request body is not valid JSON")
	}

	r.mu.RLock()
	refs := r.refs
	r.mu.RUnlock()

	var problems []string
	validateValue(op.Input, refs, v, "", &problems, 0)
	if len(problems) > 0 {
		err := coreerrors.Validation("spec", "(body)", "schema validation failed")
		err.WithDetails("fields", problems)
		return err
	}
	return nil
}

func validateValue(s *Schema, refs map[string]*Schema, v interface{}, path string, problems *[]string, depth int) {
	if s == nil || depth > refDepthLimit*2 {
		return
	}
	if s.Ref != "" {
		target, ok := refs[s.Ref]
		if !ok {
			return
		}
		validateValue(target, refs, v, path, problems, depth+1)
		return
	}
	if v == nil {
		if !s.Nullable && s.Type != "null" {
			*problems = append(*problems, fmt.Sprintf("%s: null not allowed", orBody(path)))
		}
		return
	}

	switch s.Type {
	case "object":
		obj, ok := v.(map[string]interface{})
		if !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected object", orBody(path)))
			return
		}
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				*problems = append(*problems, fmt.Sprintf("%s: missing required field", join(path, name)))
			}
		}
		for name, val := range obj {
			if prop, known := s.Properties[name]; known {
				validateValue(prop, refs, val, join(path, name), problems, depth+1)
			}
		}
	case "array":
		arr, ok := v.([]interface{})
		if !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected array", orBody(path)))
			return
		}
		if s.MinItems > 0 && len(arr) < s.MinItems {
			*problems = append(*problems, fmt.Sprintf("%s: fewer than %d items", orBody(path), s.MinItems))
		}
		if s.MaxItems > 0 && len(arr) > s.MaxItems {
			*problems = append(*problems, fmt.Sprintf("%s: more than %d items", orBody(path), s.MaxItems))
		}
		for i, item := range arr {
			validateValue(s.Items, refs, item, fmt.Sprintf("%s[%d]", path, i), problems, depth+1)
		}
	case "string":
		if _, ok := v.(string); !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected string", orBody(path)))
		}
	case "integer":
		f, ok := v.(float64)
		if !ok || f != float64(int64(f)) {
			*problems = append(*problems, fmt.Sprintf("%s: expected integer", orBody(path)))
		}
	case "number":
		if _, ok := v.(float64); !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected number", orBody(path)))
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			*problems = append(*problems, fmt.Sprintf("%s: expected boolean", orBody(path)))
		}
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func orBody(path string) string {
	if path == "" {
		return "(body)"
	}
	return path
}

// GenerateMockResponse synthesizes a response body for the operation.
// GraphQL operations honor the request's selection set when the raw query
// is supplied; other kinds render the full output schema.
func (r *Registry) GenerateMockResponse(op Operation, rawQuery string, gen *Generator) (interface{}, error) {
	r.mu.RLock()
	refs := r.refs
	gqlSchema := r.gqlSchema
	r.mu.RUnlock()

	if op.Kind == KindQuery || op.Kind == KindMutation {
		return r.generateGraphQL(op, rawQuery, gqlSchema, refs, gen)
	}
	if op.Output == nil {
		return map[string]interface{}{}, nil
	}
	return gen.FromSchema(op.Output, refs), nil
}
