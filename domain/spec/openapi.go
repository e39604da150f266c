package spec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// LoadOpenAPI parses an OpenAPI 3.x document (YAML or JSON) and registers
// one endpoint operation per (path, method).
func (r *Registry) LoadOpenAPI(data []byte) error {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return fmt.Errorf("parse openapi document: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := doc.Paths[path]
		if item == nil {
			continue
		}
		for method, op := range item.Operations() {
			if op == nil {
				continue
			}
			name := op.OperationID
			if name == "" {
				name = method + " " + path
			}
			r.addOperation(Operation{
				Name:        name,
				Kind:        KindEndpoint,
				Method:      method,
				PathPattern: path,
				Input:       r.convertRequestBody(op),
				Output:      r.convertResponse(op),
			})
		}
	}
	return nil
}

func (r *Registry) convertRequestBody(op *openapi3.Operation) *Schema {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	media := op.RequestBody.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil {
		return nil
	}
	return r.convertSchemaRef(media.Schema)
}

func (r *Registry) convertResponse(op *openapi3.Operation) *Schema {
	if op.Responses == nil {
		return nil
	}
	// Prefer the lowest 2xx response, then "default".
	codes := make([]string, 0, len(op.Responses))
	for code := range op.Responses {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var chosen *openapi3.ResponseRef
	for _, code := range codes {
		if strings.HasPrefix(code, "2") {
			chosen = op.Responses[code]
			break
		}
	}
	if chosen == nil {
		chosen = op.Responses["default"]
	}
	if chosen == nil || chosen.Value == nil {
		return nil
	}
	media := chosen.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil {
		return nil
	}
	return r.convertSchemaRef(media.Schema)
}

// convertSchemaRef converts a kin-openapi schema, interning named $ref
// targets into the registry ref table so cycles resolve in O(1).
func (r *Registry) convertSchemaRef(sr *openapi3.SchemaRef) *Schema {
	if sr == nil {
		return nil
	}
	if sr.Ref != "" {
		name := refName(sr.Ref)
		if _, seen := r.refs[name]; !seen {
			// Reserve the slot first so self-referencing schemas terminate.
			placeholder := &Schema{Type: "object"}
			r.refs[name] = placeholder
			if converted := r.convertSchema(sr.Value); converted != nil {
				*placeholder = *converted
			}
		}
		return &Schema{Ref: name}
	}
	return r.convertSchema(sr.Value)
}

func (r *Registry) convertSchema(src *openapi3.Schema) *Schema {
	if src == nil {
		return nil
	}

	// Flatten allOf into a single object schema; oneOf/anyOf pick the first
	// variant for synthesis purposes.
	if len(src.AllOf) > 0 {
		merged := &Schema{Type: "object", Properties: map[string]*Schema{}}
		for _, part := range src.AllOf {
			converted := r.convertSchemaRef(part)
			if converted == nil {
				continue
			}
			if converted.Ref != "" {
				if target, ok := r.refs[converted.Ref]; ok {
					converted = target
				} else {
					continue
				}
			}
			for name, prop := range converted.Properties {
				merged.Properties[name] = prop
			}
			merged.Required = append(merged.Required, converted.Required...)
		}
		return merged
	}
	if len(src.OneOf) > 0 {
		return r.convertSchemaRef(src.OneOf[0])
	}
	if len(src.AnyOf) > 0 {
		return r.convertSchemaRef(src.AnyOf[0])
	}

	out := &Schema{
		Type:     src.Type,
		Format:   src.Format,
		Enum:     src.Enum,
		Nullable: src.Nullable,
	}
	if out.Type == "" {
		if len(src.Properties) > 0 {
			out.Type = "object"
		} else if src.Items != nil {
			out.Type = "array"
		}
	}
	if len(src.Properties) > 0 {
		out.Properties = make(map[string]*Schema, len(src.Properties))
		for name, prop := range src.Properties {
			out.Properties[name] = r.convertSchemaRef(prop)
		}
	}
	out.Required = append(out.Required, src.Required...)
	if src.Items != nil {
		out.Items = r.convertSchemaRef(src.Items)
	}
	out.MinItems = int(src.MinItems)
	if src.MaxItems != nil {
		out.MaxItems = int(*src.MaxItems)
	}
	return out
}

func refName(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
