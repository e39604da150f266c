package spec

import (
	"fmt"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// LoadGraphQL parses an SDL document and registers Query.<field> and
// Mutation.<field> operations.
func (r *Registry) LoadGraphQL(sdl []byte) error {
	schema, gerr := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: string(sdl)})
	if gerr != nil {
		return fmt.Errorf("parse graphql sdl: %w", gerr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.gqlSchema = schema
	if schema.Query != nil {
		r.addRootFields("Query", KindQuery, schema, schema.Query)
	}
	if schema.Mutation != nil {
		r.addRootFields("Mutation", KindMutation, schema, schema.Mutation)
	}
	return nil
}

func (r *Registry) addRootFields(prefix string, kind OperationKind, schema *ast.Schema, root *ast.Definition) {
	for _, field := range root.Fields {
		// Introspection fields are not mockable operations.
		if len(field.Name) >= 2 && field.Name[:2] == "__" {
			continue
		}
		var input *Schema
		if len(field.Arguments) > 0 {
			input = &Schema{Type: "object", Properties: map[string]*Schema{}}
			for _, arg := range field.Arguments {
				input.Properties[arg.Name] = r.convertGQLType(schema, arg.Type)
				if arg.Type.NonNull {
					input.Required = append(input.Required, arg.Name)
				}
			}
		}
		r.addOperation(Operation{
			Name:        prefix + "." + field.Name,
			Kind:        kind,
			PathPattern: "/graphql",
			Input:       input,
			Output:      r.convertGQLType(schema, field.Type),
		})
	}
}

// convertGQLType maps a GraphQL type reference onto the internal schema,
// interning object and enum types into the ref table.
func (r *Registry) convertGQLType(schema *ast.Schema, t *ast.Type) *Schema {
	if t == nil {
		return nil
	}
	if t.Elem != nil {
		return &Schema{Type: "array", Items: r.convertGQLType(schema, t.Elem)}
	}

	switch t.NamedType {
	case "Int":
		return &Schema{Type: "integer"}
	case "Float":
		return &Schema{Type: "number"}
	case "String":
		return &Schema{Type: "string"}
	case "Boolean":
		return &Schema{Type: "boolean"}
	case "ID":
		return &Schema{Type: "string", Format: "uuid"}
	}

	def, ok := schema.Types[t.NamedType]
	if !ok {
		return &Schema{Type: "string"}
	}
	switch def.Kind {
	case ast.Enum:
		enum := &Schema{Type: "string"}
		for _, v := range def.EnumValues {
			enum.Enum = append(enum.Enum, v.Name)
		}
		return enum
	case ast.Scalar:
		return &Schema{Type: "string"}
	case ast.Object, ast.InputObject, ast.Interface:
		name := "gql." + def.Name
		if _, seen := r.refs[name]; !seen {
			placeholder := &Schema{Type: "object"}
			r.refs[name] = placeholder
			obj := &Schema{Type: "object", Properties: map[string]*Schema{}}
			for _, field := range def.Fields {
				obj.Properties[field.Name] = r.convertGQLType(schema, field.Type)
				if field.Type.NonNull {
					obj.Required = append(obj.Required, field.Name)
				}
			}
			*placeholder = *obj
		}
		return &Schema{Ref: name}
	default:
		return &Schema{Type: "string"}
	}
}

// generateGraphQL renders {"data": {<field>: value}} honoring the request's
// selection set when rawQuery parses against the loaded schema. Unselected
// fields are not emitted.
func (r *Registry) generateGraphQL(op Operation, rawQuery string, schema *ast.Schema, refs map[string]*Schema, gen *Generator) (interface{}, error) {
	fieldName := op.Name
	if i := lastDot(fieldName); i >= 0 {
		fieldName = fieldName[i+1:]
	}

	full := gen.FromSchema(op.Output, refs)

	if rawQuery != "" && schema != nil {
		if doc, gerr := gqlparser.LoadQuery(schema, rawQuery); gerr == nil && len(doc.Operations) > 0 {
			for _, sel := range doc.Operations[0].SelectionSet {
				if f, ok := sel.(*ast.Field); ok && f.Name == fieldName {
					full = filterSelection(full, f.SelectionSet)
				}
			}
		}
	}

	return map[string]interface{}{
		"data": map[string]interface{}{fieldName: full},
	}, nil
}

// filterSelection prunes a generated value down to the requested fields.
func filterSelection(v interface{}, selections ast.SelectionSet) interface{} {
	if len(selections) == 0 {
		return v
	}
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(selections))
		for _, sel := range selections {
			f, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			if inner, present := t[f.Name]; present {
				out[f.Name] = filterSelection(inner, f.SelectionSet)
			} else {
				// Selected but not generated (optional field): null keeps
				// the response shape aligned with the selection set.
				out[f.Name] = nil
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			out = append(out, filterSelection(item, selections))
		}
		return out
	default:
		return v
	}
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}
