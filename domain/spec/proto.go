package spec

// The proto toolchain lives outside the core: an external parser delivers
// service definitions as the AST types below, and this file folds them into
// the operation catalog. Bodies are decoded value trees; wire encoding is
// the transport collaborator's job.

// ProtoService is one parsed service definition.
type ProtoService struct {
	Name    string
	Methods []ProtoMethod
}

// ProtoMethod is one RPC.
type ProtoMethod struct {
	Name   string
	Input  *ProtoMessage
	Output *ProtoMessage
}

// ProtoMessage is a parsed message type.
type ProtoMessage struct {
	Name   string
	Fields []ProtoField
}

// ProtoField is one message field. Scalar types use proto names (string,
// int32, int64, float, double, bool, bytes); message-typed fields carry
// Message; enum fields carry the value list.
type ProtoField struct {
	Name     string
	Type     string
	Repeated bool
	Optional bool
	Message  *ProtoMessage
	Enum     []string
}

// LoadProto registers service.Method operations from a parsed service set.
func (r *Registry) LoadProto(services []ProtoService) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, svc := range services {
		for _, m := range svc.Methods {
			r.addOperation(Operation{
				Name:        svc.Name + "." + m.Name,
				Kind:        KindRPC,
				PathPattern: "/" + svc.Name + "/" + m.Name,
				Input:       r.convertProtoMessage(m.Input),
				Output:      r.convertProtoMessage(m.Output),
			})
		}
	}
	return nil
}

func (r *Registry) convertProtoMessage(msg *ProtoMessage) *Schema {
	if msg == nil {
		return nil
	}
	name := "proto." + msg.Name
	if _, seen := r.refs[name]; !seen {
		placeholder := &Schema{Type: "object"}
		r.refs[name] = placeholder
		obj := &Schema{Type: "object", Properties: map[string]*Schema{}}
		for _, f := range msg.Fields {
			field := r.convertProtoField(f)
			obj.Properties[f.Name] = field
			if !f.Optional && !f.Repeated {
				obj.Required = append(obj.Required, f.Name)
			}
		}
		*placeholder = *obj
	}
	return &Schema{Ref: name}
}

func (r *Registry) convertProtoField(f ProtoField) *Schema {
	var elem *Schema
	switch {
	case f.Message != nil:
		elem = r.convertProtoMessage(f.Message)
	case len(f.Enum) > 0:
		elem = &Schema{Type: "string"}
		for _, v := range f.Enum {
			elem.Enum = append(elem.Enum, v)
		}
	default:
		elem = protoScalar(f.Type)
	}
	if f.Repeated {
		return &Schema{Type: "array", Items: elem}
	}
	return elem
}

func protoScalar(t string) *Schema {
	switch t {
	case "string":
		return &Schema{Type: "string"}
	case "bytes":
		return &Schema{Type: "string", Format: "byte"}
	case "bool":
		return &Schema{Type: "boolean"}
	case "float", "double":
		return &Schema{Type: "number"}
	case "int32", "int64", "uint32", "uint64", "sint32", "sint64",
		"fixed32", "fixed64", "sfixed32", "sfixed64":
		return &Schema{Type: "integer"}
	default:
		return &Schema{Type: "string"}
	}
}
