package route

import (
	"github.com/mockforge/mockforge/domain/protocol"
	"github.com/mockforge/mockforge/domain/spec"
)

// FromSpec bulk-registers spec-backed routes for every operation in the
// spec registry at the given priority. Endpoint operations become HTTP
// routes, GraphQL operations attach to the /graphql path, and RPCs map to
// gRPC method paths.
func FromSpec(r *Registry, specs *spec.Registry, priority int) error {
	for _, op := range specs.Operations() {
		rt := Route{
			Priority: priority,
			Behavior: Behavior{
				Kind:          BehaviorSpecBacked,
				SpecOperation: op.Name,
			},
			Resolvers: DefaultResolvers(),
		}
		switch op.Kind {
		case spec.KindEndpoint:
			rt.Protocol = protocol.ProtocolHTTP
			rt.Operation = op.Method
			rt.Pattern = op.PathPattern
		case spec.KindQuery, spec.KindMutation:
			rt.Protocol = protocol.ProtocolGraphQL
			rt.Operation = op.Name
			rt.Pattern = op.PathPattern
		case spec.KindRPC:
			rt.Protocol = protocol.ProtocolGRPC
			rt.Operation = op.Name
			rt.Pattern = op.PathPattern
		default:
			continue
		}
		if _, err := r.Add(rt); err != nil {
			return err
		}
	}
	return nil
}
