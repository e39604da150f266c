// Package route holds the ordered registry of explicit stubs and
// spec-backed routes. Reads go through a copy-on-write snapshot so the match
// path takes no lock; mutations serialize through a mutex and publish a new
// snapshot.
package route

import (
	"sync"
	"sync/atomic"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
	"github.com/mockforge/mockforge/domain/protocol"
)

// BehaviorKind describes how a route produces its mock body.
type BehaviorKind string

const (
	BehaviorStatic     BehaviorKind = "static"
	BehaviorTemplate   BehaviorKind = "template"
	BehaviorSpecBacked BehaviorKind = "spec"
	BehaviorStateful   BehaviorKind = "stateful"
)

// Behavior is a route's response descriptor.
type Behavior struct {
	Kind        BehaviorKind
	Body        []byte // static or template source
	ContentType string
	Status      int
	// SpecOperation names the spec operation to synthesize for
	// BehaviorSpecBacked routes.
	SpecOperation string
}

// ResolverConfig enables the chain steps for one route.
type ResolverConfig struct {
	Replay bool
	Fail   bool
	Proxy  bool
	Mock   bool
	Record bool

	// ReplayStrict makes a journal miss fail the chain instead of falling
	// through.
	ReplayStrict bool
	// StrictOnError propagates a resolver error instead of trying the next
	// step; keyed by resolver name.
	StrictOnError map[string]bool

	FailStatus int
	FailBody   []byte
	ProxyURL   string
	// SingleFlight coalesces concurrent identical proxy calls.
	SingleFlight bool
}

// DefaultResolvers enables only Mock.
func DefaultResolvers() ResolverConfig {
	return ResolverConfig{Mock: true}
}

// Route is one registry entry. Priority: lower matches earlier; ties break
// by insertion order.
type Route struct {
	Protocol  protocol.Protocol
	Operation string
	Pattern   string
	Priority  int
	Group     string
	Behavior  Behavior
	Resolvers ResolverConfig
	// RatioOverride pins the reality ratio for this route when non-nil.
	RatioOverride *float64
}

// Handle references a matched route plus captured template parameters.
type Handle struct {
	Route  *Route
	Params map[string]string
}

// RouteID identifies a route within the registry.
type RouteID int64

type compiledRoute struct {
	id      RouteID
	seq     int64
	route   Route
	matcher matcher
}

type snapshot struct {
	// ordered by (priority asc, seq asc)
	routes []*compiledRoute
}

// Registry is the ordered route table.
type Registry struct {
	mu      sync.Mutex
	nextID  int64
	nextSeq int64
	current atomic.Pointer[snapshot]
	// version increments on every mutation; the response cache keys on it.
	version atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{})
	return r
}

// Version returns the mutation counter.
func (r *Registry) Version() int64 {
	return r.version.Load()
}

// Add registers a route. Identical (protocol, operation, pattern, priority)
// is rejected with DuplicateRoute.
func (r *Registry) Add(route Route) (RouteID, error) {
	m, err := compilePattern(route.Pattern)
	if err != nil {
		return 0, coreerrors.Internal("route", "invalid route pattern", err).
			WithDetails("pattern", route.Pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	for _, existing := range snap.routes {
		if existing.route.Protocol == route.Protocol &&
			existing.route.Operation == route.Operation &&
			existing.route.Pattern == route.Pattern &&
			existing.route.Priority == route.Priority {
			return 0, coreerrors.DuplicateRoute("route", route.Pattern)
		}
	}

	r.nextID++
	r.nextSeq++
	cr := &compiledRoute{
		id:      RouteID(r.nextID),
		seq:     r.nextSeq,
		route:   route,
		matcher: m,
	}
	r.publish(append(copyRoutes(snap.routes), cr))
	return cr.id, nil
}

// Update replaces the route with the given id. The priority or pattern may
// change; ordering is recomputed.
func (r *Registry) Update(id RouteID, route Route) error {
	m, err := compilePattern(route.Pattern)
	if err != nil {
		return coreerrors.Internal("route", "invalid route pattern", err).
			WithDetails("pattern", route.Pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	routes := copyRoutes(snap.routes)
	for i, existing := range routes {
		if existing.id == id {
			routes[i] = &compiledRoute{id: id, seq: existing.seq, route: route, matcher: m}
			r.publish(routes)
			return nil
		}
	}
	return coreerrors.RouteNotFound("route", string(route.Protocol), route.Operation, route.Pattern)
}

// Remove deletes a route by id.
func (r *Registry) Remove(id RouteID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	routes := copyRoutes(snap.routes)
	for i, existing := range routes {
		if existing.id == id {
			r.publish(append(routes[:i], routes[i+1:]...))
			return true
		}
	}
	return false
}

// Match finds the first route matching the request, priority ascending,
// insertion order on ties. Lock-free.
func (r *Registry) Match(req *protocol.Request) (Handle, bool) {
	snap := r.current.Load()
	for _, cr := range snap.routes {
		if cr.route.Protocol != req.Protocol {
			continue
		}
		if cr.route.Operation != "" && cr.route.Operation != req.Operation {
			continue
		}
		if params, ok := cr.matcher.match(req.Path); ok {
			return Handle{Route: &cr.route, Params: params}, true
		}
	}
	return Handle{}, false
}

// Len returns the number of registered routes.
func (r *Registry) Len() int {
	return len(r.current.Load().routes)
}

// publish sorts and installs a new snapshot. Caller holds r.mu.
func (r *Registry) publish(routes []*compiledRoute) {
	sortRoutes(routes)
	r.current.Store(&snapshot{routes: routes})
	r.version.Add(1)
}

func copyRoutes(in []*compiledRoute) []*compiledRoute {
	out := make([]*compiledRoute, len(in))
	copy(out, in)
	return out
}

func sortRoutes(routes []*compiledRoute) {
	// Insertion sort keeps the common small-n case cheap and is stable.
	for i := 1; i < len(routes); i++ {
		for j := i; j > 0 && less(routes[j], routes[j-1]); j-- {
			routes[j], routes[j-1] = routes[j-1], routes[j]
		}
	}
}

func less(a, b *compiledRoute) bool {
	if a.route.Priority != b.route.Priority {
		return a.route.Priority < b.route.Priority
	}
	return a.seq < b.seq
}
