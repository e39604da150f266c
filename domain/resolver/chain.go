// Package resolver implements the ordered resolver pipeline
// (Replay, Fail, Proxy, Mock, Record) that produces the raw response.
// Each resolver returns an outcome value; errors are values, not panics.
package resolver

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
	"github.com/mockforge/mockforge/infrastructure/clock"
	"github.com/mockforge/mockforge/infrastructure/logging"
	"github.com/mockforge/mockforge/infrastructure/metrics"
	"github.com/mockforge/mockforge/domain/protocol"
	"github.com/mockforge/mockforge/domain/recorder"
	"github.com/mockforge/mockforge/domain/route"
	"github.com/mockforge/mockforge/domain/spec"
)

// Resolver names, in chain order.
const (
	NameReplay = "replay"
	NameFail   = "fail"
	NameProxy  = "proxy"
	NameMock   = "mock"
	NameRecord = "record"
)

// Outcome is the sum type a resolver step returns: exactly one of Response,
// Skip, or Err is meaningful.
type Outcome struct {
	Response *protocol.Response
	Err      error
	Skipped  bool
	Reason   string
}

// Respond ends the chain with a response.
func Respond(r *protocol.Response) Outcome { return Outcome{Response: r} }

// Skip moves to the next resolver.
func Skip(reason string) Outcome { return Outcome{Skipped: true, Reason: reason} }

// Fail carries a resolver error; the chain falls through unless the
// resolver is strict.
func Fail(err error) Outcome { return Outcome{Err: err} }

// ProxyFunc is the transport collaborator that performs live upstream
// calls.
type ProxyFunc func(ctx context.Context, upstreamURL string, req *protocol.Request) (*protocol.Response, error)

// Input is everything a resolver may need for one request.
type Input struct {
	Req         *protocol.Request
	Handle      route.Handle
	Fingerprint uint64
	SessionID   string
	// FlexReplay enables flex-mode journal lookup on fingerprint miss.
	FlexReplay bool
}

// Chain executes the five resolvers in fixed order, honoring per-route
// enablement and strictness.
type Chain struct {
	journal  *recorder.Journal
	specs    *spec.Registry
	proxy    ProxyFunc
	template *TemplateEngine

	flights singleflight.Group

	clock   *clock.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewChain assembles the resolver chain. proxy may be nil when no upstream
// is configured; Proxy and Record then skip.
func NewChain(journal *recorder.Journal, specs *spec.Registry, proxy ProxyFunc, template *TemplateEngine, clk *clock.Clock, logger *logging.Logger, m *metrics.Metrics) *Chain {
	if clk == nil {
		clk = clock.Default()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if template == nil {
		template = NewTemplateEngine(clk, nil)
	}
	return &Chain{
		journal:  journal,
		specs:    specs,
		proxy:    proxy,
		template: template,
		clock:    clk,
		logger:   logger,
		metrics:  m,
	}
}

type step struct {
	name    string
	enabled bool
	run     func(ctx context.Context, in Input) Outcome
}

// Execute runs the enabled resolvers in order. The response's trace records
// the resolver path taken.
func (c *Chain) Execute(ctx context.Context, in Input) (*protocol.Response, error) {
	cfg := in.Handle.Route.Resolvers
	steps := []step{
		{NameReplay, cfg.Replay, c.resolveReplay},
		{NameFail, cfg.Fail, c.resolveFail},
		{NameProxy, cfg.Proxy, c.resolveProxy},
		{NameMock, cfg.Mock, c.resolveMock},
		{NameRecord, cfg.Record, c.resolveRecord},
	}

	var path []string
	for _, s := range steps {
		if !s.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, coreerrors.Cancelled("resolver")
		}

		outcome := s.run(ctx, in)
		path = append(path, s.name)
		c.observe(ctx, s.name, outcome)

		switch {
		case outcome.Response != nil:
			outcome.Response.Trace.ResolverPath = path
			return outcome.Response, nil
		case outcome.Err != nil:
			// Strict replay misses always end the chain; other errors end
			// it only when the resolver is marked strict.
			if cfg.StrictOnError[s.name] || (s.name == NameReplay && cfg.ReplayStrict) {
				return nil, outcome.Err
			}
			// Fall through to the next resolver.
		}
	}

	return nil, coreerrors.RouteNotFound("resolver",
		string(in.Req.Protocol), in.Req.Operation, in.Req.Path)
}

func (c *Chain) observe(ctx context.Context, name string, o Outcome) {
	outcome := "respond"
	if o.Skipped {
		outcome = "skip"
	} else if o.Err != nil {
		outcome = "error"
	}
	if c.metrics != nil {
		c.metrics.ObserveResolver(name, outcome)
	}
	c.logger.LogResolver(ctx, name, outcome)
}

// resolveReplay serves journal entries by fingerprint. In strict mode a
// miss fails the chain; in flex mode it falls through after a normalized
// lookup attempt.
func (c *Chain) resolveReplay(ctx context.Context, in Input) Outcome {
	if c.journal == nil {
		return Skip("no journal")
	}
	if entry, ok := c.journal.Lookup(in.Fingerprint); ok {
		return Respond(replayResponse(entry))
	}
	if in.FlexReplay {
		inputs := recorder.FingerprintInputs{
			Protocol:  string(in.Req.Protocol),
			Operation: in.Req.Operation,
			Path:      in.Req.Path,
			Body:      in.Req.Body,
		}
		if entry, ok := c.journal.LookupFlex(inputs); ok {
			return Respond(replayResponse(entry))
		}
		return Skip("no journal entry")
	}
	if in.Handle.Route.Resolvers.ReplayStrict {
		return Fail(coreerrors.RouteNotFound("resolver.replay",
			string(in.Req.Protocol), in.Req.Operation, in.Req.Path).
			WithDetails("fingerprint", in.Fingerprint))
	}
	return Skip("no journal entry")
}

func replayResponse(entry recorder.Entry) *protocol.Response {
	resp := entry.Response.Clone()
	resp.Source = protocol.SourceReplay
	return resp
}

// resolveFail unconditionally emits the configured error; the error IS the
// result and ends the chain.
func (c *Chain) resolveFail(_ context.Context, in Input) Outcome {
	cfg := in.Handle.Route.Resolvers
	status := cfg.FailStatus
	if status == 0 {
		status = 500
	}
	return Respond(&protocol.Response{
		Status:      status,
		Body:        cfg.FailBody,
		ContentType: "application/json",
		Source:      protocol.SourceFail,
	})
}

// resolveProxy forwards to the configured upstream, optionally coalescing
// concurrent identical requests behind one call.
func (c *Chain) resolveProxy(ctx context.Context, in Input) Outcome {
	cfg := in.Handle.Route.Resolvers
	if c.proxy == nil || cfg.ProxyURL == "" {
		return Skip("no upstream configured")
	}

	call := func() (*protocol.Response, error) {
		return c.proxy(ctx, cfg.ProxyURL, in.Req)
	}

	var resp *protocol.Response
	var err error
	if cfg.SingleFlight {
		key := flightKey(in.Fingerprint)
		var v interface{}
		v, err, _ = c.flights.Do(key, func() (interface{}, error) {
			return call()
		})
		if v != nil {
			resp = v.(*protocol.Response)
		}
	} else {
		resp, err = call()
	}

	if err != nil {
		return Fail(coreerrors.Upstream("resolver.proxy", cfg.ProxyURL, err))
	}
	out := resp.Clone()
	out.Source = protocol.SourceProxy
	return Respond(out)
}

func flightKey(fp uint64) string {
	var b [16]byte
	const hex = "0123456789abcdef"
	for i := 0; i < 16; i++ {
		b[15-i] = hex[(fp>>(4*i))&0xf]
	}
	return string(b[:])
}

// resolveMock produces a response from the route behavior: a static body,
// an expanded template, or spec-backed synthesis.
func (c *Chain) resolveMock(ctx context.Context, in Input) Outcome {
	behavior := in.Handle.Route.Behavior
	status := behavior.Status
	if status == 0 {
		status = 200
	}
	contentType := behavior.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	switch behavior.Kind {
	case route.BehaviorStatic:
		return Respond(&protocol.Response{
			Status:      status,
			Body:        behavior.Body,
			ContentType: contentType,
			Source:      protocol.SourceMock,
		})

	case route.BehaviorTemplate, route.BehaviorStateful:
		seed := templateSeed(in.SessionID, in.Fingerprint)
		body := c.template.Expand(ctx, string(behavior.Body), rngFor(seed), fakerFor(seed))
		return Respond(&protocol.Response{
			Status:      status,
			Body:        []byte(body),
			ContentType: contentType,
			Source:      protocol.SourceMock,
		})

	case route.BehaviorSpecBacked:
		return c.mockFromSpec(in, status, contentType)

	default:
		return Skip("no mock behavior")
	}
}

func (c *Chain) mockFromSpec(in Input, status int, contentType string) Outcome {
	if c.specs == nil {
		return Skip("no spec registry")
	}
	op, ok := c.specs.Operation(in.Handle.Route.Behavior.SpecOperation)
	if !ok {
		return Skip("unknown spec operation")
	}

	if err := c.specs.ValidateRequest(op, in.Req.Body); err != nil {
		// ValidationError surfaces as a 400-equivalent response via Fail
		// semantics; it is never retried.
		body, _ := json.Marshal(coreerrors.GetCoreError(err))
		return Respond(&protocol.Response{
			Status:      coreerrors.HTTPStatus(err),
			Body:        body,
			ContentType: "application/json",
			Source:      protocol.SourceFail,
		})
	}

	gen := spec.NewGenerator(templateSeed(in.SessionID, in.Fingerprint), c.clock)
	value, err := c.specs.GenerateMockResponse(op, rawGraphQLQuery(in.Req), gen)
	if err != nil {
		return Fail(coreerrors.Internal("resolver.mock", "mock synthesis failed", err))
	}
	body, err := json.Marshal(value)
	if err != nil {
		return Fail(coreerrors.Internal("resolver.mock", "mock serialization failed", err))
	}
	return Respond(&protocol.Response{
		Status:      status,
		Body:        body,
		ContentType: contentType,
		Source:      protocol.SourceMock,
	})
}

// rawGraphQLQuery extracts the query text from a GraphQL request body.
func rawGraphQLQuery(req *protocol.Request) string {
	if req.Protocol != protocol.ProtocolGraphQL || len(req.Body) == 0 {
		return ""
	}
	if q := gjson.GetBytes(req.Body, "query"); q.Exists() {
		return q.String()
	}
	return string(req.Body)
}

// resolveRecord passes through to the upstream and journals the live
// response as a side effect.
func (c *Chain) resolveRecord(ctx context.Context, in Input) Outcome {
	cfg := in.Handle.Route.Resolvers
	if c.proxy == nil || cfg.ProxyURL == "" {
		return Skip("no upstream configured")
	}

	start := c.clock.Now()
	resp, err := c.proxy(ctx, cfg.ProxyURL, in.Req)
	if err != nil {
		return Fail(coreerrors.Upstream("resolver.record", cfg.ProxyURL, err))
	}
	latency := c.clock.Now().Sub(start)

	if c.journal != nil {
		c.journal.Append(in.Req, in.Fingerprint, resp, latency)
	}
	out := resp.Clone()
	out.Source = protocol.SourceProxy
	return Respond(out)
}
