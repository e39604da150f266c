// Package lifecycle hosts the top-level coordinator: for each inbound
// request it runs the middleware chain, the chaos layer, the resolver
// chain, reality blending, and persona coercion, returning the final
// protocol response.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
	"github.com/mockforge/mockforge/infrastructure/cache"
	"github.com/mockforge/mockforge/infrastructure/clock"
	"github.com/mockforge/mockforge/infrastructure/logging"
	"github.com/mockforge/mockforge/infrastructure/metrics"
	"github.com/mockforge/mockforge/domain/chaos"
	"github.com/mockforge/mockforge/domain/fingerprint"
	"github.com/mockforge/mockforge/domain/persona"
	"github.com/mockforge/mockforge/domain/protocol"
	"github.com/mockforge/mockforge/domain/reality"
	"github.com/mockforge/mockforge/domain/recorder"
	"github.com/mockforge/mockforge/domain/resolver"
	"github.com/mockforge/mockforge/domain/route"
)

// Deps collects the core subsystems the engine coordinates. Construction is
// layered: load specs, build the route registry, build the engine, then
// hand it to transports.
type Deps struct {
	Routes   *route.Registry
	Chain    *resolver.Chain
	Chaos    *chaos.Layer
	Reality  *reality.Engine
	Personas *persona.Store
	Journal  *recorder.Journal
	Clock    *clock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Options tunes per-request behavior.
type Options struct {
	Fingerprint fingerprint.Options
	Session     SessionConfig
	// CacheEnabled keys a TTL response cache on
	// (fingerprint, registry version, ratio bucket).
	CacheEnabled bool
	CacheTTL     time.Duration
	CacheMax     int
	// RealityEnabled turns on blending after the resolver chain.
	RealityEnabled bool
	// FlexReplay normalizes id segments on replay fingerprint misses.
	FlexReplay bool
}

// Engine is the request lifecycle coordinator.
type Engine struct {
	deps    Deps
	opts    Options
	cache   *cache.Cache[*protocol.Response]
	handler Handler
}

// NewEngine wires the engine and its built-in middleware.
func NewEngine(deps Deps, opts Options, extra ...Middleware) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}

	e := &Engine{deps: deps, opts: opts}
	if opts.CacheEnabled {
		e.cache = cache.New[*protocol.Response](cache.Config{
			TTL:        opts.CacheTTL,
			MaxEntries: opts.CacheMax,
		})
	}

	mws := []Middleware{loggingMiddleware(deps.Logger, deps.Clock)}
	if deps.Metrics != nil {
		mws = append(mws, metricsMiddleware(deps.Metrics, deps.Clock))
	}
	mws = append(mws, extra...)
	e.handler = chainMiddleware(e.process, mws...)
	return e
}

// OnRequest is the transport entry point. The deadline bounds the whole
// lifecycle; ctx carries the cancellation token.
func (e *Engine) OnRequest(ctx context.Context, req *protocol.Request, deadline time.Time) (*protocol.Response, error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	e.normalize(&ctx, req)

	resp, err := e.handler(ctx, req)
	if err != nil {
		return e.surfaceError(ctx, err)
	}
	return resp, nil
}

// normalize stamps arrival, trace id, and session identity.
func (e *Engine) normalize(ctx *context.Context, req *protocol.Request) {
	if req.Arrived.IsZero() {
		req.Arrived = e.deps.Clock.Now()
	}
	traceID := req.Header("trace_id")
	if traceID == "" {
		traceID = logging.NewTraceID()
	}
	*ctx = logging.WithTraceID(*ctx, traceID)

	if req.SessionID == "" {
		req.SessionID = deriveSessionID(req, e.opts.Session, e.deps.Clock)
		if req.SessionID == "" && e.opts.Session.AutoCreate {
			req.SessionID = newSessionID()
		}
	}
	*ctx = logging.WithSessionID(*ctx, req.SessionID)
}

// process is the terminal handler behind the middleware chain.
func (e *Engine) process(ctx context.Context, req *protocol.Request) (resp *protocol.Response, err error) {
	service := string(req.Protocol)
	endpoint := req.Operation + " " + req.Path

	var completion *chaos.Completion
	if e.deps.Chaos != nil {
		var injected *protocol.Response
		injected, completion, err = e.deps.Chaos.Pre(ctx, req, service, endpoint)
		if err != nil {
			if coreerrors.IsKind(err, coreerrors.KindCircuitOpen) {
				if fallback, ok := e.circuitFallback(req); ok {
					return fallback, nil
				}
			}
			return nil, err
		}
		if injected != nil {
			completion.Finish(ctx, injected, nil)
			return injected, nil
		}
		defer func() {
			completion.Finish(ctx, resp, err)
		}()
	}

	fp := fingerprint.Compute(req, e.opts.Fingerprint)

	handle, matched := e.deps.Routes.Match(req)
	if !matched {
		return nil, coreerrors.RouteNotFound("lifecycle",
			string(req.Protocol), req.Operation, req.Path)
	}

	ratio := 0.0
	if e.opts.RealityEnabled && e.deps.Reality != nil {
		ratio = e.deps.Reality.EffectiveRatio(handle.Route.RatioOverride, handle.Route.Group)
	}

	key := cache.Key{
		Fingerprint:     fp,
		DecisionVersion: e.deps.Routes.Version(),
		RatioBucket:     cache.BucketRatio(ratio),
	}
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			if e.deps.Metrics != nil {
				e.deps.Metrics.CacheHits.Inc()
			}
			out := cached.Clone()
			out.Trace.CacheHit = true
			return out, nil
		}
		if e.deps.Metrics != nil {
			e.deps.Metrics.CacheMisses.Inc()
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, e.mapContextErr(err)
	}

	resp, err = e.deps.Chain.Execute(ctx, resolver.Input{
		Req:         req,
		Handle:      handle,
		Fingerprint: fp,
		SessionID:   req.SessionID,
		FlexReplay:  e.opts.FlexReplay,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, e.mapContextErr(ctxErr)
		}
		return nil, err
	}

	if e.opts.RealityEnabled && e.deps.Reality != nil && ratio > 0 {
		resp = e.blend(resp, fp, ratio)
	}

	if e.deps.Personas != nil && req.SessionID != "" {
		resp.Body = e.deps.Personas.Coerce(req.SessionID, resp.Body)
		e.deps.Personas.RecordInteraction(req.SessionID, endpoint)
	}

	if e.cache != nil && resp.Success() && cacheableSource(resp.Source) {
		e.cache.Set(key, resp.Clone())
	}
	return resp, nil
}

// blend mixes the chain result with the journal's recorded snapshot per the
// effective ratio.
func (e *Engine) blend(resp *protocol.Response, fp uint64, ratio float64) *protocol.Response {
	var mock, recorded, live []byte
	switch resp.Source {
	case protocol.SourceProxy:
		live = resp.Body
	case protocol.SourceReplay:
		recorded = resp.Body
	default:
		mock = resp.Body
	}
	if recorded == nil && e.deps.Journal != nil {
		if entry, ok := e.deps.Journal.Lookup(fp); ok && entry.Response != nil {
			recorded = entry.Response.Body
		}
	}

	blended, source, err := e.deps.Reality.Blend(mock, recorded, live, ratio)
	if err != nil {
		return resp
	}
	out := resp.Clone()
	out.Body = blended
	out.Source = source
	out.Trace.BlendRatio = ratio
	return out
}

// circuitFallback serves a cached response while the breaker is open.
func (e *Engine) circuitFallback(req *protocol.Request) (*protocol.Response, bool) {
	if e.cache == nil {
		return nil, false
	}
	fp := fingerprint.Compute(req, e.opts.Fingerprint)
	version := e.deps.Routes.Version()
	for bucket := 0; bucket <= 10; bucket++ {
		if cached, ok := e.cache.Get(cache.Key{Fingerprint: fp, DecisionVersion: version, RatioBucket: bucket}); ok {
			out := cached.Clone()
			out.Trace.CacheHit = true
			out.Trace.ChaosFlags = append(out.Trace.ChaosFlags, "circuit_open_fallback")
			return out, true
		}
	}
	return nil, false
}

func (e *Engine) mapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return coreerrors.Timeout("lifecycle", "request")
	}
	return coreerrors.Cancelled("lifecycle")
}

// surfaceError converts a core error into its protocol-equivalent response.
// Cancelled requests emit no response at all.
func (e *Engine) surfaceError(ctx context.Context, err error) (*protocol.Response, error) {
	if coreerrors.IsKind(err, coreerrors.KindCancelled) {
		return nil, err
	}

	ce := coreerrors.GetCoreError(err)
	if ce == nil {
		ce = coreerrors.Internal("lifecycle", "unexpected error", err)
	}
	body, marshalErr := json.Marshal(ce)
	if marshalErr != nil {
		body = []byte(`{"kind":"internal"}`)
	}
	return &protocol.Response{
		Status:      coreerrors.HTTPStatus(err),
		Body:        body,
		ContentType: "application/json",
		Source:      protocol.SourceFail,
	}, nil
}

func cacheableSource(s protocol.Source) bool {
	return s == protocol.SourceMock || s == protocol.SourceBlended
}
