package lifecycle

import (
	"context"
	"time"

	"github.com/mockforge/mockforge/infrastructure/logging"
	"github.com/mockforge/mockforge/infrastructure/metrics"
	"github.com/mockforge/mockforge/domain/protocol"
)

// Handler processes one normalized request.
type Handler func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

// Middleware wraps a handler. The built-in set is closed (logging, and
// metrics when a collector is configured; the chaos layer runs inside the
// terminal handler); extra middleware passed to NewEngine is the single
// extension point for anything else. A middleware short-circuits by
// returning without calling next.
type Middleware func(next Handler) Handler

// loggingMiddleware emits one line per handled request.
func loggingMiddleware(logger *logging.Logger, clk interface{ Now() time.Time }) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			start := clk.Now()
			resp, err := next(ctx, req)
			status := 0
			source := ""
			if resp != nil {
				status = resp.Status
				source = string(resp.Source)
			}
			if err != nil {
				logger.WithContext(ctx).WithError(err).Warn("request failed")
			}
			logger.LogRequest(ctx, string(req.Protocol), req.Operation, req.Path, status, source, clk.Now().Sub(start))
			return resp, err
		}
	}
}

// metricsMiddleware tracks counts, durations, and in-flight gauge.
func metricsMiddleware(m *metrics.Metrics, clk interface{ Now() time.Time }) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			m.RequestsInFlight.Inc()
			start := clk.Now()
			resp, err := next(ctx, req)
			m.RequestsInFlight.Dec()

			status := 0
			source := "error"
			if resp != nil {
				status = resp.Status
				source = string(resp.Source)
			}
			m.ObserveRequest(string(req.Protocol), req.Operation, source, status, clk.Now().Sub(start))
			return resp, err
		}
	}
}

// chain composes middleware around a terminal handler, first middleware
// outermost.
func chainMiddleware(terminal Handler, mws ...Middleware) Handler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
