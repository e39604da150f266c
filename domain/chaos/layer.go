package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
	"github.com/mockforge/mockforge/infrastructure/clock"
	"github.com/mockforge/mockforge/infrastructure/logging"
	"github.com/mockforge/mockforge/infrastructure/metrics"
	"github.com/mockforge/mockforge/domain/protocol"
)

// Config assembles the chaos layer.
type Config struct {
	Enabled   bool
	Latency   LatencyProfile
	Faults    []Fault
	Breaker   BreakerConfig
	Bulkhead  BulkheadConfig
	// BandwidthBytesPerSec throttles response bytes in the post phase;
	// 0 disables shaping.
	BandwidthBytesPerSec int
	// Seed fixes the fault/latency RNG for reproducible tests; 0 draws a
	// random seed.
	Seed int64
}

// Layer is the two-phase chaos middleware. Pre may reject or delay a
// request before the resolver chain runs; the returned Completion must be
// finished on every exit path.
type Layer struct {
	enabled bool
	latency LatencyProfile
	faults  []compiledFault

	mu        sync.Mutex
	rng       *rand.Rand
	bulkheads map[string]*Bulkhead
	breakers  map[string]*Breaker

	bulkheadCfg BulkheadConfig
	breakerCfg  BreakerConfig
	limiter     *rate.Limiter

	clock   *clock.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewLayer builds a chaos layer.
func NewLayer(cfg Config, clk *clock.Clock, logger *logging.Logger, m *metrics.Metrics) *Layer {
	if clk == nil {
		clk = clock.Default()
	}
	if logger == nil {
		logger = logging.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	var limiter *rate.Limiter
	if cfg.BandwidthBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthBytesPerSec), cfg.BandwidthBytesPerSec)
	}
	return &Layer{
		enabled:     cfg.Enabled,
		latency:     cfg.Latency,
		faults:      compileFaults(cfg.Faults),
		rng:         rand.New(rand.NewSource(seed)),
		bulkheads:   make(map[string]*Bulkhead),
		breakers:    make(map[string]*Breaker),
		bulkheadCfg: cfg.Bulkhead,
		breakerCfg:  cfg.Breaker,
		limiter:     limiter,
		clock:       clk,
		logger:      logger,
		metrics:     m,
	}
}

// Enabled reports whether chaos processing is on.
func (l *Layer) Enabled() bool {
	return l.enabled
}

// BreakerFor returns (creating if needed) the endpoint's circuit breaker.
func (l *Layer) BreakerFor(endpoint string) *Breaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.breakers[endpoint]
	if !ok {
		cfg := l.breakerCfg
		if l.metrics != nil || l.logger != nil {
			userHook := cfg.OnStateChange
			ep := endpoint
			cfg.OnStateChange = func(from, to State) {
				if l.metrics != nil {
					l.metrics.ObserveBreakerTransition(ep, from.String(), to.String())
				}
				l.logger.LogChaosEvent(context.Background(), "breaker_transition", map[string]interface{}{
					"endpoint": ep,
					"from":     from.String(),
					"to":       to.String(),
				})
				if userHook != nil {
					userHook(from, to)
				}
			}
		}
		b = NewBreaker(cfg, l.clock)
		l.breakers[endpoint] = b
	}
	return b
}

// BulkheadFor returns (creating if needed) the service's bulkhead.
func (l *Layer) BulkheadFor(service string) *Bulkhead {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bulkheads[service]
	if !ok {
		b = NewBulkhead(service, l.bulkheadCfg)
		l.bulkheads[service] = b
	}
	return b
}

// Completion carries the post-phase obligations of one admitted request.
type Completion struct {
	layer    *Layer
	bulkhead *Bulkhead
	breaker  *Breaker
	tail     time.Duration
	finished bool
	mu       sync.Mutex
}

// Pre runs the admission pipeline: bulkhead, circuit breaker, fault
// injection, front latency. It returns either an injected response (fault),
// an admission error (BulkheadBusy, CircuitOpen, Cancelled), or a
// Completion the caller must Finish on every exit path. The Completion is
// non-nil whenever admission succeeded, including the injected-response
// case (the injection counts in breaker statistics).
func (l *Layer) Pre(ctx context.Context, req *protocol.Request, service, endpoint string) (*protocol.Response, *Completion, error) {
	if !l.enabled {
		return nil, &Completion{finished: true}, nil
	}

	bulkhead := l.BulkheadFor(service)
	if err := bulkhead.Acquire(ctx); err != nil {
		if l.metrics != nil && coreerrors.IsKind(err, coreerrors.KindBulkheadBusy) {
			reason, _ := coreerrors.GetCoreError(err).Details["reason"].(string)
			l.metrics.ObserveBulkheadRejection(reason)
		}
		return nil, nil, err
	}

	breaker := l.BreakerFor(endpoint)
	if !breaker.Allow() {
		bulkhead.Release()
		return nil, nil, coreerrors.CircuitOpen("chaos", endpoint)
	}

	completion := &Completion{layer: l, bulkhead: bulkhead, breaker: breaker}

	// Fault injection.
	l.mu.Lock()
	fault, fired := pick(l.faults, req.Path, l.rng)
	l.mu.Unlock()
	if fired {
		if l.metrics != nil {
			l.metrics.ObserveChaos(string(fault.Kind))
		}
		switch fault.Kind {
		case FaultError:
			status := fault.ErrorStatus
			if status == 0 {
				status = 500
			}
			resp := &protocol.Response{
				Status:      status,
				Body:        fault.ErrorBody,
				ContentType: "application/json",
				Source:      protocol.SourceFail,
				Trace:       protocol.TraceAnnotations{ChaosFlags: []string{"fault_injected"}},
			}
			return resp, completion, nil
		case FaultDrop:
			completion.Finish(ctx, nil, coreerrors.ChaosInjected("chaos", "connection_drop", 0))
			return nil, nil, coreerrors.ChaosInjected("chaos", "connection_drop", 0).
				WithDetails("drop_connection", true)
		case FaultLatencyTail:
			completion.tail = fault.Tail
		}
	}

	// Front latency.
	if err := sleep(ctx, l.latency.drawLocked(&l.mu, l.rng)); err != nil {
		breaker.RecordAborted()
		bulkhead.Release()
		completion.finished = true
		return nil, nil, coreerrors.Cancelled("chaos")
	}

	return nil, completion, nil
}

// Finish records the request outcome for the breaker, releases the
// bulkhead permit, and applies tail latency plus bandwidth shaping.
// Safe to call once; later calls are no-ops.
func (c *Completion) Finish(ctx context.Context, resp *protocol.Response, err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	if c.breaker != nil {
		switch {
		case err != nil && coreerrors.IsKind(err, coreerrors.KindCancelled):
			c.breaker.RecordAborted()
		case err != nil && coreerrors.CountsAsFailure(err):
			c.breaker.RecordFailure()
		case err != nil:
			c.breaker.RecordAborted()
		case resp != nil && !resp.Success():
			c.breaker.RecordFailure()
		default:
			c.breaker.RecordSuccess()
		}
	}
	if c.bulkhead != nil {
		c.bulkhead.Release()
	}

	if c.layer == nil {
		return
	}
	if c.tail > 0 {
		_ = sleep(ctx, c.tail)
	}
	if c.layer.limiter != nil && resp != nil && len(resp.Body) > 0 {
		n := len(resp.Body)
		if n > c.layer.limiter.Burst() {
			n = c.layer.limiter.Burst()
		}
		_ = c.layer.limiter.WaitN(ctx, n)
	}
}

// drawLocked samples the latency profile under the layer mutex (the shared
// rng is not goroutine-safe).
func (p LatencyProfile) drawLocked(mu *sync.Mutex, rng *rand.Rand) time.Duration {
	mu.Lock()
	defer mu.Unlock()
	return p.draw(rng)
}
