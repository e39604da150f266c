// Package chaos applies latency injection, fault injection, circuit
// breaking, and bulkheading as a two-phase middleware around the resolver
// chain.
package chaos

import (
	"sync"
	"time"

	"github.com/mockforge/mockforge/infrastructure/clock"
)

// State represents circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig for one endpoint's circuit breaker.
type BreakerConfig struct {
	FailureThreshold    int           // consecutive failures before opening
	SuccessThreshold    int           // half-open successes before closing
	Timeout             time.Duration // time in open state before half-open
	HalfOpenMax         int           // max requests admitted in half-open
	FailureRateThresh   float64       // 0 disables rate-based opening
	MinRequestsForRate  int
	RollingWindow       time.Duration
	DynamicThresholds   bool
	MinThreshold        int
	MaxThreshold        int
	OnStateChange       func(from, to State)
}

// DefaultBreakerConfig returns sensible defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMax:      3,
		RollingWindow:    time.Minute,
		MinThreshold:     2,
		MaxThreshold:     20,
	}
}

type windowSample struct {
	at      time.Time
	failure bool
}

// Breaker implements the circuit breaker pattern with virtual-clock timing.
type Breaker struct {
	mu     sync.Mutex
	config BreakerConfig
	clock  *clock.Clock

	state            State
	consecutiveFails int
	halfOpenAdmitted int
	halfOpenSuccess  int
	openedAt         time.Time
	openTimeout      time.Duration // doubles on each half-open failure

	failureThreshold int // current (possibly dynamically scaled) threshold
	window           []windowSample
}

// NewBreaker creates a circuit breaker in the Closed state.
func NewBreaker(cfg BreakerConfig, clk *clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = time.Minute
	}
	if cfg.MinThreshold <= 0 {
		cfg.MinThreshold = 1
	}
	if cfg.MaxThreshold <= 0 {
		cfg.MaxThreshold = cfg.FailureThreshold * 4
	}
	if clk == nil {
		clk = clock.Default()
	}
	return &Breaker{
		config:           cfg,
		clock:            clk,
		state:            StateClosed,
		openTimeout:      cfg.Timeout,
		failureThreshold: cfg.FailureThreshold,
	}
}

// State returns the current breaker state. An Open breaker whose timeout
// has elapsed still reports Open until the next Allow moves it to HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. In the Open state it
// transitions to HalfOpen once the timeout has elapsed; HalfOpen admits at
// most HalfOpenMax probes in total until the breaker closes or reopens
// (only an aborted probe gives its slot back).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.openTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenAdmitted = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenAdmitted >= b.config.HalfOpenMax {
			return false
		}
		b.halfOpenAdmitted++
		return true
	}
	return false
}

// RecordSuccess notes a successful outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sample(false)
	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.config.SuccessThreshold {
			b.openTimeout = b.config.Timeout
			b.transition(StateClosed)
		}
	}
	b.adjustThreshold()
}

// RecordFailure notes a failed outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sample(true)
	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.failureThreshold || b.rateExceeded() {
			b.open()
		}
	case StateHalfOpen:
		// Any half-open failure reopens with a doubled timeout.
		b.openTimeout *= 2
		b.open()
	}
	b.adjustThreshold()
}

// RecordAborted notes a client cancellation: neither success nor failure.
func (b *Breaker) RecordAborted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenAdmitted > 0 {
		// The probe slot frees up without a verdict.
		b.halfOpenAdmitted--
	}
}

func (b *Breaker) open() {
	b.openedAt = b.clock.Now()
	b.consecutiveFails = 0
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateHalfOpen {
		b.halfOpenSuccess = 0
	}
	if to == StateClosed {
		b.consecutiveFails = 0
		b.halfOpenAdmitted = 0
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}

// sample appends to the rolling window and prunes expired entries.
// Caller holds b.mu.
func (b *Breaker) sample(failure bool) {
	now := b.clock.Now()
	b.window = append(b.window, windowSample{at: now, failure: failure})
	cutoff := now.Add(-b.config.RollingWindow)
	i := 0
	for ; i < len(b.window); i++ {
		if !b.window[i].at.Before(cutoff) {
			break
		}
	}
	b.window = b.window[i:]
}

// rateExceeded checks the failure-rate opening condition. Caller holds b.mu.
func (b *Breaker) rateExceeded() bool {
	if b.config.FailureRateThresh <= 0 || len(b.window) < b.config.MinRequestsForRate {
		return false
	}
	failures := 0
	for _, s := range b.window {
		if s.failure {
			failures++
		}
	}
	return float64(failures)/float64(len(b.window)) >= b.config.FailureRateThresh
}

// adjustThreshold scales the failure threshold ±20% against the observed
// error rate. Caller holds b.mu.
func (b *Breaker) adjustThreshold() {
	if !b.config.DynamicThresholds || b.config.FailureRateThresh <= 0 {
		return
	}
	if len(b.window) < b.config.MinRequestsForRate {
		return
	}
	failures := 0
	for _, s := range b.window {
		if s.failure {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.window))

	switch {
	case rate > b.config.FailureRateThresh:
		scaled := int(float64(b.failureThreshold) * 0.8)
		if scaled < b.config.MinThreshold {
			scaled = b.config.MinThreshold
		}
		b.failureThreshold = scaled
	case rate < b.config.FailureRateThresh/2:
		scaled := int(float64(b.failureThreshold) * 1.2)
		if scaled == b.failureThreshold {
			scaled++
		}
		if scaled > b.config.MaxThreshold {
			scaled = b.config.MaxThreshold
		}
		b.failureThreshold = scaled
	}
}

// FailureThreshold exposes the current (possibly scaled) threshold.
func (b *Breaker) FailureThreshold() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureThreshold
}
