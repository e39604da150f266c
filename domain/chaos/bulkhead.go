package chaos

import (
	"context"
	"time"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
)

// BulkheadConfig sizes one service's concurrency pool.
type BulkheadConfig struct {
	MaxConcurrent int
	MaxQueue      int
	QueueTimeout  time.Duration
}

// DefaultBulkheadConfig returns sensible defaults
func DefaultBulkheadConfig() BulkheadConfig {
	return BulkheadConfig{
		MaxConcurrent: 64,
		MaxQueue:      128,
		QueueTimeout:  time.Second,
	}
}

// Bulkhead is a counted semaphore with a bounded FIFO wait queue. At all
// times in-flight + queued <= MaxConcurrent + MaxQueue.
type Bulkhead struct {
	service string
	sem     chan struct{}
	queue   chan struct{}
	timeout time.Duration
}

// NewBulkhead creates a bulkhead for the named service.
func NewBulkhead(service string, cfg BulkheadConfig) *Bulkhead {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.MaxQueue < 0 {
		cfg.MaxQueue = 0
	}
	return &Bulkhead{
		service: service,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		queue:   make(chan struct{}, cfg.MaxQueue),
		timeout: cfg.QueueTimeout,
	}
}

// Acquire takes a permit, queueing up to the queue timeout when the pool is
// exhausted. It returns BulkheadBusy when the queue is full or the wait
// times out, and the context error when cancelled while waiting.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	default:
	}

	// Pool exhausted: claim a queue slot or reject immediately.
	select {
	case b.queue <- struct{}{}:
	default:
		return coreerrors.BulkheadBusy("chaos", b.service).WithDetails("reason", "queue_full")
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.sem <- struct{}{}:
		<-b.queue
		return nil
	case <-timer.C:
		<-b.queue
		return coreerrors.BulkheadBusy("chaos", b.service).WithDetails("reason", "queue_timeout")
	case <-ctx.Done():
		<-b.queue
		return coreerrors.Cancelled("chaos")
	}
}

// Release returns a permit. Safe to call exactly once per successful
// Acquire, on every exit path.
func (b *Bulkhead) Release() {
	select {
	case <-b.sem:
	default:
		// Release without acquire is a programming error; absorbing it
		// keeps the permit count from going negative.
	}
}

// InFlight returns the number of held permits.
func (b *Bulkhead) InFlight() int {
	return len(b.sem)
}

// Queued returns the number of waiters.
func (b *Bulkhead) Queued() int {
	return len(b.queue)
}
