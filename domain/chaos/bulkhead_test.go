package chaos

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
)

func TestBulkheadAdmitsUpToCapacity(t *testing.T) {
	b := NewBulkhead("svc", BulkheadConfig{MaxConcurrent: 2, MaxQueue: 0, QueueTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if err := b.Acquire(ctx); !coreerrors.IsKind(err, coreerrors.KindBulkheadBusy) {
		t.Fatalf("expected BulkheadBusy with a full pool and no queue, got %v", err)
	}

	b.Release()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestBulkheadFourConcurrentRequests(t *testing.T) {
	// max_concurrent=2, max_queue=1: of four concurrent long-running
	// requests, two run, one queues, one is rejected; after the queue
	// timeout the queued one is rejected too if no permit frees.
	b := NewBulkhead("svc", BulkheadConfig{MaxConcurrent: 2, MaxQueue: 1, QueueTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	var admitted, rejected atomic.Int64
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Acquire(ctx); err != nil {
				rejected.Add(1)
				return
			}
			admitted.Add(1)
			<-release
			b.Release()
		}()
		// Stagger so the first two take permits before the rest arrive.
		time.Sleep(5 * time.Millisecond)
	}

	wg.Wait()
	close(release)

	if got := admitted.Load(); got != 2 {
		t.Errorf("expected 2 admitted, got %d", got)
	}
	if got := rejected.Load(); got != 2 {
		t.Errorf("expected 2 rejected (1 queue-full + 1 queue-timeout), got %d", got)
	}
}

func TestBulkheadQueuedRequestGetsFreedPermit(t *testing.T) {
	b := NewBulkhead("svc", BulkheadConfig{MaxConcurrent: 1, MaxQueue: 1, QueueTimeout: time.Second})
	ctx := context.Background()

	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- b.Acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("queued request should have acquired the freed permit: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued request never acquired")
	}
}

func TestBulkheadCancellationReleasesQueueSlot(t *testing.T) {
	b := NewBulkhead("svc", BulkheadConfig{MaxConcurrent: 1, MaxQueue: 1, QueueTimeout: time.Minute})
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Acquire(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-errCh
	if !coreerrors.IsKind(err, coreerrors.KindCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if b.Queued() != 0 {
		t.Fatalf("queue slot leaked on cancellation: %d", b.Queued())
	}
}

func TestBulkheadConservation(t *testing.T) {
	cfg := BulkheadConfig{MaxConcurrent: 3, MaxQueue: 2, QueueTimeout: 20 * time.Millisecond}
	b := NewBulkhead("svc", cfg)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if err := b.Acquire(ctx); err == nil {
					time.Sleep(time.Millisecond)
					b.Release()
				}
			}
		}()
	}

	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case <-deadline:
			close(stop)
			wg.Wait()
			return
		default:
		}
		if inFlight, queued := b.InFlight(), b.Queued(); inFlight+queued > cfg.MaxConcurrent+cfg.MaxQueue {
			close(stop)
			wg.Wait()
			t.Fatalf("conservation violated: in-flight %d + queued %d > %d",
				inFlight, queued, cfg.MaxConcurrent+cfg.MaxQueue)
		}
	}
}
