package chaos

import (
	"testing"
	"time"

	"github.com/mockforge/mockforge/infrastructure/clock"
)

func testBreaker(clk *clock.Clock) *Breaker {
	return NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		HalfOpenMax:      2,
	}, clk)
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	clk := clock.New()
	clk.Freeze(time.Unix(1000, 0))
	b := testBreaker(clk)

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("request %d should be admitted while closed", i)
		}
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("expected closed after %d failures, got %v", i+1, b.State())
		}
	}

	b.Allow()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}

	if b.Allow() {
		t.Fatal("open breaker must reject immediately")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clk := clock.New()
	clk.Freeze(time.Unix(1000, 0))
	b := testBreaker(clk)

	for i := 0; i < 3; i++ {
		b.Allow()
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	// Not yet: timeout has not elapsed.
	if b.Allow() {
		t.Fatal("expected rejection before timeout elapses")
	}

	clk.Advance(1001 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open admission after timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	b.RecordSuccess()

	if !b.Allow() {
		t.Fatal("expected second half-open admission")
	}
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Fatalf("expected closed after %d successes, got %v", 2, b.State())
	}
}

func TestBreakerHalfOpenFailureReopensWithDoubledTimeout(t *testing.T) {
	clk := clock.New()
	clk.Freeze(time.Unix(1000, 0))
	b := testBreaker(clk)

	for i := 0; i < 3; i++ {
		b.Allow()
		b.RecordFailure()
	}
	clk.Advance(1001 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open admission")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected reopen on half-open failure, got %v", b.State())
	}

	// Original timeout no longer suffices.
	clk.Advance(1001 * time.Millisecond)
	if b.Allow() {
		t.Fatal("expected rejection: open timeout doubled after half-open failure")
	}
	clk.Advance(1001 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open admission after doubled timeout")
	}
}

func TestBreakerHalfOpenAdmissionCap(t *testing.T) {
	clk := clock.New()
	clk.Freeze(time.Unix(1000, 0))
	b := testBreaker(clk)

	for i := 0; i < 3; i++ {
		b.Allow()
		b.RecordFailure()
	}
	clk.Advance(1001 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("first probe should be admitted")
	}
	if !b.Allow() {
		t.Fatal("second probe should be admitted (HalfOpenMax=2)")
	}
	if b.Allow() {
		t.Fatal("third probe must be rejected in half-open")
	}
}

func TestBreakerAbortedDoesNotCount(t *testing.T) {
	clk := clock.New()
	clk.Freeze(time.Unix(1000, 0))
	b := testBreaker(clk)

	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.RecordFailure()

	// Aborted requests must not push the breaker over the threshold.
	for i := 0; i < 10; i++ {
		b.Allow()
		b.RecordAborted()
	}
	if b.State() != StateClosed {
		t.Fatalf("aborted requests counted as failures: %v", b.State())
	}

	b.Allow()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after third real failure, got %v", b.State())
	}
}

func TestBreakerRateBasedOpening(t *testing.T) {
	clk := clock.New()
	clk.Freeze(time.Unix(1000, 0))
	b := NewBreaker(BreakerConfig{
		FailureThreshold:   100, // out of reach: only the rate can trip it
		SuccessThreshold:   1,
		Timeout:            time.Second,
		HalfOpenMax:        1,
		FailureRateThresh:  0.5,
		MinRequestsForRate: 10,
		RollingWindow:      time.Minute,
	}, clk)

	// 5 successes, then 5 failures bring the rate to the 50% threshold.
	for i := 0; i < 5; i++ {
		b.Allow()
		b.RecordSuccess()
	}
	for i := 0; i < 5; i++ {
		b.Allow()
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected rate-based opening, got %v", b.State())
	}
}

func TestBreakerDynamicThresholdScaling(t *testing.T) {
	clk := clock.New()
	clk.Freeze(time.Unix(1000, 0))
	b := NewBreaker(BreakerConfig{
		FailureThreshold:   10,
		SuccessThreshold:   1,
		Timeout:            time.Hour,
		HalfOpenMax:        1,
		FailureRateThresh:  0.9, // the 4th failure both opens the breaker and scales the threshold
		MinRequestsForRate: 4,
		RollingWindow:      time.Minute,
		DynamicThresholds:  true,
		MinThreshold:       2,
		MaxThreshold:       20,
	}, clk)

	// Error rate 100% > target: threshold scales down 20% per update.
	for i := 0; i < 4; i++ {
		b.Allow()
		b.RecordFailure()
	}
	if got := b.FailureThreshold(); got >= 10 {
		t.Fatalf("expected threshold scaled below 10, got %d", got)
	}
}

func TestBreakerStateStrings(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || StateHalfOpen.String() != "half-open" {
		t.Fatal("unexpected state strings")
	}
}
