package chaos

import (
	"context"
	"math/rand"
	"time"
)

// LatencyProfile shapes injected latency: a fixed base with jitter, or an
// interpolated percentile tail profile when P50 is set.
type LatencyProfile struct {
	Base      time.Duration
	JitterPct float64
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
}

// draw picks one sleep duration from the profile.
func (p LatencyProfile) draw(rng *rand.Rand) time.Duration {
	if p.P50 > 0 {
		return p.drawTail(rng)
	}
	if p.Base <= 0 {
		return 0
	}
	if p.JitterPct <= 0 {
		return p.Base
	}
	// jitter in uniform[-pct*base, +pct*base]
	span := float64(p.Base) * p.JitterPct
	jitter := (rng.Float64()*2 - 1) * span
	d := time.Duration(float64(p.Base) + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// drawTail interpolates between the configured percentile points.
func (p LatencyProfile) drawTail(rng *rand.Rand) time.Duration {
	u := rng.Float64()
	p95 := p.P95
	if p95 < p.P50 {
		p95 = p.P50
	}
	p99 := p.P99
	if p99 < p95 {
		p99 = p95
	}
	switch {
	case u < 0.50:
		return lerp(0, p.P50, u/0.50)
	case u < 0.95:
		return lerp(p.P50, p95, (u-0.50)/0.45)
	case u < 0.99:
		return lerp(p95, p99, (u-0.95)/0.04)
	default:
		return p99
	}
}

func lerp(a, b time.Duration, t float64) time.Duration {
	return a + time.Duration(float64(b-a)*t)
}

// sleep blocks for d, honoring cancellation and deadline.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
