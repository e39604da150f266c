package metrics

import (
	"testing"
	"time"
)

func TestCollectorsRegister(t *testing.T) {
	m := New("core")
	if m.Registry() == nil {
		t.Fatal("expected a registry")
	}

	// Two instances must not collide on registration.
	other := New("core")
	if other == nil {
		t.Fatal("second instance failed to construct")
	}
}

func TestObserveHelpersDoNotPanic(t *testing.T) {
	m := New("core")
	m.ObserveRequest("http", "GET", "mock", 200, 5*time.Millisecond)
	m.ObserveResolver("mock", "respond")
	m.ObserveChaos("latency")
	m.ObserveBreakerTransition("GET /x", "closed", "open")
	m.ObserveBulkheadRejection("queue_full")
	m.CacheHits.Inc()
	m.RecorderDrops.Inc()
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		0:   "ok",
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		500: "5xx",
		503: "5xx",
	}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d)=%s, want %s", status, got, want)
		}
	}
}
