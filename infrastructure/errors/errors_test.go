package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestCoreErrorFormatting(t *testing.T) {
	err := Upstream("resolver.proxy", "https://api.example.com", fmt.Errorf("connection refused"))
	if got := err.Error(); got != "[upstream_error] upstream call failed: connection refused" {
		t.Fatalf("unexpected error string: %s", got)
	}
	if err.Details["upstream"] != "https://api.example.com" {
		t.Fatalf("expected upstream detail, got %v", err.Details)
	}
}

func TestKindExtractionThroughWrapping(t *testing.T) {
	inner := CircuitOpen("chaos", "GET /users")
	wrapped := fmt.Errorf("resolver chain: %w", inner)

	if KindOf(wrapped) != KindCircuitOpen {
		t.Fatalf("expected circuit_open kind, got %s", KindOf(wrapped))
	}
	if !IsKind(wrapped, KindCircuitOpen) {
		t.Fatal("IsKind failed through wrapping")
	}
	if HTTPStatus(wrapped) != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", HTTPStatus(wrapped))
	}
}

func TestCountsAsFailure(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{CircuitOpen("chaos", "ep"), false},
		{BulkheadBusy("chaos", "svc"), false},
		{Cancelled("lifecycle"), false},
		{Upstream("resolver.proxy", "u", fmt.Errorf("down")), true},
		{Timeout("lifecycle", "request"), true},
		{fmt.Errorf("plain"), true},
	}
	for i, tc := range cases {
		if got := CountsAsFailure(tc.err); got != tc.want {
			t.Errorf("case %d: CountsAsFailure=%v, want %v", i, got, tc.want)
		}
	}
}

func TestForeignErrorDefaults(t *testing.T) {
	err := fmt.Errorf("something else")
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal kind, got %s", KindOf(err))
	}
	if HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", HTTPStatus(err))
	}
}
