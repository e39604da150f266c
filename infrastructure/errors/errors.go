// Package errors provides unified error handling for the mock engine core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error observed at the core boundary.
type Kind string

const (
	// KindValidation - request does not satisfy the loaded spec.
	KindValidation Kind = "validation"
	// KindRouteNotFound - no matching route handle.
	KindRouteNotFound Kind = "route_not_found"
	// KindChaosInjected - deterministic failure from the chaos layer.
	KindChaosInjected Kind = "chaos_injected"
	// KindCircuitOpen - breaker rejected the request.
	KindCircuitOpen Kind = "circuit_open"
	// KindBulkheadBusy - no permit and the wait queue is full or timed out.
	KindBulkheadBusy Kind = "bulkhead_busy"
	// KindUpstream - proxy call to the live upstream failed.
	KindUpstream Kind = "upstream_error"
	// KindTimeout - per-request deadline exceeded.
	KindTimeout Kind = "timeout"
	// KindCancelled - client gave up; no response is emitted.
	KindCancelled Kind = "cancelled"
	// KindInternal - unexpected core failure.
	KindInternal Kind = "internal"
	// KindDuplicateRoute - identical route already registered.
	KindDuplicateRoute Kind = "duplicate_route"
)

// CoreError is a structured error with kind, originating component, and
// protocol-equivalent status. Errors are values; resolvers never panic
// across the chain boundary.
type CoreError struct {
	Kind       Kind                   `json:"kind"`
	Component  string                 `json:"component"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *CoreError) WithDetails(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new CoreError.
func New(kind Kind, component, message string, httpStatus int) *CoreError {
	return &CoreError{
		Kind:       kind,
		Component:  component,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a CoreError.
func Wrap(kind Kind, component, message string, httpStatus int, err error) *CoreError {
	return &CoreError{
		Kind:       kind,
		Component:  component,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Constructors, one per taxonomy kind.

func Validation(component, field, reason string) *CoreError {
	return New(KindValidation, component, "request does not satisfy spec", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func RouteNotFound(component, protocol, operation, path string) *CoreError {
	return New(KindRouteNotFound, component, "no matching route", http.StatusNotFound).
		WithDetails("protocol", protocol).
		WithDetails("operation", operation).
		WithDetails("path", path)
}

func ChaosInjected(component, fault string, status int) *CoreError {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return New(KindChaosInjected, component, "injected fault", status).
		WithDetails("fault", fault)
}

func CircuitOpen(component, endpoint string) *CoreError {
	return New(KindCircuitOpen, component, "circuit breaker is open", http.StatusServiceUnavailable).
		WithDetails("endpoint", endpoint)
}

func BulkheadBusy(component, service string) *CoreError {
	return New(KindBulkheadBusy, component, "bulkhead rejected request", http.StatusServiceUnavailable).
		WithDetails("service", service)
}

func Upstream(component, upstream string, err error) *CoreError {
	return Wrap(KindUpstream, component, "upstream call failed", http.StatusBadGateway, err).
		WithDetails("upstream", upstream)
}

func Timeout(component, operation string) *CoreError {
	return New(KindTimeout, component, "deadline exceeded", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func Cancelled(component string) *CoreError {
	return New(KindCancelled, component, "request cancelled by client", 0)
}

func Internal(component, message string, err error) *CoreError {
	return Wrap(KindInternal, component, message, http.StatusInternalServerError, err)
}

func DuplicateRoute(component, pattern string) *CoreError {
	return New(KindDuplicateRoute, component, "route already registered", http.StatusConflict).
		WithDetails("pattern", pattern)
}

// Helper functions.

// IsCoreError checks if an error is a CoreError.
func IsCoreError(err error) bool {
	var ce *CoreError
	return errors.As(err, &ce)
}

// GetCoreError extracts a CoreError from an error chain.
func GetCoreError(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// KindOf returns the kind of an error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if ce := GetCoreError(err); ce != nil {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CountsAsFailure reports whether the error should count against circuit
// breaker statistics. Breaker rejections, bulkhead rejections, and client
// cancellations are excluded.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindCircuitOpen, KindBulkheadBusy, KindCancelled:
		return false
	}
	return true
}

// HTTPStatus returns the HTTP-equivalent status code for an error.
func HTTPStatus(err error) int {
	if ce := GetCoreError(err); ce != nil && ce.HTTPStatus != 0 {
		return ce.HTTPStatus
	}
	return http.StatusInternalServerError
}
