package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrProviderNotFound   = errors.New("provider not found")
	ErrUpstreamProvider   = errors.New("upstream provider error")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrNoSigningKey       = errors.New("no signing key for scope")
	ErrForwarding         = errors.New("forwarding error")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrAggregation        = errors.New("aggregation error")
	ErrArchival           = errors.New("archival error")
	ErrNotFound           = errors.New("not found")
)

// ValidationError reports a malformed field in a canonical request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UpstreamError carries a provider failure that terminates a stream.
type UpstreamError struct {
	Provider string
	Message  string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpstreamProvider, e.Err}
	}
	return []error{ErrUpstreamProvider}
}
