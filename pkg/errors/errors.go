// Package errors defines the unified error taxonomy for aggregator
// operations. Per-peer failures are carried as typed retrieval results,
// not errors; the kinds here cover the orchestrator boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AggregatorError is a standardized error surfaced at the orchestrator
// or HTTP boundary.
type AggregatorError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Kind       string `json:"kind"`
	Endpoint   string `json:"endpoint,omitempty"`
}

// Error implements the error interface.
func (e *AggregatorError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("[%s] %s (endpoint=%s)", e.Kind, e.Message, e.Endpoint)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the HTTP status code for the error.
func (e *AggregatorError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error kinds.
const (
	KindValidation = "validation_error"
	KindRetrieval  = "retrieval_error"
	KindGeneration = "generation_error"
	KindTunnelAuth = "tunnel_auth_error"
	KindCancelled  = "cancelled"
	KindInternal   = "internal_error"
)

// NewValidationError creates a request validation error (400).
func NewValidationError(message string) *AggregatorError {
	return &AggregatorError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Kind:       KindValidation,
	}
}

// NewGenerationError creates a model-call failure (400). Generation
// failures are user-visible; the endpoint names the model peer.
func NewGenerationError(endpoint, message string) *AggregatorError {
	return &AggregatorError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Kind:       KindGeneration,
		Endpoint:   endpoint,
	}
}

// NewTunnelAuthError creates a tunnel credential failure (401).
func NewTunnelAuthError(message string) *AggregatorError {
	return &AggregatorError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Kind:       KindTunnelAuth,
	}
}

// NewCancelledError marks a request abandoned by the client or by a
// deadline. No response body is written for it.
func NewCancelledError(message string) *AggregatorError {
	return &AggregatorError{
		StatusCode: 499,
		Message:    message,
		Kind:       KindCancelled,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(message string) *AggregatorError {
	return &AggregatorError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Kind:       KindInternal,
	}
}

// AsAggregatorError unwraps err into an *AggregatorError, wrapping
// unknown errors as internal.
func AsAggregatorError(err error) *AggregatorError {
	var ae *AggregatorError
	if errors.As(err, &ae) {
		return ae
	}
	return NewInternalError(err.Error())
}

// IsKind reports whether err is an AggregatorError of the given kind.
func IsKind(err error, kind string) bool {
	var ae *AggregatorError
	return errors.As(err, &ae) && ae.Kind == kind
}
