package observability

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader is the HTTP header name for correlation ids.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// requestIDKey is the context key for correlation ids.
type requestIDKey struct{}

// GenerateRequestID generates a new unique correlation id.
func GenerateRequestID() string {
	return uuid.NewString()
}

// ContextWithRequestID adds a correlation id to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the correlation id from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetOrCreateRequestID gets an existing correlation id or creates one.
func GetOrCreateRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateRequestID()
	return ContextWithRequestID(ctx, id), id
}

// RequestIDMiddleware accepts a client-supplied correlation id or mints
// a fresh one, reflecting it in the response headers and the context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if sanitized, ok := sanitizeRequestID(requestID); ok {
			requestID = sanitized
		} else {
			requestID = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sanitizeRequestID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxRequestIDLen {
		return "", false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return "", false
		}
	}
	return value, true
}
