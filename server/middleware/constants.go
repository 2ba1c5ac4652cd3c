package middleware

import (
	"context"
	"time"
)

type contextKey string

const (
	RequestIDKey    contextKey = "request_id"
	RequestStartKey contextKey = "request_start"
)

// Header names shared by the middleware and handlers.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderAPIKey    = "X-API-Key"
)

// GetRequestID returns the request ID stored by RequestID, if any.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRequestStart returns when RequestTimer first saw the request, or the
// zero time.
func GetRequestStart(ctx context.Context) time.Time {
	if t, ok := ctx.Value(RequestStartKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}
