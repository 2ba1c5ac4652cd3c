package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrorHandler wraps an http.Handler and converts panics into an
// INTERNAL_SERVER_ERROR response. Outside production the panic value and
// stack are included in the response details.
func ErrorHandler(logger *zap.Logger, production bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					stack := debug.Stack()
					requestID := w.Header().Get("X-Request-ID")
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.ByteString("stacktrace", stack),
						zap.String("request_id", requestID),
					)

					rephraseErr := NewInternalError(requestID, fmt.Errorf("panic: %v", rec))
					if !production {
						rephraseErr.Details = map[string]interface{}{
							"panic": fmt.Sprint(rec),
							"stack": string(stack),
						}
					}
					WriteError(w, rephraseErr)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// LogError logs an error with its context
func LogError(logger *zap.Logger, err error, requestID string) {
	if rephraseErr, ok := err.(*RephraseError); ok {
		fields := []zap.Field{
			zap.String("code", string(rephraseErr.Code)),
			zap.String("message", rephraseErr.Message),
			zap.Int("status", rephraseErr.Status),
			zap.String("request_id", requestID),
			zap.Any("details", rephraseErr.Details),
		}
		if cause := rephraseErr.Unwrap(); cause != nil {
			fields = append(fields, zap.NamedError("cause", cause))
		}
		if rephraseErr.Status >= http.StatusInternalServerError {
			logger.Error("request error", fields...)
		} else {
			logger.Warn("request error", fields...)
		}
	} else {
		logger.Error("unexpected error",
			zap.Error(err),
			zap.String("request_id", requestID),
		)
	}
}
