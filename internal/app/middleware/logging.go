// Package middleware carries the cross-cutting HTTP wrappers: request ID
// injection and request/response logging.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pasoproxy/paso/internal/core/constants"
	"github.com/pasoproxy/paso/internal/logger"
	"github.com/pasoproxy/paso/internal/util"
	"github.com/pasoproxy/paso/pkg/format"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	LoggerKey    contextKey = "logger"
)

// IsProxyRequest reports whether a path belongs to the forwarding surface.
// Proxy requests log at debug here because the proxy handler logs its own
// INFO line with routing detail.
func IsProxyRequest(path string) bool {
	return strings.HasPrefix(path, constants.DefaultProxyPathPrefix)
}

// responseWriter captures status and size while preserving Flush for SSE.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Flush must pass through or streamed tokens sit in the buffer and arrive
// in bursts.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GetLogger retrieves the request-scoped logger from context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogging assigns each request an ID, propagates a request-scoped
// logger through context and logs start/completion.
func RequestLogging(styledLogger logger.StyledLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(constants.HeaderXRequestID)
			if requestID == "" {
				requestID = util.GenerateRequestID()
			}

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			baseLogger := slog.Default().With(constants.ContextRequestIdKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, baseLogger)
			ctx = context.WithValue(ctx, constants.ContextRequestTimeKey, start)

			w.Header().Set(constants.HeaderXPasoRequestID, requestID)

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			startFields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"request_bytes", max(r.ContentLength, 0),
			}
			if IsProxyRequest(r.URL.Path) {
				baseLogger.Debug("Request started", startFields...)
			} else {
				baseLogger.Info("Request started", startFields...)
			}

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)
			doneFields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", duration.Milliseconds(),
				"response_bytes", wrapped.size,
				"response_size", format.Bytes(uint64(wrapped.size)),
			}
			if IsProxyRequest(r.URL.Path) {
				baseLogger.Debug("Request completed", doneFields...)
			} else {
				baseLogger.Info("Request completed", doneFields...)
			}
		})
	}
}
