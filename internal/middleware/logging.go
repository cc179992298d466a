// Package middleware applies cross-cutting HTTP policies: request logging,
// bearer token authentication, CORS and rate limiting.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"dynrest/internal/logging"
	"dynrest/internal/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader is the HTTP header name for request IDs
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength bounds client supplied ids; longer ones are replaced.
const maxRequestIDLength = 128

// requestID returns the caller's correlation id when it is usable, otherwise
// a fresh UUID.
func requestID(r *http.Request) string {
	id := r.Header.Get(RequestIDHeader)
	if id == "" || len(id) > maxRequestIDLength {
		return uuid.New().String()
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return uuid.New().String()
		}
	}
	return id
}

// completionLevel maps a response status onto the level of the completion log.
func completionLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// LoggingMiddleware logs each request with a correlation id that is echoed in
// the response. A non-nil metrics is attached to the request context and
// tracks in-flight requests.
func LoggingMiddleware(logger *logging.Logger, metrics *observability.RequestMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := requestID(r)
			w.Header().Set(RequestIDHeader, id)

			reqLogger := logger.WithRequestID(id).WithFields(
				slog.String("component", "http"),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			ctx := logging.WithRequestIDContext(logging.WithLogger(r.Context(), reqLogger), id)
			if metrics != nil {
				ctx = observability.ContextWithMetrics(ctx, metrics)
				metrics.IncrementActiveRequests(ctx)
				defer metrics.DecrementActiveRequests(ctx)
			}
			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			reqLogger.Log(ctx, slog.LevelDebug, "request started", slog.String("remote_addr", r.RemoteAddr))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			reqLogger.Log(ctx, completionLevel(rec.status), "request completed",
				slog.Int("status", rec.status),
				slog.Int("bytes", rec.bytes),
				slog.Duration("duration", elapsed),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
			)
		})
	}
}

// statusRecorder captures the status code and body size.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(status int) {
	if rw.wroteHeader {
		return
	}
	rw.status = status
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
