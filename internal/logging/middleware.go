package logging

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware returns a middleware function that logs HTTP requests.
// Websocket upgrades pass through untouched apart from the start line.
func HTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			event := log.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context()))

			if span := trace.SpanFromContext(r.Context()); span.SpanContext().IsValid() {
				event = event.
					Str("trace_id", span.SpanContext().TraceID().String()).
					Str("span_id", span.SpanContext().SpanID().String())
			}

			logger := event.Logger()
			ctx := logger.WithContext(r.Context())

			ww := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			logger.Debug().Msg("Request started")
			next.ServeHTTP(ww, r.WithContext(ctx))

			if ww.hijacked {
				logger.Debug().Dur("duration", time.Since(start)).Msg("Connection upgraded")
				return
			}

			// Route pattern is only complete once chi has matched
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
				logger = logger.With().Str("route", routeCtx.RoutePattern()).Logger()
			}

			var logEvent *zerolog.Event
			switch {
			case ww.statusCode >= 500:
				logEvent = logger.Error()
			case ww.statusCode >= 400:
				logEvent = logger.Warn()
			default:
				logEvent = logger.Info()
			}

			logEvent.
				Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Int64("response_size", ww.responseSize).
				Msg("Request completed")
		})
	}
}

// responseWriter is a wrapper for http.ResponseWriter that captures response details
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	hijacked     bool
}

// WriteHeader captures the status code and calls the underlying ResponseWriter
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and calls the underlying ResponseWriter
func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.responseSize += int64(size)
	return size, err
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so websocket upgrades work behind the logger
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, brw, err := hj.Hijack()
	if err == nil {
		rw.hijacked = true
	}
	return conn, brw, err
}

// Unwrap exposes the underlying writer to http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
