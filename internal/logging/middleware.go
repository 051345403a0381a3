package logging

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware returns a middleware function that logs HTTP requests
func HTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			event := log.With().
				Str("component", "http").
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

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			logger.Debug().Msg("Request started")

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			var logEvent *zerolog.Event
			switch {
			case status >= 500:
				logEvent = logger.Error()
			case status >= 400:
				logEvent = logger.Warn()
			default:
				logEvent = logger.Info()
			}

			if rc := chi.RouteContext(r.Context()); rc != nil {
				logEvent = logEvent.Str("route", rc.RoutePattern())
			}

			logEvent.
				Int("status", status).
				Dur("duration", time.Since(start)).
				Int("response_size", ww.BytesWritten()).
				Msg("Request completed")
		})
	}
}
