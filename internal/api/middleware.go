package api

import (
	"net/http"
	"time"

	"github.com/signalsfoundry/satellite-globe/internal/logging"
)

const requestIDHeader = "X-Request-Id"

// withRequestLogger ensures every request carries a request_id, taken from
// the X-Request-Id header when the client sent one, and attaches a
// per-request logger annotated with it.
func withRequestLogger(base logging.Logger, next http.Handler) http.Handler {
	if base == nil {
		base = logging.Noop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if incoming := r.Header.Get(requestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		w.Header().Set(requestIDHeader, logging.RequestIDFromContext(ctx))

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		reqLog.Debug(ctx, "handled request", logging.Duration("took", time.Since(start)))
	})
}

func requestLogger(r *http.Request, fallback logging.Logger) logging.Logger {
	if l := logging.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	return fallback
}
