package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mwork/mwork-reconciler/internal/pkg/logger"
)

// Logger logs every request once it has been routed. Probe endpoints are
// logged at debug level.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		l := logger.FromContext(r.Context())
		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = l.Error()
		case isProbe(r.URL.Path):
			event = l.Debug()
		default:
			event = l.Info()
		}

		event.
			Str("method", r.Method).
			Str("route", routePattern(r)).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("ip", r.RemoteAddr)
		if paymentID := paymentIDParam(r); paymentID != "" {
			event.Str("payment_id", paymentID)
		}
		event.Msg("HTTP Request")
	})
}

func isProbe(path string) bool {
	return path == "/health" || path == "/metrics"
}

// routePattern returns the matched chi pattern, or the raw path for 404s.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func paymentIDParam(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.URLParam("paymentID")
	}
	return ""
}
