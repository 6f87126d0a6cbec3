package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/mwork/mwork-reconciler/internal/pkg/logger"
	"github.com/mwork/mwork-reconciler/internal/pkg/response"
)

// Recover turns a handler panic into a 500 and logs it with the payment in play.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				event := logger.FromContext(r.Context()).Error().
					Interface("error", err).
					Str("stack", string(debug.Stack())).
					Str("method", r.Method).
					Str("route", routePattern(r))
				if paymentID := paymentIDParam(r); paymentID != "" {
					event.Str("payment_id", paymentID)
				}
				event.Msg("Panic recovered")

				response.InternalError(w)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
