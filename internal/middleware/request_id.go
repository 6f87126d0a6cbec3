package middleware

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/mwork/mwork-reconciler/internal/pkg/logger"
)

// RequestIDHeader correlates an ops call with the reconciliation lines it causes.
const RequestIDHeader = "X-Request-ID"

var requestIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestID tags each request with an id and a logger carrying it. Caller
// supplied ids are kept when they are short and printable.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !requestIDRe.MatchString(requestID) {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)
		r.Header.Set(RequestIDHeader, requestID)

		l := logger.FromContext(r.Context()).With().Str("request_id", requestID).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), &l)))
	})
}
