package httpx

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	RequestIDHeader     = "X-Request-Id"
	CorrelationIDHeader = "X-Correlation-Id"

	maxRequestIDLen = 128
)

type requestIDKey struct{}

// RequestIDFromContext returns the id WithRequestID attached, or "".
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithRequestID adopts the caller's X-Request-Id, falling back to
// X-Correlation-Id, and mints a UUID when neither is a usable token. The id
// is echoed in the response and becomes the correlation id of the events the
// request records.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = r.Header.Get(CorrelationIDHeader)
		}
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID accepts short visible-ASCII tokens only, keeping log lines
// and stored correlation ids clean.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}
