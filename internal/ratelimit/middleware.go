package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/unitychant/chant/internal/model"
)

// KeyFunc returns the key a request is limited by. An empty key skips the
// limiter (facilitators, unauthenticated probes).
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request id set by the server's middleware.
type RequestIDFunc func(r *http.Request) string

// Middleware rejects requests over the limit with 429 and a Retry-After
// header in the standard error envelope. Limiter errors are logged and the
// request proceeds.
func Middleware(l Limiter, keyFn KeyFunc, reqID RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if l == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			d, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				var id string
				if reqID != nil {
					id = reqID(r)
				}
				writeLimited(w, d.RetryAfter, id)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeLimited(w http.ResponseWriter, retryAfter time.Duration, requestID string) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:      model.ErrCodeRateLimited,
			Message:   "too many requests",
			Retryable: true,
		},
		Meta: model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}
