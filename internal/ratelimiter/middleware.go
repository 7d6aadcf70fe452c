package ratelimiter

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/scerb/rpc-relay/internal/apperror"
	"github.com/scerb/rpc-relay/internal/utils/userkey"
)

// Middleware throttles inbound requests per client at the HTTP boundary,
// independent of the core's per-endpoint Rate Accountant (that one is
// upstream-facing; this is the client-facing one).
func Middleware(rl *Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cip, err := userkey.ReqToIP(r)
		if err != nil {
			slog.Info("Error parsing userkey-IP header")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(apperror.ErrUnauthorized.HTTPStatus)
			json.NewEncoder(w).Encode(apperror.ErrUnauthorized)
			return
		}

		if !rl.Allow(cip.Value()) {
			slog.Info("Rate limit exceeded", slog.String("cip", cip.Value()))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(apperror.ErrTooManyRequests.HTTPStatus)
			json.NewEncoder(w).Encode(apperror.ErrTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
