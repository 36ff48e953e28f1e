package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/chinaroute/internal/auth"
)

// RequireAuth verifies the bearer token and populates AuthContext.
// Requests without a valid token get a JSON 401.
func RequireAuth(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := verifier.VerifyRequest(r)
			if err != nil {
				unauthorized(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

// OptionalAuth populates AuthContext when a bearer token is sent and lets
// anonymous requests through as guests. A token that fails verification is
// still rejected so the client refreshes it instead of silently losing its
// plan.
func OptionalAuth(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.BearerToken(r) == "" {
				next.ServeHTTP(w, r)
				return
			}
			ac, err := verifier.VerifyRequest(r)
			if err != nil {
				unauthorized(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, auth.ErrMissingToken) {
		slog.DebugContext(r.Context(), "rejected access token", "path", r.URL.Path, "error", err)
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="chinaroute"`)
	writeError(w, http.StatusUnauthorized, "authentication required")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
