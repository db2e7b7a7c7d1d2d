package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/csai/fleetdash/internal/config"
)

// Middleware enforces the configured bearer token. With no token configured
// every request passes.
func Middleware(cfg config.AuthConfig, next http.Handler) http.Handler {
	if cfg.BearerToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validateBearer(r, cfg.BearerToken) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="fleetdash"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"Invalid API authentication.","details":null}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validateBearer(r *http.Request, token string) bool {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	provided := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return subtle.ConstantTimeCompare([]byte(provided), []byte(token)) == 1
}
