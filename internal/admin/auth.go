package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeySource resolves the current admin API key; the key can be
// rotated, so this is re-read per-request rather than captured once.
type APIKeySource interface {
	APIKey() (string, error)
}

// authMiddleware requires every /api/* request to carry the admin API
// key via Authorization: Bearer or ?api_key=; /health and static files
// are exempt.
func authMiddleware(keys APIKeySource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			key, err := keys.APIKey()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load admin key")
				return
			}

			candidate := extractAPIKey(r)
			if candidate == "" || subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="llamafleet"`)
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}
