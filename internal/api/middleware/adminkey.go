package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// AdminKey guards admin routes with an X-Admin-Key header check.
// An empty configured key rejects every request.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("X-Admin-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]any{
					"error":       "Invalid admin key",
					"reason_code": "ADMIN_KEY_INVALID",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
