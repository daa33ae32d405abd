package mid

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminKeyHeader carries the admin API key.
const AdminKeyHeader = "X-RAG-Admin-Key"

// AdminKey rejects requests whose AdminKeyHeader does not match key with 401.
// An empty key disables the check.
func AdminKey(key string) Middleware {
	key = strings.TrimSpace(key)
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"missing or invalid admin key"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
