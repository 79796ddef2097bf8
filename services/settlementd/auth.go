package settlementd

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerAuth guards the API with a single shared bearer token. Token
// comparison is constant-time.
func bearerAuth(token string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
				return
			}
			presented := []byte(strings.TrimSpace(strings.TrimPrefix(header, prefix)))
			if subtle.ConstantTimeCompare(expected, presented) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
