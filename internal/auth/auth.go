// Package auth enforces optional bearer-token authentication on the API.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/star/leotrack/internal/httputil"
)

type Config struct {
	Enabled bool
	Token   string
}

// publicPaths are served without a token.
var publicPaths = map[string]bool{
	"/":                        true,
	"/healthz":                 true,
	"/readyz":                  true,
	"/metrics":                 true,
	"/api/v1/catalog/metadata": true,
}

// queryTokenPaths accept the token as an access_token query parameter,
// since browser EventSource clients cannot set headers.
var queryTokenPaths = map[string]bool{
	"/api/v1/stream/serving": true,
}

// Middleware rejects requests to non-public paths that lack the configured
// token when auth is enabled.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if !valid(requestToken(r), cfg.Token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="leotrack"`)
				httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	if queryTokenPaths[r.URL.Path] {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func valid(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
