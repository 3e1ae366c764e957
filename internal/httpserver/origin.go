package httpserver

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/cors"
)

// newCORS builds the browser origin policy: the configured allowlist, or
// same-host only when none is configured.
func newCORS(allowed []string) *cors.Cors {
	opts := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	}
	if len(allowed) > 0 {
		opts.AllowedOrigins = allowed
	} else {
		opts.AllowOriginRequestFunc = sameHostOrigin
	}
	return cors.New(opts)
}

func sameHostOrigin(r *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// withOriginPolicy rejects browser requests from origins outside the policy
// and adds CORS headers (and preflight handling) for the rest. Requests
// without an Origin header pass through untouched.
func (s *Server) withOriginPolicy(next http.Handler) http.Handler {
	withCORS := s.cors.Handler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("Origin")) == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.cors.OriginAllowed(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		withCORS.ServeHTTP(w, r)
	})
}
