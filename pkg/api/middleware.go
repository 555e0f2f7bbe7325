package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ethpandaops/keygate/pkg/domain"
)

type contextKey string

const principalContextKey contextKey = "principal"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", extractIP(r)).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAuth resolves a Bearer access token to the current principal
// and injects it into the request context.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			s.writeError(w, domain.ErrUnauthenticated)

			return
		}

		p, err := s.svc.Authenticate(r.Context(), raw)
		if err != nil {
			s.writeError(w, err)

			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")

	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}

	return strings.TrimSpace(h[len(prefix):]), true
}

// principalFromContext extracts the authenticated principal from the
// request context.
func principalFromContext(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(principalContextKey).(*domain.Principal)

	return p
}
