package api

import (
	"net/http"

	"github.com/ethpandaops/keygate/pkg/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", metrics.Handler())

	rl := s.cfg.RateLimit

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if rl.Enabled {
					r.Use(s.rateLimitMiddleware(rl.Auth))
				}

				r.Post("/login", s.handleLogin)
				r.Post("/refresh", s.handleRefresh)
				r.Get("/login-requests/{id}", s.handleLoginStatus)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Get("/me", s.handleMe)
			})
		})

		// Key activation is authenticated by the key itself.
		r.Group(func(r chi.Router) {
			if rl.Enabled {
				r.Use(s.rateLimitMiddleware(rl.Activation))
			}

			r.Post("/keys/{keyId}/activate", s.handleActivateKey)
			r.Get("/keys/{keyId}/status", s.handleValidateKey)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			if rl.Enabled {
				r.Use(s.rateLimitMiddleware(rl.Authenticated))
			}

			r.Get("/login-requests", s.handleListPendingLogins)
			r.Post("/login-requests/{id}/approve", s.handleApproveLogin)
			r.Post("/login-requests/{id}/reject", s.handleRejectLogin)

			r.Post("/keys", s.handleGenerateKeys)
			r.Get("/keys", s.handleListKeys)
			r.Get("/keys/{keyId}", s.handleGetKey)
			r.Get("/keys/{keyId}/devices", s.handleKeyDevices)
			r.Delete("/keys/{keyId}", s.handleRevokeKey)

			r.Get("/pricing/quote", s.handleQuote)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/pricing-tiers", s.handleListPricingTiers)
				r.Put("/pricing-tiers", s.handleUpsertPricingTier)
				r.Delete("/pricing-tiers/{id}", s.handleDeletePricingTier)

				r.Get("/users", s.handleListUsers)
				r.Post("/users", s.handleCreateUser)
				r.Get("/users/{id}", s.handleGetUser)
				r.Put("/users/{id}", s.handleUpdateUser)
				r.Delete("/users/{id}", s.handleDeleteUser)
				r.Post("/users/{id}/unlock", s.handleUnlockUser)
				r.Delete("/users/{id}/devices/{fingerprint}", s.handleRevokeTrustedDevice)

				r.Get("/roles", s.handleListRoles)
				r.Put("/roles/{name}", s.handleUpsertRole)
				r.Delete("/roles/{name}", s.handleDeleteRole)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Device-Fingerprint"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
