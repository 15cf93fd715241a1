package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/opshalo/opshalo/internal/api/handlers"
	"github.com/opshalo/opshalo/internal/api/middleware"
	"github.com/opshalo/opshalo/internal/config"
	"github.com/opshalo/opshalo/pkg/contracts"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, chain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-Instance-ID", "X-Admin-Token", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAuthMiddleware(chain).Handler)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Agent instances and their credentials
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", h.ListInstances)
			r.Post("/", h.IssueInstance)
			r.Route("/{instanceID}", func(r chi.Router) {
				r.Get("/", h.GetInstance)
				r.Delete("/", h.DisableInstance)
				r.Put("/config", h.UpdateInstanceConfig)
				r.Post("/rotate", h.RotateCredential)
				r.Post("/recover", h.RecoverCredential)
			})
		})

		// Chat surface
		r.Post("/chat", h.Chat)

		// Conversation threads
		r.Route("/threads", func(r chi.Router) {
			r.Get("/", h.ListThreads)
			r.Route("/{threadID}", func(r chi.Router) {
				r.Get("/", h.GetThread)
				r.Delete("/", h.DeleteThread)
			})
		})

		// Tenant config cache administration
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", h.CacheStats)
			r.Post("/invalidate", h.InvalidateCache)
		})

		// Work items
		r.Route("/workitems", func(r chi.Router) {
			r.Get("/", h.ListWorkItems)
			r.Route("/{itemID}", func(r chi.Router) {
				r.Get("/", h.GetWorkItem)
				r.Post("/refresh", h.RefreshWorkItem)
			})
		})

		// Notification channels
		r.Route("/channels", func(r chi.Router) {
			r.Get("/", h.ListChannels)
			r.Post("/", h.RegisterChannel)
			r.Delete("/{channelID}", h.RemoveChannel)
		})

		// Audit trail
		r.Get("/audit", h.ListAudit)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "opshalo-core",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "opshalo-core",
		})
	}
}
