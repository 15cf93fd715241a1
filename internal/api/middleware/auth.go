package middleware

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/opshalo/opshalo/pkg/contracts"
	pkgmw "github.com/opshalo/opshalo/pkg/middleware"
	"github.com/rs/zerolog/log"
)

// AuthMiddleware authenticates requests through the pluggable
// AuthProviderChain and stores the resulting Identity in context.
//
// Auth is required by default: this surface fronts credential material and
// escalation, so anonymous access has to be an explicit operator decision
// (OPSHALO_REQUIRE_AUTH=false, dev only).
type AuthMiddleware struct {
	chain       contracts.AuthProviderChain
	requireAuth bool
}

// NewAuthMiddleware creates the auth middleware.
func NewAuthMiddleware(chain contracts.AuthProviderChain) *AuthMiddleware {
	return &AuthMiddleware{
		chain:       chain,
		requireAuth: os.Getenv("OPSHALO_REQUIRE_AUTH") != "false",
	}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			unauthorized(w, "authentication_failed", "Credential or token rejected.")
			return
		}

		if identity == nil && am.requireAuth {
			unauthorized(w, "authentication_required",
				"This endpoint requires authentication. Present Authorization: Bearer <credential> with X-Instance-ID, or X-Admin-Token.")
			return
		}

		ctx := r.Context()
		if identity != nil {
			ctx = pkgmw.SetIdentity(ctx, identity)
			// The tenant bound into the verified identity overrides any
			// caller-supplied header.
			if identity.TenantID != "" {
				ctx = pkgmw.SetTenant(ctx, identity.TenantID)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="opshalo"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

// isAuthPublicPath returns true for paths that skip authentication.
func isAuthPublicPath(path string) bool {
	switch path {
	case "/health", "/version":
		return true
	}
	return false
}
