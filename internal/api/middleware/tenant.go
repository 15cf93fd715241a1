package middleware

import (
	"net/http"
	"strings"

	pkgmw "github.com/opshalo/opshalo/pkg/middleware"
)

// TenantExtractor extracts the tenant scope from the request: the
// X-Tenant-ID header first, then the tenant query parameter, falling back
// to "default". Authenticated identities override this later — the value
// bound into a verified credential or admin token always wins.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenant == "" {
			tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
		}
		if tenant == "" {
			tenant = "default"
		}

		next.ServeHTTP(w, r.WithContext(pkgmw.SetTenant(r.Context(), tenant)))
	})
}
