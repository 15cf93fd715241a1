// Package integrations holds the default implementations of the external
// collaborators: the tenant directory, the secret store, and the Warden
// ticketing executor client. Each satisfies a contracts interface so
// deployments can swap in their own.
package integrations

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
)

// StaticDirectory is an in-memory tenant directory seeded from the
// environment. It covers zero-config runs and tests; production deployments
// point the wiring at the real identity platform instead.
type StaticDirectory struct {
	mu      sync.RWMutex
	tenants map[string]*models.Tenant
	admins  map[string]map[string]bool // tenantID → actor set
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		tenants: make(map[string]*models.Tenant),
		admins:  make(map[string]map[string]bool),
	}
}

// DirectoryFromEnv builds a directory from OPSHALO_TENANTS, a
// comma-separated list of tenant IDs. OPSHALO_ADMINS_<ID> lists the
// administrators of each tenant; when unset, any authenticated admin for
// the tenant passes (the signed admin token is then the only gate). An
// unset OPSHALO_TENANTS yields a single "default" tenant so a bare server
// still answers requests.
func DirectoryFromEnv() *StaticDirectory {
	d := NewStaticDirectory()

	ids := strings.Split(os.Getenv("OPSHALO_TENANTS"), ",")
	seeded := false
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		d.AddTenant(&models.Tenant{ID: id, Name: id})
		envKey := "OPSHALO_ADMINS_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
		listed := false
		for _, actor := range strings.Split(os.Getenv(envKey), ",") {
			if actor = strings.TrimSpace(actor); actor != "" {
				d.AddAdmin(id, actor)
				listed = true
			}
		}
		if !listed {
			d.AddAdmin(id, AnyAdmin)
		}
		seeded = true
	}
	if !seeded {
		d.AddTenant(&models.Tenant{ID: "default", Name: "Default"})
		d.AddAdmin("default", AnyAdmin)
		log.Warn().Msg("OPSHALO_TENANTS not set, directory seeded with single 'default' tenant")
	}
	return d
}

// AnyAdmin, registered as an admin of a tenant, makes IsAdmin pass for any
// actor. Used when the admin list is delegated entirely to token issuance.
const AnyAdmin = "*"

// AddTenant registers or replaces a tenant record.
func (d *StaticDirectory) AddTenant(t *models.Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *t
	d.tenants[t.ID] = &copied
}

// AddAdmin marks actor as an administrator of the tenant.
func (d *StaticDirectory) AddAdmin(tenantID, actor string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.admins[tenantID] == nil {
		d.admins[tenantID] = make(map[string]bool)
	}
	d.admins[tenantID][actor] = true
}

// SetRetention overrides the thread retention for a tenant.
func (d *StaticDirectory) SetRetention(tenantID string, retention time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		return models.ErrNotFound
	}
	t.ThreadRetention = retention
	return nil
}

// GetTenant implements contracts.Directory.
func (d *StaticDirectory) GetTenant(_ context.Context, tenantID string) (*models.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", models.ErrNotFound, tenantID)
	}
	copied := *t
	return &copied, nil
}

// IsAdmin implements contracts.Directory.
func (d *StaticDirectory) IsAdmin(_ context.Context, tenantID, actor string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.tenants[tenantID]; !ok {
		return false, fmt.Errorf("%w: tenant %s", models.ErrNotFound, tenantID)
	}
	return d.admins[tenantID][AnyAdmin] || d.admins[tenantID][actor], nil
}

var _ contracts.Directory = (*StaticDirectory)(nil)
