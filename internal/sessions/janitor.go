package sessions

import (
	"context"
	"time"

	"github.com/opshalo/opshalo/internal/store"
	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
)

// TenantRetention resolves a tenant's thread retention horizon. Implemented
// by the directory collaborator; zero means the default applies.
type TenantRetention interface {
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
}

// Janitor expires conversation threads idle beyond their tenant's retention
// horizon. Expiry is advisory cleanup: in-flight requests never depend on
// it, and a missed cycle only means threads linger a little longer.
type Janitor struct {
	store            store.Store
	directory        TenantRetention
	defaultRetention time.Duration
	interval         time.Duration
}

// NewJanitor creates a retention janitor.
func NewJanitor(s store.Store, dir TenantRetention, defaultRetention, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Janitor{
		store:            s,
		directory:        dir,
		defaultRetention: defaultRetention,
		interval:         interval,
	}
}

// Run executes retention cycles until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention pass and returns how many threads expired.
func (j *Janitor) RunCycle(ctx context.Context) int {
	// List against the widest possible horizon, then apply each tenant's
	// own (possibly shorter) override.
	cutoff := time.Now().Add(-j.minRetention())
	candidates, err := j.store.ListIdleThreads(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Retention scan failed")
		return 0
	}

	expired := 0
	for _, thread := range candidates {
		horizon := j.defaultRetention
		if tenant, err := j.directory.GetTenant(ctx, thread.TenantID); err == nil && tenant.ThreadRetention > 0 {
			horizon = tenant.ThreadRetention
		}
		if time.Since(thread.UpdatedAt) < horizon {
			continue
		}
		if err := j.store.DeleteThread(ctx, thread.ID); err != nil {
			log.Warn().Err(err).Str("thread", thread.ID).Msg("Thread expiry failed")
			continue
		}
		expired++
	}

	if expired > 0 {
		log.Info().Int("expired", expired).Msg("Expired idle conversation threads")
	}
	return expired
}

// minRetention is the shortest horizon any tenant could have configured.
// Tenant overrides can only shorten retention down to this floor.
const minRetentionFloor = time.Hour

func (j *Janitor) minRetention() time.Duration {
	return minRetentionFloor
}
