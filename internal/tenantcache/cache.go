// Package tenantcache holds the per-tenant resolved agent configuration:
// provider tool handles and the live/mock mode flag.
//
// Building an entry is expensive (secret fetches, provider handshakes), so
// entries are cached and built at most once per key even under concurrent
// cold reads (singleflight). Correctness comes from explicit invalidation:
// every configuration-changing administrative path invalidates the tenant's
// entry before returning success. Idle eviction is only a safety net.
package tenantcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Entry is one tenant's resolved agent configuration. Entries are immutable
// once published; a configuration change produces a whole new entry.
type Entry struct {
	TenantID   string
	InstanceID string

	// Mode is "live" when full provider configuration was present and
	// usable at build time, "mock" otherwise.
	Mode string

	Chat  contracts.ChatCompleter
	Tools map[string]contracts.ToolDriver

	BuiltAt time.Time
}

// Builder constructs a tenant's Entry from persisted configuration.
// A failed live build yields a usable mock entry, not an error.
type Builder interface {
	Build(ctx context.Context, tenantID string) (*Entry, error)
}

// Stats is the introspection snapshot returned by Stats().
type Stats struct {
	Count int `json:"count"`

	// Keys maps tenant ID to the entry's mode.
	Keys map[string]string `json:"keys"`
}

type cached struct {
	entry *Entry

	// lastAccess is unix nanos, touched on every warm read. Atomic so Get
	// can record the touch while holding only the read lock.
	lastAccess atomic.Int64
}

func newCached(entry *Entry) *cached {
	c := &cached{entry: entry}
	c.lastAccess.Store(time.Now().UnixNano())
	return c
}

// Cache is the shared tenant config cache.
type Cache struct {
	builder Builder
	idleTTL time.Duration

	mu      sync.RWMutex
	entries map[string]*cached
	// gens tracks an invalidation generation per tenant. The singleflight
	// key embeds the generation, so a Get issued after Invalidate can never
	// join a build that started before it.
	gens map[string]uint64

	group  singleflight.Group
	doneCh chan struct{}
	once   sync.Once
}

// New creates a Cache. sweepInterval <= 0 disables the idle-eviction janitor.
func New(builder Builder, idleTTL, sweepInterval time.Duration) *Cache {
	c := &Cache{
		builder: builder,
		idleTTL: idleTTL,
		entries: make(map[string]*cached),
		gens:    make(map[string]uint64),
		doneCh:  make(chan struct{}),
	}
	if sweepInterval > 0 && idleTTL > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Get returns the tenant's entry, building it on a miss. Concurrent cold
// Gets for the same tenant share a single build and observe the same entry.
func (c *Cache) Get(ctx context.Context, tenantID string) (*Entry, error) {
	c.mu.RLock()
	if e, ok := c.entries[tenantID]; ok {
		e.lastAccess.Store(time.Now().UnixNano())
		entry := e.entry
		c.mu.RUnlock()
		return entry, nil
	}
	gen := c.gens[tenantID]
	c.mu.RUnlock()

	key := fmt.Sprintf("%s#%d", tenantID, gen)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		entry, err := c.builder.Build(ctx, tenantID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		// Publish only if no invalidation landed during the build; a Get
		// after that invalidation will rebuild under the new generation.
		if c.gens[tenantID] == gen {
			c.entries[tenantID] = newCached(entry)
		}
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Invalidate removes the tenant's entry. When Invalidate returns, every
// subsequent Get rebuilds from current persisted configuration.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.gens[tenantID]++
	gen := c.gens[tenantID]
	c.mu.Unlock()

	// Drop any in-flight build under the previous generation so late
	// joiners don't pick up its result through singleflight.
	c.group.Forget(fmt.Sprintf("%s#%d", tenantID, gen-1))

	log.Debug().Str("tenant", tenantID).Msg("Tenant config cache invalidated")
}

// Stats returns a read-only snapshot of the cache contents.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make(map[string]string, len(c.entries))
	for tenant, e := range c.entries {
		keys[tenant] = e.entry.Mode
	}
	return Stats{Count: len(c.entries), Keys: keys}
}

// Close stops the idle-eviction janitor.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.doneCh) })
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			c.evictIdle()
		}
	}
}

func (c *Cache) evictIdle() {
	cutoff := time.Now().Add(-c.idleTTL).UnixNano()

	c.mu.Lock()
	var evicted int
	for tenant, e := range c.entries {
		if e.lastAccess.Load() < cutoff {
			delete(c.entries, tenant)
			c.gens[tenant]++
			evicted++
		}
	}
	c.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Msg("Evicted idle tenant config entries")
	}
}
