package tenantcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opshalo/opshalo/internal/tools"
	"github.com/opshalo/opshalo/pkg/contracts"
)

// countingBuilder slows builds down enough that concurrent cold reads
// overlap, and counts how many builds actually ran.
type countingBuilder struct {
	builds int64
	delay  time.Duration
}

func (b *countingBuilder) Build(_ context.Context, tenantID string) (*Entry, error) {
	atomic.AddInt64(&b.builds, 1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	return &Entry{
		TenantID: tenantID,
		Mode:     "mock",
		Chat:     tools.MockChat{},
		Tools:    map[string]contracts.ToolDriver{"loghunt": tools.NewMockDriver("loghunt")},
		BuiltAt:  time.Now().UTC(),
	}, nil
}

func (b *countingBuilder) count() int64 { return atomic.LoadInt64(&b.builds) }

func newTestCache(t *testing.T, b Builder) *Cache {
	t.Helper()
	c := New(b, 0, 0)
	t.Cleanup(c.Close)
	return c
}

func TestGetBuildsOncePerTenant(t *testing.T) {
	builder := &countingBuilder{delay: 20 * time.Millisecond}
	cache := newTestCache(t, builder)
	ctx := context.Background()

	const readers = 16
	entries := make([]*Entry, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := cache.Get(ctx, "acme")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			entries[i] = e
		}(i)
	}
	wg.Wait()

	if n := builder.count(); n != 1 {
		t.Fatalf("builds = %d, want 1", n)
	}
	for _, e := range entries {
		if e != entries[0] {
			t.Fatal("concurrent cold readers observed different entries")
		}
	}

	// Warm read: no new build.
	if _, err := cache.Get(ctx, "acme"); err != nil {
		t.Fatalf("warm Get: %v", err)
	}
	if n := builder.count(); n != 1 {
		t.Fatalf("builds after warm read = %d, want 1", n)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	builder := &countingBuilder{}
	cache := newTestCache(t, builder)
	ctx := context.Background()

	a, err := cache.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get acme: %v", err)
	}
	b, err := cache.Get(ctx, "globex")
	if err != nil {
		t.Fatalf("Get globex: %v", err)
	}
	if a.TenantID == b.TenantID {
		t.Fatal("expected distinct tenant entries")
	}
	if n := builder.count(); n != 2 {
		t.Fatalf("builds = %d, want 2", n)
	}
}

func TestInvalidateForcesRebuild(t *testing.T) {
	builder := &countingBuilder{}
	cache := newTestCache(t, builder)
	ctx := context.Background()

	first, err := cache.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	cache.Invalidate("acme")

	second, err := cache.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if second == first {
		t.Fatal("invalidated entry was served again")
	}
	if n := builder.count(); n != 2 {
		t.Fatalf("builds = %d, want 2", n)
	}

	// Invalidating an unknown tenant is a no-op, not a panic.
	cache.Invalidate("never-seen")
}

func TestStaleBuildIsNotPublishedAfterInvalidate(t *testing.T) {
	builder := &countingBuilder{delay: 50 * time.Millisecond}
	cache := newTestCache(t, builder)
	ctx := context.Background()

	// Start a slow cold build, invalidate mid-flight, then read again. The
	// post-invalidation read must not observe an entry from the stale build
	// generation being published over its own.
	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.Get(ctx, "acme")
	}()
	time.Sleep(10 * time.Millisecond)
	cache.Invalidate("acme")
	<-done

	if _, err := cache.Get(ctx, "acme"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := builder.count(); n != 2 {
		t.Fatalf("builds = %d, want 2 (stale build + fresh build)", n)
	}
}

func TestStatsAndEviction(t *testing.T) {
	builder := &countingBuilder{}
	cache := New(builder, 10*time.Millisecond, 0)
	t.Cleanup(cache.Close)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "acme"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	stats := cache.Stats()
	if stats.Count != 1 {
		t.Fatalf("Count = %d, want 1", stats.Count)
	}
	if stats.Keys["acme"] != "mock" {
		t.Fatalf("Keys[acme] = %q, want mock", stats.Keys["acme"])
	}

	time.Sleep(20 * time.Millisecond)
	cache.evictIdle()

	if stats := cache.Stats(); stats.Count != 0 {
		t.Fatalf("Count after eviction = %d, want 0", stats.Count)
	}
}

func TestWarmReadsAreRaceFree(t *testing.T) {
	builder := &countingBuilder{}
	cache := New(builder, time.Hour, 0)
	t.Cleanup(cache.Close)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "acme"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Warm reads touch the entry's access time concurrently, interleaved
	// with eviction sweeps reading it. Run under -race.
	const readers = 8
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := cache.Get(ctx, "acme"); err != nil {
					t.Errorf("warm Get: %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			cache.evictIdle()
		}
	}()
	wg.Wait()

	if n := builder.count(); n != 1 {
		t.Fatalf("builds = %d, want 1", n)
	}
	if stats := cache.Stats(); stats.Count != 1 {
		t.Fatalf("Count = %d, want 1 (hour-long TTL must not evict warm entry)", stats.Count)
	}
}
