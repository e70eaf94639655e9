// Package instanceconfig is a read-through cache in front of the single
// instance configuration record (spec.md §5). The config is read far more
// often than it is written (every scheduling/autoscaling tick consults
// feature flags and defaults), so reads are served from an in-memory copy
// refreshed on a TTL and invalidated immediately on write via the event
// bus, rather than hitting the store on every call.
package instanceconfig

import (
	"context"
	"sync"
	"time"

	"github.com/microsoft/onefuzz/internal/eventbus"
	"github.com/microsoft/onefuzz/internal/store"
)

const defaultTTL = 5 * time.Minute

// Cache serves store.InstanceConfig reads from memory, refreshing on a TTL
// and on explicit invalidation.
type Cache struct {
	store *store.Store
	bus   *eventbus.Bus
	ttl   time.Duration

	mu        sync.RWMutex
	cached    *store.InstanceConfig
	fetchedAt time.Time
}

// New creates a Cache. ttl of 0 uses the default 5-minute TTL.
func New(st *store.Store, bus *eventbus.Bus, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{store: st, bus: bus, ttl: ttl}
}

// Run subscribes to invalidation events until ctx is cancelled. Intended
// to be launched in its own goroutine.
func (c *Cache) Run(ctx context.Context) {
	sub := c.bus.Subscribe(eventbus.TopicInstanceCfg)
	defer c.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Ch():
			if !ok {
				return
			}
			c.invalidate()
		}
	}
}

// Get returns the cached config, refreshing from the store if the TTL has
// elapsed or nothing has been cached yet.
func (c *Cache) Get(ctx context.Context) (*store.InstanceConfig, error) {
	c.mu.RLock()
	fresh := c.cached != nil && time.Since(c.fetchedAt) < c.ttl
	cached := c.cached
	c.mu.RUnlock()
	if fresh {
		return cached, nil
	}
	return c.refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) (*store.InstanceConfig, error) {
	cfg, err := c.store.GetInstanceConfig(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cached = cfg
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return cfg, nil
}

func (c *Cache) invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Replace writes a new config through to the store and invalidates the
// local cache immediately rather than waiting for the bus round-trip, so
// the writer's own next Get sees its write without delay.
func (c *Cache) Replace(ctx context.Context, cfg store.InstanceConfig, version int64) error {
	if err := c.store.ReplaceInstanceConfig(ctx, cfg, version); err != nil {
		return err
	}
	c.invalidate()
	return nil
}
