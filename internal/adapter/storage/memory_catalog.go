package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rl1809/retail-ledger/internal/core/domain"
)

// MemoryCatalog serves items and stores from memory.
type MemoryCatalog struct {
	mu     sync.RWMutex
	items  map[int64]domain.Item
	stores map[int64]domain.Store
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		items:  make(map[int64]domain.Item),
		stores: make(map[int64]domain.Store),
	}
}

func (c *MemoryCatalog) PutItem(item domain.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
}

func (c *MemoryCatalog) PutStore(store domain.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores[store.ID] = store
}

func (c *MemoryCatalog) GetItem(ctx context.Context, itemID int64) (*domain.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[itemID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (c *MemoryCatalog) GetStore(ctx context.Context, storeID int64) (*domain.Store, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	store, ok := c.stores[storeID]
	if !ok {
		return nil, nil
	}
	return &store, nil
}

func (c *MemoryCatalog) ListStoreIDs(ctx context.Context) ([]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]int64, 0, len(c.stores))
	for id := range c.stores {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// cacheSweepInterval bounds how often SetIdempotency scans for expired keys.
const cacheSweepInterval = time.Minute

// MemoryCache is an idempotency key set for single-process deployments.
// Expired keys are dropped by a sweep piggybacked on SetIdempotency.
type MemoryCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	keys      map[string]time.Time
	nextSweep time.Time
	now       func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		ttl:  idempotencyKeyTTL,
		keys: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (c *MemoryCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)
	if expires, ok := c.keys[key]; ok && now.Before(expires) {
		return false, nil
	}
	c.keys[key] = now.Add(c.ttl)
	return true, nil
}

// sweep deletes expired keys at most once per cacheSweepInterval.
// The caller must hold mu.
func (c *MemoryCache) sweep(now time.Time) {
	if now.Before(c.nextSweep) {
		return
	}
	for key, expires := range c.keys {
		if !now.Before(expires) {
			delete(c.keys, key)
		}
	}
	c.nextSweep = now.Add(cacheSweepInterval)
}

func (c *MemoryCache) ClearIdempotency(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	return nil
}
