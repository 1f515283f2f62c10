package offline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

// DefaultCachePrefix is prepended to cache keys in Store.
const DefaultCachePrefix = "app_cache_"

// EntryCacheConfig is optional configuration for NewEntryCache.
type EntryCacheConfig struct {
	// Name is added to logs and stats.
	Name string

	// Prefix separates cache entries from other data in Store, default "app_cache_".
	Prefix string

	// Clock overrides time source, default time.Now.
	Clock Clock

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

// EntryStats describes cached entries.
type EntryStats struct {
	Entries int `json:"entries"`
	Size    int `json:"size"`
}

// EntryCache keeps expiring timestamped entries in a Store.
//
// Expired entries are never returned, they are deleted when found.
type EntryCache struct {
	store  Store
	config EntryCacheConfig
	log    ctxd.Logger
	stat   stats.Tracker
	now    Clock
}

// NewEntryCache creates EntryCache on top of Store, in-memory store is used if nil.
func NewEntryCache(store Store, cfg ...EntryCacheConfig) *EntryCache {
	config := EntryCacheConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.Prefix == "" {
		config.Prefix = DefaultCachePrefix
	}

	c := &EntryCache{
		store:  store,
		config: config,
		log:    config.Logger,
		stat:   config.Stats,
		now:    config.Clock,
	}

	if c.store == nil {
		c.store = NewMemoryStore(MemoryConfig{Name: config.Name, Logger: config.Logger, Stats: config.Stats})
	}

	if c.log == nil {
		c.log = ctxd.NoOpLogger{}
	}

	if c.stat == nil {
		c.stat = stats.NoOp{}
	}

	if c.now == nil {
		c.now = time.Now
	}

	return c
}

// Get returns a non-expired entry or ErrNotFound.
func (c *EntryCache) Get(ctx context.Context, key string) (CacheEntry, error) {
	e, err := c.read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.log.Debug(ctx, "cache miss", "name", c.config.Name, "key", key)
			c.stat.Add(ctx, MetricMiss, 1, "name", c.config.Name)
		}

		return CacheEntry{}, err
	}

	if e.Expired(c.now()) {
		c.log.Debug(ctx, "cache key expired", "name", c.config.Name, "key", key)
		c.stat.Add(ctx, MetricExpired, 1, "name", c.config.Name)

		if err := c.store.Remove(ctx, c.config.Prefix+key); err != nil {
			return CacheEntry{}, ctxd.WrapError(ctx, err, "failed to purge expired entry", "key", key)
		}

		return CacheEntry{}, ErrNotFound
	}

	c.log.Debug(ctx, "cache hit", "name", c.config.Name, "key", key)
	c.stat.Add(ctx, MetricHit, 1, "name", c.config.Name)

	return e, nil
}

// read loads and decodes entry, corrupted entry is deleted and reported as not found.
func (c *EntryCache) read(ctx context.Context, key string) (CacheEntry, error) {
	b, err := c.store.Get(ctx, c.config.Prefix+key)
	if err != nil {
		return CacheEntry{}, err
	}

	var e CacheEntry

	if err := json.Unmarshal(b, &e); err != nil || e.ExpiresAt.IsZero() {
		c.log.Error(ctx, "deleting corrupted cache entry", "name", c.config.Name, "key", key, "error", err)
		c.stat.Add(ctx, MetricCorrupted, 1, "name", c.config.Name)

		if err := c.store.Remove(ctx, c.config.Prefix+key); err != nil {
			return CacheEntry{}, ctxd.WrapError(ctx, err, "failed to delete corrupted entry", "key", key)
		}

		return CacheEntry{}, ErrNotFound
	}

	e.Key = key

	return e, nil
}

// Set stores data with a fresh timestamp, previous entry is replaced entirely.
func (c *EntryCache) Set(ctx context.Context, key string, data interface{}, policy Policy) error {
	policy = policy.normalize()
	now := c.now()

	raw, err := marshalData(data)
	if err != nil {
		return ctxd.WrapError(ctx, err, "failed to encode cache data", "key", key)
	}

	return c.write(ctx, CacheEntry{
		Key:       key,
		Data:      raw,
		WrittenAt: now,
		ExpiresAt: now.Add(policy.ExpireAfter),
	})
}

func (c *EntryCache) write(ctx context.Context, e CacheEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return ctxd.WrapError(ctx, err, "failed to encode cache entry", "key", e.Key)
	}

	if err := c.store.Set(ctx, c.config.Prefix+e.Key, b); err != nil {
		return ctxd.WrapError(ctx, err, "failed to store cache entry", "key", e.Key)
	}

	c.log.Debug(ctx, "wrote to cache", "name", c.config.Name, "key", e.Key, "expiresAt", e.ExpiresAt)
	c.stat.Add(ctx, MetricWrite, 1, "name", c.config.Name)

	return nil
}

// Remove deletes entry.
func (c *EntryCache) Remove(ctx context.Context, key string) error {
	return c.store.Remove(ctx, c.config.Prefix+key)
}

// IsStale reports whether entry is older than policy allows.
func (c *EntryCache) IsStale(e CacheEntry, policy Policy) bool {
	return c.now().Sub(e.WrittenAt) > policy.normalize().StaleAfter
}

// Invalidate marks entry stale while keeping data available for offline and failover reads.
func (c *EntryCache) Invalidate(ctx context.Context, key string) error {
	e, err := c.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}

		return err
	}

	e.WrittenAt = time.Time{}

	return c.write(ctx, e)
}

// Rewrite replaces data of an existing entry keeping its timestamps.
//
// ErrNotFound is returned if there is no live entry.
func (c *EntryCache) Rewrite(ctx context.Context, key string, data interface{}) error {
	e, err := c.Get(ctx, key)
	if err != nil {
		return err
	}

	if e.Data, err = marshalData(data); err != nil {
		return ctxd.WrapError(ctx, err, "failed to encode cache data", "key", key)
	}

	return c.write(ctx, e)
}

// Cleanup deletes expired and corrupted entries and returns their count.
func (c *EntryCache) Cleanup(ctx context.Context) (int, error) {
	keys, err := c.store.List(ctx, c.config.Prefix)
	if err != nil {
		return 0, err
	}

	now := c.now()
	n := 0

	for _, k := range keys {
		key := strings.TrimPrefix(k, c.config.Prefix)

		e, err := c.read(ctx, key)
		if errors.Is(err, ErrNotFound) {
			n++

			continue
		}

		if err != nil {
			return n, err
		}

		if e.Expired(now) {
			if err := c.store.Remove(ctx, k); err != nil {
				return n, err
			}

			n++
		}
	}

	c.log.Debug(ctx, "cleaned up cache entries", "name", c.config.Name, "removed", n)

	return n, nil
}

// Clear deletes all cache entries and returns their count.
func (c *EntryCache) Clear(ctx context.Context) (int, error) {
	keys, err := c.store.List(ctx, c.config.Prefix)
	if err != nil {
		return 0, err
	}

	for i, k := range keys {
		if err := c.store.Remove(ctx, k); err != nil {
			return i, err
		}
	}

	return len(keys), nil
}

// Stats returns number of entries and their total size in bytes.
func (c *EntryCache) Stats(ctx context.Context) (EntryStats, error) {
	keys, err := c.store.List(ctx, c.config.Prefix)
	if err != nil {
		return EntryStats{}, err
	}

	st := EntryStats{}

	for _, k := range keys {
		b, err := c.store.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}

		if err != nil {
			return st, err
		}

		st.Entries++
		st.Size += len(b)
	}

	return st, nil
}
