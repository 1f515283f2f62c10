package offline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync"
)

// BuildFunc loads fresh value from upstream.
type BuildFunc func(ctx context.Context) (interface{}, error)

// FetcherConfig is optional configuration for NewFetcher.
type FetcherConfig struct {
	// Name is added to logs and stats.
	Name string

	// Entries is a cache instance, in-memory created by default.
	Entries *EntryCache

	// Monitor reports connectivity, AlwaysOnline by default.
	Monitor NetworkMonitor

	// Policy is used for zero Policy in Fetch, fields default to DefaultStaleAfter and DefaultExpireAfter.
	Policy Policy

	// ObserveMutability enables payload fingerprint check with metric collection on revalidation.
	ObserveMutability bool

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

// Result is a value served by Fetcher.
type Result struct {
	// Data is a JSON value, nil if nothing could be served.
	Data json.RawMessage

	// IsFromCache is true when Data was read from cache rather than fetched by this call.
	IsFromCache bool

	// IsStale is true when Data is older than policy allows.
	IsStale bool
}

// Decode unmarshals Data into v, ErrNotFound is returned for empty Data.
func (r Result) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return ErrNotFound
	}

	return json.Unmarshal(r.Data, v)
}

type registration struct {
	build  BuildFunc
	policy Policy
}

// Fetcher serves cached values with stale-while-revalidate strategy.
//
// Please use NewFetcher to create instance.
type Fetcher struct {
	entries *EntryCache
	monitor NetworkMonitor
	config  FetcherConfig
	log     ctxd.Logger
	stat    stats.Tracker

	lock     sync.Mutex               // Securing keyLocks.
	keyLocks map[string]chan struct{} // Preventing update concurrency per key.
	builders *xsync.Map               // Last build function and policy per key.
	wg       sync.WaitGroup           // Background revalidations.
}

// NewFetcher creates a Fetcher instance.
//
// Build is locked per key to avoid concurrent updates.
// Stale value is served immediately while it is revalidated in background.
func NewFetcher(config FetcherConfig) *Fetcher {
	f := &Fetcher{
		config:   config,
		log:      config.Logger,
		stat:     config.Stats,
		monitor:  config.Monitor,
		entries:  config.Entries,
		keyLocks: make(map[string]chan struct{}),
		builders: xsync.NewMap(),
	}

	if f.log == nil {
		f.log = ctxd.NoOpLogger{}
	}

	if f.stat == nil {
		f.stat = stats.NoOp{}
	}

	if f.monitor == nil {
		f.monitor = AlwaysOnline{}
	}

	if f.entries == nil {
		f.entries = NewEntryCache(nil, EntryCacheConfig{Name: config.Name, Logger: config.Logger, Stats: config.Stats})
	}

	return f
}

// Entries returns underlying cache.
func (f *Fetcher) Entries() *EntryCache {
	return f.entries
}

func (f *Fetcher) policy(p Policy) Policy {
	if p.StaleAfter == 0 {
		p.StaleAfter = f.config.Policy.StaleAfter
	}

	if p.ExpireAfter == 0 {
		p.ExpireAfter = f.config.Policy.ExpireAfter
	}

	if !p.SyncRevalidate {
		p.SyncRevalidate = f.config.Policy.SyncRevalidate
	}

	return p.normalize()
}

// Fetch returns value from cache or from build function.
//
// Fresh cached value is returned without calling build.
// Stale value is returned immediately and revalidated in background if online.
// When offline, cached value of any age is returned, or empty Result if there is none.
// Build failure is returned only when there is no cached value to fall back to.
func (f *Fetcher) Fetch(ctx context.Context, key string, build BuildFunc, policy Policy) (Result, error) {
	policy = f.policy(policy)
	f.builders.Store(key, registration{build: build, policy: policy})

	var (
		cached  *CacheEntry
		readErr error
	)

	if !SkipRead(ctx) {
		e, err := f.entries.Get(ctx, key)

		switch {
		case err == nil:
			cached = &e
		case !errors.Is(err, ErrNotFound):
			readErr = err

			f.log.Warn(ctx, "failed to read cache", "error", err, "name", f.config.Name, "key", key)
		}
	}

	online := f.monitor.IsOnline()

	if cached != nil {
		if !f.entries.IsStale(*cached, policy) {
			return Result{Data: cached.Data, IsFromCache: true}, nil
		}

		if !online {
			f.log.Debug(ctx, "offline, serving stale value", "name", f.config.Name, "key", key)

			return Result{Data: cached.Data, IsFromCache: true, IsStale: true}, nil
		}

		if !policy.SyncRevalidate {
			f.revalidate(ctx, key, build, policy, cached.Data)

			return Result{Data: cached.Data, IsFromCache: true, IsStale: true}, nil
		}
	}

	if !online {
		f.log.Debug(ctx, "offline and no cached value", "name", f.config.Name, "key", key)

		return Result{}, readErr
	}

	return f.fetchSync(ctx, key, build, policy, cached)
}

// ForceRefresh fetches value of a previously used key ignoring cache freshness.
//
// ErrOffline is returned together with cached value (if any) when offline.
func (f *Fetcher) ForceRefresh(ctx context.Context, key string) (Result, error) {
	v, ok := f.builders.Load(key)
	if !ok {
		return Result{}, ErrUnknownKey
	}

	reg := v.(registration)

	var cached *CacheEntry

	if e, err := f.entries.Get(ctx, key); err == nil {
		cached = &e
	}

	if !f.monitor.IsOnline() {
		if cached != nil {
			return Result{Data: cached.Data, IsFromCache: true, IsStale: f.entries.IsStale(*cached, reg.policy)}, ErrOffline
		}

		return Result{}, ErrOffline
	}

	return f.fetchSync(ctx, key, reg.build, reg.policy, cached)
}

// Invalidate marks cached value stale, next Fetch revalidates it.
func (f *Fetcher) Invalidate(ctx context.Context, key string) error {
	return f.entries.Invalidate(ctx, key)
}

// Wait blocks until background revalidations are finished.
func (f *Fetcher) Wait() {
	f.wg.Wait()
}

func (f *Fetcher) fetchSync(ctx context.Context, key string, build BuildFunc, policy Policy, cached *CacheEntry) (Result, error) {
	for {
		// Locking key for update or finding active lock.
		f.lock.Lock()
		keyLock, alreadyLocked := f.keyLocks[key]

		if !alreadyLocked {
			keyLock = make(chan struct{})
			f.keyLocks[key] = keyLock
		}
		f.lock.Unlock()

		if !alreadyLocked {
			// Value could have been built by previous lock owner after cache was read.
			if res, ok := f.builtMeanwhile(ctx, key, policy, cached); ok {
				f.release(key)

				return res, nil
			}

			break
		}

		f.log.Debug(ctx, "waiting for cache value", "name", f.config.Name, "key", key)

		// Waiting for value built by keyLock owner.
		select {
		case <-keyLock:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}

		if e, err := f.entries.Get(ctx, key); err == nil && !f.entries.IsStale(e, policy) {
			return Result{Data: e.Data, IsFromCache: true}, nil
		}
	}

	raw, err := func() (json.RawMessage, error) {
		defer f.release(key)

		var old json.RawMessage
		if cached != nil {
			old = cached.Data
		}

		return f.build(ctx, key, build, policy, old)
	}()
	if err != nil {
		f.log.Warn(ctx, "failed to update cache value",
			"error", err,
			"name", f.config.Name,
			"key", key)

		// Return stale value if update fails.
		if cached != nil {
			return Result{Data: cached.Data, IsFromCache: true, IsStale: true}, nil
		}

		return Result{}, err
	}

	return Result{Data: raw}, nil
}

func (f *Fetcher) builtMeanwhile(ctx context.Context, key string, policy Policy, cached *CacheEntry) (Result, bool) {
	if SkipRead(ctx) {
		return Result{}, false
	}

	e, err := f.entries.Get(ctx, key)
	if err != nil || f.entries.IsStale(e, policy) {
		return Result{}, false
	}

	if cached != nil && e.WrittenAt.Equal(cached.WrittenAt) {
		return Result{}, false
	}

	return Result{Data: e.Data, IsFromCache: true}, true
}

func (f *Fetcher) revalidate(ctx context.Context, key string, build BuildFunc, policy Policy, old json.RawMessage) {
	f.lock.Lock()
	if _, alreadyLocked := f.keyLocks[key]; alreadyLocked {
		f.lock.Unlock()
		f.log.Debug(ctx, "revalidation already in progress", "name", f.config.Name, "key", key)

		return
	}

	f.keyLocks[key] = make(chan struct{})
	f.wg.Add(1)
	f.lock.Unlock()

	f.stat.Add(ctx, MetricRevalidate, 1, "name", f.config.Name)

	// Detaching context, so that revalidation outlives the caller.
	ctx = detach(ctx)

	go func() {
		defer f.wg.Done()
		defer f.release(key)

		if _, err := f.build(ctx, key, build, policy, old); err != nil {
			f.log.Warn(ctx, "failed to update stale cache value in background",
				"error", err,
				"name", f.config.Name,
				"key", key)
		}
	}()
}

func (f *Fetcher) release(key string) {
	f.lock.Lock()
	if keyLock, ok := f.keyLocks[key]; ok {
		delete(f.keyLocks, key)
		close(keyLock)
	}
	f.lock.Unlock()
}

func (f *Fetcher) build(ctx context.Context, key string, build BuildFunc, policy Policy, old json.RawMessage) (json.RawMessage, error) {
	defer func() {
		f.stat.Add(ctx, MetricBuild, 1, "name", f.config.Name)
	}()
	f.log.Debug(ctx, "building cache value", "name", f.config.Name, "key", key)

	v, err := build(ctx)
	if err != nil {
		f.stat.Add(ctx, MetricFailed, 1, "name", f.config.Name)

		return nil, err
	}

	raw, err := marshalData(v)
	if err != nil {
		return nil, ctxd.WrapError(ctx, err, "failed to encode fetched value", "key", key)
	}

	if err := f.entries.Set(ctx, key, raw, policy); err != nil {
		// Fresh value is still served, it will be fetched again next time.
		f.log.Error(ctx, "failed to cache fetched value", "error", err, "name", f.config.Name, "key", key)
	}

	if f.config.ObserveMutability && old != nil && xxhash.Sum64(old) != xxhash.Sum64(raw) {
		f.stat.Add(ctx, MetricChanged, 1, "name", f.config.Name)
	}

	return raw, nil
}
