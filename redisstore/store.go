// Package redisstore implements offline.Store on top of Redis.
package redisstore

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/redis/go-redis/v9"
	"github.com/vearutop/offline"
)

// Config controls Redis store instance.
type Config struct {
	// Prefix is prepended to every key, default "offline:".
	Prefix string

	// ScanCount is a hint for SCAN batch size, default 100.
	ScanCount int64

	// Name is added to logs and stats.
	Name string

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

var _ offline.Store = &Store{}

// Store keeps values as plain Redis strings.
type Store struct {
	rdb    redis.UniversalClient
	config Config
	log    ctxd.Logger
	stat   stats.Tracker
}

// New creates Redis store with a connected client.
func New(rdb redis.UniversalClient, cfg ...Config) *Store {
	config := Config{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.Prefix == "" {
		config.Prefix = "offline:"
	}

	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}

	s := &Store{
		rdb:    rdb,
		config: config,
		log:    config.Logger,
		stat:   config.Stats,
	}

	if s.log == nil {
		s.log = ctxd.NoOpLogger{}
	}

	if s.stat == nil {
		s.stat = stats.NoOp{}
	}

	return s
}

// Get returns stored value or offline.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.config.Prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.stat.Add(ctx, offline.MetricStoreMiss, 1, "name", s.config.Name)

			return nil, offline.ErrNotFound
		}

		s.stat.Add(ctx, offline.MetricStoreError, 1, "name", s.config.Name, "op", "get")

		return nil, ctxd.WrapError(ctx, err, "failed to read from redis", "key", key)
	}

	s.stat.Add(ctx, offline.MetricStoreRead, 1, "name", s.config.Name)

	return b, nil
}

// Set stores value without expiration, expiration is handled by offline.EntryCache.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.config.Prefix+key, value, 0).Err(); err != nil {
		s.stat.Add(ctx, offline.MetricStoreError, 1, "name", s.config.Name, "op", "set")

		return ctxd.WrapError(ctx, err, "failed to write to redis", "key", key)
	}

	s.stat.Add(ctx, offline.MetricStoreWrite, 1, "name", s.config.Name)

	return nil
}

// Remove deletes value.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.config.Prefix+key).Err(); err != nil {
		s.stat.Add(ctx, offline.MetricStoreError, 1, "name", s.config.Name, "op", "remove")

		return ctxd.WrapError(ctx, err, "failed to delete from redis", "key", key)
	}

	s.stat.Add(ctx, offline.MetricStoreRemove, 1, "name", s.config.Name)

	return nil
}

// List returns sorted keys with a prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	match := escapeGlob(s.config.Prefix+prefix) + "*"

	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, s.config.ScanCount).Result()
		if err != nil {
			return nil, ctxd.WrapError(ctx, err, "failed to scan redis keys", "prefix", prefix)
		}

		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.config.Prefix))
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	// SCAN may return a key more than once.
	sort.Strings(keys)

	uniq := keys[:0]

	for i, k := range keys {
		if i > 0 && keys[i-1] == k {
			continue
		}

		uniq = append(uniq, k)
	}

	s.log.Debug(ctx, "listed redis keys", "name", s.config.Name, "prefix", prefix, "count", len(uniq))

	return uniq, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

	return r.Replace(s)
}
