// Package pgstore implements offline.Store on top of PostgreSQL.
//
// Schema is created with Migrate.
package pgstore

import (
	"context"
	"errors"
	"strings"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vearutop/offline"
)

// Querier is implemented by *pgxpool.Pool and *pgx.Conn.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config controls Postgres store instance.
type Config struct {
	// Name is added to logs and stats.
	Name string

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

var _ offline.Store = &Store{}

// Store keeps values in offline_kv table.
type Store struct {
	db     Querier
	config Config
	log    ctxd.Logger
	stat   stats.Tracker
}

// New creates Postgres store.
func New(db Querier, cfg ...Config) *Store {
	config := Config{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	s := &Store{
		db:     db,
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
	var value []byte

	err := s.db.QueryRow(ctx, `SELECT value FROM offline_kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.stat.Add(ctx, offline.MetricStoreMiss, 1, "name", s.config.Name)

			return nil, offline.ErrNotFound
		}

		s.stat.Add(ctx, offline.MetricStoreError, 1, "name", s.config.Name, "op", "get")

		return nil, ctxd.WrapError(ctx, err, "failed to read from postgres", "key", key)
	}

	s.stat.Add(ctx, offline.MetricStoreRead, 1, "name", s.config.Name)

	return value, nil
}

// Set upserts value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO offline_kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
	if err != nil {
		s.stat.Add(ctx, offline.MetricStoreError, 1, "name", s.config.Name, "op", "set")

		return ctxd.WrapError(ctx, err, "failed to write to postgres", "key", key)
	}

	s.stat.Add(ctx, offline.MetricStoreWrite, 1, "name", s.config.Name)

	return nil
}

// Remove deletes value.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM offline_kv WHERE key = $1`, key); err != nil {
		s.stat.Add(ctx, offline.MetricStoreError, 1, "name", s.config.Name, "op", "remove")

		return ctxd.WrapError(ctx, err, "failed to delete from postgres", "key", key)
	}

	s.stat.Add(ctx, offline.MetricStoreRemove, 1, "name", s.config.Name)

	return nil
}

// List returns keys with a prefix in byte order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key FROM offline_kv WHERE key LIKE $1 ESCAPE '\' ORDER BY key COLLATE "C"`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, ctxd.WrapError(ctx, err, "failed to list postgres keys", "prefix", prefix)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, ctxd.WrapError(ctx, err, "failed to scan postgres keys", "prefix", prefix)
	}

	s.log.Debug(ctx, "listed postgres keys", "name", s.config.Name, "prefix", prefix, "count", len(keys))

	return keys, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
