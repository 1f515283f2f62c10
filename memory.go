package offline

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryConfig controls in-memory store instance.
type MemoryConfig struct {
	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Name is store instance name, used in stats and logging.
	Name string
}

var _ Store = &MemoryStore{}

// MemoryStore is a Store kept in process memory.
//
// Values never expire, expiration is handled by EntryCache on top of it.
type MemoryStore struct {
	data   *gocache.Cache
	config MemoryConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewMemoryStore creates an instance of in-memory store with optional configuration.
func NewMemoryStore(cfg ...MemoryConfig) *MemoryStore {
	config := MemoryConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	s := &MemoryStore{
		data:   gocache.New(gocache.NoExpiration, 0),
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

// Get returns stored value.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, found := s.data.Get(key)
	if !found {
		s.stat.Add(ctx, MetricStoreMiss, 1, "name", s.config.Name)

		return nil, ErrNotFound
	}

	s.stat.Add(ctx, MetricStoreRead, 1, "name", s.config.Name)

	return append([]byte(nil), v.([]byte)...), nil
}

// Set stores a copy of value.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.data.Set(key, append([]byte(nil), value...), gocache.NoExpiration)
	s.stat.Add(ctx, MetricStoreWrite, 1, "name", s.config.Name)

	s.log.Debug(ctx, "wrote to store", "name", s.config.Name, "key", key, "size", len(value))

	return nil
}

// Remove deletes value.
func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.data.Delete(key)
	s.stat.Add(ctx, MetricStoreRemove, 1, "name", s.config.Name)

	return nil
}

// List returns sorted keys with prefix.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	items := s.data.Items()
	keys := make([]string, 0, len(items))

	for k := range items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// Len returns number of stored keys.
func (s *MemoryStore) Len() int {
	return s.data.ItemCount()
}

type dumpedItem struct {
	Key   string
	Value []byte
}

// Dump saves stored items in gob format and returns a number of processed items.
func (s *MemoryStore) Dump(w io.Writer) (int, error) {
	encoder := gob.NewEncoder(w)
	items := s.data.Items()

	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	n := 0

	for _, k := range keys {
		v, ok := items[k].Object.([]byte)
		if !ok {
			continue
		}

		if err := encoder.Encode(dumpedItem{Key: k, Value: v}); err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}

// Restore loads items from gob dump and returns number of processed items.
func (s *MemoryStore) Restore(r io.Reader) (int, error) {
	decoder := gob.NewDecoder(r)
	n := 0

	for {
		var item dumpedItem

		err := decoder.Decode(&item)
		if err == io.EOF {
			break
		}

		if err != nil {
			return n, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}

		s.data.Set(item.Key, item.Value, gocache.NoExpiration)

		n++
	}

	return n, nil
}
