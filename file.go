package offline

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/bool64/ctxd"
)

// FileConfig controls file store instance.
type FileConfig struct {
	MemoryConfig

	// Path is a location of snapshot file, required.
	Path string
}

var _ Store = &FileStore{}

// FileStore is an in-memory store that is flushed to a file on every mutation.
//
// Snapshot is written to a temporary file and renamed over the previous one,
// so a crash leaves either old or new state on disk.
type FileStore struct {
	*MemoryStore

	mu   sync.Mutex
	path string
}

// NewFileStore loads previous snapshot if it exists and returns the store.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("file store: path is required")
	}

	s := &FileStore{
		MemoryStore: NewMemoryStore(cfg.MemoryConfig),
		path:        cfg.Path,
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}

		return nil, err
	}

	defer f.Close() //nolint:errcheck

	n, err := s.Restore(bufio.NewReader(f))
	if err != nil {
		// Partially restored snapshot is still usable, broken tail is dropped on next flush.
		s.log.Error(context.Background(), "failed to restore file store",
			"error", err, "path", cfg.Path, "restored", n)
	}

	return s, nil
}

// Set stores value and flushes snapshot.
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.MemoryStore.Set(ctx, key, value); err != nil {
		return err
	}

	return s.flush(ctx)
}

// Remove deletes value and flushes snapshot.
func (s *FileStore) Remove(ctx context.Context, key string) error {
	if err := s.MemoryStore.Remove(ctx, key); err != nil {
		return err
	}

	return s.flush(ctx)
}

func (s *FileStore) flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return ctxd.WrapError(ctx, err, "failed to create snapshot file", "path", s.path)
	}

	w := bufio.NewWriter(tmp)

	if _, err = s.Dump(w); err == nil {
		err = w.Flush()
	}

	if err == nil {
		err = tmp.Sync()
	}

	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err == nil {
		err = os.Rename(tmp.Name(), s.path)
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return ctxd.WrapError(ctx, err, "failed to write snapshot file", "path", s.path)
	}

	return nil
}
