package offline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vearutop/offline"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

func TestEntryCache_Get(t *testing.T) {
	ctx := context.Background()
	st := &stats.TrackerMock{}
	clk := newClock()
	c := offline.NewEntryCache(nil, offline.EntryCacheConfig{
		Name:   "test",
		Clock:  clk.Now,
		Logger: ctxd.NoOpLogger{},
		Stats:  st,
	})
	policy := offline.Policy{StaleAfter: time.Minute, ExpireAfter: time.Hour}

	_, err := c.Get(ctx, "key")
	assert.ErrorIs(t, err, offline.ErrNotFound)

	require.NoError(t, c.Set(ctx, "key", []int{1, 2, 3}, policy))

	e, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "key", e.Key)
	assert.Equal(t, clk.Now(), e.WrittenAt)
	assert.Equal(t, clk.Now().Add(time.Hour), e.ExpiresAt)
	assert.False(t, c.IsStale(e, policy))

	var v []int

	require.NoError(t, e.Decode(&v))
	assert.Equal(t, []int{1, 2, 3}, v)

	// Stale, but still served.
	clk.Add(2 * time.Minute)

	e, err = c.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, c.IsStale(e, policy))

	// Expired is purged.
	clk.Add(time.Hour)

	_, err = c.Get(ctx, "key")
	assert.ErrorIs(t, err, offline.ErrNotFound)

	st2, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st2.Entries)

	assert.Equal(t, 1, st.Int(offline.MetricMiss))
	assert.Equal(t, 2, st.Int(offline.MetricHit))
	assert.Equal(t, 1, st.Int(offline.MetricWrite))
	assert.Equal(t, 1, st.Int(offline.MetricExpired))
}

func TestEntryCache_Get_corrupted(t *testing.T) {
	ctx := context.Background()
	st := &stats.TrackerMock{}
	s := offline.NewMemoryStore()
	c := offline.NewEntryCache(s, offline.EntryCacheConfig{Stats: st})

	require.NoError(t, s.Set(ctx, offline.DefaultCachePrefix+"broken", []byte("{")))
	require.NoError(t, s.Set(ctx, offline.DefaultCachePrefix+"no-expiry", []byte(`{"data":[1]}`)))

	_, err := c.Get(ctx, "broken")
	assert.ErrorIs(t, err, offline.ErrNotFound)

	_, err = c.Get(ctx, "no-expiry")
	assert.ErrorIs(t, err, offline.ErrNotFound)

	// Corrupted entries are deleted.
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 2, st.Int(offline.MetricCorrupted))
}

func TestEntryCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := offline.NewEntryCache(nil, offline.EntryCacheConfig{Clock: clk.Now})
	policy := offline.Policy{StaleAfter: time.Hour, ExpireAfter: 2 * time.Hour}

	// Missing key is not an error.
	require.NoError(t, c.Invalidate(ctx, "key"))

	require.NoError(t, c.Set(ctx, "key", "value", policy))
	require.NoError(t, c.Invalidate(ctx, "key"))

	e, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, c.IsStale(e, policy))
	assert.Equal(t, `"value"`, string(e.Data))
	assert.Equal(t, clk.Now().Add(2*time.Hour), e.ExpiresAt)
}

func TestEntryCache_Rewrite(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := offline.NewEntryCache(nil, offline.EntryCacheConfig{Clock: clk.Now})
	policy := offline.Policy{StaleAfter: time.Minute}

	assert.ErrorIs(t, c.Rewrite(ctx, "key", 1), offline.ErrNotFound)

	require.NoError(t, c.Set(ctx, "key", 1, policy))

	written := clk.Now()

	clk.Add(30 * time.Second)
	require.NoError(t, c.Rewrite(ctx, "key", 2))

	e, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "2", string(e.Data))
	assert.Equal(t, written, e.WrittenAt)
}

func TestEntryCache_Cleanup(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s := offline.NewMemoryStore()
	c := offline.NewEntryCache(s, offline.EntryCacheConfig{Clock: clk.Now})

	require.NoError(t, c.Set(ctx, "short", 1, offline.Policy{ExpireAfter: time.Minute}))
	require.NoError(t, c.Set(ctx, "long", 2, offline.Policy{ExpireAfter: time.Hour}))
	require.NoError(t, s.Set(ctx, offline.DefaultCachePrefix+"broken", []byte("[")))

	// Other data in the same store is not touched.
	require.NoError(t, s.Set(ctx, "pending:x:create:pending-1", []byte("{}")))

	clk.Add(2 * time.Minute)

	n, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{offline.DefaultCachePrefix + "long", "pending:x:create:pending-1"}, keys)

	es, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, es.Entries)
	assert.Greater(t, es.Size, 0)

	n, err = c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())
}

func TestPolicy_defaults(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := offline.NewEntryCache(nil, offline.EntryCacheConfig{Clock: clk.Now})

	require.NoError(t, c.Set(ctx, "key", nil, offline.Policy{}))

	e, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "null", string(e.Data))
	assert.Equal(t, clk.Now().Add(offline.DefaultExpireAfter), e.ExpiresAt)

	clk.Add(offline.DefaultStaleAfter + time.Second)
	assert.True(t, c.IsStale(e, offline.Policy{}))

	// Stale delay is capped by expiration.
	assert.True(t, c.IsStale(e, offline.Policy{StaleAfter: time.Hour, ExpireAfter: time.Minute}))
}
