package offline_test

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vearutop/offline"
)

// fakeServer keeps records of a single resource.
type fakeServer struct {
	mu      sync.Mutex
	seq     int
	records map[string]offline.Record
	lists   int
	fail    error
}

func newFakeServer(records ...offline.Record) *fakeServer {
	s := &fakeServer{records: map[string]offline.Record{}}

	for _, r := range records {
		s.records[r.ID()] = r
	}

	return s
}

func (s *fakeServer) List(ctx context.Context) ([]offline.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists++

	if s.fail != nil {
		return nil, s.fail
	}

	res := make([]offline.Record, 0, len(s.records))
	for _, r := range s.records {
		res = append(res, r.Clone())
	}

	sort.Slice(res, func(i, j int) bool { return res[i].ID() < res[j].ID() })

	return res, nil
}

func (s *fakeServer) Mutate(ctx context.Context, m offline.Mutation) (offline.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return nil, s.fail
	}

	switch m.Op {
	case offline.OpCreate:
		s.seq++
		r := m.Payload.Patched(offline.Record{"id": "srv-" + strconv.Itoa(s.seq)})
		s.records[r.ID()] = r

		return r.Clone(), nil
	case offline.OpUpdate:
		r, ok := s.records[m.ID]
		if !ok {
			return nil, offline.Permanent(errors.New("not found"))
		}

		r = r.Patched(m.Payload)
		s.records[m.ID] = r

		return r.Clone(), nil
	case offline.OpDelete:
		delete(s.records, m.ID)
	}

	return nil, nil
}

func (s *fakeServer) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fail = err
}

func newClient(t *testing.T, sw *offline.Switch, srv *fakeServer) (*offline.Client, *offline.PendingChanges) {
	t.Helper()

	c := offline.NewClient(offline.ClientConfig{
		Name:    "test",
		Monitor: sw,
		Policy:  offline.Policy{StaleAfter: time.Minute, ExpireAfter: time.Hour},
		Logger:  ctxd.NoOpLogger{},
		Stats:   &stats.TrackerMock{},
	})

	q := c.Register("vehicle", offline.Resource{List: srv.List, Backend: srv})

	c.Start()
	t.Cleanup(c.Close)

	return c, q
}

func ids(records []offline.Record) []string {
	res := make([]string, 0, len(records))
	for _, r := range records {
		res = append(res, r.ID())
	}

	return res
}

func TestClient_offlineCreate(t *testing.T) {
	ctx := context.Background()
	sw := offline.NewSwitch(false)
	srv := newFakeServer()
	c, q := newClient(t, sw, srv)

	out, err := c.QueueOrSend(ctx, "vehicle", offline.OpCreate, offline.Record{"plate": "ABC-123"})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.True(t, offline.IsPendingID(out.ID))

	view, err := c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)
	require.Len(t, view.Records, 1)
	assert.Equal(t, out.ID, view.Records[0].ID())
	assert.Equal(t, "ABC-123", view.Records[0]["plate"])

	// Reconnect triggers a drain.
	sw.SetOnline(true)
	c.Wait()

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())

	view, err = c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-1"}, ids(view.Records))
	assert.Equal(t, "ABC-123", view.Records[0]["plate"])
}

func TestClient_QueueOrSend_online(t *testing.T) {
	ctx := context.Background()
	sw := offline.NewSwitch(true)
	srv := newFakeServer(offline.Record{"id": "1", "plate": "AAA-111"})
	c, q := newClient(t, sw, srv)

	view, err := c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(view.Records))

	out, err := c.QueueOrSend(ctx, "vehicle", offline.OpCreate, offline.Record{"plate": "ABC-123"})
	require.NoError(t, err)
	assert.False(t, out.Queued)
	assert.Equal(t, "srv-1", out.ID)
	assert.Equal(t, "ABC-123", out.Record["plate"])

	// Sent mutation is folded into cached snapshot.
	view, err = c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)
	assert.True(t, view.IsFromCache)
	assert.Equal(t, []string{"1", "srv-1"}, ids(view.Records))

	c.Wait()

	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpUpdate, offline.Record{"id": "1", "status": "moving"})
	require.NoError(t, err)

	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpDelete, offline.Record{"id": "srv-1"})
	require.NoError(t, err)

	view, err = c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, ids(view.Records))
	assert.Equal(t, "moving", view.Records[0]["status"])

	// Failure is returned, nothing is queued.
	srv.setFail(errors.New("503"))

	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpDelete, offline.Record{"id": "1"})
	assert.Error(t, err)

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())

	c.Wait()
}

func TestClient_QueueOrSend_validation(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t, offline.NewSwitch(false), newFakeServer())

	_, err := c.QueueOrSend(ctx, "driver", offline.OpCreate, offline.Record{})
	assert.ErrorIs(t, err, offline.ErrUnknownResource)

	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpUpdate, offline.Record{"status": "moving"})
	assert.ErrorIs(t, err, offline.ErrMissingID)

	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpDelete, offline.Record{})
	assert.ErrorIs(t, err, offline.ErrMissingID)

	_, err = c.EffectiveView(ctx, "driver")
	assert.ErrorIs(t, err, offline.ErrUnknownResource)
}

func TestClient_pendingRecordIsAlwaysQueued(t *testing.T) {
	ctx := context.Background()
	sw := offline.NewSwitch(false)
	srv := newFakeServer()
	c, q := newClient(t, sw, srv)

	out, err := c.QueueOrSend(ctx, "vehicle", offline.OpCreate, offline.Record{"plate": "ABC-123"})
	require.NoError(t, err)

	// Reconnect without drain.
	c.Reconciler().Stop()
	sw.SetOnline(true)

	upd, err := c.QueueOrSend(ctx, "vehicle", offline.OpUpdate, offline.Record{"id": out.ID, "status": "parked"})
	require.NoError(t, err)
	assert.True(t, upd.Queued)

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Creates, 1)
	assert.Equal(t, offline.Record{"plate": "ABC-123", "status": "parked"}, snap.Creates[0].Payload)

	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpDelete, offline.Record{"id": out.ID})
	require.NoError(t, err)

	snap, err = q.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())

	report := c.Sync(ctx)
	assert.Equal(t, 0, report.Succeeded+report.Failed)
	assert.Empty(t, srv.records)
}

func TestClient_offlineEdits(t *testing.T) {
	ctx := context.Background()
	sw := offline.NewSwitch(true)
	srv := newFakeServer(
		offline.Record{"id": "1", "plate": "AAA-111", "status": "parked"},
		offline.Record{"id": "2", "plate": "BBB-222", "status": "parked"},
		offline.Record{"id": "3", "plate": "CCC-333", "status": "parked"},
	)
	c, q := newClient(t, sw, srv)

	_, err := c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)

	sw.SetOnline(false)

	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpUpdate, offline.Record{"id": "1", "status": "moving"})
	require.NoError(t, err)
	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpDelete, offline.Record{"id": "2"})
	require.NoError(t, err)
	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpUpdate, offline.Record{"id": "3", "status": "moving"})
	require.NoError(t, err)

	view, err := c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, ids(view.Records))
	assert.Equal(t, "moving", view.Records[0]["status"])

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, offline.PendingStats{Updates: 2, Deletes: 1}, st.Pending["vehicle"])
	assert.Equal(t, 1, st.Cache.Entries)

	// Record 3 is removed on server by someone else.
	srv.mu.Lock()
	delete(srv.records, "3")
	srv.mu.Unlock()

	sw.SetOnline(true)
	c.Wait()

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Updates, 1)
	assert.Equal(t, "3", snap.Updates[0].ID)
	assert.Equal(t, 1, snap.Updates[0].Attempts)

	// Fresh snapshot drops update of missing record.
	_, err = c.ForceRefresh(ctx, offline.ResourceKey("vehicle"))
	require.NoError(t, err)

	view, err = c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(view.Records))
	assert.Equal(t, "moving", view.Records[0]["status"])

	snap, err = q.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())

	c.Wait()
}

func TestClient_InvalidateAll(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(offline.Record{"id": "1"})
	c, _ := newClient(t, offline.NewSwitch(true), srv)

	_, err := c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)

	view, err := c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)
	assert.False(t, view.IsStale)

	require.NoError(t, c.InvalidateAll(ctx))
	assert.ErrorIs(t, c.InvalidateAll(ctx), offline.ErrAlreadyInvalidated)

	view, err = c.EffectiveView(ctx, "vehicle")
	require.NoError(t, err)
	assert.True(t, view.IsStale)

	c.Wait()

	srv.mu.Lock()
	assert.Equal(t, 2, srv.lists)
	srv.mu.Unlock()

	n, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClient_FetchWithCache(t *testing.T) {
	ctx := context.Background()
	sw := offline.NewSwitch(true)
	c, _ := newClient(t, sw, newFakeServer())

	n := 0
	build := func(ctx context.Context) (interface{}, error) {
		n++

		return map[string]int{"n": n}, nil
	}

	res, err := c.FetchWithCache(ctx, "stats", build, offline.Policy{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(res.Data))

	require.NoError(t, c.Invalidate(ctx, "stats"))

	sw.SetOnline(false)

	res, err = c.FetchWithCache(ctx, "stats", build, offline.Policy{})
	require.NoError(t, err)
	assert.True(t, res.IsStale)

	_, err = c.ForceRefresh(ctx, "stats")
	assert.ErrorIs(t, err, offline.ErrOffline)
	assert.Equal(t, 1, n)
}

func TestClient_QueueOrSend_behindQueuedUpdate(t *testing.T) {
	ctx := context.Background()
	sw := offline.NewSwitch(false)
	srv := newFakeServer(offline.Record{"id": "1", "plate": "AAA-111"})

	// Not started, reconnect does not drain.
	c := offline.NewClient(offline.ClientConfig{Monitor: sw})
	c.Register("vehicle", offline.Resource{List: srv.List, Backend: srv})
	t.Cleanup(c.Close)

	out, err := c.QueueOrSend(ctx, "vehicle", offline.OpUpdate, offline.Record{"id": "1", "plate": "FIRST"})
	require.NoError(t, err)
	assert.True(t, out.Queued)

	sw.SetOnline(true)

	out, err = c.QueueOrSend(ctx, "vehicle", offline.OpUpdate, offline.Record{"id": "1", "plate": "SECOND"})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Equal(t, "1", out.ID)

	c.Wait()
	c.Sync(ctx)

	srv.mu.Lock()
	assert.Equal(t, "SECOND", srv.records["1"]["plate"])
	srv.mu.Unlock()

	// Nothing queued for the record, mutation is sent directly.
	out, err = c.QueueOrSend(ctx, "vehicle", offline.OpUpdate, offline.Record{"id": "1", "plate": "THIRD"})
	require.NoError(t, err)
	assert.False(t, out.Queued)

	srv.mu.Lock()
	assert.Equal(t, "THIRD", srv.records["1"]["plate"])
	srv.mu.Unlock()
}

func TestClient_QueueOrSend_behindQueuedDelete(t *testing.T) {
	ctx := context.Background()
	sw := offline.NewSwitch(false)
	srv := newFakeServer(offline.Record{"id": "1", "plate": "AAA-111"})

	c := offline.NewClient(offline.ClientConfig{Monitor: sw})
	q := c.Register("vehicle", offline.Resource{List: srv.List, Backend: srv})
	t.Cleanup(c.Close)

	_, err := c.QueueOrSend(ctx, "vehicle", offline.OpDelete, offline.Record{"id": "1"})
	require.NoError(t, err)

	sw.SetOnline(true)

	out, err := c.QueueOrSend(ctx, "vehicle", offline.OpDelete, offline.Record{"id": "1"})
	require.NoError(t, err)
	assert.True(t, out.Queued)

	c.Wait()

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
	assert.Empty(t, srv.records)
}

func TestClient_LastSyncAt(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	sw := offline.NewSwitch(false)
	srv := newFakeServer()
	st := offline.NewMemoryStore()

	c := offline.NewClient(offline.ClientConfig{Monitor: sw, Store: st, Clock: clk.Now})
	c.Register("vehicle", offline.Resource{List: srv.List, Backend: srv})
	t.Cleanup(c.Close)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, status.LastSyncAt)

	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpCreate, offline.Record{"plate": "ABC-123"})
	require.NoError(t, err)

	// Offline drain does not count.
	report, due := c.SyncIfDue(ctx, 0)
	assert.True(t, due)
	assert.True(t, report.Offline)

	last, err := c.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	sw.SetOnline(true)

	report, due = c.SyncIfDue(ctx, 0)
	assert.True(t, due)
	assert.Equal(t, 1, report.Succeeded)

	status, err = c.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.LastSyncAt)
	assert.True(t, clk.Now().Equal(*status.LastSyncAt))

	clk.Add(10 * time.Minute)

	_, due = c.SyncIfDue(ctx, 0)
	assert.False(t, due)

	// Drain with failures keeps previous time, so next check drains again.
	sw.SetOnline(false)

	_, err = c.QueueOrSend(ctx, "vehicle", offline.OpUpdate, offline.Record{"id": "missing", "plate": "X"})
	require.NoError(t, err)

	sw.SetOnline(true)

	clk.Add(6 * time.Minute)

	report, due = c.SyncIfDue(ctx, 0)
	assert.True(t, due)
	assert.Equal(t, 1, report.Failed)

	last, err = c.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, clk.Now().Add(-16*time.Minute).Equal(last))

	_, due = c.SyncIfDue(ctx, time.Minute)
	assert.True(t, due)

	// Time survives client restart.
	c2 := offline.NewClient(offline.ClientConfig{Store: st})

	last2, err := c2.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(last2))

	require.NoError(t, st.Set(ctx, offline.LastSyncKey, []byte("{")))

	_, err = c2.LastSyncAt(ctx)
	assert.ErrorIs(t, err, offline.ErrCorrupted)
}
