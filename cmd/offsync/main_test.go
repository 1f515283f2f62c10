package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vearutop/offline"
)

type server struct {
	down    int32
	mu      sync.Mutex
	records []offline.Record
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.down) == 1 {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet:
		_ = json.NewEncoder(w).Encode(s.records)
	case r.Method == http.MethodPost:
		var rec offline.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		rec["id"] = "srv-" + strconv.Itoa(len(s.records)+1)
		s.records = append(s.records, rec)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)
	default:
		http.Error(w, "not supported", http.StatusMethodNotAllowed)
	}
}

func setup(t *testing.T, srv *server) []string {
	t.Helper()

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	cfg := filepath.Join(dir, "offsync.yaml")

	require.NoError(t, os.WriteFile(cfg, []byte(`
backend:
  base_url: `+ts.URL+`
  health_url: `+ts.URL+`/health
  max_retries: -1
resources: [vehicle]
store:
  driver: file
  path: `+filepath.Join(dir, "state.json")+`
log:
  level: error
`), 0o600))

	return []string{"-config", cfg}
}

func exec(t *testing.T, args []string, cmd ...string) []byte {
	t.Helper()

	out := bytes.NewBuffer(nil)
	require.NoError(t, run(context.Background(), append(args, cmd...), out))

	return out.Bytes()
}

func TestRun_offlineRoundTrip(t *testing.T) {
	srv := &server{}
	args := setup(t, srv)

	atomic.StoreInt32(&srv.down, 1)

	var o offline.Outcome
	require.NoError(t, json.Unmarshal(exec(t, args, "queue", "vehicle", "create", `{"plate":"ABC-123"}`), &o))
	assert.True(t, o.Queued)
	assert.True(t, offline.IsPendingID(o.ID))

	var st offline.Status
	require.NoError(t, json.Unmarshal(exec(t, args, "status"), &st))
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Pending["vehicle"].Creates)
	assert.Nil(t, st.LastSyncAt)

	var v offline.View
	require.NoError(t, json.Unmarshal(exec(t, args, "view", "vehicle"), &v))
	require.Len(t, v.Records, 1)
	assert.Equal(t, "ABC-123", v.Records[0]["plate"])
	assert.Equal(t, o.ID, v.Records[0].ID())

	atomic.StoreInt32(&srv.down, 0)

	var rep report
	require.NoError(t, json.Unmarshal(exec(t, args, "sync"), &rep))
	assert.False(t, rep.Offline)
	assert.Equal(t, 1, rep.Succeeded)
	require.Len(t, rep.Items, 1)
	assert.Equal(t, "srv-1", rep.Items[0].ServerID)

	require.NoError(t, json.Unmarshal(exec(t, args, "status"), &st))
	assert.True(t, st.Online)
	assert.Equal(t, 0, st.Pending["vehicle"].Creates)
	assert.NotNil(t, st.LastSyncAt)

	v = offline.View{}
	require.NoError(t, json.Unmarshal(exec(t, args, "view", "vehicle"), &v))
	require.Len(t, v.Records, 1)
	assert.Equal(t, "srv-1", v.Records[0].ID())
}

func TestRun_online(t *testing.T) {
	srv := &server{}
	args := setup(t, srv)

	var o offline.Outcome
	require.NoError(t, json.Unmarshal(exec(t, args, "queue", "vehicle", "create", `{"plate":"AAA-111"}`), &o))
	assert.False(t, o.Queued)
	assert.Equal(t, "srv-1", o.ID)

	out := exec(t, args, "cleanup")
	assert.JSONEq(t, `{"removed":0}`, string(out))
}

func TestRun_errors(t *testing.T) {
	args := setup(t, &server{})

	assert.EqualError(t, run(context.Background(), args, bytes.NewBuffer(nil)), "command is required")
	assert.EqualError(t, run(context.Background(), append(args, "bogus"), bytes.NewBuffer(nil)), `unknown command "bogus"`)
	assert.EqualError(t, run(context.Background(), append(args, "view"), bytes.NewBuffer(nil)), "usage: view <resource>")
	assert.ErrorIs(t, run(context.Background(), append(args, "view", "driver"), bytes.NewBuffer(nil)), offline.ErrUnknownResource)
	assert.ErrorIs(t, run(context.Background(), append(args, "queue", "vehicle", "update", `{"plate":"X"}`), bytes.NewBuffer(nil)),
		offline.ErrMissingID)
}
