package natsmon_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bool64/ctxd"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vearutop/offline"
	"github.com/vearutop/offline/natsmon"
)

func TestMonitor_Options(t *testing.T) {
	m := natsmon.New(natsmon.Config{Name: "test", Logger: ctxd.NoOpLogger{}})
	assert.False(t, m.IsOnline())

	reconnects := 0
	m.OnOnline(func() { reconnects++ })

	opts := nats.GetDefaultOptions()
	for _, o := range m.Options() {
		require.NoError(t, o(&opts))
	}

	opts.ConnectedCB(nil)
	assert.True(t, m.IsOnline())

	opts.DisconnectedErrCB(nil, errors.New("broken pipe"))
	assert.False(t, m.IsOnline())

	opts.ReconnectedCB(nil)
	assert.True(t, m.IsOnline())

	opts.ClosedCB(nil)
	assert.False(t, m.IsOnline())

	assert.Equal(t, 2, reconnects)
}

func TestNewEvent(t *testing.T) {
	e := natsmon.NewEvent(offline.ItemResult{
		Resource: "vehicle",
		Op:       offline.OpCreate,
		ID:       "pending-1",
		Err:      offline.Permanent(errors.New("plate is required")),
	})

	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"resource":"vehicle","op":"create","id":"pending-1",
		"error":"permanent: plate is required","permanent":true}`, string(b))

	assert.Equal(t, "offline.synced.vehicle.create", natsmon.Subject("", offline.ItemResult{Resource: "vehicle", Op: offline.OpCreate}))
	assert.Equal(t, "x.vehicle.delete", natsmon.Subject("x", offline.ItemResult{Resource: "vehicle", Op: offline.OpDelete}))
}

func TestConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping nats container in short mode")
	}

	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)

	m := natsmon.New(natsmon.Config{Name: "test"})

	nc, err := natsmon.Connect(endpoint, m)
	require.NoError(t, err)

	assert.Eventually(t, m.IsOnline, 5*time.Second, 10*time.Millisecond)

	sub, err := nc.SubscribeSync(natsmon.DefaultSubjectPrefix + ".>")
	require.NoError(t, err)

	notify := natsmon.Notifier(nc, "", nil)
	notify(ctx, offline.ItemResult{Resource: "vehicle", Op: offline.OpDelete, ID: "7"})

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "offline.synced.vehicle.delete", msg.Subject)
	assert.JSONEq(t, `{"resource":"vehicle","op":"delete","id":"7"}`, string(msg.Data))

	nc.Close()
	assert.Eventually(t, func() bool { return !m.IsOnline() }, 5*time.Second, 10*time.Millisecond)

	// Attach syncs state of existing connection.
	m2 := natsmon.New()
	m2.Attach(nc)
	assert.False(t, m2.IsOnline())
}
