// Package natsmon reports connectivity from NATS connection state and publishes sync events.
package natsmon

import (
	"context"
	"time"

	"github.com/bool64/ctxd"
	"github.com/nats-io/nats.go"
	"github.com/vearutop/offline"
)

// Config controls Monitor instance.
type Config struct {
	// Name is added to logs.
	Name string

	// Logger collects messages with context.
	Logger ctxd.Logger
}

var _ offline.NetworkMonitor = &Monitor{}

// Monitor is online while NATS connection is established.
type Monitor struct {
	*offline.Switch

	config Config
	log    ctxd.Logger
}

// New creates Monitor in offline state.
func New(cfg ...Config) *Monitor {
	config := Config{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	m := &Monitor{
		Switch: offline.NewSwitch(false),
		config: config,
		log:    config.Logger,
	}

	if m.log == nil {
		m.log = ctxd.NoOpLogger{}
	}

	return m
}

func (m *Monitor) up(reason string) {
	if m.SetOnline(true) {
		m.log.Info(context.Background(), "nats connection is up", "name", m.config.Name, "reason", reason)
	}
}

func (m *Monitor) down(reason string, err error) {
	if m.SetOnline(false) {
		m.log.Warn(context.Background(), "nats connection is down",
			"name", m.config.Name, "reason", reason, "error", err)
	}
}

// Options returns connection options that drive Monitor state.
func (m *Monitor) Options() []nats.Option {
	return []nats.Option{
		nats.ConnectHandler(func(*nats.Conn) { m.up("connected") }),
		nats.ReconnectHandler(func(*nats.Conn) { m.up("reconnected") }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { m.down("disconnected", err) }),
		nats.ClosedHandler(func(*nats.Conn) { m.down("closed", nil) }),
	}
}

// Attach installs state handlers on existing connection and syncs current state.
func (m *Monitor) Attach(nc *nats.Conn) {
	nc.SetReconnectHandler(func(*nats.Conn) { m.up("reconnected") })
	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) { m.down("disconnected", err) })
	nc.SetClosedHandler(func(*nats.Conn) { m.down("closed", nil) })

	if nc.IsConnected() {
		m.up("attached")
	} else {
		m.down("attached", nil)
	}
}

// Connect dials NATS with infinite reconnects, Monitor follows connection state.
//
// Connection is returned even if server is not reachable yet.
func Connect(url string, m *Monitor, opts ...nats.Option) (*nats.Conn, error) {
	opts = append([]nats.Option{
		nats.Name(m.config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20 * time.Second),
		nats.RetryOnFailedConnect(true),
	}, opts...)

	nc, err := nats.Connect(url, append(opts, m.Options()...)...)
	if err != nil {
		return nil, err
	}

	if nc.IsConnected() {
		m.up("connected")
	}

	return nc, nil
}
