package natsmon

import (
	"context"
	"encoding/json"

	"github.com/bool64/ctxd"
	"github.com/nats-io/nats.go"
	"github.com/vearutop/offline"
)

// DefaultSubjectPrefix is a default subject prefix of sync events.
const DefaultSubjectPrefix = "offline.synced"

// Event is published for every pending change processed by reconciliation.
type Event struct {
	Resource string         `json:"resource"`
	Op       offline.Op     `json:"op"`
	ID       string         `json:"id"`
	ServerID string         `json:"serverId,omitempty"`
	Record   offline.Record `json:"record,omitempty"`
	Error    string         `json:"error,omitempty"`

	// Permanent is true if backend rejected the change.
	Permanent bool `json:"permanent,omitempty"`
}

// NewEvent converts sync result to Event.
func NewEvent(res offline.ItemResult) Event {
	e := Event{
		Resource: res.Resource,
		Op:       res.Op,
		ID:       res.ID,
		ServerID: res.ServerID,
		Record:   res.Record,
	}

	if res.Err != nil {
		e.Error = res.Err.Error()
		e.Permanent = offline.IsPermanent(res.Err)
	}

	return e
}

// Subject returns event subject, e.g. "offline.synced.vehicle.create".
func Subject(prefix string, res offline.ItemResult) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	return prefix + "." + res.Resource + "." + string(res.Op)
}

// Notifier returns offline.ClientConfig.OnSynced callback that publishes events to NATS.
//
// Publish failures are logged, they never affect reconciliation.
func Notifier(nc *nats.Conn, prefix string, logger ctxd.Logger) func(ctx context.Context, res offline.ItemResult) {
	if logger == nil {
		logger = ctxd.NoOpLogger{}
	}

	return func(ctx context.Context, res offline.ItemResult) {
		data, err := json.Marshal(NewEvent(res))
		if err != nil {
			logger.Error(ctx, "failed to encode sync event", "error", err)

			return
		}

		if err := nc.Publish(Subject(prefix, res), data); err != nil {
			logger.Warn(ctx, "failed to publish sync event", "error", err, "resource", res.Resource)
		}
	}
}
