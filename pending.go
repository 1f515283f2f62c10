package offline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

// PendingPrefix is prepended to pending change keys in Store.
const PendingPrefix = "pending:"

// PendingConfig is optional configuration for NewPendingChanges.
type PendingConfig struct {
	// NewID generates temporary ids of created records, default NewTempID.
	// Generated ids must satisfy IsPendingID.
	NewID func() string

	// Clock overrides time source, default time.Now.
	Clock Clock

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

// PendingCreate is a record created while offline.
type PendingCreate struct {
	TempID    string
	Payload   Record
	QueuedAt  time.Time
	Attempts  int
	LastError string
}

// PendingUpdate is a patch of a server record made while offline.
type PendingUpdate struct {
	ID        string
	Patch     Record
	QueuedAt  time.Time
	Attempts  int
	LastError string
}

// PendingDelete is a server record deleted while offline.
type PendingDelete struct {
	ID        string
	QueuedAt  time.Time
	Attempts  int
	LastError string
}

// PendingSnapshot is a state of pending changes of a resource.
type PendingSnapshot struct {
	Creates []PendingCreate
	Updates []PendingUpdate
	Deletes []PendingDelete
}

// Len returns total number of pending changes.
func (s PendingSnapshot) Len() int {
	return len(s.Creates) + len(s.Updates) + len(s.Deletes)
}

// PendingStats counts pending changes.
type PendingStats struct {
	Creates int `json:"creates"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`

	// Failed is a number of changes that failed to sync at least once.
	Failed int `json:"failed"`
}

// Total returns number of pending changes.
func (s PendingStats) Total() int {
	return s.Creates + s.Updates + s.Deletes
}

type pendingItem struct {
	ID        string    `json:"id"`
	Payload   Record    `json:"payload,omitempty"`
	QueuedAt  time.Time `json:"queuedAt"`
	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// PendingChanges holds creates, updates and deletes of a resource made while offline.
//
// Every item is a separate Store key, so each mutator is a single durable write.
type PendingChanges struct {
	store    Store
	resource string
	prefix   string
	config   PendingConfig
	log      ctxd.Logger
	stat     stats.Tracker
	now      Clock
}

// NewPendingChanges creates pending changes of a resource type, in-memory store is used if nil.
func NewPendingChanges(store Store, resource string, cfg ...PendingConfig) *PendingChanges {
	config := PendingConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.NewID == nil {
		config.NewID = NewTempID
	}

	p := &PendingChanges{
		store:    store,
		resource: resource,
		prefix:   PendingPrefix + resource + ":",
		config:   config,
		log:      config.Logger,
		stat:     config.Stats,
		now:      config.Clock,
	}

	if p.store == nil {
		p.store = NewMemoryStore(MemoryConfig{Name: resource, Logger: config.Logger, Stats: config.Stats})
	}

	if p.log == nil {
		p.log = ctxd.NoOpLogger{}
	}

	if p.stat == nil {
		p.stat = stats.NoOp{}
	}

	if p.now == nil {
		p.now = time.Now
	}

	return p
}

// Resource returns resource type.
func (p *PendingChanges) Resource() string {
	return p.resource
}

func (p *PendingChanges) key(op Op, id string) string {
	return p.prefix + string(op) + ":" + id
}

func (p *PendingChanges) load(ctx context.Context, op Op, id string) (pendingItem, error) {
	b, err := p.store.Get(ctx, p.key(op, id))
	if err != nil {
		return pendingItem{}, err
	}

	var item pendingItem

	if err := json.Unmarshal(b, &item); err != nil {
		p.log.Error(ctx, "deleting corrupted pending change",
			"resource", p.resource, "op", op, "id", id, "error", err)
		p.stat.Add(ctx, MetricCorrupted, 1, "name", p.resource)

		if err := p.store.Remove(ctx, p.key(op, id)); err != nil {
			return pendingItem{}, ctxd.WrapError(ctx, err, "failed to delete corrupted pending change")
		}

		return pendingItem{}, ErrNotFound
	}

	item.ID = id

	return item, nil
}

func (p *PendingChanges) save(ctx context.Context, op Op, item pendingItem) error {
	b, err := json.Marshal(item)
	if err != nil {
		return ctxd.WrapError(ctx, err, "failed to encode pending change", "resource", p.resource, "id", item.ID)
	}

	if err := p.store.Set(ctx, p.key(op, item.ID), b); err != nil {
		return ctxd.WrapError(ctx, err, "failed to store pending change", "resource", p.resource, "id", item.ID)
	}

	return nil
}

func (p *PendingChanges) remove(ctx context.Context, op Op, id string) error {
	if err := p.store.Remove(ctx, p.key(op, id)); err != nil {
		return ctxd.WrapError(ctx, err, "failed to remove pending change", "resource", p.resource, "op", op, "id", id)
	}

	return nil
}

// AddCreate queues a created record and returns its temporary id.
func (p *PendingChanges) AddCreate(ctx context.Context, payload Record) (string, error) {
	tempID := p.config.NewID()

	payload = payload.Clone()
	delete(payload, IDField)

	if err := p.save(ctx, OpCreate, pendingItem{ID: tempID, Payload: payload, QueuedAt: p.now()}); err != nil {
		return "", err
	}

	p.log.Debug(ctx, "queued create", "resource", p.resource, "tempId", tempID)
	p.stat.Add(ctx, MetricQueued, 1, "name", p.resource, "op", string(OpCreate))

	return tempID, nil
}

// AddUpdate queues a patch of a record.
//
// Patch of a pending create is merged into created payload, since there is no server id to update yet.
// Otherwise a new patch replaces previously queued one for the same id.
func (p *PendingChanges) AddUpdate(ctx context.Context, id string, patch Record) error {
	if id == "" {
		return ErrMissingID
	}

	patch = patch.Clone()
	delete(patch, IDField)

	if IsPendingID(id) {
		item, err := p.load(ctx, OpCreate, id)
		if err != nil {
			return ctxd.WrapError(ctx, err, "failed to find pending create", "resource", p.resource, "tempId", id)
		}

		item.Payload = item.Payload.Patched(patch)

		if err := p.save(ctx, OpCreate, item); err != nil {
			return err
		}

		p.log.Debug(ctx, "updated pending create", "resource", p.resource, "tempId", id)

		return nil
	}

	if err := p.save(ctx, OpUpdate, pendingItem{ID: id, Payload: patch, QueuedAt: p.now()}); err != nil {
		return err
	}

	p.log.Debug(ctx, "queued update", "resource", p.resource, "id", id)
	p.stat.Add(ctx, MetricQueued, 1, "name", p.resource, "op", string(OpUpdate))

	return nil
}

// AddDelete queues deletion of a record.
//
// Deleting a pending create drops the create instead, server never knew that record.
// Queued update of the same id is dropped. Adding same id twice has no effect.
func (p *PendingChanges) AddDelete(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}

	if IsPendingID(id) {
		p.log.Debug(ctx, "dropping pending create on delete", "resource", p.resource, "tempId", id)

		return p.RemoveCreate(ctx, id)
	}

	_, err := p.load(ctx, OpDelete, id)
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := p.save(ctx, OpDelete, pendingItem{ID: id, QueuedAt: p.now()}); err != nil {
		return err
	}

	p.log.Debug(ctx, "queued delete", "resource", p.resource, "id", id)
	p.stat.Add(ctx, MetricQueued, 1, "name", p.resource, "op", string(OpDelete))

	return p.RemoveUpdate(ctx, id)
}

// Queued reports whether server record has a pending update or delete.
func (p *PendingChanges) Queued(ctx context.Context, id string) (bool, error) {
	for _, op := range []Op{OpUpdate, OpDelete} {
		_, err := p.store.Get(ctx, p.key(op, id))
		if err == nil {
			return true, nil
		}

		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}

	return false, nil
}

// RemoveCreate drops pending create.
func (p *PendingChanges) RemoveCreate(ctx context.Context, tempID string) error {
	return p.remove(ctx, OpCreate, tempID)
}

// RemoveUpdate drops pending update.
func (p *PendingChanges) RemoveUpdate(ctx context.Context, id string) error {
	return p.remove(ctx, OpUpdate, id)
}

// RemoveDelete drops pending delete.
func (p *PendingChanges) RemoveDelete(ctx context.Context, id string) error {
	return p.remove(ctx, OpDelete, id)
}

// MarkFailed records failed sync attempt of a pending change, missing change is ignored.
func (p *PendingChanges) MarkFailed(ctx context.Context, op Op, id string, cause error) error {
	item, err := p.load(ctx, op, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}

		return err
	}

	item.Attempts++
	if cause != nil {
		item.LastError = cause.Error()
	}

	return p.save(ctx, op, item)
}

// Snapshot reads all pending changes ordered by queue time.
//
// Corrupted items are deleted and skipped.
func (p *PendingChanges) Snapshot(ctx context.Context) (PendingSnapshot, error) {
	keys, err := p.store.List(ctx, p.prefix)
	if err != nil {
		return PendingSnapshot{}, ctxd.WrapError(ctx, err, "failed to list pending changes", "resource", p.resource)
	}

	s := PendingSnapshot{}

	for _, k := range keys {
		kind, id, ok := strings.Cut(strings.TrimPrefix(k, p.prefix), ":")
		if !ok {
			continue
		}

		op := Op(kind)

		item, err := p.load(ctx, op, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}

		if err != nil {
			return PendingSnapshot{}, err
		}

		switch op {
		case OpCreate:
			s.Creates = append(s.Creates, PendingCreate{
				TempID: id, Payload: item.Payload, QueuedAt: item.QueuedAt,
				Attempts: item.Attempts, LastError: item.LastError,
			})
		case OpUpdate:
			s.Updates = append(s.Updates, PendingUpdate{
				ID: id, Patch: item.Payload, QueuedAt: item.QueuedAt,
				Attempts: item.Attempts, LastError: item.LastError,
			})
		case OpDelete:
			s.Deletes = append(s.Deletes, PendingDelete{
				ID: id, QueuedAt: item.QueuedAt,
				Attempts: item.Attempts, LastError: item.LastError,
			})
		}
	}

	sort.SliceStable(s.Creates, func(i, j int) bool { return s.Creates[i].QueuedAt.Before(s.Creates[j].QueuedAt) })
	sort.SliceStable(s.Updates, func(i, j int) bool { return s.Updates[i].QueuedAt.Before(s.Updates[j].QueuedAt) })
	sort.SliceStable(s.Deletes, func(i, j int) bool { return s.Deletes[i].QueuedAt.Before(s.Deletes[j].QueuedAt) })

	p.stat.Set(ctx, MetricPendingItems, float64(s.Len()), "name", p.resource)

	return s, nil
}

// Stats counts pending changes.
func (p *PendingChanges) Stats(ctx context.Context) (PendingStats, error) {
	s, err := p.Snapshot(ctx)
	if err != nil {
		return PendingStats{}, err
	}

	st := PendingStats{Creates: len(s.Creates), Updates: len(s.Updates), Deletes: len(s.Deletes)}

	for _, c := range s.Creates {
		if c.Attempts > 0 {
			st.Failed++
		}
	}

	for _, u := range s.Updates {
		if u.Attempts > 0 {
			st.Failed++
		}
	}

	for _, d := range s.Deletes {
		if d.Attempts > 0 {
			st.Failed++
		}
	}

	return st, nil
}

// DropOrphanedUpdates removes pending updates of records that are absent in a fresh server snapshot.
//
// Such records were deleted on server by someone else, their local edits can not be applied.
func (p *PendingChanges) DropOrphanedUpdates(ctx context.Context, server []Record) (int, error) {
	s, err := p.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	present := make(map[string]struct{}, len(server))
	for _, r := range server {
		present[r.ID()] = struct{}{}
	}

	n := 0

	for _, u := range s.Updates {
		if _, ok := present[u.ID]; ok {
			continue
		}

		p.log.Warn(ctx, "dropping update of record missing on server", "resource", p.resource, "id", u.ID)

		if err := p.RemoveUpdate(ctx, u.ID); err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}

// ClearFailed drops pending changes that failed to sync at least minAttempts times.
func (p *PendingChanges) ClearFailed(ctx context.Context, minAttempts int) (int, error) {
	if minAttempts < 1 {
		minAttempts = 1
	}

	s, err := p.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	type victim struct {
		op Op
		id string
	}

	var victims []victim

	for _, c := range s.Creates {
		if c.Attempts >= minAttempts {
			victims = append(victims, victim{OpCreate, c.TempID})
		}
	}

	for _, u := range s.Updates {
		if u.Attempts >= minAttempts {
			victims = append(victims, victim{OpUpdate, u.ID})
		}
	}

	for _, d := range s.Deletes {
		if d.Attempts >= minAttempts {
			victims = append(victims, victim{OpDelete, d.ID})
		}
	}

	for i, v := range victims {
		if err := p.remove(ctx, v.op, v.id); err != nil {
			return i, err
		}
	}

	return len(victims), nil
}
