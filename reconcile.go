package offline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"golang.org/x/sync/singleflight"
)

// State is a state of Reconciler.
type State int32

// Reconciler states.
const (
	StateIdle = State(iota)
	StateDraining
)

// String returns state name.
func (s State) String() string {
	if s == StateDraining {
		return "draining"
	}

	return "idle"
}

// Target is a resource type drained by Reconciler.
type Target struct {
	Queue   *PendingChanges
	Backend Backend

	// Fold receives successful mutation with the record returned by Backend, optional.
	Fold func(ctx context.Context, m Mutation, rec Record) error
}

// ItemResult is an outcome of a single pending change sync.
type ItemResult struct {
	Resource string
	Op       Op

	// ID is a queued id, temporary id for creates.
	ID string

	// ServerID is an id assigned by server to a created record.
	ServerID string

	// Record is returned by Backend.
	Record Record

	// Err is a Backend error, item stays queued if not nil.
	Err error
}

// DrainReport summarizes a drain pass.
type DrainReport struct {
	// Offline is true if drain was skipped due to missing connectivity.
	Offline bool

	Succeeded int
	Failed    int
	Items     []ItemResult
}

// ReconcilerConfig is optional configuration for NewReconciler.
type ReconcilerConfig struct {
	// Name is added to logs and stats.
	Name string

	// Monitor triggers drains, AlwaysOnline by default.
	Monitor NetworkMonitor

	// OnItem is called after every synced or failed pending change, optional.
	OnItem func(ctx context.Context, res ItemResult)

	// OnDrain is called with report of every drain pass that was not skipped as offline, optional.
	OnDrain func(ctx context.Context, report DrainReport)

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

// Reconciler replays pending changes against backend when connectivity is restored.
//
// Changes are processed sequentially, deletes first, then creates, then updates.
// Failed items stay queued until next drain, they never abort the drain.
type Reconciler struct {
	config  ReconcilerConfig
	monitor NetworkMonitor
	log     ctxd.Logger
	stat    stats.Tracker

	mu          sync.Mutex
	targets     []Target
	unsubscribe func()

	state atomic.Int32
	group singleflight.Group
	wg    sync.WaitGroup
}

// NewReconciler creates Reconciler instance, call Start to subscribe to connectivity transitions.
func NewReconciler(config ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		config:  config,
		monitor: config.Monitor,
		log:     config.Logger,
		stat:    config.Stats,
	}

	if r.monitor == nil {
		r.monitor = AlwaysOnline{}
	}

	if r.log == nil {
		r.log = ctxd.NoOpLogger{}
	}

	if r.stat == nil {
		r.stat = stats.NoOp{}
	}

	return r
}

// Add registers a resource type to drain.
func (r *Reconciler) Add(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.targets = append(r.targets, t)
}

// Start subscribes to offline to online transitions.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unsubscribe != nil {
		return
	}

	r.unsubscribe = r.monitor.OnOnline(r.trigger)
}

// Stop unsubscribes from transitions and waits for triggered drains to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// Wait blocks until triggered drains are finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// State returns current state.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

func (r *Reconciler) trigger() {
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.Drain(context.Background())
	}()
}

// Drain runs a drain pass, a call during active drain joins it and receives its report.
func (r *Reconciler) Drain(ctx context.Context) DrainReport {
	v, _, _ := r.group.Do("drain", func() (interface{}, error) {
		r.state.Store(int32(StateDraining))
		defer r.state.Store(int32(StateIdle))

		// Drain is finished even if caller goes away.
		return r.drain(detach(ctx)), nil
	})

	return v.(DrainReport)
}

func (r *Reconciler) drain(ctx context.Context) DrainReport {
	report := DrainReport{}

	if !r.monitor.IsOnline() {
		r.log.Debug(ctx, "skipping drain while offline", "name", r.config.Name)

		report.Offline = true

		return report
	}

	r.stat.Add(ctx, MetricDrain, 1, "name", r.config.Name)

	r.mu.Lock()
	targets := append([]Target(nil), r.targets...)
	r.mu.Unlock()

	snapshots := make([]PendingSnapshot, len(targets))

	for i, t := range targets {
		s, err := t.Queue.Snapshot(ctx)
		if err != nil {
			r.log.Error(ctx, "failed to read pending changes",
				"error", err, "name", r.config.Name, "resource", t.Queue.Resource())
		}

		snapshots[i] = s
	}

	collect := func(res ItemResult, ok bool) {
		if !ok {
			return
		}

		if res.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}

		report.Items = append(report.Items, res)

		if r.config.OnItem != nil {
			r.config.OnItem(ctx, res)
		}
	}

	deleted := make([]map[string]bool, len(targets))

	for i, t := range targets {
		deleted[i] = make(map[string]bool, len(snapshots[i].Deletes))

		for _, d := range snapshots[i].Deletes {
			deleted[i][d.ID] = true

			collect(r.sync(ctx, t, OpDelete, d.ID))
		}
	}

	for i, t := range targets {
		for _, c := range snapshots[i].Creates {
			collect(r.sync(ctx, t, OpCreate, c.TempID))
		}
	}

	// Records deleted while their create was in flight.
	for i, t := range targets {
		if len(snapshots[i].Creates) == 0 {
			continue
		}

		s, err := t.Queue.Snapshot(ctx)
		if err != nil {
			r.log.Error(ctx, "failed to read pending changes",
				"error", err, "name", r.config.Name, "resource", t.Queue.Resource())

			continue
		}

		for _, d := range s.Deletes {
			if !deleted[i][d.ID] {
				collect(r.sync(ctx, t, OpDelete, d.ID))
			}
		}
	}

	for i, t := range targets {
		for _, u := range snapshots[i].Updates {
			collect(r.sync(ctx, t, OpUpdate, u.ID))
		}
	}

	r.log.Info(ctx, "drain finished",
		"name", r.config.Name,
		"succeeded", report.Succeeded,
		"failed", report.Failed)

	if r.config.OnDrain != nil {
		r.config.OnDrain(ctx, report)
	}

	return report
}

// sync sends a single pending change, false is returned if change is not queued anymore.
func (r *Reconciler) sync(ctx context.Context, t Target, op Op, id string) (ItemResult, bool) {
	q := t.Queue

	item, err := q.load(ctx, op, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.log.Error(ctx, "failed to read pending change",
				"error", err, "resource", q.Resource(), "op", op, "id", id)
		}

		return ItemResult{}, false
	}

	m := Mutation{Resource: q.Resource(), Op: op}

	switch op {
	case OpCreate:
		m.Payload = item.Payload.Clone()
	case OpUpdate:
		m.ID = id
		m.Payload = item.Payload.Clone()
	case OpDelete:
		m.ID = id
	}

	res := ItemResult{Resource: q.Resource(), Op: op, ID: id}

	res.Record, res.Err = t.Backend.Mutate(ctx, m)
	if res.Err != nil {
		r.stat.Add(ctx, MetricSyncFailed, 1, "name", r.config.Name, "op", string(op))

		if IsPermanent(res.Err) {
			r.log.Error(ctx, "backend rejected pending change",
				"error", res.Err, "resource", q.Resource(), "op", op, "id", id)
		} else {
			r.log.Warn(ctx, "failed to sync pending change",
				"error", res.Err, "resource", q.Resource(), "op", op, "id", id)
		}

		if err := q.MarkFailed(ctx, op, id, res.Err); err != nil {
			r.log.Error(ctx, "failed to record sync failure", "error", err, "resource", q.Resource(), "id", id)
		}

		return res, true
	}

	r.stat.Add(ctx, MetricSyncSucceeded, 1, "name", r.config.Name, "op", string(op))

	fold, err := r.dequeue(ctx, q, op, item, res.Record)
	if err != nil {
		// Item stays queued and is sent again on next drain.
		r.log.Error(ctx, "failed to dequeue synced change", "error", err, "resource", q.Resource(), "id", id)
	}

	if op == OpCreate && res.Record != nil {
		res.ServerID = res.Record.ID()
	}

	if fold && t.Fold != nil {
		if err := t.Fold(ctx, m, res.Record); err != nil {
			r.log.Warn(ctx, "failed to fold synced change", "error", err, "resource", q.Resource(), "id", id)
		}
	}

	r.log.Info(ctx, "synced pending change", "resource", q.Resource(), "op", op, "id", id)

	return res, true
}

// dequeue removes synced change, keeping edits that were queued while it was in flight.
//
// False is returned if synced change should not be folded into server snapshot.
func (r *Reconciler) dequeue(ctx context.Context, q *PendingChanges, op Op, sent pendingItem, rec Record) (bool, error) {
	switch op {
	case OpDelete:
		return true, q.RemoveDelete(ctx, sent.ID)

	case OpUpdate:
		current, err := q.load(ctx, OpUpdate, sent.ID)
		if errors.Is(err, ErrNotFound) {
			return true, nil
		}

		if err != nil {
			return true, err
		}

		if !samePayload(current.Payload, sent.Payload) {
			return true, nil
		}

		return true, q.RemoveUpdate(ctx, sent.ID)

	case OpCreate:
		serverID := rec.ID()

		current, err := q.load(ctx, OpCreate, sent.ID)
		if errors.Is(err, ErrNotFound) {
			// Record was deleted during sync, server copy has to go too.
			if serverID == "" {
				return true, nil
			}

			r.log.Info(ctx, "queued delete of record removed during sync",
				"resource", q.Resource(), "tempId", sent.ID, "id", serverID)

			return false, q.AddDelete(ctx, serverID)
		}

		if err != nil {
			return true, err
		}

		// Payload edited during sync becomes an update of the created record.
		// Update must be stored before create is removed.
		if serverID != "" && !samePayload(current.Payload, sent.Payload) {
			if err := q.AddUpdate(ctx, serverID, current.Payload); err != nil {
				return true, err
			}
		}

		return true, q.RemoveCreate(ctx, sent.ID)
	}

	return true, nil
}

func samePayload(a, b Record) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}

	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}

	return string(ja) == string(jb)
}
