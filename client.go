package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/puzpuzpuz/xsync"
)

// ResourceKeyPrefix is prepended to resource type to form cache key of its server snapshot.
const ResourceKeyPrefix = "resource:"

// LastSyncKey is a store key of the time of last drain without failures.
const LastSyncKey = "sync:last"

// DefaultSyncInterval is a default age of last sync after which SyncIfDue drains pending changes.
const DefaultSyncInterval = 15 * time.Minute

// ResourceKey returns cache key of resource server snapshot.
func ResourceKey(resource string) string {
	return ResourceKeyPrefix + resource
}

// Resource describes how a resource type is read from and written to server.
type Resource struct {
	// List loads server snapshot of resource collection.
	List func(ctx context.Context) ([]Record, error)

	// Backend performs mutations.
	Backend Backend

	// Policy controls freshness of server snapshot, zero fields take client defaults.
	Policy Policy
}

// ClientConfig is optional configuration for NewClient.
type ClientConfig struct {
	// Name is added to logs and stats.
	Name string

	// Store keeps cache entries and pending changes, in-memory by default.
	Store Store

	// Monitor reports connectivity, AlwaysOnline by default.
	Monitor NetworkMonitor

	// Policy is a default freshness policy.
	Policy Policy

	// NewID generates temporary ids, default NewTempID.
	NewID func() string

	// Clock overrides time source, default time.Now.
	Clock Clock

	// OnSynced is called for every pending change processed by reconciliation.
	OnSynced func(ctx context.Context, res ItemResult)

	// InvalidateSkipInterval is a minimal interval between two InvalidateAll calls, default 15s.
	InvalidateSkipInterval time.Duration

	// ObserveMutability enables collection of cache_changed metric.
	ObserveMutability bool

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

type resource struct {
	name  string
	cfg   Resource
	queue *PendingChanges
}

// Client is an entry point for reads and writes of an offline capable application.
type Client struct {
	config      ClientConfig
	store       Store
	monitor     NetworkMonitor
	entries     *EntryCache
	fetcher     *Fetcher
	reconciler  *Reconciler
	invalidator *Invalidator
	resources   *xsync.Map
	now         Clock
	log         ctxd.Logger
	stat        stats.Tracker
}

// NewClient creates Client, call Start to enable reconciliation on reconnect.
func NewClient(config ClientConfig) *Client {
	c := &Client{
		config:    config,
		store:     config.Store,
		monitor:   config.Monitor,
		log:       config.Logger,
		stat:      config.Stats,
		resources: xsync.NewMap(),
		now:       config.Clock,
		invalidator: &Invalidator{
			SkipInterval: config.InvalidateSkipInterval,
		},
	}

	if c.log == nil {
		c.log = ctxd.NoOpLogger{}
	}

	if c.stat == nil {
		c.stat = stats.NoOp{}
	}

	if c.monitor == nil {
		c.monitor = AlwaysOnline{}
	}

	if c.now == nil {
		c.now = time.Now
	}

	if c.store == nil {
		c.store = NewMemoryStore(MemoryConfig{Name: config.Name, Logger: c.log, Stats: c.stat})
	}

	c.entries = NewEntryCache(c.store, EntryCacheConfig{
		Name:   config.Name,
		Clock:  config.Clock,
		Logger: c.log,
		Stats:  c.stat,
	})

	c.fetcher = NewFetcher(FetcherConfig{
		Name:              config.Name,
		Entries:           c.entries,
		Monitor:           c.monitor,
		Policy:            config.Policy,
		ObserveMutability: config.ObserveMutability,
		Logger:            c.log,
		Stats:             c.stat,
	})

	c.reconciler = NewReconciler(ReconcilerConfig{
		Name:    config.Name,
		Monitor: c.monitor,
		OnItem:  config.OnSynced,
		OnDrain: c.recordDrain,
		Logger:  c.log,
		Stats:   c.stat,
	})

	return c
}

// Register adds a resource type and returns its pending changes.
func (c *Client) Register(name string, r Resource) *PendingChanges {
	q := NewPendingChanges(c.store, name, PendingConfig{
		NewID:  c.config.NewID,
		Clock:  c.config.Clock,
		Logger: c.log,
		Stats:  c.stat,
	})

	c.resources.Store(name, &resource{name: name, cfg: r, queue: q})

	c.reconciler.Add(Target{
		Queue:   q,
		Backend: r.Backend,
		Fold: func(ctx context.Context, m Mutation, rec Record) error {
			return c.fold(ctx, m, rec)
		},
	})

	c.invalidator.Add(func(ctx context.Context) error {
		return c.fetcher.Invalidate(ctx, ResourceKey(name))
	})

	return q
}

func (c *Client) resource(name string) (*resource, error) {
	v, ok := c.resources.Load(name)
	if !ok {
		return nil, ErrUnknownResource
	}

	return v.(*resource), nil
}

// Start enables reconciliation on every offline to online transition.
func (c *Client) Start() {
	c.reconciler.Start()
}

// Close stops reconciliation and waits for background work.
func (c *Client) Close() {
	c.reconciler.Stop()
	c.fetcher.Wait()
}

// Wait blocks until background revalidations and triggered drains are finished.
func (c *Client) Wait() {
	c.reconciler.Wait()
	c.fetcher.Wait()
}

// Fetcher returns read path orchestrator.
func (c *Client) Fetcher() *Fetcher {
	return c.fetcher
}

// Reconciler returns sync orchestrator.
func (c *Client) Reconciler() *Reconciler {
	return c.reconciler
}

// FetchWithCache reads a value with stale-while-revalidate strategy.
func (c *Client) FetchWithCache(ctx context.Context, key string, build BuildFunc, policy Policy) (Result, error) {
	return c.fetcher.Fetch(ctx, key, build, policy)
}

// Invalidate marks cached value stale.
func (c *Client) Invalidate(ctx context.Context, key string) error {
	return c.fetcher.Invalidate(ctx, key)
}

// ForceRefresh fetches a previously read key ignoring cache freshness.
func (c *Client) ForceRefresh(ctx context.Context, key string) (Result, error) {
	return c.fetcher.ForceRefresh(ctx, key)
}

// InvalidateAll marks server snapshots of all resources stale, calls are throttled.
func (c *Client) InvalidateAll(ctx context.Context) error {
	return c.invalidator.Invalidate(ctx)
}

// Outcome describes result of QueueOrSend.
type Outcome struct {
	// Queued is true if mutation was stored for later sync.
	Queued bool `json:"queued"`

	// ID is a record id, temporary id for queued creates.
	ID string `json:"id"`

	// Record is returned by server for sent mutations.
	Record Record `json:"record,omitempty"`
}

// QueueOrSend sends mutation to backend when online and queues it when offline.
//
// Update and delete payloads must carry record id in IDField.
// Mutations of records that only exist as pending creates are always queued.
// Mutations of records with a pending update or delete are queued and drained in background.
func (c *Client) QueueOrSend(ctx context.Context, resourceName string, op Op, payload Record) (Outcome, error) {
	r, err := c.resource(resourceName)
	if err != nil {
		return Outcome{}, err
	}

	id := payload.ID()

	if op != OpCreate && id == "" {
		return Outcome{}, ErrMissingID
	}

	if !c.monitor.IsOnline() || (op != OpCreate && IsPendingID(id)) {
		return c.enqueue(ctx, r, op, id, payload)
	}

	// Newer change of a record goes after the queued one.
	if op != OpCreate {
		queued, err := r.queue.Queued(ctx, id)
		if err != nil {
			return Outcome{}, err
		}

		if queued {
			o, err := c.enqueue(ctx, r, op, id, payload)
			if err == nil {
				c.reconciler.trigger()
			}

			return o, err
		}
	}

	m := Mutation{Resource: resourceName, Op: op}

	switch op {
	case OpCreate:
		m.Payload = payload.Clone()
		delete(m.Payload, IDField)
	case OpUpdate:
		m.ID = id
		m.Payload = payload.Clone()
		delete(m.Payload, IDField)
	case OpDelete:
		m.ID = id
	}

	rec, err := r.cfg.Backend.Mutate(ctx, m)
	if err != nil {
		return Outcome{}, ctxd.WrapError(ctx, err, "failed to send mutation",
			"resource", resourceName, "op", op, "id", id)
	}

	if err := c.fold(ctx, m, rec); err != nil {
		c.log.Warn(ctx, "failed to fold mutation into snapshot", "error", err, "resource", resourceName)
	}

	if rid := rec.ID(); rid != "" {
		id = rid
	}

	return Outcome{ID: id, Record: rec}, nil
}

func (c *Client) enqueue(ctx context.Context, r *resource, op Op, id string, payload Record) (Outcome, error) {
	switch op {
	case OpCreate:
		tempID, err := r.queue.AddCreate(ctx, payload)
		if err != nil {
			return Outcome{}, err
		}

		return Outcome{Queued: true, ID: tempID}, nil
	case OpUpdate:
		if err := r.queue.AddUpdate(ctx, id, payload); err != nil {
			return Outcome{}, err
		}
	case OpDelete:
		if err := r.queue.AddDelete(ctx, id); err != nil {
			return Outcome{}, err
		}
	default:
		return Outcome{}, errors.New("unsupported operation: " + string(op))
	}

	return Outcome{Queued: true, ID: id}, nil
}

// fold applies successful mutation to cached server snapshot and marks it stale.
func (c *Client) fold(ctx context.Context, m Mutation, rec Record) error {
	key := ResourceKey(m.Resource)

	e, err := c.entries.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}

		return err
	}

	var records []Record

	if err := e.Decode(&records); err != nil {
		return err
	}

	switch m.Op {
	case OpCreate:
		if rec != nil {
			records = append(records, rec)
		}
	case OpUpdate:
		for i, r := range records {
			if r.ID() != m.ID {
				continue
			}

			if rec != nil {
				records[i] = rec
			} else {
				records[i] = r.Patched(m.Payload)
			}
		}
	case OpDelete:
		kept := records[:0]

		for _, r := range records {
			if r.ID() != m.ID {
				kept = append(kept, r)
			}
		}

		records = kept
	}

	if err := c.entries.Rewrite(ctx, key, records); err != nil {
		return err
	}

	return c.fetcher.Invalidate(ctx, key)
}

// View is an effective collection of a resource.
type View struct {
	Records []Record `json:"records"`

	// IsFromCache is true if server snapshot was served from cache.
	IsFromCache bool `json:"isFromCache"`

	// IsStale is true if server snapshot is older than policy allows.
	IsStale bool `json:"isStale"`
}

// EffectiveView returns server snapshot merged with pending changes.
func (c *Client) EffectiveView(ctx context.Context, resourceName string) (View, error) {
	r, err := c.resource(resourceName)
	if err != nil {
		return View{}, err
	}

	res, err := c.fetcher.Fetch(ctx, ResourceKey(resourceName), c.listBuilder(r), r.cfg.Policy)
	if err != nil {
		return View{}, err
	}

	var server []Record

	if len(res.Data) > 0 {
		if err := res.Decode(&server); err != nil {
			return View{}, ctxd.WrapError(ctx, err, "failed to decode server snapshot", "resource", resourceName)
		}
	}

	pending, err := r.queue.Snapshot(ctx)
	if err != nil {
		return View{}, err
	}

	return View{
		Records:     Merge(server, pending),
		IsFromCache: res.IsFromCache,
		IsStale:     res.IsStale,
	}, nil
}

func (c *Client) listBuilder(r *resource) BuildFunc {
	return func(ctx context.Context) (interface{}, error) {
		if r.cfg.List == nil {
			return []Record{}, nil
		}

		records, err := r.cfg.List(ctx)
		if err != nil {
			return nil, err
		}

		if records == nil {
			records = []Record{}
		}

		if _, err := r.queue.DropOrphanedUpdates(ctx, records); err != nil {
			c.log.Warn(ctx, "failed to drop orphaned updates", "error", err, "resource", r.name)
		}

		return records, nil
	}
}

// Sync drains pending changes now, it is a manual retry trigger.
func (c *Client) Sync(ctx context.Context) DrainReport {
	return c.reconciler.Drain(ctx)
}

// SyncIfDue drains pending changes if last sync without failures is older than interval.
//
// Zero interval means DefaultSyncInterval. False is returned if drain was not due.
func (c *Client) SyncIfDue(ctx context.Context, interval time.Duration) (DrainReport, bool) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	last, err := c.LastSyncAt(ctx)
	if err != nil {
		c.log.Warn(ctx, "failed to read last sync time", "error", err)
	}

	if !last.IsZero() && c.now().Sub(last) < interval {
		return DrainReport{}, false
	}

	return c.Sync(ctx), true
}

// LastSyncAt returns time of last drain without failures, zero time if there was none.
func (c *Client) LastSyncAt(ctx context.Context) (time.Time, error) {
	var t time.Time

	b, err := c.store.Get(ctx, LastSyncKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return t, nil
		}

		return t, err
	}

	if err := json.Unmarshal(b, &t); err != nil {
		return time.Time{}, fmt.Errorf("%w: last sync time: %v", ErrCorrupted, err)
	}

	return t, nil
}

func (c *Client) recordDrain(ctx context.Context, report DrainReport) {
	if report.Failed > 0 {
		return
	}

	b, err := json.Marshal(c.now())
	if err != nil {
		c.log.Error(ctx, "failed to encode last sync time", "error", err)

		return
	}

	if err := c.store.Set(ctx, LastSyncKey, b); err != nil {
		c.log.Warn(ctx, "failed to store last sync time", "error", err)
	}
}

// Status describes client state.
type Status struct {
	Online  bool                    `json:"online"`
	State   string                  `json:"state"`
	Pending map[string]PendingStats `json:"pending"`
	Cache   EntryStats              `json:"cache"`

	// LastSyncAt is a time of last drain without failures, nil if there was none.
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
}

// Status returns connectivity, reconciler state and pending changes per resource.
func (c *Client) Status(ctx context.Context) (Status, error) {
	st := Status{
		Online:  c.monitor.IsOnline(),
		State:   c.reconciler.State().String(),
		Pending: map[string]PendingStats{},
	}

	var names []string

	c.resources.Range(func(key string, _ interface{}) bool {
		names = append(names, key)

		return true
	})

	sort.Strings(names)

	for _, name := range names {
		r, err := c.resource(name)
		if err != nil {
			return st, err
		}

		ps, err := r.queue.Stats(ctx)
		if err != nil {
			return st, err
		}

		st.Pending[name] = ps
	}

	cs, err := c.entries.Stats(ctx)
	if err != nil {
		return st, err
	}

	st.Cache = cs

	last, err := c.LastSyncAt(ctx)

	switch {
	case err != nil:
		c.log.Warn(ctx, "failed to read last sync time", "error", err)
	case !last.IsZero():
		st.LastSyncAt = &last
	}

	return st, nil
}

// Cleanup purges expired and corrupted cache entries.
func (c *Client) Cleanup(ctx context.Context) (int, error) {
	return c.entries.Cleanup(ctx)
}
