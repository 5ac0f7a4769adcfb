package listsync

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/listcache/internal/entity"
	"github.com/agentworkforce/listcache/internal/permission"
)

type CollectionOptions struct {
	ID    string
	Title string
	// ListMask is the list-level permission mask used when an item carries
	// none of its own.
	ListMask     *uint64
	MinInterval  time.Duration
	FetchTimeout time.Duration
	StateBackend StateBackend
	Logger       Logger
	Metrics      Metrics
	Clock        func() time.Time
}

type RunOptions struct {
	// Force bypasses the debounce window. An in-flight fetch is still shared.
	Force bool
}

// Collection owns the named queries over one remote list. Records are shared
// with every other collection view through the session's registry.
type Collection struct {
	id       string
	title    string
	service  RemoteListService
	writer   RemoteWriter
	registry *entity.Registry
	executor *Executor
	merger   *Merger
	backend  StateBackend
	logger   Logger
	metrics  Metrics
	now      func() time.Time

	mu       sync.RWMutex
	queries  map[string]*Query
	order    []string
	listMask *uint64
}

type CollectionStatus struct {
	ID       string        `json:"id"`
	Title    string        `json:"title,omitempty"`
	ListMask string        `json:"listMask,omitempty"`
	Records  int           `json:"records"`
	Queries  []QueryStatus `json:"queries"`
}

type QueryStatus struct {
	Name        string    `json:"name"`
	Predicate   Predicate `json:"predicate"`
	Count       int       `json:"count"`
	HasToken    bool      `json:"hasToken"`
	LastSynced  time.Time `json:"lastSynced,omitempty"`
	InFlight    bool      `json:"inFlight"`
	OperationID string    `json:"operationId,omitempty"`
}

func NewCollection(service RemoteListService, registry *entity.Registry, opts CollectionOptions) (*Collection, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: collection id is required", ErrInvalidInput)
	}
	if registry == nil {
		registry = entity.NewRegistry()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	merger := NewMerger(registry, opts.Logger, metrics)
	executor, err := NewExecutor(service, merger, ExecutorOptions{
		MinInterval:  opts.MinInterval,
		FetchTimeout: opts.FetchTimeout,
		Clock:        now,
		Logger:       opts.Logger,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, err
	}
	c := &Collection{
		id:       id,
		title:    opts.Title,
		service:  service,
		registry: registry,
		executor: executor,
		merger:   merger,
		backend:  opts.StateBackend,
		logger:   opts.Logger,
		metrics:  metrics,
		now:      now,
		queries:  map[string]*Query{},
	}
	if writer, ok := service.(RemoteWriter); ok {
		c.writer = writer
	}
	if opts.ListMask != nil {
		mask := *opts.ListMask
		c.listMask = &mask
	}
	return c, nil
}

func (c *Collection) ID() string {
	return c.id
}

func (c *Collection) Title() string {
	return c.title
}

func (c *Collection) Registry() *entity.Registry {
	return c.registry
}

// RegisterQuery adds a named query. Registering an existing name returns the
// existing query untouched, token included.
func (c *Collection) RegisterQuery(name string, p Predicate) (*Query, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: query name is required", ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queries[name]; ok {
		return q, nil
	}
	q := newQuery(c.id, name, p)
	c.queries[name] = q
	c.order = append(c.order, name)
	return q, nil
}

func (c *Collection) Query(name string) (*Query, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queries[name]
	return q, ok
}

// Queries returns the registered queries in registration order.
func (c *Collection) Queries() []*Query {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Query, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.queries[name])
	}
	return out
}

// RunQuery starts, joins or short-circuits a fetch of the named query.
func (c *Collection) RunQuery(ctx context.Context, name string, opts RunOptions) (*Operation, error) {
	q, ok := c.Query(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownQuery, c.id, name)
	}
	return c.executor.Execute(ctx, q, opts.Force), nil
}

// RefreshAll runs every query concurrently and waits for all of them. The
// first error is returned; the other queries still complete.
func (c *Collection) RefreshAll(ctx context.Context, force bool) error {
	var g errgroup.Group
	for _, q := range c.Queries() {
		op := c.executor.Execute(ctx, q, force)
		g.Go(func() error {
			if _, err := op.Wait(ctx); err != nil {
				return fmt.Errorf("refresh %s/%s: %w", c.id, q.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Collection) ListMask() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listMask == nil {
		return 0, false
	}
	return *c.listMask, true
}

func (c *Collection) SetListMask(mask uint64) {
	c.mu.Lock()
	c.listMask = &mask
	c.mu.Unlock()
}

func (c *Collection) ClearListMask() {
	c.mu.Lock()
	c.listMask = nil
	c.mu.Unlock()
}

// ResolvePermissions decodes the item's mask, falling back to the list mask
// and then to no capabilities at all.
func (c *Collection) ResolvePermissions(rec *entity.Record) permission.Set {
	var item *uint64
	if rec != nil {
		if mask, ok := rec.PermissionMask(); ok {
			item = &mask
		}
	}
	var list *uint64
	if mask, ok := c.ListMask(); ok {
		list = &mask
	}
	return permission.Resolve(item, list)
}

// SaveRecord writes rec through the service and merges the acknowledged
// record into the registry. The record joins the named queries, or, when
// none are named, every query that already caches its id.
func (c *Collection) SaveRecord(ctx context.Context, rec *entity.Record, queries ...string) (*entity.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.CollectionID() != c.id {
		return nil, fmt.Errorf("%w: record belongs to %q, not %q", ErrInvalidEntity, rec.CollectionID(), c.id)
	}
	if c.writer == nil {
		return nil, ErrReadOnly
	}
	targets := make([]*Query, 0, len(queries))
	for _, name := range queries {
		q, ok := c.Query(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownQuery, c.id, name)
		}
		targets = append(targets, q)
	}
	saved, err := c.writer.SaveRecord(ctx, c.id, rec)
	if err != nil {
		return nil, fmt.Errorf("save %s/%d: %w", c.id, rec.ID(), err)
	}
	if saved == nil {
		saved = rec
	}
	if len(queries) == 0 {
		for _, q := range c.Queries() {
			if q.cache.Has(saved.ID()) {
				targets = append(targets, q)
			}
		}
	}
	return c.merger.ApplyLocal(c.id, saved, targets)
}

// DeleteRecord deletes the item remotely and removes it from every query.
func (c *Collection) DeleteRecord(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: id %d must be positive", ErrInvalidEntity, id)
	}
	if c.writer == nil {
		return ErrReadOnly
	}
	var version int64
	if rec, ok := c.registry.Get(c.id, id); ok {
		version = rec.Version()
	}
	if err := c.writer.DeleteRecord(ctx, c.id, id, version); err != nil {
		return fmt.Errorf("delete %s/%d: %w", c.id, id, err)
	}
	c.merger.ApplyLocalDelete(c.id, id, c.Queries())
	return nil
}

// Snapshot captures the list mask, every query's token and ids, and the
// canonical records those ids refer to.
func (c *Collection) Snapshot() *CollectionSnapshot {
	snap := &CollectionSnapshot{CollectionID: c.id, SavedAt: c.now().UTC()}
	if mask, ok := c.ListMask(); ok {
		snap.ListMask = &mask
	}
	records := map[int64]*entity.Record{}
	for _, q := range c.Queries() {
		q.mergeMu.Lock()
		qs := QuerySnapshot{
			Name:       q.name,
			Predicate:  q.Predicate(),
			Token:      q.Token(),
			LastSynced: q.LastSynced(),
			IDs:        q.cache.IDs(),
		}
		for rec := range q.cache.All() {
			records[rec.ID()] = rec
		}
		q.mergeMu.Unlock()
		snap.Queries = append(snap.Queries, qs)
	}
	ids := make([]int64, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	snap.Records = make([]entity.RecordSnapshot, 0, len(ids))
	for _, id := range ids {
		snap.Records = append(snap.Records, records[id].Snapshot())
	}
	return snap
}

// Restore rebuilds queries from snap. Queries that already hold a token are
// live and are left alone; unknown query names are registered.
func (c *Collection) Restore(snap *CollectionSnapshot) error {
	if snap == nil {
		return nil
	}
	if snap.CollectionID != c.id {
		return fmt.Errorf("%w: snapshot is for %q, not %q", ErrInvalidInput, snap.CollectionID, c.id)
	}
	if snap.ListMask != nil {
		if _, ok := c.ListMask(); !ok {
			c.SetListMask(*snap.ListMask)
		}
	}
	byID := make(map[int64]entity.RecordSnapshot, len(snap.Records))
	for _, rs := range snap.Records {
		if rs.CollectionID == "" {
			rs.CollectionID = c.id
		}
		if rs.ID <= 0 || rs.CollectionID != c.id {
			return fmt.Errorf("%w: snapshot record %s/%d", ErrInvalidEntity, rs.CollectionID, rs.ID)
		}
		byID[rs.ID] = rs
	}
	for _, qs := range snap.Queries {
		q, err := c.RegisterQuery(qs.Name, qs.Predicate)
		if err != nil {
			return err
		}
		if err := c.restoreQuery(q, qs, byID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) restoreQuery(q *Query, qs QuerySnapshot, records map[int64]entity.RecordSnapshot) error {
	q.mergeMu.Lock()
	defer q.mergeMu.Unlock()
	if q.HasToken() {
		return nil
	}
	for _, id := range qs.IDs {
		rs, ok := records[id]
		if !ok {
			c.logf("snapshot of %s/%s references missing record %d", c.id, q.name, id)
			continue
		}
		canonical, _, err := c.registry.Adopt(c.id, entity.RecordFromSnapshot(rs), []entity.Holder{q.holder()})
		if err != nil {
			return err
		}
		_ = q.cache.Add(canonical)
	}
	q.mu.Lock()
	q.token = qs.Token
	q.lastSynced = qs.LastSynced
	q.mu.Unlock()
	c.metrics.SetCachedRecords(c.id, q.name, q.cache.Count())
	return nil
}

// Persist saves the current snapshot to the state backend, if one is set.
func (c *Collection) Persist(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}
	if err := c.backend.Save(ctx, c.Snapshot()); err != nil {
		return fmt.Errorf("persist %s: %w", c.id, err)
	}
	return nil
}

// Load restores the last persisted snapshot and reports whether one existed.
func (c *Collection) Load(ctx context.Context) (bool, error) {
	if c.backend == nil {
		return false, nil
	}
	snap, err := c.backend.Load(ctx, c.id)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", c.id, err)
	}
	if snap == nil {
		return false, nil
	}
	return true, c.Restore(snap)
}

// Reset forgets every query's token and cache and fences off fetches that
// are still in flight, so the next run of each query is FULL.
func (c *Collection) Reset() {
	for _, q := range c.Queries() {
		q.mergeMu.Lock()
		q.mu.Lock()
		q.generation++
		q.token = ""
		q.lastSynced = time.Time{}
		q.inflight = nil
		q.mu.Unlock()
		c.registry.ReleaseAll(c.id, q.holder(), q.cache.IDs())
		q.cache.Clear()
		q.mergeMu.Unlock()
		c.metrics.SetCachedRecords(c.id, q.name, 0)
	}
}

func (c *Collection) Status() CollectionStatus {
	status := CollectionStatus{
		ID:      c.id,
		Title:   c.title,
		Records: c.registry.Len(c.id),
	}
	if mask, ok := c.ListMask(); ok {
		status.ListMask = permission.FormatMask(mask)
	}
	for _, q := range c.Queries() {
		qs := QueryStatus{
			Name:       q.name,
			Predicate:  q.Predicate(),
			Count:      q.cache.Count(),
			HasToken:   q.HasToken(),
			LastSynced: q.LastSynced(),
		}
		if op := q.InFlight(); op != nil {
			qs.InFlight = true
			qs.OperationID = op.ID()
		}
		status.Queries = append(status.Queries, qs)
	}
	return status
}

func (c *Collection) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
