package listsync

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/agentworkforce/listcache/internal/entity"
)

// Merger folds change sets into the registry and a query's cache. Callers
// hold the query's mergeMu.
type Merger struct {
	registry *entity.Registry
	logger   Logger
	metrics  Metrics
}

func NewMerger(registry *entity.Registry, logger Logger, metrics Metrics) *Merger {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Merger{registry: registry, logger: logger, metrics: metrics}
}

// Apply merges changes into q. A FULL change set is the complete result, so
// cached ids it does not mention are dropped. The token moves only after the
// registry and cache are updated; an invalid record aborts before anything
// changes.
func (m *Merger) Apply(q *Query, mode FetchMode, changes ChangeSet) error {
	for _, rec := range changes.Changed {
		if err := rec.Validate(); err != nil {
			return err
		}
		if rec.CollectionID() != q.collectionID {
			return fmt.Errorf("%w: record %d belongs to %q, not %q", ErrInvalidEntity, rec.ID(), rec.CollectionID(), q.collectionID)
		}
	}

	deleted := changes.DeletedIDs
	if mode == FetchFull {
		present := make(map[int64]struct{}, len(changes.Changed))
		for _, rec := range changes.Changed {
			present[rec.ID()] = struct{}{}
		}
		deleted = append([]int64(nil), changes.DeletedIDs...)
		for _, id := range q.cache.IDs() {
			if _, ok := present[id]; !ok {
				deleted = append(deleted, id)
			}
		}
	}

	apply := m.registry.Apply
	if mode == FetchFull {
		apply = m.registry.ApplyComplete
	}
	result, err := apply(q.collectionID, q.holder(), changes.Changed, deleted)
	if err != nil {
		return err
	}
	if result.UnknownCollection {
		m.logf("ignoring deletions: %v", &MergeConflictError{CollectionID: q.collectionID, DeletedIDs: deleted})
	}
	if result.Stale > 0 {
		m.logf("query %s/%s: ignored %d records older than their canonical version", q.collectionID, q.name, result.Stale)
	}
	for _, rec := range result.Canonical {
		// Validated above; Add cannot fail.
		_ = q.cache.Add(rec)
	}
	for _, id := range result.Released {
		q.cache.Remove(id)
	}
	q.setToken(changes.NextToken)

	m.metrics.AddMerged(q.collectionID, len(result.Canonical), len(result.Released))
	m.metrics.SetCachedRecords(q.collectionID, q.name, q.cache.Count())
	return nil
}

// ApplyLocal routes an acknowledged local save through the registry. Every
// target's merge lock is held while the record is adopted for all targets at
// once and added to their caches; tokens are untouched. With no targets the
// registry is left alone and rec is returned as is.
func (m *Merger) ApplyLocal(collectionID string, rec *entity.Record, targets []*Query) (*entity.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return rec, nil
	}
	ordered := slices.Clone(targets)
	slices.SortFunc(ordered, func(a, b *Query) int { return cmp.Compare(a.name, b.name) })
	ordered = slices.CompactFunc(ordered, func(a, b *Query) bool { return a == b })

	holders := make([]entity.Holder, 0, len(ordered))
	for _, q := range ordered {
		q.mergeMu.Lock()
		defer q.mergeMu.Unlock()
		holders = append(holders, q.holder())
	}
	canonical, applied, err := m.registry.Adopt(collectionID, rec, holders)
	if err != nil {
		return nil, err
	}
	if !applied {
		m.logf("local save %s/%d: version %d is older than the canonical record", collectionID, rec.ID(), rec.Version())
	}
	for _, q := range ordered {
		// Adopt validated the record; Add cannot fail.
		_ = q.cache.Add(canonical)
		m.metrics.SetCachedRecords(collectionID, q.name, q.cache.Count())
	}
	m.metrics.AddMerged(collectionID, 1, 0)
	return canonical, nil
}

// ApplyLocalDelete removes an id the service confirmed deleted from every
// query and from the registry.
func (m *Merger) ApplyLocalDelete(collectionID string, id int64, queries []*Query) {
	for _, q := range queries {
		q.mergeMu.Lock()
		removed := q.cache.Remove(id)
		if removed {
			if _, err := m.registry.Release(collectionID, id, q.holder()); err != nil {
				m.logf("release %s/%d for %s: %v", collectionID, id, q.name, err)
			}
		}
		count := q.cache.Count()
		q.mergeMu.Unlock()
		m.metrics.SetCachedRecords(collectionID, q.name, count)
	}
	m.registry.Delete(collectionID, id)
	m.metrics.AddMerged(collectionID, 0, 1)
}

func (m *Merger) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
