package entity

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Holder names one cache that references canonical records, usually
// "<collection>/<query>".
type Holder string

// Registry owns the canonical instance of every record seen during a session,
// keyed by (collection id, record id). Each collection has its own lock; merges
// that go through Apply are atomic with respect to that lock.
type Registry struct {
	mu          sync.Mutex
	collections map[string]*registryBucket
}

type registryBucket struct {
	mu      sync.Mutex
	entries map[int64]*registryEntry
}

type registryEntry struct {
	record  *Record
	holders map[Holder]struct{}
}

// ApplyResult reports what one Apply call did to the registry.
type ApplyResult struct {
	// Canonical holds the canonical record for each changed input, in input order.
	Canonical []*Record
	// Released lists deleted ids the holder no longer references.
	Released []int64
	// Evicted lists ids removed from the registry because no holder remained.
	Evicted []int64
	// Stale counts changed records ignored because their version was older.
	Stale int
	// UnknownCollection is set when deletions targeted a collection the
	// registry had never seen; those deletions were skipped.
	UnknownCollection bool
}

func NewRegistry() *Registry {
	return &Registry{collections: map[string]*registryBucket{}}
}

func (r *Registry) bucket(collectionID string, create bool) *registryBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.collections[collectionID]
	if !ok && create {
		b = &registryBucket{entries: map[int64]*registryEntry{}}
		r.collections[collectionID] = b
	}
	return b
}

func (r *Registry) Known(collectionID string) bool {
	return r.bucket(collectionID, false) != nil
}

func (r *Registry) Collections() []string {
	r.mu.Lock()
	ids := slices.Collect(maps.Keys(r.collections))
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

func (r *Registry) Get(collectionID string, id int64) (*Record, bool) {
	b := r.bucket(collectionID, false)
	if b == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[id]
	if !ok {
		return nil, false
	}
	return entry.record, true
}

// GetOrCreate returns the canonical record, calling factory only when none
// exists yet. A nil factory creates an empty record.
func (r *Registry) GetOrCreate(collectionID string, id int64, factory func() *Record) (*Record, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: id %d must be positive", ErrInvalidEntity, id)
	}
	b := r.bucket(collectionID, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[id]; ok {
		return entry.record, nil
	}
	var rec *Record
	if factory != nil {
		rec = factory()
	}
	if rec == nil {
		rec = NewRecord(collectionID, id)
	}
	if rec.ID() != id || rec.CollectionID() != collectionID {
		return nil, fmt.Errorf("%w: factory built %s/%d for %s/%d", ErrInvalidEntity, rec.CollectionID(), rec.ID(), collectionID, id)
	}
	b.entries[id] = &registryEntry{record: rec, holders: map[Holder]struct{}{}}
	return rec, nil
}

// Upsert merges rec into the canonical instance in place and returns the
// canonical instance. rec itself becomes canonical when none existed.
func (r *Registry) Upsert(collectionID string, rec *Record) (*Record, error) {
	if err := checkRecord(collectionID, rec); err != nil {
		return nil, err
	}
	b := r.bucket(collectionID, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	canonical, _ := b.upsertLocked(rec, false)
	return canonical, nil
}

// Adopt upserts rec and retains it for every holder under one collection
// lock, so no concurrent release can evict the record in between. It reports
// whether rec was applied or ignored as stale. Adopting with no holders is an
// error since the entry could never be evicted.
func (r *Registry) Adopt(collectionID string, rec *Record, holders []Holder) (*Record, bool, error) {
	if err := checkRecord(collectionID, rec); err != nil {
		return nil, false, err
	}
	if len(holders) == 0 {
		return nil, false, fmt.Errorf("%w: %s/%d adopted without a holder", ErrInvalidEntity, collectionID, rec.ID())
	}
	b := r.bucket(collectionID, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	canonical, applied := b.upsertLocked(rec, false)
	entry := b.entries[rec.ID()]
	for _, holder := range holders {
		entry.holders[holder] = struct{}{}
	}
	return canonical, applied, nil
}

func (r *Registry) Delete(collectionID string, id int64) bool {
	b := r.bucket(collectionID, false)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[id]; !ok {
		return false
	}
	delete(b.entries, id)
	return true
}

// Release drops holder's reference and returns how many holders remain. The
// entry is not deleted; callers decide whether a zero count evicts it.
func (r *Registry) Release(collectionID string, id int64, holder Holder) (int, error) {
	b := r.bucket(collectionID, false)
	if b == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCollection, collectionID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[id]
	if !ok {
		return 0, nil
	}
	delete(entry.holders, holder)
	return len(entry.holders), nil
}

func (r *Registry) Holders(collectionID string, id int64) []Holder {
	b := r.bucket(collectionID, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[id]
	if !ok {
		return nil
	}
	holders := slices.Collect(maps.Keys(entry.holders))
	slices.Sort(holders)
	return holders
}

func (r *Registry) Len(collectionID string) int {
	b := r.bucket(collectionID, false)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Apply performs the registry side of one merge under the collection lock:
// every changed record is upserted and retained for holder, then every deleted
// id is released for holder and evicted once nobody holds it. All changed
// records are validated before anything is touched.
func (r *Registry) Apply(collectionID string, holder Holder, changed []*Record, deleted []int64) (ApplyResult, error) {
	return r.apply(collectionID, holder, changed, deleted, false)
}

// ApplyComplete is Apply for change sets that carry whole items, such as a
// FULL fetch. A changed record without a permission mask clears the canonical
// mask so permissions fall back to the list.
func (r *Registry) ApplyComplete(collectionID string, holder Holder, changed []*Record, deleted []int64) (ApplyResult, error) {
	return r.apply(collectionID, holder, changed, deleted, true)
}

func (r *Registry) apply(collectionID string, holder Holder, changed []*Record, deleted []int64, complete bool) (ApplyResult, error) {
	for _, rec := range changed {
		if err := checkRecord(collectionID, rec); err != nil {
			return ApplyResult{}, err
		}
	}
	var result ApplyResult
	known := r.Known(collectionID)
	if !known && len(changed) == 0 {
		if len(deleted) > 0 {
			result.UnknownCollection = true
		}
		return result, nil
	}
	b := r.bucket(collectionID, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	result.Canonical = make([]*Record, 0, len(changed))
	for _, rec := range changed {
		canonical, applied := b.upsertLocked(rec, complete)
		if !applied {
			result.Stale++
		}
		b.entries[rec.ID()].holders[holder] = struct{}{}
		result.Canonical = append(result.Canonical, canonical)
	}
	if !known && len(deleted) > 0 {
		result.UnknownCollection = true
		return result, nil
	}
	for _, id := range deleted {
		if b.releaseLocked(id, holder) {
			result.Evicted = append(result.Evicted, id)
		}
		result.Released = append(result.Released, id)
	}
	return result, nil
}

// ReleaseAll drops every reference holder has in the collection and returns
// the ids evicted as a result.
func (r *Registry) ReleaseAll(collectionID string, holder Holder, ids []int64) []int64 {
	b := r.bucket(collectionID, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var evicted []int64
	for _, id := range ids {
		if b.releaseLocked(id, holder) {
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Clear discards every canonical record, ending the registry's session.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections = map[string]*registryBucket{}
}

func (b *registryBucket) upsertLocked(rec *Record, complete bool) (*Record, bool) {
	entry, ok := b.entries[rec.ID()]
	if !ok {
		b.entries[rec.ID()] = &registryEntry{record: rec, holders: map[Holder]struct{}{}}
		return rec, true
	}
	applied := entry.record.mergeFrom(rec, complete)
	return entry.record, applied
}

func (b *registryBucket) releaseLocked(id int64, holder Holder) bool {
	entry, ok := b.entries[id]
	if !ok {
		return false
	}
	delete(entry.holders, holder)
	if len(entry.holders) > 0 {
		return false
	}
	delete(b.entries, id)
	return true
}

func checkRecord(collectionID string, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.CollectionID() != collectionID {
		return fmt.Errorf("%w: record %d belongs to %q, not %q", ErrInvalidEntity, rec.ID(), rec.CollectionID(), collectionID)
	}
	return nil
}
