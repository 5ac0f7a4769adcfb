package entity

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	ErrInvalidEntity     = errors.New("invalid entity")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Record is one remote list item. ID and CollectionID never change after
// construction; everything else is a shared mutable cell, so once a record is
// canonical (held by a Registry) every cache holding it observes writes.
// Callers that need a stable view must Clone.
type Record struct {
	id           int64
	collectionID string

	mu      sync.RWMutex
	version int64
	mask    uint64
	hasMask bool
	fields  map[string]Value
}

func NewRecord(collectionID string, id int64) *Record {
	return &Record{
		id:           id,
		collectionID: collectionID,
		fields:       map[string]Value{},
	}
}

func (r *Record) ID() int64 {
	return r.id
}

func (r *Record) CollectionID() string {
	return r.collectionID
}

func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidEntity)
	}
	if r.id <= 0 {
		return fmt.Errorf("%w: id %d must be positive", ErrInvalidEntity, r.id)
	}
	return nil
}

func (r *Record) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Record) SetVersion(version int64) *Record {
	r.mu.Lock()
	r.version = version
	r.mu.Unlock()
	return r
}

func (r *Record) PermissionMask() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mask, r.hasMask
}

func (r *Record) SetPermissionMask(mask uint64) *Record {
	r.mu.Lock()
	r.mask = mask
	r.hasMask = true
	r.mu.Unlock()
	return r
}

func (r *Record) ClearPermissionMask() *Record {
	r.mu.Lock()
	r.mask = 0
	r.hasMask = false
	r.mu.Unlock()
	return r
}

func (r *Record) Field(name string) (Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.fields[name]
	if !ok {
		return Value{}, false
	}
	return v.Clone(), true
}

func (r *Record) Set(name string, value Value) *Record {
	r.mu.Lock()
	r.fields[name] = value.Clone()
	r.mu.Unlock()
	return r
}

func (r *Record) Unset(name string) *Record {
	r.mu.Lock()
	delete(r.fields, name)
	r.mu.Unlock()
	return r
}

// Fields returns a copy of the field map taken under a single read lock.
func (r *Record) Fields() map[string]Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Value, len(r.fields))
	for name, v := range r.fields {
		out[name] = v.Clone()
	}
	return out
}

func (r *Record) FieldNames() []string {
	r.mu.RLock()
	names := slices.Collect(maps.Keys(r.fields))
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

func (r *Record) Clone() *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &Record{
		id:           r.id,
		collectionID: r.collectionID,
		version:      r.version,
		mask:         r.mask,
		hasMask:      r.hasMask,
		fields:       make(map[string]Value, len(r.fields)),
	}
	for name, v := range r.fields {
		out.fields[name] = v.Clone()
	}
	return out
}

// mergeFrom overwrites r field by field with incoming. Fields missing from
// incoming are kept. A missing permission mask means unchanged unless
// complete is set, in which case the item has no unique permissions any more
// and r's mask is cleared. An incoming non-zero version lower than r's is
// stale and leaves r untouched; the return value reports whether anything was
// applied.
func (r *Record) mergeFrom(incoming *Record, complete bool) bool {
	if r == incoming {
		return true
	}
	incoming.mu.RLock()
	defer incoming.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if incoming.version != 0 && incoming.version < r.version {
		return false
	}
	for name, v := range incoming.fields {
		r.fields[name] = v.Clone()
	}
	switch {
	case incoming.hasMask:
		r.mask = incoming.mask
		r.hasMask = true
	case complete:
		r.mask = 0
		r.hasMask = false
	}
	if incoming.version > r.version {
		r.version = incoming.version
	}
	return true
}

type RecordSnapshot struct {
	ID             int64            `json:"id"`
	CollectionID   string           `json:"collectionId"`
	Version        int64            `json:"version"`
	PermissionMask *uint64          `json:"permissionMask,omitempty"`
	Fields         map[string]Value `json:"fields,omitempty"`
}

func (r *Record) Snapshot() RecordSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := RecordSnapshot{
		ID:           r.id,
		CollectionID: r.collectionID,
		Version:      r.version,
		Fields:       make(map[string]Value, len(r.fields)),
	}
	if r.hasMask {
		mask := r.mask
		snap.PermissionMask = &mask
	}
	for name, v := range r.fields {
		snap.Fields[name] = v.Clone()
	}
	return snap
}

func RecordFromSnapshot(snap RecordSnapshot) *Record {
	rec := NewRecord(snap.CollectionID, snap.ID)
	rec.version = snap.Version
	if snap.PermissionMask != nil {
		rec.mask = *snap.PermissionMask
		rec.hasMask = true
	}
	for name, v := range snap.Fields {
		rec.fields[name] = v.Clone()
	}
	return rec
}
