package listsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/listcache/internal/entity"
)

// CollectionSnapshot is what a StateBackend persists for one collection:
// enough to rebuild identities, caches and tokens after a restart so the
// first fetch can be incremental.
type CollectionSnapshot struct {
	CollectionID string                  `json:"collectionId"`
	ListMask     *uint64                 `json:"listMask,omitempty"`
	Queries      []QuerySnapshot         `json:"queries"`
	Records      []entity.RecordSnapshot `json:"records"`
	SavedAt      time.Time               `json:"savedAt"`
}

type QuerySnapshot struct {
	Name       string    `json:"name"`
	Predicate  Predicate `json:"predicate"`
	Token      string    `json:"token,omitempty"`
	IDs        []int64   `json:"ids"`
	LastSynced time.Time `json:"lastSynced,omitempty"`
}

// StateBackend persists collection snapshots. Load returns nil, nil when
// nothing has been saved for the collection.
type StateBackend interface {
	Load(ctx context.Context, collectionID string) (*CollectionSnapshot, error)
	Save(ctx context.Context, snapshot *CollectionSnapshot) error
}

type stateBackendCloser interface {
	Close() error
}

// CloseStateBackend closes backends that hold resources.
func CloseStateBackend(backend StateBackend) error {
	if closer, ok := backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

type InMemoryStateBackend struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{snapshots: map[string][]byte{}}
}

func (b *InMemoryStateBackend) Load(_ context.Context, collectionID string) (*CollectionSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	data, ok := b.snapshots[collectionID]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var snapshot CollectionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *InMemoryStateBackend) Save(_ context.Context, snapshot *CollectionSnapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshots[snapshot.CollectionID] = data
	b.mu.Unlock()
	return nil
}

// JSONFileStateBackend keeps every collection in one JSON document. Writes go
// through a temp file and rename, under an exclusive flock on a sibling lock
// file so two processes never interleave.
type JSONFileStateBackend struct {
	Path string
	mu   sync.Mutex
}

type fileStateDocument struct {
	Collections map[string]*CollectionSnapshot `json:"collections"`
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load(_ context.Context, collectionID string) (*CollectionSnapshot, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	unlock, err := b.lock(unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()
	doc, err := b.readLocked()
	if err != nil {
		return nil, err
	}
	return doc.Collections[collectionID], nil
}

func (b *JSONFileStateBackend) Save(_ context.Context, snapshot *CollectionSnapshot) error {
	if b == nil || b.Path == "" || snapshot == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	unlock, err := b.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()
	doc, err := b.readLocked()
	if err != nil {
		return err
	}
	doc.Collections[snapshot.CollectionID] = snapshot
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

func (b *JSONFileStateBackend) readLocked() (*fileStateDocument, error) {
	doc := &fileStateDocument{}
	data, err := os.ReadFile(b.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, err
		}
	}
	if doc.Collections == nil {
		doc.Collections = map[string]*CollectionSnapshot{}
	}
	return doc, nil
}

func (b *JSONFileStateBackend) lock(how int) (func(), error) {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(b.Path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
