package listsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStateBackend keeps one row per collection in a local database file.
type SQLiteStateBackend struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStateBackend(path string) (*SQLiteStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	return &SQLiteStateBackend{path: path}, nil
}

func (b *SQLiteStateBackend) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		if b.path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(b.path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
				b.initErr = fmt.Errorf("create dirs: %w", err)
				return
			}
		}
		db, err := sql.Open("sqlite", b.path)
		if err != nil {
			b.initErr = fmt.Errorf("open sqlite: %w", err)
			return
		}
		// One connection keeps :memory: databases alive and serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS snapshots (
			collection_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			saved_at TEXT NOT NULL
		)`); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create snapshots table: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLiteStateBackend) Load(ctx context.Context, collectionID string) (*CollectionSnapshot, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	var payload []byte
	err := b.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE collection_id = ?`, collectionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	var snapshot CollectionSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *SQLiteStateBackend) Save(ctx context.Context, snapshot *CollectionSnapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO snapshots (collection_id, payload, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(collection_id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		snapshot.CollectionID, payload, snapshot.SavedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
