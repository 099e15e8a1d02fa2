// Package metadata stores device-level key/value state: pull bookmarks and
// the device identifier.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/store"
)

// Entry is a stored metadata value.
type Entry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository reads and writes the metadata table.
type Repository struct {
	db  store.DB
	now func() time.Time
}

// NewRepository creates a Repository over db.
func NewRepository(db store.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Get returns the value stored under key. The boolean is false when the key is absent.
func (r *Repository) Get(ctx context.Context, key string) (string, bool, error) {
	row, err := r.db.QueryRow(ctx, `SELECT value FROM metadata WHERE key = ?`, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata[%s]: %w", key, err)
	}
	v, _ := row["value"].(string)
	return v, true, nil
}

// Set stores value under key, replacing any previous value.
func (r *Repository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.Run(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, entity.FormatTime(r.now()))
	if err != nil {
		return fmt.Errorf("set metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.Run(ctx, `DELETE FROM metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete metadata[%s]: %w", key, err)
	}
	return nil
}

// List returns every metadata entry keyed by name.
func (r *Repository) List(ctx context.Context) (map[string]Entry, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value, updated_at FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}

	out := make(map[string]Entry, len(rows))
	for _, row := range rows {
		key, _ := row["key"].(string)
		value, _ := row["value"].(string)
		updated, _ := row["updated_at"].(string)
		at, err := entity.ParseTime(updated)
		if err != nil {
			return nil, fmt.Errorf("list metadata[%s]: %w", key, err)
		}
		out[key] = Entry{Value: value, UpdatedAt: at}
	}
	return out, nil
}
