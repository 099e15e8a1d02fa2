package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/fieldsync/internal/entity"
)

// BookmarkKey is the metadata key holding the last full pull of an entity.
func BookmarkKey(entityName string) string {
	return entityName + "_last_pull"
}

// LastPull returns when entityName was last pulled in full. The boolean is
// false when the entity has never been pulled.
func (r *Repository) LastPull(ctx context.Context, entityName string) (time.Time, bool, error) {
	v, ok, err := r.Get(ctx, BookmarkKey(entityName))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	at, err := entity.ParseTime(v)
	if err != nil {
		// A corrupt bookmark only costs one extra pull.
		slog.Warn("ignoring unparseable pull bookmark",
			"component", "metadata",
			"entity", entityName,
			"value", v,
			"error", err,
		)
		return time.Time{}, false, nil
	}
	return at, true, nil
}

// AdvanceBookmark records a completed pull of entityName at time at.
// Bookmarks never move backwards: an older timestamp leaves the stored one in place.
func (r *Repository) AdvanceBookmark(ctx context.Context, entityName string, at time.Time) error {
	_, err := r.db.Run(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		WHERE excluded.value > metadata.value OR metadata.value IS NULL
	`, BookmarkKey(entityName), entity.FormatTime(at), entity.FormatTime(r.now()))
	if err != nil {
		return fmt.Errorf("advance bookmark %s: %w", entityName, err)
	}
	return nil
}
