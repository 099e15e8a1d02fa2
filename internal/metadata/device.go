package metadata

import (
	"context"
	"fmt"

	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/oklog/ulid/v2"
)

const deviceIDKey = "device_id"

// DeviceID returns the identifier of this installation, minting and
// persisting one on first use.
func (r *Repository) DeviceID(ctx context.Context) (string, error) {
	if id, ok, err := r.Get(ctx, deviceIDKey); err != nil {
		return "", err
	} else if ok && id != "" {
		return id, nil
	}

	_, err := r.db.Run(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, deviceIDKey, ulid.Make().String(), entity.FormatTime(r.now()))
	if err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}

	id, _, err := r.Get(ctx, deviceIDKey)
	return id, err
}
