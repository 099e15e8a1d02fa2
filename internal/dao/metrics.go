package dao

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/store"
)

// MetricsKey is the cache key of the dashboard metrics for a period.
func MetricsKey(period string) string {
	return "period:" + period
}

// CachedMetrics is a dashboard payload as last fetched from the server.
type CachedMetrics struct {
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MetricsCache stores server-computed dashboard payloads for offline display.
type MetricsCache struct {
	db  store.DB
	now func() time.Time
}

// Put replaces the payload stored under key.
func (c *MetricsCache) Put(ctx context.Context, key string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("cache metrics %s: %w: payload is not JSON", key, ErrInvalidValue)
	}
	_, err := c.db.Run(ctx, `
		INSERT INTO dashboard_metrics (key, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key, string(payload), entity.FormatTime(c.now()))
	if err != nil {
		return fmt.Errorf("cache metrics %s: %w", key, err)
	}
	return nil
}

// Get returns the payload stored under key, or store.ErrNotFound.
func (c *MetricsCache) Get(ctx context.Context, key string) (CachedMetrics, error) {
	row, err := c.db.QueryRow(ctx, "SELECT payload, updated_at FROM dashboard_metrics WHERE key = ?", key)
	if err != nil {
		return CachedMetrics{}, fmt.Errorf("cached metrics %s: %w", key, err)
	}
	payload, _ := row["payload"].(string)
	updated, _ := row["updated_at"].(string)
	at, err := entity.ParseTime(updated)
	if err != nil {
		return CachedMetrics{}, fmt.Errorf("cached metrics %s: %w", key, err)
	}
	return CachedMetrics{Payload: json.RawMessage(payload), UpdatedAt: at}, nil
}
