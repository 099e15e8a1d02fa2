// Package types holds the request and response bodies of the local
// control API.
package types

import (
	"encoding/json"
	"time"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Online    bool   `json:"online"`
	GateState string `json:"gate_state"`
	DeviceID  string `json:"device_id,omitempty"`
}

// CreateRequest creates a record locally. ID is optional; children are
// keyed by child entity name.
type CreateRequest struct {
	ID       string                      `json:"id,omitempty"`
	Fields   map[string]any              `json:"fields"`
	Children map[string][]map[string]any `json:"children,omitempty"`
}

// UpdateRequest changes editable fields of a record.
type UpdateRequest struct {
	Fields map[string]any `json:"fields"`
}

// PaymentRequest records a payment against a bill.
type PaymentRequest struct {
	Amount float64 `json:"amount"`
	Note   string  `json:"note,omitempty"`
}

// ListResponse wraps a page of records.
type ListResponse struct {
	Entity string `json:"entity"`
	Items  any    `json:"items"`
	Count  int    `json:"count"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// PendingEntity counts the unsynchronized records of one entity.
type PendingEntity struct {
	Entity  string `json:"entity"`
	Pending int64  `json:"pending"`
	Errored int64  `json:"errored"`
}

// PendingResponse lists pending counts for badges.
type PendingResponse struct {
	Entities []PendingEntity `json:"entities"`
	Total    int64           `json:"total"`
}

// SyncAccepted acknowledges an asynchronous sync request.
type SyncAccepted struct {
	Status string `json:"status"`
}

// MetricsResponse serves a cached dashboard payload verbatim.
type MetricsResponse struct {
	Period    string          `json:"period"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}
