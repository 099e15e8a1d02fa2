package entity

import (
	"encoding/json"
	"time"
)

// Record is one row of a synchronized table: the envelope shared by every
// entity plus the entity's own columns in Fields.
type Record struct {
	ID          ID
	ClientID    string
	Fields      map[string]any
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PendingSync bool
	SyncOp      SyncOp
	SyncError   string

	// Children holds nested rows keyed by child schema name.
	Children map[string][]Record
}

// Text returns the text value of col, or "" when unset.
func (r Record) Text(col string) string {
	s, _ := r.Fields[col].(string)
	return s
}

// Float returns the numeric value of col.
func (r Record) Float(col string) float64 {
	switch v := r.Fields[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns the integer value of col.
func (r Record) Int(col string) int64 {
	switch v := r.Fields[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func (r Record) Bool(col string) bool {
	b, _ := r.Fields[col].(bool)
	return b
}

// Set assigns a field value, allocating Fields when needed.
func (r *Record) Set(col string, v any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[col] = v
}

// MarshalJSON flattens the envelope and fields into one object using local
// column names, the shape served by the local API and the CLI.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+len(r.Children)+9)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID.String()
	out["client_id"] = r.ClientID
	out["deleted"] = r.Deleted
	out["created_at"] = FormatTime(r.CreatedAt)
	out["updated_at"] = FormatTime(r.UpdatedAt)
	out["pending_sync"] = r.PendingSync
	out["sync_op"] = r.SyncOp
	if r.SyncError != "" {
		out["sync_error"] = r.SyncError
	} else {
		out["sync_error"] = nil
	}
	for name, children := range r.Children {
		out[name] = children
	}
	return json.Marshal(out)
}
