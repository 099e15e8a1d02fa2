package entity

import (
	"encoding/json"
	"fmt"
)

// SyncOp is the mutation awaiting replay against the remote API.
type SyncOp uint8

const (
	OpNone SyncOp = iota
	OpCreate
	OpUpdate
	OpDelete
)

func (o SyncOp) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return ""
	}
}

// ParseSyncOp decodes the stored sync_op column. Empty means OpNone.
func ParseSyncOp(s string) (SyncOp, error) {
	switch s {
	case "":
		return OpNone, nil
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return OpNone, fmt.Errorf("unknown sync op %q", s)
	}
}

// column returns the value stored in sync_op; OpNone is NULL.
func (o SyncOp) column() any {
	if o == OpNone {
		return nil
	}
	return o.String()
}

func (o SyncOp) MarshalJSON() ([]byte, error) {
	if o == OpNone {
		return []byte("null"), nil
	}
	return json.Marshal(o.String())
}
