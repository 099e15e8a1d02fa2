package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Envelope columns shared by every synchronized table.
const (
	ColID          = "id"
	ColClientID    = "client_id"
	ColDeleted     = "deleted"
	ColCreatedAt   = "created_at"
	ColUpdatedAt   = "updated_at"
	ColPendingSync = "pending_sync"
	ColSyncOp      = "sync_op"
	ColSyncError   = "sync_error"
)

// ErrMissingID is returned when a remote payload carries neither _id nor id.
var ErrMissingID = errors.New("remote record has no id")

// Kind is the storage type of an entity column.
type Kind uint8

const (
	KindText Kind = iota
	KindReal
	KindInt
	KindBool
	KindTime
)

// Replay selects how pending rows of an entity reach the remote API.
type Replay uint8

const (
	// ReplayCRUD issues one create, update or delete request per record.
	ReplayCRUD Replay = iota
	// ReplayBill creates with embedded line items and replays pending
	// payments as the update.
	ReplayBill
	// ReplayEmbedded rows travel inside their parent's create payload.
	ReplayEmbedded
	// ReplayStock rows are grouped per parent item and posted as a stock addition.
	ReplayStock
)

// Field maps one local column to its remote names.
type Field struct {
	Column string
	// Remote lists the JSON names accepted on pull. Remote[0] is used on push.
	Remote []string
	Kind   Kind
	// Default is used when a value is absent on insert. A nil Default makes
	// the column nullable.
	Default any
	// Refs names the entities whose identifiers this column holds.
	Refs     []string
	Push     bool
	Editable bool
	Required bool
	Search   bool
}

func (f Field) pushName() string {
	if len(f.Remote) > 0 {
		return f.Remote[0]
	}
	return f.Column
}

// Child describes rows of another schema nested under this one.
type Child struct {
	Schema string
	// RemoteKey is the key of the nested array in remote payloads.
	RemoteKey string
	// PushKey embeds the children in the parent create payload when set.
	PushKey string
	// KeyColumn derives stable ids for children the server sends without one.
	KeyColumn string
	// ReplayViaParent marks children whose pending rows are pushed by the
	// parent's update.
	ReplayViaParent bool
}

// Endpoints are the remote API paths of an entity.
type Endpoints struct {
	Create string
	// Item is the base path for PUT and DELETE; the id is appended.
	Item string
	// Lists are pulled in order and merged.
	Lists []string
}

// Schema declares how an entity is stored locally and exchanged remotely.
type Schema struct {
	Name string
	// RemoteKey is the envelope key of a single record in create responses.
	RemoteKey string
	// ListKey is the envelope key of the array in list responses.
	ListKey           string
	Fields            []Field
	TempPrefixes      []string
	OrderBy           string
	Children          []Child
	ParentColumn      string
	Endpoints         Endpoints
	Replay            Replay
	Core              bool
	DeleteUnsupported bool

	fieldIndex map[string]int
}

func (s *Schema) index() {
	s.fieldIndex = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		s.fieldIndex[f.Column] = i
	}
	if s.OrderBy == "" {
		s.OrderBy = ColUpdatedAt
	}
}

// Field returns the declaration of col.
func (s *Schema) Field(col string) (Field, bool) {
	i, ok := s.fieldIndex[col]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Columns returns every column of the table in storage order.
func (s *Schema) Columns() []string {
	cols := make([]string, 0, len(s.Fields)+8)
	cols = append(cols, ColID, ColClientID)
	for _, f := range s.Fields {
		cols = append(cols, f.Column)
	}
	return append(cols, ColDeleted, ColCreatedAt, ColUpdatedAt, ColPendingSync, ColSyncOp, ColSyncError)
}

// SearchColumns returns the columns matched by fuzzy list filters.
func (s *Schema) SearchColumns() []string {
	var cols []string
	for _, f := range s.Fields {
		if f.Search {
			cols = append(cols, f.Column)
		}
	}
	return cols
}

// IsChild reports whether rows of this schema belong to a parent row.
func (s *Schema) IsChild() bool { return s.ParentColumn != "" }

// ParseID classifies a stored identifier of this entity.
func (s *Schema) ParseID(v string) ID {
	return ParseID(v, s.TempPrefixes...)
}

// Normalize converts v to the in-memory representation of col:
// string, float64, int64, bool or nil.
func (s *Schema) Normalize(col string, v any) (any, error) {
	f, ok := s.Field(col)
	if !ok {
		return nil, fmt.Errorf("%s: unknown column %q", s.Name, col)
	}
	return normalize(f, v)
}

// WithDefaults fills absent fields of rec with their declared defaults.
func (s *Schema) WithDefaults(rec Record) Record {
	fields := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		if v, ok := rec.Fields[f.Column]; ok && v != nil {
			fields[f.Column] = v
			continue
		}
		fields[f.Column] = f.Default
	}
	rec.Fields = fields
	return rec
}

// RecordFromRow decodes a stored row.
func (s *Schema) RecordFromRow(row map[string]any) (Record, error) {
	id, _ := row[ColID].(string)
	rec := Record{
		ID:          s.ParseID(id),
		ClientID:    asString(row[ColClientID]),
		Fields:      make(map[string]any, len(s.Fields)),
		Deleted:     asInt(row[ColDeleted]) != 0,
		PendingSync: asInt(row[ColPendingSync]) != 0,
		SyncError:   asString(row[ColSyncError]),
	}
	for _, f := range s.Fields {
		rec.Fields[f.Column] = fromColumn(f, row[f.Column])
	}

	var err error
	if rec.CreatedAt, err = ParseTime(asString(row[ColCreatedAt])); err != nil {
		return Record{}, fmt.Errorf("%s %s: %w", s.Name, id, err)
	}
	if rec.UpdatedAt, err = ParseTime(asString(row[ColUpdatedAt])); err != nil {
		return Record{}, fmt.Errorf("%s %s: %w", s.Name, id, err)
	}
	if rec.SyncOp, err = ParseSyncOp(asString(row[ColSyncOp])); err != nil {
		return Record{}, fmt.Errorf("%s %s: %w", s.Name, id, err)
	}
	return rec, nil
}

// RowArgs returns the SQL arguments for rec aligned with Columns.
func (s *Schema) RowArgs(rec Record) []any {
	args := make([]any, 0, len(s.Fields)+8)
	args = append(args, rec.ID.String(), nullString(rec.ClientID))
	for _, f := range s.Fields {
		v, ok := rec.Fields[f.Column]
		if !ok || v == nil {
			v = f.Default
		}
		args = append(args, ColumnValue(v))
	}
	return append(args,
		boolInt(rec.Deleted),
		nullString(FormatTime(rec.CreatedAt)),
		nullString(FormatTime(rec.UpdatedAt)),
		boolInt(rec.PendingSync),
		rec.SyncOp.column(),
		nullString(rec.SyncError),
	)
}

// ColumnValue converts an in-memory field value to its SQL argument.
func ColumnValue(v any) any {
	if b, ok := v.(bool); ok {
		return boolInt(b)
	}
	return v
}

// fromRemote decodes a remote payload. When fallbackID is non-empty it is
// used for payloads without an id.
func (s *Schema) fromRemote(p map[string]any, fallbackID string) (Record, error) {
	rawID := firstString(p, "_id", "id")
	if rawID == "" {
		rawID = fallbackID
	}
	if rawID == "" {
		return Record{}, ErrMissingID
	}

	rec := Record{
		ID:       RemoteID(rawID),
		ClientID: firstString(p, "clientId", "client_id"),
		Fields:   make(map[string]any, len(s.Fields)),
	}
	for _, f := range s.Fields {
		v, ok := lookup(p, f)
		if !ok {
			continue
		}
		nv, err := normalize(f, v)
		if err != nil {
			return Record{}, fmt.Errorf("%s %s field %s: %w", s.Name, rawID, f.Column, err)
		}
		rec.Fields[f.Column] = nv
	}

	if v, ok := p["deleted"]; ok {
		deleted, err := toBool(v)
		if err != nil {
			return Record{}, fmt.Errorf("%s %s field deleted: %w", s.Name, rawID, err)
		}
		rec.Deleted = deleted
	}

	var err error
	if rec.CreatedAt, err = ParseTime(firstString(p, "createdAt", "created_at")); err != nil {
		return Record{}, fmt.Errorf("%s %s: %w", s.Name, rawID, err)
	}
	if rec.UpdatedAt, err = ParseTime(firstString(p, "updatedAt", "updated_at")); err != nil {
		return Record{}, fmt.Errorf("%s %s: %w", s.Name, rawID, err)
	}
	return rec, nil
}

func lookup(p map[string]any, f Field) (any, bool) {
	for _, name := range f.Remote {
		if v, ok := p[name]; ok {
			return v, true
		}
	}
	v, ok := p[f.Column]
	return v, ok
}

func normalize(f Field, v any) (any, error) {
	if v == nil {
		return f.Default, nil
	}
	if len(f.Refs) > 0 {
		if m, ok := v.(map[string]any); ok {
			id := firstString(m, "_id", "id")
			if id == "" {
				return nil, nil
			}
			return id, nil
		}
	}

	switch f.Kind {
	case KindReal:
		return toFloat(v)
	case KindInt:
		n, err := toFloat(v)
		return int64(n), err
	case KindBool:
		return toBool(v)
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return nullString(FormatTime(t)), nil
		case string:
			parsed, err := ParseTime(t)
			if err != nil {
				return nil, err
			}
			return nullString(FormatTime(parsed)), nil
		}
		return nil, fmt.Errorf("unsupported timestamp %T", v)
	default:
		return toText(v), nil
	}
}

func fromColumn(f Field, v any) any {
	if v == nil {
		return nil
	}
	switch f.Kind {
	case KindBool:
		return asInt(v) != 0
	case KindReal:
		n, _ := toFloat(v)
		return n
	case KindInt:
		return asInt(v)
	default:
		return toText(v)
	}
}

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return t.Float64()
	case string:
		if t == "" {
			return 0, nil
		}
		return strconv.ParseFloat(t, 64)
	}
	return 0, fmt.Errorf("unsupported number %T", v)
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case string:
		switch t {
		case "true", "1":
			return true, nil
		case "false", "0", "":
			return false, nil
		}
	}
	return false, fmt.Errorf("unsupported boolean %v", v)
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	return toText(v)
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case bool:
		if t {
			return 1
		}
	}
	return 0
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s := toText(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
