// Package dao holds the per-entity data access objects. A DAO is the only
// component that reads or writes its table; every read-compare-write runs in
// a single store transaction.
package dao

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/store"
)

var (
	ErrUnknownColumn = errors.New("unknown column")
	ErrNotEditable   = errors.New("column is not editable")
)

// defaultSyncError is recorded when a replay fails without a reason.
const defaultSyncError = "Sync error"

// DAO reads and writes one entity table.
type DAO struct {
	st      *store.SQLiteStore
	schema  *entity.Schema
	reg     *Registry
	now     func() time.Time
	logger  *slog.Logger
	columns string
	upsert  string
}

func newDAO(reg *Registry, schema *entity.Schema) *DAO {
	return &DAO{
		st:      reg.st,
		schema:  schema,
		reg:     reg,
		now:     reg.now,
		logger:  reg.logger,
		columns: strings.Join(schema.Columns(), ", "),
		upsert:  upsertSQL(schema),
	}
}

// upsertSQL builds INSERT ... ON CONFLICT(id) DO UPDATE for every column of s.
// ON CONFLICT keeps the row in place instead of deleting and re-inserting it.
func upsertSQL(s *entity.Schema) string {
	cols := s.Columns()
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, col := range cols {
		placeholders[i] = "?"
		if col != entity.ColID {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		s.Name,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}

// Schema returns the entity schema served by the DAO.
func (d *DAO) Schema() *entity.Schema { return d.schema }

// ListOptions filters a List call.
type ListOptions struct {
	// Search fuzzy-matches the schema's search columns.
	Search string
	// Where restricts results to rows whose columns equal the given values.
	Where  map[string]any
	Limit  int
	Offset int
}

// likeEscaper makes LIKE wildcards in a search string match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// List returns a page of non-deleted records ordered newest first.
func (d *DAO) List(ctx context.Context, opts ListOptions) ([]entity.Record, error) {
	var (
		conds = []string{"deleted = 0"}
		args  []any
	)

	if opts.Search != "" {
		cols := d.schema.SearchColumns()
		if len(cols) > 0 {
			like := "%" + likeEscaper.Replace(opts.Search) + "%"
			parts := make([]string, len(cols))
			for i, col := range cols {
				parts[i] = col + ` LIKE ? ESCAPE '\'`
				args = append(args, like)
			}
			conds = append(conds, "("+strings.Join(parts, " OR ")+")")
		}
	}

	for col, v := range opts.Where {
		if !d.isColumn(col) {
			return nil, fmt.Errorf("list %s: %w: %s", d.schema.Name, ErrUnknownColumn, col)
		}
		if v == nil {
			conds = append(conds, col+" IS NULL")
			continue
		}
		conds = append(conds, col+" = ?")
		args = append(args, entity.ColumnValue(v))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, opts.Offset)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s DESC, id LIMIT ? OFFSET ?",
		d.columns, d.schema.Name, strings.Join(conds, " AND "), d.schema.OrderBy)

	rows, err := d.st.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.schema.Name, err)
	}
	return d.decode(rows)
}

type getOptions struct {
	includeDeleted bool
}

// GetOption adjusts GetByID.
type GetOption func(*getOptions)

// IncludeDeleted makes GetByID return tombstones.
func IncludeDeleted() GetOption {
	return func(o *getOptions) { o.includeDeleted = true }
}

// GetByID returns the record with its nested children. Tombstones are
// reported as store.ErrNotFound unless IncludeDeleted is given.
func (d *DAO) GetByID(ctx context.Context, id entity.ID, opts ...GetOption) (entity.Record, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	rec, err := d.get(ctx, d.st, id.String())
	if err != nil {
		return entity.Record{}, err
	}
	if rec.Deleted && !o.includeDeleted {
		return entity.Record{}, fmt.Errorf("get %s %s: %w", d.schema.Name, id, store.ErrNotFound)
	}

	for _, ch := range d.schema.Children {
		child := d.reg.daos[ch.Schema]
		rows, err := child.children(ctx, d.st, id.String(), o.includeDeleted)
		if err != nil {
			return entity.Record{}, err
		}
		if rec.Children == nil {
			rec.Children = make(map[string][]entity.Record)
		}
		rec.Children[ch.Schema] = rows
	}
	return rec, nil
}

// ListChildren returns the non-deleted rows of this child entity that belong to parentID.
func (d *DAO) ListChildren(ctx context.Context, parentID entity.ID) ([]entity.Record, error) {
	return d.children(ctx, d.st, parentID.String(), false)
}

// GetPending returns every record awaiting replay, oldest mutation first.
func (d *DAO) GetPending(ctx context.Context) ([]entity.Record, error) {
	rows, err := d.st.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE pending_sync = 1 ORDER BY updated_at ASC, id",
		d.columns, d.schema.Name))
	if err != nil {
		return nil, fmt.Errorf("get pending %s: %w", d.schema.Name, err)
	}
	return d.decode(rows)
}

// Count returns the number of non-deleted rows.
func (d *DAO) Count(ctx context.Context) (int64, error) {
	row, err := d.st.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE deleted = 0", d.schema.Name))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", d.schema.Name, err)
	}
	n, _ := row["n"].(int64)
	return n, nil
}

// HasRows reports whether the table holds at least one row, tombstones included.
func (d *DAO) HasRows(ctx context.Context) (bool, error) {
	rows, err := d.st.Query(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", d.schema.Name))
	if err != nil {
		return false, fmt.Errorf("check rows %s: %w", d.schema.Name, err)
	}
	return len(rows) > 0, nil
}

// PendingCount summarises replay state for status displays.
type PendingCount struct {
	Entity  string `json:"entity"`
	Pending int64  `json:"pending"`
	Errored int64  `json:"errored"`
}

// PendingCount returns how many rows await replay and how many of them carry a sync error.
func (d *DAO) PendingCount(ctx context.Context) (PendingCount, error) {
	row, err := d.st.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*) AS pending,
		       COALESCE(SUM(CASE WHEN sync_error IS NOT NULL THEN 1 ELSE 0 END), 0) AS errored
		FROM %s WHERE pending_sync = 1`, d.schema.Name))
	if err != nil {
		return PendingCount{}, fmt.Errorf("pending count %s: %w", d.schema.Name, err)
	}
	pending, _ := row["pending"].(int64)
	errored, _ := row["errored"].(int64)
	return PendingCount{Entity: d.schema.Name, Pending: pending, Errored: errored}, nil
}

func (d *DAO) get(ctx context.Context, db store.DB, id string) (entity.Record, error) {
	row, err := db.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", d.columns, d.schema.Name), id)
	if err != nil {
		return entity.Record{}, fmt.Errorf("get %s %s: %w", d.schema.Name, id, err)
	}
	return d.schema.RecordFromRow(row)
}

func (d *DAO) children(ctx context.Context, db store.DB, parentID string, includeDeleted bool) ([]entity.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", d.columns, d.schema.Name, d.schema.ParentColumn)
	if !includeDeleted {
		query += " AND deleted = 0"
	}
	query += fmt.Sprintf(" ORDER BY %s ASC, id", d.schema.OrderBy)

	rows, err := db.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("list %s of %s: %w", d.schema.Name, parentID, err)
	}
	return d.decode(rows)
}

func (d *DAO) decode(rows []store.Row) ([]entity.Record, error) {
	out := make([]entity.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := d.schema.RecordFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (d *DAO) isColumn(col string) bool {
	if _, ok := d.schema.Field(col); ok {
		return true
	}
	switch col {
	case entity.ColID, entity.ColClientID, entity.ColPendingSync, entity.ColSyncOp:
		return true
	}
	return false
}
