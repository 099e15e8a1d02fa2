package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/store"
)

var (
	ErrExists       = errors.New("record already exists")
	ErrInvalidValue = errors.New("invalid value")
	ErrUnknownChild = errors.New("unknown child entity")
	// ErrNoTimestamp rejects a server record without updated_at that would
	// replace an existing row.
	ErrNoTimestamp = errors.New("remote record has no updated_at")
)

// UpsertResult reports what UpsertOne did with an incoming record.
type UpsertResult uint8

const (
	Skipped UpsertResult = iota
	Inserted
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "skipped"
	}
}

// UpsertStats aggregates the outcome of UpsertMany.
type UpsertStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Add accumulates other into s.
func (s *UpsertStats) Add(other UpsertStats) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

// UpsertOne merges a server-origin record. An existing row, tombstones
// included, is overwritten only when the incoming updated_at is not older
// than the stored one; ties go to the incoming record. When no row carries
// the incoming id but a local row carries its client_id, that row is first
// remapped to the server id so the create is not duplicated.
func (d *DAO) UpsertOne(ctx context.Context, rec entity.Record) (UpsertResult, error) {
	var res UpsertResult
	err := d.st.WithTx(ctx, func(tx store.DB) error {
		var err error
		res, err = d.upsertTx(ctx, tx, rec)
		return err
	})
	if err != nil {
		return Skipped, err
	}
	return res, nil
}

// UpsertMany merges records one transaction each. A record that cannot be
// merged is logged and counted; storage failures abort the batch.
func (d *DAO) UpsertMany(ctx context.Context, recs []entity.Record) (UpsertStats, error) {
	var stats UpsertStats
	for _, rec := range recs {
		res, err := d.UpsertOne(ctx, rec)
		if err != nil {
			if errors.Is(err, store.ErrStorageUnavailable) || ctx.Err() != nil {
				return stats, err
			}
			d.logger.Warn("skipping remote record",
				"entity", d.schema.Name,
				"id", rec.ID.String(),
				"error", err,
			)
			stats.Failed++
			continue
		}
		switch res {
		case Inserted:
			stats.Inserted++
		case Updated:
			stats.Updated++
		default:
			stats.Skipped++
		}
	}
	return stats, nil
}

func (d *DAO) upsertTx(ctx context.Context, tx store.DB, rec entity.Record) (UpsertResult, error) {
	if rec.ID.IsZero() {
		return Skipped, fmt.Errorf("upsert %s: %w", d.schema.Name, entity.ErrMissingID)
	}

	existing, err := d.get(ctx, tx, rec.ID.String())
	found := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Skipped, err
	}

	if !found && rec.ClientID != "" && rec.ClientID != rec.ID.String() {
		local, err := d.localByClientID(ctx, tx, rec.ClientID)
		switch {
		case err == nil:
			if err := d.remapTx(ctx, tx, local.ID.String(), rec.ID.String()); err != nil {
				return Skipped, err
			}
			// The server holds the record now; a newer local edit replays as an update.
			if local.PendingSync && local.SyncOp == entity.OpCreate {
				if err := d.clearFoldedChildren(ctx, tx, rec.ID.String()); err != nil {
					return Skipped, err
				}
				if _, err := tx.Run(ctx, fmt.Sprintf(
					"UPDATE %s SET sync_op = ? WHERE id = ?", d.schema.Name),
					entity.OpUpdate.String(), rec.ID.String()); err != nil {
					return Skipped, err
				}
				local.SyncOp = entity.OpUpdate
			}
			local.ID = rec.ID
			existing, found = local, true
		case !errors.Is(err, store.ErrNotFound):
			return Skipped, err
		}
	}

	res := Inserted
	if found {
		if rec.UpdatedAt.IsZero() {
			return Skipped, fmt.Errorf("upsert %s %s: %w", d.schema.Name, rec.ID, ErrNoTimestamp)
		}
		if rec.UpdatedAt.Before(existing.UpdatedAt) {
			return Skipped, nil
		}
		rec = merge(existing, rec)
		res = Updated

		// Pending children that replay through this record's update would
		// never be pushed if the server copy cleared its pending state.
		if !rec.PendingSync {
			held, err := d.holdsPendingChildren(ctx, tx, rec.ID.String())
			if err != nil {
				return Skipped, err
			}
			if held {
				rec.PendingSync = true
				rec.SyncOp = entity.OpUpdate
				rec.SyncError = existing.SyncError
			}
		}
	} else {
		rec = d.schema.WithDefaults(rec)
		if rec.ClientID == "" {
			rec.ClientID = rec.ID.String()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = rec.UpdatedAt
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = d.now()
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = rec.CreatedAt
		}
	}

	if _, err := tx.Run(ctx, d.upsert, d.schema.RowArgs(rec)...); err != nil {
		return Skipped, fmt.Errorf("upsert %s %s: %w", d.schema.Name, rec.ID, err)
	}

	for name, children := range rec.Children {
		child, ok := d.reg.daos[name]
		if !ok || child.schema.ParentColumn == "" {
			return Skipped, fmt.Errorf("upsert %s: %w: %s", d.schema.Name, ErrUnknownChild, name)
		}
		if err := child.replaceChildrenTx(ctx, tx, rec.ID.String(), children); err != nil {
			return Skipped, err
		}
	}
	return res, nil
}

// replaceChildrenTx merges the server's view of a parent's children. Rows
// the server no longer lists are removed unless they carry pending local work.
func (d *DAO) replaceChildrenTx(ctx context.Context, tx store.DB, parentID string, incoming []entity.Record) error {
	keep := make(map[string]bool, len(incoming))
	for _, c := range incoming {
		keep[c.ID.String()] = true
	}

	current, err := d.children(ctx, tx, parentID, true)
	if err != nil {
		return err
	}
	for _, c := range current {
		if c.PendingSync || keep[c.ID.String()] {
			continue
		}
		if _, err := tx.Run(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", d.schema.Name), c.ID.String()); err != nil {
			return fmt.Errorf("supersede %s %s: %w", d.schema.Name, c.ID, err)
		}
	}

	for _, c := range incoming {
		c.Set(d.schema.ParentColumn, parentID)
		if _, err := d.upsertTx(ctx, tx, c); err != nil {
			return err
		}
	}
	return nil
}

// holdsPendingChildren reports whether a child replayed through the parent's
// update is still pending under parentID.
func (d *DAO) holdsPendingChildren(ctx context.Context, tx store.DB, parentID string) (bool, error) {
	for _, ch := range d.schema.Children {
		if !ch.ReplayViaParent {
			continue
		}
		child, ok := d.reg.daos[ch.Schema]
		if !ok {
			continue
		}
		_, err := tx.QueryRow(ctx, fmt.Sprintf(
			"SELECT id FROM %s WHERE %s = ? AND pending_sync = 1 AND deleted = 0 LIMIT 1",
			child.schema.Name, child.schema.ParentColumn), parentID)
		switch {
		case err == nil:
			return true, nil
		case !errors.Is(err, store.ErrNotFound):
			return false, fmt.Errorf("pending %s of %s: %w", child.schema.Name, parentID, err)
		}
	}
	return false, nil
}

// clearFoldedChildren settles children that travelled inside the parent's
// create payload once the server is known to hold that create.
func (d *DAO) clearFoldedChildren(ctx context.Context, tx store.DB, parentID string) error {
	for _, ch := range d.schema.Children {
		if !ch.ReplayViaParent {
			continue
		}
		child, ok := d.reg.daos[ch.Schema]
		if !ok {
			continue
		}
		if _, err := tx.Run(ctx, fmt.Sprintf(
			"UPDATE %s SET pending_sync = 0, sync_op = NULL, sync_error = NULL WHERE %s = ? AND pending_sync = 1",
			child.schema.Name, child.schema.ParentColumn), parentID); err != nil {
			return fmt.Errorf("settle %s of %s: %w", child.schema.Name, parentID, err)
		}
	}
	return nil
}

func (d *DAO) localByClientID(ctx context.Context, tx store.DB, clientID string) (entity.Record, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE client_id = ?", d.columns, d.schema.Name), clientID)
	if err != nil {
		return entity.Record{}, fmt.Errorf("find %s by client id: %w", d.schema.Name, err)
	}
	recs, err := d.decode(rows)
	if err != nil {
		return entity.Record{}, err
	}
	for _, r := range recs {
		if r.ID.IsLocal() {
			return r, nil
		}
	}
	return entity.Record{}, store.ErrNotFound
}

func merge(existing, incoming entity.Record) entity.Record {
	fields := make(map[string]any, len(existing.Fields))
	for k, v := range existing.Fields {
		fields[k] = v
	}
	for k, v := range incoming.Fields {
		fields[k] = v
	}
	incoming.Fields = fields
	if incoming.ClientID == "" {
		incoming.ClientID = existing.ClientID
	}
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = existing.CreatedAt
	}
	if incoming.UpdatedAt.IsZero() {
		incoming.UpdatedAt = existing.UpdatedAt
	}
	return incoming
}

// InsertLocal stores a user-initiated create. The record gets a local id
// unless it already has one, is stamped now and queued for a create push.
// Nested children are inserted with the parent in one transaction.
func (d *DAO) InsertLocal(ctx context.Context, rec entity.Record) (entity.Record, error) {
	fields, err := d.normalizeFields("insert", rec.Fields, nil)
	if err != nil {
		return entity.Record{}, err
	}

	now := d.now()
	if rec.ID.IsZero() {
		rec.ID = entity.NewLocalID()
	}
	children := rec.Children
	rec = d.schema.WithDefaults(entity.Record{ID: rec.ID, Fields: fields})
	rec.ClientID = rec.ID.String()
	rec.CreatedAt, rec.UpdatedAt = now, now
	rec.PendingSync = true
	rec.SyncOp = entity.OpCreate

	type pendingChild struct {
		dao *DAO
		rec entity.Record
	}
	var nested []pendingChild
	for name, list := range children {
		child, ok := d.childDAO(name)
		if !ok {
			return entity.Record{}, fmt.Errorf("insert %s: %w: %s", d.schema.Name, ErrUnknownChild, name)
		}
		for _, c := range list {
			cf, err := child.normalizeFields("insert", c.Fields, nil)
			if err != nil {
				return entity.Record{}, err
			}
			cr := child.schema.WithDefaults(entity.Record{ID: entity.NewLocalID(), Fields: cf})
			cr.Set(child.schema.ParentColumn, rec.ID.String())
			cr.ClientID = cr.ID.String()
			cr.CreatedAt, cr.UpdatedAt = now, now
			cr.PendingSync = true
			cr.SyncOp = entity.OpCreate
			nested = append(nested, pendingChild{dao: child, rec: cr})
		}
	}

	err = d.st.WithTx(ctx, func(tx store.DB) error {
		if _, err := d.get(ctx, tx, rec.ID.String()); err == nil {
			return fmt.Errorf("insert %s %s: %w", d.schema.Name, rec.ID, ErrExists)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := tx.Run(ctx, d.upsert, d.schema.RowArgs(rec)...); err != nil {
			return fmt.Errorf("insert %s %s: %w", d.schema.Name, rec.ID, err)
		}
		for _, c := range nested {
			if _, err := tx.Run(ctx, c.dao.upsert, c.dao.schema.RowArgs(c.rec)...); err != nil {
				return fmt.Errorf("insert %s %s: %w", c.dao.schema.Name, c.rec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return entity.Record{}, err
	}
	return d.GetByID(ctx, rec.ID)
}

// MarkPendingUpdate applies editable field changes and queues an update.
// A record whose create has not been pushed yet stays queued as a create so
// the create carries the latest values.
func (d *DAO) MarkPendingUpdate(ctx context.Context, id entity.ID, deltas map[string]any) error {
	fields, err := d.normalizeFields("update", deltas, func(f entity.Field) bool { return f.Editable })
	if err != nil {
		return err
	}

	return d.st.WithTx(ctx, func(tx store.DB) error {
		rec, err := d.get(ctx, tx, id.String())
		if err != nil {
			return err
		}
		if rec.Deleted {
			return fmt.Errorf("update %s %s: %w", d.schema.Name, id, store.ErrNotFound)
		}
		for k, v := range fields {
			rec.Fields[k] = v
		}
		rec.SyncOp = pendingOp(rec, entity.OpUpdate)
		rec.PendingSync = true
		rec.SyncError = ""
		rec.UpdatedAt = d.now()
		if _, err := tx.Run(ctx, d.upsert, d.schema.RowArgs(rec)...); err != nil {
			return fmt.Errorf("update %s %s: %w", d.schema.Name, id, err)
		}
		return nil
	})
}

// MarkPendingDelete soft-deletes the record and its children and queues a
// delete. Deleting a tombstone is a no-op.
func (d *DAO) MarkPendingDelete(ctx context.Context, id entity.ID) error {
	return d.st.WithTx(ctx, func(tx store.DB) error {
		rec, err := d.get(ctx, tx, id.String())
		if err != nil {
			return err
		}
		if rec.Deleted {
			return nil
		}
		now := d.now()
		rec.Deleted = true
		rec.SyncOp = pendingOp(rec, entity.OpDelete)
		rec.PendingSync = true
		rec.SyncError = ""
		rec.UpdatedAt = now
		if _, err := tx.Run(ctx, d.upsert, d.schema.RowArgs(rec)...); err != nil {
			return fmt.Errorf("delete %s %s: %w", d.schema.Name, id, err)
		}
		for _, ch := range d.schema.Children {
			child := d.reg.daos[ch.Schema]
			if _, err := tx.Run(ctx, fmt.Sprintf(
				"UPDATE %s SET deleted = 1, updated_at = ? WHERE %s = ? AND deleted = 0",
				child.schema.Name, child.schema.ParentColumn),
				entity.FormatTime(now), id.String()); err != nil {
				return fmt.Errorf("delete %s of %s: %w", child.schema.Name, id, err)
			}
		}
		return nil
	})
}

// pendingOp keeps an unpushed create queued as a create.
func pendingOp(rec entity.Record, op entity.SyncOp) entity.SyncOp {
	if rec.PendingSync && rec.SyncOp == entity.OpCreate {
		return entity.OpCreate
	}
	return op
}

type syncOptions struct {
	since time.Time
}

// SyncOption adjusts MarkSynced.
type SyncOption func(*syncOptions)

// IfUnchangedSince clears pending state only when the row's updated_at still
// equals t, the version that was pushed. A row edited while its push was in
// flight stays pending as an update, or a delete when it was deleted.
func IfUnchangedSince(t time.Time) SyncOption {
	return func(o *syncOptions) { o.since = t }
}

// MarkSynced acknowledges a push. When serverID differs from localID the
// primary key and every column referencing it are rewritten to serverID in
// the same transaction; client_id keeps the original local id. Pending and
// error state are then cleared.
func (d *DAO) MarkSynced(ctx context.Context, localID, serverID entity.ID, opts ...SyncOption) error {
	var o syncOptions
	for _, opt := range opts {
		opt(&o)
	}

	return d.st.WithTx(ctx, func(tx store.DB) error {
		rec, err := d.get(ctx, tx, localID.String())
		if err != nil {
			return err
		}

		target := localID.String()
		if !serverID.IsZero() && serverID.String() != target {
			if err := d.remapTx(ctx, tx, target, serverID.String()); err != nil {
				return err
			}
			target = serverID.String()
		}

		if !o.since.IsZero() && !rec.UpdatedAt.Equal(o.since) {
			op := entity.OpUpdate
			if rec.Deleted {
				op = entity.OpDelete
			}
			_, err = tx.Run(ctx, fmt.Sprintf(
				"UPDATE %s SET pending_sync = 1, sync_op = ?, sync_error = NULL WHERE id = ?", d.schema.Name),
				op.String(), target)
		} else {
			_, err = tx.Run(ctx, fmt.Sprintf(
				"UPDATE %s SET pending_sync = 0, sync_op = NULL, sync_error = NULL WHERE id = ?", d.schema.Name),
				target)
		}
		if err != nil {
			return fmt.Errorf("mark synced %s %s: %w", d.schema.Name, target, err)
		}
		return nil
	})
}

// remapTx moves a row from one id to another and rewrites every column in
// the catalogue that references it. A row already stored under the target id
// is replaced.
func (d *DAO) remapTx(ctx context.Context, tx store.DB, from, to string) error {
	if _, err := tx.Run(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", d.schema.Name), to); err != nil {
		return fmt.Errorf("remap %s %s: %w", d.schema.Name, from, err)
	}
	if _, err := tx.Run(ctx, fmt.Sprintf("UPDATE %s SET id = ? WHERE id = ?", d.schema.Name), to, from); err != nil {
		return fmt.Errorf("remap %s %s: %w", d.schema.Name, from, err)
	}
	for _, ref := range d.reg.catalog.References(d.schema.Name) {
		if _, err := tx.Run(ctx, fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", ref.Table, ref.Column, ref.Column), to, from); err != nil {
			return fmt.Errorf("remap %s.%s: %w", ref.Table, ref.Column, err)
		}
	}
	return nil
}

// MarkSyncError records why a replay failed. The record stays pending with
// its sync_op unchanged so the next pass retries the same operation.
func (d *DAO) MarkSyncError(ctx context.Context, id entity.ID, msg string) error {
	if msg == "" {
		msg = defaultSyncError
	}
	n, err := d.st.Run(ctx, fmt.Sprintf(
		"UPDATE %s SET sync_error = ?, pending_sync = 1 WHERE id = ?", d.schema.Name),
		msg, id.String())
	if err != nil {
		return fmt.Errorf("mark sync error %s %s: %w", d.schema.Name, id, err)
	}
	if n == 0 {
		return fmt.Errorf("mark sync error %s %s: %w", d.schema.Name, id, store.ErrNotFound)
	}
	return nil
}

func (d *DAO) normalizeFields(op string, in map[string]any, allow func(entity.Field) bool) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for col, v := range in {
		f, ok := d.schema.Field(col)
		if !ok {
			return nil, fmt.Errorf("%s %s: %w: %s", op, d.schema.Name, ErrUnknownColumn, col)
		}
		if allow != nil && !allow(f) {
			return nil, fmt.Errorf("%s %s: %w: %s", op, d.schema.Name, ErrNotEditable, col)
		}
		nv, err := d.schema.Normalize(col, v)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w: %s: %v", op, d.schema.Name, ErrInvalidValue, col, err)
		}
		out[col] = nv
	}
	return out, nil
}

func (d *DAO) childDAO(name string) (*DAO, bool) {
	for _, ch := range d.schema.Children {
		if ch.Schema == name {
			return d.reg.daos[name], true
		}
	}
	return nil, false
}
