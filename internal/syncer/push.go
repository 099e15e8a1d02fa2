package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/fieldsync/internal/auth"
	"github.com/hyperengineering/fieldsync/internal/dao"
	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/remote"
	"github.com/hyperengineering/fieldsync/internal/store"
)

const waitingForServerID = "server id"

// errDeleteUnsupported is recorded for deletes the remote API cannot replay.
var errDeleteUnsupported = errors.New("delete not supported")

// PushStats counts the outcome of one entity's push.
type PushStats struct {
	Entity   string `json:"entity"`
	Pushed   int    `json:"pushed"`
	Deferred int    `json:"deferred"`
	Failed   int    `json:"failed"`
	// NetworkFailures is the subset of Failed caused by transient errors.
	NetworkFailures int `json:"network_failures"`
}

// PushOrder returns the entities replayed by PushAll, parents before the
// records that reference them. Embedded children travel with their parent.
func (e *Engine) PushOrder() []string {
	var out []string
	for _, s := range e.catalog.All() {
		if s.Replay == entity.ReplayEmbedded {
			continue
		}
		out = append(out, s.Name)
	}
	return out
}

// PushAll replays every entity in dependency order. Failed records keep
// their sync error and do not stop later records or entities.
func (e *Engine) PushAll(ctx context.Context) ([]PushStats, error) {
	var out []PushStats
	for _, name := range e.PushOrder() {
		stats, err := e.PushEntity(ctx, name)
		out = append(out, stats)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// PushEntity replays the pending records of one entity. Per-record failures
// are recorded as sync errors and never end the pass; only missing
// authentication, storage failures and cancellation are returned.
func (e *Engine) PushEntity(ctx context.Context, name string) (PushStats, error) {
	v, err, _ := e.flight.Do("push:"+name, func() (any, error) {
		return e.pushEntity(ctx, name)
	})
	stats, _ := v.(PushStats)
	return stats, err
}

func (e *Engine) pushEntity(ctx context.Context, name string) (PushStats, error) {
	stats := PushStats{Entity: name}
	s, d, err := e.schema(name)
	if err != nil {
		return stats, err
	}

	pending, err := d.GetPending(ctx)
	if err != nil {
		return stats, err
	}
	if len(pending) == 0 {
		return stats, nil
	}

	if s.Replay == entity.ReplayStock {
		err = e.pushStock(ctx, s, d, pending, &stats)
	} else {
		for _, rec := range pending {
			if err = ctx.Err(); err != nil {
				break
			}
			var replayErr error
			if s.Replay == entity.ReplayBill {
				replayErr = e.replayBill(ctx, s, d, rec)
			} else {
				replayErr = e.replay(ctx, s, d, rec)
			}
			if err = e.settle(ctx, d, rec, replayErr, &stats); err != nil {
				break
			}
		}
	}

	e.logger.Info("push completed",
		"component", "syncer",
		"action", "push_complete",
		"entity", name,
		"pushed", stats.Pushed,
		"deferred", stats.Deferred,
		"failed", stats.Failed,
	)
	return stats, err
}

// replay sends one CRUD record to the remote API and acknowledges it locally.
func (e *Engine) replay(ctx context.Context, s *entity.Schema, d *dao.DAO, rec entity.Record) error {
	switch rec.SyncOp {
	case entity.OpCreate:
		if rec.Deleted {
			// Created and deleted before it ever reached the server.
			return e.ack(ctx, d, rec, rec.ID)
		}
		if err := e.checkRefs(s, rec); err != nil {
			return err
		}
		created, err := e.remote.Create(ctx, s, e.catalog.Payload(s, rec), rec.ClientID)
		if err != nil {
			return err
		}
		serverID, err := remoteID(created)
		if err != nil {
			return err
		}
		return e.ack(ctx, d, rec, serverID)

	case entity.OpUpdate:
		if rec.ID.IsLocal() {
			return waitingFor(waitingForServerID)
		}
		if err := e.checkRefs(s, rec); err != nil {
			return err
		}
		if err := e.remote.Update(ctx, s, rec.ID.String(), e.catalog.Payload(s, rec)); err != nil {
			return err
		}
		return e.ack(ctx, d, rec, rec.ID)

	case entity.OpDelete:
		if rec.ID.IsLocal() {
			return waitingFor(waitingForServerID)
		}
		if s.DeleteUnsupported {
			return errDeleteUnsupported
		}
		err := e.remote.Delete(ctx, s, rec.ID.String())
		var re *remote.Error
		if err != nil && !(errors.As(err, &re) && re.Status == 404) {
			return err
		}
		return e.ack(ctx, d, rec, rec.ID)
	}

	// Pending without an operation: nothing to replay.
	return e.ack(ctx, d, rec, rec.ID)
}

// ack clears the pending state of a pushed record, remapping it to serverID.
// A record already remapped by a concurrent pull is acknowledged.
func (e *Engine) ack(ctx context.Context, d *dao.DAO, rec entity.Record, serverID entity.ID) error {
	err := d.MarkSynced(ctx, rec.ID, serverID, dao.IfUnchangedSince(rec.UpdatedAt))
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("pushed record already reconciled",
			"component", "syncer",
			"entity", d.Schema().Name,
			"id", rec.ID.String(),
		)
		return nil
	}
	return err
}

// settle converts a replay outcome into stats and the record's sync error.
// It returns an error only when the pass must stop.
func (e *Engine) settle(ctx context.Context, d *dao.DAO, rec entity.Record, err error, stats *PushStats) error {
	if err == nil {
		stats.Pushed++
		return nil
	}

	switch {
	case errors.Is(err, auth.ErrAuthRequired),
		errors.Is(err, store.ErrStorageUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrIdentifierNotReady):
		stats.Deferred++
	default:
		stats.Failed++
		if errors.Is(err, remote.ErrNetworkUnavailable) {
			stats.NetworkFailures++
		}
	}

	e.logger.Warn("push deferred or failed",
		"component", "syncer",
		"action", "push_record",
		"entity", d.Schema().Name,
		"id", rec.ID.String(),
		"op", rec.SyncOp.String(),
		"error", err,
	)
	if markErr := d.MarkSyncError(ctx, rec.ID, remote.Reason(err)); markErr != nil && !errors.Is(markErr, store.ErrNotFound) {
		return markErr
	}
	return nil
}

// checkRefs defers a record whose payload references a row whose create has
// not been acknowledged yet. Columns kept only locally are not checked.
func (e *Engine) checkRefs(s *entity.Schema, rec entity.Record) error {
	for _, f := range s.Fields {
		if len(f.Refs) == 0 || !f.Push {
			continue
		}
		v := rec.Text(f.Column)
		if v == "" {
			continue
		}
		for _, name := range f.Refs {
			target, ok := e.catalog.Lookup(name)
			if !ok {
				continue
			}
			if target.ParseID(v).IsLocal() {
				return waitingFor(refLabel(e.catalog, f.Refs[0]) + " sync")
			}
		}
	}
	return nil
}

// refLabel names an entity in user-facing sync errors.
func refLabel(c *entity.Catalog, name string) string {
	if s, ok := c.Lookup(name); ok && s.RemoteKey != "" {
		return s.RemoteKey
	}
	return name
}

func remoteID(p map[string]any) (entity.ID, error) {
	for _, k := range []string{"_id", "id"} {
		if v, ok := p[k]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return entity.RemoteID(s), nil
			}
		}
	}
	return entity.ID{}, &remote.Error{Status: 200, Message: "created record has no id"}
}
