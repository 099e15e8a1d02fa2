package syncer

import (
	"context"

	"github.com/hyperengineering/fieldsync/internal/dao"
	"github.com/hyperengineering/fieldsync/internal/entity"
)

// pushStock posts pending stock additions grouped by inventory item: serial
// numbers as a list, plain stock as a summed quantity. Only creates reach the
// server; other pending operations on stock rows are local bookkeeping.
func (e *Engine) pushStock(ctx context.Context, s *entity.Schema, d *dao.DAO, pending []entity.Record, stats *PushStats) error {
	items, _ := e.catalog.Lookup(entity.Items)

	var (
		order  []string
		groups = make(map[string][]entity.Record)
	)
	for _, rec := range pending {
		if rec.SyncOp != entity.OpCreate || rec.Deleted {
			if err := e.settle(ctx, d, rec, e.ack(ctx, d, rec, rec.ID), stats); err != nil {
				return err
			}
			continue
		}
		itemID := rec.Text(s.ParentColumn)
		if _, ok := groups[itemID]; !ok {
			order = append(order, itemID)
		}
		groups[itemID] = append(groups[itemID], rec)
	}

	for _, itemID := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		group := groups[itemID]

		var replayErr error
		if itemID == "" || items.ParseID(itemID).IsLocal() {
			replayErr = waitingFor(refLabel(e.catalog, entity.Items) + " sync")
		} else {
			replayErr = e.remote.AddStock(ctx, itemID, stockBody(s, group))
		}

		for _, rec := range group {
			err := replayErr
			if err == nil {
				err = e.ack(ctx, d, rec, rec.ID)
			}
			if err := e.settle(ctx, d, rec, err, stats); err != nil {
				return err
			}
		}
	}
	return nil
}

func stockBody(s *entity.Schema, group []entity.Record) map[string]any {
	if s.Name == entity.SerialNumbers {
		serials := make([]string, 0, len(group))
		for _, rec := range group {
			serials = append(serials, rec.Text("serial_no"))
		}
		return map[string]any{"serialNumbers": serials}
	}
	var qty float64
	for _, rec := range group {
		qty += rec.Float("qty")
	}
	return map[string]any{"stockQty": qty}
}
