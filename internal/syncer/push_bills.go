package syncer

import (
	"context"

	"github.com/hyperengineering/fieldsync/internal/dao"
	"github.com/hyperengineering/fieldsync/internal/entity"
)

// replayBill replays a bill. A create carries its line items; an update
// replays each payment taken offline; deletes cannot be replayed.
func (e *Engine) replayBill(ctx context.Context, s *entity.Schema, d *dao.DAO, rec entity.Record) error {
	items := e.reg.MustDAO(entity.BillItems)
	payments := e.reg.MustDAO(entity.PaymentHistory)

	switch rec.SyncOp {
	case entity.OpCreate:
		if rec.Deleted {
			return e.ack(ctx, d, rec, rec.ID)
		}
		if err := e.checkRefs(s, rec); err != nil {
			return err
		}
		lines, err := items.ListChildren(ctx, rec.ID)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if err := e.checkRefs(items.Schema(), line); err != nil {
				return err
			}
		}
		paid, err := e.reg.Bills().PendingPayments(ctx, rec.ID)
		if err != nil {
			return err
		}

		rec.Children = map[string][]entity.Record{entity.BillItems: lines}
		created, err := e.remote.Create(ctx, s, e.catalog.Payload(s, rec), rec.ClientID)
		if err != nil {
			return err
		}
		serverID, err := remoteID(created)
		if err != nil {
			return err
		}
		if err := e.ack(ctx, d, rec, serverID); err != nil {
			return err
		}
		// Line items and payments folded into receivedPayment reached the
		// server with the bill.
		for _, line := range lines {
			if err := e.ack(ctx, items, line, line.ID); err != nil {
				return err
			}
		}
		for _, p := range paid {
			if err := e.ack(ctx, payments, p, p.ID); err != nil {
				return err
			}
		}
		return nil

	case entity.OpUpdate:
		if rec.ID.IsLocal() {
			return waitingFor(waitingForServerID)
		}
		paid, err := e.reg.Bills().PendingPayments(ctx, rec.ID)
		if err != nil {
			return err
		}
		for _, p := range paid {
			if p.Deleted {
				continue
			}
			if err := e.remote.RecordPayment(ctx, rec.ID.String(), p.Float("amount"), p.Text("note"), p.ClientID); err != nil {
				return err
			}
			if err := e.ack(ctx, payments, p, p.ID); err != nil {
				return err
			}
		}
		return e.ack(ctx, d, rec, rec.ID)

	case entity.OpDelete:
		if rec.ID.IsLocal() {
			return waitingFor(waitingForServerID)
		}
		return errDeleteUnsupported
	}
	return e.ack(ctx, d, rec, rec.ID)
}
