package dao

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/store"
)

// Bill status values.
const (
	BillPending = "pending"
	BillPartial = "partial"
	BillPaid    = "paid"
)

// Bills groups operations that span bills and their payment history.
type Bills struct {
	reg      *Registry
	bills    *DAO
	payments *DAO
}

// AddPayment records a payment against a bill, recomputes the received and
// due amounts and the status, and queues both the payment and the bill for
// replay.
func (b *Bills) AddPayment(ctx context.Context, billID entity.ID, amount float64, note string) (entity.Record, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return entity.Record{}, fmt.Errorf("add payment: %w: amount must be positive", ErrInvalidValue)
	}

	err := b.reg.st.WithTx(ctx, func(tx store.DB) error {
		bill, err := b.bills.get(ctx, tx, billID.String())
		if err != nil {
			return err
		}
		if bill.Deleted {
			return fmt.Errorf("add payment %s: %w", billID, store.ErrNotFound)
		}

		due := bill.Float("due_amount")
		if amount > due+0.005 {
			return fmt.Errorf("add payment %s: %w: amount %.2f exceeds due %.2f", billID, ErrInvalidValue, amount, due)
		}

		now := b.reg.now()
		payment := b.payments.schema.WithDefaults(entity.Record{
			ID: entity.NewLocalID(),
			Fields: map[string]any{
				"bill_id": billID.String(),
				"amount":  amount,
				"paid_at": entity.FormatTime(now),
				"note":    note,
			},
		})
		payment.ClientID = payment.ID.String()
		payment.CreatedAt, payment.UpdatedAt = now, now
		payment.PendingSync = true
		payment.SyncOp = entity.OpCreate
		if _, err := tx.Run(ctx, b.payments.upsert, b.payments.schema.RowArgs(payment)...); err != nil {
			return fmt.Errorf("add payment %s: %w", billID, err)
		}

		received := bill.Float("received_payment") + amount
		due = math.Max(0, bill.Float("total_amount")-received)
		status := BillPartial
		if due <= 0.005 {
			due = 0
			status = BillPaid
		}
		bill.Set("received_payment", received)
		bill.Set("due_amount", due)
		bill.Set("status", status)
		bill.SyncOp = pendingOp(bill, entity.OpUpdate)
		bill.PendingSync = true
		bill.SyncError = ""
		bill.UpdatedAt = now
		if _, err := tx.Run(ctx, b.bills.upsert, b.bills.schema.RowArgs(bill)...); err != nil {
			return fmt.Errorf("add payment %s: %w", billID, err)
		}
		return nil
	})
	if err != nil {
		return entity.Record{}, err
	}
	return b.bills.GetByID(ctx, billID)
}

// DueTotalsByCustomer sums outstanding bill amounts per customer. With no
// ids every customer with a balance is returned.
func (b *Bills) DueTotalsByCustomer(ctx context.Context, customerIDs ...string) (map[string]float64, error) {
	query := "SELECT customer_id, SUM(due_amount) AS due FROM bills WHERE deleted = 0 AND due_amount > 0"
	args := make([]any, 0, len(customerIDs))
	if len(customerIDs) > 0 {
		query += " AND customer_id IN (?" + strings.Repeat(", ?", len(customerIDs)-1) + ")"
		for _, id := range customerIDs {
			args = append(args, id)
		}
	}
	query += " GROUP BY customer_id"

	rows, err := b.reg.st.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due totals: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, row := range rows {
		id, _ := row["customer_id"].(string)
		switch v := row["due"].(type) {
		case float64:
			out[id] = v
		case int64:
			out[id] = float64(v)
		}
	}
	return out, nil
}

// PendingPayments returns the payments of a bill that have not reached the server.
func (b *Bills) PendingPayments(ctx context.Context, billID entity.ID) ([]entity.Record, error) {
	all, err := b.payments.ListChildren(ctx, billID)
	if err != nil {
		return nil, err
	}
	var out []entity.Record
	for _, p := range all {
		if p.PendingSync {
			out = append(out, p)
		}
	}
	return out, nil
}
