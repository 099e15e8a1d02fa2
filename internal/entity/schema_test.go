package entity

import (
	"errors"
	"testing"
	"time"
)

func TestFormatTime_SortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 100_000_000, time.UTC)
	b := time.Date(2026, 1, 2, 3, 4, 5, 120_000_000, time.UTC)

	if !(FormatTime(a) < FormatTime(b)) {
		t.Errorf("FormatTime(%v) = %q should sort before %q", a, FormatTime(a), FormatTime(b))
	}
	if FormatTime(time.Time{}) != "" {
		t.Errorf("FormatTime(zero) = %q, want empty", FormatTime(time.Time{}))
	}
}

func TestParseTime_AcceptsRemoteLayouts(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, s := range []string{"2026-03-01T10:00:00.000Z", "2026-03-01T10:00:00Z", "2026-03-01T15:30:00+05:30"} {
		got, err := ParseTime(s)
		if err != nil {
			t.Fatalf("ParseTime(%q): %v", s, err)
		}
		if !got.Equal(want) {
			t.Errorf("ParseTime(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestFromRemote_MapsCamelCaseAndNestedRefs(t *testing.T) {
	c := Default()
	s, _ := c.Lookup(WorkOrders)

	rec, err := c.FromRemote(s, map[string]any{
		"_id":              "wo-1",
		"customer":         map[string]any{"_id": "cust-9", "customerName": "Asha"},
		"workOrderNumber":  "WO-0042",
		"hasScheduledTime": true,
		"status":           "completed",
		"updatedAt":        "2026-02-01T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("FromRemote: %v", err)
	}

	if rec.ID.String() != "wo-1" || rec.ID.IsLocal() {
		t.Errorf("ID = %v (local=%v), want remote wo-1", rec.ID, rec.ID.IsLocal())
	}
	if got := rec.Text("customer_id"); got != "cust-9" {
		t.Errorf("customer_id = %q, want cust-9", got)
	}
	if got := rec.Text("work_order_number"); got != "WO-0042" {
		t.Errorf("work_order_number = %q, want WO-0042", got)
	}
	if !rec.Bool("has_scheduled_time") {
		t.Error("has_scheduled_time = false, want true")
	}
	if _, ok := rec.Fields["note"]; ok {
		t.Error("absent remote field should not be set")
	}
	if rec.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not parsed")
	}
}

func TestFromRemote_MissingID(t *testing.T) {
	c := Default()
	s, _ := c.Lookup(Customers)

	_, err := c.FromRemote(s, map[string]any{"customerName": "No Id"})
	if !errors.Is(err, ErrMissingID) {
		t.Errorf("err = %v, want ErrMissingID", err)
	}
}

func TestFromRemote_ChildrenGetStableIDs(t *testing.T) {
	c := Default()
	s, _ := c.Lookup(Items)
	payload := map[string]any{
		"_id":           "item-1",
		"itemName":      "Router",
		"updatedAt":     "2026-02-01T09:00:00Z",
		"serialNumbers": []any{map[string]any{"serialNo": "SN-1"}, map[string]any{"serialNo": "SN-2"}},
		"stockHistory":  []any{map[string]any{"qty": 5.0}},
	}

	first, err := c.FromRemote(s, payload)
	if err != nil {
		t.Fatalf("FromRemote: %v", err)
	}
	second, _ := c.FromRemote(s, payload)

	serials := first.Children[SerialNumbers]
	if len(serials) != 2 {
		t.Fatalf("serials = %d, want 2", len(serials))
	}
	if serials[0].ID.String() != "item-1:serial_numbers:SN-1" {
		t.Errorf("serial id = %q, want item-1:serial_numbers:SN-1", serials[0].ID)
	}
	if serials[0].Text("item_id") != "item-1" {
		t.Errorf("serial item_id = %q, want item-1", serials[0].Text("item_id"))
	}
	if !serials[0].UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("child without timestamp should inherit parent updated_at")
	}
	if second.Children[StockHistory][0].ID != first.Children[StockHistory][0].ID {
		t.Error("derived child ids differ between pulls")
	}
}

func TestPayload_UsesRemoteNamesAndEmbedsItems(t *testing.T) {
	c := Default()
	bills, _ := c.Lookup(Bills)
	rec := Record{
		ID:       NewLocalID(),
		ClientID: "client-abc",
		Fields: map[string]any{
			"customer_id":      "cust-1",
			"discount":         10.0,
			"received_payment": 50.0,
			"payment_method":   "upi",
			"total_amount":     200.0,
		},
		Children: map[string][]Record{
			BillItems: {
				{Fields: map[string]any{"item_type": "item", "item_id": "item-1", "qty": 2.0}},
				{Fields: map[string]any{"item_type": "item", "item_id": "item-2"}, Deleted: true},
			},
		},
	}

	p := c.Payload(bills, rec)

	if p["customerId"] != "cust-1" || p["paymentMethod"] != "upi" || p["clientId"] != "client-abc" {
		t.Errorf("payload = %v", p)
	}
	if _, ok := p["totalAmount"]; ok {
		t.Error("server-computed totalAmount should not be pushed")
	}
	items, ok := p["items"].([]map[string]any)
	if !ok || len(items) != 1 {
		t.Fatalf("items = %v, want one non-deleted item", p["items"])
	}
	if items[0]["itemId"] != "item-1" {
		t.Errorf("items[0].itemId = %v, want item-1", items[0]["itemId"])
	}
}

func TestRowArgs_RecordFromRow_RoundTrip(t *testing.T) {
	c := Default()
	s, _ := c.Lookup(BankAccounts)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := s.WithDefaults(Record{
		ID:          NewLocalID(),
		Fields:      map[string]any{"bank_name": "SBI", "is_primary": true},
		CreatedAt:   now,
		UpdatedAt:   now,
		PendingSync: true,
		SyncOp:      OpCreate,
	})
	rec.ClientID = rec.ID.String()

	row := make(map[string]any)
	for i, col := range s.Columns() {
		row[col] = s.RowArgs(rec)[i]
	}
	got, err := s.RecordFromRow(row)
	if err != nil {
		t.Fatalf("RecordFromRow: %v", err)
	}

	if !got.ID.IsLocal() || got.ID != rec.ID {
		t.Errorf("ID = %v, want local %v", got.ID, rec.ID)
	}
	if !got.Bool("is_primary") {
		t.Error("is_primary = false, want true")
	}
	if got.Text("upi_id") != "" {
		t.Errorf("upi_id = %q, want default empty", got.Text("upi_id"))
	}
	if got.SyncOp != OpCreate || !got.PendingSync {
		t.Errorf("envelope = %v/%v, want create/pending", got.SyncOp, got.PendingSync)
	}
}

func TestNewCatalog_RejectsUnknownReference(t *testing.T) {
	_, err := NewCatalog(&Schema{
		Name:   "orders",
		Fields: []Field{ref("customer_id", []string{"customers"})},
	})
	if err == nil {
		t.Error("NewCatalog err = nil, want unknown reference error")
	}
}

func TestCatalog_References(t *testing.T) {
	c := Default()

	refs := c.References(Bills)
	want := map[Reference]bool{
		{Table: WorkOrders, Column: "bill_id"}:     true,
		{Table: BillItems, Column: "bill_id"}:      true,
		{Table: PaymentHistory, Column: "bill_id"}: true,
	}
	if len(refs) != len(want) {
		t.Fatalf("References(bills) = %v, want %d entries", refs, len(want))
	}
	for _, r := range refs {
		if !want[r] {
			t.Errorf("unexpected reference %v", r)
		}
	}
}

func TestCatalog_CoreTables(t *testing.T) {
	var names []string
	for _, s := range Default().Core() {
		names = append(names, s.Name)
	}
	want := []string{Customers, Items, WorkOrders, Bills}
	if len(names) != len(want) {
		t.Fatalf("Core() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Core()[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}
