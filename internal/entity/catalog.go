package entity

import (
	"fmt"
)

// Entity names.
const (
	Customers      = "customers"
	WorkOrders     = "work_orders"
	Bills          = "bills"
	BillItems      = "bill_items"
	PaymentHistory = "payment_history"
	Items          = "items"
	SerialNumbers  = "serial_numbers"
	StockHistory   = "stock_history"
	Services       = "services"
	BankAccounts   = "bank_accounts"
)

// Reference is a column holding identifiers of another entity.
type Reference struct {
	Table  string
	Column string
}

// Catalog is the set of schemas the engine synchronizes. Registration order
// is the push dependency order.
type Catalog struct {
	schemas map[string]*Schema
	order   []*Schema
}

// NewCatalog validates and indexes schemas.
func NewCatalog(schemas ...*Schema) (*Catalog, error) {
	c := &Catalog{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		if s.Name == "" {
			return nil, fmt.Errorf("schema without name")
		}
		if _, exists := c.schemas[s.Name]; exists {
			return nil, fmt.Errorf("schema already registered: %s", s.Name)
		}
		s.index()
		c.schemas[s.Name] = s
		c.order = append(c.order, s)
	}

	for _, s := range c.order {
		for _, ch := range s.Children {
			cs, ok := c.schemas[ch.Schema]
			if !ok {
				return nil, fmt.Errorf("%s: unknown child schema %s", s.Name, ch.Schema)
			}
			if cs.ParentColumn == "" {
				return nil, fmt.Errorf("%s: child schema %s has no parent column", s.Name, ch.Schema)
			}
		}
		for _, f := range s.Fields {
			for _, ref := range f.Refs {
				if _, ok := c.schemas[ref]; !ok {
					return nil, fmt.Errorf("%s.%s: unknown referenced schema %s", s.Name, f.Column, ref)
				}
			}
		}
	}
	return c, nil
}

// Lookup returns the schema registered under name.
func (c *Catalog) Lookup(name string) (*Schema, bool) {
	s, ok := c.schemas[name]
	return s, ok
}

// All returns every schema in push dependency order.
func (c *Catalog) All() []*Schema {
	out := make([]*Schema, len(c.order))
	copy(out, c.order)
	return out
}

// Core returns the schemas whose emptiness decides whether a device needs
// its initial pull.
func (c *Catalog) Core() []*Schema {
	var out []*Schema
	for _, s := range c.order {
		if s.Core {
			out = append(out, s)
		}
	}
	return out
}

// References returns every column, in any schema, that holds identifiers of target.
func (c *Catalog) References(target string) []Reference {
	var refs []Reference
	for _, s := range c.order {
		for _, f := range s.Fields {
			for _, r := range f.Refs {
				if r == target {
					refs = append(refs, Reference{Table: s.Name, Column: f.Column})
				}
			}
		}
	}
	return refs
}

// Parent returns the schema that nests child, with the nesting declaration.
func (c *Catalog) Parent(child string) (*Schema, Child, bool) {
	for _, s := range c.order {
		for _, ch := range s.Children {
			if ch.Schema == child {
				return s, ch, true
			}
		}
	}
	return nil, Child{}, false
}

// FromRemote decodes a remote payload of schema s, including nested children.
// Children without an id get one derived from the parent id and the child's
// key column (or position) so repeated pulls stay idempotent.
func (c *Catalog) FromRemote(s *Schema, p map[string]any) (Record, error) {
	rec, err := s.fromRemote(p, "")
	if err != nil {
		return Record{}, err
	}

	for _, ch := range s.Children {
		raw, ok := p[ch.RemoteKey].([]any)
		if !ok {
			continue
		}
		cs := c.schemas[ch.Schema]
		children := make([]Record, 0, len(raw))
		for i, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key := fmt.Sprint(i)
			if ch.KeyColumn != "" {
				if f, ok := cs.Field(ch.KeyColumn); ok {
					if v, ok := lookup(m, f); ok && v != nil {
						key = toText(v)
					}
				}
			}
			child, err := cs.fromRemote(m, fmt.Sprintf("%s:%s:%s", rec.ID, ch.Schema, key))
			if err != nil {
				return Record{}, err
			}
			child.Set(cs.ParentColumn, rec.ID.String())
			if child.UpdatedAt.IsZero() {
				child.UpdatedAt = rec.UpdatedAt
			}
			if child.CreatedAt.IsZero() {
				child.CreatedAt = rec.CreatedAt
			}
			child.Deleted = child.Deleted || rec.Deleted
			children = append(children, child)
		}
		if rec.Children == nil {
			rec.Children = make(map[string][]Record)
		}
		rec.Children[ch.Schema] = children
	}
	return rec, nil
}

// Payload builds the remote request body for rec. Embedded children are
// included under their push key; deleted children are left out.
func (c *Catalog) Payload(s *Schema, rec Record) map[string]any {
	out := make(map[string]any, len(s.Fields)+2)
	for _, f := range s.Fields {
		if !f.Push {
			continue
		}
		out[f.pushName()] = rec.Fields[f.Column]
	}
	if rec.ClientID != "" {
		out["clientId"] = rec.ClientID
	}
	for _, ch := range s.Children {
		if ch.PushKey == "" {
			continue
		}
		cs := c.schemas[ch.Schema]
		items := make([]map[string]any, 0, len(rec.Children[ch.Schema]))
		for _, cr := range rec.Children[ch.Schema] {
			if cr.Deleted {
				continue
			}
			items = append(items, c.Payload(cs, cr))
		}
		out[ch.PushKey] = items
	}
	return out
}

// Default returns the field-service catalogue.
func Default() *Catalog {
	c, err := NewCatalog(
		customersSchema(),
		itemsSchema(),
		servicesSchema(),
		bankAccountsSchema(),
		workOrdersSchema(),
		billsSchema(),
		billItemsSchema(),
		paymentHistorySchema(),
		serialNumbersSchema(),
		stockHistorySchema(),
	)
	if err != nil {
		panic(fmt.Sprintf("default catalog: %v", err))
	}
	return c
}

func text(col string, remote ...string) Field {
	return Field{Column: col, Remote: remote, Kind: KindText, Default: ""}
}

func number(col string, remote ...string) Field {
	return Field{Column: col, Remote: remote, Kind: KindReal, Default: float64(0)}
}

func flag(col string, remote ...string) Field {
	return Field{Column: col, Remote: remote, Kind: KindBool, Default: false}
}

func ref(col string, refs []string, remote ...string) Field {
	return Field{Column: col, Remote: remote, Kind: KindText, Refs: refs}
}

func stamp(col string, remote ...string) Field {
	return Field{Column: col, Remote: remote, Kind: KindTime}
}

func nullableText(col string, remote ...string) Field {
	return Field{Column: col, Remote: remote, Kind: KindText}
}

// synced fields are sent to the remote API and editable locally.
func synced(f Field) Field {
	f.Push = true
	f.Editable = true
	return f
}

// pushed fields are sent on create only.
func pushed(f Field) Field {
	f.Push = true
	return f
}

func required(f Field) Field {
	f.Required = true
	return f
}

func searchable(f Field) Field {
	f.Search = true
	return f
}

func editable(f Field) Field {
	f.Editable = true
	return f
}

func withDefault(f Field, v any) Field {
	f.Default = v
	return f
}

func customersSchema() *Schema {
	return &Schema{
		Name:      Customers,
		RemoteKey: "customer",
		ListKey:   "customers",
		Fields: []Field{
			required(searchable(synced(text("customer_name", "customerName")))),
			searchable(synced(text("phone_number", "phoneNumber"))),
			synced(text("whatsapp_number", "whatsappNumber")),
			synced(text("address")),
			nullableText("created_by", "createdBy"),
		},
		Endpoints: Endpoints{
			Create: "/api/customer",
			Item:   "/api/customer",
			Lists:  []string{"/api/customers"},
		},
		Core: true,
	}
}

func workOrdersSchema() *Schema {
	return &Schema{
		Name:      WorkOrders,
		RemoteKey: "workOrder",
		ListKey:   "workOrders",
		Fields: []Field{
			required(synced(ref("customer_id", []string{Customers}, "customerId", "customer"))),
			searchable(text("work_order_number", "workOrderNumber")),
			synced(text("note")),
			synced(nullableText("schedule_date", "scheduleDate")),
			synced(flag("has_scheduled_time", "hasScheduledTime")),
			synced(text("schedule_time", "scheduleTime")),
			synced(withDefault(text("status"), "pending")),
			editable(stamp("completed_at", "completedAt")),
			flag("notification_sent", "notificationSent"),
			editable(ref("bill_id", []string{Bills}, "billId", "bill")),
			nullableText("created_by", "createdBy"),
		},
		Endpoints: Endpoints{
			Create: "/api/workorder",
			Item:   "/api/workorder",
			Lists:  []string{"/api/workorders/pending", "/api/workorders/completed"},
		},
		Core: true,
	}
}

func billsSchema() *Schema {
	return &Schema{
		Name:      Bills,
		RemoteKey: "bill",
		ListKey:   "bills",
		Fields: []Field{
			required(pushed(ref("customer_id", []string{Customers}, "customerId", "customer"))),
			searchable(text("bill_number", "billNumber")),
			number("subtotal"),
			pushed(number("discount")),
			number("total_amount", "totalAmount"),
			pushed(number("received_payment", "receivedPayment")),
			number("due_amount", "dueAmount"),
			pushed(withDefault(text("payment_method", "paymentMethod"), "cash")),
			withDefault(text("status"), "pending"),
			pushed(ref("work_order_id", []string{WorkOrders}, "workOrderId", "workOrder")),
			nullableText("created_by", "createdBy"),
		},
		TempPrefixes: []string{"bill-"},
		OrderBy:      ColCreatedAt,
		Children: []Child{
			{Schema: BillItems, RemoteKey: "items", PushKey: "items"},
			{Schema: PaymentHistory, RemoteKey: "paymentHistory", ReplayViaParent: true},
		},
		Endpoints: Endpoints{
			Create: "/api/bill",
			Item:   "/api/bill",
			Lists:  []string{"/api/bills"},
		},
		Replay:            ReplayBill,
		Core:              true,
		DeleteUnsupported: true,
	}
}

func billItemsSchema() *Schema {
	return &Schema{
		Name: BillItems,
		Fields: []Field{
			ref("bill_id", []string{Bills}, "billId"),
			pushed(text("item_type", "itemType")),
			pushed(ref("item_id", []string{Items, Services}, "itemId", "item")),
			editable(text("item_name", "itemName")),
			pushed(nullableText("serial_number", "serialNumber")),
			pushed(withDefault(number("qty"), float64(1))),
			editable(number("price")),
			editable(number("purchase_price", "purchasePrice")),
			editable(number("amount")),
		},
		ParentColumn: "bill_id",
		Replay:       ReplayEmbedded,
	}
}

func paymentHistorySchema() *Schema {
	return &Schema{
		Name: PaymentHistory,
		Fields: []Field{
			ref("bill_id", []string{Bills}, "billId"),
			pushed(number("amount")),
			editable(stamp("paid_at", "paidAt")),
			pushed(text("note")),
		},
		OrderBy:      ColCreatedAt,
		ParentColumn: "bill_id",
		Replay:       ReplayEmbedded,
	}
}

func itemsSchema() *Schema {
	return &Schema{
		Name:      Items,
		RemoteKey: "item",
		ListKey:   "items",
		Fields: []Field{
			required(synced(text("item_type", "itemType"))),
			required(searchable(synced(text("item_name", "itemName")))),
			synced(text("unit")),
			synced(text("warranty")),
			synced(number("mrp")),
			synced(number("purchase_price", "purchasePrice")),
			synced(number("sale_price", "salePrice")),
			number("stock_qty", "stockQty"),
			nullableText("created_by", "createdBy"),
		},
		Children: []Child{
			{Schema: SerialNumbers, RemoteKey: "serialNumbers", KeyColumn: "serial_no"},
			{Schema: StockHistory, RemoteKey: "stockHistory"},
		},
		Endpoints: Endpoints{
			Create: "/api/inventory/item",
			Item:   "/api/inventory/item",
			Lists:  []string{"/api/inventory/items"},
		},
		Core: true,
	}
}

func serialNumbersSchema() *Schema {
	return &Schema{
		Name: SerialNumbers,
		Fields: []Field{
			ref("item_id", []string{Items}, "itemId"),
			required(searchable(pushed(text("serial_no", "serialNo", "serialNumber")))),
			editable(withDefault(text("status"), "available")),
			editable(nullableText("customer_name", "customerName")),
			editable(nullableText("bill_number", "billNumber")),
			stamp("added_at", "addedAt"),
		},
		ParentColumn: "item_id",
		Replay:       ReplayStock,
	}
}

func stockHistorySchema() *Schema {
	return &Schema{
		Name: StockHistory,
		Fields: []Field{
			ref("item_id", []string{Items}, "itemId"),
			required(pushed(number("qty"))),
			stamp("added_at", "addedAt"),
		},
		ParentColumn: "item_id",
		Replay:       ReplayStock,
	}
}

func servicesSchema() *Schema {
	return &Schema{
		Name:      Services,
		RemoteKey: "service",
		ListKey:   "services",
		Fields: []Field{
			required(searchable(synced(text("service_name", "serviceName")))),
			synced(number("service_price", "servicePrice")),
			nullableText("created_by", "createdBy"),
		},
		Endpoints: Endpoints{
			Create: "/api/inventory/service",
			Item:   "/api/inventory/service",
			Lists:  []string{"/api/inventory/services"},
		},
	}
}

func bankAccountsSchema() *Schema {
	return &Schema{
		Name:      BankAccounts,
		RemoteKey: "bankAccount",
		ListKey:   "bankAccounts",
		Fields: []Field{
			required(searchable(synced(text("bank_name", "bankName")))),
			synced(text("account_number", "accountNumber")),
			synced(text("ifsc_code", "ifscCode")),
			synced(text("account_holder_name", "accountHolderName")),
			synced(text("upi_id", "upiId")),
			synced(flag("is_primary", "isPrimary")),
			nullableText("created_by", "createdBy"),
		},
		Endpoints: Endpoints{
			Create: "/api/bank-account",
			Item:   "/api/bank-account",
			Lists:  []string{"/api/bank-accounts"},
		},
	}
}
