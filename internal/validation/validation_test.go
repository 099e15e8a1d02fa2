package validation

import (
	"strings"
	"testing"

	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// --- Primitive validators ---

func TestValidateUTF8(t *testing.T) {
	if err := ValidateUTF8("field", "Hello, 世界"); err != nil {
		t.Errorf("ValidateUTF8(valid) = %v, want nil", err)
	}
	err := ValidateUTF8("content", string([]byte{0xff, 0xfe}))
	if err == nil || err.Field != "content" {
		t.Errorf("ValidateUTF8(invalid) = %v, want error on content", err)
	}
}

func TestValidateNoNullBytes(t *testing.T) {
	if err := ValidateNoNullBytes("field", "clean"); err != nil {
		t.Errorf("ValidateNoNullBytes(clean) = %v, want nil", err)
	}
	if err := ValidateNoNullBytes("field", "bad\x00value"); err == nil {
		t.Error("ValidateNoNullBytes(null) = nil, want error")
	}
}

func TestValidateMaxLength(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		max     int
		wantErr bool
	}{
		{"under", "abc", 5, false},
		{"exact", "abcde", 5, false},
		{"over", "abcdef", 5, true},
		{"runes not bytes", "世界世界世", 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMaxLength("field", tt.value, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMaxLength(%q, %d) = %v, wantErr %v", tt.value, tt.max, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRequired(t *testing.T) {
	for _, v := range []string{"", "   ", "\t\n"} {
		if err := ValidateRequired("field", v); err == nil {
			t.Errorf("ValidateRequired(%q) = nil, want error", v)
		}
	}
	if err := ValidateRequired("field", "x"); err != nil {
		t.Errorf("ValidateRequired(x) = %v, want nil", err)
	}
}

func TestValidateEnum(t *testing.T) {
	allowed := []string{"cash", "upi"}
	if err := ValidateEnum("payment_method", "upi", allowed); err != nil {
		t.Errorf("ValidateEnum(upi) = %v, want nil", err)
	}
	err := ValidateEnum("payment_method", "cheque", allowed)
	if err == nil || !strings.Contains(err.Message, "cash, upi") {
		t.Errorf("ValidateEnum(cheque) = %v, want list of allowed values", err)
	}
}

func TestValidateRange(t *testing.T) {
	if err := ValidateRange("qty", 5, 0, 10); err != nil {
		t.Errorf("ValidateRange(5) = %v, want nil", err)
	}
	if err := ValidateRange("qty", 11, 0, 10); err == nil {
		t.Error("ValidateRange(11) = nil, want error")
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	c.Add(nil)
	if c.HasErrors() {
		t.Fatal("HasErrors() = true after nil add")
	}
	c.Add(&ValidationError{Field: "a", Message: "bad"})
	c.Add(&ValidationError{Field: "b", Message: "bad"})
	if len(c.Errors()) != 2 {
		t.Errorf("Errors() = %d, want 2", len(c.Errors()))
	}
}

// --- Record validation ---

func schema(t *testing.T, name string) *entity.Schema {
	t.Helper()
	s, ok := entity.Default().Lookup(name)
	if !ok {
		t.Fatalf("no schema %s", name)
	}
	return s
}

func fields(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestValidateFields_RequiredOnCreateOnly(t *testing.T) {
	s := schema(t, entity.Customers)

	errs := ValidateFields(s, "", map[string]any{"phone_number": "555"}, true)
	if got := fields(errs); len(got) != 1 || got[0] != "customer_name" {
		t.Errorf("create errors = %v, want [customer_name]", got)
	}

	if errs := ValidateFields(s, "", map[string]any{"phone_number": "555"}, false); len(errs) != 0 {
		t.Errorf("update errors = %v, want none", errs)
	}
}

func TestValidateFields_BlankRequiredRejected(t *testing.T) {
	errs := ValidateFields(schema(t, entity.Customers), "", map[string]any{"customer_name": "  "}, true)
	if len(errs) != 1 {
		t.Errorf("errors = %v, want one", errs)
	}
}

func TestValidateFields_Enums(t *testing.T) {
	s := schema(t, entity.WorkOrders)
	errs := ValidateFields(s, "", map[string]any{"status": "archived"}, false)
	if got := fields(errs); len(got) != 1 || got[0] != "status" {
		t.Errorf("errors = %v, want [status]", got)
	}
	if errs := ValidateFields(s, "", map[string]any{"status": "completed"}, false); len(errs) != 0 {
		t.Errorf("errors = %v, want none", errs)
	}
}

func TestValidateFields_TextHygiene(t *testing.T) {
	errs := ValidateFields(schema(t, entity.Customers), "", map[string]any{
		"address":      strings.Repeat("x", MaxTextLength+1),
		"phone_number": "12\x0034",
	}, false)
	if got := fields(errs); len(got) != 2 || got[0] != "address" || got[1] != "phone_number" {
		t.Errorf("errors = %v, want address and phone_number", got)
	}
}

func TestValidateCreate_Children(t *testing.T) {
	c := entity.Default()
	s := schema(t, entity.Bills)

	errs := ValidateCreate(c, s, types.CreateRequest{
		Fields: map[string]any{"customer_id": "c1"},
		Children: map[string][]map[string]any{
			entity.BillItems: {{"item_id": "i1", "item_type": "widget"}},
			entity.Customers: {{"customer_name": "nested"}},
		},
	})

	got := fields(errs)
	want := []string{"children.bill_items[0].item_type", "children.customers"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("errors = %v, want %v", got, want)
	}
}

func TestValidatePayment(t *testing.T) {
	tests := []struct {
		name    string
		req     types.PaymentRequest
		wantErr bool
	}{
		{"valid", types.PaymentRequest{Amount: 10, Note: "cash"}, false},
		{"zero", types.PaymentRequest{Amount: 0}, true},
		{"negative", types.PaymentRequest{Amount: -5}, true},
		{"null byte note", types.PaymentRequest{Amount: 5, Note: "a\x00"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidatePayment(tt.req)
			if (len(errs) > 0) != tt.wantErr {
				t.Errorf("ValidatePayment() = %v, wantErr %v", errs, tt.wantErr)
			}
		})
	}
}
