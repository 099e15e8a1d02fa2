package validation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// MaxTextLength bounds every text field accepted from the local API.
const MaxTextLength = 2000

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if math.IsNaN(value) || value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

// enums lists the closed value sets of text columns, keyed by entity then
// column.
var enums = map[string]map[string][]string{
	entity.Items:      {"item_type": {"generic", "serialized"}},
	entity.BillItems:  {"item_type": {"generic", "serialized", "service"}},
	entity.Bills:      {"payment_method": {"cash", "upi"}},
	entity.WorkOrders: {"status": {"pending", "completed"}},
}

// ValidateFields checks the text values of a create or update body against
// the schema. On create every required field must be present.
func ValidateFields(s *entity.Schema, prefix string, fields map[string]any, create bool) []ValidationError {
	var c Collector

	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	for _, col := range cols {
		name := prefix + col
		str, ok := fields[col].(string)
		if !ok {
			continue
		}
		c.Add(ValidateUTF8(name, str))
		c.Add(ValidateNoNullBytes(name, str))
		c.Add(ValidateMaxLength(name, str, MaxTextLength))
		if allowed, ok := enums[s.Name][col]; ok {
			c.Add(ValidateEnum(name, str, allowed))
		}
	}

	if create {
		for _, f := range s.Fields {
			if !f.Required {
				continue
			}
			v, ok := fields[f.Column]
			if !ok || v == nil {
				c.Add(&ValidationError{Field: prefix + f.Column, Message: "is required"})
				continue
			}
			if str, ok := v.(string); ok {
				c.Add(ValidateRequired(prefix+f.Column, str))
			}
		}
	}
	return c.Errors()
}

// ValidateCreate checks a create body including its nested children.
func ValidateCreate(c *entity.Catalog, s *entity.Schema, req types.CreateRequest) []ValidationError {
	var errs []ValidationError
	if req.ID != "" {
		var col Collector
		col.Add(ValidateNoNullBytes("id", req.ID))
		col.Add(ValidateMaxLength("id", req.ID, 128))
		errs = append(errs, col.Errors()...)
	}
	errs = append(errs, ValidateFields(s, "", req.Fields, true)...)

	names := make([]string, 0, len(req.Children))
	for name := range req.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cs, ok := c.Lookup(name)
		if !ok || !hasChild(s, name) {
			errs = append(errs, ValidationError{Field: "children." + name, Message: "is not a child of " + s.Name})
			continue
		}
		for i, child := range req.Children[name] {
			prefix := fmt.Sprintf("children.%s[%d].", name, i)
			errs = append(errs, ValidateFields(cs, prefix, child, false)...)
		}
	}
	return errs
}

// ValidatePayment checks a payment body.
func ValidatePayment(req types.PaymentRequest) []ValidationError {
	var c Collector
	if req.Amount <= 0 || math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
		c.Add(&ValidationError{Field: "amount", Message: "must be greater than 0"})
	}
	c.Add(ValidateUTF8("note", req.Note))
	c.Add(ValidateNoNullBytes("note", req.Note))
	c.Add(ValidateMaxLength("note", req.Note, MaxTextLength))
	return c.Errors()
}

func hasChild(s *entity.Schema, name string) bool {
	for _, ch := range s.Children {
		if ch.Schema == name {
			return true
		}
	}
	return false
}
