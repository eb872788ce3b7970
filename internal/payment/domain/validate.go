package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Violation is one broken invariant.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every invariant a record breaks.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "invariant violation: " + strings.Join(parts, "; ")
}

// Is matches ErrInvariantViolation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// Fields returns the violations keyed by field, for error responses.
func (e *ValidationError) Fields() map[string]string {
	out := make(map[string]string, len(e.Violations))
	for _, v := range e.Violations {
		if prev, ok := out[v.Field]; ok {
			out[v.Field] = prev + "; " + v.Message
			continue
		}
		out[v.Field] = v.Message
	}
	return out
}

type violations []Violation

func (vs *violations) add(field, format string, args ...any) {
	*vs = append(*vs, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the whole transaction aggregate and returns every violated
// invariant. An empty result means the record may be persisted.
func Validate(t *Transaction) []Violation {
	var vs violations

	if t.ID == "" {
		vs.add("id", "is required")
	}
	if t.PaymentID == "" {
		vs.add("payment", "is required")
	}
	if t.User == "" {
		vs.add("user", "is required")
	}
	if !t.Provider.valid() {
		vs.add("provider", "unknown provider %q", t.Provider)
	}
	if !t.Status.valid() {
		vs.add("status", "unknown status %q", t.Status)
	}
	if !t.Currency.IsSupported() {
		vs.add("currency", "unsupported currency %q", t.Currency)
	}

	items := t.Items
	for field, amount := range map[string]int64{
		"items.subtotal":          items.Subtotal,
		"items.shipping":          items.Shipping,
		"items.tax":               items.Tax,
		"items.shipping_discount": items.ShippingDiscount,
		"items.discount":          items.Discount,
	} {
		if amount < 0 {
			vs.add(field, "must not be negative")
		}
	}
	if t.Total < 0 {
		vs.add("total", "must not be negative")
	}
	if want := items.Total(); t.Total != want {
		vs.add("total", "must equal subtotal + shipping + tax - shipping_discount - discount (%d), got %d", want, t.Total)
	}

	for i, line := range items.Lines {
		field := fmt.Sprintf("items.lines[%d]", i)
		if line.Currency != t.Currency {
			vs.add(field+".currency", "must match transaction currency %q, got %q", t.Currency, line.Currency)
		}
		if line.Amount < 0 {
			vs.add(field+".amount", "must not be negative")
		}
		if line.Quantity < 1 {
			vs.add(field+".quantity", "must be at least 1")
		}
	}
	if len(items.Lines) > 0 && items.LinesTotal() != items.Subtotal {
		vs.add("items.subtotal", "must equal the sum of line amounts (%d), got %d", items.LinesTotal(), items.Subtotal)
	}

	if t.Paid && t.Status != StatusSucceeded && t.Status != StatusRefunded {
		vs.add("paid", "may only be set when status is succeeded or refunded, status is %s", t.Status)
	}
	if t.Status == StatusDeclined && t.Error == nil {
		vs.add("transaction_error", "is required when status is declined")
	}
	if t.Status == StatusRefunded && t.RefundID == "" {
		vs.add("refund", "is required when status is refunded")
	}
	if t.Status == StatusTransitory {
		if t.TransitoryExpires == nil {
			vs.add("transitory_expires", "is required when status is transitory")
		}
		if !t.Provider.RequiresApproval() {
			vs.add("status", "transitory is only valid for approval flows, provider is %s", t.Provider)
		}
	}

	// map iteration above is unordered
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].Field < vs[j].Field })
	return vs
}

// Check runs Validate and wraps any violations in a ValidationError.
func (t *Transaction) Check() error {
	if vs := Validate(t); len(vs) > 0 {
		return &ValidationError{Violations: vs}
	}
	return nil
}
