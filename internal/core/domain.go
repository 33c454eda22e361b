package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// Ticket lifecycle states. Image-sourced tickets start pending and
	// are promoted to completed once their products are classified.
	StatusPendingClassification = "pending_classification"
	StatusCompleted             = "completed"
	StatusCancelled             = "cancelled"
)

// UnclassifiedCategory is the sentinel bucket assigned to products
// ingested without an explicit category. It is created on first use.
const (
	UnclassifiedCategory         = "Unclassified"
	UnclassifiedCategoryKeywords = "unclassified, general, other"
)

type (
	// Category is a node of the self-referencing category tree.
	// Level is derived: 1 for roots, parent.Level+1 otherwise.
	Category struct {
		ID          int64     `db:"id"`
		Name        string    `db:"name"`
		Description string    `db:"description"`
		Keywords    string    `db:"keywords"`
		ParentID    *int64    `db:"parent_id"`
		Level       int       `db:"level"`
		Active      bool      `db:"active"`
		CreatedAt   time.Time `db:"created_at"`
	}

	// Product is a canonical purchasable item. Deduplication happens on
	// the composite display name, case-insensitively.
	Product struct {
		ID             int64           `db:"id"`
		Name           string          `db:"name"`
		Brand          string          `db:"brand"`
		ReferencePrice decimal.Decimal `db:"reference_price"`
		CategoryID     int64           `db:"category_id"`
		Active         bool            `db:"active"`
		CreatedAt      time.Time       `db:"created_at"`
	}

	// Ticket is a recorded purchase receipt with its line items.
	Ticket struct {
		ID            int64           `db:"id"`
		Number        string          `db:"number"`
		UserID        int64           `db:"user_id"`
		CreatedAt     time.Time       `db:"created_at"`
		Subtotal      decimal.Decimal `db:"subtotal"`
		Tax           decimal.Decimal `db:"tax"`
		Discount      decimal.Decimal `db:"discount"`
		Total         decimal.Decimal `db:"total"`
		PaymentMethod string          `db:"payment_method"`
		Notes         string          `db:"notes"`
		Status        string          `db:"status"`
		ImageRef      string          `db:"image_ref"`
		Items         []TicketItem    `db:"-"`
	}

	// TicketItem is one purchased line, owned by its ticket.
	TicketItem struct {
		ID        int64           `db:"id"`
		TicketID  int64           `db:"ticket_id"`
		ProductID int64           `db:"product_id"`
		Quantity  int             `db:"quantity"`
		UnitPrice decimal.Decimal `db:"unit_price"`
		Discount  decimal.Decimal `db:"discount"`
		Subtotal  decimal.Decimal `db:"subtotal"`
	}

	// User is a minimal view of the owning user; the engine only
	// checks existence, the user directory lives elsewhere.
	User struct {
		ID     int64  `db:"id"`
		Name   string `db:"name"`
		Email  string `db:"email"`
		Active bool   `db:"active"`
	}
)

// IsRoot reports whether the category has no parent.
func (c Category) IsRoot() bool {
	return c.ParentID == nil
}

// FullName returns the composite display name used as the product
// deduplication key: name plus " - brand" when a brand is present.
func (p Product) FullName() string {
	return ProductKey(p.Name, p.Brand)
}

// ProductKey builds the composite display name for a (name, brand) pair.
func ProductKey(name, brand string) string {
	if strings.TrimSpace(brand) == "" {
		return name
	}
	return name + " - " + brand
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Reason: "cannot be empty"}
	}
	if len(c.Name) > 100 {
		return &ValidationError{Field: "name", Reason: "too long (max 100 characters)"}
	}
	return nil
}

func (i TicketItem) Validate() error {
	if i.ProductID == 0 {
		return &ValidationError{Field: "product", Reason: "is required"}
	}
	if i.Quantity < 1 {
		return &ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}
	if !i.UnitPrice.IsPositive() {
		return &ValidationError{Field: "unit_price", Reason: "must be greater than zero"}
	}
	if i.Discount.IsNegative() {
		return &ValidationError{Field: "discount", Reason: "cannot be negative"}
	}
	return nil
}

// ComputeSubtotal derives the line subtotal: unit price times quantity
// minus the per-line discount.
func (i *TicketItem) ComputeSubtotal() {
	qty := decimal.NewFromInt(int64(i.Quantity))
	i.Subtotal = i.UnitPrice.Mul(qty).Sub(i.Discount)
}

// AddItem appends a line to the ticket, computing its subtotal.
func (t *Ticket) AddItem(item TicketItem) {
	item.ComputeSubtotal()
	t.Items = append(t.Items, item)
}

// ComputeTotals recomputes subtotal and total from the line items.
// Caller-supplied subtotals are always overridden; tax and discount
// default to zero.
func (t *Ticket) ComputeTotals() {
	subtotal := decimal.Zero
	for i := range t.Items {
		t.Items[i].ComputeSubtotal()
		subtotal = subtotal.Add(t.Items[i].Subtotal)
	}
	t.Subtotal = subtotal
	t.Total = subtotal.Add(t.Tax).Sub(t.Discount)
}

// ItemQuantity returns the summed quantity across all line items.
func (t Ticket) ItemQuantity() int64 {
	var n int64
	for _, item := range t.Items {
		n += int64(item.Quantity)
	}
	return n
}

func (t Ticket) Validate() error {
	if t.UserID == 0 {
		return &ValidationError{Field: "user", Reason: "is required"}
	}
	if len(t.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "ticket must have at least one line item"}
	}
	if t.Tax.IsNegative() {
		return &ValidationError{Field: "tax", Reason: "cannot be negative"}
	}
	if t.Discount.IsNegative() {
		return &ValidationError{Field: "discount", Reason: "cannot be negative"}
	}
	for _, item := range t.Items {
		if err := item.Validate(); err != nil {
			return err
		}
	}
	return nil
}
