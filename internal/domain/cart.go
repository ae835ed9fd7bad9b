package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type CartStatus string

const (
	CartStatusActive   CartStatus = "active"
	CartStatusInactive CartStatus = "inactive"
)

func (s CartStatus) String() string {
	return string(s)
}

// Cart is a physical cart. Session starts at 1 and is bumped every time the
// cart is reactivated for a new shopper.
type Cart struct {
	ID              int64           `json:"id"`
	Status          CartStatus      `json:"status"`
	AggregateWeight decimal.Decimal `json:"aggregate_weight"`
	Session         int32           `json:"session"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (c *Cart) IsActive() bool {
	return c.Status == CartStatusActive
}

// CartLine is one product inside a cart. LineWeight is Quantity times the
// unit weight in effect at the latest increment.
type CartLine struct {
	ID         int64           `json:"id"`
	CartID     int64           `json:"cart_id"`
	ProductID  int64           `json:"product_id"`
	Quantity   int32           `json:"quantity"`
	LineWeight decimal.Decimal `json:"line_weight"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CartLineView is a cart line joined with the product fields the displays need.
type CartLineView struct {
	CartLine
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitWeight  decimal.Decimal `json:"unit_weight"`
	PhotoURL    string          `json:"photo_url,omitempty"`
}

// Subtotal is the line price at the current catalog price.
func (v CartLineView) Subtotal() decimal.Decimal {
	return v.UnitPrice.Mul(decimal.NewFromInt32(v.Quantity))
}

// CartView is the read model served to displays.
type CartView struct {
	Cart  Cart           `json:"cart"`
	Lines []CartLineView `json:"lines"`
}

// Clone returns a copy whose line slice is not shared with v.
func (v *CartView) Clone() *CartView {
	c := *v
	c.Lines = slices.Clone(v.Lines)
	return &c
}

// Total sums line subtotals at current prices.
func (v *CartView) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range v.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// ScanResult is returned by a successful scan.
type ScanResult struct {
	Line            CartLine        `json:"line"`
	ProductName     string          `json:"product_name"`
	AggregateWeight decimal.Decimal `json:"aggregate_weight"`
}

// SumLineWeights recomputes a cart aggregate from its lines.
func SumLineWeights(lines []CartLine) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.LineWeight)
	}
	return sum
}
