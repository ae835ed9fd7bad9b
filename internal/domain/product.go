package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog item carrying a unique RFID tag.
type Product struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	RFIDTag    string          `json:"rfid_tag"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	UnitWeight decimal.Decimal `json:"unit_weight"` // kg
	StockCount int32           `json:"stock_count"`
	PhotoURL   string          `json:"photo_url,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// InStock reports whether at least one unit can be scanned.
func (p *Product) InStock() bool {
	return p.StockCount > 0
}
