package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/store"
	"github.com/shopspring/decimal"
)

const (
	DefaultTransactionLimit = 50
	MaxTransactionLimit     = 200
)

type ProductInput struct {
	Name       string
	RFIDTag    string
	UnitPrice  decimal.Decimal
	UnitWeight decimal.Decimal
	StockCount int32
	PhotoURL   string
}

// ProductUpdate carries the catalog fields to change; nil fields are left alone.
// Stock is deliberately absent, it only moves through scans and Restock.
type ProductUpdate struct {
	Name       *string
	RFIDTag    *string
	UnitPrice  *decimal.Decimal
	UnitWeight *decimal.Decimal
	PhotoURL   *string
}

// Catalog amounts must fit the stored precision exactly: prices in cents,
// weights in grams, both within NUMERIC(12, x).
var (
	maxUnitPrice  = decimal.New(1, 10)
	maxUnitWeight = decimal.New(1, 9)
)

func validateProduct(p *domain.Product) error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: product name is required", ErrInvalidInput)
	case strings.TrimSpace(p.RFIDTag) == "":
		return fmt.Errorf("%w: rfid tag is required", ErrInvalidInput)
	case p.UnitPrice.IsNegative():
		return fmt.Errorf("%w: unit price must not be negative", ErrInvalidInput)
	case p.UnitWeight.IsNegative():
		return fmt.Errorf("%w: unit weight must not be negative", ErrInvalidInput)
	case !p.UnitPrice.Equal(p.UnitPrice.Round(2)):
		return fmt.Errorf("%w: unit price has more than 2 decimal places", ErrInvalidInput)
	case !p.UnitWeight.Equal(p.UnitWeight.Round(3)):
		return fmt.Errorf("%w: unit weight has more than 3 decimal places", ErrInvalidInput)
	case p.UnitPrice.GreaterThanOrEqual(maxUnitPrice):
		return fmt.Errorf("%w: unit price too large", ErrInvalidInput)
	case p.UnitWeight.GreaterThanOrEqual(maxUnitWeight):
		return fmt.Errorf("%w: unit weight too large", ErrInvalidInput)
	case p.StockCount < 0:
		return fmt.Errorf("%w: stock must not be negative", ErrInvalidInput)
	}
	return nil
}

func (e *CartEngine) CreateProduct(ctx context.Context, in ProductInput) (*domain.Product, error) {
	product := &domain.Product{
		Name:       strings.TrimSpace(in.Name),
		RFIDTag:    strings.TrimSpace(in.RFIDTag),
		UnitPrice:  in.UnitPrice,
		UnitWeight: in.UnitWeight,
		StockCount: in.StockCount,
		PhotoURL:   in.PhotoURL,
	}
	if err := validateProduct(product); err != nil {
		return nil, err
	}
	if err := e.store.CreateProduct(ctx, product); err != nil {
		return nil, classify(err)
	}
	e.log.InfoContext(ctx, "product created", "product_id", product.ID, "rfid_tag", product.RFIDTag)
	return product, nil
}

// UpdateProduct edits catalog fields. Lines already in carts keep the weight
// they were scanned with; prices are read at checkout time.
func (e *CartEngine) UpdateProduct(ctx context.Context, productID int64, upd ProductUpdate) (*domain.Product, error) {
	unlock := e.products.Lock(productID)
	defer unlock()

	var product *domain.Product
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		if product, err = tx.GetProduct(ctx, productID); err != nil {
			return err
		}
		if upd.Name != nil {
			product.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.RFIDTag != nil {
			product.RFIDTag = strings.TrimSpace(*upd.RFIDTag)
		}
		if upd.UnitPrice != nil {
			product.UnitPrice = *upd.UnitPrice
		}
		if upd.UnitWeight != nil {
			product.UnitWeight = *upd.UnitWeight
		}
		if upd.PhotoURL != nil {
			product.PhotoURL = *upd.PhotoURL
		}
		if err := validateProduct(product); err != nil {
			return err
		}
		if err := tx.UpdateProduct(ctx, product); err != nil {
			return err
		}
		event, err := newEvent(domain.EventProductUpdated, strconv.FormatInt(productID, 10), product)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, classify(err)
	}

	// Cached cart views embed product name and price
	e.purgeCache()
	e.log.InfoContext(ctx, "product updated", "product_id", productID)
	return product, nil
}

// Restock returns units to a product's stock. It is the only way stock grows
// after creation; removing a line never restocks implicitly.
func (e *CartEngine) Restock(ctx context.Context, productID int64, quantity int32) (*domain.Product, error) {
	defer e.observe("restock", time.Now())

	if quantity <= 0 {
		return nil, fmt.Errorf("%w: restock quantity must be positive", ErrInvalidInput)
	}

	unlock := e.products.Lock(productID)
	defer unlock()

	var product *domain.Product
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		if err := tx.AdjustStock(ctx, productID, quantity); err != nil {
			return err
		}
		var err error
		if product, err = tx.GetProduct(ctx, productID); err != nil {
			return err
		}
		event, err := newEvent(domain.EventProductRestocked, strconv.FormatInt(productID, 10), map[string]any{
			"product_id":  productID,
			"quantity":    quantity,
			"stock_count": product.StockCount,
		})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, classify(err)
	}

	e.log.InfoContext(ctx, "product restocked", "product_id", productID, "quantity", quantity, "stock_count", product.StockCount)
	return product, nil
}

func (e *CartEngine) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	product, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, classify(err)
	}
	return product, nil
}

func (e *CartEngine) GetProductByTag(ctx context.Context, tag string) (*domain.Product, error) {
	product, err := e.store.GetProductByTag(ctx, tag)
	if err != nil {
		return nil, classify(err)
	}
	return product, nil
}

func (e *CartEngine) ListProducts(ctx context.Context) ([]*domain.Product, error) {
	products, err := e.store.ListProducts(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return products, nil
}

func (e *CartEngine) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	txn, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return txn, nil
}

// ListTransactions returns the most recent transactions, newest first.
func (e *CartEngine) ListTransactions(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	switch {
	case limit <= 0:
		limit = DefaultTransactionLimit
	case limit > MaxTransactionLimit:
		limit = MaxTransactionLimit
	}
	txns, err := e.store.ListTransactions(ctx, limit)
	if err != nil {
		return nil, classify(err)
	}
	return txns, nil
}
