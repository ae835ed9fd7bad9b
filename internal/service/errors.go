package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/OP0007/shelf-to-door/internal/store"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrOutOfStock   = errors.New("product out of stock")
	ErrCartInactive = errors.New("cart is not active")
	ErrEmptyCart    = errors.New("cart is empty, nothing to checkout")
	ErrInvalidInput = errors.New("invalid input")
	// ErrDegraded means the transaction was recorded but the cart could not
	// be deactivated. The returned transaction is authoritative.
	ErrDegraded  = errors.New("transaction recorded, cart deactivation pending")
	ErrTransient = errors.New("temporarily unavailable")
)

// classify maps store errors onto the engine's error kinds. Errors already
// carrying an engine kind pass through.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOutOfStock), errors.Is(err, ErrCartInactive),
		errors.Is(err, ErrEmptyCart), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrTransient):
		return err
	case errors.Is(err, store.ErrCartNotFound), errors.Is(err, store.ErrProductNotFound),
		errors.Is(err, store.ErrLineNotFound), errors.Is(err, store.ErrTransactionNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrInsufficientStock):
		return fmt.Errorf("%w: %w", ErrOutOfStock, err)
	case errors.Is(err, store.ErrDuplicateSale):
		return fmt.Errorf("%w: %w", ErrCartInactive, err)
	case errors.Is(err, store.ErrDuplicateTag), errors.Is(err, store.ErrStockOverflow):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
}

// resultLabel is the metrics label for an operation outcome
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDegraded):
		return "degraded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, ErrCartInactive):
		return "cart_inactive"
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
