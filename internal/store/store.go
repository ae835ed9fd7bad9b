package store

import (
	"context"
	"errors"

	"github.com/OP0007/shelf-to-door/internal/domain"
)

// Common errors returned by the store
var (
	ErrCartNotFound        = errors.New("cart not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrLineNotFound        = errors.New("cart line not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrEventNotFound       = errors.New("outbox event not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrStockOverflow       = errors.New("stock count out of range")
	ErrDuplicateSale       = errors.New("cart session already has a transaction")
	ErrDuplicateTag        = errors.New("rfid tag already assigned")
	ErrDuplicateLine       = errors.New("cart already has a line for this product")
)

// Tx is a unit of work. Reads observe the unit's own staged writes; nothing
// becomes visible to other callers until the enclosing Atomically returns nil.
type Tx interface {
	// GetCart returns the cart, locking it for the rest of the unit where the backend supports it
	GetCart(ctx context.Context, cartID int64) (*domain.Cart, error)

	// GetProduct returns the product with its current stock, locking it where supported
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)

	// ListLines returns the cart's lines ordered by creation
	ListLines(ctx context.Context, cartID int64) ([]domain.CartLine, error)

	// SaveLine inserts the line when its ID is zero and updates it otherwise.
	// On insert the assigned ID is written back into line.
	SaveLine(ctx context.Context, line *domain.CartLine) error

	// DeleteLine removes one line of the cart
	DeleteLine(ctx context.Context, cartID, lineID int64) error

	// DeleteLines removes every line of the cart
	DeleteLines(ctx context.Context, cartID int64) error

	// AdjustStock adds delta to the product stock.
	// Returns ErrInsufficientStock if the result would be negative and
	// ErrStockOverflow if it would not fit the stock column
	AdjustStock(ctx context.Context, productID int64, delta int32) error

	// UpdateCart persists status, aggregate weight and session
	UpdateCart(ctx context.Context, cart *domain.Cart) error

	// UpdateProduct persists catalog fields; stock is only changed through AdjustStock
	UpdateProduct(ctx context.Context, product *domain.Product) error

	// HasSale reports whether a transaction exists for the cart session
	HasSale(ctx context.Context, cartID int64, session int32) (bool, error)

	// InsertTransaction appends to the ledger.
	// Returns ErrDuplicateSale if the cart session already has one
	InsertTransaction(ctx context.Context, txn *domain.Transaction) error

	// AppendEvent stages an outbox event
	AppendEvent(ctx context.Context, event *domain.Event) error
}

// Store defines the interface for cart engine storage
type Store interface {
	// Atomically runs fn as one unit of work. If fn returns an error nothing
	// it staged is applied.
	Atomically(ctx context.Context, fn func(tx Tx) error) error

	CreateCart(ctx context.Context) (*domain.Cart, error)
	GetCart(ctx context.Context, cartID int64) (*domain.Cart, error)

	// ListCartLines returns the cart's lines joined with product data, ordered by creation
	ListCartLines(ctx context.Context, cartID int64) ([]domain.CartLineView, error)

	// CreateProduct assigns the product ID and timestamps
	CreateProduct(ctx context.Context, product *domain.Product) error
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
	GetProductByTag(ctx context.Context, tag string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]*domain.Product, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)

	// ListTransactions returns the newest transactions first
	ListTransactions(ctx context.Context, limit int) ([]*domain.Transaction, error)

	// ListDegradedCarts returns active carts whose current session is already sold
	ListDegradedCarts(ctx context.Context) ([]int64, error)

	GetUnpublishedEvents(ctx context.Context, limit int) ([]*domain.Event, error)
	MarkEventPublished(ctx context.Context, id int64) error

	// Close shuts down the store and any background processes
	Close() error
}
