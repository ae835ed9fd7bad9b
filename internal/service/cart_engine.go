package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/OP0007/shelf-to-door/internal/cache"
	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/keylock"
	"github.com/OP0007/shelf-to-door/internal/metrics"
	"github.com/OP0007/shelf-to-door/internal/store"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// CartEngine owns every mutation of carts, lines, stock and the ledger.
//
// Cart-side work runs under the cart's lock; stock work additionally takes
// the product lock, always after the cart lock. Each mutation is a single
// store unit of work, so a failed call leaves nothing behind.
type CartEngine struct {
	store    store.Store
	cache    cache.CartCache
	log      *slog.Logger
	metrics  *metrics.Metrics
	retry    RetryConfig
	carts    *keylock.Set
	products *keylock.Set
	sfg      singleflight.Group // Prevents cache stampede

	// cache fills hold the read side; catalog edits purge under the write side
	catalogMu sync.RWMutex

	// carts whose cache entry may be stale after a failed invalidation
	bypassMu sync.Mutex
	bypass   map[int64]time.Time
}

const (
	cacheOpTimeout  = time.Second
	viewLoadTimeout = 10 * time.Second
	// outlives the longest cache entry TTL
	cacheBypassTTL = 20 * time.Minute
)

var cacheRetry = RetryConfig{
	MaxAttempts:       3,
	InitialBackoff:    10 * time.Millisecond,
	MaxBackoff:        100 * time.Millisecond,
	BackoffMultiplier: 2,
}

func NewCartEngine(st store.Store, c cache.CartCache, log *slog.Logger, m *metrics.Metrics, retry RetryConfig) *CartEngine {
	return &CartEngine{
		store:    st,
		cache:    c,
		log:      log,
		metrics:  m,
		retry:    retry,
		carts:    keylock.New(),
		products: keylock.New(),
		bypass:   make(map[int64]time.Time),
	}
}

type cartEventPayload struct {
	CartID          int64             `json:"cart_id"`
	Session         int32             `json:"session"`
	Status          domain.CartStatus `json:"status"`
	AggregateWeight decimal.Decimal   `json:"aggregate_weight"`
	Line            *domain.CartLine  `json:"line,omitempty"`
}

func cartEvent(eventType string, cart *domain.Cart, line *domain.CartLine) (*domain.Event, error) {
	return newEvent(eventType, strconv.FormatInt(cart.ID, 10), cartEventPayload{
		CartID:          cart.ID,
		Session:         cart.Session,
		Status:          cart.Status,
		AggregateWeight: cart.AggregateWeight,
		Line:            line,
	})
}

func newEvent(eventType, aggregateID string, payload any) (*domain.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &domain.Event{Type: eventType, AggregateID: aggregateID, Payload: data}, nil
}

func (e *CartEngine) observe(op string, start time.Time) {
	e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// openCart loads the cart and rejects it unless it is active and its
// current session has not been sold yet.
func (e *CartEngine) openCart(ctx context.Context, tx store.Tx, cartID int64) (*domain.Cart, error) {
	cart, err := tx.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if !cart.IsActive() {
		return nil, fmt.Errorf("%w: cart %d", ErrCartInactive, cartID)
	}
	sold, err := tx.HasSale(ctx, cart.ID, cart.Session)
	if err != nil {
		return nil, err
	}
	if sold {
		return nil, fmt.Errorf("%w: cart %d already checked out", ErrCartInactive, cartID)
	}
	return cart, nil
}

// recomputeWeight sets the aggregate from the cart's current lines and persists it.
func recomputeWeight(ctx context.Context, tx store.Tx, cart *domain.Cart) error {
	lines, err := tx.ListLines(ctx, cart.ID)
	if err != nil {
		return err
	}
	cart.AggregateWeight = domain.SumLineWeights(lines)
	return tx.UpdateCart(ctx, cart)
}

// ProcessScan records one detected unit of a product in a cart.
func (e *CartEngine) ProcessScan(ctx context.Context, cartID, productID int64) (*domain.ScanResult, error) {
	defer e.observe("process_scan", time.Now())

	unlockCart := e.carts.Lock(cartID)
	defer unlockCart()
	unlockProduct := e.products.Lock(productID)
	defer unlockProduct()

	var result domain.ScanResult
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		cart, err := e.openCart(ctx, tx, cartID)
		if err != nil {
			return err
		}

		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if !product.InStock() {
			return fmt.Errorf("%w: product %d", ErrOutOfStock, productID)
		}

		lines, err := tx.ListLines(ctx, cartID)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(lines, func(l domain.CartLine) bool { return l.ProductID == productID })
		if idx < 0 {
			lines = append(lines, domain.CartLine{CartID: cartID, ProductID: productID})
			idx = len(lines) - 1
		}
		line := &lines[idx]
		line.Quantity++
		line.LineWeight = product.UnitWeight.Mul(decimal.NewFromInt32(line.Quantity))
		if err := tx.SaveLine(ctx, line); err != nil {
			return err
		}

		if err := tx.AdjustStock(ctx, productID, -1); err != nil {
			return err
		}

		cart.AggregateWeight = domain.SumLineWeights(lines)
		if err := tx.UpdateCart(ctx, cart); err != nil {
			return err
		}

		event, err := cartEvent(domain.EventCartUpdated, cart, line)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, event); err != nil {
			return err
		}

		result = domain.ScanResult{
			Line:            *line,
			ProductName:     product.Name,
			AggregateWeight: cart.AggregateWeight,
		}
		return nil
	})
	err = classify(err)
	e.metrics.Scans.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		e.log.DebugContext(ctx, "scan rejected", "cart_id", cartID, "product_id", productID, "error", err)
		return nil, err
	}

	e.refreshCache(cartID)
	e.log.InfoContext(ctx, "scan processed",
		"cart_id", cartID,
		"product_id", productID,
		"quantity", result.Line.Quantity,
		"aggregate_weight", result.AggregateWeight.String(),
	)
	return &result, nil
}

// ScanTag resolves an RFID tag to its product and processes the scan.
func (e *CartEngine) ScanTag(ctx context.Context, cartID int64, tag string) (*domain.ScanResult, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: empty rfid tag", ErrInvalidInput)
	}
	product, err := e.store.GetProductByTag(ctx, tag)
	if err != nil {
		err = classify(err)
		e.metrics.Scans.WithLabelValues(resultLabel(err)).Inc()
		return nil, fmt.Errorf("tag %q: %w", tag, err)
	}
	return e.ProcessScan(ctx, cartID, product.ID)
}

// Resync recomputes the cart aggregate weight from its current lines.
func (e *CartEngine) Resync(ctx context.Context, cartID int64) (*domain.Cart, error) {
	defer e.observe("resync", time.Now())

	unlock := e.carts.Lock(cartID)
	defer unlock()

	var cart *domain.Cart
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		if cart, err = tx.GetCart(ctx, cartID); err != nil {
			return err
		}
		if err := recomputeWeight(ctx, tx, cart); err != nil {
			return err
		}
		event, err := cartEvent(domain.EventCartUpdated, cart, nil)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, classify(err)
	}

	e.refreshCache(cartID)
	return cart, nil
}

// RemoveLine deletes a line outright and recomputes the aggregate in the
// same unit. Stock is not restored; use Restock for that.
func (e *CartEngine) RemoveLine(ctx context.Context, cartID, lineID int64) (*domain.Cart, error) {
	defer e.observe("remove_line", time.Now())

	unlock := e.carts.Lock(cartID)
	defer unlock()

	var cart *domain.Cart
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		if cart, err = tx.GetCart(ctx, cartID); err != nil {
			return err
		}
		if err := tx.DeleteLine(ctx, cartID, lineID); err != nil {
			return err
		}
		if err := recomputeWeight(ctx, tx, cart); err != nil {
			return err
		}
		event, err := cartEvent(domain.EventCartUpdated, cart, nil)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, classify(err)
	}

	e.refreshCache(cartID)
	e.log.InfoContext(ctx, "cart line removed", "cart_id", cartID, "line_id", lineID)
	return cart, nil
}

func (e *CartEngine) CreateCart(ctx context.Context) (*domain.Cart, error) {
	cart, err := e.store.CreateCart(ctx)
	if err != nil {
		return nil, classify(err)
	}
	e.log.InfoContext(ctx, "cart created", "cart_id", cart.ID)
	return cart, nil
}

// ReactivateCart readies a cart for a new shopper: lines are cleared, weight
// reset and the session advanced. An active, unsold cart is returned as is.
func (e *CartEngine) ReactivateCart(ctx context.Context, cartID int64) (*domain.Cart, error) {
	unlock := e.carts.Lock(cartID)
	defer unlock()

	var cart *domain.Cart
	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		var err error
		if cart, err = tx.GetCart(ctx, cartID); err != nil {
			return err
		}
		sold, err := tx.HasSale(ctx, cart.ID, cart.Session)
		if err != nil {
			return err
		}
		if cart.IsActive() && !sold {
			return nil
		}

		if err := tx.DeleteLines(ctx, cartID); err != nil {
			return err
		}
		cart.Status = domain.CartStatusActive
		cart.AggregateWeight = decimal.Zero
		cart.Session++
		if err := tx.UpdateCart(ctx, cart); err != nil {
			return err
		}
		event, err := cartEvent(domain.EventCartReactivated, cart, nil)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, classify(err)
	}

	e.refreshCache(cartID)
	e.log.InfoContext(ctx, "cart reactivated", "cart_id", cartID, "session", cart.Session)
	return cart, nil
}

// GetCartView returns the cart with its lines, read through the cache.
func (e *CartEngine) GetCartView(ctx context.Context, cartID int64) (*domain.CartView, error) {
	// Concurrent misses share one load. It runs detached from the first
	// caller so that caller's cancellation does not fail the others.
	ch := e.sfg.DoChan(strconv.FormatInt(cartID, 10), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), viewLoadTimeout)
		defer cancel()
		return e.loadCartView(loadCtx, cartID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.CartView).Clone(), nil
	}
}

func (e *CartEngine) loadCartView(ctx context.Context, cartID int64) (*domain.CartView, error) {
	if !e.bypassed(cartID) {
		view, err := e.cache.Get(ctx, cartID)
		if err == nil {
			return view, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.log.WarnContext(ctx, "cache get error", "cart_id", cartID, "error", err)
		}
	}

	// Filling under the cart lock keeps a concurrent mutation from
	// landing between our read and the cache write.
	unlock := e.carts.Lock(cartID)
	defer unlock()
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()

	view, err := e.readView(ctx, cartID)
	if err != nil {
		return nil, classify(err)
	}

	setCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	if err := e.cache.Set(setCtx, cartID, view); err != nil {
		e.log.WarnContext(ctx, "cache set error", "cart_id", cartID, "error", err)
		return view, nil
	}
	e.clearBypass(cartID)
	return view, nil
}

func (e *CartEngine) readView(ctx context.Context, cartID int64) (*domain.CartView, error) {
	cart, err := e.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	lines, err := e.store.ListCartLines(ctx, cartID)
	if err != nil {
		return nil, err
	}
	return &domain.CartView{Cart: *cart, Lines: lines}, nil
}

func (e *CartEngine) GetCart(ctx context.Context, cartID int64) (*domain.Cart, error) {
	view, err := e.GetCartView(ctx, cartID)
	if err != nil {
		return nil, err
	}
	return &view.Cart, nil
}

// ListCartLines returns lines ordered by creation, joined with product data.
func (e *CartEngine) ListCartLines(ctx context.Context, cartID int64) ([]domain.CartLineView, error) {
	view, err := e.GetCartView(ctx, cartID)
	if err != nil {
		return nil, err
	}
	return view.Lines, nil
}

// purgeCache drops every cached cart view after a catalog edit.
func (e *CartEngine) purgeCache() {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.cache.Purge(ctx); err != nil {
		e.log.Warn("cache purge error", "error", err)
	}
}

// refreshCache writes the committed view of a cart through to the cache.
// Callers hold the cart lock. When neither the write nor a delete lands, the
// cart's cache entry is skipped until a later write succeeds or the longest
// entry TTL has passed.
func (e *CartEngine) refreshCache(cartID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()

	view, err := e.readView(ctx, cartID)
	if err == nil {
		err = retry(ctx, cacheRetry, func(int) error {
			setCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
			defer cancel()
			return e.cache.Set(setCtx, cartID, view)
		})
		if err == nil {
			e.clearBypass(cartID)
			return
		}
	}
	e.log.Warn("cache write-through error", "cart_id", cartID, "error", err)

	err = retry(ctx, cacheRetry, func(int) error {
		delCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
		defer cancel()
		return e.cache.Delete(delCtx, cartID)
	})
	if err == nil {
		e.clearBypass(cartID)
		return
	}
	e.log.Error("cache invalidate error, bypassing cache for cart", "cart_id", cartID, "error", err)
	e.bypassMu.Lock()
	e.bypass[cartID] = time.Now().Add(cacheBypassTTL)
	e.bypassMu.Unlock()
}

func (e *CartEngine) bypassed(cartID int64) bool {
	e.bypassMu.Lock()
	defer e.bypassMu.Unlock()
	until, ok := e.bypass[cartID]
	if ok && time.Now().After(until) {
		delete(e.bypass, cartID)
		return false
	}
	return ok
}

func (e *CartEngine) clearBypass(cartID int64) {
	e.bypassMu.Lock()
	delete(e.bypass, cartID)
	e.bypassMu.Unlock()
}
