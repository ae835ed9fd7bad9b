package service

import (
	"cmp"
	"context"
	"fmt"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CheckoutRequest struct {
	CartID        int64
	Email         string // optional receipt address
	PaymentMethod string
}

// Checkout closes the cart into a completed transaction.
//
// The transaction is recorded first; the cart is deactivated afterwards with
// bounded retry. If deactivation keeps failing the recorded transaction is
// returned together with ErrDegraded and the reconciler finishes the job.
func (e *CartEngine) Checkout(ctx context.Context, req CheckoutRequest) (*domain.Transaction, error) {
	defer e.observe("checkout", time.Now())

	txn, err := e.checkout(ctx, req)
	e.metrics.Checkouts.WithLabelValues(resultLabel(err)).Inc()
	return txn, err
}

func (e *CartEngine) checkout(ctx context.Context, req CheckoutRequest) (*domain.Transaction, error) {
	method, err := domain.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		return nil, fmt.Errorf("%w: payment method %q", ErrInvalidInput, req.PaymentMethod)
	}
	email, err := parseEmail(req.Email)
	if err != nil {
		return nil, err
	}

	unlock := e.carts.Lock(req.CartID)
	defer unlock()

	var txn *domain.Transaction
	err = e.store.Atomically(ctx, func(tx store.Tx) error {
		cart, err := e.openCart(ctx, tx, req.CartID)
		if err != nil {
			return err
		}

		lines, err := tx.ListLines(ctx, req.CartID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return fmt.Errorf("%w: cart %d", ErrEmptyCart, req.CartID)
		}

		// Product rows are read in ID order so concurrent checkouts lock them consistently
		slices.SortFunc(lines, func(a, b domain.CartLine) int { return cmp.Compare(a.ProductID, b.ProductID) })
		total := decimal.Zero
		for _, line := range lines {
			product, err := tx.GetProduct(ctx, line.ProductID)
			if err != nil {
				return err
			}
			total = total.Add(product.UnitPrice.Mul(decimal.NewFromInt32(line.Quantity)))
		}

		txn = &domain.Transaction{
			ID:            uuid.New().String(),
			CartID:        cart.ID,
			CartSession:   cart.Session,
			Email:         email,
			TotalAmount:   total,
			TotalWeight:   cart.AggregateWeight,
			PaymentMethod: method,
			Status:        domain.TransactionStatusCompleted,
			CreatedAt:     time.Now().UTC(),
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		event, err := newEvent(domain.EventCheckoutCompleted, strconv.FormatInt(cart.ID, 10), txn)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, classify(err)
	}

	// The sale stands from here on; deactivation must not be abandoned
	// because the caller went away.
	if err := e.deactivate(context.WithoutCancel(ctx), req.CartID, txn.CartSession); err != nil {
		e.refreshCache(req.CartID)
		e.log.ErrorContext(ctx, "checkout recorded but cart still active",
			"cart_id", req.CartID,
			"transaction_id", txn.ID,
			"error", err,
		)
		return txn, fmt.Errorf("%w: cart %d: %w", ErrDegraded, req.CartID, err)
	}

	e.refreshCache(req.CartID)
	e.log.InfoContext(ctx, "checkout completed",
		"cart_id", req.CartID,
		"transaction_id", txn.ID,
		"total_amount", txn.TotalAmount.String(),
		"payment_method", txn.PaymentMethod.String(),
	)
	return txn, nil
}

func parseEmail(raw string) (*string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return nil, fmt.Errorf("%w: email %q", ErrInvalidInput, raw)
	}
	return &addr.Address, nil
}

// deactivate marks the cart inactive for the given session, retrying with backoff.
func (e *CartEngine) deactivate(ctx context.Context, cartID int64, session int32) error {
	return retry(ctx, e.retry, func(attempt int) error {
		if attempt > 0 {
			e.metrics.DeactivateRetry.Inc()
			e.log.WarnContext(ctx, "retrying cart deactivation", "cart_id", cartID, "attempt", attempt+1)
		}
		return e.store.Atomically(ctx, func(tx store.Tx) error {
			return deactivateSold(ctx, tx, cartID, session)
		})
	})
}

// deactivateSold is a no-op unless the cart is still active in session.
func deactivateSold(ctx context.Context, tx store.Tx, cartID int64, session int32) error {
	cart, err := tx.GetCart(ctx, cartID)
	if err != nil {
		return err
	}
	if !cart.IsActive() || cart.Session != session {
		return nil
	}
	cart.Status = domain.CartStatusInactive
	if err := tx.UpdateCart(ctx, cart); err != nil {
		return err
	}
	event, err := cartEvent(domain.EventCartDeactivated, cart, nil)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, event)
}

// ReconcileDegraded deactivates every active cart whose current session was
// already sold. Returns how many carts were fixed.
func (e *CartEngine) ReconcileDegraded(ctx context.Context) (int, error) {
	ids, err := e.store.ListDegradedCarts(ctx)
	if err != nil {
		return 0, classify(err)
	}

	fixed := 0
	for _, cartID := range ids {
		if err := e.reconcileCart(ctx, cartID); err != nil {
			e.log.ErrorContext(ctx, "failed to reconcile cart", "cart_id", cartID, "error", err)
			continue
		}
		fixed++
	}
	return fixed, nil
}

func (e *CartEngine) reconcileCart(ctx context.Context, cartID int64) error {
	unlock := e.carts.Lock(cartID)
	defer unlock()

	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		cart, err := tx.GetCart(ctx, cartID)
		if err != nil {
			return err
		}
		sold, err := tx.HasSale(ctx, cart.ID, cart.Session)
		if err != nil || !sold {
			return err
		}
		return deactivateSold(ctx, tx, cartID, cart.Session)
	})
	if err != nil {
		return err
	}

	e.refreshCache(cartID)
	e.log.InfoContext(ctx, "degraded cart deactivated", "cart_id", cartID)
	return nil
}
