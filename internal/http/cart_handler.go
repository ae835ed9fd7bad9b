package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/service"
	"github.com/shopspring/decimal"
)

type ScanRequestDTO struct {
	ProductID int64  `json:"product_id,omitempty"`
	RFIDTag   string `json:"rfid_tag,omitempty"`
}

type CheckoutRequestDTO struct {
	Email         string `json:"email,omitempty"`
	PaymentMethod string `json:"payment_method"`
}

type CartViewResponse struct {
	Cart  domain.Cart           `json:"cart"`
	Lines []domain.CartLineView `json:"lines"`
	Total decimal.Decimal       `json:"total"`
}

type CheckoutResponse struct {
	Transaction *domain.Transaction `json:"transaction"`
	Degraded    bool                `json:"degraded"`
}

func (h *Handler) CreateCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, err := h.engine.CreateCart(ctx)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, cart)
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cartID, ok := pathID(r, "cart_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_cart_id", "cart_id must be a positive integer")
		return
	}

	view, err := h.engine.GetCartView(ctx, cartID)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, CartViewResponse{
		Cart:  view.Cart,
		Lines: view.Lines,
		Total: view.Total(),
	})
}

func (h *Handler) ListLines(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cartID, ok := pathID(r, "cart_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_cart_id", "cart_id must be a positive integer")
		return
	}

	lines, err := h.engine.ListCartLines(ctx, cartID)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, lines)
}

func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cartID, ok := pathID(r, "cart_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_cart_id", "cart_id must be a positive integer")
		return
	}
	lineID, ok := pathID(r, "line_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_line_id", "line_id must be a positive integer")
		return
	}

	cart, err := h.engine.RemoveLine(ctx, cartID, lineID)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, cart)
}

func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cartID, ok := pathID(r, "cart_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_cart_id", "cart_id must be a positive integer")
		return
	}

	var req ScanRequestDTO
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	var res *domain.ScanResult
	var err error
	switch {
	case req.ProductID > 0 && req.RFIDTag == "":
		res, err = h.engine.ProcessScan(ctx, cartID, req.ProductID)
	case req.ProductID == 0 && req.RFIDTag != "":
		res, err = h.engine.ScanTag(ctx, cartID, req.RFIDTag)
	default:
		h.respondError(w, http.StatusBadRequest, "invalid_request", "exactly one of product_id and rfid_tag is required")
		return
	}
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cartID, ok := pathID(r, "cart_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_cart_id", "cart_id must be a positive integer")
		return
	}

	cart, err := h.engine.Resync(ctx, cartID)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, cart)
}

func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cartID, ok := pathID(r, "cart_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_cart_id", "cart_id must be a positive integer")
		return
	}

	cart, err := h.engine.ReactivateCart(ctx, cartID)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, cart)
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cartID, ok := pathID(r, "cart_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_cart_id", "cart_id must be a positive integer")
		return
	}

	var req CheckoutRequestDTO
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	txn, err := h.engine.Checkout(ctx, service.CheckoutRequest{
		CartID:        cartID,
		Email:         req.Email,
		PaymentMethod: req.PaymentMethod,
	})
	switch {
	case errors.Is(err, service.ErrDegraded) && txn != nil:
		// the sale stands; deactivation is finished in the background
		h.respondJSON(w, http.StatusAccepted, CheckoutResponse{Transaction: txn, Degraded: true})
	case err != nil:
		h.handleEngineError(w, r, err)
	default:
		h.respondJSON(w, http.StatusCreated, CheckoutResponse{Transaction: txn})
	}
}
