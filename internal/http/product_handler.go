package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/OP0007/shelf-to-door/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type ProductRequestDTO struct {
	Name       string          `json:"name"`
	RFIDTag    string          `json:"rfid_tag"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	UnitWeight decimal.Decimal `json:"unit_weight"`
	StockCount int32           `json:"stock_count"`
	PhotoURL   string          `json:"photo_url,omitempty"`
}

type ProductPatchDTO struct {
	Name       *string          `json:"name,omitempty"`
	RFIDTag    *string          `json:"rfid_tag,omitempty"`
	UnitPrice  *decimal.Decimal `json:"unit_price,omitempty"`
	UnitWeight *decimal.Decimal `json:"unit_weight,omitempty"`
	PhotoURL   *string          `json:"photo_url,omitempty"`
}

type RestockRequestDTO struct {
	Quantity int32 `json:"quantity"`
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	products, err := h.engine.ListProducts(ctx)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, products)
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ProductRequestDTO
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	product, err := h.engine.CreateProduct(ctx, service.ProductInput{
		Name:       req.Name,
		RFIDTag:    req.RFIDTag,
		UnitPrice:  req.UnitPrice,
		UnitWeight: req.UnitWeight,
		StockCount: req.StockCount,
		PhotoURL:   req.PhotoURL,
	})
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, product)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := pathID(r, "product_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return
	}

	product, err := h.engine.GetProduct(ctx, productID)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, product)
}

func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := pathID(r, "product_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return
	}

	var req ProductPatchDTO
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	product, err := h.engine.UpdateProduct(ctx, productID, service.ProductUpdate{
		Name:       req.Name,
		RFIDTag:    req.RFIDTag,
		UnitPrice:  req.UnitPrice,
		UnitWeight: req.UnitWeight,
		PhotoURL:   req.PhotoURL,
	})
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, product)
}

func (h *Handler) Restock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := pathID(r, "product_id")
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return
	}

	var req RestockRequestDTO
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	product, err := h.engine.Restock(ctx, productID, req.Quantity)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, product)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	txns, err := h.engine.ListTransactions(ctx, limit)
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, txns)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	txn, err := h.engine.GetTransaction(ctx, chi.URLParam(r, "transaction_id"))
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, txn)
}
