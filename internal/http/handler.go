package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/service"
	"github.com/go-chi/chi/v5"
)

// Engine is the subset of the cart engine the HTTP API calls.
type Engine interface {
	CreateCart(ctx context.Context) (*domain.Cart, error)
	GetCartView(ctx context.Context, cartID int64) (*domain.CartView, error)
	ListCartLines(ctx context.Context, cartID int64) ([]domain.CartLineView, error)
	RemoveLine(ctx context.Context, cartID, lineID int64) (*domain.Cart, error)
	ProcessScan(ctx context.Context, cartID, productID int64) (*domain.ScanResult, error)
	ScanTag(ctx context.Context, cartID int64, tag string) (*domain.ScanResult, error)
	Resync(ctx context.Context, cartID int64) (*domain.Cart, error)
	ReactivateCart(ctx context.Context, cartID int64) (*domain.Cart, error)
	Checkout(ctx context.Context, req service.CheckoutRequest) (*domain.Transaction, error)

	CreateProduct(ctx context.Context, in service.ProductInput) (*domain.Product, error)
	UpdateProduct(ctx context.Context, productID int64, upd service.ProductUpdate) (*domain.Product, error)
	Restock(ctx context.Context, productID int64, quantity int32) (*domain.Product, error)
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]*domain.Product, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, limit int) ([]*domain.Transaction, error)
}

type Handler struct {
	engine  Engine
	timeout time.Duration
	log     *slog.Logger
}

func NewHandler(engine Engine, timeout time.Duration, log *slog.Logger) *Handler {
	return &Handler{
		engine:  engine,
		timeout: timeout,
		log:     log,
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("failed to encode response", slog.Any("error", err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleEngineError converts engine error kinds to HTTP status codes.
func (h *Handler) handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var httpStatus int
	var code string

	switch {
	case errors.Is(err, service.ErrNotFound):
		httpStatus, code = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrOutOfStock):
		httpStatus, code = http.StatusConflict, "out_of_stock"
	case errors.Is(err, service.ErrCartInactive):
		httpStatus, code = http.StatusConflict, "cart_inactive"
	case errors.Is(err, service.ErrEmptyCart):
		httpStatus, code = http.StatusConflict, "empty_cart"
	case errors.Is(err, service.ErrInvalidInput):
		httpStatus, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, context.DeadlineExceeded):
		httpStatus, code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, service.ErrTransient):
		httpStatus, code = http.StatusServiceUnavailable, "service_unavailable"
	default:
		httpStatus, code = http.StatusInternalServerError, "internal_error"
	}

	if httpStatus >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		h.respondError(w, httpStatus, code, http.StatusText(httpStatus))
		return
	}
	h.respondError(w, httpStatus, code, err.Error())
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
