package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/service"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Engine is what reader gateways may call.
type Engine interface {
	ProcessScan(ctx context.Context, cartID, productID int64) (*domain.ScanResult, error)
	ScanTag(ctx context.Context, cartID int64, tag string) (*domain.ScanResult, error)
	Resync(ctx context.Context, cartID int64) (*domain.Cart, error)
	GetCartView(ctx context.Context, cartID int64) (*domain.CartView, error)
}

type CartEngineHandler struct {
	engine Engine
	log    *slog.Logger
}

var _ CartEngineServer = (*CartEngineHandler)(nil)

func NewCartEngineHandler(engine Engine, log *slog.Logger) *CartEngineHandler {
	return &CartEngineHandler{
		engine: engine,
		log:    log,
	}
}

func convertScan(res *domain.ScanResult) *ScanResponse {
	return &ScanResponse{
		Line:            res.Line,
		ProductName:     res.ProductName,
		AggregateWeight: res.AggregateWeight,
	}
}

func (h *CartEngineHandler) ProcessScan(ctx context.Context, req *ScanRequest) (*ScanResponse, error) {
	if req.CartID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "cart_id must be greater than 0")
	}
	if req.ProductID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id must be greater than 0")
	}

	res, err := h.engine.ProcessScan(ctx, req.CartID, req.ProductID)
	if err != nil {
		return nil, h.mapEngineError(ctx, err)
	}
	return convertScan(res), nil
}

func (h *CartEngineHandler) ScanTag(ctx context.Context, req *TagScanRequest) (*ScanResponse, error) {
	if req.CartID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "cart_id must be greater than 0")
	}
	if strings.TrimSpace(req.RFIDTag) == "" {
		return nil, status.Error(codes.InvalidArgument, "rfid_tag is required")
	}

	res, err := h.engine.ScanTag(ctx, req.CartID, req.RFIDTag)
	if err != nil {
		return nil, h.mapEngineError(ctx, err)
	}
	return convertScan(res), nil
}

func (h *CartEngineHandler) Resync(ctx context.Context, req *CartRequest) (*CartResponse, error) {
	if req.CartID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "cart_id must be greater than 0")
	}

	cart, err := h.engine.Resync(ctx, req.CartID)
	if err != nil {
		return nil, h.mapEngineError(ctx, err)
	}
	return &CartResponse{Cart: *cart}, nil
}

func (h *CartEngineHandler) GetCart(ctx context.Context, req *CartRequest) (*CartResponse, error) {
	if req.CartID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "cart_id must be greater than 0")
	}

	view, err := h.engine.GetCartView(ctx, req.CartID)
	if err != nil {
		return nil, h.mapEngineError(ctx, err)
	}
	return &CartResponse{
		Cart:  view.Cart,
		Lines: view.Lines,
		Total: view.Total(),
	}, nil
}

func (h *CartEngineHandler) mapEngineError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrOutOfStock), errors.Is(err, service.ErrCartInactive):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, service.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, service.ErrTransient):
		h.log.WarnContext(ctx, "transient engine failure", slog.Any("error", err))
		return status.Error(codes.Unavailable, "temporarily unavailable")
	default:
		h.log.ErrorContext(ctx, "engine failure", slog.Any("error", err))
		return status.Error(codes.Internal, "internal error")
	}
}
