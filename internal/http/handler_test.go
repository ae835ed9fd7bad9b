package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/logger"
	"github.com/OP0007/shelf-to-door/internal/metrics"
	"github.com/OP0007/shelf-to-door/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type EngineMock struct {
	cart     *domain.Cart
	view     *domain.CartView
	lines    []domain.CartLineView
	scan     *domain.ScanResult
	txn      *domain.Transaction
	product  *domain.Product
	products []*domain.Product
	txns     []*domain.Transaction
	err      error

	scannedProduct int64
	scannedTag     string
	checkoutReq    service.CheckoutRequest
	productIn      service.ProductInput
	productUpd     service.ProductUpdate
	restockQty     int32
	txnLimit       int
}

func (m *EngineMock) CreateCart(context.Context) (*domain.Cart, error) {
	return m.cart, m.err
}

func (m *EngineMock) GetCartView(context.Context, int64) (*domain.CartView, error) {
	return m.view, m.err
}

func (m *EngineMock) ListCartLines(context.Context, int64) ([]domain.CartLineView, error) {
	return m.lines, m.err
}

func (m *EngineMock) RemoveLine(context.Context, int64, int64) (*domain.Cart, error) {
	return m.cart, m.err
}

func (m *EngineMock) ProcessScan(_ context.Context, _ int64, productID int64) (*domain.ScanResult, error) {
	m.scannedProduct = productID
	return m.scan, m.err
}

func (m *EngineMock) ScanTag(_ context.Context, _ int64, tag string) (*domain.ScanResult, error) {
	m.scannedTag = tag
	return m.scan, m.err
}

func (m *EngineMock) Resync(context.Context, int64) (*domain.Cart, error) {
	return m.cart, m.err
}

func (m *EngineMock) ReactivateCart(context.Context, int64) (*domain.Cart, error) {
	return m.cart, m.err
}

func (m *EngineMock) Checkout(_ context.Context, req service.CheckoutRequest) (*domain.Transaction, error) {
	m.checkoutReq = req
	return m.txn, m.err
}

func (m *EngineMock) CreateProduct(_ context.Context, in service.ProductInput) (*domain.Product, error) {
	m.productIn = in
	return m.product, m.err
}

func (m *EngineMock) UpdateProduct(_ context.Context, _ int64, upd service.ProductUpdate) (*domain.Product, error) {
	m.productUpd = upd
	return m.product, m.err
}

func (m *EngineMock) Restock(_ context.Context, _ int64, quantity int32) (*domain.Product, error) {
	m.restockQty = quantity
	return m.product, m.err
}

func (m *EngineMock) GetProduct(context.Context, int64) (*domain.Product, error) {
	return m.product, m.err
}

func (m *EngineMock) ListProducts(context.Context) ([]*domain.Product, error) {
	return m.products, m.err
}

func (m *EngineMock) GetTransaction(context.Context, string) (*domain.Transaction, error) {
	return m.txn, m.err
}

func (m *EngineMock) ListTransactions(_ context.Context, limit int) ([]*domain.Transaction, error) {
	m.txnLimit = limit
	return m.txns, m.err
}

func newTestRouter(engine Engine) (http.Handler, *metrics.Metrics) {
	return newTestRouterWithLimit(engine, 1000, 1000)
}

func newTestRouterWithLimit(engine Engine, perSecond float64, burst int) (http.Handler, *metrics.Metrics) {
	log := logger.Discard()
	m := metrics.New(prometheus.NewRegistry())
	h := NewHandler(engine, 5*time.Second, log)
	router := NewRouter(h, m, NewRateLimiter(perSecond, burst, log), log, RouterConfig{
		RequestTimeout:     5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	})
	return router, m
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestCreateCart(t *testing.T) {
	engine := &EngineMock{cart: &domain.Cart{ID: 3, Status: domain.CartStatusActive, Session: 1}}
	router, _ := newTestRouter(engine)

	rr := do(t, router, http.MethodPost, "/api/v1/carts", "")

	assert.Equal(t, http.StatusCreated, rr.Code)
	var cart domain.Cart
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&cart))
	assert.Equal(t, int64(3), cart.ID)
	assert.Equal(t, domain.CartStatusActive, cart.Status)
}

func TestGetCart_IncludesTotal(t *testing.T) {
	engine := &EngineMock{view: &domain.CartView{
		Cart: domain.Cart{ID: 1, Status: domain.CartStatusActive},
		Lines: []domain.CartLineView{
			{CartLine: domain.CartLine{ProductID: 1, Quantity: 2}, ProductName: "Milk", UnitPrice: decimal.RequireFromString("5")},
			{CartLine: domain.CartLine{ProductID: 2, Quantity: 1}, ProductName: "Bread", UnitPrice: decimal.RequireFromString("10")},
		},
	}}
	router, _ := newTestRouter(engine)

	rr := do(t, router, http.MethodGet, "/api/v1/carts/1", "")

	require.Equal(t, http.StatusOK, rr.Code)
	var resp CartViewResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Len(t, resp.Lines, 2)
	assert.True(t, resp.Total.Equal(decimal.RequireFromString("20")))
}

func TestGetCart_InvalidID(t *testing.T) {
	router, _ := newTestRouter(&EngineMock{})

	for _, path := range []string{"/api/v1/carts/abc", "/api/v1/carts/0", "/api/v1/carts/-4"} {
		rr := do(t, router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, path)
		assert.Equal(t, "invalid_cart_id", decodeError(t, rr).Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", service.ErrNotFound, http.StatusNotFound, "not_found"},
		{"out of stock", service.ErrOutOfStock, http.StatusConflict, "out_of_stock"},
		{"inactive", service.ErrCartInactive, http.StatusConflict, "cart_inactive"},
		{"empty", service.ErrEmptyCart, http.StatusConflict, "empty_cart"},
		{"invalid", service.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{"transient", errors.Join(service.ErrTransient, errors.New("db down")), http.StatusServiceUnavailable, "service_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(&EngineMock{err: tt.err})

			rr := do(t, router, http.MethodPost, "/api/v1/carts/1/scans", `{"product_id":1}`)

			assert.Equal(t, tt.status, rr.Code)
			resp := decodeError(t, rr)
			assert.Equal(t, tt.code, resp.Code)
			if tt.status >= 500 {
				assert.NotContains(t, resp.Error, "db down")
			}
		})
	}
}

func TestScan_ByProductAndTag(t *testing.T) {
	engine := &EngineMock{scan: &domain.ScanResult{
		Line:            domain.CartLine{ProductID: 7, Quantity: 1, LineWeight: decimal.RequireFromString("0.5")},
		ProductName:     "Milk",
		AggregateWeight: decimal.RequireFromString("0.5"),
	}}
	router, _ := newTestRouter(engine)

	rr := do(t, router, http.MethodPost, "/api/v1/carts/1/scans", `{"product_id":7}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(7), engine.scannedProduct)

	var res domain.ScanResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, "Milk", res.ProductName)

	rr = do(t, router, http.MethodPost, "/api/v1/carts/1/scans", `{"rfid_tag":"E200-7"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "E200-7", engine.scannedTag)
}

func TestScan_InvalidBody(t *testing.T) {
	router, _ := newTestRouter(&EngineMock{})

	for _, body := range []string{`{`, `{}`, `{"product_id":1,"rfid_tag":"X"}`, `{"quantity":2}`} {
		rr := do(t, router, http.MethodPost, "/api/v1/carts/1/scans", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

func TestScan_RateLimited(t *testing.T) {
	engine := &EngineMock{scan: &domain.ScanResult{}}
	router, m := newTestRouterWithLimit(engine, 0.001, 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := do(t, router, http.MethodPost, "/api/v1/carts/1/scans", `{"product_id":1}`)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("/api/v1/carts/{cart_id}/scans", "429")))

	// Other routes are not limited
	rr := do(t, router, http.MethodPost, "/api/v1/carts/1/resync", "")
	assert.NotEqual(t, http.StatusTooManyRequests, rr.Code)
}

func TestCheckout_Success(t *testing.T) {
	engine := &EngineMock{txn: &domain.Transaction{
		ID:            "8b0d6c1e-2f57-4a53-9d4e-0c7c9b1f1a11",
		CartID:        1,
		TotalAmount:   decimal.RequireFromString("20"),
		TotalWeight:   decimal.RequireFromString("1"),
		PaymentMethod: domain.PaymentMethodCard,
		Status:        domain.TransactionStatusCompleted,
	}}
	router, _ := newTestRouter(engine)

	rr := do(t, router, http.MethodPost, "/api/v1/carts/1/checkout", `{"email":"a@b.co","payment_method":"card"}`)

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, service.CheckoutRequest{CartID: 1, Email: "a@b.co", PaymentMethod: "card"}, engine.checkoutReq)

	var resp CheckoutResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.False(t, resp.Degraded)
	assert.True(t, resp.Transaction.TotalAmount.Equal(decimal.RequireFromString("20")))
}

func TestCheckout_Degraded(t *testing.T) {
	engine := &EngineMock{
		txn: &domain.Transaction{ID: "txn-1", CartID: 1, Status: domain.TransactionStatusCompleted},
		err: service.ErrDegraded,
	}
	router, _ := newTestRouter(engine)

	rr := do(t, router, http.MethodPost, "/api/v1/carts/1/checkout", `{"payment_method":"cash"}`)

	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp CheckoutResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Degraded)
	assert.Equal(t, "txn-1", resp.Transaction.ID)
}

func TestCheckout_EmptyCart(t *testing.T) {
	router, _ := newTestRouter(&EngineMock{err: service.ErrEmptyCart})

	rr := do(t, router, http.MethodPost, "/api/v1/carts/1/checkout", `{"payment_method":"card"}`)

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "empty_cart", decodeError(t, rr).Code)
}

func TestCartMutations(t *testing.T) {
	engine := &EngineMock{cart: &domain.Cart{ID: 1, Status: domain.CartStatusActive}}
	router, _ := newTestRouter(engine)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/carts/1/resync"},
		{http.MethodPost, "/api/v1/carts/1/reactivate"},
		{http.MethodDelete, "/api/v1/carts/1/lines/4"},
	}
	for _, tt := range tests {
		rr := do(t, router, tt.method, tt.path, "")
		assert.Equal(t, http.StatusOK, rr.Code, tt.path)
	}

	rr := do(t, router, http.MethodDelete, "/api/v1/carts/1/lines/x", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProducts(t *testing.T) {
	engine := &EngineMock{
		product:  &domain.Product{ID: 1, Name: "Milk", RFIDTag: "E1", StockCount: 3},
		products: []*domain.Product{{ID: 1}, {ID: 2}},
	}
	router, _ := newTestRouter(engine)

	rr := do(t, router, http.MethodPost, "/api/v1/products",
		`{"name":"Milk","rfid_tag":"E1","unit_price":"1.99","unit_weight":0.5,"stock_count":3}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "Milk", engine.productIn.Name)
	assert.True(t, engine.productIn.UnitPrice.Equal(decimal.RequireFromString("1.99")))
	assert.True(t, engine.productIn.UnitWeight.Equal(decimal.RequireFromString("0.5")))

	rr = do(t, router, http.MethodPatch, "/api/v1/products/1", `{"name":"Oat milk"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, engine.productUpd.Name)
	assert.Equal(t, "Oat milk", *engine.productUpd.Name)
	assert.Nil(t, engine.productUpd.UnitPrice)

	// stock is not a catalog field
	rr = do(t, router, http.MethodPatch, "/api/v1/products/1", `{"stock_count":10}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodPost, "/api/v1/products/1/restock", `{"quantity":5}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(5), engine.restockQty)

	rr = do(t, router, http.MethodGet, "/api/v1/products", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var products []domain.Product
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&products))
	assert.Len(t, products, 2)

	rr = do(t, router, http.MethodGet, "/api/v1/products/1", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTransactions(t *testing.T) {
	engine := &EngineMock{
		txn:  &domain.Transaction{ID: "t1"},
		txns: []*domain.Transaction{{ID: "t2"}, {ID: "t1"}},
	}
	router, _ := newTestRouter(engine)

	rr := do(t, router, http.MethodGet, "/api/v1/transactions?limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, engine.txnLimit)

	rr = do(t, router, http.MethodGet, "/api/v1/transactions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodGet, "/api/v1/transactions/t1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"id":"t1"`)
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(&EngineMock{})

	rr := do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "shelftodoor_http_requests_total")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, logger.Discard())
	rl.getLimiter("10.0.0.1")
	rl.getLimiter("10.0.0.2")
	rl.limiters["10.0.0.1"].lastSeen = time.Now().Add(-time.Hour)

	rl.Cleanup()

	assert.Len(t, rl.limiters, 1)
	assert.Contains(t, rl.limiters, "10.0.0.2")
}
