package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gabri117/libreria/internal/backend"
	"github.com/gabri117/libreria/internal/cart"
	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/respond"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockBackend is an in-memory sales service.
type MockBackend struct {
	mu        sync.Mutex
	products  map[int64]domain.Product
	clients   map[int64]domain.Client
	active    map[int64]*domain.CashSession
	sales     []*domain.SaleRequest
	expected  decimal.Decimal
	submitErr error
	activeErr error
	syncCalls int

	statsFrom, statsTo time.Time
}

func newMockBackend() *MockBackend {
	return &MockBackend{
		products: map[int64]domain.Product{
			1: {ID: 1, Name: "Cuaderno", Price: dec("10.00"), WholesalePrice: dec("8.00"), CostPrice: dec("6.00"), Stock: 2, Active: true},
			2: {ID: 2, Name: "Lapicero", Price: dec("2.50"), WholesalePrice: dec("2.00"), CostPrice: dec("1.25"), Stock: 40, Active: true},
			3: {ID: 3, Name: "Agenda 2019", Price: dec("5.00"), Stock: 10, Active: false},
		},
		clients: map[int64]domain.Client{
			7: {ID: 7, Name: "Papeleria Central", Tier: domain.TierWholesale, Active: true},
			8: {ID: 8, Name: "Cliente dado de baja", Tier: domain.TierPublic, Active: false},
		},
		active: make(map[int64]*domain.CashSession),
	}
}

func notFound(what string) error {
	return &backend.APIError{Status: http.StatusNotFound, Code: what + "_not_found", Message: what + " not found"}
}

func (m *MockBackend) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, notFound("product")
	}
	return &p, nil
}

func (m *MockBackend) ListProducts(ctx context.Context) ([]domain.Product, error) {
	out := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	return out, nil
}

func (m *MockBackend) GetClient(ctx context.Context, id int64) (*domain.Client, error) {
	c, ok := m.clients[id]
	if !ok {
		return nil, notFound("client")
	}
	return &c, nil
}

func (m *MockBackend) ListClients(ctx context.Context) ([]domain.Client, error) {
	return []domain.Client{m.clients[7]}, nil
}

func (m *MockBackend) SubmitSale(ctx context.Context, req *domain.SaleRequest) (*domain.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.sales = append(m.sales, req)
	return &domain.Sale{ID: int64(len(m.sales)), ClientID: req.ClientID, SessionID: req.SessionID, Status: domain.SaleStatusCompleted}, nil
}

func (m *MockBackend) ListSales(ctx context.Context, f domain.SaleFilter) ([]domain.Sale, error) {
	return []domain.Sale{{ID: 1}}, nil
}

func (m *MockBackend) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	if id != 1 {
		return nil, notFound("sale")
	}
	return &domain.Sale{ID: 1, Status: domain.SaleStatusCompleted}, nil
}

func (m *MockBackend) VoidSale(ctx context.Context, id int64, req *domain.VoidSaleRequest) (*domain.Sale, error) {
	by := req.UserID
	return &domain.Sale{ID: id, Status: domain.SaleStatusVoided, VoidReason: req.Reason, VoidedBy: &by}, nil
}

func (m *MockBackend) SalesStats(ctx context.Context, from, to time.Time) (*domain.SalesStats, error) {
	m.statsFrom, m.statsTo = from, to
	return &domain.SalesStats{From: from, To: to, Count: 4, Total: dec("42.00")}, nil
}

func (m *MockBackend) ActiveSession(ctx context.Context, userID int64) (*domain.CashSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncCalls++
	if m.activeErr != nil {
		return nil, m.activeErr
	}
	if s, ok := m.active[userID]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (m *MockBackend) OpenSession(ctx context.Context, req *domain.OpenSessionRequest) (*domain.CashSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &domain.CashSession{ID: 9, OpenedBy: req.UserID, OpeningAmount: req.OpeningAmount, Status: domain.SessionStatusOpen}
	m.active[req.UserID] = s
	c := *s
	return &c, nil
}

func (m *MockBackend) CloseSession(ctx context.Context, sessionID int64, req *domain.CloseSessionRequest) (*domain.CashSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, req.UserID)
	return &domain.CashSession{
		ID:             sessionID,
		OpenedBy:       req.UserID,
		ExpectedAmount: decimal.NewNullDecimal(m.expected),
		Status:         domain.SessionStatusClosed,
	}, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setupRouter(t *testing.T, b *MockBackend) (http.Handler, *Registry) {
	t.Helper()
	log := zap.NewNop()
	reg := NewRegistry(b, log, nil)
	h := NewHandler(reg, b, 5*time.Second, log)
	r := chi.NewRouter()
	h.Register(r)
	return r, reg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Operator-ID", "1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeCart(t *testing.T, rec *httptest.ResponseRecorder) cart.Snapshot {
	t.Helper()
	var s cart.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	return s
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) respond.ErrorResponse {
	t.Helper()
	var e respond.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e
}

func TestHandler_RequiresOperator(t *testing.T) {
	r, _ := setupRouter(t, newMockBackend())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Code)
}

func TestHandler_AddItemAndSelectClient(t *testing.T) {
	r, _ := setupRouter(t, newMockBackend())

	rec := do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	snap := decodeCart(t, rec)
	require.Len(t, snap.Lines, 1)
	assert.True(t, snap.Total.Equal(dec("10.00")))
	assert.Nil(t, snap.Client)

	rec = do(t, r, http.MethodPut, "/api/v1/cart/client", `{"client_id":7}`)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decodeCart(t, rec)
	require.NotNil(t, snap.Client)
	assert.Equal(t, int64(7), snap.Client.ID)
	assert.True(t, snap.Total.Equal(dec("8.00")))

	rec = do(t, r, http.MethodPut, "/api/v1/cart/client", `{"client_id":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decodeCart(t, rec)
	assert.Nil(t, snap.Client)
	assert.True(t, snap.Total.Equal(dec("10.00")))
}

func TestHandler_AddItemEnforcesStock(t *testing.T) {
	r, _ := setupRouter(t, newMockBackend())

	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":1}`).Code)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":1}`).Code)

	rec := do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_stock", decodeError(t, rec).Code)

	rec = do(t, r, http.MethodPut, "/api/v1/cart/items/1", `{"quantity":3}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/v1/cart", "")
	assert.Equal(t, 2, decodeCart(t, rec).Lines[0].Quantity)
}

func TestHandler_AddItemRejections(t *testing.T) {
	r, _ := setupRouter(t, newMockBackend())

	rec := do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":3}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "product_inactive", decodeError(t, rec).Code)

	rec = do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":99}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "product_not_found", e.Code)
	assert.Equal(t, "product not found", e.Details)

	rec = do(t, r, http.MethodPut, "/api/v1/cart/client", `{"client_id":8}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_UpdateAndRemoveItems(t *testing.T) {
	r, _ := setupRouter(t, newMockBackend())
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":2}`).Code)

	rec := do(t, r, http.MethodPut, "/api/v1/cart/items/2", `{"quantity":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeCart(t, rec).Total.Equal(dec("10.00")))

	rec = do(t, r, http.MethodPut, "/api/v1/cart/items/1", `{"quantity":4}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodPut, "/api/v1/cart/items/2", `{"quantity":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeCart(t, rec).Lines)

	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":2}`).Code)
	rec = do(t, r, http.MethodDelete, "/api/v1/cart/items/2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeCart(t, rec).Lines)
}

func TestHandler_UpdateQuantityUsesLiveStock(t *testing.T) {
	b := newMockBackend()
	r, _ := setupRouter(t, b)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":2}`).Code)

	// another terminal sold most of the stock after the line was added
	p := b.products[2]
	p.Stock = 3
	b.products[2] = p

	rec := do(t, r, http.MethodPut, "/api/v1/cart/items/2", `{"quantity":4}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_stock", decodeError(t, rec).Code)

	rec = do(t, r, http.MethodPut, "/api/v1/cart/items/2", `{"quantity":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decodeCart(t, rec).Lines[0].Quantity)

	p.Stock = 50
	b.products[2] = p
	rec = do(t, r, http.MethodPut, "/api/v1/cart/items/2", `{"quantity":45}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 45, decodeCart(t, rec).Lines[0].Quantity)
}

func TestHandler_SessionLifecycle(t *testing.T) {
	b := newMockBackend()
	b.expected = dec("140.00")
	r, _ := setupRouter(t, b)

	rec := do(t, r, http.MethodGet, "/api/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view SessionView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "CLOSED", view.State)

	rec = do(t, r, http.MethodPost, "/api/v1/session/open", `{"opening_amount":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/session/open", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/session/open", `{"opening_amount":"100.00"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "OPEN", view.State)

	rec = do(t, r, http.MethodPost, "/api/v1/session/open", `{"opening_amount":"100.00"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/session/close", `{"counted_amount":"150.00"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	view = SessionView{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "CLOSED", view.State)
	require.NotNil(t, view.LastClosed)
	assert.True(t, view.LastClosed.Difference.Decimal.Equal(dec("10.00")))

	rec = do(t, r, http.MethodPost, "/api/v1/session/close", `{"counted_amount":"150.00"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_Checkout(t *testing.T) {
	b := newMockBackend()
	r, _ := setupRouter(t, b)

	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/v1/cart/items", `{"product_id":2}`).Code)

	rec := do(t, r, http.MethodPost, "/api/v1/checkout", "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "no_client_selected", decodeError(t, rec).Code)

	require.Equal(t, http.StatusOK, do(t, r, http.MethodPut, "/api/v1/cart/client", `{"client_id":7}`).Code)
	rec = do(t, r, http.MethodPost, "/api/v1/checkout", "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "session_closed", decodeError(t, rec).Code)

	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/v1/session/open", `{"opening_amount":"50"}`).Code)

	b.submitErr = &backend.APIError{Status: http.StatusConflict, Code: "insufficient_stock", Message: "insufficient stock for Lapicero"}
	rec = do(t, r, http.MethodPost, "/api/v1/checkout", `{"payment_method":"CARD"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient stock for Lapicero", decodeError(t, rec).Details)

	b.submitErr = errors.New("connection refused")
	rec = do(t, r, http.MethodPost, "/api/v1/checkout", `{"payment_method":"CARD"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "connection refused", decodeError(t, rec).Details)

	rec = do(t, r, http.MethodGet, "/api/v1/cart", "")
	assert.Len(t, decodeCart(t, rec).Lines, 1)

	b.submitErr = nil
	rec = do(t, r, http.MethodPost, "/api/v1/checkout", `{"payment_method":"CARD"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, b.sales, 1)
	assert.Equal(t, domain.PaymentCard, b.sales[0].PaymentMethod)
	assert.Equal(t, int64(1), b.sales[0].UserID)
	assert.Equal(t, int64(9), b.sales[0].SessionID)
	assert.True(t, b.sales[0].Items[0].UnitPrice.Equal(dec("2.00")))

	rec = do(t, r, http.MethodGet, "/api/v1/cart", "")
	snap := decodeCart(t, rec)
	assert.Empty(t, snap.Lines)
	assert.Nil(t, snap.Client)
}

func TestHandler_Sales(t *testing.T) {
	r, _ := setupRouter(t, newMockBackend())

	rec := do(t, r, http.MethodGet, "/api/v1/sales?payment_method=CASH", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/v1/sales?payment_method=CHEQUE", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/v1/sales/2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodPut, "/api/v1/sales/1/void", `{"reason":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPut, "/api/v1/sales/1/void", `{"reason":"wrong client"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var sale domain.Sale
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sale))
	assert.Equal(t, domain.SaleStatusVoided, sale.Status)
	assert.Equal(t, int64(1), *sale.VoidedBy)
}

func TestHandler_SalesStats(t *testing.T) {
	b := newMockBackend()
	r, _ := setupRouter(t, b)

	rec := do(t, r, http.MethodGet, "/api/v1/sales/stats?from=2026-03-01T00:00:00Z&to=2026-03-08T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.SalesStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 4, st.Count)
	assert.True(t, st.Total.Equal(dec("42")))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), b.statsFrom)
	assert.Equal(t, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), b.statsTo)

	rec = do(t, r, http.MethodGet, "/api/v1/sales/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24*time.Hour, b.statsTo.Sub(b.statsFrom))
	assert.Equal(t, time.Now().UTC().Truncate(24*time.Hour), b.statsFrom)

	rec = do(t, r, http.MethodGet, "/api/v1/sales/stats?to=tomorrow", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_filter", decodeError(t, rec).Code)
}

func TestRegistry_OneTerminalPerOperator(t *testing.T) {
	b := newMockBackend()
	b.active[5] = &domain.CashSession{ID: 4, OpenedBy: 5, Status: domain.SessionStatusOpen}
	reg := NewRegistry(b, zap.NewNop(), nil)
	ctx := context.Background()

	t1, err := reg.Get(ctx, 5)
	require.NoError(t, err)
	t2, err := reg.Get(ctx, 5)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	assert.Equal(t, 1, b.syncCalls)

	cs, err := t1.Session.RequireOpen()
	require.NoError(t, err)
	assert.Equal(t, int64(4), cs.ID)

	other, err := reg.Get(ctx, 6)
	require.NoError(t, err)
	assert.NotSame(t, t1, other)
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_SyncFailureIsNotCached(t *testing.T) {
	b := newMockBackend()
	b.activeErr = errors.New("sales service down")
	reg := NewRegistry(b, zap.NewNop(), nil)

	_, err := reg.Get(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())

	b.activeErr = nil
	_, err = reg.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
}
