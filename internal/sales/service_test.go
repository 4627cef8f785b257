package sales

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockStore struct {
	CreateErr   error
	Created     *domain.SaleRequest
	VoidErr     error
	VoidReason  string
	Totals      []domain.MethodTotal
	Previous    []domain.MethodTotal
	Windows     [][2]time.Time
	Top         []domain.ProductSales
	TopLimit    int
	Users       map[int64]*domain.User
	UserErr     error
	OpenErr     error
	ClosedWith  *domain.CloseSessionRequest
	Difference  decimal.Decimal
	ListedWith  *domain.SaleFilter
	StatsCalled bool
}

func (m *MockStore) CreateSale(_ context.Context, req *domain.SaleRequest) (*domain.Sale, error) {
	m.Created = req
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	sale := &domain.Sale{ID: 10, SessionID: req.SessionID, PaymentMethod: req.PaymentMethod, Status: domain.SaleStatusCompleted}
	for _, it := range req.Items {
		sale.Items = append(sale.Items, domain.SaleItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return sale, nil
}

func (m *MockStore) VoidSale(_ context.Context, id, userID int64, reason string) (*domain.Sale, error) {
	m.VoidReason = reason
	if m.VoidErr != nil {
		return nil, m.VoidErr
	}
	return &domain.Sale{
		ID:       id,
		Status:   domain.SaleStatusVoided,
		VoidedBy: &userID,
		Items:    []domain.SaleItem{{ProductID: 4, Quantity: 1}},
	}, nil
}

func (m *MockStore) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	return &domain.Sale{ID: id}, nil
}

func (m *MockStore) ListSales(_ context.Context, f domain.SaleFilter) ([]domain.Sale, error) {
	m.ListedWith = &f
	return []domain.Sale{}, nil
}

// SalesByMethod answers Totals for the current window and Previous for the
// window before it; Stats asks for them in that order.
func (m *MockStore) SalesByMethod(_ context.Context, from, to time.Time) ([]domain.MethodTotal, error) {
	m.StatsCalled = true
	m.Windows = append(m.Windows, [2]time.Time{from, to})
	if len(m.Windows)%2 == 0 {
		return m.Previous, nil
	}
	return m.Totals, nil
}

func (m *MockStore) TopProducts(_ context.Context, _, _ time.Time, limit int) ([]domain.ProductSales, error) {
	m.TopLimit = limit
	return m.Top, nil
}

func (m *MockStore) ListUsers(context.Context) ([]domain.User, error) {
	out := []domain.User{}
	for _, u := range m.Users {
		out = append(out, *u)
	}
	return out, nil
}

func (m *MockStore) GetUser(_ context.Context, id int64) (*domain.User, error) {
	if u, ok := m.Users[id]; ok {
		return u, nil
	}
	return nil, errors.New("user not found")
}

func (m *MockStore) CreateUser(_ context.Context, req *domain.CreateUserRequest) (*domain.User, error) {
	if m.UserErr != nil {
		return nil, m.UserErr
	}
	if m.Users == nil {
		m.Users = make(map[int64]*domain.User)
	}
	u := &domain.User{ID: int64(len(m.Users) + 1), Username: req.Username, FullName: req.FullName, Role: req.Role, Active: true}
	m.Users[u.ID] = u
	return u, nil
}

func (m *MockStore) SetUserActive(_ context.Context, id int64, active bool) (*domain.User, error) {
	u, ok := m.Users[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	u.Active = active
	return u, nil
}

func (m *MockStore) GetActiveSession(_ context.Context, userID int64) (*domain.CashSession, error) {
	return &domain.CashSession{ID: 1, OpenedBy: userID, Status: domain.SessionStatusOpen}, nil
}

func (m *MockStore) GetSession(_ context.Context, id int64) (*domain.CashSession, error) {
	return &domain.CashSession{ID: id}, nil
}

func (m *MockStore) OpenSession(_ context.Context, req *domain.OpenSessionRequest) (*domain.CashSession, error) {
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	return &domain.CashSession{ID: 1, OpenedBy: req.UserID, OpeningAmount: req.OpeningAmount, Status: domain.SessionStatusOpen}, nil
}

func (m *MockStore) CloseSession(_ context.Context, id int64, req *domain.CloseSessionRequest) (*domain.CashSession, error) {
	m.ClosedWith = req
	return &domain.CashSession{
		ID:         id,
		Status:     domain.SessionStatusClosed,
		Difference: decimal.NewNullDecimal(m.Difference),
	}, nil
}

type recordingCache struct {
	invalidated [][]int64
}

func (c *recordingCache) Invalidate(_ context.Context, ids []int64) {
	c.invalidated = append(c.invalidated, ids)
}

func newService() (*Service, *MockStore, *recordingCache, *metrics.Registry) {
	store := &MockStore{}
	cache := &recordingCache{}
	m := metrics.NewRegistry()
	return NewService(store, cache, zap.NewNop(), m), store, cache, m
}

func validRequest() *domain.SaleRequest {
	return &domain.SaleRequest{
		ClientID:      1,
		UserID:        1,
		SessionID:     3,
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleRequestItem{
			{ProductID: 4, Quantity: 2, UnitPrice: decimal.RequireFromString("10")},
			{ProductID: 5, Quantity: 1},
			{ProductID: 4, Quantity: 1},
		},
	}
}

func TestCreateSale_InvalidatesTouchedProducts(t *testing.T) {
	svc, store, cache, m := newService()

	sale, err := svc.CreateSale(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(10), sale.ID)
	require.NotNil(t, store.Created)
	require.Len(t, cache.invalidated, 1)
	assert.Equal(t, []int64{4, 5}, cache.invalidated[0])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SalesCreated.WithLabelValues("CASH")))
}

func TestCreateSale_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *domain.SaleRequest)
		want   string
	}{
		{"missing client", func(r *domain.SaleRequest) { r.ClientID = 0 }, "client_id"},
		{"missing user", func(r *domain.SaleRequest) { r.UserID = 0 }, "user_id"},
		{"missing session", func(r *domain.SaleRequest) { r.SessionID = 0 }, "session_id"},
		{"bad method", func(r *domain.SaleRequest) { r.PaymentMethod = "CHEQUE" }, "payment_method"},
		{"no items", func(r *domain.SaleRequest) { r.Items = nil }, "at least one item"},
		{"zero quantity", func(r *domain.SaleRequest) { r.Items[1].Quantity = 0 }, "items[1]: quantity"},
		{"negative discount", func(r *domain.SaleRequest) {
			r.Items[0].Discount = decimal.RequireFromString("-1")
		}, "items[0]: discount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, cache, _ := newService()
			req := validRequest()
			tt.mutate(req)

			_, err := svc.CreateSale(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidSale)
			assert.Contains(t, err.Error(), tt.want)
			assert.Nil(t, store.Created, "store must not be reached")
			assert.Empty(t, cache.invalidated)
		})
	}
}

func TestCreateSale_StoreErrorLeavesCache(t *testing.T) {
	svc, store, cache, _ := newService()
	storeErr := errors.New("insufficient stock")
	store.CreateErr = storeErr

	_, err := svc.CreateSale(context.Background(), validRequest())
	assert.ErrorIs(t, err, storeErr)
	assert.Empty(t, cache.invalidated)
}

func TestVoidSale(t *testing.T) {
	svc, store, cache, m := newService()
	ctx := context.Background()

	_, err := svc.VoidSale(ctx, 10, &domain.VoidSaleRequest{UserID: 0, Reason: "x"})
	assert.ErrorIs(t, err, ErrInvalidVoid)
	_, err = svc.VoidSale(ctx, 10, &domain.VoidSaleRequest{UserID: 2, Reason: "   "})
	assert.ErrorIs(t, err, ErrInvalidVoid)

	sale, err := svc.VoidSale(ctx, 10, &domain.VoidSaleRequest{UserID: 2, Reason: " devolucion "})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusVoided, sale.Status)
	assert.Equal(t, "devolucion", store.VoidReason)
	assert.Equal(t, [][]int64{{4}}, cache.invalidated)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SalesVoided))
}

func TestStats_AverageRoundsHalfUp(t *testing.T) {
	svc, store, _, _ := newService()
	store.Totals = []domain.MethodTotal{
		{PaymentMethod: domain.PaymentCash, Count: 2, Total: decimal.RequireFromString("10.00")},
		{PaymentMethod: domain.PaymentCard, Count: 1, Total: decimal.RequireFromString("0.01")},
	}
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	st, err := svc.Stats(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, "10.01", st.Total.StringFixed(2))
	// 10.01 / 3 = 3.33666...
	assert.Equal(t, "3.34", st.AverageTicket.StringFixed(2))
	assert.Len(t, st.ByMethod, 2)
}

func TestStats_EmptyAndInvalidRange(t *testing.T) {
	svc, store, _, _ := newService()
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	st, err := svc.Stats(context.Background(), from, from.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count)
	assert.True(t, st.AverageTicket.IsZero())

	store.StatsCalled = false
	_, err = svc.Stats(context.Background(), from, from)
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.False(t, store.StatsCalled)
}

func TestListSales_RejectsInvertedRange(t *testing.T) {
	svc, store, _, _ := newService()
	from := time.Now()
	to := from.Add(-time.Hour)

	_, err := svc.ListSales(context.Background(), domain.SaleFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Nil(t, store.ListedWith)

	_, err = svc.ListSales(context.Background(), domain.SaleFilter{})
	require.NoError(t, err)
	assert.NotNil(t, store.ListedWith)
}

func TestSessions(t *testing.T) {
	svc, store, _, m := newService()
	ctx := context.Background()

	_, err := svc.OpenSession(ctx, &domain.OpenSessionRequest{UserID: 1, OpeningAmount: decimal.RequireFromString("-0.01")})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.OpenSession(ctx, &domain.OpenSessionRequest{OpeningAmount: decimal.Zero})
	assert.ErrorIs(t, err, ErrMissingUser)

	cs, err := svc.OpenSession(ctx, &domain.OpenSessionRequest{UserID: 1, OpeningAmount: decimal.Zero})
	require.NoError(t, err)
	assert.True(t, cs.IsOpen())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionTransitions.WithLabelValues("OPEN")))

	_, err = svc.CloseSession(ctx, 1, &domain.CloseSessionRequest{UserID: 1, CountedAmount: decimal.RequireFromString("-5")})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Nil(t, store.ClosedWith)

	store.Difference = decimal.RequireFromString("-2.50")
	closed, err := svc.CloseSession(ctx, 1, &domain.CloseSessionRequest{UserID: 1, CountedAmount: decimal.RequireFromString("97.50")})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusClosed, closed.Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionTransitions.WithLabelValues("CLOSED")))

	_, err = svc.ActiveSession(ctx, 0)
	assert.ErrorIs(t, err, ErrMissingUser)
	active, err := svc.ActiveSession(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), active.OpenedBy)
}

func TestStats_ComparesWithPreviousWindow(t *testing.T) {
	svc, store, _, _ := newService()
	store.Totals = []domain.MethodTotal{
		{PaymentMethod: domain.PaymentCash, Count: 3, Total: decimal.RequireFromString("150.00")},
	}
	store.Previous = []domain.MethodTotal{
		{PaymentMethod: domain.PaymentCash, Count: 1, Total: decimal.RequireFromString("90.00")},
		{PaymentMethod: domain.PaymentCard, Count: 1, Total: decimal.RequireFromString("30.00")},
	}
	from := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	st, err := svc.Stats(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, store.Windows, 2)
	assert.Equal(t, [2]time.Time{from.AddDate(0, 0, -7), from}, store.Windows[1])
	assert.Equal(t, "120.00", st.PreviousTotal.StringFixed(2))
	// (150 - 120) / 120 = 0.25
	assert.Equal(t, "25.00", st.ChangePct.StringFixed(2))
}

func TestStats_ChangeRoundsHalfUpToFourPlaces(t *testing.T) {
	svc, store, _, _ := newService()
	store.Totals = []domain.MethodTotal{{PaymentMethod: domain.PaymentCash, Count: 1, Total: decimal.RequireFromString("20.00")}}
	store.Previous = []domain.MethodTotal{{PaymentMethod: domain.PaymentCash, Count: 1, Total: decimal.RequireFromString("30.00")}}
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	st, err := svc.Stats(context.Background(), from, from.Add(time.Hour))
	require.NoError(t, err)
	// -10 / 30 = -0.33333.. -> -0.3333 -> -33.33
	assert.Equal(t, "-33.33", st.ChangePct.StringFixed(2))
}

func TestStats_NoPreviousSalesMeansNoChange(t *testing.T) {
	svc, store, _, _ := newService()
	store.Totals = []domain.MethodTotal{{PaymentMethod: domain.PaymentCash, Count: 1, Total: decimal.RequireFromString("20.00")}}
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	st, err := svc.Stats(context.Background(), from, from.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, st.PreviousTotal.IsZero())
	assert.True(t, st.ChangePct.IsZero())
}

func TestTopProducts(t *testing.T) {
	svc, store, _, _ := newService()
	store.Top = []domain.ProductSales{{ProductID: 2, Name: "Lapicero", Quantity: 5, Total: decimal.RequireFromString("11.50")}}
	ctx := context.Background()
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	top, err := svc.TopProducts(ctx, from, to, 0)
	require.NoError(t, err)
	assert.Len(t, top, 1)
	assert.Equal(t, DefaultTopProducts, store.TopLimit)

	_, err = svc.TopProducts(ctx, from, to, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, store.TopLimit)

	_, err = svc.TopProducts(ctx, from, to, -1)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = svc.TopProducts(ctx, from, to, 101)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = svc.TopProducts(ctx, to, from, 5)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestSessions_RejectFractionalCents(t *testing.T) {
	svc, store, _, _ := newService()
	ctx := context.Background()

	_, err := svc.OpenSession(ctx, &domain.OpenSessionRequest{UserID: 1, OpeningAmount: decimal.RequireFromString("100.005")})
	assert.ErrorIs(t, err, ErrAmountScale)

	_, err = svc.CloseSession(ctx, 1, &domain.CloseSessionRequest{UserID: 1, CountedAmount: decimal.RequireFromString("97.499")})
	assert.ErrorIs(t, err, ErrAmountScale)
	assert.Nil(t, store.ClosedWith)

	// trailing zeros are not extra precision
	_, err = svc.CloseSession(ctx, 1, &domain.CloseSessionRequest{UserID: 1, CountedAmount: decimal.RequireFromString("97.500")})
	require.NoError(t, err)
}

func TestCreateUser(t *testing.T) {
	svc, store, _, _ := newService()
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, &domain.CreateUserRequest{Username: "  Caja2 ", FullName: " Cajero Dos "})
	require.NoError(t, err)
	assert.Equal(t, "caja2", u.Username)
	assert.Equal(t, "Cajero Dos", u.FullName)
	assert.Equal(t, domain.RoleCashier, u.Role)

	_, err = svc.CreateUser(ctx, &domain.CreateUserRequest{Username: "mala cuenta", Role: "OWNER"})
	require.ErrorIs(t, err, ErrInvalidUser)
	assert.Contains(t, err.Error(), "without spaces")
	assert.Contains(t, err.Error(), "full_name is required")
	assert.Contains(t, err.Error(), `role "OWNER"`)

	store.UserErr = errors.New("username already exists")
	_, err = svc.CreateUser(ctx, &domain.CreateUserRequest{Username: "caja2", FullName: "Otra"})
	assert.EqualError(t, err, "username already exists")

	disabled, err := svc.SetUserActive(ctx, u.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Active)
}
