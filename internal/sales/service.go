package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidSale   = errors.New("invalid sale")
	ErrInvalidVoid   = errors.New("invalid void request")
	ErrInvalidAmount = errors.New("amount must not be negative")
	ErrInvalidRange  = errors.New("invalid date range")
	ErrMissingUser   = errors.New("user_id is required")
	ErrAmountScale   = errors.New("amount must have at most two decimal places")
	ErrInvalidLimit  = errors.New("limit must be between 1 and 100")
	ErrInvalidUser   = errors.New("invalid user")
)

const (
	DefaultTopProducts = 10
	maxTopProducts     = 100
)

type Store interface {
	CreateSale(ctx context.Context, req *domain.SaleRequest) (*domain.Sale, error)
	VoidSale(ctx context.Context, id, userID int64, reason string) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	ListSales(ctx context.Context, f domain.SaleFilter) ([]domain.Sale, error)
	SalesByMethod(ctx context.Context, from, to time.Time) ([]domain.MethodTotal, error)
	TopProducts(ctx context.Context, from, to time.Time, limit int) ([]domain.ProductSales, error)

	GetActiveSession(ctx context.Context, userID int64) (*domain.CashSession, error)
	GetSession(ctx context.Context, id int64) (*domain.CashSession, error)
	OpenSession(ctx context.Context, req *domain.OpenSessionRequest) (*domain.CashSession, error)
	CloseSession(ctx context.Context, id int64, req *domain.CloseSessionRequest) (*domain.CashSession, error)

	ListUsers(ctx context.Context) ([]domain.User, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	CreateUser(ctx context.Context, req *domain.CreateUserRequest) (*domain.User, error)
	SetUserActive(ctx context.Context, id int64, active bool) (*domain.User, error)
}

// StockCache is told which products changed stock after a commit.
type StockCache interface {
	Invalidate(ctx context.Context, ids []int64)
}

type Service struct {
	store Store
	cache StockCache
	log   *zap.Logger
	m     *metrics.Registry
}

func NewService(store Store, cache StockCache, log *zap.Logger, m *metrics.Registry) *Service {
	return &Service{store: store, cache: cache, log: log, m: m}
}

func validateSale(req *domain.SaleRequest) error {
	var problems []string
	if req.ClientID <= 0 {
		problems = append(problems, "client_id is required")
	}
	if req.UserID <= 0 {
		problems = append(problems, "user_id is required")
	}
	if req.SessionID <= 0 {
		problems = append(problems, "session_id is required")
	}
	if !req.PaymentMethod.Valid() {
		problems = append(problems, fmt.Sprintf("payment_method %q is not CASH, CARD or MIXED", req.PaymentMethod))
	}
	if len(req.Items) == 0 {
		problems = append(problems, "at least one item is required")
	}
	for i, item := range req.Items {
		if item.ProductID <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d]: product_id is required", i))
		}
		if item.Quantity < 1 {
			problems = append(problems, fmt.Sprintf("items[%d]: quantity must be at least 1", i))
		}
		if item.Discount.IsNegative() {
			problems = append(problems, fmt.Sprintf("items[%d]: discount must not be negative", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSale, strings.Join(problems, "; "))
	}
	return nil
}

func (s *Service) CreateSale(ctx context.Context, req *domain.SaleRequest) (*domain.Sale, error) {
	if err := validateSale(req); err != nil {
		return nil, err
	}

	sale, err := s.store.CreateSale(ctx, req)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, sale.ProductIDs())
	s.m.SalesCreated.WithLabelValues(string(sale.PaymentMethod)).Inc()
	s.log.Info("sale created",
		zap.Int64("sale_id", sale.ID),
		zap.Int64("session_id", sale.SessionID),
		zap.String("total", sale.Total.StringFixed(2)),
		zap.String("payment_method", string(sale.PaymentMethod)),
		zap.Int("items", len(sale.Items)))
	return sale, nil
}

func (s *Service) VoidSale(ctx context.Context, id int64, req *domain.VoidSaleRequest) (*domain.Sale, error) {
	if req.UserID <= 0 {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidVoid)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidVoid)
	}

	sale, err := s.store.VoidSale(ctx, id, req.UserID, reason)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, sale.ProductIDs())
	s.m.SalesVoided.Inc()
	s.log.Info("sale voided",
		zap.Int64("sale_id", sale.ID),
		zap.Int64("voided_by", req.UserID),
		zap.String("reason", reason))
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	return s.store.GetSale(ctx, id)
}

func (s *Service) ListSales(ctx context.Context, f domain.SaleFilter) ([]domain.Sale, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, ErrInvalidRange
	}
	return s.store.ListSales(ctx, f)
}

// Stats summarises completed sales in [from, to) and compares the total
// with the window of the same length just before from.
func (s *Service) Stats(ctx context.Context, from, to time.Time) (*domain.SalesStats, error) {
	if !from.Before(to) {
		return nil, ErrInvalidRange
	}
	byMethod, err := s.store.SalesByMethod(ctx, from, to)
	if err != nil {
		return nil, err
	}
	previous, err := s.store.SalesByMethod(ctx, from.Add(-to.Sub(from)), from)
	if err != nil {
		return nil, err
	}

	st := &domain.SalesStats{
		From:          from,
		To:            to,
		Total:         decimal.Zero,
		AverageTicket: decimal.Zero,
		ByMethod:      byMethod,
		PreviousTotal: decimal.Zero,
		ChangePct:     decimal.Zero,
	}
	for _, mt := range byMethod {
		st.Total = st.Total.Add(mt.Total)
		st.Count += mt.Count
	}
	for _, mt := range previous {
		st.PreviousTotal = st.PreviousTotal.Add(mt.Total)
	}
	if st.Count > 0 {
		st.AverageTicket = st.Total.Div(decimal.NewFromInt(int64(st.Count))).Round(2)
	}
	if st.PreviousTotal.IsPositive() {
		st.ChangePct = st.Total.Sub(st.PreviousTotal).
			DivRound(st.PreviousTotal, 4).
			Mul(decimal.NewFromInt(100))
	}
	return st, nil
}

// TopProducts ranks the best sellers in [from, to). A zero limit means
// DefaultTopProducts.
func (s *Service) TopProducts(ctx context.Context, from, to time.Time, limit int) ([]domain.ProductSales, error) {
	if !from.Before(to) {
		return nil, ErrInvalidRange
	}
	if limit == 0 {
		limit = DefaultTopProducts
	}
	if limit < 1 || limit > maxTopProducts {
		return nil, ErrInvalidLimit
	}
	return s.store.TopProducts(ctx, from, to, limit)
}

func validateAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return ErrAmountScale
	}
	return nil
}

func (s *Service) ActiveSession(ctx context.Context, userID int64) (*domain.CashSession, error) {
	if userID <= 0 {
		return nil, ErrMissingUser
	}
	return s.store.GetActiveSession(ctx, userID)
}

func (s *Service) GetSession(ctx context.Context, id int64) (*domain.CashSession, error) {
	return s.store.GetSession(ctx, id)
}

func (s *Service) OpenSession(ctx context.Context, req *domain.OpenSessionRequest) (*domain.CashSession, error) {
	if req.UserID <= 0 {
		return nil, ErrMissingUser
	}
	if err := validateAmount(req.OpeningAmount); err != nil {
		return nil, err
	}
	cs, err := s.store.OpenSession(ctx, req)
	if err != nil {
		return nil, err
	}
	s.m.SessionTransitions.WithLabelValues(domain.SessionStatusOpen.String()).Inc()
	s.log.Info("cash session opened",
		zap.Int64("session_id", cs.ID),
		zap.Int64("user_id", cs.OpenedBy),
		zap.String("opening_amount", cs.OpeningAmount.StringFixed(2)))
	return cs, nil
}

func (s *Service) CloseSession(ctx context.Context, id int64, req *domain.CloseSessionRequest) (*domain.CashSession, error) {
	if req.UserID <= 0 {
		return nil, ErrMissingUser
	}
	if err := validateAmount(req.CountedAmount); err != nil {
		return nil, err
	}
	cs, err := s.store.CloseSession(ctx, id, req)
	if err != nil {
		return nil, err
	}
	s.m.SessionTransitions.WithLabelValues(domain.SessionStatusClosed.String()).Inc()
	log := s.log.With(zap.Int64("session_id", cs.ID), zap.String("difference", cs.Difference.Decimal.StringFixed(2)))
	if !cs.Difference.Decimal.IsZero() {
		log.Warn("cash session closed with a difference")
	} else {
		log.Info("cash session closed")
	}
	return cs, nil
}
