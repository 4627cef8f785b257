package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/gabri117/libreria/internal/cart"
	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/metrics"
	"github.com/gabri117/libreria/internal/session"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNoClientSelected     = errors.New("no client selected")
	ErrEmptyCart            = errors.New("cart is empty, nothing to submit")
	ErrSubmissionInProgress = errors.New("a sale submission is already in progress")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
)

// SaleSubmitter sends a sale to the sales service. The call is atomic from
// the terminal's point of view: either the sale exists afterwards or it does not.
type SaleSubmitter interface {
	SubmitSale(ctx context.Context, req *domain.SaleRequest) (*domain.Sale, error)
}

// SaleCart is the part of the cart a submission needs.
type SaleCart interface {
	Hold() (cart.Snapshot, error)
	Release()
	Clear()
}

type SessionGuard interface {
	RequireOpen() (*domain.CashSession, error)
}

type Workflow struct {
	cart      SaleCart
	session   SessionGuard
	submitter SaleSubmitter
	log       *zap.Logger
	metrics   *metrics.Registry
}

func NewWorkflow(c SaleCart, s SessionGuard, submitter SaleSubmitter, log *zap.Logger, m *metrics.Registry) *Workflow {
	return &Workflow{
		cart:      c,
		session:   s,
		submitter: submitter,
		log:       log,
		metrics:   m,
	}
}

// Submit turns the cart into a sale. Preconditions are checked in order: a
// client is selected, the cash session is open, the cart has lines. The cart
// is held for the duration of the call and cleared only once the sale is
// confirmed; on any failure it is released untouched and the submitter's
// error is returned as is.
func (w *Workflow) Submit(ctx context.Context, method domain.PaymentMethod) (*domain.Sale, error) {
	start := time.Now()

	if method == "" {
		method = domain.PaymentCash
	}
	if !method.Valid() {
		w.record("rejected", start)
		return nil, ErrInvalidPaymentMethod
	}

	snap, err := w.cart.Hold()
	if errors.Is(err, cart.ErrCartHeld) {
		w.record("rejected", start)
		return nil, ErrSubmissionInProgress
	}
	if err != nil {
		w.record("rejected", start)
		return nil, err
	}

	cs, err := w.check(snap)
	if err != nil {
		w.cart.Release()
		w.record("rejected", start)
		return nil, err
	}

	req := buildRequest(snap, cs, method)
	sale, err := w.submitter.SubmitSale(ctx, req)
	if err != nil {
		w.cart.Release()
		w.record("failed", start)
		w.log.Warn("sale submission failed",
			zap.Int64("session_id", cs.ID),
			zap.Int64("client_id", req.ClientID),
			zap.Error(err))
		return nil, err
	}

	w.cart.Clear()
	w.record("completed", start)
	w.log.Info("sale submitted",
		zap.Int64("sale_id", sale.ID),
		zap.Int64("session_id", cs.ID),
		zap.String("total", sale.Total.StringFixed(2)),
		zap.String("payment_method", string(method)))
	return sale, nil
}

func (w *Workflow) check(snap cart.Snapshot) (*domain.CashSession, error) {
	if snap.Client == nil {
		return nil, ErrNoClientSelected
	}
	cs, err := w.session.RequireOpen()
	if err != nil {
		return nil, err
	}
	if len(snap.Lines) == 0 {
		return nil, ErrEmptyCart
	}
	return cs, nil
}

func buildRequest(snap cart.Snapshot, cs *domain.CashSession, method domain.PaymentMethod) *domain.SaleRequest {
	items := make([]domain.SaleRequestItem, 0, len(snap.Lines))
	for _, line := range snap.Lines {
		items = append(items, domain.SaleRequestItem{
			ProductID: line.Product.ID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Discount:  decimal.Zero,
		})
	}

	return &domain.SaleRequest{
		ClientID:      snap.Client.ID,
		UserID:        cs.OpenedBy,
		SessionID:     cs.ID,
		PaymentMethod: method,
		Items:         items,
	}
}

func (w *Workflow) record(result string, start time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.CheckoutSubmitted.WithLabelValues(result).Inc()
	w.metrics.CheckoutLatencySec.Observe(time.Since(start).Seconds())
}

// compile-time checks
var (
	_ SaleCart     = (*cart.Cart)(nil)
	_ SessionGuard = (*session.Guard)(nil)
)
