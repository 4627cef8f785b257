package terminal

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gabri117/libreria/internal/backend"
	"github.com/gabri117/libreria/internal/cart"
	"github.com/gabri117/libreria/internal/checkout"
	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/pricing"
	"github.com/gabri117/libreria/internal/respond"
	"github.com/gabri117/libreria/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type ctxKey string

const operatorKey ctxKey = "operator_id"

// OperatorMiddleware reads the operator from the X-Operator-ID header.
// Authentication happens in front of the terminal.
func OperatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get("X-Operator-ID"), 10, 64)
		if err != nil || id <= 0 {
			respond.Error(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-Operator-ID header")
			return
		}
		ctx := context.WithValue(r.Context(), operatorKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func operatorFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(operatorKey).(int64); ok {
		return id
	}
	return 0
}

type Handler struct {
	registry *Registry
	backend  Backend
	timeout  time.Duration
	log      *zap.Logger
}

func NewHandler(registry *Registry, b Backend, timeout time.Duration, log *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		backend:  b,
		timeout:  timeout,
		log:      log,
	}
}

type AddItemRequestDTO struct {
	ProductID int64 `json:"product_id"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity"`
}

// SelectClientRequestDTO clears the selection when ClientID is null.
type SelectClientRequestDTO struct {
	ClientID *int64 `json:"client_id"`
}

type OpenSessionRequestDTO struct {
	OpeningAmount *decimal.Decimal `json:"opening_amount"`
}

type CloseSessionRequestDTO struct {
	CountedAmount *decimal.Decimal `json:"counted_amount"`
}

type CheckoutRequestDTO struct {
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
}

type VoidSaleRequestDTO struct {
	Reason string `json:"reason"`
}

type SessionView struct {
	State      string              `json:"state"`
	Session    *domain.CashSession `json:"session,omitempty"`
	LastClosed *domain.CashSession `json:"last_closed,omitempty"`
}

// Register mounts the terminal API on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(OperatorMiddleware)

		r.Get("/products", h.ListProducts)
		r.Get("/clients", h.ListClients)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Delete("/", h.DiscardCart)
			r.Post("/items", h.AddItem)
			r.Put("/items/{product_id}", h.UpdateQuantity)
			r.Delete("/items/{product_id}", h.RemoveItem)
			r.Put("/client", h.SelectClient)
		})

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/open", h.OpenSession)
			r.Post("/close", h.CloseSession)
		})

		r.Post("/checkout", h.Checkout)

		r.Route("/sales", func(r chi.Router) {
			r.Get("/", h.ListSales)
			r.Get("/stats", h.SalesStats)
			r.Get("/{sale_id}", h.GetSale)
			r.Put("/{sale_id}/void", h.VoidSale)
		})
	})
}

// terminal resolves the operator's terminal, answering the request itself on failure.
func (h *Handler) terminal(w http.ResponseWriter, r *http.Request) (*Terminal, context.Context, context.CancelFunc, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	t, err := h.registry.Get(ctx, operatorFromContext(r.Context()))
	if err != nil {
		cancel()
		h.handleError(w, err)
		return nil, nil, nil, false
	}
	return t, ctx, cancel, true
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	t, _, cancel, ok := h.terminal(w, r)
	if !ok {
		return
	}
	defer cancel()

	respond.JSON(w, http.StatusOK, t.Cart.Snapshot())
}

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequestDTO
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ProductID <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}

	t, ctx, cancel, ok := h.terminal(w, r)
	if !ok {
		return
	}
	defer cancel()

	p, err := h.backend.GetProduct(ctx, req.ProductID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if !p.Active {
		respond.Error(w, http.StatusConflict, "product_inactive", "product "+p.Name+" is not for sale")
		return
	}
	if t.Cart.Quantity(p.ID)+1 > p.Stock {
		respond.Error(w, http.StatusConflict, "insufficient_stock", "not enough stock for "+p.Name)
		return
	}

	if err := t.Cart.AddProduct(*p); err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, t.Cart.Snapshot())
}

func (h *Handler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}
	var req UpdateQuantityRequestDTO
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	t, ctx, cancel, ok := h.terminal(w, r)
	if !ok {
		return
	}
	defer cancel()

	// stock is checked against the sales service, not the line's copy taken at add time
	if req.Quantity > 0 && t.Cart.Quantity(productID) > 0 {
		p, err := h.backend.GetProduct(ctx, productID)
		if err != nil {
			h.handleError(w, err)
			return
		}
		if req.Quantity > p.Stock {
			respond.Error(w, http.StatusConflict, "insufficient_stock", "not enough stock for "+p.Name)
			return
		}
	}

	if err := t.Cart.SetQuantity(productID, req.Quantity); err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, t.Cart.Snapshot())
}

func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}

	t, _, cancel, ok := h.terminal(w, r)
	if !ok {
		return
	}
	defer cancel()

	if err := t.Cart.RemoveProduct(productID); err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, t.Cart.Snapshot())
}

func (h *Handler) SelectClient(w http.ResponseWriter, r *http.Request) {
	var req SelectClientRequestDTO
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	t, ctx, cancel, ok := h.terminal(w, r)
	if !ok {
		return
	}
	defer cancel()

	var client *domain.Client
	if req.ClientID != nil {
		c, err := h.backend.GetClient(ctx, *req.ClientID)
		if err != nil {
			h.handleError(w, err)
			return
		}
		if !c.Active {
			respond.Error(w, http.StatusConflict, "client_inactive", "client "+c.Name+" is inactive")
			return
		}
		client = c
	}

	if err := t.Cart.SelectClient(client); err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, t.Cart.Snapshot())
}

func (h *Handler) DiscardCart(w http.ResponseWriter, r *http.Request) {
	t, _, cancel, ok := h.terminal(w, r)
	if !ok {
		return
	}
	defer cancel()

	if err := t.Cart.Discard(); err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, t.Cart.Snapshot())
}

// GetSession refreshes the open session from the sales service so the live
// expected amount is current. On failure the last known state is served.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	t, ctx, cancel, ok := h.terminal(w, r)
	if !ok {
		return
	}
	defer cancel()

	if err := t.Session.Sync(ctx); err != nil {
		h.log.Warn("session refresh failed", zap.Int64("operator_id", t.OperatorID), zap.Error(err))
	}
	respond.JSON(w, http.StatusOK, sessionView(t.Session))
}

func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequestDTO
	if err := respond.Decode(r, &req); err != nil || req.OpeningAmount == nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "opening_amount is required")
		return
	}

	t, ctx, cancel, ok := h.terminal(w, r)
	if !ok {
		return
	}
	defer cancel()

	if _, err := t.Session.Open(ctx, *req.OpeningAmount); err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, sessionView(t.Session))
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	var req CloseSessionRequestDTO
	if err := respond.Decode(r, &req); err != nil || req.CountedAmount == nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "counted_amount is required")
		return
	}

	t, ctx, cancel, ok := h.terminal(w, r)
	if !ok {
		return
	}
	defer cancel()

	if _, err := t.Session.Close(ctx, *req.CountedAmount); err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sessionView(t.Session))
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequestDTO
	if r.ContentLength != 0 {
		if err := respond.Decode(r, &req); err != nil {
			respond.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}

	t, ctx, cancel, ok := h.terminal(w, r)
	if !ok {
		return
	}
	defer cancel()

	sale, err := t.Checkout.Submit(ctx, req.PaymentMethod)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ps, err := h.backend.ListProducts(ctx)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, ps)
}

func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cs, err := h.backend.ListClients(ctx)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, cs)
}

func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	f, err := domain.ParseSaleFilter(r.URL.Query())
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sales, err := h.backend.ListSales(ctx, f)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sales)
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sale_id"), 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid_sale_id", "sale_id must be positive")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sale, err := h.backend.GetSale(ctx, id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sale)
}

func (h *Handler) VoidSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sale_id"), 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid_sale_id", "sale_id must be positive")
		return
	}
	var req VoidSaleRequestDTO
	if err := respond.Decode(r, &req); err != nil || req.Reason == "" {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "reason is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sale, err := h.backend.VoidSale(ctx, id, &domain.VoidSaleRequest{
		UserID: operatorFromContext(r.Context()),
		Reason: req.Reason,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sale)
}

// SalesStats reports totals for [from, to), the current UTC day by default.
func (h *Handler) SalesStats(w http.ResponseWriter, r *http.Request) {
	from := time.Now().UTC().Truncate(24 * time.Hour)
	to := from.AddDate(0, 0, 1)
	for key, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respond.Error(w, http.StatusBadRequest, "invalid_filter", key+" must be RFC3339")
			return
		}
		*dst = t
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	st, err := h.backend.SalesStats(ctx, from, to)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, st)
}

func sessionView(g *session.Guard) SessionView {
	return SessionView{
		State:      g.State().String(),
		Session:    g.Current(),
		LastClosed: g.LastClosed(),
	}
}

// handleError maps terminal and sales service errors to HTTP responses.
// Errors answered by the sales service keep its status and message when
// they are client errors.
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, session.ErrInvalidAmount),
		errors.Is(err, pricing.ErrUnknownTier),
		errors.Is(err, checkout.ErrInvalidPaymentMethod):
		respond.Error(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, cart.ErrLineNotFound):
		respond.Error(w, http.StatusNotFound, "line_not_found", err.Error())
	case errors.Is(err, cart.ErrCartHeld),
		errors.Is(err, checkout.ErrSubmissionInProgress):
		respond.Error(w, http.StatusConflict, "submission_in_progress", err.Error())
	case errors.Is(err, session.ErrInvalidState):
		respond.Error(w, http.StatusConflict, "invalid_session_state", err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		respond.Error(w, http.StatusPreconditionFailed, "session_closed", err.Error())
	case errors.Is(err, checkout.ErrNoClientSelected):
		respond.Error(w, http.StatusPreconditionFailed, "no_client_selected", err.Error())
	case errors.Is(err, checkout.ErrEmptyCart):
		respond.Error(w, http.StatusPreconditionFailed, "empty_cart", err.Error())
	case errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError:
		respond.Error(w, apiErr.Status, apiErr.Code, apiErr.Error())
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		respond.Error(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respond.Error(w, http.StatusGatewayTimeout, "backend_timeout", err.Error())
	default:
		h.log.Error("sales service call failed", zap.Error(err))
		respond.Error(w, http.StatusBadGateway, "backend_error", err.Error())
	}
}
