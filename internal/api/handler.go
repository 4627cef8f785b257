package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/pricing"
	"github.com/gabri117/libreria/internal/respond"
	"github.com/gabri117/libreria/internal/sales"
	"github.com/gabri117/libreria/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Catalog interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetClient(ctx context.Context, id int64) (*domain.Client, error)
	ListClients(ctx context.Context) ([]domain.Client, error)
}

type Sales interface {
	CreateSale(ctx context.Context, req *domain.SaleRequest) (*domain.Sale, error)
	VoidSale(ctx context.Context, id int64, req *domain.VoidSaleRequest) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	ListSales(ctx context.Context, f domain.SaleFilter) ([]domain.Sale, error)
	Stats(ctx context.Context, from, to time.Time) (*domain.SalesStats, error)
	TopProducts(ctx context.Context, from, to time.Time, limit int) ([]domain.ProductSales, error)

	ActiveSession(ctx context.Context, userID int64) (*domain.CashSession, error)
	GetSession(ctx context.Context, id int64) (*domain.CashSession, error)
	OpenSession(ctx context.Context, req *domain.OpenSessionRequest) (*domain.CashSession, error)
	CloseSession(ctx context.Context, id int64, req *domain.CloseSessionRequest) (*domain.CashSession, error)

	ListUsers(ctx context.Context) ([]domain.User, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	CreateUser(ctx context.Context, req *domain.CreateUserRequest) (*domain.User, error)
	SetUserActive(ctx context.Context, id int64, active bool) (*domain.User, error)
}

// Handler serves the sales service API consumed by the terminals.
type Handler struct {
	catalog Catalog
	sales   Sales
	log     *zap.Logger
}

func NewHandler(catalog Catalog, s Sales, log *zap.Logger) *Handler {
	return &Handler{catalog: catalog, sales: s, log: log}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Get("/products/{id}", h.GetProduct)
		r.Get("/clients", h.ListClients)
		r.Get("/clients/{id}", h.GetClient)

		r.Route("/sales", func(r chi.Router) {
			r.Post("/", h.CreateSale)
			r.Get("/", h.ListSales)
			r.Get("/stats", h.Stats)
			r.Get("/top-products", h.TopProducts)
			r.Get("/{id}", h.GetSale)
			r.Put("/{id}/void", h.VoidSale)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/active", h.ActiveSession)
			r.Post("/open", h.OpenSession)
			r.Get("/{id}", h.GetSession)
			r.Post("/{id}/close", h.CloseSession)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Put("/{id}/active", h.SetUserActive)
		})
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.catalog.ListProducts(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, ps)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.catalog.GetProduct(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, p)
}

func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	cs, err := h.catalog.ListClients(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, cs)
}

func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := h.catalog.GetClient(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, c)
}

func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	sale, err := h.sales.CreateSale(r.Context(), &req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	f, err := domain.ParseSaleFilter(r.URL.Query())
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	list, err := h.sales.ListSales(r.Context(), f)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, list)
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sale, err := h.sales.GetSale(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sale)
}

func (h *Handler) VoidSale(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req domain.VoidSaleRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	sale, err := h.sales.VoidSale(r.Context(), id, &req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sale)
}

// dayRange reads from and to (RFC3339), defaulting to the current UTC day.
func dayRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	from := time.Now().UTC().Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respond.Error(w, http.StatusBadRequest, "invalid_filter", "from must be RFC3339")
			return from, to, false
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respond.Error(w, http.StatusBadRequest, "invalid_filter", "to must be RFC3339")
			return from, to, false
		}
		to = t
	}
	return from, to, true
}

// Stats defaults to the current UTC day when from and to are omitted.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dayRange(w, r)
	if !ok {
		return
	}

	st, err := h.sales.Stats(r.Context(), from, to)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, st)
}

func (h *Handler) TopProducts(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dayRange(w, r)
	if !ok {
		return
	}
	limit := sales.DefaultTopProducts
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respond.Error(w, http.StatusBadRequest, "invalid_filter", "limit must be an integer")
			return
		}
		limit = n
	}

	top, err := h.sales.TopProducts(r.Context(), from, to, limit)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, top)
}

func (h *Handler) ActiveSession(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid_user_id", "user_id query parameter is required")
		return
	}
	cs, err := h.sales.ActiveSession(r.Context(), userID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, cs)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cs, err := h.sales.GetSession(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, cs)
}

func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenSessionRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	cs, err := h.sales.OpenSession(r.Context(), &req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, cs)
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req domain.CloseSessionRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	cs, err := h.sales.CloseSession(r.Context(), id, &req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, cs)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.sales.ListUsers(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, users)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := h.sales.GetUser(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateUserRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	u, err := h.sales.CreateUser(r.Context(), &req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, u)
}

func (h *Handler) SetUserActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req domain.SetUserActiveRequest
	if err := respond.Decode(r, &req); err != nil || req.Active == nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "active is required")
		return
	}
	u, err := h.sales.SetUserActive(r.Context(), id, *req.Active)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

// Problem is how a sales service error is answered: an HTTP status and a
// stable machine-readable code.
type Problem struct {
	Status int
	Code   string
}

// Classify maps domain errors to problems. Unknown errors are internal and
// ok is false.
func Classify(err error) (p Problem, ok bool) {
	switch {
	case errors.Is(err, sales.ErrInvalidSale),
		errors.Is(err, sales.ErrInvalidVoid),
		errors.Is(err, sales.ErrInvalidAmount),
		errors.Is(err, sales.ErrAmountScale),
		errors.Is(err, sales.ErrInvalidRange),
		errors.Is(err, sales.ErrInvalidLimit),
		errors.Is(err, sales.ErrInvalidUser),
		errors.Is(err, sales.ErrMissingUser),
		errors.Is(err, store.ErrInvalidDiscount),
		errors.Is(err, pricing.ErrUnknownTier):
		return Problem{http.StatusBadRequest, "invalid_input"}, true
	case errors.Is(err, store.ErrProductNotFound):
		return Problem{http.StatusNotFound, "product_not_found"}, true
	case errors.Is(err, store.ErrClientNotFound):
		return Problem{http.StatusNotFound, "client_not_found"}, true
	case errors.Is(err, store.ErrUserNotFound):
		return Problem{http.StatusNotFound, "user_not_found"}, true
	case errors.Is(err, store.ErrSaleNotFound):
		return Problem{http.StatusNotFound, "sale_not_found"}, true
	case errors.Is(err, store.ErrSessionNotFound):
		return Problem{http.StatusNotFound, "session_not_found"}, true
	case errors.Is(err, store.ErrInsufficientStock):
		return Problem{http.StatusConflict, "insufficient_stock"}, true
	case errors.Is(err, store.ErrInactiveProduct):
		return Problem{http.StatusConflict, "product_inactive"}, true
	case errors.Is(err, store.ErrInactiveClient):
		return Problem{http.StatusConflict, "client_inactive"}, true
	case errors.Is(err, store.ErrInactiveUser):
		return Problem{http.StatusConflict, "user_inactive"}, true
	case errors.Is(err, store.ErrUsernameTaken):
		return Problem{http.StatusConflict, "username_taken"}, true
	case errors.Is(err, store.ErrAlreadyVoided):
		return Problem{http.StatusConflict, "already_voided"}, true
	case errors.Is(err, store.ErrSessionAlreadyOpen):
		return Problem{http.StatusConflict, "session_already_open"}, true
	case errors.Is(err, store.ErrSessionAlreadyClosed):
		return Problem{http.StatusConflict, "session_already_closed"}, true
	case errors.Is(err, store.ErrSessionClosed):
		return Problem{http.StatusConflict, "session_closed"}, true
	case errors.Is(err, context.DeadlineExceeded):
		return Problem{http.StatusGatewayTimeout, "timeout"}, true
	}
	return Problem{http.StatusInternalServerError, "internal_error"}, false
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	p, ok := Classify(err)
	if !ok {
		h.log.Error("request failed", zap.Error(err))
		respond.Error(w, p.Status, p.Code, "internal server error")
		return
	}
	respond.Error(w, p.Status, p.Code, err.Error())
}
