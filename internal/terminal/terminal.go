package terminal

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gabri117/libreria/internal/cart"
	"github.com/gabri117/libreria/internal/checkout"
	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/metrics"
	"github.com/gabri117/libreria/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Backend is everything the terminal needs from the sales service.
type Backend interface {
	session.Store
	checkout.SaleSubmitter

	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetClient(ctx context.Context, id int64) (*domain.Client, error)
	ListClients(ctx context.Context) ([]domain.Client, error)
	ListSales(ctx context.Context, f domain.SaleFilter) ([]domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	VoidSale(ctx context.Context, id int64, req *domain.VoidSaleRequest) (*domain.Sale, error)
	SalesStats(ctx context.Context, from, to time.Time) (*domain.SalesStats, error)
}

// Terminal is one operator's point of sale: their cart, their view of the
// cash drawer and the workflow joining the two.
type Terminal struct {
	OperatorID int64
	Cart       *cart.Cart
	Session    *session.Guard
	Checkout   *checkout.Workflow
}

func New(operatorID int64, b Backend, log *zap.Logger, m *metrics.Registry) *Terminal {
	log = log.With(zap.Int64("operator_id", operatorID))
	c := cart.New()
	g := session.NewGuard(operatorID, b, log, m)
	return &Terminal{
		OperatorID: operatorID,
		Cart:       c,
		Session:    g,
		Checkout:   checkout.NewWorkflow(c, g, b, log, m),
	}
}

// Registry owns the terminals of a process, one per operator, created on
// first use.
type Registry struct {
	mu        sync.RWMutex
	terminals map[int64]*Terminal
	sf        singleflight.Group

	backend Backend
	log     *zap.Logger
	metrics *metrics.Registry
}

func NewRegistry(b Backend, log *zap.Logger, m *metrics.Registry) *Registry {
	return &Registry{
		terminals: make(map[int64]*Terminal),
		backend:   b,
		log:       log,
		metrics:   m,
	}
}

// Get returns the operator's terminal. A new terminal loads the operator's
// open cash session first; if that fails nothing is kept and the next call
// tries again.
func (r *Registry) Get(ctx context.Context, operatorID int64) (*Terminal, error) {
	r.mu.RLock()
	t, ok := r.terminals[operatorID]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	v, err, _ := r.sf.Do(strconv.FormatInt(operatorID, 10), func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.terminals[operatorID]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		t := New(operatorID, r.backend, r.log, r.metrics)
		if err := t.Session.Sync(ctx); err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.terminals[operatorID] = t
		r.mu.Unlock()

		r.log.Info("terminal created",
			zap.Int64("operator_id", operatorID),
			zap.String("session_state", t.Session.State().String()))
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Terminal), nil
}

// Len reports how many terminals are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.terminals)
}
