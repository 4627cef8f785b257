package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount   = errors.New("amount must not be negative")
	ErrInvalidState    = errors.New("operation not valid in the current session state")
	ErrSessionClosed   = errors.New("no open cash session")
	ErrMissingExpected = errors.New("session store returned no expected amount")
)

type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "OPEN"
	}
	return "CLOSED"
}

// Store persists cash sessions. ActiveSession returns nil, nil when the
// operator has no open session.
type Store interface {
	ActiveSession(ctx context.Context, userID int64) (*domain.CashSession, error)
	OpenSession(ctx context.Context, req *domain.OpenSessionRequest) (*domain.CashSession, error)
	CloseSession(ctx context.Context, sessionID int64, req *domain.CloseSessionRequest) (*domain.CashSession, error)
}

// Guard is one operator's view of their cash drawer: Closed until a session
// is opened, Open until it is closed. Store failures never change the state.
//
// The mutex is never held across a store call. An Open or Close in flight
// marks the guard pending, and a second transition is refused until it lands.
type Guard struct {
	mu         sync.Mutex
	operatorID int64
	store      Store
	current    *domain.CashSession
	lastClosed *domain.CashSession
	pending    bool
	version    uint64
	log        *zap.Logger
	metrics    *metrics.Registry
}

func NewGuard(operatorID int64, store Store, log *zap.Logger, m *metrics.Registry) *Guard {
	return &Guard{
		operatorID: operatorID,
		store:      store,
		log:        log.With(zap.Int64("operator_id", operatorID)),
		metrics:    m,
	}
}

// Sync loads the operator's open session, if any, from the store. A result
// that raced with an Open or Close is dropped; the transition wins.
func (g *Guard) Sync(ctx context.Context) error {
	g.mu.Lock()
	version := g.version
	g.mu.Unlock()

	s, err := g.store.ActiveSession(ctx, g.operatorID)
	if err != nil {
		return err
	}
	if s != nil && !s.IsOpen() {
		s = nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending || g.version != version {
		return nil
	}
	g.current = s
	return nil
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil {
		return StateOpen
	}
	return StateClosed
}

// Current returns a copy of the open session, or nil when Closed.
func (g *Guard) Current() *domain.CashSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copySession(g.current)
}

// LastClosed returns the most recently closed session with its expected
// amount and difference.
func (g *Guard) LastClosed() *domain.CashSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copySession(g.lastClosed)
}

// settle clears the pending mark of a transition whose store call failed.
func (g *Guard) settle() {
	g.mu.Lock()
	g.pending = false
	g.mu.Unlock()
}

func (g *Guard) Open(ctx context.Context, initialAmount decimal.Decimal) (*domain.CashSession, error) {
	if initialAmount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	g.mu.Lock()
	if g.current != nil || g.pending {
		g.mu.Unlock()
		return nil, ErrInvalidState
	}
	g.pending = true
	g.mu.Unlock()

	s, err := g.store.OpenSession(ctx, &domain.OpenSessionRequest{
		UserID:        g.operatorID,
		OpeningAmount: initialAmount,
	})
	if err != nil {
		g.settle()
		return nil, err
	}

	g.mu.Lock()
	g.current = s
	g.pending = false
	g.version++
	g.transition(StateOpen)
	g.mu.Unlock()

	g.log.Info("cash session opened",
		zap.Int64("session_id", s.ID),
		zap.String("opening_amount", s.OpeningAmount.StringFixed(2)))
	return copySession(s), nil
}

// Close closes the open session with the counted cash. The expected amount
// comes from the store; the difference is recorded whatever its sign.
func (g *Guard) Close(ctx context.Context, countedAmount decimal.Decimal) (*domain.CashSession, error) {
	g.mu.Lock()
	if g.current == nil || g.pending {
		g.mu.Unlock()
		return nil, ErrInvalidState
	}
	if countedAmount.IsNegative() {
		g.mu.Unlock()
		return nil, ErrInvalidAmount
	}
	sessionID := g.current.ID
	g.pending = true
	g.mu.Unlock()

	s, err := g.store.CloseSession(ctx, sessionID, &domain.CloseSessionRequest{
		UserID:        g.operatorID,
		CountedAmount: countedAmount,
	})
	if err != nil {
		g.settle()
		return nil, err
	}
	if !s.ExpectedAmount.Valid {
		g.settle()
		return nil, fmt.Errorf("%w: session %d", ErrMissingExpected, s.ID)
	}

	closed := copySession(s)
	closed.CountedAmount = decimal.NewNullDecimal(countedAmount)
	closed.Difference = decimal.NewNullDecimal(countedAmount.Sub(s.ExpectedAmount.Decimal))
	closed.Status = domain.SessionStatusClosed

	g.mu.Lock()
	g.current = nil
	g.lastClosed = closed
	g.pending = false
	g.version++
	g.transition(StateClosed)
	g.mu.Unlock()

	g.log.Info("cash session closed",
		zap.Int64("session_id", closed.ID),
		zap.String("expected_amount", closed.ExpectedAmount.Decimal.StringFixed(2)),
		zap.String("counted_amount", countedAmount.StringFixed(2)),
		zap.String("difference", closed.Difference.Decimal.StringFixed(2)))
	return copySession(closed), nil
}

// RequireOpen returns the open session or ErrSessionClosed.
func (g *Guard) RequireOpen() (*domain.CashSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return nil, ErrSessionClosed
	}
	return copySession(g.current), nil
}

func (g *Guard) transition(to State) {
	if g.metrics != nil {
		g.metrics.SessionTransitions.WithLabelValues(to.String()).Inc()
	}
}

func copySession(s *domain.CashSession) *domain.CashSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
