package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/google/uuid"
)

const (
	TypeSaleCreated   = "sale.created"
	TypeSaleVoided    = "sale.voided"
	TypeSessionOpened = "session.opened"
	TypeSessionClosed = "session.closed"
	TypeUserCreated   = "user.created"
	TypeUserUpdated   = "user.updated"

	AggregateSale    = "sale"
	AggregateSession = "cash_session"
	AggregateUser    = "user"
)

// Envelope is what the sales service publishes for every state change it
// commits. It is written to the outbox in the same transaction as the change.
type Envelope struct {
	ID            uuid.UUID       `json:"event_id"`
	Type          string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	UserID        int64           `json:"user_id"`
	Summary       string          `json:"summary"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
}

func New(eventType, aggregateType string, aggregateID, userID int64, summary string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Envelope{
		ID:            uuid.New(),
		Type:          eventType,
		AggregateType: aggregateType,
		AggregateID:   strconv.FormatInt(aggregateID, 10),
		UserID:        userID,
		Summary:       summary,
		OccurredAt:    time.Now().UTC(),
		Data:          raw,
	}, nil
}

func SaleCreated(s *domain.Sale) (*Envelope, error) {
	summary := fmt.Sprintf("sale %d for %s: %s %s, %d items",
		s.ID, s.ClientName, s.Total.StringFixed(2), s.PaymentMethod, len(s.Items))
	return New(TypeSaleCreated, AggregateSale, s.ID, s.UserID, summary, s)
}

func SaleVoided(s *domain.Sale) (*Envelope, error) {
	var by int64
	if s.VoidedBy != nil {
		by = *s.VoidedBy
	}
	summary := fmt.Sprintf("sale %d voided: %s", s.ID, s.VoidReason)
	return New(TypeSaleVoided, AggregateSale, s.ID, by, summary, s)
}

func SessionOpened(s *domain.CashSession) (*Envelope, error) {
	summary := fmt.Sprintf("cash session %d opened with %s", s.ID, s.OpeningAmount.StringFixed(2))
	return New(TypeSessionOpened, AggregateSession, s.ID, s.OpenedBy, summary, s)
}

func SessionClosed(s *domain.CashSession) (*Envelope, error) {
	var by int64
	if s.ClosedBy != nil {
		by = *s.ClosedBy
	}
	summary := fmt.Sprintf("cash session %d closed: expected %s, counted %s, difference %s",
		s.ID,
		s.ExpectedAmount.Decimal.StringFixed(2),
		s.CountedAmount.Decimal.StringFixed(2),
		s.Difference.Decimal.StringFixed(2))
	return New(TypeSessionClosed, AggregateSession, s.ID, by, summary, s)
}

func UserCreated(u *domain.User) (*Envelope, error) {
	summary := fmt.Sprintf("user %s created with role %s", u.Username, u.Role)
	return New(TypeUserCreated, AggregateUser, u.ID, u.ID, summary, u)
}

func UserUpdated(u *domain.User) (*Envelope, error) {
	state := "deactivated"
	if u.Active {
		state = "activated"
	}
	summary := fmt.Sprintf("user %s %s", u.Username, state)
	return New(TypeUserUpdated, AggregateUser, u.ID, u.ID, summary, u)
}

// Decode parses a published envelope.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if env.ID == uuid.Nil || env.Type == "" {
		return nil, fmt.Errorf("event missing id or type")
	}
	return &env, nil
}
