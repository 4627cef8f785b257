package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrSessionNotOpen = errors.New("cash session is not open")

type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "OPEN"
	SessionStatusClosed SessionStatus = "CLOSED"
)

// String representation (for logging)
func (s SessionStatus) String() string {
	return string(s)
}

// CashSession is one shift of a cash drawer, from opening count to closing count.
// ExpectedAmount is filled while the session is open (live figure) and frozen at close.
type CashSession struct {
	ID             int64               `json:"session_id"`
	OpenedBy       int64               `json:"opened_by"`
	OpenedAt       time.Time           `json:"opened_at"`
	OpeningAmount  decimal.Decimal     `json:"opening_amount"`
	ClosedBy       *int64              `json:"closed_by,omitempty"`
	ClosedAt       *time.Time          `json:"closed_at,omitempty"`
	ExpectedAmount decimal.NullDecimal `json:"expected_amount"`
	CountedAmount  decimal.NullDecimal `json:"counted_amount"`
	Difference     decimal.NullDecimal `json:"difference"`
	Status         SessionStatus       `json:"status"`
}

func (s *CashSession) IsOpen() bool {
	return s.Status == SessionStatusOpen
}

// Expected is the cash the drawer should hold given the completed cash sales so far.
func (s *CashSession) Expected(cashSales decimal.Decimal) decimal.Decimal {
	return s.OpeningAmount.Add(cashSales)
}

// Close freezes the expected amount and records the count. A non-zero
// difference is recorded, never rejected.
func (s *CashSession) Close(userID int64, counted, cashSales decimal.Decimal, at time.Time) error {
	if !s.IsOpen() {
		return ErrSessionNotOpen
	}

	expected := s.Expected(cashSales)
	s.ExpectedAmount = decimal.NewNullDecimal(expected)
	s.CountedAmount = decimal.NewNullDecimal(counted)
	s.Difference = decimal.NewNullDecimal(counted.Sub(expected))
	s.ClosedBy = &userID
	s.ClosedAt = &at
	s.Status = SessionStatusClosed
	return nil
}

type OpenSessionRequest struct {
	UserID        int64           `json:"user_id"`
	OpeningAmount decimal.Decimal `json:"opening_amount"`
}

type CloseSessionRequest struct {
	UserID        int64           `json:"user_id"`
	CountedAmount decimal.Decimal `json:"counted_amount"`
}
