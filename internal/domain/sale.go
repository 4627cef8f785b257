package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash  PaymentMethod = "CASH"
	PaymentCard  PaymentMethod = "CARD"
	PaymentMixed PaymentMethod = "MIXED"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentCard || m == PaymentMixed
}

type SaleStatus string

const (
	SaleStatusCompleted SaleStatus = "COMPLETED"
	SaleStatusVoided    SaleStatus = "VOIDED"
)

func (s SaleStatus) Valid() bool {
	return s == SaleStatusCompleted || s == SaleStatusVoided
}

// SaleRequestItem is one cart line as sent to the sales service.
// Discount is always zero today; no discount engine sets it.
type SaleRequestItem struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
}

// SaleRequest is the projection of cart and cash session state submitted at checkout.
type SaleRequest struct {
	ClientID      int64             `json:"client_id"`
	UserID        int64             `json:"user_id"`
	SessionID     int64             `json:"session_id"`
	PaymentMethod PaymentMethod     `json:"payment_method"`
	Items         []SaleRequestItem `json:"items"`
}

type SaleItem struct {
	ID          int64           `json:"item_id,omitempty"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type Sale struct {
	ID            int64           `json:"sale_id"`
	SessionID     int64           `json:"session_id"`
	UserID        int64           `json:"user_id"`
	ClientID      int64           `json:"client_id"`
	ClientName    string          `json:"client_name,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Status        SaleStatus      `json:"status"`
	VoidReason    string          `json:"void_reason,omitempty"`
	VoidedAt      *time.Time      `json:"voided_at,omitempty"`
	VoidedBy      *int64          `json:"voided_by,omitempty"`
	Items         []SaleItem      `json:"items"`
}

// ProductIDs lists the distinct products referenced by the sale.
func (s *Sale) ProductIDs() []int64 {
	seen := make(map[int64]struct{}, len(s.Items))
	ids := make([]int64, 0, len(s.Items))
	for _, item := range s.Items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

type VoidSaleRequest struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason"`
}

// SaleFilter narrows the sales history; nil fields are not applied.
type SaleFilter struct {
	From          *time.Time
	To            *time.Time
	ClientID      *int64
	PaymentMethod *PaymentMethod
	Status        *SaleStatus
}

type MethodTotal struct {
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Count         int             `json:"count"`
	Total         decimal.Decimal `json:"total"`
}

// SalesStats summarises completed sales in [From, To). ChangePct compares
// Total with PreviousTotal, the equally long window ending at From, as a
// percentage rounded half-up to two places; it is zero when the previous
// window sold nothing.
type SalesStats struct {
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
	Total         decimal.Decimal `json:"total"`
	Count         int             `json:"count"`
	AverageTicket decimal.Decimal `json:"average_ticket"`
	ByMethod      []MethodTotal   `json:"by_method"`
	PreviousTotal decimal.Decimal `json:"previous_total"`
	ChangePct     decimal.Decimal `json:"change_pct"`
}

// ProductSales is one row of the best sellers ranking.
type ProductSales struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Total     decimal.Decimal `json:"total"`
}
