package domain

import "github.com/shopspring/decimal"

// Product is a catalog entry with its three price points.
type Product struct {
	ID             int64           `json:"product_id"`
	Name           string          `json:"name"`
	SKU            string          `json:"sku,omitempty"`
	Description    string          `json:"description,omitempty"`
	Price          decimal.Decimal `json:"price"`
	WholesalePrice decimal.Decimal `json:"wholesale_price"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	Stock          int             `json:"stock"`
	Active         bool            `json:"active"`
}
