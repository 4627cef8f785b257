package domain

// PriceTier selects which of a product's prices a client pays.
type PriceTier string

const (
	TierPublic    PriceTier = "PUBLIC"
	TierWholesale PriceTier = "WHOLESALE"
	TierCost      PriceTier = "COST"
)

func (t PriceTier) Valid() bool {
	return t == TierPublic || t == TierWholesale || t == TierCost
}

// String representation (for logging)
func (t PriceTier) String() string {
	return string(t)
}

type Client struct {
	ID      int64     `json:"client_id"`
	Name    string    `json:"name"`
	TaxID   string    `json:"tax_id,omitempty"`
	Phone   string    `json:"phone,omitempty"`
	Email   string    `json:"email,omitempty"`
	Address string    `json:"address,omitempty"`
	Tier    PriceTier `json:"price_tier"`
	Active  bool      `json:"active"`
}
