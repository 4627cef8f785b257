package pricing

import (
	"errors"
	"fmt"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/shopspring/decimal"
)

var ErrUnknownTier = errors.New("unknown price tier")

// ResolvePrice returns the unit price a client of the given tier pays for the product.
// No rounding is applied; the catalog price is returned as stored.
func ResolvePrice(p *domain.Product, tier domain.PriceTier) (decimal.Decimal, error) {
	switch tier {
	case domain.TierPublic:
		return p.Price, nil
	case domain.TierWholesale:
		return p.WholesalePrice, nil
	case domain.TierCost:
		return p.CostPrice, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
}

// ValidateTier fails with ErrUnknownTier for anything outside the three known tiers.
func ValidateTier(tier domain.PriceTier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return nil
}

// TierFor returns the tier a sale to c is priced at. No client means public prices.
func TierFor(c *domain.Client) domain.PriceTier {
	if c == nil {
		return domain.TierPublic
	}
	return c.Tier
}
