// Package pricing resolves accumulated group quantity to a per-unit price via
// ordered, non-overlapping quantity breaks. Everything here is deterministic
// and side-effect free; invalid tables are a configuration error caught at
// session creation, never at join time.
package pricing

import (
	"fmt"

	"github.com/groupcart/groupcart/internal/domain"
)

// Quote is the resolved price for a quantity snapshot.
type Quote struct {
	PriceCents int64
	Tier       int // index into the session's price breaks
}

// Validate checks that the breaks are ordered, contiguous, non-overlapping,
// carry positive prices, and cover [1, maxGroupSize]. It returns
// domain.ErrInvalidPricingTable wrapped with the first violation found.
func Validate(breaks []domain.PriceBreak, maxGroupSize int) error {
	if len(breaks) == 0 {
		return fmt.Errorf("%w: no price breaks", domain.ErrInvalidPricingTable)
	}
	if breaks[0].MinQuantity != 1 {
		return fmt.Errorf("%w: first break must start at quantity 1, got %d",
			domain.ErrInvalidPricingTable, breaks[0].MinQuantity)
	}

	for i, b := range breaks {
		if b.PriceCents <= 0 {
			return fmt.Errorf("%w: break %d has non-positive price %d",
				domain.ErrInvalidPricingTable, i, b.PriceCents)
		}
		open := b.MaxQuantity == 0
		if !open && b.MaxQuantity < b.MinQuantity {
			return fmt.Errorf("%w: break %d range [%d, %d] is inverted",
				domain.ErrInvalidPricingTable, i, b.MinQuantity, b.MaxQuantity)
		}
		if open && i != len(breaks)-1 {
			return fmt.Errorf("%w: break %d is open-ended but not last",
				domain.ErrInvalidPricingTable, i)
		}
		if i > 0 {
			prev := breaks[i-1]
			if b.MinQuantity != prev.MaxQuantity+1 {
				return fmt.Errorf("%w: break %d starts at %d, expected %d (gap or overlap)",
					domain.ErrInvalidPricingTable, i, b.MinQuantity, prev.MaxQuantity+1)
			}
		}
	}

	last := breaks[len(breaks)-1]
	if last.MaxQuantity != 0 && last.MaxQuantity < maxGroupSize {
		return fmt.Errorf("%w: breaks cover up to %d but max group size is %d",
			domain.ErrInvalidPricingTable, last.MaxQuantity, maxGroupSize)
	}
	return nil
}

// PriceFor selects the unique break containing quantity. The caller is
// expected to have validated the table at session creation; an uncovered
// quantity here still returns domain.ErrInvalidPricingTable rather than a
// silent default.
func PriceFor(breaks []domain.PriceBreak, quantity int) (Quote, error) {
	if quantity < 1 {
		return Quote{}, fmt.Errorf("%w: quantity %d", domain.ErrInvalidQuantity, quantity)
	}
	for i, b := range breaks {
		if b.Contains(quantity) {
			return Quote{PriceCents: b.PriceCents, Tier: i}, nil
		}
	}
	return Quote{}, fmt.Errorf("%w: no break covers quantity %d",
		domain.ErrInvalidPricingTable, quantity)
}

// SavingsAt returns the per-unit savings at the given quantity versus the
// base (first) tier. Informational; display layers use it for "save X" copy.
func SavingsAt(breaks []domain.PriceBreak, quantity int) (int64, error) {
	if len(breaks) == 0 {
		return 0, fmt.Errorf("%w: no price breaks", domain.ErrInvalidPricingTable)
	}
	q, err := PriceFor(breaks, quantity)
	if err != nil {
		return 0, err
	}
	savings := breaks[0].PriceCents - q.PriceCents
	if savings < 0 {
		savings = 0
	}
	return savings, nil
}
