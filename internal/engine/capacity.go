package engine

import (
	"fmt"
	"time"

	"github.com/groupcart/groupcart/internal/deadline"
	"github.com/groupcart/groupcart/internal/domain"
	"github.com/groupcart/groupcart/internal/pricing"
)

// admission is the outcome of a successful tryAdmit: the capacity has been
// reserved and the post-admission pricing tier resolved.
type admission struct {
	NewSize        int
	Tier           int
	UnitPriceCents int64
}

// tryAdmit decides whether a join of the given quantity fits the session's
// remaining capacity and open recruitment window, and on success reserves the
// capacity by incrementing CurrentSize in the same step. The caller must hold
// the session's lock; admission and the size update are inseparable so two
// racing joins can never both read stale capacity and both succeed.
func tryAdmit(s *domain.Session, quantity int, now time.Time) (admission, error) {
	if quantity <= 0 {
		return admission{}, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}
	if !deadline.IsRecruitmentOpen(*s, now) {
		return admission{}, fmt.Errorf("%w: status %s", domain.ErrSessionNotRecruiting, s.Status)
	}
	if s.CurrentSize+quantity > s.MaxGroupSize {
		return admission{}, fmt.Errorf("%w: %d of %d taken, requested %d",
			domain.ErrCapacityExceeded, s.CurrentSize, s.MaxGroupSize, quantity)
	}

	s.CurrentSize += quantity

	// The table was validated to cover [1, MaxGroupSize] at creation, so this
	// lookup cannot fail for an admitted size; a failure here means corrupted
	// session state and must surface, not default.
	quote, err := pricing.PriceFor(s.PriceBreaks, s.CurrentSize)
	if err != nil {
		s.CurrentSize -= quantity
		return admission{}, err
	}

	return admission{
		NewSize:        s.CurrentSize,
		Tier:           quote.Tier,
		UnitPriceCents: quote.PriceCents,
	}, nil
}
