package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/brightnest/billing-service/internal/domain"
)

// TierDescriptor is the classifier's answer for one customer snapshot
type TierDescriptor struct {
	TierID     string
	TierName   string
	FreePauses int
	UsedPauses int
	Remaining  int
}

// PauseAssessment prices one requested pause under the customer's tier
type PauseAssessment struct {
	Tier   TierDescriptor
	IsFree bool
	Fee    decimal.Decimal
}

// PauseTierClassifier maps a customer's service history to a pause-allowance
// tier. Pure function of the snapshot; it never mutates CustomerHistory.
type PauseTierClassifier struct {
	cfg PauseConfig
}

// NewPauseTierClassifier creates a classifier over an immutable tier table
func NewPauseTierClassifier(cfg PauseConfig) *PauseTierClassifier {
	return &PauseTierClassifier{cfg: cfg}
}

// Classify finds the band containing services_in_current_period and reports
// how many free pauses remain. Remaining never goes negative.
func (c *PauseTierClassifier) Classify(history domain.CustomerHistory) TierDescriptor {
	band := c.bandFor(history.ServicesInCurrentPeriod)
	remaining := band.FreePauses - history.UsedPauses
	if remaining < 0 {
		remaining = 0
	}
	return TierDescriptor{
		TierID:     band.ID,
		TierName:   band.Name,
		FreePauses: band.FreePauses,
		UsedPauses: history.UsedPauses,
		Remaining:  remaining,
	}
}

// Assess prices a requested pause: free while the tier allowance lasts, the
// configured flat fee afterwards.
func (c *PauseTierClassifier) Assess(history domain.CustomerHistory) PauseAssessment {
	tier := c.Classify(history)
	if tier.Remaining > 0 {
		return PauseAssessment{Tier: tier, IsFree: true, Fee: decimal.Zero}
	}
	return PauseAssessment{Tier: tier, IsFree: false, Fee: c.cfg.PaidPauseFee}
}

func (c *PauseTierClassifier) bandFor(services int) TierBand {
	for _, band := range c.cfg.Tiers {
		if band.Contains(services) {
			return band
		}
	}
	// Fall back to the lowest band for counts below every configured range.
	if len(c.cfg.Tiers) > 0 {
		return c.cfg.Tiers[0]
	}
	return TierBand{ID: "none", Name: "None"}
}
