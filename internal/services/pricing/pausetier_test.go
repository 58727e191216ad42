package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brightnest/billing-service/internal/domain"
)

func TestPauseTierClassifier_Classify(t *testing.T) {
	classifier := NewPauseTierClassifier(DefaultPauseConfig())

	tests := []struct {
		name          string
		services      int
		usedPauses    int
		wantTier      string
		wantFree      int
		wantRemaining int
	}{
		{"new customer", 0, 0, "standard", 1, 1},
		{"top of first band", 19, 0, "standard", 1, 1},
		{"mid band with one pause used", 25, 1, "plus", 2, 1},
		{"second band exhausted", 39, 2, "plus", 2, 0},
		{"open-ended band", 40, 0, "premier", 3, 3},
		{"heavy usage", 200, 1, "premier", 3, 2},
		{"used beyond allowance never negative", 5, 4, "standard", 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := classifier.Classify(domain.CustomerHistory{
				ServicesInCurrentPeriod: tt.services,
				UsedPauses:              tt.usedPauses,
			})
			assert.Equal(t, tt.wantTier, tier.TierID)
			assert.Equal(t, tt.wantFree, tier.FreePauses)
			assert.Equal(t, tt.wantRemaining, tier.Remaining)
		})
	}
}

func TestPauseTierClassifier_RemainingMonotonicity(t *testing.T) {
	classifier := NewPauseTierClassifier(DefaultPauseConfig())

	// Remaining is non-increasing in used_pauses...
	for services := 0; services <= 60; services += 5 {
		prev := -1
		for used := 0; used <= 6; used++ {
			tier := classifier.Classify(domain.CustomerHistory{
				ServicesInCurrentPeriod: services,
				UsedPauses:              used,
			})
			if prev >= 0 {
				assert.LessOrEqual(t, tier.Remaining, prev)
			}
			prev = tier.Remaining
		}
	}

	// ...and non-decreasing as the tier band rises.
	for used := 0; used <= 3; used++ {
		prev := -1
		for _, services := range []int{0, 20, 40} {
			tier := classifier.Classify(domain.CustomerHistory{
				ServicesInCurrentPeriod: services,
				UsedPauses:              used,
			})
			if prev >= 0 {
				assert.GreaterOrEqual(t, tier.Remaining, prev)
			}
			prev = tier.Remaining
		}
	}
}

func TestPauseTierClassifier_Assess(t *testing.T) {
	cfg := DefaultPauseConfig()
	classifier := NewPauseTierClassifier(cfg)

	t.Run("free while allowance remains", func(t *testing.T) {
		a := classifier.Assess(domain.CustomerHistory{ServicesInCurrentPeriod: 25, UsedPauses: 1})
		assert.True(t, a.IsFree)
		assert.True(t, a.Fee.IsZero())
	})

	t.Run("flat fee once exhausted", func(t *testing.T) {
		a := classifier.Assess(domain.CustomerHistory{ServicesInCurrentPeriod: 25, UsedPauses: 2})
		assert.False(t, a.IsFree)
		assert.True(t, a.Fee.Equal(cfg.PaidPauseFee))
	})
}
