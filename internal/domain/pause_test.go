package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPauseRecord(t *testing.T) {
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	const maxDays = 90
	const minNotice = 24 * time.Hour

	t.Run("valid pause", func(t *testing.T) {
		start := now.AddDate(0, 0, 3)
		rec, err := NewPauseRecord("p-1", "sub-1", start, 14, "vacation", maxDays, minNotice, now)
		require.NoError(t, err)
		assert.Equal(t, start.AddDate(0, 0, 14), rec.EndDate)
		assert.Equal(t, PauseScheduled, rec.Status)
		assert.True(t, rec.Fee.IsZero())
	})

	t.Run("start inside notice period rejected", func(t *testing.T) {
		_, err := NewPauseRecord("p-2", "sub-1", now.Add(2*time.Hour), 7, "", maxDays, minNotice, now)
		require.Error(t, err)
		assert.True(t, IsDomainError(err, ErrorCodePolicyNoticeTooShort))
		assert.True(t, IsPolicyViolation(err))
	})

	t.Run("duration bounds enforced", func(t *testing.T) {
		start := now.AddDate(0, 0, 3)
		_, err := NewPauseRecord("p-3", "sub-1", start, 0, "", maxDays, minNotice, now)
		assert.True(t, IsDomainError(err, ErrorCodePolicyPauseDuration))

		_, err = NewPauseRecord("p-4", "sub-1", start, maxDays+1, "", maxDays, minNotice, now)
		assert.True(t, IsDomainError(err, ErrorCodePolicyPauseDuration))

		_, err = NewPauseRecord("p-5", "sub-1", start, maxDays, "", maxDays, minNotice, now)
		assert.NoError(t, err)
	})

	t.Run("missing subscription id", func(t *testing.T) {
		_, err := NewPauseRecord("p-6", "", now.AddDate(0, 0, 3), 7, "", maxDays, minNotice, now)
		assert.True(t, IsValidationError(err))
	})
}
