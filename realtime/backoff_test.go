package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := DefaultBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, b.Delay(tc.attempt, zeroRand), "attempt %d", tc.attempt)
	}
}

func TestBackoff_NonDecreasingAndCapped(t *testing.T) {
	t.Parallel()

	b := DefaultBackoff()
	high := func() float64 { return 0.999 }

	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		lo := b.Delay(attempt, zeroRand)
		hi := b.Delay(attempt, high)
		assert.GreaterOrEqual(t, lo, prev)
		assert.LessOrEqual(t, hi, b.Max+b.Jitter)
		assert.Less(t, hi-lo, b.Jitter)
		prev = lo
	}
}

func TestStateAndKindStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "RECONNECTING", Reconnecting.String())
	assert.True(t, Stale.Live())
	assert.False(t, Reconnecting.Live())
	assert.Equal(t, "groupChange", EventGroupChange.String())
	assert.Equal(t, "safetyAlert", EventSafetyAlert.String())
}
