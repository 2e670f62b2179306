package safety

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgrlink/internal/clock"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func constRand(v float64) func() float64 { return func() float64 { return v } }

func TestDelay_WithinBounds(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	for _, k := range []Kind{Typing, Reading, Thinking, Browsing} {
		lo, hi := Bounds(k)
		for range 500 {
			d := p.Delay(k)
			assert.GreaterOrEqual(t, d, lo, k.String())
			assert.LessOrEqual(t, d, hi, k.String())
		}
	}
}

func TestDelay_Deterministic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rnd   float64
		ultra bool
		kind  Kind
		want  time.Duration
	}{
		{"typing midpoint", 0.5, false, Typing, 1400 * time.Millisecond},
		{"reading low", 0, false, Reading, 800 * time.Millisecond},
		{"browsing midpoint", 0.5, false, Browsing, time.Second},
		{"ultra pins to max", 0, true, Thinking, 5 * time.Second},
		{"ultra jitters upward", 0.5, true, Typing, 2200 * time.Millisecond},
		{"ultra top of range", 1, true, Thinking, 6 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := New(Options{UltraSafe: tt.ultra, Rand: constRand(tt.rnd)})
			assert.Equal(t, tt.want, p.Delay(tt.kind))
		})
	}
}

func TestDelay_UltraNeverBelowMax(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{Typing, Reading, Thinking, Browsing} {
		_, hi := Bounds(k)
		want := delayRanges[k].max
		for _, r := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.99} {
			d := New(Options{UltraSafe: true, Rand: constRand(r)}).Delay(k)
			assert.GreaterOrEqual(t, d, want, "%s rnd=%v", k, r)
			assert.LessOrEqual(t, d, hi, "%s rnd=%v", k, r)
		}
	}
}

func TestNextSafeRequestDelay_ScalesWithRisk(t *testing.T) {
	t.Parallel()

	p := New(Options{Rand: constRand(0.5)})
	assert.Equal(t, time.Second, p.NextSafeRequestDelay())

	p.SetRisk(RiskMedium)
	assert.Equal(t, 2*time.Second, p.NextSafeRequestDelay())

	p.SetRisk(RiskHigh)
	assert.Equal(t, 3*time.Second, p.NextSafeRequestDelay())
}

func TestRecomputeRisk_Transitions(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(testNow)
	var changes atomic.Int32
	p := New(Options{Clock: clk, OnRiskChange: func(_, _ RiskLevel) { changes.Add(1) }})

	p.RecordRequest(false)
	assert.Equal(t, RiskHigh, p.RecomputeRisk(), "sub-second spacing")

	clk.Advance(2 * time.Second)
	assert.Equal(t, RiskMedium, p.RecomputeRisk(), "spacing under five seconds")

	clk.Advance(10 * time.Second)
	assert.Equal(t, RiskLow, p.RecomputeRisk())

	for i := range 10 {
		p.RecordRequest(i < 3)
	}
	clk.Advance(10 * time.Second)
	// 3 errors / 11 requests
	assert.Equal(t, RiskMedium, p.RecomputeRisk())

	for range 3 {
		p.RecordRequest(true)
	}
	clk.Advance(10 * time.Second)
	// 6 / 14
	assert.Equal(t, RiskHigh, p.RecomputeRisk())

	assert.Equal(t, int32(5), changes.Load())
}

func TestDecrementErrors_FloorsAtZero(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	p.RecordRequest(true)
	p.DecrementErrors()
	p.DecrementErrors()
	assert.Equal(t, int64(0), p.ErrorCount())
	assert.Equal(t, int64(1), p.Snapshot().RequestCount)
}

func TestRecordError_Classifies(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	c := p.RecordError(errors.New("Redirected to CHECKPOINT page"))
	assert.True(t, c.Dangerous)
	assert.Equal(t, "checkpoint", c.Kind)
	assert.Equal(t, int64(1), p.ErrorCount())
}

func TestRun_RecomputesEveryMinute(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(testNow)
	p := New(Options{Clock: clk})
	p.SetRisk(RiskHigh)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	clk.BlockUntil(1)
	require.Eventually(t, func() bool {
		clk.Advance(RiskInterval)
		return p.Risk() == RiskLow
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRecommendations(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	assert.Empty(t, p.Recommendations())

	p.SetRisk(RiskHigh)
	for range 6 {
		p.RecordRequest(true)
	}
	assert.Len(t, p.Recommendations(), 4)
}

func TestValidateSession(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	assert.False(t, p.ValidateSession("").Safe)
	assert.True(t, p.ValidateSession("100").Safe)

	p.SetRisk(RiskHigh)
	assert.False(t, p.ValidateSession("100").Safe)
}

func TestPace_SleepsOnClock(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(testNow)
	p := New(Options{Clock: clk, Rand: constRand(0.5)})

	done := make(chan error, 1)
	go func() { done <- p.Pace(context.Background()) }()

	clk.BlockUntil(1)
	clk.Advance(time.Second)
	require.NoError(t, <-done)
}
