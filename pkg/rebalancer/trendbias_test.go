package rebalancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwood/deltabot/pkg/models"
)

func candleAt(close float64, end time.Time) models.Candle {
	return models.Candle{Close: close, End: end, Confirmed: true}
}

func flatCloses(n int, v float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = v
	}
	return closes
}

func TestTrendBiasRequiresEnoughCloses(t *testing.T) {
	tb := NewTrendBias(EMAConfig{FastPeriod: 20, SlowPeriod: 50})

	tb.Initialize(flatCloses(49, 100))
	assert.False(t, tb.Seeded())
	assert.Equal(t, 0.0, tb.Bias(1))

	tb.Initialize(flatCloses(50, 100))
	assert.True(t, tb.Seeded())
}

func TestTrendBiasFlatMarketIsNeutral(t *testing.T) {
	tb := NewTrendBias(EMAConfig{FastPeriod: 20, SlowPeriod: 50})
	tb.Initialize(flatCloses(60, 100))

	fast, _ := tb.FastEMA()
	slow, _ := tb.SlowEMA()
	assert.InDelta(t, 100.0, fast, 1e-9)
	assert.InDelta(t, 100.0, slow, 1e-9)
	assert.Equal(t, models.TrendRanging, tb.Trend())
	assert.Equal(t, 0.0, tb.Bias(1))
}

func TestTrendBiasDowntrendUrgencyToSell(t *testing.T) {
	tb := NewTrendBias(EMAConfig{FastPeriod: 5, SlowPeriod: 10, TrendThresholdPct: 0.1})

	// Declining closes pull the fast EMA below the slow one.
	closes := make([]float64, 40)
	price := 100.0
	for i := range closes {
		closes[i] = price
		price -= 0.5
	}
	tb.Initialize(closes)
	end := time.Now()
	tb.OnClosedCandle(candleAt(price, end))

	require.Equal(t, models.TrendDown, tb.Trend())

	// Needing to sell into a falling market should urge acting now.
	bias := tb.Bias(1)
	assert.Greater(t, bias, 0.0)
	// Needing to buy should urge waiting.
	assert.Less(t, tb.Bias(-1), 0.0)
}

func TestTrendBiasAlwaysClamped(t *testing.T) {
	tb := NewTrendBias(EMAConfig{FastPeriod: 3, SlowPeriod: 5, TrendThresholdPct: 0.0, SlopeScale: 1e9})
	tb.Initialize([]float64{1, 2, 4, 8, 16, 32})
	tb.OnClosedCandle(candleAt(64, time.Now()))

	for _, dir := range []int{-1, 0, 1} {
		b := tb.Bias(dir)
		assert.GreaterOrEqual(t, b, -1.0)
		assert.LessOrEqual(t, b, 1.0)
	}
}

func TestTrendBiasSlopeZeroBeforeFirstCandle(t *testing.T) {
	tb := NewTrendBias(EMAConfig{FastPeriod: 5, SlowPeriod: 10, TrendThresholdPct: 100})
	tb.Initialize(flatCloses(20, 100))

	// Trend threshold is unreachable and no candle has closed, so both
	// components are zero.
	assert.Equal(t, 0.0, tb.Bias(1))
}

func TestTrendBiasIgnoresStaleCandles(t *testing.T) {
	tb := NewTrendBias(EMAConfig{FastPeriod: 5, SlowPeriod: 10})
	tb.Initialize(flatCloses(20, 100))

	end := time.Now()
	tb.OnClosedCandle(candleAt(110, end))
	fastAfter, _ := tb.FastEMA()

	// Same end timestamp must not advance the EMAs again.
	tb.OnClosedCandle(candleAt(200, end))
	fastRepeat, _ := tb.FastEMA()
	assert.Equal(t, fastAfter, fastRepeat)

	// An earlier candle is ignored too.
	tb.OnClosedCandle(candleAt(200, end.Add(-time.Minute)))
	fastStale, _ := tb.FastEMA()
	assert.Equal(t, fastAfter, fastStale)
}

func TestTrendBiasUnseededCandleIsNoop(t *testing.T) {
	tb := NewTrendBias(EMAConfig{FastPeriod: 5, SlowPeriod: 10})
	tb.OnClosedCandle(candleAt(100, time.Now()))
	assert.False(t, tb.Seeded())
}
