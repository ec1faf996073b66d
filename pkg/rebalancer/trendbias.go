package rebalancer

import (
	"time"

	"github.com/ashwood/deltabot/pkg/models"
)

// EMAConfig holds the trend estimator parameters.
type EMAConfig struct {
	FastPeriod        int
	SlowPeriod        int
	TrendThresholdPct float64
	// SlopeScale amplifies the per-candle fast-EMA slope before clamping.
	SlopeScale float64
}

func (c EMAConfig) slopeScale() float64 {
	if c.SlopeScale > 0 {
		return c.SlopeScale
	}
	return 1000
}

// TrendBias maintains a fast/slow EMA pair over closed candles and turns the
// pair into a normalized urgency bias for the rebalancer.
type TrendBias struct {
	cfg EMAConfig

	emaFast     float64
	emaSlow     float64
	prevEmaFast float64
	seeded      bool
	hasPrev     bool
	lastEnd     time.Time
}

func NewTrendBias(cfg EMAConfig) *TrendBias {
	return &TrendBias{cfg: cfg}
}

// Initialize seeds both EMAs from historical closes, oldest first. It is a
// no-op when there are fewer closes than the slow period.
func (t *TrendBias) Initialize(closes []float64) {
	need := t.cfg.SlowPeriod
	if t.cfg.FastPeriod > need {
		need = t.cfg.FastPeriod
	}
	if len(closes) < need || need == 0 {
		return
	}

	t.emaFast = seedEMA(closes, t.cfg.FastPeriod)
	t.emaSlow = seedEMA(closes, t.cfg.SlowPeriod)
	t.seeded = true
	t.hasPrev = false
}

// seedEMA computes an SMA over the first period closes, then runs the EMA
// recursion over the remainder.
func seedEMA(closes []float64, period int) float64 {
	sum := 0.0
	for _, c := range closes[:period] {
		sum += c
	}
	ema := sum / float64(period)
	alpha := 2.0 / (float64(period) + 1.0)
	for _, c := range closes[period:] {
		ema = c*alpha + ema*(1.0-alpha)
	}
	return ema
}

// OnClosedCandle advances both EMAs. Candles that do not advance the clock
// are ignored.
func (t *TrendBias) OnClosedCandle(c models.Candle) {
	if !t.seeded {
		return
	}
	if !t.lastEnd.IsZero() && !c.End.After(t.lastEnd) {
		return
	}
	t.lastEnd = c.End

	t.prevEmaFast = t.emaFast
	t.hasPrev = true

	fastAlpha := 2.0 / (float64(t.cfg.FastPeriod) + 1.0)
	slowAlpha := 2.0 / (float64(t.cfg.SlowPeriod) + 1.0)
	t.emaFast = c.Close*fastAlpha + t.emaFast*(1.0-fastAlpha)
	t.emaSlow = c.Close*slowAlpha + t.emaSlow*(1.0-slowAlpha)
}

// Bias returns an urgency signal in [-1,1]. directionNeeded is +1 when the
// caller must sell (net long versus target) and -1 when it must buy. A
// positive bias means conditions favor acting now rather than waiting.
func (t *TrendBias) Bias(directionNeeded int) float64 {
	if !t.seeded || directionNeeded == 0 {
		return 0
	}

	trend := 0.0
	if t.emaSlow > 0 {
		diffPct := (t.emaFast - t.emaSlow) / t.emaSlow * 100
		if diffPct > t.cfg.TrendThresholdPct {
			trend = 1
		} else if diffPct < -t.cfg.TrendThresholdPct {
			trend = -1
		}
	}

	slope := 0.0
	if t.hasPrev && t.prevEmaFast > 0 {
		slope = (t.emaFast - t.prevEmaFast) / t.prevEmaFast * t.cfg.slopeScale()
		slope = clamp(slope, -1, 1)
	}

	dir := float64(directionNeeded)
	bias := 0.6*(-trend*dir) + 0.4*(-slope*dir)
	return clamp(bias, -1, 1)
}

// Trend labels the current EMA alignment.
func (t *TrendBias) Trend() models.Trend {
	if !t.seeded || t.emaSlow <= 0 {
		return models.TrendRanging
	}
	diffPct := (t.emaFast - t.emaSlow) / t.emaSlow * 100
	switch {
	case diffPct > t.cfg.TrendThresholdPct:
		return models.TrendUp
	case diffPct < -t.cfg.TrendThresholdPct:
		return models.TrendDown
	default:
		return models.TrendRanging
	}
}

func (t *TrendBias) Seeded() bool {
	return t.seeded
}

func (t *TrendBias) FastEMA() (float64, bool) {
	return t.emaFast, t.seeded
}

func (t *TrendBias) SlowEMA() (float64, bool) {
	return t.emaSlow, t.seeded
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
