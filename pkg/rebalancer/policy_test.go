package rebalancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwood/deltabot/pkg/models"
)

func baseThresholds(soft, hard float64) models.Thresholds {
	return models.Thresholds{Units: models.ThresholdUnitsBase, Soft: soft, Hard: hard}
}

func TestEffectiveThresholdsOrdering(t *testing.T) {
	th := baseThresholds(100, 300)

	for _, strength := range []float64{0, 0.3, 0.6, 1.0} {
		for _, bias := range []float64{-1, -0.5, 0, 0.5, 1} {
			eff := EffectiveThresholds(th, 0, 0, bias, strength)
			assert.GreaterOrEqual(t, eff.SoftBase, 0.0)
			assert.GreaterOrEqual(t, eff.HardBase, eff.SoftBase,
				"strength=%v bias=%v", strength, bias)
		}
	}
}

func TestEffectiveThresholdsZeroBias(t *testing.T) {
	eff := EffectiveThresholds(baseThresholds(100, 300), 0, 0, 0, 0.6)
	assert.Equal(t, 100.0, eff.SoftBase)
	assert.Equal(t, 300.0, eff.HardBase)
}

func TestEffectiveThresholdsBiasExpansion(t *testing.T) {
	// Positive bias with strength 1 doubles soft but only raises hard by half.
	eff := EffectiveThresholds(baseThresholds(100, 300), 0, 0, 1, 1)
	assert.InDelta(t, 200.0, eff.SoftBase, 1e-9)
	assert.InDelta(t, 450.0, eff.HardBase, 1e-9)

	// Negative bias at full strength collapses soft to zero; hard stays above.
	eff = EffectiveThresholds(baseThresholds(100, 300), 0, 0, -1, 1)
	assert.Equal(t, 0.0, eff.SoftBase)
	assert.InDelta(t, 150.0, eff.HardBase, 1e-9)
}

func TestEffectiveThresholdsPercentUnits(t *testing.T) {
	th := models.Thresholds{Units: models.ThresholdUnitsPercent, Soft: 0.02, Hard: 0.06}

	// 2% of a 10,000 USDT notional at price 100 is 2 base units.
	eff := EffectiveThresholds(th, 10000, 100, 0, 0.6)
	assert.InDelta(t, 2.0, eff.SoftBase, 1e-9)
	assert.InDelta(t, 6.0, eff.HardBase, 1e-9)

	// A zero mark price must not divide by zero.
	eff = EffectiveThresholds(th, 10000, 0, 0, 0.6)
	assert.False(t, eff.SoftBase != eff.SoftBase, "soft is NaN")
	assert.GreaterOrEqual(t, eff.HardBase, eff.SoftBase)
}

func TestDecideHardBreachRestoresExactly(t *testing.T) {
	p := NewPolicy(PolicyConfig{PartialRatio: 0.5, HysteresisFraction: 0.7})
	eff := models.EffectiveThresholds{SoftBase: 100, HardBase: 300}

	d := p.Decide(300, eff)
	require.Equal(t, models.ActionFull, d.Action)
	assert.Equal(t, 0.0, d.TargetTradeBase+300)
}

func TestDecidePartialRatio(t *testing.T) {
	p := NewPolicy(PolicyConfig{PartialRatio: 0.5, HysteresisFraction: 0.7})
	eff := models.EffectiveThresholds{SoftBase: 100, HardBase: 300}

	d := p.Decide(150, eff)
	require.Equal(t, models.ActionPartial, d.Action)
	assert.Equal(t, -75.0, d.TargetTradeBase)
}

func TestDecideBelowSoftIsNone(t *testing.T) {
	p := NewPolicy(PolicyConfig{PartialRatio: 0.5, HysteresisFraction: 0.7})
	eff := models.EffectiveThresholds{SoftBase: 100, HardBase: 300}

	d := p.Decide(50, eff)
	assert.Equal(t, models.ActionNone, d.Action)
	assert.Equal(t, 0.0, d.TargetTradeBase)
}

func TestDecideHysteresisSuppressesReversal(t *testing.T) {
	p := NewPolicy(PolicyConfig{PartialRatio: 0.5, HysteresisFraction: 0.7})
	eff := models.EffectiveThresholds{SoftBase: 100, HardBase: 300}

	// FULL sell at the hard threshold.
	d := p.Decide(300, eff)
	require.Equal(t, models.ActionFull, d.Action)

	// An opposite-side gap below 0.7*300 is suppressed even though it
	// crosses the soft threshold.
	d = p.Decide(-150, eff)
	assert.Equal(t, models.ActionNone, d.Action)

	// At or past the hysteresis bound normal rules apply again.
	d = p.Decide(-210, eff)
	require.Equal(t, models.ActionPartial, d.Action)
	assert.Equal(t, 105.0, d.TargetTradeBase)
}

func TestDecideSameSideUnaffectedByHysteresis(t *testing.T) {
	p := NewPolicy(PolicyConfig{PartialRatio: 0.5, HysteresisFraction: 0.7})
	eff := models.EffectiveThresholds{SoftBase: 100, HardBase: 300}

	d := p.Decide(300, eff)
	require.Equal(t, models.ActionFull, d.Action)

	// Same side again: no suppression.
	d = p.Decide(150, eff)
	assert.Equal(t, models.ActionPartial, d.Action)
}

func TestDecideNoneDoesNotMutateState(t *testing.T) {
	p := NewPolicy(PolicyConfig{PartialRatio: 0.5, HysteresisFraction: 0.7})
	eff := models.EffectiveThresholds{SoftBase: 100, HardBase: 300}

	p.Decide(50, eff)
	_, _, ok := p.LastAction()
	assert.False(t, ok)

	p.Decide(150, eff)
	threshold, side, ok := p.LastAction()
	require.True(t, ok)
	assert.Equal(t, 100.0, threshold)
	assert.Equal(t, 1, side)

	// A NONE decision leaves the retained state untouched.
	p.Decide(10, eff)
	threshold, side, ok = p.LastAction()
	require.True(t, ok)
	assert.Equal(t, 100.0, threshold)
	assert.Equal(t, 1, side)
}

func TestDecideZeroThresholdsNeverFire(t *testing.T) {
	p := NewPolicy(PolicyConfig{PartialRatio: 0.5, HysteresisFraction: 0.7})
	eff := models.EffectiveThresholds{SoftBase: 0, HardBase: 0}

	d := p.Decide(1000, eff)
	assert.Equal(t, models.ActionNone, d.Action)
}
