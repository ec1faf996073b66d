package rebalancer

import (
	"math"

	"github.com/ashwood/deltabot/pkg/models"
)

const minMarkPrice = 1e-12

// EffectiveThresholds converts the configured thresholds into per-cycle base
// units, expanded or tightened by the combined bias. A positive bias (act
// now) tightens, a negative one (wait) loosens. The hard threshold moves at
// half weight so the safety ceiling never opens up as far as the soft gate.
func EffectiveThresholds(t models.Thresholds, spotNotionalQuote, markPrice, combinedBias, biasStrength float64) models.EffectiveThresholds {
	soft := t.Soft
	hard := t.Hard
	if t.Units == models.ThresholdUnitsPercent {
		// Soft/hard are fractions of the current spot notional.
		price := math.Max(markPrice, minMarkPrice)
		soft = t.Soft * spotNotionalQuote / price
		hard = t.Hard * spotNotionalQuote / price
	}

	b := clamp(combinedBias, -1, 1)
	s := clamp(biasStrength, 0, 1)
	effSoft := soft * (1 + s*b)
	effHard := hard * (1 + 0.5*s*b)

	if effSoft < 0 {
		effSoft = 0
	}
	if effHard < effSoft {
		effHard = effSoft
	}
	return models.EffectiveThresholds{SoftBase: effSoft, HardBase: effHard}
}

// PolicyConfig holds the graduated-action parameters.
type PolicyConfig struct {
	PartialRatio       float64
	HysteresisFraction float64
}

// Policy turns a divergence and its effective thresholds into a graduated
// action. The only state it keeps is the last action's threshold and side,
// used to suppress immediate reversals.
type Policy struct {
	cfg PolicyConfig

	lastThreshold float64
	lastSide      int
	hasLast       bool
}

func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Decide maps the gap onto none/partial/full. TargetTradeBase is signed:
// positive buys base, negative sells.
func (p *Policy) Decide(gap float64, eff models.EffectiveThresholds) models.RebalanceDecision {
	sideNeeded := 0
	if gap > 0 {
		sideNeeded = 1
	} else if gap < 0 {
		sideNeeded = -1
	}

	// Reversing direction requires using up a fraction of the threshold
	// that fired last time, so the bot does not sell and immediately buy
	// back when the delta settles just past target.
	if p.hasLast && sideNeeded != 0 && sideNeeded == -p.lastSide &&
		math.Abs(gap) < p.cfg.HysteresisFraction*p.lastThreshold {
		return models.RebalanceDecision{Action: models.ActionNone}
	}

	absGap := math.Abs(gap)
	switch {
	case eff.HardBase > 0 && absGap >= eff.HardBase:
		p.lastThreshold = eff.HardBase
		p.lastSide = sideNeeded
		p.hasLast = true
		return models.RebalanceDecision{Action: models.ActionFull, TargetTradeBase: -gap}
	case eff.SoftBase > 0 && absGap >= eff.SoftBase:
		p.lastThreshold = eff.SoftBase
		p.lastSide = sideNeeded
		p.hasLast = true
		return models.RebalanceDecision{Action: models.ActionPartial, TargetTradeBase: -p.cfg.PartialRatio * gap}
	default:
		return models.RebalanceDecision{Action: models.ActionNone}
	}
}

// LastAction reports the retained hysteresis state for status output.
func (p *Policy) LastAction() (threshold float64, side int, ok bool) {
	return p.lastThreshold, p.lastSide, p.hasLast
}
