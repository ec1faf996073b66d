package models

import (
	"time"
)

// ExposureSnapshot is a point-in-time read of combined exposure in base units.
// It is recomputed every cycle and never mutated.
type ExposureSnapshot struct {
	SpotBase            float64
	FuturesBase         float64
	NetBaseDelta        float64
	DesiredNetDeltaBase float64
	Timestamp           time.Time
}

// Gap is the divergence from the desired net delta. Positive means net long
// versus target (the bot must sell), negative means net short (must buy).
func (s ExposureSnapshot) Gap() float64 {
	return s.NetBaseDelta - s.DesiredNetDeltaBase
}

type ThresholdUnits string

const (
	// ThresholdUnitsBase interprets soft/hard directly as base-asset units.
	ThresholdUnitsBase ThresholdUnits = "base"
	// ThresholdUnitsPercent interprets soft/hard as a percentage of the
	// current spot notional, converted to base units each cycle.
	ThresholdUnitsPercent ThresholdUnits = "percent"
)

// Thresholds is the static soft/hard divergence configuration.
type Thresholds struct {
	Units ThresholdUnits
	Soft  float64
	Hard  float64
}

// EffectiveThresholds are the per-cycle, bias-adjusted thresholds in base
// units. HardBase >= SoftBase >= 0 always holds.
type EffectiveThresholds struct {
	SoftBase float64
	HardBase float64
}

type RebalanceAction string

const (
	ActionNone    RebalanceAction = "none"
	ActionPartial RebalanceAction = "partial"
	ActionFull    RebalanceAction = "full"
)

// RebalanceDecision is the policy output for one cycle. TargetTradeBase is
// signed: positive buys base, negative sells base.
type RebalanceDecision struct {
	Action          RebalanceAction
	TargetTradeBase float64
}

// AnchorSnapshot aggregates the rolling fill window. The Has flags make the
// "no anchor constraint" case explicit: a missing VWAP never gates execution.
type AnchorSnapshot struct {
	BuyVWAP          float64
	SellVWAP         float64
	HasBuyVWAP       bool
	HasSellVWAP      bool
	NetImbalanceBase float64
	Window           time.Duration
	SampleCount      int
}
