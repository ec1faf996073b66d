package rebalancer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ashwood/deltabot/pkg/bybit"
	"github.com/ashwood/deltabot/pkg/models"
)

// Feed delivers cached market data. The engine only reads the latest value;
// nothing is pushed into it.
type Feed interface {
	LatestPrice() (float64, bool)
	LatestClosedCandle() (models.Candle, bool)
}

// AnchorGateConfig controls how the fills anchor gates soft-breach trades.
type AnchorGateConfig struct {
	EdgeBps     float64
	SoftMaxWait time.Duration
}

// BiasConfig weights the two bias sources into the combined signal.
type BiasConfig struct {
	WEMA     float64
	WAnchor  float64
	Strength float64
}

// OpportunisticConfig controls the EMA-proximity defensive exit.
type OpportunisticConfig struct {
	Enabled             bool
	UptrendBreakoutPct  float64
	DowntrendTouchPct   float64
	PartialRatio        float64
	MinPositionNotional float64
	Cooldown            time.Duration
}

// Config assembles everything one rebalancer instance needs.
type Config struct {
	Symbol           string
	BaseCoin         string
	Interval         string
	DesiredDeltaBase float64
	Thresholds       models.Thresholds
	Bias             BiasConfig
	AnchorGate       AnchorGateConfig
	EMA              EMAConfig
	Policy           PolicyConfig
	Execution        ExecutionConfig
	Anchor           FillsAnchorConfig
	Opportunistic    OpportunisticConfig
	StepInterval     time.Duration
	StatusInterval   time.Duration
}

// Rebalancer drives one symbol's delta-correction loop. All mutable state is
// owned by this instance; Step is never called concurrently.
type Rebalancer struct {
	cfg    Config
	client bybit.Client
	feed   Feed
	logger *logrus.Logger

	trendBias   *TrendBias
	fillsAnchor *FillsAnchor
	snapshotter *Snapshotter
	policy      *Policy
	executor    *Executor

	now           func() time.Time
	softWaitStart time.Time
	lastOpp       time.Time
	lastStatus    time.Time

	lastSnapshot models.ExposureSnapshot
	lastEff      models.EffectiveThresholds
	lastDecision models.RebalanceDecision
	lastBias     float64

	// The HTTP server reads these from its own goroutines; Step publishes
	// a fresh copy at the end of each cycle.
	statusMu   sync.RWMutex
	status     Status
	fillsCache []models.Fill
}

func New(cfg Config, client bybit.Client, feed Feed, logger *logrus.Logger) *Rebalancer {
	return &Rebalancer{
		cfg:         cfg,
		client:      client,
		feed:        feed,
		logger:      logger,
		trendBias:   NewTrendBias(cfg.EMA),
		fillsAnchor: NewFillsAnchor(client, models.CategorySpot, cfg.Symbol, cfg.Anchor, logger),
		snapshotter: NewSnapshotter(client, cfg.BaseCoin, cfg.Symbol, cfg.DesiredDeltaBase, logger),
		policy:      NewPolicy(cfg.Policy),
		executor:    NewExecutor(client, models.CategorySpot, cfg.Symbol, cfg.Execution, logger),
		now:         time.Now,
	}
}

// Warmup seeds the EMA pair from REST kline history and loads the
// instrument's lot filters. Warmup failures are not fatal; the EMA stays
// unseeded and contributes zero bias until enough candles close.
func (r *Rebalancer) Warmup(ctx context.Context) {
	limit := r.cfg.EMA.SlowPeriod * 2
	if limit < 100 {
		limit = 100
	}
	candles, err := r.client.GetKlines(ctx, models.CategorySpot, r.cfg.Symbol, r.cfg.Interval, limit)
	if err != nil {
		r.logger.WithError(err).Warn("Kline warmup failed, EMAs start unseeded")
	} else {
		closes := make([]float64, len(candles))
		for i, c := range candles {
			closes[i] = c.Close
		}
		r.trendBias.Initialize(closes)
		r.logger.WithFields(logrus.Fields{
			"candles": len(closes),
			"seeded":  r.trendBias.Seeded(),
		}).Info("Trend EMAs initialized")
	}

	info, err := r.client.GetInstrumentInfo(ctx, models.CategorySpot, r.cfg.Symbol)
	if err != nil {
		r.logger.WithError(err).Warn("Instrument info unavailable, quantity quantization disabled")
		return
	}
	r.executor.SetInstrument(*info)
}

// Run drives Step on a fixed interval until the context is cancelled.
func (r *Rebalancer) Run(ctx context.Context) error {
	interval := r.cfg.StepInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.WithFields(logrus.Fields{
		"symbol":   r.cfg.Symbol,
		"interval": interval,
	}).Info("Rebalancer loop started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Rebalancer loop stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Step(ctx)
		}
	}
}

// Step runs one full decision cycle: snapshot, bias, thresholds, decide,
// execute. It never returns an error; every failure mode degrades to "do
// nothing this cycle".
func (r *Rebalancer) Step(ctx context.Context) {
	price, ok := r.feed.LatestPrice()
	if !ok || price <= 0 {
		return
	}
	defer r.publishStatus()

	if candle, ok := r.feed.LatestClosedCandle(); ok {
		r.trendBias.OnClosedCandle(candle)
	}
	r.fillsAnchor.Update(ctx)

	snap := r.snapshotter.Snapshot(ctx, price)
	r.lastSnapshot = snap
	gap := snap.Gap()

	r.maybeLogStatus(price, gap)

	// The EMA-proximity exit runs before the threshold path so a favorable
	// defensive exit is not swallowed by the hysteresis gate.
	if r.checkOpportunistic(ctx, price, snap) {
		r.softWaitStart = time.Time{}
		return
	}

	sideNeeded := 0
	if gap > 0 {
		sideNeeded = 1
	} else if gap < 0 {
		sideNeeded = -1
	}
	if sideNeeded == 0 {
		r.softWaitStart = time.Time{}
		return
	}

	bias := r.combinedBias(price, sideNeeded)
	r.lastBias = bias
	eff := EffectiveThresholds(r.cfg.Thresholds, snap.SpotBase*price, price, bias, r.cfg.Bias.Strength)
	r.lastEff = eff

	decision := r.policy.Decide(gap, eff)
	r.lastDecision = decision

	switch decision.Action {
	case models.ActionNone:
		r.softWaitStart = time.Time{}

	case models.ActionFull:
		// Hard breach: risk bounding outranks execution cost.
		side := sideFor(decision.TargetTradeBase)
		r.logger.WithFields(logrus.Fields{
			"gap":      gap,
			"eff_hard": eff.HardBase,
			"side":     side,
			"qty":      math.Abs(decision.TargetTradeBase),
		}).Warn("Hard threshold breached, full rebalance")
		r.executor.Market(ctx, side, decision.TargetTradeBase)
		r.softWaitStart = time.Time{}

	case models.ActionPartial:
		r.executePartial(ctx, price, decision)
	}
}

// executePartial applies the soft-breach anchor gate: trade only when the
// price already clears the fill VWAP by the configured edge, or the maximum
// wait has elapsed.
func (r *Rebalancer) executePartial(ctx context.Context, price float64, decision models.RebalanceDecision) {
	now := r.now()
	if r.softWaitStart.IsZero() {
		r.softWaitStart = now
	}
	waited := now.Sub(r.softWaitStart)

	side := sideFor(decision.TargetTradeBase)
	anchor := r.fillsAnchor.Anchor()
	anchorOK := true
	edge := r.cfg.AnchorGate.EdgeBps / 1e4
	switch {
	case side == models.OrderSideSell && anchor.HasBuyVWAP:
		anchorOK = price >= anchor.BuyVWAP*(1+edge)
	case side == models.OrderSideBuy && anchor.HasSellVWAP:
		anchorOK = price <= anchor.SellVWAP*(1-edge)
	}

	if !anchorOK && waited < r.cfg.AnchorGate.SoftMaxWait {
		return
	}

	r.logger.WithFields(logrus.Fields{
		"side":      side,
		"qty":       math.Abs(decision.TargetTradeBase),
		"anchor_ok": anchorOK,
		"waited":    waited.Round(time.Second).String(),
	}).Info("Soft threshold breached, partial rebalance")
	r.executor.MakerThenEscalate(ctx, side, decision.TargetTradeBase, price, r.cfg.Execution.TakerOnSoft)
	r.softWaitStart = time.Time{}
}

// combinedBias blends the EMA urgency bias with a binary anchor bias. The
// anchor agrees (+1) when the current price clears the opposing-side VWAP by
// the configured edge and disagrees (-1) otherwise.
func (r *Rebalancer) combinedBias(price float64, sideNeeded int) float64 {
	emaB := r.trendBias.Bias(sideNeeded)

	anchor := r.fillsAnchor.Anchor()
	anchorB := 0.0
	edge := r.cfg.AnchorGate.EdgeBps / 1e4
	switch {
	case sideNeeded == 1 && anchor.HasBuyVWAP:
		if price >= anchor.BuyVWAP*(1+edge) {
			anchorB = 1
		} else {
			anchorB = -1
		}
	case sideNeeded == -1 && anchor.HasSellVWAP:
		if price <= anchor.SellVWAP*(1-edge) {
			anchorB = 1
		} else {
			anchorB = -1
		}
	}

	return clamp(r.cfg.Bias.WEMA*emaB+r.cfg.Bias.WAnchor*anchorB, -1, 1)
}

// checkOpportunistic fires a partial defensive sell when price action around
// the fast EMA reveals a favorable exit inside the thresholds: a long
// breaking out above the fast EMA in an uptrend, or a long rallying back to
// the fast EMA in a downtrend.
func (r *Rebalancer) checkOpportunistic(ctx context.Context, price float64, snap models.ExposureSnapshot) bool {
	cfg := r.cfg.Opportunistic
	if !cfg.Enabled || !r.trendBias.Seeded() {
		return false
	}
	positionNotional := snap.SpotBase * price
	if positionNotional < cfg.MinPositionNotional {
		return false
	}
	if !r.lastOpp.IsZero() && r.now().Sub(r.lastOpp) < cfg.Cooldown {
		return false
	}

	fastEMA, _ := r.trendBias.FastEMA()
	if fastEMA <= 0 {
		return false
	}
	priceVsEMAPct := (price - fastEMA) / fastEMA * 100

	trend := r.trendBias.Trend()
	triggered := false
	reason := ""
	switch {
	case trend == models.TrendUp && priceVsEMAPct >= cfg.UptrendBreakoutPct:
		triggered = true
		reason = "breakout above fast EMA in uptrend"
	case trend == models.TrendDown && math.Abs(priceVsEMAPct) <= cfg.DowntrendTouchPct:
		triggered = true
		reason = "price back at fast EMA in downtrend"
	}
	if !triggered {
		return false
	}

	qty := cfg.PartialRatio * snap.SpotBase
	r.logger.WithFields(logrus.Fields{
		"reason":       reason,
		"price_vs_ema": priceVsEMAPct,
		"trend":        trend,
		"qty":          qty,
	}).Info("Opportunistic defensive exit")
	if !r.executor.Market(ctx, models.OrderSideSell, qty) {
		return false
	}
	r.lastOpp = r.now()
	return true
}

func (r *Rebalancer) maybeLogStatus(price, gap float64) {
	if r.cfg.StatusInterval <= 0 {
		return
	}
	now := r.now()
	if now.Sub(r.lastStatus) < r.cfg.StatusInterval {
		return
	}
	r.lastStatus = now

	r.logger.WithFields(logrus.Fields{
		"price":        price,
		"spot_base":    r.lastSnapshot.SpotBase,
		"futures_base": r.lastSnapshot.FuturesBase,
		"net_delta":    r.lastSnapshot.NetBaseDelta,
		"gap":          gap,
		"trend":        r.trendBias.Trend(),
		"eff_soft":     r.lastEff.SoftBase,
		"eff_hard":     r.lastEff.HardBase,
	}).Info("Rebalancer status")
}

// Status is a read-only view for the HTTP API.
type Status struct {
	Symbol       string                     `json:"symbol"`
	Snapshot     models.ExposureSnapshot    `json:"snapshot"`
	Gap          float64                    `json:"gap"`
	Effective    models.EffectiveThresholds `json:"effective_thresholds"`
	CombinedBias float64                    `json:"combined_bias"`
	Trend        models.Trend               `json:"trend"`
	LastDecision models.RebalanceDecision   `json:"last_decision"`
	Anchor       models.AnchorSnapshot      `json:"anchor"`
	SoftWaiting  bool                       `json:"soft_waiting"`
}

// publishStatus refreshes the copy the HTTP server reads. Called only from
// the Step goroutine.
func (r *Rebalancer) publishStatus() {
	s := Status{
		Symbol:       r.cfg.Symbol,
		Snapshot:     r.lastSnapshot,
		Gap:          r.lastSnapshot.Gap(),
		Effective:    r.lastEff,
		CombinedBias: r.lastBias,
		Trend:        r.trendBias.Trend(),
		LastDecision: r.lastDecision,
		Anchor:       r.fillsAnchor.Anchor(),
		SoftWaiting:  !r.softWaitStart.IsZero(),
	}
	fills := r.fillsAnchor.Fills()

	r.statusMu.Lock()
	r.status = s
	r.fillsCache = fills
	r.statusMu.Unlock()
}

func (r *Rebalancer) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// Fills exposes the anchor window for the HTTP API.
func (r *Rebalancer) Fills() []models.Fill {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.fillsCache
}

func sideFor(targetTradeBase float64) models.OrderSide {
	if targetTradeBase < 0 {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}
