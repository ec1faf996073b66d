package strategy

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ashwood/deltabot/pkg/bybit"
	"github.com/ashwood/deltabot/pkg/models"
	"github.com/ashwood/deltabot/pkg/rebalancer"
)

// TakeProfitLevel maps a profit target to the fraction of the original
// position exited when the target is reached.
type TakeProfitLevel struct {
	Name      string
	TargetPct float64
	ExitPct   float64
}

// Config holds the EMA strategy parameters.
type Config struct {
	Symbol   string
	Category models.Category
	Interval string

	EMA rebalancer.EMAConfig

	// Quote-currency budget split between the two entry levels.
	MaxAllocationQuote float64
	FastAllocationPct  float64
	SlowAllocationPct  float64

	TakeProfits []TakeProfitLevel

	// Two-tier stop, both anchored to the slow EMA. The conditional stop
	// fires only on a candle close beyond it; the hard stop fires on any
	// tick.
	StopLossPct     float64
	HardStopLossPct float64

	EntryCooldown           time.Duration
	OrderCooldown           time.Duration
	OrderUpdateThresholdPct float64
	EntryOffsetPct          float64
	MinOrderNotional        float64
	SyncInterval            time.Duration
	StepInterval            time.Duration
}

type entryOrder struct {
	level    string
	side     models.OrderSide
	price    float64
	qty      float64
	notional float64
}

// Strategy trades the fast/slow EMA pair on the futures leg: limit entries
// resting at each EMA in the trend direction, a take-profit ladder, and a
// two-tier stop anchored to the slow EMA. The exchange position is the
// single source of truth; local state only tracks what cannot be read back.
type Strategy struct {
	cfg    Config
	client bybit.Client
	feed   rebalancer.Feed
	logger *logrus.Logger

	trend *rebalancer.TrendBias
	// Optional: spot exposure counted against the allocation budget.
	exposure *rebalancer.Snapshotter

	now        func() time.Time
	instrument models.InstrumentInfo

	position     float64
	avgEntry     float64
	originalSize float64
	lastSize     float64

	fastLocked float64
	slowLocked float64

	entryOrders map[string]entryOrder
	tpHit       map[string]bool

	conditionalStop float64
	hardStop        float64
	hasStops        bool

	lastEntry      time.Time
	lastSync       time.Time
	lastOrderCheck time.Time
	lastLevelOrder map[string]time.Time
	lastCandleEnd  time.Time
	realizedPnL    float64
}

func New(cfg Config, client bybit.Client, feed rebalancer.Feed, logger *logrus.Logger) *Strategy {
	if cfg.Category == "" {
		cfg.Category = models.CategoryLinear
	}
	return &Strategy{
		cfg:            cfg,
		client:         client,
		feed:           feed,
		logger:         logger,
		trend:          rebalancer.NewTrendBias(cfg.EMA),
		now:            time.Now,
		entryOrders:    make(map[string]entryOrder),
		tpHit:          make(map[string]bool),
		lastLevelOrder: make(map[string]time.Time),
	}
}

// SetExposure wires in the spot snapshotter so spot holdings count against
// the allocation budget.
func (s *Strategy) SetExposure(snap *rebalancer.Snapshotter) {
	s.exposure = snap
}

// Init seeds the EMAs from kline history, loads instrument filters and syncs
// the starting position.
func (s *Strategy) Init(ctx context.Context) error {
	limit := s.cfg.EMA.SlowPeriod * 2
	if limit < 200 {
		limit = 200
	}
	candles, err := s.client.GetKlines(ctx, s.cfg.Category, s.cfg.Symbol, s.cfg.Interval, limit)
	if err != nil {
		return err
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	s.trend.Initialize(closes)

	info, err := s.client.GetInstrumentInfo(ctx, s.cfg.Category, s.cfg.Symbol)
	if err != nil {
		s.logger.WithError(err).Warn("Instrument info unavailable, using raw quantities")
	} else {
		s.instrument = *info
	}

	s.syncPosition(ctx)
	// An inherited position locks its value proportionally across both
	// levels so the same capital is not allocated twice.
	if s.position != 0 && s.avgEntry > 0 && s.fastLocked == 0 && s.slowLocked == 0 {
		s.lockInheritedPosition()
	}

	s.logger.WithFields(logrus.Fields{
		"symbol":   s.cfg.Symbol,
		"seeded":   s.trend.Seeded(),
		"position": s.position,
		"trend":    s.trend.Trend(),
	}).Info("Strategy initialized")
	return nil
}

func (s *Strategy) lockInheritedPosition() {
	value := math.Abs(s.position) * s.avgEntry
	total := s.cfg.FastAllocationPct + s.cfg.SlowAllocationPct
	if total <= 0 {
		return
	}
	s.fastLocked = value * s.cfg.FastAllocationPct / total
	s.slowLocked = value * s.cfg.SlowAllocationPct / total
	s.originalSize = math.Abs(s.position)
	s.lastSize = math.Abs(s.position)
}

// Run drives Update on a fixed interval until the context is cancelled.
func (s *Strategy) Run(ctx context.Context) error {
	interval := s.cfg.StepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			price, ok := s.feed.LatestPrice()
			if !ok || price <= 0 {
				continue
			}
			var closed *models.Candle
			if c, ok := s.feed.LatestClosedCandle(); ok && c.End.After(s.lastCandleEnd) {
				s.lastCandleEnd = c.End
				closed = &c
			}
			s.Update(ctx, price, closed)
		}
	}
}

// Update is one decision cycle. closed is non-nil only when a new candle
// has completed since the previous cycle.
func (s *Strategy) Update(ctx context.Context, price float64, closed *models.Candle) {
	if closed != nil {
		s.trend.OnClosedCandle(*closed)
	}

	if s.cfg.SyncInterval > 0 && s.now().Sub(s.lastSync) > s.cfg.SyncInterval {
		s.syncPosition(ctx)
		s.syncOrders(ctx)
		s.lastSync = s.now()
	}

	if s.position != 0 {
		s.checkTakeProfits(ctx, price)
		s.checkTrendExit(ctx, price)
		stopPrice := price
		if closed != nil {
			stopPrice = closed.Close
		}
		s.manageStops(ctx, stopPrice, closed != nil)
	}

	s.manageEntryOrders(ctx, price)
}

// syncPosition reads the exchange position, the single source of truth.
func (s *Strategy) syncPosition(ctx context.Context) {
	pos, err := s.client.GetPosition(ctx, s.cfg.Category, s.cfg.Symbol)
	if err != nil {
		s.logger.WithError(err).Warn("Position sync failed")
		return
	}

	old := s.position
	if pos == nil {
		s.position = 0
		s.avgEntry = 0
	} else {
		s.position = pos.SignedSize()
		s.avgEntry = pos.EntryPrice
	}
	if old == s.position {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"from": old,
		"to":   s.position,
	}).Info("Position synced")

	switch {
	case old == 0 && s.position != 0:
		s.originalSize = math.Abs(s.position)
		s.lastSize = math.Abs(s.position)
		s.tpHit = make(map[string]bool)
		if s.fastLocked == 0 && s.slowLocked == 0 && s.avgEntry > 0 {
			s.lockInheritedPosition()
		}
	case s.position == 0:
		s.resetPositionState()
	}
}

func (s *Strategy) resetPositionState() {
	s.originalSize = 0
	s.lastSize = 0
	s.tpHit = make(map[string]bool)
	s.fastLocked = 0
	s.slowLocked = 0
	s.conditionalStop = 0
	s.hardStop = 0
	s.hasStops = false
}

// syncOrders reconciles tracked entry orders against the exchange. An order
// that disappeared has filled: its notional moves into the locked bucket.
func (s *Strategy) syncOrders(ctx context.Context) {
	open, err := s.client.GetOpenOrders(ctx, s.cfg.Category, s.cfg.Symbol)
	if err != nil {
		s.logger.WithError(err).Debug("Order sync failed")
		return
	}
	openIDs := make(map[string]bool, len(open))
	for _, o := range open {
		openIDs[o.OrderID] = true
	}

	for id, info := range s.entryOrders {
		if openIDs[id] {
			continue
		}
		if info.level == "fast" {
			s.fastLocked += info.notional
		} else {
			s.slowLocked += info.notional
		}
		s.logger.WithFields(logrus.Fields{
			"level":    info.level,
			"notional": info.notional,
		}).Info("Entry order filled, allocation locked")
		delete(s.entryOrders, id)
	}
}

// checkTakeProfits walks the ladder and exits a slice of the original
// position when a level's profit target is reached. One level per cycle.
func (s *Strategy) checkTakeProfits(ctx context.Context, price float64) {
	if s.avgEntry <= 0 || s.originalSize == 0 {
		return
	}
	pnlPct := s.pnlPct(price)

	for _, tp := range s.cfg.TakeProfits {
		if s.tpHit[tp.Name] || pnlPct < tp.TargetPct {
			continue
		}
		exitQty := s.originalSize * tp.ExitPct / 100
		if max := math.Abs(s.position); exitQty > max {
			exitQty = max
		}
		exitQty = s.quantizeQty(exitQty)
		if exitQty <= 0 {
			continue
		}

		side := models.OrderSideSell
		if s.position < 0 {
			side = models.OrderSideBuy
		}
		_, err := s.client.PlaceOrder(ctx, &models.OrderRequest{
			Category:   s.cfg.Category,
			Symbol:     s.cfg.Symbol,
			Side:       side,
			Type:       models.OrderTypeMarket,
			Quantity:   exitQty,
			ReduceOnly: true,
		})
		if err != nil {
			s.logger.WithError(err).WithField("level", tp.Name).Error("Take profit order failed")
			return
		}

		pnl := s.tradePnL(price, exitQty)
		s.realizedPnL += pnl
		s.tpHit[tp.Name] = true
		s.freeAllocation(exitQty * s.avgEntry)
		s.logger.WithFields(logrus.Fields{
			"level":   tp.Name,
			"price":   price,
			"qty":     exitQty,
			"pnl":     pnl,
			"pnl_sum": s.realizedPnL,
		}).Info("Take profit hit")
		s.syncPosition(ctx)
		return
	}
}

// checkTrendExit closes the whole position when the trend no longer
// supports it.
func (s *Strategy) checkTrendExit(ctx context.Context, price float64) {
	trend := s.trend.Trend()
	longAgainst := s.position > 0 && trend != models.TrendUp
	shortAgainst := s.position < 0 && trend != models.TrendDown
	if !longAgainst && !shortAgainst {
		return
	}
	s.fullExit(ctx, price, "trend_weakening")
}

// manageStops maintains the two-tier stop. Both levels ratchet toward price
// with the slow EMA and never retreat.
func (s *Strategy) manageStops(ctx context.Context, price float64, candleClosed bool) {
	if s.avgEntry <= 0 {
		return
	}
	slow, ok := s.trend.SlowEMA()
	if !ok || slow <= 0 {
		return
	}

	if s.position > 0 {
		conditional := slow * (1 - s.cfg.StopLossPct/100)
		hard := slow * (1 - s.cfg.HardStopLossPct/100)
		if !s.hasStops {
			s.conditionalStop = conditional
			s.hardStop = hard
			s.hasStops = true
		} else {
			if conditional > s.conditionalStop {
				s.conditionalStop = conditional
			}
			if hard > s.hardStop {
				s.hardStop = hard
			}
		}
		if price <= s.hardStop {
			s.fullExit(ctx, price, "hard_stop")
			return
		}
		if candleClosed && price <= s.conditionalStop {
			s.fullExit(ctx, price, "conditional_stop")
		}
		return
	}

	conditional := slow * (1 + s.cfg.StopLossPct/100)
	hard := slow * (1 + s.cfg.HardStopLossPct/100)
	if !s.hasStops {
		s.conditionalStop = conditional
		s.hardStop = hard
		s.hasStops = true
	} else {
		if conditional < s.conditionalStop {
			s.conditionalStop = conditional
		}
		if hard < s.hardStop {
			s.hardStop = hard
		}
	}
	if price >= s.hardStop {
		s.fullExit(ctx, price, "hard_stop")
		return
	}
	if candleClosed && price >= s.conditionalStop {
		s.fullExit(ctx, price, "conditional_stop")
	}
}

func (s *Strategy) fullExit(ctx context.Context, price float64, reason string) {
	if s.position == 0 {
		return
	}
	exitQty := s.quantizeQty(math.Abs(s.position))
	if exitQty <= 0 {
		return
	}
	side := models.OrderSideSell
	if s.position < 0 {
		side = models.OrderSideBuy
	}

	s.cancelEntryOrders(ctx)

	_, err := s.client.PlaceOrder(ctx, &models.OrderRequest{
		Category:   s.cfg.Category,
		Symbol:     s.cfg.Symbol,
		Side:       side,
		Type:       models.OrderTypeMarket,
		Quantity:   exitQty,
		ReduceOnly: true,
	})
	if err != nil {
		s.logger.WithError(err).WithField("reason", reason).Error("Full exit order failed")
		return
	}

	pnl := s.tradePnL(price, exitQty)
	s.realizedPnL += pnl
	s.logger.WithFields(logrus.Fields{
		"reason":  reason,
		"price":   price,
		"qty":     exitQty,
		"pnl":     pnl,
		"pnl_sum": s.realizedPnL,
	}).Warn("Full exit")

	s.syncPosition(ctx)
	s.resetPositionState()
	s.lastEntry = s.now()
}

// manageEntryOrders keeps one limit order resting at each EMA level in the
// trend direction, sized by the level's free allocation.
func (s *Strategy) manageEntryOrders(ctx context.Context, price float64) {
	now := s.now()
	if now.Sub(s.lastOrderCheck) > 5*time.Second {
		s.refreshEntryOrders(ctx, price)
		s.lastOrderCheck = now
	}

	trend := s.trend.Trend()
	if trend == models.TrendRanging {
		return
	}
	if now.Sub(s.lastEntry) < s.cfg.EntryCooldown {
		return
	}
	// Never stack onto a position the trend has turned against.
	if (s.position > 0 && trend == models.TrendDown) || (s.position < 0 && trend == models.TrendUp) {
		return
	}

	side := models.OrderSideBuy
	if trend == models.TrendDown {
		side = models.OrderSideSell
	}

	fastEMA, _ := s.trend.FastEMA()
	slowEMA, _ := s.trend.SlowEMA()
	fastAvail, slowAvail := s.availableAllocations(ctx, price)

	have := make(map[string]bool)
	for _, o := range s.entryOrders {
		have[o.level] = true
	}
	if !have["fast"] && fastAvail >= s.cfg.MinOrderNotional {
		s.placeEntryOrder(ctx, side, fastEMA, "fast", fastAvail)
	}
	if !have["slow"] && slowAvail >= s.cfg.MinOrderNotional {
		s.placeEntryOrder(ctx, side, slowEMA, "slow", slowAvail)
	}
}

// availableAllocations computes the free budget per level, counting locked
// position value, pending orders and any spot exposure.
func (s *Strategy) availableAllocations(ctx context.Context, price float64) (fast, slow float64) {
	spotNotional := 0.0
	if s.exposure != nil {
		spotNotional = s.exposure.SpotBase(ctx) * price
	}

	factor := 1.0
	if s.cfg.MaxAllocationQuote > 0 {
		remaining := math.Max(0, s.cfg.MaxAllocationQuote-spotNotional)
		factor = remaining / s.cfg.MaxAllocationQuote
	}

	fastBudget := s.cfg.MaxAllocationQuote * s.cfg.FastAllocationPct / 100
	slowBudget := s.cfg.MaxAllocationQuote * s.cfg.SlowAllocationPct / 100
	fast = (fastBudget - s.fastLocked) * factor
	slow = (slowBudget - s.slowLocked) * factor

	for _, o := range s.entryOrders {
		if o.level == "fast" {
			fast -= o.notional
		} else {
			slow -= o.notional
		}
	}
	return math.Max(0, fast), math.Max(0, slow)
}

func (s *Strategy) placeEntryOrder(ctx context.Context, side models.OrderSide, emaPrice float64, level string, notional float64) {
	if emaPrice <= 0 || notional <= 0 {
		return
	}
	if last, ok := s.lastLevelOrder[level]; ok && s.now().Sub(last) < s.cfg.OrderCooldown {
		return
	}

	offset := s.cfg.EntryOffsetPct / 100
	limitPrice := emaPrice * (1 - offset)
	if side == models.OrderSideSell {
		limitPrice = emaPrice * (1 + offset)
	}
	limitPrice = s.quantizePrice(limitPrice)

	qty := s.quantizeQty(notional / limitPrice)
	if qty <= 0 {
		return
	}

	order, err := s.client.PlaceOrder(ctx, &models.OrderRequest{
		Category:    s.cfg.Category,
		Symbol:      s.cfg.Symbol,
		Side:        side,
		Type:        models.OrderTypeLimit,
		Price:       limitPrice,
		Quantity:    qty,
		TimeInForce: models.TimeInForceGTC,
	})
	if err != nil {
		s.logger.WithError(err).WithField("level", level).Warn("Entry order failed")
		return
	}

	s.entryOrders[order.OrderID] = entryOrder{
		level:    level,
		side:     side,
		price:    limitPrice,
		qty:      qty,
		notional: notional,
	}
	s.lastLevelOrder[level] = s.now()
	s.logger.WithFields(logrus.Fields{
		"level": level,
		"side":  side,
		"price": limitPrice,
		"qty":   qty,
	}).Info("Entry order placed")
}

// refreshEntryOrders re-quotes resting orders whose price has drifted from
// the tracking EMA beyond the configured threshold.
func (s *Strategy) refreshEntryOrders(ctx context.Context, price float64) {
	fastEMA, _ := s.trend.FastEMA()
	slowEMA, _ := s.trend.SlowEMA()

	for id, info := range s.entryOrders {
		target := fastEMA
		if info.level == "slow" {
			target = slowEMA
		}
		if target <= 0 {
			continue
		}
		driftPct := math.Abs(info.price-target) / target * 100
		if driftPct <= s.cfg.OrderUpdateThresholdPct {
			continue
		}

		if err := s.client.CancelOrder(ctx, s.cfg.Category, s.cfg.Symbol, id); err != nil {
			// Likely already filled; the next order sync locks it in.
			s.logger.WithError(err).WithField("level", info.level).Debug("Cancel failed during requote")
			delete(s.entryOrders, id)
			s.syncPosition(ctx)
			continue
		}
		delete(s.entryOrders, id)
		s.placeEntryOrder(ctx, info.side, target, info.level, info.notional)
	}
}

func (s *Strategy) cancelEntryOrders(ctx context.Context) {
	for id, info := range s.entryOrders {
		if err := s.client.CancelOrder(ctx, s.cfg.Category, s.cfg.Symbol, id); err != nil {
			s.logger.WithError(err).WithField("level", info.level).Debug("Cancel failed")
		}
		delete(s.entryOrders, id)
	}
}

// freeAllocation releases exited value proportionally from both levels.
func (s *Strategy) freeAllocation(exitNotional float64) {
	total := s.fastLocked + s.slowLocked
	if total <= 0 {
		return
	}
	s.fastLocked = math.Max(0, s.fastLocked-exitNotional*s.fastLocked/total)
	s.slowLocked = math.Max(0, s.slowLocked-exitNotional*s.slowLocked/total)
}

func (s *Strategy) pnlPct(price float64) float64 {
	if s.position > 0 {
		return (price - s.avgEntry) / s.avgEntry * 100
	}
	return (s.avgEntry - price) / s.avgEntry * 100
}

func (s *Strategy) tradePnL(exitPrice, qty float64) float64 {
	if s.position > 0 {
		return (exitPrice - s.avgEntry) * qty
	}
	return (s.avgEntry - exitPrice) * qty
}

func (s *Strategy) quantizeQty(qty float64) float64 {
	step := s.instrument.QtyStep
	if step > 0 {
		qty = math.Round(qty/step) * step
	}
	if s.instrument.MinOrderQty > 0 && qty < s.instrument.MinOrderQty {
		return 0
	}
	return qty
}

func (s *Strategy) quantizePrice(price float64) float64 {
	tick := s.instrument.PriceTick
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// Status is a read-only view for monitoring.
type Status struct {
	Position     float64      `json:"position"`
	AvgEntry     float64      `json:"avg_entry"`
	OriginalSize float64      `json:"original_size"`
	Trend        models.Trend `json:"trend"`
	RealizedPnL  float64      `json:"realized_pnl"`
	ActiveOrders int          `json:"active_orders"`
	Conditional  float64      `json:"conditional_stop"`
	HardStop     float64      `json:"hard_stop"`
}

func (s *Strategy) Status() Status {
	return Status{
		Position:     s.position,
		AvgEntry:     s.avgEntry,
		OriginalSize: s.originalSize,
		Trend:        s.trend.Trend(),
		RealizedPnL:  s.realizedPnL,
		ActiveOrders: len(s.entryOrders),
		Conditional:  s.conditionalStop,
		HardStop:     s.hardStop,
	}
}
