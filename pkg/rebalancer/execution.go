package rebalancer

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ashwood/deltabot/pkg/models"
)

// OrderPlacer is the slice of the gateway the executor needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error)
	PlaceMarketOrder(ctx context.Context, category models.Category, symbol string, side models.OrderSide, qty float64) (*models.Order, error)
}

// ExecutionConfig holds the trade sizing and maker/taker parameters.
type ExecutionConfig struct {
	MinTradeBase  float64
	MaxTradeBase  float64
	PostOnly      bool
	ChaseDuration time.Duration
	RetryInterval time.Duration
	TakerOnSoft   bool
	TakerOnHard   bool
}

// Executor carries out a sized trade with a maker-first discipline. Clock
// and sleep are injectable so the chase loop is testable without real time.
type Executor struct {
	client   OrderPlacer
	category models.Category
	symbol   string
	cfg      ExecutionConfig
	logger   *logrus.Logger

	instrument models.InstrumentInfo
	now        func() time.Time
	sleep      func(time.Duration)
}

func NewExecutor(client OrderPlacer, category models.Category, symbol string, cfg ExecutionConfig, logger *logrus.Logger) *Executor {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &Executor{
		client:   client,
		category: category,
		symbol:   symbol,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// SetInstrument installs the lot-size filters used for quantization.
func (e *Executor) SetInstrument(info models.InstrumentInfo) {
	e.instrument = info
}

// sizeQty clamps to the configured trade bounds and floors to the qty step.
// Returns 0 when the result would fall below the instrument minimum.
func (e *Executor) sizeQty(qtyBase float64) float64 {
	q := math.Abs(qtyBase)
	if q > e.cfg.MaxTradeBase {
		q = e.cfg.MaxTradeBase
	}
	if q < e.cfg.MinTradeBase {
		q = e.cfg.MinTradeBase
	}
	if step := e.instrument.QtyStep; step > 0 {
		q = math.Floor(q/step) * step
	}
	if q <= 0 || (e.instrument.MinOrderQty > 0 && q < e.instrument.MinOrderQty) {
		return 0
	}
	return q
}

// Market submits an immediate market order. Failures are logged and reported
// as false; the next cycle re-decides from fresh state.
func (e *Executor) Market(ctx context.Context, side models.OrderSide, qtyBase float64) bool {
	q := e.sizeQty(qtyBase)
	if q <= 0 {
		return false
	}
	order, err := e.client.PlaceMarketOrder(ctx, e.category, e.symbol, side, q)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"side": side,
			"qty":  q,
		}).Error("Market order failed")
		return false
	}
	e.logger.WithFields(logrus.Fields{
		"order_id": order.OrderID,
		"side":     side,
		"qty":      q,
	}).Info("Market order placed")
	return true
}

// MakerThenEscalate repeatedly tries to rest a limit order at the reference
// price until one is accepted or the chase deadline passes, then falls back
// to a market order when taker execution is allowed.
func (e *Executor) MakerThenEscalate(ctx context.Context, side models.OrderSide, qtyBase, refPrice float64, allowTaker bool) bool {
	q := e.sizeQty(qtyBase)
	if q <= 0 {
		return false
	}

	tif := models.TimeInForceGTC
	if e.cfg.PostOnly {
		tif = models.TimeInForcePostOnly
	}

	deadline := e.now().Add(e.cfg.ChaseDuration)
	for e.now().Before(deadline) {
		order, err := e.client.PlaceOrder(ctx, &models.OrderRequest{
			Category:    e.category,
			Symbol:      e.symbol,
			Side:        side,
			Type:        models.OrderTypeLimit,
			Price:       refPrice,
			Quantity:    q,
			TimeInForce: tif,
		})
		if err == nil {
			e.logger.WithFields(logrus.Fields{
				"order_id": order.OrderID,
				"side":     side,
				"qty":      q,
				"price":    refPrice,
			}).Info("Maker order placed")
			return true
		}
		e.logger.WithError(err).Debug("Maker attempt rejected, retrying")

		select {
		case <-ctx.Done():
			return false
		default:
		}
		e.sleep(e.cfg.RetryInterval)
	}

	if allowTaker {
		e.logger.WithFields(logrus.Fields{
			"side": side,
			"qty":  q,
		}).Info("Maker chase expired, escalating to taker")
		return e.Market(ctx, side, q)
	}
	return false
}
