package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwood/deltabot/pkg/models"
	"github.com/ashwood/deltabot/pkg/rebalancer"
)

type fakeClient struct {
	position  *models.Position
	candles   []models.Candle
	open      []models.Order
	placed    []*models.OrderRequest
	cancelled []string
}

func (c *fakeClient) GetTicker(ctx context.Context, category models.Category, symbol string) (*models.Ticker, error) {
	return &models.Ticker{Symbol: symbol}, nil
}

func (c *fakeClient) GetKlines(ctx context.Context, category models.Category, symbol, interval string, limit int) ([]models.Candle, error) {
	return c.candles, nil
}

func (c *fakeClient) GetCoinBalance(ctx context.Context, coin string) ([]models.CoinBalance, error) {
	return nil, nil
}

func (c *fakeClient) GetPosition(ctx context.Context, category models.Category, symbol string) (*models.Position, error) {
	return c.position, nil
}

func (c *fakeClient) GetExecutions(ctx context.Context, category models.Category, symbol string, limit int) ([]models.Fill, error) {
	return nil, nil
}

func (c *fakeClient) GetInstrumentInfo(ctx context.Context, category models.Category, symbol string) (*models.InstrumentInfo, error) {
	return &models.InstrumentInfo{QtyStep: 0.001, MinOrderQty: 0.001, PriceTick: 0.0001}, nil
}

func (c *fakeClient) GetOpenOrders(ctx context.Context, category models.Category, symbol string) ([]models.Order, error) {
	return c.open, nil
}

func (c *fakeClient) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error) {
	c.placed = append(c.placed, req)
	return &models.Order{OrderID: fmt.Sprintf("order-%d", len(c.placed))}, nil
}

func (c *fakeClient) PlaceMarketOrder(ctx context.Context, category models.Category, symbol string, side models.OrderSide, qty float64) (*models.Order, error) {
	return &models.Order{OrderID: "market-1"}, nil
}

func (c *fakeClient) CancelOrder(ctx context.Context, category models.Category, symbol, orderID string) error {
	c.cancelled = append(c.cancelled, orderID)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testConfig() Config {
	return Config{
		Symbol:             "SOLUSDT",
		Category:           models.CategoryLinear,
		Interval:           "5",
		EMA:                rebalancer.EMAConfig{FastPeriod: 5, SlowPeriod: 10, TrendThresholdPct: 0.1},
		MaxAllocationQuote: 1000,
		FastAllocationPct:  25,
		SlowAllocationPct:  75,
		TakeProfits: []TakeProfitLevel{
			{Name: "tp1", TargetPct: 0.3, ExitPct: 30},
			{Name: "tp2", TargetPct: 0.6, ExitPct: 40},
			{Name: "tp3", TargetPct: 1.0, ExitPct: 50},
		},
		StopLossPct:      0.25,
		HardStopLossPct:  1.0,
		MinOrderNotional: 50,
	}
}

func risingCandles(start float64, stepSize float64, n int) []models.Candle {
	out := make([]models.Candle, n)
	ts := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	price := start
	for i := range out {
		out[i] = models.Candle{Close: price, End: ts, Confirmed: true}
		price += stepSize
		ts = ts.Add(5 * time.Minute)
	}
	return out
}

func newTestStrategy(t *testing.T, client *fakeClient) *Strategy {
	t.Helper()
	s := New(testConfig(), client, nil, testLogger())
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestStrategyPlacesEntriesAtEMAsInUptrend(t *testing.T) {
	client := &fakeClient{candles: risingCandles(100, 1, 30)}
	s := newTestStrategy(t, client)
	require.Equal(t, models.TrendUp, s.trend.Trend())

	s.Update(context.Background(), 130, nil)

	require.Len(t, client.placed, 2)
	for _, o := range client.placed {
		assert.Equal(t, models.OrderSideBuy, o.Side)
		assert.Equal(t, models.OrderTypeLimit, o.Type)
		assert.Greater(t, o.Price, 0.0)
	}
	// Allocation split 25/75 of the 1000 budget.
	fastNotional := client.placed[0].Price * client.placed[0].Quantity
	slowNotional := client.placed[1].Price * client.placed[1].Quantity
	assert.InDelta(t, 250, fastNotional, 5)
	assert.InDelta(t, 750, slowNotional, 5)
}

func TestStrategyNoEntriesWhenRanging(t *testing.T) {
	flat := make([]models.Candle, 30)
	ts := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	for i := range flat {
		flat[i] = models.Candle{Close: 100, End: ts, Confirmed: true}
		ts = ts.Add(5 * time.Minute)
	}
	client := &fakeClient{candles: flat}
	s := newTestStrategy(t, client)
	require.Equal(t, models.TrendRanging, s.trend.Trend())

	s.Update(context.Background(), 100, nil)
	assert.Empty(t, client.placed)
}

func TestStrategyTakeProfitLadder(t *testing.T) {
	client := &fakeClient{
		candles:  risingCandles(100, 1, 30),
		position: &models.Position{Symbol: "SOLUSDT", Side: models.OrderSideBuy, Size: 10, EntryPrice: 100},
	}
	s := newTestStrategy(t, client)
	require.Equal(t, 10.0, s.position)
	client.placed = nil

	// +0.5% clears tp1 only; exit 30% of the original 10.
	s.checkTakeProfits(context.Background(), 100.5)
	require.Len(t, client.placed, 1)
	tp := client.placed[0]
	assert.Equal(t, models.OrderSideSell, tp.Side)
	assert.Equal(t, models.OrderTypeMarket, tp.Type)
	assert.True(t, tp.ReduceOnly)
	assert.InDelta(t, 3.0, tp.Quantity, 1e-9)

	// Same level does not fire twice.
	s.checkTakeProfits(context.Background(), 100.5)
	assert.Len(t, client.placed, 1)

	// +0.7% clears tp2: 40% of the original size.
	s.checkTakeProfits(context.Background(), 100.7)
	require.Len(t, client.placed, 2)
	assert.InDelta(t, 4.0, client.placed[1].Quantity, 1e-9)
}

func TestStrategyHardStopFiresImmediately(t *testing.T) {
	client := &fakeClient{
		candles:  risingCandles(100, 1, 30),
		position: &models.Position{Symbol: "SOLUSDT", Side: models.OrderSideBuy, Size: 10, EntryPrice: 125},
	}
	s := newTestStrategy(t, client)
	client.placed = nil

	slow, _ := s.trend.SlowEMA()
	hardStop := slow * (1 - 1.0/100)

	// A tick above the hard stop does nothing mid-candle.
	s.manageStops(context.Background(), hardStop+0.01, false)
	assert.Empty(t, client.placed)

	// A tick through it exits the full position at once.
	s.manageStops(context.Background(), hardStop-0.01, false)
	require.Len(t, client.placed, 1)
	assert.Equal(t, models.OrderSideSell, client.placed[0].Side)
	assert.True(t, client.placed[0].ReduceOnly)
	assert.InDelta(t, 10.0, client.placed[0].Quantity, 1e-9)
}

func TestStrategyConditionalStopOnlyOnCandleClose(t *testing.T) {
	client := &fakeClient{
		candles:  risingCandles(100, 1, 30),
		position: &models.Position{Symbol: "SOLUSDT", Side: models.OrderSideBuy, Size: 10, EntryPrice: 125},
	}
	s := newTestStrategy(t, client)
	client.placed = nil

	slow, _ := s.trend.SlowEMA()
	breach := slow * (1 - 0.25/100) * 0.9999

	// Intra-candle breach of the conditional stop is tolerated.
	s.manageStops(context.Background(), breach, false)
	assert.Empty(t, client.placed)

	// A candle closing below it exits.
	s.manageStops(context.Background(), breach, true)
	require.Len(t, client.placed, 1)
}

func TestStrategyTrendExit(t *testing.T) {
	client := &fakeClient{
		candles:  risingCandles(100, 1, 30),
		position: &models.Position{Symbol: "SOLUSDT", Side: models.OrderSideBuy, Size: 10, EntryPrice: 100},
	}
	s := newTestStrategy(t, client)
	client.placed = nil

	// Collapse the trend with a run of falling candles.
	ts := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	price := 130.0
	for i := 0; i < 20; i++ {
		s.trend.OnClosedCandle(models.Candle{Close: price, End: ts, Confirmed: true})
		price -= 2
		ts = ts.Add(5 * time.Minute)
	}
	require.NotEqual(t, models.TrendUp, s.trend.Trend())

	s.checkTrendExit(context.Background(), price)
	require.Len(t, client.placed, 1)
	assert.Equal(t, models.OrderSideSell, client.placed[0].Side)
	assert.True(t, client.placed[0].ReduceOnly)
}

func TestStrategyOrderFillLocksAllocation(t *testing.T) {
	client := &fakeClient{candles: risingCandles(100, 1, 30)}
	s := newTestStrategy(t, client)

	s.Update(context.Background(), 130, nil)
	require.Len(t, client.placed, 2)

	// The exchange reports no open orders: both entries filled.
	client.open = nil
	s.syncOrders(context.Background())
	assert.Empty(t, s.entryOrders)
	assert.InDelta(t, 250, s.fastLocked, 5)
	assert.InDelta(t, 750, s.slowLocked, 5)

	// With everything locked, no new entries go out.
	client.placed = nil
	s.Update(context.Background(), 130, nil)
	assert.Empty(t, client.placed)
}
