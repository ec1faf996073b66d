package rebalancer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ashwood/deltabot/pkg/models"
)

const fillCapacity = 500

// FillsAnchorConfig controls the rolling fill window.
type FillsAnchorConfig struct {
	Window       time.Duration
	PollInterval time.Duration
	FetchLimit   int
}

// ExecutionSource is the slice of the gateway the anchor needs.
type ExecutionSource interface {
	GetExecutions(ctx context.Context, category models.Category, symbol string, limit int) ([]models.Fill, error)
}

// FillsAnchor keeps a time-windowed record of the account's own executions
// and derives side-split VWAPs from it. The VWAPs act as reference prices
// when deciding whether the current price is worth trading against.
type FillsAnchor struct {
	client   ExecutionSource
	category models.Category
	symbol   string
	cfg      FillsAnchorConfig
	logger   *logrus.Logger

	now      func() time.Time
	fills    []models.Fill
	lastPoll time.Time
}

func NewFillsAnchor(client ExecutionSource, category models.Category, symbol string, cfg FillsAnchorConfig, logger *logrus.Logger) *FillsAnchor {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 50
	}
	return &FillsAnchor{
		client:   client,
		category: category,
		symbol:   symbol,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Update polls the execution history at most once per poll interval. Fetch
// errors are swallowed; the window simply does not advance this cycle.
func (a *FillsAnchor) Update(ctx context.Context) {
	now := a.now()
	if !a.lastPoll.IsZero() && now.Sub(a.lastPoll) < a.cfg.PollInterval {
		return
	}
	a.lastPoll = now

	fills, err := a.client.GetExecutions(ctx, a.category, a.symbol, a.cfg.FetchLimit)
	if err != nil {
		a.logger.WithError(err).Debug("Execution poll failed, fills anchor not advanced")
		return
	}

	for _, f := range fills {
		if a.isDuplicate(f) {
			continue
		}
		a.fills = append(a.fills, f)
	}
	a.prune(now)
}

// isDuplicate compares against the most recent record only. The REST history
// overlaps between polls but is chronological, so a fill at or before the
// last appended one has already been seen.
func (a *FillsAnchor) isDuplicate(f models.Fill) bool {
	if len(a.fills) == 0 {
		return false
	}
	last := a.fills[len(a.fills)-1]
	if f.Timestamp.Before(last.Timestamp) {
		return true
	}
	if f.Timestamp.Equal(last.Timestamp) &&
		f.Side == last.Side && f.Price == last.Price && f.Quantity == last.Quantity {
		return true
	}
	return false
}

func (a *FillsAnchor) prune(now time.Time) {
	cutoff := now.Add(-a.cfg.Window)
	i := 0
	for i < len(a.fills) && a.fills[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.fills = append(a.fills[:0], a.fills[i:]...)
	}
	if len(a.fills) > fillCapacity {
		a.fills = append(a.fills[:0], a.fills[len(a.fills)-fillCapacity:]...)
	}
}

// Anchor recomputes the windowed VWAPs and net imbalance. Sides with no
// fills in the window report HasBuyVWAP/HasSellVWAP false.
func (a *FillsAnchor) Anchor() models.AnchorSnapshot {
	a.prune(a.now())

	var buyNotional, buyQty, sellNotional, sellQty float64
	for _, f := range a.fills {
		switch f.Side {
		case models.OrderSideBuy:
			buyNotional += f.Price * f.Quantity
			buyQty += f.Quantity
		case models.OrderSideSell:
			sellNotional += f.Price * f.Quantity
			sellQty += f.Quantity
		}
	}

	snap := models.AnchorSnapshot{
		NetImbalanceBase: buyQty - sellQty,
		Window:           a.cfg.Window,
		SampleCount:      len(a.fills),
	}
	if buyQty > 0 {
		snap.BuyVWAP = buyNotional / buyQty
		snap.HasBuyVWAP = true
	}
	if sellQty > 0 {
		snap.SellVWAP = sellNotional / sellQty
		snap.HasSellVWAP = true
	}
	return snap
}

// Fills returns a copy of the current window, oldest first.
func (a *FillsAnchor) Fills() []models.Fill {
	out := make([]models.Fill, len(a.fills))
	copy(out, a.fills)
	return out
}
