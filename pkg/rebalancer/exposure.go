package rebalancer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ashwood/deltabot/pkg/models"
)

// ExposureSource is the slice of the gateway the snapshotter needs.
type ExposureSource interface {
	GetCoinBalance(ctx context.Context, coin string) ([]models.CoinBalance, error)
	GetPosition(ctx context.Context, category models.Category, symbol string) (*models.Position, error)
}

// Snapshotter reads spot and futures exposure and folds them into one
// signed net delta. Reads are best effort: a failed leg degrades to zero so
// the control loop never stalls on a transient API error.
type Snapshotter struct {
	client        ExposureSource
	baseCoin      string
	futuresSymbol string
	desiredDelta  float64
	logger        *logrus.Logger
}

func NewSnapshotter(client ExposureSource, baseCoin, futuresSymbol string, desiredDelta float64, logger *logrus.Logger) *Snapshotter {
	return &Snapshotter{
		client:        client,
		baseCoin:      baseCoin,
		futuresSymbol: futuresSymbol,
		desiredDelta:  desiredDelta,
		logger:        logger,
	}
}

// SpotBase sums the base-coin wallet balance across all account types.
// Returns 0 on any read failure.
func (s *Snapshotter) SpotBase(ctx context.Context) float64 {
	balances, err := s.client.GetCoinBalance(ctx, s.baseCoin)
	if err != nil {
		s.logger.WithError(err).Warn("Spot balance read failed, assuming zero")
		return 0
	}
	total := 0.0
	for _, b := range balances {
		if b.Coin == s.baseCoin {
			total += b.WalletBalance
		}
	}
	return total
}

// FuturesBase returns the signed linear position size in base units.
// Linear-USDT contracts are already denominated in base units, so only the
// sign needs applying. Returns 0 when flat, when the mark price is unusable,
// or on error.
func (s *Snapshotter) FuturesBase(ctx context.Context, markPrice float64) float64 {
	if markPrice <= 0 {
		return 0
	}
	pos, err := s.client.GetPosition(ctx, models.CategoryLinear, s.futuresSymbol)
	if err != nil {
		s.logger.WithError(err).Warn("Futures position read failed, assuming flat")
		return 0
	}
	if pos == nil {
		return 0
	}
	return pos.SignedSize()
}

// Snapshot composes both legs into a point-in-time exposure read.
func (s *Snapshotter) Snapshot(ctx context.Context, markPrice float64) models.ExposureSnapshot {
	spot := s.SpotBase(ctx)
	futures := s.FuturesBase(ctx, markPrice)
	return models.ExposureSnapshot{
		SpotBase:            spot,
		FuturesBase:         futures,
		NetBaseDelta:        spot - futures,
		DesiredNetDeltaBase: s.desiredDelta,
		Timestamp:           time.Now(),
	}
}
