package rebalancer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashwood/deltabot/pkg/models"
)

type fakeExposure struct {
	balances   []models.CoinBalance
	balanceErr error
	position   *models.Position
	posErr     error
}

func (f *fakeExposure) GetCoinBalance(ctx context.Context, coin string) ([]models.CoinBalance, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balances, nil
}

func (f *fakeExposure) GetPosition(ctx context.Context, category models.Category, symbol string) (*models.Position, error) {
	if f.posErr != nil {
		return nil, f.posErr
	}
	return f.position, nil
}

func TestSnapshotterSumsBalancesAcrossAccounts(t *testing.T) {
	src := &fakeExposure{
		balances: []models.CoinBalance{
			{Coin: "SOL", AccountType: "UNIFIED", WalletBalance: 30},
			{Coin: "SOL", AccountType: "FUND", WalletBalance: 20},
			{Coin: "USDT", AccountType: "UNIFIED", WalletBalance: 1000},
		},
	}
	s := NewSnapshotter(src, "SOL", "SOLUSDT", 0, testLogger())

	assert.Equal(t, 50.0, s.SpotBase(context.Background()))
}

func TestSnapshotterSignedFutures(t *testing.T) {
	s := NewSnapshotter(&fakeExposure{
		position: &models.Position{Symbol: "SOLUSDT", Side: models.OrderSideSell, Size: 250},
	}, "SOL", "SOLUSDT", 0, testLogger())

	assert.Equal(t, -250.0, s.FuturesBase(context.Background(), 100))

	s = NewSnapshotter(&fakeExposure{
		position: &models.Position{Symbol: "SOLUSDT", Side: models.OrderSideBuy, Size: 120},
	}, "SOL", "SOLUSDT", 0, testLogger())

	assert.Equal(t, 120.0, s.FuturesBase(context.Background(), 100))
}

func TestSnapshotterFlatAndBadPrice(t *testing.T) {
	s := NewSnapshotter(&fakeExposure{position: nil}, "SOL", "SOLUSDT", 0, testLogger())

	assert.Equal(t, 0.0, s.FuturesBase(context.Background(), 100))
	assert.Equal(t, 0.0, s.FuturesBase(context.Background(), 0))
	assert.Equal(t, 0.0, s.FuturesBase(context.Background(), -5))
}

func TestSnapshotterFailsOpenToZero(t *testing.T) {
	src := &fakeExposure{
		balanceErr: errors.New("balance endpoint down"),
		position:   &models.Position{Symbol: "SOLUSDT", Side: models.OrderSideSell, Size: 250},
	}
	s := NewSnapshotter(src, "SOL", "SOLUSDT", 0, testLogger())

	snap := s.Snapshot(context.Background(), 100)
	assert.Equal(t, 0.0, snap.SpotBase)
	assert.Equal(t, -250.0, snap.FuturesBase)
	assert.Equal(t, 250.0, snap.NetBaseDelta)

	src.posErr = errors.New("position endpoint down")
	snap = s.Snapshot(context.Background(), 100)
	assert.Equal(t, 0.0, snap.NetBaseDelta)
}

func TestSnapshotterGap(t *testing.T) {
	src := &fakeExposure{
		balances: []models.CoinBalance{{Coin: "SOL", WalletBalance: 50}},
		position: &models.Position{Symbol: "SOLUSDT", Side: models.OrderSideSell, Size: 250},
	}
	s := NewSnapshotter(src, "SOL", "SOLUSDT", 0, testLogger())

	snap := s.Snapshot(context.Background(), 100)
	assert.Equal(t, 300.0, snap.NetBaseDelta)
	assert.Equal(t, 300.0, snap.Gap())
}
