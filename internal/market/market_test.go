package market_test

import (
	"context"
	"testing"
	"time"

	"OptionsLedger/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

func TestCatalog_Lifecycle(t *testing.T) {
	ctx := context.Background()
	c := market.NewCatalog()

	inst := &market.Instrument{ID: 1, Underlying: weth, SettlementAsset: usdc, Strike: uint256.NewInt(3000e8), IsActive: true}
	require.NoError(t, c.List(inst))
	require.ErrorIs(t, c.List(inst), market.ErrInstrumentExists)

	// Stored copies are isolated from the caller.
	inst.Strike.SetUint64(1)
	got, err := c.Instrument(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(3000e8), got.Strike.Uint64())

	require.NoError(t, c.SetActive(1, false))
	got, _ = c.Instrument(ctx, 1)
	require.False(t, got.IsActive)

	price, final, err := c.SettlementInfo(ctx, 1)
	require.NoError(t, err)
	require.False(t, final)
	require.True(t, price.IsZero())

	require.NoError(t, c.Finalize(1, uint256.NewInt(3100e8)))
	require.ErrorIs(t, c.Finalize(1, uint256.NewInt(1)), market.ErrAlreadyFinalized)

	price, final, err = c.SettlementInfo(ctx, 1)
	require.NoError(t, err)
	require.True(t, final)
	require.Equal(t, uint64(3100e8), price.Uint64())

	_, err = c.Instrument(ctx, 2)
	require.ErrorIs(t, err, market.ErrInstrumentNotFound)
	require.ErrorIs(t, c.SetActive(2, true), market.ErrInstrumentNotFound)
}

func TestPriceBoard_IgnoresOlderUpdates(t *testing.T) {
	pb := market.NewPriceBoard()
	require.True(t, pb.Set(weth, usdc, uint256.NewInt(2900e8), 100))
	require.False(t, pb.Set(weth, usdc, uint256.NewInt(1), 99))
	require.True(t, pb.Set(weth, usdc, uint256.NewInt(2950e8), 100))

	price, at, err := pb.Price(context.Background(), weth, usdc)
	require.NoError(t, err)
	require.Equal(t, uint64(2950e8), price.Uint64())
	require.Equal(t, int64(100), at)
}

func TestFreshPrice(t *testing.T) {
	ctx := context.Background()
	pb := market.NewPriceBoard()
	now := time.Unix(1_000, 0)

	_, err := market.FreshPrice(ctx, pb, weth, usdc, now, time.Minute)
	require.ErrorIs(t, err, market.ErrPriceUnavailable)

	pb.Set(weth, usdc, uint256.NewInt(2900e8), 900)
	_, err = market.FreshPrice(ctx, pb, weth, usdc, now, time.Minute)
	require.ErrorIs(t, err, market.ErrStalePrice)

	price, err := market.FreshPrice(ctx, pb, weth, usdc, now, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2900e8), price.Uint64())

	pb.Set(weth, usdc, uint256.NewInt(2910e8), 990)
	price, err = market.FreshPrice(ctx, pb, weth, usdc, now, time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint64(2910e8), price.Uint64())

	price, err = market.FreshPrice(ctx, pb, usdc, usdc, now, time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint64(1e8), price.Uint64())
}
