package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ledger"
	"OptionsLedger/internal/market"
	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Helpers
// ============================================================================

var (
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	wbtc = common.HexToAddress("0x00000000000000000000000000000000000000a3")

	matcher    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	backstop   = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	traderA    = common.HexToAddress("0x000000000000000000000000000000000000000a")
	traderB    = common.HexToAddress("0x000000000000000000000000000000000000000b")
	traderC    = common.HexToAddress("0x000000000000000000000000000000000000000c")
	liquidator = common.HexToAddress("0x00000000000000000000000000000000000000e1")

	genesis = time.Unix(1_700_000_000, 0)
)

const callID = 1

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) GetTimeNow() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// usd is n whole USDC in native 6-decimal units.
func usd(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000))
}

// px is n on the 8-decimal price scale.
func px(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(100_000_000))
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	eng     *core.Engine
	cust    *ledger.Custodian
	catalog *market.Catalog
	oracle  *market.PriceBoard
	clock   *fakeClock
	risk    *state.RiskParamsManager
	persist chan core.CoreOutput
	deps    core.Dependencies
	cfg     core.Config
}

func baseRiskParams() state.RiskParams {
	return state.RiskParams{
		BaseAsset:             usdc,
		BaseMaintenanceMargin: usd(50),
		IMFactorBps:           12_000,
	}
}

// newTestEngine lists a WETH/USDC 3000 call expiring in a week, with spot at
// the strike.
func newTestEngine(t *testing.T) *fixture {
	t.Helper()

	cust := ledger.NewCustodian(true)
	cust.RegisterAsset(usdc, 6)
	cust.RegisterAsset(weth, 18)

	catalog := market.NewCatalog()
	require.NoError(t, catalog.List(&market.Instrument{
		ID:              callID,
		Underlying:      weth,
		SettlementAsset: usdc,
		Strike:          px(3000),
		Expiry:          genesis.Add(7 * 24 * time.Hour).Unix(),
		IsCall:          true,
		IsActive:        true,
		ContractSize:    px(1),
	}))

	clock := &fakeClock{now: genesis}
	oracle := market.NewPriceBoard()
	oracle.Set(weth, usdc, px(3000), genesis.Unix())

	rpm, err := state.NewRiskParamsManager(baseRiskParams())
	require.NoError(t, err)

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		cust:    cust,
		catalog: catalog,
		oracle:  oracle,
		clock:   clock,
		risk:    rpm,
		persist: make(chan core.CoreOutput, 1024),
		deps: core.Dependencies{
			Catalog:    catalog,
			Custodian:  cust,
			Oracle:     oracle,
			Clock:      clock,
			RiskSource: rpm,
		},
		cfg: core.Config{
			Matcher:     matcher,
			Backstop:    backstop,
			Liquidation: state.DefaultLiquidationParams,
		},
	}
	f.eng = f.newEngine(f.persist)
	return f
}

func (f *fixture) newEngine(persist chan core.CoreOutput) *core.Engine {
	f.t.Helper()
	eng, err := core.NewEngine(f.ctx, f.cfg, f.deps, core.Outputs{Persist: persist}, zerolog.Nop(), nil)
	require.NoError(f.t, err)
	return eng
}

func (f *fixture) setSpot(whole uint64) {
	f.oracle.Set(weth, usdc, px(whole), f.clock.GetTimeNow().Unix())
}

func (f *fixture) balance(who common.Address) *uint256.Int {
	f.t.Helper()
	bal, err := f.cust.BalanceOf(f.ctx, who, usdc)
	require.NoError(f.t, err)
	return bal
}

func (f *fixture) mustDeposit(who common.Address, whole uint64) {
	f.t.Helper()
	require.NoError(f.t, f.eng.Deposit(f.ctx, who, usdc, usd(whole)))
}

func (f *fixture) mustTrade(buyer, seller common.Address, qty, priceWhole uint64) {
	f.t.Helper()
	require.NoError(f.t, f.eng.ApplyTrade(f.ctx, matcher, trade(buyer, seller, qty, priceWhole)))
}

func trade(buyer, seller common.Address, qty, priceWhole uint64) core.Trade {
	return core.Trade{
		Buyer:        buyer,
		Seller:       seller,
		InstrumentID: callID,
		Quantity:     qty,
		Price:        usd(priceWhole),
	}
}

// shortTenCalls leaves A short 10 calls to B at 100 USDC premium each.
// A holds 1500 USDC afterwards, B holds 1000.
func (f *fixture) shortTenCalls() {
	f.t.Helper()
	f.mustDeposit(traderA, 500)
	f.mustDeposit(traderB, 2000)
	f.mustTrade(traderB, traderA, 10, 100)
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func eventTypes(outputs []core.CoreOutput) []event.EventType {
	types := make([]event.EventType, 0, len(outputs))
	for _, o := range outputs {
		types = append(types, o.Envelope.EventType)
	}
	return types
}

// ============================================================================
// Test: Trade Flow
// ============================================================================

func TestTrade_OpensPositionsAndMovesPremium(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()

	require.Equal(t, int64(-10), f.eng.Position(f.ctx, traderA, callID))
	require.Equal(t, int64(10), f.eng.Position(f.ctx, traderB, callID))
	require.Equal(t, uint64(10), f.eng.ShortExposure(f.ctx, traderA))
	require.Equal(t, uint64(0), f.eng.ShortExposure(f.ctx, traderB))
	require.Equal(t, []uint64{callID}, f.eng.OpenInstruments(f.ctx, traderA, 0, 0))
	require.Equal(t, usd(1500), f.balance(traderA))
	require.Equal(t, usd(1000), f.balance(traderB))

	st, err := f.eng.AccountState(f.ctx, traderA)
	require.NoError(t, err)
	require.Equal(t, usd(500), st.Maintenance)
	require.Equal(t, usd(600), st.Initial)
	require.True(t, st.Liabilities.IsZero())

	outputs := drainOutputs(f.persist)
	require.Equal(t, []event.EventType{
		event.EventTypeCollateralMoved,
		event.EventTypeCollateralMoved,
		event.EventTypeTradeApplied,
	}, eventTypes(outputs))

	applied, ok := outputs[2].Event.(*event.TradeApplied)
	require.True(t, ok)
	require.Equal(t, usd(1000), applied.Premium)
	require.Equal(t, int64(10), applied.BuyerPosition)
	require.Equal(t, int64(-10), applied.SellerPosition)
	require.NoError(t, f.eng.CheckInvariants(f.ctx))
}

func TestTrade_InitialMarginFailureRollsBack(t *testing.T) {
	f := newTestEngine(t)
	f.mustDeposit(traderB, 2000)
	drainOutputs(f.persist)
	seq := f.eng.Sequence(f.ctx)

	// A has no collateral: 10 USDC premium cannot cover 600 USDC initial margin.
	err := f.eng.ApplyTrade(f.ctx, matcher, trade(traderB, traderA, 10, 1))
	require.ErrorIs(t, err, core.ErrInsufficientInitialMargin)

	require.Equal(t, int64(0), f.eng.Position(f.ctx, traderA, callID))
	require.Equal(t, int64(0), f.eng.Position(f.ctx, traderB, callID))
	require.Equal(t, uint64(0), f.eng.ShortExposure(f.ctx, traderA))
	require.Empty(t, f.eng.OpenInstruments(f.ctx, traderA, 0, 0))
	require.True(t, f.balance(traderA).IsZero())
	require.Equal(t, usd(2000), f.balance(traderB))
	require.Equal(t, seq, f.eng.Sequence(f.ctx))
	require.Empty(t, drainOutputs(f.persist))
	require.NoError(t, f.cust.Validate())
}

func TestTrade_InsufficientPremiumRollsBackPositions(t *testing.T) {
	f := newTestEngine(t)
	f.mustDeposit(traderA, 1000)
	f.mustDeposit(traderB, 50)

	err := f.eng.ApplyTrade(f.ctx, matcher, trade(traderB, traderA, 1, 100))
	require.ErrorIs(t, err, market.ErrInsufficientBalance)
	require.Equal(t, int64(0), f.eng.Position(f.ctx, traderB, callID))
	require.Equal(t, int64(0), f.eng.Position(f.ctx, traderA, callID))
}

func TestTrade_Validation(t *testing.T) {
	f := newTestEngine(t)
	f.mustDeposit(traderA, 1000)
	f.mustDeposit(traderB, 1000)

	cases := []struct {
		name   string
		caller common.Address
		trade  core.Trade
		want   error
	}{
		{"unauthorized caller", traderC, trade(traderB, traderA, 1, 10), core.ErrUnauthorizedCaller},
		{"self trade", matcher, trade(traderA, traderA, 1, 10), core.ErrSelfTrade},
		{"zero buyer", matcher, trade(common.Address{}, traderA, 1, 10), core.ErrZeroAddress},
		{"zero quantity", matcher, trade(traderB, traderA, 0, 10), core.ErrZeroQuantity},
		{"zero price", matcher, trade(traderB, traderA, 1, 0), core.ErrZeroPrice},
		{"unknown instrument", matcher, core.Trade{Buyer: traderB, Seller: traderA, InstrumentID: 99, Quantity: 1, Price: usd(1)}, market.ErrInstrumentNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, f.eng.ApplyTrade(f.ctx, tc.caller, tc.trade), tc.want)
		})
	}
}

func TestTrade_RejectedAfterExpiry(t *testing.T) {
	f := newTestEngine(t)
	f.mustDeposit(traderA, 1000)
	f.mustDeposit(traderB, 1000)

	f.clock.Advance(7 * 24 * time.Hour)
	err := f.eng.ApplyTrade(f.ctx, matcher, trade(traderB, traderA, 1, 10))
	require.ErrorIs(t, err, core.ErrInstrumentExpired)
}

func TestTrade_CloseOnlyInstrument(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	f.mustDeposit(traderC, 1000)
	require.NoError(t, f.catalog.SetActive(callID, false))

	// opening from zero
	err := f.eng.ApplyTrade(f.ctx, matcher, trade(traderC, traderB, 1, 10))
	require.ErrorIs(t, err, core.ErrCloseOnly)

	// growing the short
	err = f.eng.ApplyTrade(f.ctx, matcher, trade(traderB, traderA, 1, 10))
	require.ErrorIs(t, err, core.ErrCloseOnly)

	// flipping through zero
	err = f.eng.ApplyTrade(f.ctx, matcher, trade(traderA, traderB, 11, 10))
	require.ErrorIs(t, err, core.ErrCloseOnly)

	// reducing both sides
	f.mustTrade(traderA, traderB, 4, 100)
	require.Equal(t, int64(-6), f.eng.Position(f.ctx, traderA, callID))
	require.Equal(t, int64(6), f.eng.Position(f.ctx, traderB, callID))
	require.Equal(t, uint64(6), f.eng.ShortExposure(f.ctx, traderA))
}

// ============================================================================
// Test: Pause And Risk Parameter Sync
// ============================================================================

func TestPause_BlocksTradingAndWithdrawals(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	require.NoError(t, f.eng.SetPaused(f.ctx, true))
	require.True(t, f.eng.Paused(f.ctx))

	require.ErrorIs(t, f.eng.ApplyTrade(f.ctx, matcher, trade(traderB, traderA, 1, 10)), core.ErrPaused)
	require.ErrorIs(t, f.eng.Withdraw(f.ctx, traderB, usdc, usd(1)), core.ErrPaused)
	_, err := f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{1})
	require.ErrorIs(t, err, core.ErrPaused)

	// deposits stay open
	f.mustDeposit(traderC, 10)

	require.NoError(t, f.eng.SetPaused(f.ctx, false))
	f.mustTrade(traderB, traderA, 1, 10)
}

func TestRiskParams_MismatchFailsClosedUntilSync(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()

	updated := baseRiskParams()
	updated.BaseMaintenanceMargin = usd(60)
	version, err := f.risk.UpdateRiskParams(updated)
	require.NoError(t, err)
	require.Equal(t, uint64(2), version)

	require.ErrorIs(t, f.eng.ApplyTrade(f.ctx, matcher, trade(traderB, traderA, 1, 10)), core.ErrRiskParamsMismatch)
	require.ErrorIs(t, f.eng.Withdraw(f.ctx, traderB, usdc, usd(1)), core.ErrRiskParamsMismatch)
	require.Equal(t, uint64(1), f.eng.RiskConfig(f.ctx).Version)

	cfg, err := f.eng.SyncRiskParams(f.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), cfg.Version)
	require.Equal(t, usd(60), cfg.Params.BaseMaintenanceMargin)

	f.mustTrade(traderB, traderA, 1, 10)

	st, err := f.eng.AccountState(f.ctx, traderA)
	require.NoError(t, err)
	require.Equal(t, usd(660), st.Maintenance)
}

func TestSetLiquidationParams_RejectsInvalid(t *testing.T) {
	f := newTestEngine(t)

	bad := state.DefaultLiquidationParams
	bad.CloseFactorBps = 10_001
	require.ErrorIs(t, f.eng.SetLiquidationParams(f.ctx, bad), state.ErrInvalidRiskParams)

	good := state.DefaultLiquidationParams
	good.SpreadBps = 100
	require.NoError(t, f.eng.SetLiquidationParams(f.ctx, good))
	require.Equal(t, uint64(100), f.eng.RiskConfig(f.ctx).Liquidation.SpreadBps)
}

// ============================================================================
// Test: Withdrawal Flow
// ============================================================================

func TestWithdraw_MustKeepInitialMargin(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()

	err := f.eng.Withdraw(f.ctx, traderA, usdc, usd(1000))
	require.ErrorIs(t, err, core.ErrInsufficientInitialMargin)
	require.Equal(t, usd(1500), f.balance(traderA))

	require.NoError(t, f.eng.Withdraw(f.ctx, traderA, usdc, usd(900)))
	require.Equal(t, usd(600), f.balance(traderA))

	require.ErrorIs(t, f.eng.Withdraw(f.ctx, traderA, weth, uint256.NewInt(1)), market.ErrInsufficientBalance)
	require.ErrorIs(t, f.eng.Withdraw(f.ctx, traderA, usdc, new(uint256.Int)), core.ErrZeroAmount)
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidation_CloseFactorCapsExecution(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	f.mustDeposit(liquidator, 100_000)

	ok, err := f.eng.IsLiquidatable(f.ctx, traderA)
	require.NoError(t, err)
	require.False(t, ok)

	f.setSpot(3500)
	ok, err = f.eng.IsLiquidatable(f.ctx, traderA)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{10})
	require.NoError(t, err)
	require.Equal(t, uint64(5), res.Contracts)
	require.Len(t, res.Fills, 1)
	require.Equal(t, usd(500), res.Fills[0].Price)

	require.Equal(t, int64(-5), f.eng.Position(f.ctx, traderA, callID))
	require.Equal(t, int64(-5), f.eng.Position(f.ctx, liquidator, callID))

	// 2500 owed, only 1500 held: the gap is not carried
	require.Equal(t, []event.AssetAmount{{Asset: usdc, Amount: usd(2500)}}, res.Required)
	require.Equal(t, []event.AssetAmount{{Asset: usdc, Amount: usd(1500)}}, res.Paid)

	// 5% of 50 USDC * 5 contracts, nothing left to seize
	require.Equal(t, uint256.NewInt(12_500_000), res.Penalty)
	require.Empty(t, res.PenaltySeized)
	require.Equal(t, uint256.NewInt(12_500_000), res.PenaltyForgone)

	require.True(t, f.balance(traderA).IsZero())
	require.Equal(t, usd(101_500), f.balance(liquidator))
	require.NoError(t, f.eng.CheckInvariants(f.ctx))
}

func TestLiquidation_PenaltyGoesToBackstop(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	f.mustDeposit(liquidator, 1000)
	f.setSpot(3120)

	st, err := f.eng.AccountState(f.ctx, traderA)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(6000), st.RatioBps)

	res, err := f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{10})
	require.NoError(t, err)
	require.Equal(t, uint64(5), res.Contracts)
	require.Equal(t, []event.AssetAmount{{Asset: usdc, Amount: usd(600)}}, res.Paid)
	require.Equal(t, []event.AssetAmount{{Asset: usdc, Amount: uint256.NewInt(12_500_000)}}, res.PenaltySeized)
	require.True(t, res.PenaltyForgone.IsZero())
	require.Equal(t, uint256.NewInt(6000), res.PreRatioBps)
	require.Equal(t, uint256.NewInt(11_500), res.PostRatioBps)

	require.Equal(t, uint256.NewInt(887_500_000), f.balance(traderA))
	require.Equal(t, uint256.NewInt(12_500_000), f.balance(backstop))
	require.Equal(t, usd(1600), f.balance(liquidator))

	outputs := drainOutputs(f.persist)
	last := outputs[len(outputs)-1]
	require.Equal(t, event.EventTypeAccountLiquidated, last.Envelope.EventType)
	require.Nil(t, last.Envelope.InstrumentID)
}

func TestLiquidation_InsufficientImprovementRollsBack(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	f.mustDeposit(liquidator, 1000)
	f.setSpot(3120)

	lp := state.DefaultLiquidationParams
	lp.MinImprovementBps = 9000
	require.NoError(t, f.eng.SetLiquidationParams(f.ctx, lp))
	drainOutputs(f.persist)

	_, err := f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{10})
	require.ErrorIs(t, err, core.ErrInsufficientImprovement)

	require.Equal(t, int64(-10), f.eng.Position(f.ctx, traderA, callID))
	require.Equal(t, int64(0), f.eng.Position(f.ctx, liquidator, callID))
	require.Equal(t, usd(1500), f.balance(traderA))
	require.Equal(t, usd(1000), f.balance(liquidator))
	require.True(t, f.balance(backstop).IsZero())
	require.Empty(t, drainOutputs(f.persist))
}

func TestLiquidation_Rejections(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	f.mustDeposit(liquidator, 1000)

	_, err := f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{1})
	require.ErrorIs(t, err, core.ErrNotLiquidatable)

	_, err = f.eng.Liquidate(f.ctx, traderA, traderA, []uint64{callID}, []uint64{1})
	require.ErrorIs(t, err, core.ErrSelfLiquidation)

	_, err = f.eng.Liquidate(f.ctx, liquidator, traderA, nil, nil)
	require.ErrorIs(t, err, core.ErrEmptyCandidates)

	_, err = f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{1, 2})
	require.ErrorIs(t, err, core.ErrLengthMismatch)

	f.setSpot(3500)
	// a zero request executes nothing
	_, err = f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{0})
	require.ErrorIs(t, err, core.ErrNothingToLiquidate)

	f.clock.Advance(2 * time.Hour)
	_, err = f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{1})
	require.ErrorIs(t, err, market.ErrStalePrice)
}

func (f *fixture) listCall(id uint64, underlying, settlement common.Address, strike *uint256.Int, expiry time.Time) {
	f.t.Helper()
	require.NoError(f.t, f.catalog.List(&market.Instrument{
		ID:              id,
		Underlying:      underlying,
		SettlementAsset: settlement,
		Strike:          strike,
		Expiry:          expiry.Unix(),
		IsCall:          true,
		IsActive:        true,
		ContractSize:    px(1),
	}))
}

func TestLiquidation_PenaltySeizedFromSettlementAsset(t *testing.T) {
	f := newTestEngine(t)
	f.cfg.CollateralAssets = []common.Address{weth}
	f.eng = f.newEngine(f.persist)

	// a WBTC call settled in WETH; C holds WETH only
	const wbtcCall = 2
	f.listCall(wbtcCall, wbtc, weth, px(20), genesis.Add(7*24*time.Hour))
	f.oracle.Set(wbtc, weth, px(20), genesis.Unix())

	require.NoError(t, f.eng.Deposit(f.ctx, traderC, weth, uint256.NewInt(2e17)))
	require.NoError(t, f.eng.Deposit(f.ctx, traderB, weth, uint256.NewInt(1e18)))
	f.mustDeposit(liquidator, 1000)
	require.NoError(t, f.eng.ApplyTrade(f.ctx, matcher, core.Trade{
		Buyer: traderB, Seller: traderC, InstrumentID: wbtcCall, Quantity: 10, Price: uint256.NewInt(1e16),
	}))

	// 0.02 WETH intrinsic per contract: 900 USDC of collateral against 600 owed
	f.oracle.Set(wbtc, weth, uint256.NewInt(2_002_000_000), genesis.Unix())

	res, err := f.eng.Liquidate(f.ctx, liquidator, traderC, []uint64{wbtcCall}, []uint64{10})
	require.NoError(t, err)
	require.Equal(t, uint64(5), res.Contracts)
	require.Equal(t, uint256.NewInt(6000), res.PreRatioBps)
	require.Equal(t, []event.AssetAmount{{Asset: weth, Amount: uint256.NewInt(1e17)}}, res.Paid)

	// 12.5 USDC of penalty at 3000 USDC/WETH, rounded up in WETH wei
	seized := uint256.NewInt(4_166_666_666_666_667)
	require.Equal(t, uint256.NewInt(12_500_000), res.Penalty)
	require.Equal(t, []event.AssetAmount{{Asset: weth, Amount: seized}}, res.PenaltySeized)
	require.True(t, res.PenaltyForgone.IsZero())
	require.Equal(t, uint256.NewInt(11_499), res.PostRatioBps)

	bal, err := f.cust.BalanceOf(f.ctx, backstop, weth)
	require.NoError(t, err)
	require.Equal(t, seized, bal)
	require.True(t, f.balance(backstop).IsZero())
	require.NoError(t, f.eng.CheckInvariants(f.ctx))
}

func TestLiquidation_LiquidatorBelowInitialMarginRollsBack(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	f.setSpot(3120)
	drainOutputs(f.persist)

	// the liquidator brings no collateral: 600 received against 600 owed
	_, err := f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{10})
	require.ErrorIs(t, err, core.ErrInsufficientInitialMargin)
	require.ErrorContains(t, err, "liquidator")

	require.Equal(t, int64(-10), f.eng.Position(f.ctx, traderA, callID))
	require.Equal(t, int64(0), f.eng.Position(f.ctx, liquidator, callID))
	require.Equal(t, usd(1500), f.balance(traderA))
	require.True(t, f.balance(liquidator).IsZero())
	require.True(t, f.balance(backstop).IsZero())
	require.Empty(t, drainOutputs(f.persist))
}

func TestLiquidation_SkipsExpiredAndLongCandidates(t *testing.T) {
	f := newTestEngine(t)
	const (
		expiringCall = 3
		laterCall    = 4
	)
	f.listCall(expiringCall, weth, usdc, px(3000), genesis.Add(time.Hour))
	f.listCall(laterCall, weth, usdc, px(3000), genesis.Add(7*24*time.Hour))

	f.shortTenCalls()
	f.mustDeposit(traderC, 1000)
	f.mustDeposit(liquidator, 1000)
	// A: short 10 callID, short 2 expiringCall, long 2 laterCall; 1500 USDC
	require.NoError(t, f.eng.ApplyTrade(f.ctx, matcher, core.Trade{
		Buyer: traderB, Seller: traderA, InstrumentID: expiringCall, Quantity: 2, Price: usd(10),
	}))
	require.NoError(t, f.eng.ApplyTrade(f.ctx, matcher, core.Trade{
		Buyer: traderA, Seller: traderC, InstrumentID: laterCall, Quantity: 2, Price: usd(10),
	}))
	require.Equal(t, usd(1500), f.balance(traderA))

	f.clock.Advance(time.Hour + time.Second)
	f.setSpot(3120)

	st, err := f.eng.AccountState(f.ctx, traderA)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(5000), st.RatioBps)

	res, err := f.eng.Liquidate(f.ctx, liquidator, traderA,
		[]uint64{expiringCall, laterCall, callID},
		[]uint64{2, 2, 10})
	require.NoError(t, err)

	// only the live short executes, capped at half of 12 shorts
	require.Equal(t, uint64(6), res.Contracts)
	require.Equal(t, []event.LiquidationFill{{InstrumentID: callID, Quantity: 6, Price: usd(120)}}, res.Fills)
	require.Equal(t, int64(-4), f.eng.Position(f.ctx, traderA, callID))
	require.Equal(t, int64(-2), f.eng.Position(f.ctx, traderA, expiringCall))
	require.Equal(t, int64(2), f.eng.Position(f.ctx, traderA, laterCall))
	require.Equal(t, int64(-6), f.eng.Position(f.ctx, liquidator, callID))
	require.Equal(t, int64(0), f.eng.Position(f.ctx, liquidator, expiringCall))

	// 720 paid, 15 penalty
	require.Equal(t, usd(765), f.balance(traderA))
	require.Equal(t, usd(15), f.balance(backstop))
	require.Equal(t, uint256.NewInt(9500), res.PostRatioBps)
	require.NoError(t, f.eng.CheckInvariants(f.ctx))
}

// ============================================================================
// Test: Settlement
// ============================================================================

func (f *fixture) expireAt(whole uint64) {
	f.t.Helper()
	f.clock.Advance(7*24*time.Hour + time.Second)
	require.NoError(f.t, f.catalog.Finalize(callID, px(whole)))
}

func TestSettle_ShortShortfallBecomesBadDebt(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	require.NoError(t, f.cust.Fund(backstop, usdc, usd(5000)))

	require.ErrorIs(t, f.eng.Settle(f.ctx, callID, traderA), core.ErrNotExpired)
	f.clock.Advance(7*24*time.Hour + time.Second)
	require.ErrorIs(t, f.eng.Settle(f.ctx, callID, traderA), core.ErrSettlementPriceNotFinal)
	require.NoError(t, f.catalog.Finalize(callID, px(3200)))

	// A owes 200 * 10 = 2000 but holds 1500
	require.NoError(t, f.eng.Settle(f.ctx, callID, traderA))
	require.True(t, f.balance(traderA).IsZero())
	require.Equal(t, int64(0), f.eng.Position(f.ctx, traderA, callID))
	require.Equal(t, uint64(0), f.eng.ShortExposure(f.ctx, traderA))
	require.True(t, f.eng.IsSettled(f.ctx, callID, traderA))

	require.NoError(t, f.eng.Settle(f.ctx, callID, traderB))
	require.Equal(t, usd(3000), f.balance(traderB))
	require.Equal(t, usd(4500), f.balance(backstop))

	totals := f.eng.SettlementTotals(f.ctx, callID)
	require.Equal(t, usd(1500), totals.Collected)
	require.Equal(t, usd(2000), totals.Paid)
	require.Equal(t, usd(500), totals.BadDebt)

	require.ErrorIs(t, f.eng.Settle(f.ctx, callID, traderA), core.ErrAlreadySettled)
}

func TestSettle_FlatTraderIsMarkedOnce(t *testing.T) {
	f := newTestEngine(t)
	f.expireAt(3200)
	drainOutputs(f.persist)

	require.NoError(t, f.eng.Settle(f.ctx, callID, traderC))
	require.True(t, f.eng.IsSettled(f.ctx, callID, traderC))

	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 1)
	settled, ok := outputs[0].Event.(*event.PositionSettled)
	require.True(t, ok)
	require.Equal(t, int64(0), settled.Quantity)
	require.True(t, settled.Paid.IsZero())

	require.ErrorIs(t, f.eng.Settle(f.ctx, callID, traderC), core.ErrAlreadySettled)
}

func TestSettle_OutOfTheMoneyMovesNothing(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	f.expireAt(2900)

	require.NoError(t, f.eng.SettleBatch(f.ctx, callID, []common.Address{traderA, traderB}))
	require.Equal(t, usd(1500), f.balance(traderA))
	require.Equal(t, usd(1000), f.balance(traderB))
	require.Equal(t, int64(0), f.eng.Position(f.ctx, traderB, callID))
	require.True(t, f.eng.SettlementTotals(f.ctx, callID).Paid.IsZero())
}

func TestSettle_InsufficientBackstop(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	f.expireAt(3200)

	require.ErrorIs(t, f.eng.Settle(f.ctx, callID, traderB), core.ErrInsufficientBackstop)
	require.False(t, f.eng.IsSettled(f.ctx, callID, traderB))
	require.Equal(t, int64(10), f.eng.Position(f.ctx, traderB, callID))
}

func TestSettleBatch_AllOrNothing(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	f.expireAt(3200)

	// A's 1500 reaches the backstop first, but B is owed 2000
	err := f.eng.SettleBatch(f.ctx, callID, []common.Address{traderA, traderB})
	require.ErrorIs(t, err, core.ErrInsufficientBackstop)

	require.False(t, f.eng.IsSettled(f.ctx, callID, traderA))
	require.Equal(t, int64(-10), f.eng.Position(f.ctx, traderA, callID))
	require.Equal(t, usd(1500), f.balance(traderA))
	require.True(t, f.balance(backstop).IsZero())
	require.True(t, f.eng.SettlementTotals(f.ctx, callID).Collected.IsZero())

	require.NoError(t, f.cust.Fund(backstop, usdc, usd(500)))
	require.NoError(t, f.eng.SettleBatch(f.ctx, callID, []common.Address{traderA, traderB}))
	require.True(t, f.eng.IsSettled(f.ctx, callID, traderA))
	require.True(t, f.eng.IsSettled(f.ctx, callID, traderB))
	require.True(t, f.balance(backstop).IsZero())
	require.NoError(t, f.cust.Validate())
}

// ============================================================================
// Test: Atomic Composition And Reentrancy
// ============================================================================

func TestAtomic_NonceAdvanceRollsBack(t *testing.T) {
	f := newTestEngine(t)

	err := f.eng.Atomic(f.ctx, func(ctx context.Context, tx *core.Tx) error {
		return tx.AdvanceNonce(traderA, 5, event.NonceReasonOrder)
	})
	require.NoError(t, err)
	require.Equal(t, uint64(5), f.eng.Nonce(f.ctx, traderA))

	boom := errors.New("boom")
	err = f.eng.Atomic(f.ctx, func(ctx context.Context, tx *core.Tx) error {
		if err := tx.AdvanceNonce(traderA, 6, event.NonceReasonOrder); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, uint64(5), f.eng.Nonce(f.ctx, traderA))

	err = f.eng.Atomic(f.ctx, func(ctx context.Context, tx *core.Tx) error {
		return tx.AdvanceNonce(traderA, 5, event.NonceReasonCancel)
	})
	require.ErrorIs(t, err, core.ErrNonceNotIncreasing)
}

func TestAtomic_TradeFailureUndoesEarlierTrade(t *testing.T) {
	f := newTestEngine(t)
	f.mustDeposit(traderA, 1000)
	f.mustDeposit(traderB, 1000)

	err := f.eng.Atomic(f.ctx, func(ctx context.Context, tx *core.Tx) error {
		if err := f.eng.ApplyTradeTx(ctx, tx, matcher, trade(traderB, traderA, 1, 10)); err != nil {
			return err
		}
		return f.eng.ApplyTradeTx(ctx, tx, matcher, trade(traderB, traderA, 100, 1))
	})
	require.ErrorIs(t, err, core.ErrInsufficientInitialMargin)
	require.Equal(t, int64(0), f.eng.Position(f.ctx, traderA, callID))
	require.Equal(t, usd(1000), f.balance(traderA))
	require.Equal(t, usd(1000), f.balance(traderB))
}

func TestAtomic_ClosedTxIsRejected(t *testing.T) {
	f := newTestEngine(t)
	var leaked *core.Tx
	require.NoError(t, f.eng.Atomic(f.ctx, func(ctx context.Context, tx *core.Tx) error {
		leaked = tx
		return nil
	}))
	err := f.eng.ApplyTradeTx(f.ctx, leaked, matcher, trade(traderB, traderA, 1, 10))
	require.ErrorIs(t, err, core.ErrForeignTx)
}

func TestReentrancy_CallbackCannotMutate(t *testing.T) {
	f := newTestEngine(t)
	f.mustDeposit(traderA, 1000)
	f.mustDeposit(traderB, 1000)

	var (
		reentryErr error
		observed   int64
	)
	f.cust.SetSyncFunc(func(ctx context.Context, account, asset common.Address) error {
		if account == traderB {
			observed = f.eng.Position(ctx, traderB, callID)
			reentryErr = f.eng.SetPaused(ctx, true)
			return reentryErr
		}
		return nil
	})

	// the sync failure is advisory, so the trade still commits
	f.mustTrade(traderB, traderA, 1, 10)
	require.ErrorIs(t, reentryErr, core.ErrReentrantCall)
	require.Equal(t, int64(1), observed)
	require.False(t, f.eng.Paused(f.ctx))
}

func TestReentrancy_DerivedContextStillDetected(t *testing.T) {
	f := newTestEngine(t)
	f.mustDeposit(traderA, 1000)
	f.mustDeposit(traderB, 1000)

	var reentryErr error
	f.cust.SetSyncFunc(func(ctx context.Context, account, asset common.Address) error {
		if account != traderA {
			return nil
		}
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		reentryErr = f.eng.Deposit(cctx, traderA, usdc, usd(1))
		return nil
	})

	f.mustTrade(traderB, traderA, 1, 10)
	require.ErrorIs(t, reentryErr, core.ErrReentrantCall)
	require.Equal(t, usd(1010), f.balance(traderA))
}

// ============================================================================
// Test: State Hash Chain And Snapshot
// ============================================================================

func TestHashChain_LinksEveryEvent(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	f.setSpot(3500)
	f.mustDeposit(liquidator, 100_000)
	_, err := f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{10})
	require.NoError(t, err)

	outputs := drainOutputs(f.persist)
	envelopes := make([]*event.EventEnvelope, 0, len(outputs))
	for i, o := range outputs {
		require.Equal(t, int64(i+1), o.Envelope.Sequence)
		envelopes = append(envelopes, o.Envelope)
	}
	require.NoError(t, core.VerifyChain(core.GenesisHash(), envelopes))
	require.Equal(t, envelopes[len(envelopes)-1].StateHash, f.eng.StateHash(f.ctx))

	envelopes[1].Payload = []byte(`{}`)
	require.Error(t, core.VerifyChain(core.GenesisHash(), envelopes))
}

func TestIdempotencyKey_StampedOnEnvelopes(t *testing.T) {
	f := newTestEngine(t)
	ctx := event.WithIdempotencyKey(f.ctx, "cmd-42")
	require.NoError(t, f.eng.Deposit(ctx, traderA, usdc, usd(1)))

	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 1)
	require.Equal(t, "cmd-42", outputs[0].Envelope.IdempotencyKey)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	require.NoError(t, f.eng.Atomic(f.ctx, func(ctx context.Context, tx *core.Tx) error {
		return tx.AdvanceNonce(traderB, 7, event.NonceReasonOrder)
	}))

	snap := f.eng.CreateSnapshotState(f.ctx)
	require.Equal(t, f.eng.Sequence(f.ctx)-1, snap.Sequence)

	restored := f.newEngine(nil)
	require.NoError(t, restored.RestoreFromSnapshot(f.ctx, snap))

	require.Equal(t, f.eng.StateHash(f.ctx), restored.StateHash(f.ctx))
	require.Equal(t, f.eng.Sequence(f.ctx), restored.Sequence(f.ctx))
	require.Equal(t, int64(-10), restored.Position(f.ctx, traderA, callID))
	require.Equal(t, uint64(10), restored.ShortExposure(f.ctx, traderA))
	require.Equal(t, uint64(7), restored.Nonce(f.ctx, traderB))
	require.NoError(t, restored.CheckInvariants(f.ctx))

	// both engines extend the chain identically from here
	persist := make(chan core.CoreOutput, 8)
	again := f.newEngine(persist)
	require.NoError(t, again.RestoreFromSnapshot(f.ctx, snap))
	require.NoError(t, again.SetPaused(f.ctx, true))
	require.NoError(t, f.eng.SetPaused(f.ctx, true))
	require.Equal(t, f.eng.StateHash(f.ctx), again.StateHash(f.ctx))
}

func TestReplay_RebuildsLedgerFromEventLog(t *testing.T) {
	f := newTestEngine(t)
	f.shortTenCalls()
	require.NoError(t, f.eng.Atomic(f.ctx, func(ctx context.Context, tx *core.Tx) error {
		return tx.AdvanceNonce(traderA, 3, event.NonceReasonCancel)
	}))
	f.setSpot(3500)
	f.mustDeposit(liquidator, 100_000)
	_, err := f.eng.Liquidate(f.ctx, liquidator, traderA, []uint64{callID}, []uint64{10})
	require.NoError(t, err)

	outputs := drainOutputs(f.persist)
	envelopes := make([]*event.EventEnvelope, 0, len(outputs))
	for _, o := range outputs {
		envelopes = append(envelopes, o.Envelope)
	}

	replica := f.newEngine(nil)
	n, err := replica.Replay(f.ctx, envelopes)
	require.NoError(t, err)
	require.Equal(t, len(envelopes), n)

	require.Equal(t, f.eng.StateHash(f.ctx), replica.StateHash(f.ctx))
	require.Equal(t, f.eng.Sequence(f.ctx), replica.Sequence(f.ctx))
	require.Equal(t, int64(-5), replica.Position(f.ctx, traderA, callID))
	require.Equal(t, int64(-5), replica.Position(f.ctx, liquidator, callID))
	require.Equal(t, int64(10), replica.Position(f.ctx, traderB, callID))
	require.Equal(t, uint64(3), replica.Nonce(f.ctx, traderA))
	require.NoError(t, replica.CheckInvariants(f.ctx))

	// a gap in the chain is refused
	_, err = f.newEngine(nil).Replay(f.ctx, envelopes[1:])
	require.Error(t, err)
}
