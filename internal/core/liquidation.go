package core

import (
	"context"
	"errors"
	"fmt"

	"OptionsLedger/internal/event"
	"OptionsLedger/internal/market"
	fpmath "OptionsLedger/internal/math"
	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrSelfLiquidation         = errors.New("liquidator cannot target itself")
	ErrEmptyCandidates         = errors.New("no liquidation candidates")
	ErrLengthMismatch          = errors.New("instrument and quantity lists differ in length")
	ErrCloseFactorZero         = errors.New("close factor is zero")
	ErrNotLiquidatable         = errors.New("account is not liquidatable")
	ErrNothingToLiquidate      = errors.New("no candidate was executable")
	ErrInsufficientImprovement = errors.New("liquidation does not improve account enough")
)

// LiquidationResult describes a committed liquidation.
type LiquidationResult struct {
	Fills          []event.LiquidationFill
	Contracts      uint64
	Required       []event.AssetAmount // per settlement asset, first-touched order
	Paid           []event.AssetAmount // liquidator receipts; gaps are not carried
	Penalty        *uint256.Int        // base-asset native units
	PenaltySeized  []event.AssetAmount
	PenaltyForgone *uint256.Int
	PreRatioBps    *uint256.Int
	PostRatioBps   *uint256.Int
}

// cashBuckets accumulates amounts per asset in first-touched order.
type cashBuckets struct {
	order  []common.Address
	amount map[common.Address]*uint256.Int
}

func newCashBuckets() *cashBuckets {
	return &cashBuckets{amount: make(map[common.Address]*uint256.Int)}
}

func (b *cashBuckets) add(asset common.Address, v *uint256.Int) error {
	cur, ok := b.amount[asset]
	if !ok {
		b.order = append(b.order, asset)
		b.amount[asset] = v.Clone()
		return nil
	}
	sum, err := fpmath.CheckedAdd(cur, v)
	if err != nil {
		return err
	}
	b.amount[asset] = sum
	return nil
}

func (b *cashBuckets) list() []event.AssetAmount {
	out := make([]event.AssetAmount, 0, len(b.order))
	for _, a := range b.order {
		out = append(out, event.AssetAmount{Asset: a, Amount: b.amount[a].Clone()})
	}
	return out
}

// Liquidate transfers part of trader's short exposure to liquidator across
// the candidates in caller order, collects cash for it, seizes a penalty into
// the backstop and requires the account to measurably improve.
func (e *Engine) Liquidate(
	ctx context.Context,
	liquidator, trader common.Address,
	instrumentIDs []uint64,
	quantities []uint64,
) (*LiquidationResult, error) {
	var result *LiquidationResult
	err := e.execute(ctx, "liquidate", func(ctx context.Context, tx *Tx) error {
		var err error
		result, err = e.liquidate(ctx, tx, liquidator, trader, instrumentIDs, quantities)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("trader", trader.Hex()).
		Str("liquidator", liquidator.Hex()).
		Uint64("contracts", result.Contracts).
		Str("penalty_forgone", result.PenaltyForgone.Dec()).
		Msg("account liquidated")
	return result, nil
}

// LiquidateTx runs a liquidation inside a caller-managed Tx so it can be
// composed with other state changes, such as consuming a signed nonce.
func (e *Engine) LiquidateTx(
	ctx context.Context,
	tx *Tx,
	liquidator, trader common.Address,
	instrumentIDs []uint64,
	quantities []uint64,
) (*LiquidationResult, error) {
	if err := tx.usable(e); err != nil {
		return nil, err
	}
	return e.liquidate(ctx, tx, liquidator, trader, instrumentIDs, quantities)
}

func (e *Engine) liquidate(
	ctx context.Context,
	tx *Tx,
	liquidator, trader common.Address,
	instrumentIDs []uint64,
	quantities []uint64,
) (*LiquidationResult, error) {
	lp := e.risk.Liquidation

	// 1. validation
	if liquidator == trader {
		return nil, ErrSelfLiquidation
	}
	if liquidator == (common.Address{}) || trader == (common.Address{}) {
		return nil, fmt.Errorf("liquidation party: %w", ErrZeroAddress)
	}
	if len(instrumentIDs) == 0 {
		return nil, ErrEmptyCandidates
	}
	if len(instrumentIDs) != len(quantities) {
		return nil, fmt.Errorf("%w: %d ids, %d quantities", ErrLengthMismatch, len(instrumentIDs), len(quantities))
	}
	if e.paused {
		return nil, ErrPaused
	}
	if err := e.requireRiskSync(ctx); err != nil {
		return nil, err
	}
	if lp.CloseFactorBps == 0 {
		return nil, ErrCloseFactorZero
	}

	// 2. pre-state
	pre, err := e.accountState(ctx, tx.now, trader)
	if err != nil {
		return nil, fmt.Errorf("pre-liquidation state: %w", err)
	}
	if !e.liquidatable(pre) {
		return nil, fmt.Errorf("%w: ratio %s bps, threshold %d, shorts %d",
			ErrNotLiquidatable, pre.RatioBps.Dec(), lp.ThresholdBps, pre.Shorts)
	}

	// 3. closing allowance
	allowance, err := closingAllowance(pre.Shorts, lp.CloseFactorBps)
	if err != nil {
		return nil, err
	}

	// 4. candidates
	result := &LiquidationResult{PreRatioBps: pre.RatioBps}
	required := newCashBuckets()
	remaining := allowance

	for i, id := range instrumentIDs {
		if remaining == 0 {
			break
		}
		requested := quantities[i]
		if requested == 0 {
			continue
		}
		inst, err := e.catalog.Instrument(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("instrument %d: %w", id, err)
		}
		if inst.Expired(tx.now) {
			continue
		}
		short := e.positions.ShortOn(trader, id)
		if short == 0 {
			continue
		}
		exec := min(requested, short, remaining)

		perContract, err := e.liquidationPrice(ctx, tx, inst)
		if err != nil {
			return nil, err
		}
		cash, err := fpmath.CheckedMul(perContract, uint256.NewInt(exec))
		if err != nil {
			return nil, fmt.Errorf("liquidation cash: %w", err)
		}

		delta := int64(exec) // exec <= |position| <= MaxInt64
		if _, _, err := tx.applyDelta(trader, id, delta); err != nil {
			return nil, fmt.Errorf("trader position: %w", err)
		}
		if _, _, err := tx.applyDelta(liquidator, id, -delta); err != nil {
			return nil, fmt.Errorf("liquidator position: %w", err)
		}
		if err := required.add(inst.SettlementAsset, cash); err != nil {
			return nil, err
		}

		result.Fills = append(result.Fills, event.LiquidationFill{InstrumentID: id, Quantity: exec, Price: perContract})
		result.Contracts += exec
		remaining -= exec
	}

	// 5.
	if result.Contracts == 0 {
		return nil, ErrNothingToLiquidate
	}

	// 6. pay the liquidator up to what the trader holds
	paid := newCashBuckets()
	for _, asset := range required.order {
		e.bestEffortSync(ctx, trader, asset)
		available, err := e.custodian.BalanceOf(ctx, trader, asset)
		if err != nil {
			return nil, fmt.Errorf("trader balance %s: %w", asset.Hex(), err)
		}
		amount := fpmath.Min(required.amount[asset], available)
		if err := tx.transfer(ctx, asset, trader, liquidator, amount); err != nil {
			return nil, err
		}
		if err := paid.add(asset, amount); err != nil {
			return nil, err
		}
	}
	result.Required = required.list()
	result.Paid = paid.list()

	// 7. penalty waterfall
	if err := e.seizePenalty(ctx, tx, trader, result, required.order); err != nil {
		return nil, err
	}

	// 8. improvement postcondition
	post, err := e.accountState(ctx, tx.now, trader)
	if err != nil {
		return nil, fmt.Errorf("post-liquidation state: %w", err)
	}
	result.PostRatioBps = post.RatioBps
	if err := checkImprovement(pre, post, lp.MinImprovementBps); err != nil {
		return nil, err
	}

	// 9. liquidator initial margin
	if err := e.requireInitial(ctx, tx.now, liquidator); err != nil {
		return nil, fmt.Errorf("liquidator: %w", err)
	}

	tx.emit(&event.AccountLiquidated{
		Trader:         trader,
		Liquidator:     liquidator,
		Fills:          result.Fills,
		Required:       result.Required,
		Paid:           result.Paid,
		Penalty:        result.Penalty,
		PenaltySeized:  result.PenaltySeized,
		PenaltyForgone: result.PenaltyForgone,
		PreRatioBps:    result.PreRatioBps,
		PostRatioBps:   result.PostRatioBps,
	})
	return result, nil
}

// closingAllowance is max(1, shorts*closeFactorBps/10_000).
func closingAllowance(shorts, closeFactorBps uint64) (uint64, error) {
	v, err := fpmath.ApplyBps(uint256.NewInt(shorts), closeFactorBps, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("closing allowance: %w", fpmath.ErrOverflow)
	}
	if v.Uint64() == 0 {
		return 1, nil
	}
	return v.Uint64(), nil
}

// liquidationPrice is the per-contract cash the liquidator is owed, in
// settlement-asset native units: intrinsic at a fresh spot, floored at
// spot*floorBps when a floor is set, marked up by the spread.
func (e *Engine) liquidationPrice(ctx context.Context, tx *Tx, inst *market.Instrument) (*uint256.Int, error) {
	lp := e.risk.Liquidation
	spot, err := market.FreshPrice(ctx, e.oracle, inst.Underlying, inst.SettlementAsset, tx.now, lp.MaxOracleStaleness)
	if err != nil {
		return nil, err
	}

	price := fpmath.Intrinsic(inst.IsCall, spot, inst.Strike)
	if lp.FloorBps > 0 {
		floor, err := fpmath.ApplyBps(spot, lp.FloorBps, fpmath.RoundUp)
		if err != nil {
			return nil, err
		}
		if price.Lt(floor) {
			price = floor
		}
	}
	if lp.SpreadBps > 0 {
		if price, err = fpmath.ApplyBps(price, fpmath.BpsDenominator+lp.SpreadBps, fpmath.RoundUp); err != nil {
			return nil, err
		}
	}

	dec, err := e.decimals(ctx, inst.SettlementAsset)
	if err != nil {
		return nil, err
	}
	return fpmath.PriceToNative(price, dec, fpmath.RoundUp)
}

// seizePenalty moves baseMM*contracts*penaltyBps from trader to the backstop,
// base asset first, then the touched settlement assets. Whatever cannot be
// covered is forgone.
func (e *Engine) seizePenalty(
	ctx context.Context,
	tx *Tx,
	trader common.Address,
	result *LiquidationResult,
	touched []common.Address,
) error {
	params := e.risk.Params
	base := params.BaseAsset
	seized := newCashBuckets()

	gross, err := fpmath.CheckedMul(params.BaseMaintenanceMargin, uint256.NewInt(result.Contracts))
	if err != nil {
		return fmt.Errorf("penalty: %w", err)
	}
	penalty, err := fpmath.ApplyBps(gross, e.risk.Liquidation.PenaltyBps, fpmath.RoundUp)
	if err != nil {
		return fmt.Errorf("penalty: %w", err)
	}
	result.Penalty = penalty
	remaining := penalty.Clone()

	if !remaining.IsZero() {
		e.bestEffortSync(ctx, trader, base)
		available, err := e.custodian.BalanceOf(ctx, trader, base)
		if err != nil {
			return fmt.Errorf("trader balance %s: %w", base.Hex(), err)
		}
		take := fpmath.Min(remaining, available)
		if err := tx.transfer(ctx, base, trader, e.backstop, take); err != nil {
			return err
		}
		if !take.IsZero() {
			if err := seized.add(base, take); err != nil {
				return err
			}
		}
		remaining.Sub(remaining, take)
	}

	if !remaining.IsZero() {
		baseDec, err := e.decimals(ctx, base)
		if err != nil {
			return err
		}
		for _, asset := range touched {
			if remaining.IsZero() {
				break
			}
			if asset == base {
				continue
			}
			dec, err := e.decimals(ctx, asset)
			if err != nil {
				return err
			}
			price, err := market.FreshPrice(ctx, e.oracle, asset, base, tx.now, e.risk.Liquidation.MaxOracleStaleness)
			if err != nil {
				return err
			}
			need, err := fpmath.NativeForValue(remaining, baseDec, price, dec, fpmath.RoundUp)
			if err != nil {
				return err
			}

			e.bestEffortSync(ctx, trader, asset)
			available, err := e.custodian.BalanceOf(ctx, trader, asset)
			if err != nil {
				return fmt.Errorf("trader balance %s: %w", asset.Hex(), err)
			}
			take := fpmath.Min(need, available)
			if take.IsZero() {
				continue
			}
			if err := tx.transfer(ctx, asset, trader, e.backstop, take); err != nil {
				return err
			}
			if err := seized.add(asset, take); err != nil {
				return err
			}

			if take.Eq(need) {
				remaining.Clear()
				break
			}
			covered, err := fpmath.ConvertAmount(take, dec, price, baseDec, fpmath.RoundDown)
			if err != nil {
				return err
			}
			remaining = fpmath.SaturatingSub(remaining, covered)
		}
	}

	result.PenaltySeized = seized.list()
	result.PenaltyForgone = remaining
	return nil
}

// checkImprovement enforces the post-liquidation postcondition. With positive
// pre-equity the ratio must rise by at least minImprovementBps; otherwise
// maintenance margin must fall or equity must rise.
func checkImprovement(pre, post *state.AccountState, minImprovementBps uint64) error {
	if pre.EquityPositive() {
		target, err := fpmath.CheckedAdd(pre.RatioBps, uint256.NewInt(minImprovementBps))
		if err != nil || post.RatioBps.Lt(target) {
			return fmt.Errorf("%w: ratio %s -> %s bps, need +%d",
				ErrInsufficientImprovement, pre.RatioBps.Dec(), post.RatioBps.Dec(), minImprovementBps)
		}
		return nil
	}
	if post.Maintenance.Lt(pre.Maintenance) || post.EquityGreaterThan(pre) {
		return nil
	}
	return fmt.Errorf("%w: underwater account neither reduced maintenance nor gained equity", ErrInsufficientImprovement)
}
