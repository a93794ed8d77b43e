package core

import (
	"context"
	"fmt"
	"time"

	"OptionsLedger/internal/market"
	fpmath "OptionsLedger/internal/math"
	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountState computes trader's margin view at the ledger clock.
func (e *Engine) AccountState(ctx context.Context, trader common.Address) (*state.AccountState, error) {
	defer e.view(ctx)()
	return e.accountState(ctx, e.clock.GetTimeNow(), trader)
}

// IsLiquidatable reports shorts > 0 and a margin ratio below the threshold.
func (e *Engine) IsLiquidatable(ctx context.Context, trader common.Address) (bool, error) {
	defer e.view(ctx)()
	if e.positions.ShortExposure(trader) == 0 {
		return false, nil
	}
	st, err := e.accountState(ctx, e.clock.GetTimeNow(), trader)
	if err != nil {
		return false, err
	}
	return e.liquidatable(st), nil
}

func (e *Engine) liquidatable(st *state.AccountState) bool {
	return st.Shorts > 0 && st.RatioBps.Lt(uint256.NewInt(e.risk.Liquidation.ThresholdBps))
}

// accountState values trader in base-asset native units. Collateral and long
// intrinsic value round down, short intrinsic value rounds up.
func (e *Engine) accountState(ctx context.Context, now time.Time, trader common.Address) (*state.AccountState, error) {
	params := e.risk.Params
	base := params.BaseAsset
	maxAge := e.risk.Liquidation.MaxOracleStaleness

	baseDec, err := e.decimals(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("base asset: %w", err)
	}

	assets := new(uint256.Int)
	liabilities := new(uint256.Int)

	for _, asset := range e.collateralAssets() {
		bal, err := e.custodian.BalanceOf(ctx, trader, asset)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", asset.Hex(), err)
		}
		if bal.IsZero() {
			continue
		}
		value := bal
		if asset != base {
			dec, err := e.decimals(ctx, asset)
			if err != nil {
				return nil, err
			}
			price, err := market.FreshPrice(ctx, e.oracle, asset, base, now, maxAge)
			if err != nil {
				return nil, err
			}
			if value, err = fpmath.ConvertAmount(bal, dec, price, baseDec, fpmath.RoundDown); err != nil {
				return nil, fmt.Errorf("value collateral %s: %w", asset.Hex(), err)
			}
		}
		if assets, err = fpmath.CheckedAdd(assets, value); err != nil {
			return nil, err
		}
	}

	for _, id := range e.positions.OpenInstruments(trader) {
		qty := e.positions.Position(trader, id)
		inst, err := e.catalog.Instrument(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("instrument %d: %w", id, err)
		}

		mode := fpmath.RoundDown
		if qty < 0 {
			mode = fpmath.RoundUp
		}
		value, err := e.positionValue(ctx, now, inst, fpmath.AbsInt64(qty), mode)
		if err != nil {
			return nil, err
		}
		if qty > 0 {
			assets, err = fpmath.CheckedAdd(assets, value)
		} else {
			liabilities, err = fpmath.CheckedAdd(liabilities, value)
		}
		if err != nil {
			return nil, err
		}
	}

	shorts := e.positions.ShortExposure(trader)
	mm, im, err := state.ComputeMargin(params.BaseMaintenanceMargin, shorts, params.IMFactorBps)
	if err != nil {
		return nil, fmt.Errorf("margin requirement: %w", err)
	}

	return &state.AccountState{
		Assets:      assets,
		Liabilities: liabilities,
		Maintenance: mm,
		Initial:     im,
		RatioBps:    state.ComputeRatioBps(assets, liabilities, mm),
		Shorts:      shorts,
	}, nil
}

// positionValue is the intrinsic value of contracts of inst in base-asset
// native units.
func (e *Engine) positionValue(
	ctx context.Context,
	now time.Time,
	inst *market.Instrument,
	contracts uint64,
	mode fpmath.RoundingMode,
) (*uint256.Int, error) {
	mark, err := e.markPrice(ctx, now, inst)
	if err != nil {
		return nil, err
	}
	intrinsic := fpmath.Intrinsic(inst.IsCall, mark, inst.Strike)
	if intrinsic.IsZero() {
		return new(uint256.Int), nil
	}

	settleDec, err := e.decimals(ctx, inst.SettlementAsset)
	if err != nil {
		return nil, err
	}
	perContract, err := fpmath.PriceToNative(intrinsic, settleDec, mode)
	if err != nil {
		return nil, err
	}
	value, err := fpmath.CheckedMul(perContract, uint256.NewInt(contracts))
	if err != nil {
		return nil, err
	}

	base := e.risk.Params.BaseAsset
	if inst.SettlementAsset == base {
		return value, nil
	}
	baseDec, err := e.decimals(ctx, base)
	if err != nil {
		return nil, err
	}
	price, err := market.FreshPrice(ctx, e.oracle, inst.SettlementAsset, base, now, e.risk.Liquidation.MaxOracleStaleness)
	if err != nil {
		return nil, err
	}
	return fpmath.ConvertAmount(value, settleDec, price, baseDec, mode)
}

// markPrice is the finalized settlement price when one exists, otherwise the
// staleness-checked spot of underlying in the settlement asset.
func (e *Engine) markPrice(ctx context.Context, now time.Time, inst *market.Instrument) (*uint256.Int, error) {
	price, finalized, err := e.catalog.SettlementInfo(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("settlement info %d: %w", inst.ID, err)
	}
	if finalized && price != nil {
		return price, nil
	}
	return market.FreshPrice(ctx, e.oracle, inst.Underlying, inst.SettlementAsset, now, e.risk.Liquidation.MaxOracleStaleness)
}

// requireInitial fails unless trader's equity covers initial margin.
func (e *Engine) requireInitial(ctx context.Context, now time.Time, trader common.Address) error {
	st, err := e.accountState(ctx, now, trader)
	if err != nil {
		return err
	}
	if !st.MeetsInitial() {
		return fmt.Errorf("%w: %s assets=%s liabilities=%s initial=%s",
			ErrInsufficientInitialMargin, trader.Hex(), st.Assets.Dec(), st.Liabilities.Dec(), st.Initial.Dec())
	}
	return nil
}
