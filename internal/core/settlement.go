package core

import (
	"context"
	"errors"
	"fmt"

	"OptionsLedger/internal/event"
	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotExpired              = errors.New("instrument not expired")
	ErrSettlementPriceNotFinal = errors.New("settlement price not finalized")
	ErrAlreadySettled          = errors.New("position already settled")
	ErrInsufficientBackstop    = errors.New("backstop balance insufficient for payout")
)

// Settle distributes the terminal payoff of trader's position in an expired
// instrument. Runs exactly once per (instrument, trader).
func (e *Engine) Settle(ctx context.Context, instrumentID uint64, trader common.Address) error {
	return e.execute(ctx, "settle", func(ctx context.Context, tx *Tx) error {
		return e.settle(ctx, tx, instrumentID, trader)
	})
}

// SettleBatch settles traders sequentially. Any failure rolls back the whole
// batch.
func (e *Engine) SettleBatch(ctx context.Context, instrumentID uint64, traders []common.Address) error {
	return e.execute(ctx, "settle_batch", func(ctx context.Context, tx *Tx) error {
		for i, trader := range traders {
			if err := e.settle(ctx, tx, instrumentID, trader); err != nil {
				return fmt.Errorf("batch entry %d (%s): %w", i, trader.Hex(), err)
			}
		}
		return nil
	})
}

func (e *Engine) settle(ctx context.Context, tx *Tx, instrumentID uint64, trader common.Address) error {
	if trader == (common.Address{}) {
		return fmt.Errorf("trader: %w", ErrZeroAddress)
	}
	inst, err := e.catalog.Instrument(ctx, instrumentID)
	if err != nil {
		return fmt.Errorf("instrument %d: %w", instrumentID, err)
	}
	if !inst.Expired(tx.now) {
		return fmt.Errorf("%w: instrument %d expires at %d", ErrNotExpired, inst.ID, inst.Expiry)
	}
	price, finalized, err := e.catalog.SettlementInfo(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("settlement info %d: %w", inst.ID, err)
	}
	if !finalized || price == nil {
		return fmt.Errorf("%w: instrument %d", ErrSettlementPriceNotFinal, inst.ID)
	}
	if e.settlements.IsSettled(inst.ID, trader) {
		return fmt.Errorf("%w: instrument %d trader %s", ErrAlreadySettled, inst.ID, trader.Hex())
	}
	tx.markSettled(inst.ID, trader)

	qty := e.positions.Position(trader, inst.ID)
	evt := &event.PositionSettled{
		Instrument:      inst.ID,
		Trader:          trader,
		Quantity:        qty,
		SettlementPrice: price.Clone(),
		SettlementAsset: inst.SettlementAsset,
		Paid:            new(uint256.Int),
		Collected:       new(uint256.Int),
		BadDebt:         new(uint256.Int),
	}
	if qty == 0 {
		tx.emit(evt)
		return nil
	}

	dec, err := e.decimals(ctx, inst.SettlementAsset)
	if err != nil {
		return err
	}
	intrinsic := fpmath.Intrinsic(inst.IsCall, price, inst.Strike)
	contracts := uint256.NewInt(fpmath.AbsInt64(qty))
	totals := e.settlements.Totals(inst.ID)

	if !intrinsic.IsZero() {
		if qty > 0 {
			perContract, err := fpmath.PriceToNative(intrinsic, dec, fpmath.RoundDown)
			if err != nil {
				return err
			}
			payout, err := fpmath.CheckedMul(perContract, contracts)
			if err != nil {
				return fmt.Errorf("payout: %w", err)
			}

			e.bestEffortSync(ctx, e.backstop, inst.SettlementAsset)
			available, err := e.custodian.BalanceOf(ctx, e.backstop, inst.SettlementAsset)
			if err != nil {
				return fmt.Errorf("backstop balance: %w", err)
			}
			if available.Lt(payout) {
				return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBackstop, payout.Dec(), available.Dec())
			}
			if err := tx.transfer(ctx, inst.SettlementAsset, e.backstop, trader, payout); err != nil {
				return err
			}
			evt.Paid = payout
			if totals.Paid, err = fpmath.CheckedAdd(totals.Paid, payout); err != nil {
				return err
			}
		} else {
			perContract, err := fpmath.PriceToNative(intrinsic, dec, fpmath.RoundUp)
			if err != nil {
				return err
			}
			owed, err := fpmath.CheckedMul(perContract, contracts)
			if err != nil {
				return fmt.Errorf("owed: %w", err)
			}

			e.bestEffortSync(ctx, trader, inst.SettlementAsset)
			available, err := e.custodian.BalanceOf(ctx, trader, inst.SettlementAsset)
			if err != nil {
				return fmt.Errorf("trader balance: %w", err)
			}
			collected := fpmath.Min(owed, available)
			if err := tx.transfer(ctx, inst.SettlementAsset, trader, e.backstop, collected); err != nil {
				return err
			}
			badDebt := new(uint256.Int).Sub(owed, collected)

			evt.Collected = collected
			evt.BadDebt = badDebt
			if totals.Collected, err = fpmath.CheckedAdd(totals.Collected, collected); err != nil {
				return err
			}
			if totals.BadDebt, err = fpmath.CheckedAdd(totals.BadDebt, badDebt); err != nil {
				return err
			}
			if !badDebt.IsZero() {
				e.logger.Warn().
					Uint64("instrument_id", inst.ID).
					Str("trader", trader.Hex()).
					Str("bad_debt", badDebt.Dec()).
					Msg("settlement shortfall absorbed by backstop")
			}
		}
		tx.setTotals(inst.ID, totals)
	}

	if _, _, err := tx.applyDelta(trader, inst.ID, -qty); err != nil {
		return fmt.Errorf("zero position: %w", err)
	}

	tx.emit(evt)
	return nil
}
