package core

import (
	"context"
	"fmt"

	"OptionsLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Deposit credits trader through the custodian's on-behalf path. Allowed
// while paused.
func (e *Engine) Deposit(ctx context.Context, trader, asset common.Address, amount *uint256.Int) error {
	return e.execute(ctx, "deposit", func(ctx context.Context, tx *Tx) error {
		if trader == (common.Address{}) {
			return fmt.Errorf("trader: %w", ErrZeroAddress)
		}
		if amount == nil || amount.IsZero() {
			return ErrZeroAmount
		}
		if _, err := e.decimals(ctx, asset); err != nil {
			return err
		}
		if err := e.custodian.DepositFor(ctx, trader, asset, amount); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		credited := amount.Clone()
		tx.undo = append(tx.undo, func(ctx context.Context) error {
			return e.custodian.WithdrawFor(ctx, trader, asset, credited)
		})

		tx.emit(&event.CollateralMoved{Trader: trader, Asset: asset, Amount: credited, Direction: event.CollateralDeposit})
		return nil
	})
}

// Withdraw debits trader through the custodian's on-behalf path. The account
// must still cover initial margin afterwards.
func (e *Engine) Withdraw(ctx context.Context, trader, asset common.Address, amount *uint256.Int) error {
	return e.execute(ctx, "withdraw", func(ctx context.Context, tx *Tx) error {
		if trader == (common.Address{}) {
			return fmt.Errorf("trader: %w", ErrZeroAddress)
		}
		if amount == nil || amount.IsZero() {
			return ErrZeroAmount
		}
		if e.paused {
			return ErrPaused
		}
		if err := e.requireRiskSync(ctx); err != nil {
			return err
		}
		if _, err := e.decimals(ctx, asset); err != nil {
			return err
		}

		e.bestEffortSync(ctx, trader, asset)
		if err := e.custodian.WithdrawFor(ctx, trader, asset, amount); err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		debited := amount.Clone()
		tx.undo = append(tx.undo, func(ctx context.Context) error {
			return e.custodian.DepositFor(ctx, trader, asset, debited)
		})

		if err := e.requireInitial(ctx, tx.now, trader); err != nil {
			return err
		}

		tx.emit(&event.CollateralMoved{Trader: trader, Asset: asset, Amount: debited, Direction: event.CollateralWithdrawal})
		return nil
	})
}
