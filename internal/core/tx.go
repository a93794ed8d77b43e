package core

import (
	"context"
	"fmt"
	"time"

	"OptionsLedger/internal/event"
	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type undoFunc func(ctx context.Context) error

// Tx is the undo log of one engine operation. Mutations made through it are
// reverted in reverse order on failure; events are buffered until commit.
type Tx struct {
	e      *Engine
	now    time.Time
	undo   []undoFunc
	events []event.Event
	closed bool
}

func newTx(e *Engine, now time.Time) *Tx {
	return &Tx{e: e, now: now}
}

// Now returns the ledger clock reading taken when the Tx began.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// OnRollback registers fn to run if the Tx rolls back.
func (tx *Tx) OnRollback(fn func()) {
	tx.undo = append(tx.undo, func(context.Context) error {
		fn()
		return nil
	})
}

func (tx *Tx) emit(evt event.Event) {
	tx.events = append(tx.events, evt)
}

// rollback reverts every recorded mutation. A compensation that cannot be
// applied leaves the ledger and custodian out of step, which is fatal.
func (tx *Tx) rollback(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if err := tx.undo[i](ctx); err != nil {
			panic(fmt.Sprintf("FATAL: rollback compensation %d failed: %v", i, err))
		}
	}
	tx.undo = nil
	tx.events = nil
	tx.closed = true
}

func (tx *Tx) usable(e *Engine) error {
	if tx == nil || tx.e != e || tx.closed {
		return ErrForeignTx
	}
	return nil
}

// applyDelta moves a position and records its restore.
func (tx *Tx) applyDelta(trader common.Address, instrumentID uint64, delta int64) (prev, next int64, err error) {
	prev, next, err = tx.e.positions.ApplyDelta(trader, instrumentID, delta)
	if err != nil {
		return prev, next, err
	}
	if prev != next {
		pm := tx.e.positions
		tx.undo = append(tx.undo, func(context.Context) error {
			return pm.Restore(trader, instrumentID, prev)
		})
	}
	return prev, next, nil
}

// transfer moves custodied funds and records the reverse transfer.
func (tx *Tx) transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := tx.e.custodian.TransferBetween(ctx, asset, from, to, amount); err != nil {
		return fmt.Errorf("transfer %s %s -> %s: %w", amount.Dec(), from.Hex(), to.Hex(), err)
	}
	reverse := amount.Clone()
	e := tx.e
	tx.undo = append(tx.undo, func(ctx context.Context) error {
		if e.metrics != nil {
			e.metrics.EngineCompensations.Inc()
		}
		return e.custodian.TransferBetween(ctx, asset, to, from, reverse)
	})
	return nil
}

// Nonce returns trader's nonce as seen inside the Tx.
func (tx *Tx) Nonce(trader common.Address) uint64 {
	return tx.e.nonces.Get(trader)
}

// AdvanceNonce moves trader's nonce forward to next.
func (tx *Tx) AdvanceNonce(trader common.Address, next uint64, reason event.NonceReason) error {
	if err := tx.usable(tx.e); err != nil {
		return err
	}
	prev := tx.e.nonces.Get(trader)
	if next <= prev {
		return fmt.Errorf("%w: current %d, requested %d", ErrNonceNotIncreasing, prev, next)
	}
	nb := tx.e.nonces
	nb.Set(trader, next)
	tx.OnRollback(func() { nb.Set(trader, prev) })

	tx.emit(&event.NonceAdvanced{Trader: trader, Previous: prev, Next: next, Reason: reason})
	return nil
}

func (tx *Tx) markSettled(instrumentID uint64, trader common.Address) {
	sb := tx.e.settlements
	sb.MarkSettled(instrumentID, trader)
	tx.OnRollback(func() { sb.Unmark(instrumentID, trader) })
}

func (tx *Tx) setTotals(instrumentID uint64, totals state.SettlementTotals) {
	sb := tx.e.settlements
	prev := sb.Totals(instrumentID)
	sb.SetTotals(instrumentID, totals)
	tx.OnRollback(func() { sb.SetTotals(instrumentID, prev) })
}
