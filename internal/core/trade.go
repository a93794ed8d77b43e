package core

import (
	"context"
	"fmt"

	"OptionsLedger/internal/event"
	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Trade is a counterparty-matched trade. Price is in settlement-asset native
// units per contract.
type Trade struct {
	Buyer        common.Address
	Seller       common.Address
	InstrumentID uint64
	Quantity     uint64
	Price        *uint256.Int
}

// ApplyTrade applies a matched trade as its own atomic operation.
func (e *Engine) ApplyTrade(ctx context.Context, caller common.Address, t Trade) error {
	return e.execute(ctx, "apply_trade", func(ctx context.Context, tx *Tx) error {
		return e.applyTrade(ctx, tx, caller, t)
	})
}

// ApplyTradeTx applies a trade inside a Tx opened by Atomic.
func (e *Engine) ApplyTradeTx(ctx context.Context, tx *Tx, caller common.Address, t Trade) error {
	if err := tx.usable(e); err != nil {
		return err
	}
	return e.applyTrade(ctx, tx, caller, t)
}

func (e *Engine) applyTrade(ctx context.Context, tx *Tx, caller common.Address, t Trade) error {
	if caller != e.matcher || caller == (common.Address{}) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedCaller, caller.Hex())
	}
	if e.paused {
		return ErrPaused
	}
	if err := e.requireRiskSync(ctx); err != nil {
		return err
	}
	if t.Buyer == (common.Address{}) || t.Seller == (common.Address{}) {
		return fmt.Errorf("trade party: %w", ErrZeroAddress)
	}
	if t.Buyer == t.Seller {
		return ErrSelfTrade
	}
	if t.Quantity == 0 {
		return ErrZeroQuantity
	}
	if t.Price == nil || t.Price.IsZero() {
		return ErrZeroPrice
	}

	inst, err := e.catalog.Instrument(ctx, t.InstrumentID)
	if err != nil {
		return fmt.Errorf("instrument %d: %w", t.InstrumentID, err)
	}
	if inst.ContractSize == nil || !inst.ContractSize.Eq(fpmath.PriceScale()) {
		e.logger.Error().
			Uint64("instrument_id", inst.ID).
			Msg("instrument misconfigured: contract size must be 1e8")
		return fmt.Errorf("%w: instrument %d", ErrInvalidContractSize, inst.ID)
	}
	if inst.Expired(tx.now) {
		return fmt.Errorf("%w: instrument %d expired at %d", ErrInstrumentExpired, inst.ID, inst.Expiry)
	}
	if _, err := e.decimals(ctx, inst.SettlementAsset); err != nil {
		return err
	}

	qty, err := fpmath.Int64FromUint64(t.Quantity)
	if err != nil {
		return fmt.Errorf("quantity %d: %w", t.Quantity, err)
	}
	premium, err := fpmath.CheckedMul(uint256.NewInt(t.Quantity), t.Price)
	if err != nil {
		return fmt.Errorf("premium: %w", err)
	}

	if !inst.IsActive {
		if err := e.checkCloseOnly(t.Buyer, inst.ID, qty); err != nil {
			return err
		}
		if err := e.checkCloseOnly(t.Seller, inst.ID, -qty); err != nil {
			return err
		}
	}

	_, buyerPos, err := tx.applyDelta(t.Buyer, inst.ID, qty)
	if err != nil {
		return fmt.Errorf("buyer position: %w", err)
	}
	_, sellerPos, err := tx.applyDelta(t.Seller, inst.ID, -qty)
	if err != nil {
		return fmt.Errorf("seller position: %w", err)
	}

	e.bestEffortSync(ctx, t.Buyer, inst.SettlementAsset)
	e.bestEffortSync(ctx, t.Seller, inst.SettlementAsset)

	if err := tx.transfer(ctx, inst.SettlementAsset, t.Buyer, t.Seller, premium); err != nil {
		return fmt.Errorf("premium: %w", err)
	}

	if err := e.requireInitial(ctx, tx.now, t.Buyer); err != nil {
		return fmt.Errorf("buyer: %w", err)
	}
	if err := e.requireInitial(ctx, tx.now, t.Seller); err != nil {
		return fmt.Errorf("seller: %w", err)
	}

	tx.emit(&event.TradeApplied{
		Buyer:           t.Buyer,
		Seller:          t.Seller,
		Instrument:      inst.ID,
		Quantity:        t.Quantity,
		Price:           t.Price.Clone(),
		Premium:         premium,
		SettlementAsset: inst.SettlementAsset,
		BuyerPosition:   buyerPos,
		SellerPosition:  sellerPos,
		CloseOnly:       !inst.IsActive,
	})
	return nil
}

// checkCloseOnly rejects opening from zero, sign flips and magnitude growth.
func (e *Engine) checkCloseOnly(trader common.Address, instrumentID uint64, delta int64) error {
	prev := e.positions.Position(trader, instrumentID)
	next, err := fpmath.AddInt64(prev, delta)
	if err != nil {
		return fmt.Errorf("close-only check: %w", err)
	}
	switch {
	case prev == 0:
		return fmt.Errorf("%w: %s cannot open instrument %d", ErrCloseOnly, trader.Hex(), instrumentID)
	case (prev > 0 && next < 0) || (prev < 0 && next > 0):
		return fmt.Errorf("%w: %s cannot flip on instrument %d", ErrCloseOnly, trader.Hex(), instrumentID)
	case fpmath.AbsInt64(next) > fpmath.AbsInt64(prev):
		return fmt.Errorf("%w: %s cannot grow on instrument %d", ErrCloseOnly, trader.Hex(), instrumentID)
	}
	return nil
}
