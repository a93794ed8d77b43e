package ledger

import (
	"fmt"

	"OptionsLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ApplyEvent re-applies the custody movements recorded by a committed ledger
// event. Replaying the full event log on top of the genesis funding rebuilds
// every custodied balance. Events that move no custody are ignored.
func (c *Custodian) ApplyEvent(evt event.Event, backstop common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := evt.(type) {
	case *event.CollateralMoved:
		gen := c.gen.GenerateDeposit
		if ev.Direction == event.CollateralWithdrawal {
			gen = c.gen.GenerateWithdrawal
		}
		return c.replayBatch(ev.Asset, ev.Amount, func() *Batch { return gen(ev.Trader, ev.Asset, ev.Amount) })

	case *event.TradeApplied:
		return c.replayTransfer(ev.SettlementAsset, ev.Buyer, ev.Seller, ev.Premium)

	case *event.PositionSettled:
		if err := c.replayTransfer(ev.SettlementAsset, backstop, ev.Trader, ev.Paid); err != nil {
			return err
		}
		return c.replayTransfer(ev.SettlementAsset, ev.Trader, backstop, ev.Collected)

	case *event.AccountLiquidated:
		for _, p := range ev.Paid {
			if err := c.replayTransfer(p.Asset, ev.Trader, ev.Liquidator, p.Amount); err != nil {
				return err
			}
		}
		for _, p := range ev.PenaltySeized {
			if err := c.replayTransfer(p.Asset, ev.Trader, backstop, p.Amount); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Custodian) replayTransfer(asset, from, to common.Address, amount *uint256.Int) error {
	if from == to {
		return nil
	}
	return c.replayBatch(asset, amount, func() *Batch { return c.gen.GenerateTransfer(from, to, asset, amount) })
}

func (c *Custodian) replayBatch(asset common.Address, amount *uint256.Int, batch func() *Batch) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if err := c.requireSupported(asset); err != nil {
		return err
	}
	if err := c.apply(batch()); err != nil {
		return fmt.Errorf("replay %s: %w", asset.Hex(), err)
	}
	return nil
}
