package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"OptionsLedger/internal/event"
	fpmath "OptionsLedger/internal/math"
	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var ErrReplayDiverged = errors.New("replayed event does not match ledger state")

// Replay re-applies committed envelopes on top of the current state, which
// is genesis or a restored snapshot. Only ledger-local state moves; custodian
// balances are the custodian's own record. The chain must link onto the
// current tip. On error the engine is left partially replayed and must be
// discarded.
func (e *Engine) Replay(ctx context.Context, envelopes []*event.EventEnvelope) (int, error) {
	_, release, err := e.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := VerifyChain(e.hasher.GetPrevHash(), envelopes); err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}

	for i, env := range envelopes {
		if env.Sequence != e.sequence {
			return i, fmt.Errorf("replay: expected sequence %d, got %d", e.sequence, env.Sequence)
		}
		evt, err := event.Decode(env.EventType, env.Payload)
		if err != nil {
			return i, fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
		if err := e.replayOne(evt); err != nil {
			return i, fmt.Errorf("replay sequence %d (%s): %w", env.Sequence, env.EventType, err)
		}
		e.sequence++
		e.hasher.SetPrevHash(env.StateHash)
	}

	if len(envelopes) > 0 {
		e.logger.Info().
			Int("events", len(envelopes)).
			Int64("last_sequence", e.sequence-1).
			Msg("event log replayed")
	}
	return len(envelopes), nil
}

func (e *Engine) replayOne(evt event.Event) error {
	switch ev := evt.(type) {
	case *event.TradeApplied:
		qty, err := fpmath.Int64FromUint64(ev.Quantity)
		if err != nil {
			return err
		}
		if err := e.replayDelta(ev.Buyer, ev.Instrument, qty, ev.BuyerPosition); err != nil {
			return err
		}
		return e.replayDelta(ev.Seller, ev.Instrument, -qty, ev.SellerPosition)

	case *event.PositionSettled:
		e.settlements.MarkSettled(ev.Instrument, ev.Trader)
		if ev.Quantity == 0 {
			return nil
		}
		if err := e.replayDelta(ev.Trader, ev.Instrument, -ev.Quantity, 0); err != nil {
			return err
		}
		totals := e.settlements.Totals(ev.Instrument)
		var err error
		if ev.Paid != nil {
			if totals.Paid, err = fpmath.CheckedAdd(totals.Paid, ev.Paid); err != nil {
				return err
			}
		}
		if ev.Collected != nil {
			if totals.Collected, err = fpmath.CheckedAdd(totals.Collected, ev.Collected); err != nil {
				return err
			}
		}
		if ev.BadDebt != nil {
			if totals.BadDebt, err = fpmath.CheckedAdd(totals.BadDebt, ev.BadDebt); err != nil {
				return err
			}
		}
		e.settlements.SetTotals(ev.Instrument, totals)
		return nil

	case *event.AccountLiquidated:
		for _, fill := range ev.Fills {
			qty, err := fpmath.Int64FromUint64(fill.Quantity)
			if err != nil {
				return err
			}
			if _, _, err := e.positions.ApplyDelta(ev.Trader, fill.InstrumentID, qty); err != nil {
				return err
			}
			if _, _, err := e.positions.ApplyDelta(ev.Liquidator, fill.InstrumentID, -qty); err != nil {
				return err
			}
		}
		return nil

	case *event.NonceAdvanced:
		if cur := e.nonces.Get(ev.Trader); cur != ev.Previous {
			return fmt.Errorf("%w: nonce of %s is %d, event expects %d", ErrReplayDiverged, ev.Trader.Hex(), cur, ev.Previous)
		}
		e.nonces.Set(ev.Trader, ev.Next)
		return nil

	case *event.RiskParamsSynced:
		e.risk.Version = ev.Version
		e.risk.Params = state.RiskParams{
			BaseAsset:             ev.BaseAsset,
			BaseMaintenanceMargin: ev.BaseMaintenanceMargin.Clone(),
			IMFactorBps:           ev.IMFactorBps,
		}
		return nil

	case *event.LiquidationParamsSet:
		e.risk.Liquidation = state.LiquidationParams{
			ThresholdBps:       ev.ThresholdBps,
			CloseFactorBps:     ev.CloseFactorBps,
			MinImprovementBps:  ev.MinImprovementBps,
			SpreadBps:          ev.SpreadBps,
			FloorBps:           ev.FloorBps,
			PenaltyBps:         ev.PenaltyBps,
			MaxOracleStaleness: time.Duration(ev.MaxOracleStaleness) * time.Second,
		}
		return nil

	case *event.AdminUpdated:
		e.paused = ev.Paused
		e.matcher = ev.Matcher
		return nil

	case *event.CollateralMoved:
		// custodian-side only
		return nil
	}
	return fmt.Errorf("%w: %T", event.ErrUnknownEventType, evt)
}

func (e *Engine) replayDelta(trader common.Address, instrumentID uint64, delta, want int64) error {
	_, next, err := e.positions.ApplyDelta(trader, instrumentID, delta)
	if err != nil {
		return err
	}
	if next != want {
		return fmt.Errorf("%w: %s on %d is %d, event expects %d", ErrReplayDiverged, trader.Hex(), instrumentID, next, want)
	}
	return nil
}
