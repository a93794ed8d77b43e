package core

import (
	"context"
	"fmt"

	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotState is the engine's full in-memory state at a committed sequence.
type SnapshotState struct {
	Sequence    int64                             `json:"sequence"` // last committed sequence
	StateHash   [32]byte                          `json:"state_hash"`
	Positions   []state.Position                  `json:"positions"`
	Nonces      map[common.Address]uint64         `json:"nonces"`
	Settled     []state.SettledRecord             `json:"settled"`
	Totals      map[uint64]state.SettlementTotals `json:"settlement_totals"`
	Risk        state.RiskConfig                  `json:"risk"`
	Paused      bool                              `json:"paused"`
	Matcher     common.Address                    `json:"matcher"`
	Idempotency []string                          `json:"idempotency_keys,omitempty"`
}

// CreateSnapshotState captures the current state. Safe to call concurrently
// with operations; it waits for the in-flight one to finish.
func (e *Engine) CreateSnapshotState(ctx context.Context) *SnapshotState {
	defer e.view(ctx)()

	settled, totals := e.settlements.Export()
	risk := e.risk
	risk.Params = e.risk.Params.Clone()

	return &SnapshotState{
		Sequence:  e.sequence - 1,
		StateHash: e.hasher.GetPrevHash(),
		Positions: e.positions.Positions(),
		Nonces:    e.nonces.Export(),
		Settled:   settled,
		Totals:    totals,
		Risk:      risk,
		Paused:    e.paused,
		Matcher:   e.matcher,
	}
}

// RestoreFromSnapshot replaces in-memory state. The cached risk config is
// restored as captured; a source that moved since requires SyncRiskParams.
func (e *Engine) RestoreFromSnapshot(ctx context.Context, snap *SnapshotState) error {
	_, release, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	positions := state.NewPositionManager()
	if err := positions.Load(snap.Positions); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	if err := positions.CheckInvariants(); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	if err := snap.Risk.Liquidation.Validate(); err != nil {
		return fmt.Errorf("restore liquidation params: %w", err)
	}
	if err := snap.Risk.Params.Validate(); err != nil {
		return fmt.Errorf("restore risk params: %w", err)
	}

	e.positions = positions
	e.nonces.Load(snap.Nonces)
	e.settlements.Load(snap.Settled, snap.Totals)
	e.risk = snap.Risk
	e.risk.Params = snap.Risk.Params.Clone()
	e.paused = snap.Paused
	e.matcher = snap.Matcher
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)

	e.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("positions", len(snap.Positions)).
		Msg("engine restored from snapshot")
	return nil
}
