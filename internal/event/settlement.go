package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionSettled records one (instrument, trader) settlement. A zero
// Quantity is the no-op settlement of a flat pair.
type PositionSettled struct {
	Instrument      uint64         `json:"instrument_id"`
	Trader          common.Address `json:"trader"`
	Quantity        int64          `json:"quantity"`
	SettlementPrice *uint256.Int   `json:"settlement_price"`
	SettlementAsset common.Address `json:"settlement_asset"`
	Paid            *uint256.Int   `json:"paid"`      // backstop -> long
	Collected       *uint256.Int   `json:"collected"` // short -> backstop
	BadDebt         *uint256.Int   `json:"bad_debt"`
}

func (s *PositionSettled) EventType() EventType {
	return EventTypePositionSettled
}

func (s *PositionSettled) InstrumentID() *uint64 {
	return instrumentRef(s.Instrument)
}
