package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LiquidationFill is one executed candidate.
type LiquidationFill struct {
	InstrumentID uint64       `json:"instrument_id"`
	Quantity     uint64       `json:"quantity"`
	Price        *uint256.Int `json:"price"` // settlement-asset native units per contract
}

// AssetAmount pairs an asset with an amount in its native units.
type AssetAmount struct {
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

// AccountLiquidated records a committed liquidation call.
type AccountLiquidated struct {
	Trader         common.Address    `json:"trader"`
	Liquidator     common.Address    `json:"liquidator"`
	Fills          []LiquidationFill `json:"fills"`
	Required       []AssetAmount     `json:"required"`
	Paid           []AssetAmount     `json:"paid"`
	Penalty        *uint256.Int      `json:"penalty"` // base-asset native units
	PenaltySeized  []AssetAmount     `json:"penalty_seized"`
	PenaltyForgone *uint256.Int      `json:"penalty_forgone"`
	PreRatioBps    *uint256.Int      `json:"pre_ratio_bps"`
	PostRatioBps   *uint256.Int      `json:"post_ratio_bps"`
}

func (l *AccountLiquidated) EventType() EventType {
	return EventTypeAccountLiquidated
}

func (l *AccountLiquidated) InstrumentID() *uint64 {
	return nil
}
