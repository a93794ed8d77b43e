package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CollateralDirection distinguishes deposits from withdrawals.
type CollateralDirection string

const (
	CollateralDeposit    CollateralDirection = "deposit"
	CollateralWithdrawal CollateralDirection = "withdrawal"
)

// CollateralMoved records an on-behalf deposit or withdrawal.
type CollateralMoved struct {
	Trader    common.Address      `json:"trader"`
	Asset     common.Address      `json:"asset"`
	Amount    *uint256.Int        `json:"amount"`
	Direction CollateralDirection `json:"direction"`
}

func (c *CollateralMoved) EventType() EventType {
	return EventTypeCollateralMoved
}

func (c *CollateralMoved) InstrumentID() *uint64 {
	return nil
}

// NonceReason says what consumed a nonce.
type NonceReason string

const (
	NonceReasonOrder       NonceReason = "order"
	NonceReasonCancel      NonceReason = "cancel"
	NonceReasonLiquidation NonceReason = "liquidation"
)

// NonceAdvanced records a signed-order nonce moving forward.
type NonceAdvanced struct {
	Trader   common.Address `json:"trader"`
	Previous uint64         `json:"previous"`
	Next     uint64         `json:"next"`
	Reason   NonceReason    `json:"reason"`
}

func (n *NonceAdvanced) EventType() EventType {
	return EventTypeNonceAdvanced
}

func (n *NonceAdvanced) InstrumentID() *uint64 {
	return nil
}
