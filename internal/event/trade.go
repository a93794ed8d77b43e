package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TradeApplied records a matched trade applied to both positions.
type TradeApplied struct {
	Buyer           common.Address `json:"buyer"`
	Seller          common.Address `json:"seller"`
	Instrument      uint64         `json:"instrument_id"`
	Quantity        uint64         `json:"quantity"`
	Price           *uint256.Int   `json:"price"`   // settlement-asset native units per contract
	Premium         *uint256.Int   `json:"premium"` // quantity * price, buyer -> seller
	SettlementAsset common.Address `json:"settlement_asset"`
	BuyerPosition   int64          `json:"buyer_position"`
	SellerPosition  int64          `json:"seller_position"`
	CloseOnly       bool           `json:"close_only"`
}

func (t *TradeApplied) EventType() EventType {
	return EventTypeTradeApplied
}

func (t *TradeApplied) InstrumentID() *uint64 {
	return instrumentRef(t.Instrument)
}
