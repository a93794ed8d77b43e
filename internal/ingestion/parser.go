package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"OptionsLedger/internal/intake"
	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownCommand   = errors.New("unknown command kind")
	ErrMalformedCommand = errors.New("malformed command")
	ErrMissingKey       = errors.New("idempotency_key is required")
)

// CommandKind names an inbound command. Each NATS subject maps to one kind.
type CommandKind string

const (
	KindSubmitOrder         CommandKind = "SubmitOrder"
	KindSubmitBatch         CommandKind = "SubmitBatch"
	KindCancelNonce         CommandKind = "CancelNonce"
	KindLiquidate           CommandKind = "Liquidate"
	KindSettle              CommandKind = "Settle"
	KindDeposit             CommandKind = "Deposit"
	KindWithdraw            CommandKind = "Withdraw"
	KindPriceUpdate         CommandKind = "PriceUpdate"
	KindInstrumentListed    CommandKind = "InstrumentListed"
	KindInstrumentStatus    CommandKind = "InstrumentStatus"
	KindInstrumentFinalized CommandKind = "InstrumentFinalized"
)

// Command is a parsed, validated inbound command.
type Command interface {
	Kind() CommandKind
	// Key is the upstream idempotency key; empty for commands that are
	// naturally idempotent.
	Key() string
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts and prices
// are decimal or 0x-hex strings.

type header struct {
	IdempotencyKey string `json:"idempotency_key"`
}

func (h header) Key() string { return h.IdempotencyKey }

func (header) requiresKey() {}

type SubmitOrder struct {
	header
	Order intake.SignedOrder `json:"order"`
}

type SubmitBatch struct {
	header
	Orders []intake.SignedOrder `json:"orders"`
}

type CancelNonce struct {
	header
	Cancel intake.SignedCancel `json:"cancel"`
}

// Liquidate carries a liquidator-signed request. The liquidator takes on
// short exposure, so the command is only honoured with its signature.
type Liquidate struct {
	header
	Liquidation intake.SignedLiquidation `json:"liquidation"`
}

type Settle struct {
	header
	InstrumentID uint64           `json:"instrument_id"`
	Traders      []common.Address `json:"traders"`
}

// Collateral is a deposit or withdrawal.
type Collateral struct {
	header
	kind   CommandKind
	Trader common.Address `json:"trader"`
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

type PriceUpdate struct {
	Base      common.Address `json:"base"`
	Quote     common.Address `json:"quote"`
	Price     *uint256.Int   `json:"price"`
	UpdatedAt int64          `json:"updated_at"`
}

// Market data commands carry no key: replaying them is harmless, and they
// are replayed from the stream on every boot.

type InstrumentListed struct {
	ID              uint64         `json:"id"`
	Underlying      common.Address `json:"underlying"`
	SettlementAsset common.Address `json:"settlement_asset"`
	Strike          *uint256.Int   `json:"strike"`
	Expiry          int64          `json:"expiry"`
	IsCall          bool           `json:"is_call"`
	ContractSize    *uint256.Int   `json:"contract_size,omitempty"`
}

type InstrumentStatus struct {
	InstrumentID uint64 `json:"instrument_id"`
	Active       bool   `json:"active"`
}

type InstrumentFinalized struct {
	InstrumentID uint64       `json:"instrument_id"`
	Price        *uint256.Int `json:"price"`
}

func (SubmitOrder) Kind() CommandKind         { return KindSubmitOrder }
func (SubmitBatch) Kind() CommandKind         { return KindSubmitBatch }
func (CancelNonce) Kind() CommandKind         { return KindCancelNonce }
func (Liquidate) Kind() CommandKind           { return KindLiquidate }
func (Settle) Kind() CommandKind              { return KindSettle }
func (c Collateral) Kind() CommandKind        { return c.kind }
func (PriceUpdate) Kind() CommandKind         { return KindPriceUpdate }
func (PriceUpdate) Key() string               { return "" }
func (InstrumentListed) Kind() CommandKind    { return KindInstrumentListed }
func (InstrumentListed) Key() string          { return "" }
func (InstrumentStatus) Kind() CommandKind    { return KindInstrumentStatus }
func (InstrumentStatus) Key() string          { return "" }
func (InstrumentFinalized) Kind() CommandKind { return KindInstrumentFinalized }
func (InstrumentFinalized) Key() string       { return "" }

// ParseCommand decodes and validates the payload of kind. Validation covers
// shape only; business rules are enforced by the engine.
func ParseCommand(kind CommandKind, data []byte) (Command, error) {
	switch kind {
	case KindSubmitOrder:
		var c SubmitOrder
		return decode(data, &c, func() error { return checkOrder(c.Order) })
	case KindSubmitBatch:
		var c SubmitBatch
		return decode(data, &c, func() error {
			if len(c.Orders) == 0 {
				return errors.New("orders is empty")
			}
			for i, o := range c.Orders {
				if err := checkOrder(o); err != nil {
					return fmt.Errorf("orders[%d]: %w", i, err)
				}
			}
			return nil
		})
	case KindCancelNonce:
		var c CancelNonce
		return decode(data, &c, func() error {
			if c.Cancel.Trader == (common.Address{}) {
				return errors.New("cancel.trader is required")
			}
			if len(c.Cancel.Signature) == 0 {
				return errors.New("cancel.signature is required")
			}
			return nil
		})
	case KindLiquidate:
		var c Liquidate
		return decode(data, &c, func() error {
			t := c.Liquidation.Terms
			if t.Liquidator == (common.Address{}) || t.Trader == (common.Address{}) {
				return errors.New("liquidation.terms liquidator and trader are required")
			}
			if len(t.InstrumentIDs) == 0 {
				return errors.New("liquidation.terms.instrument_ids is empty")
			}
			if len(c.Liquidation.Signature) == 0 {
				return errors.New("liquidation.signature is required")
			}
			return nil
		})
	case KindSettle:
		var c Settle
		return decode(data, &c, func() error {
			if len(c.Traders) == 0 {
				return errors.New("traders is empty")
			}
			return nil
		})
	case KindDeposit, KindWithdraw:
		c := Collateral{kind: kind}
		return decode(data, &c, func() error {
			if c.Trader == (common.Address{}) || c.Asset == (common.Address{}) {
				return errors.New("trader and asset are required")
			}
			return requirePositive("amount", c.Amount)
		})
	case KindPriceUpdate:
		var c PriceUpdate
		return decode(data, &c, func() error {
			if c.Base == (common.Address{}) || c.Quote == (common.Address{}) {
				return errors.New("base and quote are required")
			}
			if c.UpdatedAt <= 0 {
				return errors.New("updated_at is required")
			}
			return requirePositive("price", c.Price)
		})
	case KindInstrumentListed:
		var c InstrumentListed
		return decode(data, &c, func() error {
			if c.Underlying == (common.Address{}) || c.SettlementAsset == (common.Address{}) {
				return errors.New("underlying and settlement_asset are required")
			}
			if c.ContractSize == nil {
				c.ContractSize = fpmath.PriceScale()
			}
			if c.Expiry <= 0 {
				return errors.New("expiry is required")
			}
			return requirePositive("strike", c.Strike)
		})
	case KindInstrumentStatus:
		var c InstrumentStatus
		return decode(data, &c, nil)
	case KindInstrumentFinalized:
		var c InstrumentFinalized
		return decode(data, &c, func() error { return requirePositive("price", c.Price) })
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, kind)
	}
}

func decode[T Command](data []byte, c *T, check func() error) (Command, error) {
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if _, ok := any(c).(interface{ requiresKey() }); ok && (*c).Key() == "" {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedCommand, (*c).Kind(), ErrMissingKey)
	}
	if check != nil {
		if err := check(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, (*c).Kind(), err)
		}
	}
	return *c, nil
}

func checkOrder(o intake.SignedOrder) error {
	if o.Terms.Buyer == (common.Address{}) || o.Terms.Seller == (common.Address{}) {
		return errors.New("buyer and seller are required")
	}
	if len(o.BuyerSig) == 0 || len(o.SellerSig) == 0 {
		return errors.New("both signatures are required")
	}
	return requirePositive("price", o.Terms.Price)
}

func requirePositive(field string, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}
