package event

import (
	"context"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTradeApplied
	EventTypePositionSettled
	EventTypeAccountLiquidated
	EventTypeNonceAdvanced
	EventTypeRiskParamsSynced
	EventTypeLiquidationParamsSet
	EventTypeCollateralMoved
	EventTypeAdminUpdated
)

// EventEnvelope wraps every committed event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Upstream command key; empty for calls made without one
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Instrument context (nil for account-wide events)
	InstrumentID *uint64

	// Ledger clock at commit
	Timestamp time.Time

	// JSON-encoded event
	Payload []byte

	// SHA-256 chain: hash(prev_hash || sequence || payload)
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// InstrumentID returns the instrument context (nil for account-wide events)
	InstrumentID() *uint64
}

func (et EventType) String() string {
	switch et {
	case EventTypeTradeApplied:
		return "TradeApplied"
	case EventTypePositionSettled:
		return "PositionSettled"
	case EventTypeAccountLiquidated:
		return "AccountLiquidated"
	case EventTypeNonceAdvanced:
		return "NonceAdvanced"
	case EventTypeRiskParamsSynced:
		return "RiskParamsSynced"
	case EventTypeLiquidationParamsSet:
		return "LiquidationParamsSet"
	case EventTypeCollateralMoved:
		return "CollateralMoved"
	case EventTypeAdminUpdated:
		return "AdminUpdated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeTradeApplied; et <= EventTypeAdminUpdated; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches the upstream command key to ctx so committed
// envelopes carry it.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom returns the key set by WithIdempotencyKey, if any.
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

func instrumentRef(id uint64) *uint64 {
	return &id
}
