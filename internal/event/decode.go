package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEventType = errors.New("unknown event type")

// New returns an empty payload value for t.
func New(t EventType) (Event, error) {
	switch t {
	case EventTypeTradeApplied:
		return &TradeApplied{}, nil
	case EventTypePositionSettled:
		return &PositionSettled{}, nil
	case EventTypeAccountLiquidated:
		return &AccountLiquidated{}, nil
	case EventTypeNonceAdvanced:
		return &NonceAdvanced{}, nil
	case EventTypeRiskParamsSynced:
		return &RiskParamsSynced{}, nil
	case EventTypeLiquidationParamsSet:
		return &LiquidationParamsSet{}, nil
	case EventTypeCollateralMoved:
		return &CollateralMoved{}, nil
	case EventTypeAdminUpdated:
		return &AdminUpdated{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownEventType, t)
}

// Decode unmarshals a stored JSON payload of type t.
func Decode(t EventType, payload []byte) (Event, error) {
	evt, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return evt, nil
}
