package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RiskParamsSynced records an explicit resync of the cached risk triple.
type RiskParamsSynced struct {
	Version               uint64         `json:"version"`
	BaseAsset             common.Address `json:"base_asset"`
	BaseMaintenanceMargin *uint256.Int   `json:"base_maintenance_margin"`
	IMFactorBps           uint64         `json:"im_factor_bps"`
}

func (r *RiskParamsSynced) EventType() EventType {
	return EventTypeRiskParamsSynced
}

func (r *RiskParamsSynced) InstrumentID() *uint64 {
	return nil
}

// LiquidationParamsSet records a change of the engine-local liquidation
// parameters.
type LiquidationParamsSet struct {
	ThresholdBps       uint64 `json:"threshold_bps"`
	CloseFactorBps     uint64 `json:"close_factor_bps"`
	MinImprovementBps  uint64 `json:"min_improvement_bps"`
	SpreadBps          uint64 `json:"spread_bps"`
	FloorBps           uint64 `json:"floor_bps"`
	PenaltyBps         uint64 `json:"penalty_bps"`
	MaxOracleStaleness int64  `json:"max_oracle_staleness_seconds"`
}

func (l *LiquidationParamsSet) EventType() EventType {
	return EventTypeLiquidationParamsSet
}

func (l *LiquidationParamsSet) InstrumentID() *uint64 {
	return nil
}

// AdminUpdated records a pause toggle or matcher rotation.
type AdminUpdated struct {
	Paused  bool           `json:"paused"`
	Matcher common.Address `json:"matcher"`
}

func (a *AdminUpdated) EventType() EventType {
	return EventTypeAdminUpdated
}

func (a *AdminUpdated) InstrumentID() *uint64 {
	return nil
}
