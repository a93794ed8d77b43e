package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInvalidRiskParams = errors.New("invalid risk params")

// RiskParams is the triple shared with the external risk-parameter source.
type RiskParams struct {
	BaseAsset             common.Address
	BaseMaintenanceMargin *uint256.Int // base-asset native units per short contract
	IMFactorBps           uint64       // initial margin = MM * IMFactorBps / 10_000
}

// Equal compares two triples field by field.
func (p RiskParams) Equal(o RiskParams) bool {
	if p.BaseAsset != o.BaseAsset || p.IMFactorBps != o.IMFactorBps {
		return false
	}
	if p.BaseMaintenanceMargin == nil || o.BaseMaintenanceMargin == nil {
		return p.BaseMaintenanceMargin == o.BaseMaintenanceMargin
	}
	return p.BaseMaintenanceMargin.Eq(o.BaseMaintenanceMargin)
}

// Clone returns a deep copy.
func (p RiskParams) Clone() RiskParams {
	out := p
	if p.BaseMaintenanceMargin != nil {
		out.BaseMaintenanceMargin = p.BaseMaintenanceMargin.Clone()
	}
	return out
}

// Validate checks base asset nonzero, MM nonzero and IM factor >= 100%.
func (p RiskParams) Validate() error {
	if p.BaseAsset == (common.Address{}) {
		return fmt.Errorf("%w: base asset unset", ErrInvalidRiskParams)
	}
	if p.BaseMaintenanceMargin == nil || p.BaseMaintenanceMargin.IsZero() {
		return fmt.Errorf("%w: base maintenance margin must be > 0", ErrInvalidRiskParams)
	}
	if p.IMFactorBps < fpmath.BpsDenominator {
		return fmt.Errorf("%w: im factor %d bps below 100%%", ErrInvalidRiskParams, p.IMFactorBps)
	}
	return nil
}

// LiquidationParams are local to the engine and never read from the source.
type LiquidationParams struct {
	ThresholdBps       uint64 // margin ratio below which an account is liquidatable
	CloseFactorBps     uint64 // max share of aggregate shorts closeable per call
	MinImprovementBps  uint64
	SpreadBps          uint64 // markup over the liquidation price
	FloorBps           uint64 // floor as share of spot; 0 disables
	PenaltyBps         uint64
	MaxOracleStaleness time.Duration // 0 disables the age check
}

// DefaultLiquidationParams mirror a conservative venue setup.
var DefaultLiquidationParams = LiquidationParams{
	ThresholdBps:       10_000,
	CloseFactorBps:     5_000,
	MinImprovementBps:  0,
	SpreadBps:          0,
	FloorBps:           0,
	PenaltyBps:         500,
	MaxOracleStaleness: time.Hour,
}

// Validate range-checks the bps fields. A zero close factor is accepted here
// and rejected at liquidation time.
func (p LiquidationParams) Validate() error {
	if p.ThresholdBps == 0 {
		return fmt.Errorf("%w: threshold must be > 0", ErrInvalidRiskParams)
	}
	if p.CloseFactorBps > fpmath.BpsDenominator {
		return fmt.Errorf("%w: close factor %d bps above 100%%", ErrInvalidRiskParams, p.CloseFactorBps)
	}
	if p.PenaltyBps > fpmath.BpsDenominator {
		return fmt.Errorf("%w: penalty %d bps above 100%%", ErrInvalidRiskParams, p.PenaltyBps)
	}
	if p.FloorBps > fpmath.BpsDenominator {
		return fmt.Errorf("%w: floor %d bps above 100%%", ErrInvalidRiskParams, p.FloorBps)
	}
	if p.SpreadBps > fpmath.BpsDenominator {
		return fmt.Errorf("%w: spread %d bps above 100%%", ErrInvalidRiskParams, p.SpreadBps)
	}
	if p.MaxOracleStaleness < 0 {
		return fmt.Errorf("%w: negative staleness", ErrInvalidRiskParams)
	}
	return nil
}

// RiskConfig is the engine's cached view: the source triple at Version plus
// the local liquidation parameters.
type RiskConfig struct {
	Version     uint64
	Params      RiskParams
	Liquidation LiquidationParams
}

// RiskParameterSource is the single source of truth for RiskParams.
type RiskParameterSource interface {
	RiskParams(ctx context.Context) (RiskParams, uint64, error)
}

// RiskParamsManager is the in-memory versioned RiskParameterSource.
type RiskParamsManager struct {
	mu      sync.RWMutex
	params  RiskParams
	version uint64
}

func NewRiskParamsManager(initial RiskParams) (*RiskParamsManager, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RiskParamsManager{params: initial.Clone(), version: 1}, nil
}

func (rpm *RiskParamsManager) RiskParams(_ context.Context) (RiskParams, uint64, error) {
	rpm.mu.RLock()
	defer rpm.mu.RUnlock()
	return rpm.params.Clone(), rpm.version, nil
}

// UpdateRiskParams installs new params and bumps the version. Engines caching
// the previous triple fail closed until they resync.
func (rpm *RiskParamsManager) UpdateRiskParams(params RiskParams) (uint64, error) {
	if err := params.Validate(); err != nil {
		return 0, err
	}
	rpm.mu.Lock()
	defer rpm.mu.Unlock()
	rpm.params = params.Clone()
	rpm.version++
	return rpm.version, nil
}

// Restore reinstalls a previously synced triple after a restart, so the
// source resumes at the version the recovered engine caches. Older versions
// are ignored.
func (rpm *RiskParamsManager) Restore(params RiskParams, version uint64) error {
	if err := params.Validate(); err != nil {
		return err
	}
	rpm.mu.Lock()
	defer rpm.mu.Unlock()
	if version <= rpm.version {
		return nil
	}
	rpm.params = params.Clone()
	rpm.version = version
	return nil
}
