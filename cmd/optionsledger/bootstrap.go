package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/ledger"
	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Bootstrap is the genesis configuration of a venue: the custodied assets,
// their opening balances, the operator accounts and the initial risk setup.
// Instruments and prices are not part of it; they arrive on the market stream.
type Bootstrap struct {
	Matcher          common.Address   `json:"matcher"`
	Backstop         common.Address   `json:"backstop"`
	CollateralAssets []common.Address `json:"collateral_assets"`
	OnBehalf         bool             `json:"on_behalf"`

	Assets  []BootstrapAsset   `json:"assets"`
	Funding []BootstrapBalance `json:"funding"`

	Risk        BootstrapRisk         `json:"risk_params"`
	Liquidation *BootstrapLiquidation `json:"liquidation,omitempty"`
}

type BootstrapAsset struct {
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

type BootstrapBalance struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  *uint256.Int   `json:"amount"`
}

type BootstrapRisk struct {
	BaseAsset             common.Address `json:"base_asset"`
	BaseMaintenanceMargin *uint256.Int   `json:"base_maintenance_margin"`
	IMFactorBps           uint64         `json:"im_factor_bps"`
}

type BootstrapLiquidation struct {
	ThresholdBps       uint64 `json:"threshold_bps"`
	CloseFactorBps     uint64 `json:"close_factor_bps"`
	MinImprovementBps  uint64 `json:"min_improvement_bps"`
	SpreadBps          uint64 `json:"spread_bps"`
	FloorBps           uint64 `json:"floor_bps"`
	PenaltyBps         uint64 `json:"penalty_bps"`
	MaxOracleStaleness int64  `json:"max_oracle_staleness_seconds"`
}

// LoadBootstrap reads and validates a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap: %w", err)
	}
	var b Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bootstrap %s: %w", path, err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", path, err)
	}
	return &b, nil
}

func (b *Bootstrap) Validate() error {
	if b.Matcher == (common.Address{}) || b.Backstop == (common.Address{}) {
		return errors.New("matcher and backstop are required")
	}
	if len(b.Assets) == 0 {
		return errors.New("at least one asset is required")
	}
	known := make(map[common.Address]bool, len(b.Assets))
	for _, a := range b.Assets {
		known[a.Address] = true
	}
	if !known[b.Risk.BaseAsset] {
		return fmt.Errorf("base asset %s is not a listed asset", b.Risk.BaseAsset.Hex())
	}
	for _, asset := range b.CollateralAssets {
		if !known[asset] {
			return fmt.Errorf("collateral asset %s is not a listed asset", asset.Hex())
		}
	}
	for _, f := range b.Funding {
		if !known[f.Asset] {
			return fmt.Errorf("funding asset %s is not a listed asset", f.Asset.Hex())
		}
		if f.Amount == nil || f.Amount.IsZero() {
			return fmt.Errorf("funding of %s: %w", f.Account.Hex(), core.ErrZeroAmount)
		}
	}
	if err := b.RiskParams().Validate(); err != nil {
		return err
	}
	return b.LiquidationParams().Validate()
}

func (b *Bootstrap) RiskParams() state.RiskParams {
	return state.RiskParams{
		BaseAsset:             b.Risk.BaseAsset,
		BaseMaintenanceMargin: b.Risk.BaseMaintenanceMargin,
		IMFactorBps:           b.Risk.IMFactorBps,
	}
}

// LiquidationParams returns the configured parameters, or the defaults when
// the file has none.
func (b *Bootstrap) LiquidationParams() state.LiquidationParams {
	if b.Liquidation == nil {
		return state.DefaultLiquidationParams
	}
	l := b.Liquidation
	return state.LiquidationParams{
		ThresholdBps:       l.ThresholdBps,
		CloseFactorBps:     l.CloseFactorBps,
		MinImprovementBps:  l.MinImprovementBps,
		SpreadBps:          l.SpreadBps,
		FloorBps:           l.FloorBps,
		PenaltyBps:         l.PenaltyBps,
		MaxOracleStaleness: time.Duration(l.MaxOracleStaleness) * time.Second,
	}
}

func (b *Bootstrap) EngineConfig() core.Config {
	return core.Config{
		Matcher:          b.Matcher,
		Backstop:         b.Backstop,
		CollateralAssets: b.CollateralAssets,
		Liquidation:      b.LiquidationParams(),
	}
}

// NewCustodian registers the assets and applies the genesis funding.
func (b *Bootstrap) NewCustodian() (*ledger.Custodian, error) {
	cust := ledger.NewCustodian(b.OnBehalf)
	for _, a := range b.Assets {
		cust.RegisterAsset(a.Address, a.Decimals)
	}
	for _, f := range b.Funding {
		if err := cust.Fund(f.Account, f.Asset, f.Amount); err != nil {
			return nil, fmt.Errorf("fund %s: %w", f.Account.Hex(), err)
		}
	}
	return cust, nil
}

// AssetAddresses lists every custodied asset in file order.
func (b *Bootstrap) AssetAddresses() []common.Address {
	out := make([]common.Address, 0, len(b.Assets))
	for _, a := range b.Assets {
		out = append(out, a.Address)
	}
	return out
}
