package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const bootstrapJSON = `{
	"matcher": "0x00000000000000000000000000000000000000f1",
	"backstop": "0x00000000000000000000000000000000000000f2",
	"collateral_assets": ["0x00000000000000000000000000000000000000a2"],
	"on_behalf": true,
	"assets": [
		{"address": "0x00000000000000000000000000000000000000a1", "decimals": 6},
		{"address": "0x00000000000000000000000000000000000000a2", "decimals": 18}
	],
	"funding": [
		{"account": "0x00000000000000000000000000000000000000f2", "asset": "0x00000000000000000000000000000000000000a1", "amount": "1000000000000"}
	],
	"risk_params": {
		"base_asset": "0x00000000000000000000000000000000000000a1",
		"base_maintenance_margin": "50000000",
		"im_factor_bps": 12000
	},
	"liquidation": {
		"threshold_bps": 10000,
		"close_factor_bps": 5000,
		"penalty_bps": 300,
		"max_oracle_staleness_seconds": 120
	}
}`

func writeBootstrap(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bootstrap.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadBootstrap(t *testing.T) {
	b, err := LoadBootstrap(writeBootstrap(t, bootstrapJSON))
	require.NoError(t, err)

	usdc := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	backstop := common.HexToAddress("0x00000000000000000000000000000000000000f2")

	lp := b.LiquidationParams()
	require.Equal(t, uint64(300), lp.PenaltyBps)
	require.Equal(t, 2*time.Minute, lp.MaxOracleStaleness)
	require.Len(t, b.AssetAddresses(), 2)

	cust, err := b.NewCustodian()
	require.NoError(t, err)
	bal, err := cust.BalanceOf(t.Context(), backstop, usdc)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000_000), bal.Uint64())

	cfg := b.EngineConfig()
	require.Equal(t, backstop, cfg.Backstop)
	require.Equal(t, lp, cfg.Liquidation)
}

func TestLoadBootstrap_DefaultsLiquidation(t *testing.T) {
	body := `{
		"matcher": "0x00000000000000000000000000000000000000f1",
		"backstop": "0x00000000000000000000000000000000000000f2",
		"assets": [{"address": "0x00000000000000000000000000000000000000a1", "decimals": 6}],
		"risk_params": {
			"base_asset": "0x00000000000000000000000000000000000000a1",
			"base_maintenance_margin": "50000000",
			"im_factor_bps": 10000
		}
	}`
	b, err := LoadBootstrap(writeBootstrap(t, body))
	require.NoError(t, err)
	require.Equal(t, state.DefaultLiquidationParams, b.LiquidationParams())
}

func TestLoadBootstrap_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no backstop", `{"matcher":"0x00000000000000000000000000000000000000f1","assets":[{"address":"0x00000000000000000000000000000000000000a1","decimals":6}]}`},
		{"base asset not listed", `{
			"matcher":"0x00000000000000000000000000000000000000f1",
			"backstop":"0x00000000000000000000000000000000000000f2",
			"assets":[{"address":"0x00000000000000000000000000000000000000a1","decimals":6}],
			"risk_params":{"base_asset":"0x00000000000000000000000000000000000000a9","base_maintenance_margin":"1","im_factor_bps":10000}}`},
		{"im factor below 100%", `{
			"matcher":"0x00000000000000000000000000000000000000f1",
			"backstop":"0x00000000000000000000000000000000000000f2",
			"assets":[{"address":"0x00000000000000000000000000000000000000a1","decimals":6}],
			"risk_params":{"base_asset":"0x00000000000000000000000000000000000000a1","base_maintenance_margin":"1","im_factor_bps":9000}}`},
		{"zero funding", `{
			"matcher":"0x00000000000000000000000000000000000000f1",
			"backstop":"0x00000000000000000000000000000000000000f2",
			"assets":[{"address":"0x00000000000000000000000000000000000000a1","decimals":6}],
			"funding":[{"account":"0x00000000000000000000000000000000000000b1","asset":"0x00000000000000000000000000000000000000a1","amount":"0"}],
			"risk_params":{"base_asset":"0x00000000000000000000000000000000000000a1","base_maintenance_margin":"1","im_factor_bps":10000}}`},
		{"not json", `matcher: 0x1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBootstrap(writeBootstrap(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("OPTL_TEST_INT", "12")
	t.Setenv("OPTL_TEST_BAD_INT", "twelve")
	t.Setenv("OPTL_TEST_DURATION", "250ms")

	require.Equal(t, 12, envIntOrDefault("OPTL_TEST_INT", 1))
	require.Equal(t, 1, envIntOrDefault("OPTL_TEST_BAD_INT", 1))
	require.Equal(t, 250*time.Millisecond, envDurationOrDefault("OPTL_TEST_DURATION", time.Second))
	require.Equal(t, "fallback", envOrDefault("OPTL_TEST_UNSET", "fallback"))
}

func TestDefaultConfig_RejectsBadChainID(t *testing.T) {
	t.Setenv("OPTL_CHAIN_ID", "-5")
	_, err := DefaultConfig()
	require.Error(t, err)

	t.Setenv("OPTL_CHAIN_ID", "10")
	t.Setenv("OPTL_VERIFIER", "0x00000000000000000000000000000000000000c1")
	cfg, err := DefaultConfig()
	require.NoError(t, err)
	require.Equal(t, int64(10), cfg.ChainID.Int64())
	require.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000c1"), cfg.Verifier)
}
