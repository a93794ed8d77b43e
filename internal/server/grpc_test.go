package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/ledger"
	"OptionsLedger/internal/market"
	"OptionsLedger/internal/observability"
	"OptionsLedger/internal/query"
	"OptionsLedger/internal/server"
	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	matcher  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	backstop = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b2")

	genesis = time.Unix(1_700_000_000, 0)
)

const adminToken = "s3cret"

type fixedClock struct{ now time.Time }

func (c fixedClock) GetTimeNow() time.Time { return c.now }

func newTestServer(t *testing.T) (*httptest.Server, *core.Engine) {
	t.Helper()

	cust := ledger.NewCustodian(true)
	cust.RegisterAsset(usdc, 6)
	require.NoError(t, cust.Fund(alice, usdc, uint256.NewInt(10_000_000_000)))
	require.NoError(t, cust.Fund(bob, usdc, uint256.NewInt(10_000_000_000)))

	catalog := market.NewCatalog()
	require.NoError(t, catalog.List(&market.Instrument{
		ID:              1,
		Underlying:      weth,
		SettlementAsset: usdc,
		Strike:          new(uint256.Int).Mul(uint256.NewInt(3000), uint256.NewInt(1e8)),
		Expiry:          genesis.Add(24 * time.Hour).Unix(),
		IsCall:          true,
		IsActive:        true,
		ContractSize:    uint256.NewInt(1e8),
	}))
	oracle := market.NewPriceBoard()
	oracle.Set(weth, usdc, new(uint256.Int).Mul(uint256.NewInt(2900), uint256.NewInt(1e8)), genesis.Unix())

	rpm, err := state.NewRiskParamsManager(state.RiskParams{
		BaseAsset:             usdc,
		BaseMaintenanceMargin: uint256.NewInt(50_000_000),
		IMFactorBps:           12_000,
	})
	require.NoError(t, err)

	ctx := context.Background()
	eng, err := core.NewEngine(ctx,
		core.Config{Matcher: matcher, Backstop: backstop, Liquidation: state.DefaultLiquidationParams},
		core.Dependencies{Catalog: catalog, Custodian: cust, Oracle: oracle, Clock: fixedClock{genesis}, RiskSource: rpm},
		core.Outputs{}, zerolog.Nop(), nil)
	require.NoError(t, err)

	srv := server.NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", &server.ServerDeps{
		Engine:        eng,
		RiskSource:    rpm,
		QueryService:  query.NewQueryService(eng, cust, []common.Address{usdc}, nil),
		HealthChecker: observability.NewHealthChecker(),
		Logger:        zerolog.Nop(),
		AdminToken:    adminToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, eng
}

func post(t *testing.T, ts *httptest.Server, method, body, token string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/"+method, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("x-admin-token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// ============================================================================
// Test: Reads
// ============================================================================

func TestHTTP_GetPositionAndAccount(t *testing.T) {
	ts, eng := newTestServer(t)
	require.NoError(t, eng.ApplyTrade(context.Background(), matcher, core.Trade{
		Buyer: alice, Seller: bob, InstrumentID: 1, Quantity: 2, Price: uint256.NewInt(5_000_000),
	}))

	code, body := post(t, ts, "GetPosition", `{"trader":"`+bob.Hex()+`","instrument_id":1}`, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(-2), body["size"])
	require.Equal(t, float64(1), body["as_of_sequence"])

	code, body = post(t, ts, "GetAccount", `{"trader":"`+bob.Hex()+`"}`, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "100000000", body["maintenance"])
	require.Equal(t, float64(2), body["short_contracts"])
}

func TestHTTP_InvalidArguments(t *testing.T) {
	ts, _ := newTestServer(t)

	code, body := post(t, ts, "GetNonce", `{"trader":"nope"}`, "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "InvalidArgument", body["code"])

	code, _ = post(t, ts, "GetPosition", `{"trader":"`+bob.Hex()+`"}`, "")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_ListEventsWithoutLog(t *testing.T) {
	ts, _ := newTestServer(t)
	code, body := post(t, ts, "ListEvents", `{}`, "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "Unavailable", body["code"])
}

// ============================================================================
// Test: Admin
// ============================================================================

func TestHTTP_AdminRequiresToken(t *testing.T) {
	ts, eng := newTestServer(t)

	code, _ := post(t, ts, "SetPaused", `{"paused":true}`, "")
	require.Equal(t, http.StatusForbidden, code)
	code, _ = post(t, ts, "SetPaused", `{"paused":true}`, "wrong")
	require.Equal(t, http.StatusForbidden, code)
	require.False(t, eng.Paused(context.Background()))

	code, body := post(t, ts, "SetPaused", `{"paused":true}`, adminToken)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["paused"])
	require.True(t, eng.Paused(context.Background()))
}

func TestHTTP_SyncRiskParamsAndSubmitWithoutIngest(t *testing.T) {
	ts, _ := newTestServer(t)

	code, body := post(t, ts, "SyncRiskParams", `{}`, adminToken)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["version"])

	code, body = post(t, ts, "SubmitCommand", `{"kind":"Deposit","command":{}}`, adminToken)
	require.Equal(t, http.StatusServiceUnavailable, code, "no ingest configured: %v", body)
}

func TestHTTP_RiskParamsUpdateRequiresResync(t *testing.T) {
	ts, eng := newTestServer(t)
	ctx := context.Background()
	sell := core.Trade{Buyer: alice, Seller: bob, InstrumentID: 1, Quantity: 2, Price: uint256.NewInt(5_000_000)}

	update := `{"base_asset":"` + usdc.Hex() + `","base_maintenance_margin":"60000000","im_factor_bps":12000}`
	code, _ := post(t, ts, "UpdateRiskParams", update, "")
	require.Equal(t, http.StatusForbidden, code)

	code, body := post(t, ts, "UpdateRiskParams", update, adminToken)
	require.Equal(t, http.StatusOK, code, "%v", body)
	require.Equal(t, float64(2), body["version"])

	// the engine still caches version 1 and fails closed
	require.ErrorIs(t, eng.ApplyTrade(ctx, matcher, sell), core.ErrRiskParamsMismatch)

	code, body = post(t, ts, "SyncRiskParams", `{}`, adminToken)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), body["version"])

	require.NoError(t, eng.ApplyTrade(ctx, matcher, sell))
	code, body = post(t, ts, "GetAccount", `{"trader":"`+bob.Hex()+`"}`, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "120000000", body["maintenance"])

	code, body = post(t, ts, "UpdateRiskParams", `{"base_asset":"`+usdc.Hex()+`","im_factor_bps":12000}`, adminToken)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "InvalidArgument", body["code"])

	code, _ = post(t, ts, "UpdateRiskParams",
		`{"base_asset":"`+usdc.Hex()+`","base_maintenance_margin":"1","im_factor_bps":9000}`, adminToken)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_SetLiquidationParamsKeepsOmittedFields(t *testing.T) {
	ts, eng := newTestServer(t)
	ctx := context.Background()

	code, body := post(t, ts, "SetLiquidationParams", `{"penalty_bps":300,"max_oracle_staleness_seconds":60}`, adminToken)
	require.Equal(t, http.StatusOK, code, "%v", body)

	lp := eng.RiskConfig(ctx).Liquidation
	require.Equal(t, uint64(300), lp.PenaltyBps)
	require.Equal(t, time.Minute, lp.MaxOracleStaleness)
	require.Equal(t, state.DefaultLiquidationParams.CloseFactorBps, lp.CloseFactorBps)
	require.Equal(t, state.DefaultLiquidationParams.ThresholdBps, lp.ThresholdBps)

	code, _ = post(t, ts, "SetLiquidationParams", `{"close_factor_bps":20000}`, adminToken)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, uint64(300), eng.RiskConfig(ctx).Liquidation.PenaltyBps)
}

func TestHTTP_SetMatcherRotatesTradeCaller(t *testing.T) {
	ts, eng := newTestServer(t)
	ctx := context.Background()
	next := common.HexToAddress("0x00000000000000000000000000000000000000f9")
	sell := core.Trade{Buyer: alice, Seller: bob, InstrumentID: 1, Quantity: 1, Price: uint256.NewInt(5_000_000)}

	code, body := post(t, ts, "SetMatcher", `{"matcher":"`+next.Hex()+`"}`, adminToken)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, next.Hex(), body["matcher"])

	require.ErrorIs(t, eng.ApplyTrade(ctx, matcher, sell), core.ErrUnauthorizedCaller)
	require.NoError(t, eng.ApplyTrade(ctx, next, sell))

	code, _ = post(t, ts, "SetMatcher", `{"matcher":"0x0000000000000000000000000000000000000000"}`, adminToken)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, next, eng.Matcher(ctx))
}
