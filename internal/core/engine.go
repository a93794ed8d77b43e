package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"OptionsLedger/internal/event"
	"OptionsLedger/internal/market"
	"OptionsLedger/internal/observability"
	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	ErrUnauthorizedCaller        = errors.New("caller is not the authorized matcher")
	ErrPaused                    = errors.New("engine is paused")
	ErrRiskParamsMismatch        = errors.New("cached risk params differ from source; resync required")
	ErrZeroAddress               = errors.New("zero address")
	ErrSelfTrade                 = errors.New("buyer equals seller")
	ErrZeroQuantity              = errors.New("zero quantity")
	ErrZeroPrice                 = errors.New("zero price")
	ErrZeroAmount                = errors.New("zero amount")
	ErrInvalidContractSize       = errors.New("instrument contract size is not 1e8")
	ErrInstrumentExpired         = errors.New("instrument expired")
	ErrUnsupportedAsset          = errors.New("settlement asset not supported by custodian")
	ErrCloseOnly                 = errors.New("instrument is close-only")
	ErrInsufficientInitialMargin = errors.New("equity below initial margin")
	ErrReentrantCall             = errors.New("reentrant call rejected")
	ErrForeignTx                 = errors.New("transaction does not belong to this engine or is closed")
	ErrNonceNotIncreasing        = errors.New("nonce must increase")
)

// Config is the engine-level configuration passed to NewEngine.
type Config struct {
	Matcher  common.Address
	Backstop common.Address

	// CollateralAssets are valued in addition to the base asset, which is
	// always valued first.
	CollateralAssets []common.Address

	Liquidation state.LiquidationParams
}

// Dependencies are the external collaborators.
type Dependencies struct {
	Catalog    market.InstrumentCatalog
	Custodian  market.Custodian
	Oracle     market.Oracle
	Clock      market.TimeService
	RiskSource state.RiskParameterSource
}

// CoreOutput is one committed event on its way to persistence and publishers.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
}

// Outputs are the engine's downstream channels. Persist uses a blocking send
// so no committed event is lost; Publish drops when full. Either may be nil.
type Outputs struct {
	Persist chan<- CoreOutput
	Publish chan<- CoreOutput
}

// Engine is the options margin and liquidation ledger. Every public operation
// runs serialized under one lock as an all-or-nothing Tx.
type Engine struct {
	mu sync.Mutex

	catalog    market.InstrumentCatalog
	custodian  market.Custodian
	oracle     market.Oracle
	clock      market.TimeService
	riskSource state.RiskParameterSource

	positions   *state.PositionManager
	nonces      *state.NonceBook
	settlements *state.SettlementBook
	risk        state.RiskConfig

	matcher    common.Address
	backstop   common.Address
	collateral []common.Address
	paused     bool

	sequence int64
	hasher   *StateHasher

	outputs Outputs
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewEngine wires collaborators and primes the risk cache from the source.
func NewEngine(
	ctx context.Context,
	cfg Config,
	deps Dependencies,
	outputs Outputs,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) (*Engine, error) {
	if deps.Catalog == nil || deps.Custodian == nil || deps.Oracle == nil || deps.RiskSource == nil {
		return nil, errors.New("engine: catalog, custodian, oracle and risk source are required")
	}
	if cfg.Backstop == (common.Address{}) {
		return nil, fmt.Errorf("engine: backstop %w", ErrZeroAddress)
	}
	if err := cfg.Liquidation.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	clock := deps.Clock
	if clock == nil {
		clock = market.SystemClock{}
	}

	params, version, err := deps.RiskSource.RiskParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: load risk params: %w", err)
	}

	return &Engine{
		catalog:     deps.Catalog,
		custodian:   deps.Custodian,
		oracle:      deps.Oracle,
		clock:       clock,
		riskSource:  deps.RiskSource,
		positions:   state.NewPositionManager(),
		nonces:      state.NewNonceBook(),
		settlements: state.NewSettlementBook(),
		risk: state.RiskConfig{
			Version:     version,
			Params:      params.Clone(),
			Liquidation: cfg.Liquidation,
		},
		matcher:    cfg.Matcher,
		backstop:   cfg.Backstop,
		collateral: append([]common.Address(nil), cfg.CollateralAssets...),
		sequence:   1,
		hasher:     NewStateHasher(),
		outputs:    outputs,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Atomic runs fn as one serialized all-or-nothing unit. Engine operations
// taking a *Tx may be composed inside fn; any error rolls back everything
// fn did, including custodian transfers.
func (e *Engine) Atomic(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return e.execute(ctx, "atomic", fn)
}

// execute acquires the engine, runs fn inside a fresh Tx and commits or
// rolls back.
func (e *Engine) execute(ctx context.Context, op string, fn func(ctx context.Context, tx *Tx) error) error {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		e.recordRejected(op, err)
		return err
	}
	defer release()

	start := time.Now()
	tx := newTx(e, e.clock.GetTimeNow())

	if err := fn(ctx, tx); err != nil {
		tx.rollback(ctx)
		e.recordRejected(op, err)
		e.logger.Debug().Err(err).Str("op", op).Msg("operation rolled back")
		return err
	}

	e.commit(ctx, tx)

	if e.metrics != nil {
		e.metrics.EngineOpsApplied.WithLabelValues(op).Inc()
		e.metrics.EngineOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return nil
}

// commit stamps buffered events with sequence and hash chain and hands them
// downstream.
func (e *Engine) commit(ctx context.Context, tx *Tx) {
	tx.closed = true
	if len(tx.events) == 0 {
		return
	}

	key := event.IdempotencyKeyFrom(ctx)
	for _, evt := range tx.events {
		payload, err := json.Marshal(evt)
		if err != nil {
			panic(fmt.Sprintf("FATAL: marshal %s: %v", evt.EventType(), err))
		}

		prev := e.hasher.GetPrevHash()
		hash := e.hasher.ComputeHash(e.sequence, payload)

		envelope := &event.EventEnvelope{
			Sequence:       e.sequence,
			IdempotencyKey: key,
			EventType:      evt.EventType(),
			InstrumentID:   evt.InstrumentID(),
			Timestamp:      tx.now,
			Payload:        payload,
			StateHash:      hash,
			PrevHash:       prev,
		}
		e.sequence++
		e.observe(evt)

		out := CoreOutput{Envelope: envelope, Event: evt}

		if e.outputs.Persist != nil {
			select {
			case e.outputs.Persist <- out:
			default:
				if e.metrics != nil {
					e.metrics.PersistBackpressure.Inc()
				}
				e.outputs.Persist <- out
			}
		}
		if e.outputs.Publish != nil {
			select {
			case e.outputs.Publish <- out:
			default:
				if e.metrics != nil {
					e.metrics.PublishDrops.Inc()
				}
			}
		}
	}

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence - 1))
	}
}

// observe records domain metrics for a committed event.
func (e *Engine) observe(evt event.Event) {
	if e.metrics == nil {
		return
	}
	switch ev := evt.(type) {
	case *event.TradeApplied:
		e.metrics.TradesApplied.Inc()
	case *event.NonceAdvanced:
		e.metrics.NoncesAdvanced.WithLabelValues(string(ev.Reason)).Inc()
	case *event.PositionSettled:
		outcome := "flat"
		switch {
		case ev.Quantity > 0:
			outcome = "paid"
		case ev.Quantity < 0:
			outcome = "collected"
		}
		e.metrics.SettlementsProcessed.WithLabelValues(outcome).Inc()
		if ev.BadDebt != nil && !ev.BadDebt.IsZero() {
			e.metrics.SettlementBadDebt.WithLabelValues(ev.SettlementAsset.Hex()).Inc()
		}
	case *event.AccountLiquidated:
		e.metrics.LiquidationsExecuted.Inc()
		var contracts uint64
		for _, f := range ev.Fills {
			contracts += f.Quantity
		}
		e.metrics.LiquidatedContracts.Add(float64(contracts))
		if ev.PenaltyForgone != nil && !ev.PenaltyForgone.IsZero() {
			e.metrics.PenaltyForgone.Inc()
		}
	}
}

func (e *Engine) recordRejected(op string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.EngineOpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
}

// rejectReason maps an error to a bounded metric label.
func rejectReason(err error) string {
	for _, target := range []error{
		ErrUnauthorizedCaller, ErrPaused, ErrRiskParamsMismatch, ErrReentrantCall,
		ErrCloseOnly, ErrInsufficientInitialMargin, ErrInstrumentExpired,
		ErrNotLiquidatable, ErrNothingToLiquidate, ErrInsufficientImprovement,
		ErrAlreadySettled, ErrInsufficientBackstop, ErrSettlementPriceNotFinal,
		market.ErrStalePrice, market.ErrPriceUnavailable, market.ErrInsufficientBalance,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "validation"
}

// bestEffortSync refreshes yield-bearing balances before they are read.
// Advisory: failures are logged, counted and ignored.
func (e *Engine) bestEffortSync(ctx context.Context, account, asset common.Address) {
	if err := e.custodian.BestEffortSync(ctx, account, asset); err != nil {
		e.logger.Warn().
			Err(err).
			Str("account", account.Hex()).
			Str("asset", asset.Hex()).
			Msg("best-effort sync failed, continuing")
		if e.metrics != nil {
			e.metrics.BestEffortSyncFailure.WithLabelValues(asset.Hex()).Inc()
		}
	}
}

// requireRiskSync fails closed unless the cached triple equals the source.
func (e *Engine) requireRiskSync(ctx context.Context) error {
	params, version, err := e.riskSource.RiskParams(ctx)
	if err != nil {
		return fmt.Errorf("%w: source unavailable: %v", ErrRiskParamsMismatch, err)
	}
	if !params.Equal(e.risk.Params) {
		return fmt.Errorf("%w: cached v%d, source v%d", ErrRiskParamsMismatch, e.risk.Version, version)
	}
	return nil
}

// decimals returns a supported asset's native decimals.
func (e *Engine) decimals(ctx context.Context, asset common.Address) (uint8, error) {
	cfg, err := e.custodian.AssetConfig(ctx, asset)
	if err != nil {
		return 0, fmt.Errorf("asset config %s: %w", asset.Hex(), err)
	}
	if !cfg.IsSupported {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	return cfg.Decimals, nil
}

// collateralAssets returns the base asset followed by the configured
// collateral assets, without duplicates.
func (e *Engine) collateralAssets() []common.Address {
	base := e.risk.Params.BaseAsset
	out := make([]common.Address, 0, len(e.collateral)+1)
	out = append(out, base)
	seen := map[common.Address]bool{base: true}
	for _, a := range e.collateral {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// ============================================================================
// Admin
// ============================================================================

// SetPaused toggles the pause switch.
func (e *Engine) SetPaused(ctx context.Context, paused bool) error {
	return e.execute(ctx, "set_paused", func(ctx context.Context, tx *Tx) error {
		prev := e.paused
		e.paused = paused
		tx.OnRollback(func() { e.paused = prev })
		tx.emit(&event.AdminUpdated{Paused: e.paused, Matcher: e.matcher})
		return nil
	})
}

// SetMatcher rotates the single authorized trade caller.
func (e *Engine) SetMatcher(ctx context.Context, matcher common.Address) error {
	return e.execute(ctx, "set_matcher", func(ctx context.Context, tx *Tx) error {
		if matcher == (common.Address{}) {
			return fmt.Errorf("matcher: %w", ErrZeroAddress)
		}
		prev := e.matcher
		e.matcher = matcher
		tx.OnRollback(func() { e.matcher = prev })
		tx.emit(&event.AdminUpdated{Paused: e.paused, Matcher: e.matcher})
		return nil
	})
}

// SyncRiskParams re-reads the source and replaces the cached triple. This is
// the only way the cache changes.
func (e *Engine) SyncRiskParams(ctx context.Context) (state.RiskConfig, error) {
	var out state.RiskConfig
	err := e.execute(ctx, "sync_risk_params", func(ctx context.Context, tx *Tx) error {
		params, version, err := e.riskSource.RiskParams(ctx)
		if err != nil {
			return fmt.Errorf("load risk params: %w", err)
		}
		if err := params.Validate(); err != nil {
			return err
		}
		prev := e.risk
		e.risk.Version = version
		e.risk.Params = params.Clone()
		tx.OnRollback(func() { e.risk = prev })

		tx.emit(&event.RiskParamsSynced{
			Version:               version,
			BaseAsset:             params.BaseAsset,
			BaseMaintenanceMargin: params.BaseMaintenanceMargin.Clone(),
			IMFactorBps:           params.IMFactorBps,
		})
		out = e.risk
		return nil
	})
	if err == nil {
		e.logger.Info().Uint64("version", out.Version).Msg("risk params synced")
	}
	return out, err
}

// SetLiquidationParams replaces the engine-local liquidation parameters.
func (e *Engine) SetLiquidationParams(ctx context.Context, p state.LiquidationParams) error {
	return e.execute(ctx, "set_liquidation_params", func(ctx context.Context, tx *Tx) error {
		if err := p.Validate(); err != nil {
			return err
		}
		prev := e.risk.Liquidation
		e.risk.Liquidation = p
		tx.OnRollback(func() { e.risk.Liquidation = prev })

		tx.emit(&event.LiquidationParamsSet{
			ThresholdBps:       p.ThresholdBps,
			CloseFactorBps:     p.CloseFactorBps,
			MinImprovementBps:  p.MinImprovementBps,
			SpreadBps:          p.SpreadBps,
			FloorBps:           p.FloorBps,
			PenaltyBps:         p.PenaltyBps,
			MaxOracleStaleness: int64(p.MaxOracleStaleness / time.Second),
		})
		return nil
	})
}

// ============================================================================
// Reads
// ============================================================================

// Position returns trader's signed quantity in instrument.
func (e *Engine) Position(ctx context.Context, trader common.Address, instrumentID uint64) int64 {
	defer e.view(ctx)()
	return e.positions.Position(trader, instrumentID)
}

// OpenInstruments returns trader's open instruments. A non-positive limit
// returns all of them from offset.
func (e *Engine) OpenInstruments(ctx context.Context, trader common.Address, offset, limit int) []uint64 {
	defer e.view(ctx)()
	if limit <= 0 {
		limit = e.positions.OpenCount(trader)
	}
	return e.positions.OpenInstrumentsPage(trader, offset, limit)
}

// ShortExposure returns trader's aggregate short counter.
func (e *Engine) ShortExposure(ctx context.Context, trader common.Address) uint64 {
	defer e.view(ctx)()
	return e.positions.ShortExposure(trader)
}

// Nonce returns trader's current signed-order nonce.
func (e *Engine) Nonce(ctx context.Context, trader common.Address) uint64 {
	defer e.view(ctx)()
	return e.nonces.Get(trader)
}

// IsSettled reports whether (instrument, trader) has been settled.
func (e *Engine) IsSettled(ctx context.Context, instrumentID uint64, trader common.Address) bool {
	defer e.view(ctx)()
	return e.settlements.IsSettled(instrumentID, trader)
}

// SettlementTotals returns the instrument's running settlement totals.
func (e *Engine) SettlementTotals(ctx context.Context, instrumentID uint64) state.SettlementTotals {
	defer e.view(ctx)()
	return e.settlements.Totals(instrumentID)
}

// RiskConfig returns the cached risk configuration.
func (e *Engine) RiskConfig(ctx context.Context) state.RiskConfig {
	defer e.view(ctx)()
	out := e.risk
	out.Params = e.risk.Params.Clone()
	return out
}

// Paused reports the pause switch.
func (e *Engine) Paused(ctx context.Context) bool {
	defer e.view(ctx)()
	return e.paused
}

// Matcher returns the authorized trade caller.
func (e *Engine) Matcher(ctx context.Context) common.Address {
	defer e.view(ctx)()
	return e.matcher
}

// Backstop returns the backstop treasury address.
func (e *Engine) Backstop() common.Address {
	return e.backstop
}

// Sequence returns the next sequence to assign.
func (e *Engine) Sequence(ctx context.Context) int64 {
	defer e.view(ctx)()
	return e.sequence
}

// StateHash returns the current hash chain tip.
func (e *Engine) StateHash(ctx context.Context) [32]byte {
	defer e.view(ctx)()
	return e.hasher.GetPrevHash()
}

// CheckInvariants runs the position-ledger invariant checks.
func (e *Engine) CheckInvariants(ctx context.Context) error {
	defer e.view(ctx)()
	return e.positions.CheckInvariants()
}
