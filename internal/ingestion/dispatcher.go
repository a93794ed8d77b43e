package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/intake"
	"OptionsLedger/internal/market"
	"OptionsLedger/internal/observability"

	"github.com/rs/zerolog"
)

var ErrDuplicateCommand = errors.New("duplicate command")

// RawCommand is an undecoded command from a transport, ready for the
// dispatcher to parse and apply.
type RawCommand struct {
	Subject  string
	Kind     CommandKind
	Data     []byte
	Received time.Time
	// Done reports the outcome. retry asks the transport to redeliver.
	Done func(err error, retry bool)
}

// Dispatcher applies commands to the engine, intake and market data.
// Duplicate keys are dropped before anything is applied.
type Dispatcher struct {
	engine  *core.Engine
	intake  *intake.Intake
	catalog *market.Catalog
	prices  *market.PriceBoard
	dedup   *core.IdempotencyChecker
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewDispatcher(
	engine *core.Engine,
	in *intake.Intake,
	catalog *market.Catalog,
	prices *market.PriceBoard,
	dedup *core.IdempotencyChecker,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Dispatcher {
	return &Dispatcher{
		engine:  engine,
		intake:  in,
		catalog: catalog,
		prices:  prices,
		dedup:   dedup,
		logger:  logger,
		metrics: metrics,
	}
}

// Run parses and applies raw commands until ctx is cancelled or in closes.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			err := d.Handle(ctx, raw.Kind, raw.Data)
			if err == nil && d.metrics != nil && !raw.Received.IsZero() {
				d.metrics.IngestToApply.WithLabelValues(string(raw.Kind)).Observe(time.Since(raw.Received).Seconds())
			}
			if err != nil && !errors.Is(err, ErrDuplicateCommand) {
				d.logger.Warn().Err(err).Str("kind", string(raw.Kind)).Str("subject", raw.Subject).Msg("command rejected")
			}
			if raw.Done != nil {
				raw.Done(err, ctx.Err() != nil)
			}
		}
	}
}

// Handle parses data as kind and dispatches it.
func (d *Dispatcher) Handle(ctx context.Context, kind CommandKind, data []byte) error {
	cmd, err := ParseCommand(kind, data)
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, cmd)
}

// Dispatch applies cmd. Keyed commands are marked processed only after the
// engine commits, and their key is stamped on the committed events.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) error {
	kind, key := string(cmd.Kind()), cmd.Key()
	if key != "" && d.dedup != nil && d.dedup.IsDuplicate(ctx, kind, key) {
		return fmt.Errorf("%w: %s %s", ErrDuplicateCommand, kind, key)
	}
	if key != "" {
		ctx = event.WithIdempotencyKey(ctx, key)
	}

	if err := d.apply(ctx, cmd); err != nil {
		return err
	}
	if key != "" && d.dedup != nil {
		d.dedup.MarkProcessed(ctx, kind, key)
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case SubmitOrder:
		return d.intake.Submit(ctx, c.Order)

	case SubmitBatch:
		return d.intake.SubmitBatch(ctx, c.Orders)

	case CancelNonce:
		nonce, err := d.intake.CancelSigned(ctx, c.Cancel)
		if err != nil {
			return err
		}
		d.logger.Info().Str("trader", c.Cancel.Trader.Hex()).Uint64("nonce", nonce).Msg("nonce cancelled")
		return nil

	case Liquidate:
		_, err := d.intake.Liquidate(ctx, c.Liquidation)
		return err

	case Settle:
		if len(c.Traders) == 1 {
			return d.engine.Settle(ctx, c.InstrumentID, c.Traders[0])
		}
		return d.engine.SettleBatch(ctx, c.InstrumentID, c.Traders)

	case Collateral:
		if c.kind == KindWithdraw {
			return d.engine.Withdraw(ctx, c.Trader, c.Asset, c.Amount)
		}
		return d.engine.Deposit(ctx, c.Trader, c.Asset, c.Amount)

	case PriceUpdate:
		if !d.prices.Set(c.Base, c.Quote, c.Price, c.UpdatedAt) {
			d.logger.Debug().
				Str("base", c.Base.Hex()).
				Int64("updated_at", c.UpdatedAt).
				Msg("out-of-order price ignored")
		}
		return nil

	case InstrumentListed:
		return d.catalog.List(&market.Instrument{
			ID:              c.ID,
			Underlying:      c.Underlying,
			SettlementAsset: c.SettlementAsset,
			Strike:          c.Strike,
			Expiry:          c.Expiry,
			IsCall:          c.IsCall,
			IsActive:        true,
			ContractSize:    c.ContractSize,
		})

	case InstrumentStatus:
		return d.catalog.SetActive(c.InstrumentID, c.Active)

	case InstrumentFinalized:
		return d.catalog.Finalize(c.InstrumentID, c.Price)

	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}
