// Package intake verifies dual-signed orders and per-trader sequential nonces
// and forwards validated trades to the engine as the authorized matcher.
package intake

import (
	"context"
	"errors"
	"fmt"
	"math"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidNonce = errors.New("order nonce does not match the trader's current nonce")
	ErrOrderExpired = errors.New("order deadline has passed")
	ErrEmptyBatch   = errors.New("empty order batch")
)

// Intake is the matching front-end. It is the only caller the engine accepts
// trades from.
type Intake struct {
	engine  *core.Engine
	self    common.Address
	domain  Domain
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// New creates an intake that submits to engine as self. self must equal the
// engine's configured matcher.
func New(engine *core.Engine, self common.Address, domain Domain, logger zerolog.Logger, metrics *observability.Metrics) *Intake {
	return &Intake{
		engine:  engine,
		self:    self,
		domain:  domain,
		logger:  logger,
		metrics: metrics,
	}
}

// Domain returns the signing domain orders must be bound to.
func (in *Intake) Domain() Domain {
	return in.domain
}

// Nonce returns trader's current nonce. The next valid order must carry it.
func (in *Intake) Nonce(ctx context.Context, trader common.Address) uint64 {
	return in.engine.Nonce(ctx, trader)
}

// Submit verifies one signed order and applies it.
func (in *Intake) Submit(ctx context.Context, order SignedOrder) error {
	err := in.engine.Atomic(ctx, func(ctx context.Context, tx *core.Tx) error {
		return in.apply(ctx, tx, order)
	})
	if err != nil {
		in.reject(err)
		return err
	}
	in.logger.Debug().
		Str("buyer", order.Terms.Buyer.Hex()).
		Str("seller", order.Terms.Seller.Hex()).
		Uint64("instrument_id", order.Terms.InstrumentID).
		Uint64("quantity", order.Terms.Quantity).
		Msg("order applied")
	return nil
}

// SubmitBatch applies orders in sequence. Any failure aborts the whole batch.
func (in *Intake) SubmitBatch(ctx context.Context, orders []SignedOrder) error {
	if len(orders) == 0 {
		return ErrEmptyBatch
	}
	if in.metrics != nil {
		in.metrics.IntakeBatchSize.Observe(float64(len(orders)))
	}
	err := in.engine.Atomic(ctx, func(ctx context.Context, tx *core.Tx) error {
		for i, order := range orders {
			if err := in.apply(ctx, tx, order); err != nil {
				return fmt.Errorf("order %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		in.reject(err)
		return err
	}
	in.logger.Debug().Int("orders", len(orders)).Msg("order batch applied")
	return nil
}

func (in *Intake) apply(ctx context.Context, tx *core.Tx, order SignedOrder) error {
	t := order.Terms
	if t.Buyer == t.Seller {
		return core.ErrSelfTrade
	}

	digest, err := in.domain.OrderDigest(t)
	if err != nil {
		return err
	}
	if err := verify(digest, order.BuyerSig, t.Buyer); err != nil {
		return fmt.Errorf("buyer: %w", err)
	}
	if err := verify(digest, order.SellerSig, t.Seller); err != nil {
		return fmt.Errorf("seller: %w", err)
	}

	if t.Deadline != 0 && tx.Now().Unix() > t.Deadline {
		return fmt.Errorf("%w: deadline %d", ErrOrderExpired, t.Deadline)
	}

	if err := expectNonce(tx, t.Buyer, t.BuyerNonce); err != nil {
		return fmt.Errorf("buyer: %w", err)
	}
	if err := expectNonce(tx, t.Seller, t.SellerNonce); err != nil {
		return fmt.Errorf("seller: %w", err)
	}
	if err := tx.AdvanceNonce(t.Buyer, t.BuyerNonce+1, event.NonceReasonOrder); err != nil {
		return err
	}
	if err := tx.AdvanceNonce(t.Seller, t.SellerNonce+1, event.NonceReasonOrder); err != nil {
		return err
	}

	return in.engine.ApplyTradeTx(ctx, tx, in.self, core.Trade{
		Buyer:        t.Buyer,
		Seller:       t.Seller,
		InstrumentID: t.InstrumentID,
		Quantity:     t.Quantity,
		Price:        t.Price,
	})
}

func expectNonce(tx *core.Tx, trader common.Address, want uint64) error {
	cur := tx.Nonce(trader)
	if cur != want {
		return fmt.Errorf("%w: %s has %d, order carries %d", ErrInvalidNonce, trader.Hex(), cur, want)
	}
	if cur == math.MaxUint64 {
		return fmt.Errorf("%w: %s nonce exhausted", ErrInvalidNonce, trader.Hex())
	}
	return nil
}

// Cancel advances trader's nonce, invalidating every signed order below it.
// A zero newNonce advances by one. The caller must already have
// authenticated trader; untrusted transports use CancelSigned.
func (in *Intake) Cancel(ctx context.Context, trader common.Address, newNonce uint64) (uint64, error) {
	var next uint64
	err := in.engine.Atomic(ctx, func(ctx context.Context, tx *core.Tx) error {
		if trader == (common.Address{}) {
			return fmt.Errorf("trader: %w", core.ErrZeroAddress)
		}
		next = newNonce
		if next == 0 {
			cur := tx.Nonce(trader)
			if cur == math.MaxUint64 {
				return fmt.Errorf("%w: %s nonce exhausted", ErrInvalidNonce, trader.Hex())
			}
			next = cur + 1
		}
		return tx.AdvanceNonce(trader, next, event.NonceReasonCancel)
	})
	if err != nil {
		in.reject(err)
		return 0, err
	}
	in.logger.Info().Str("trader", trader.Hex()).Uint64("nonce", next).Msg("orders cancelled")
	return next, nil
}

// CancelSigned verifies a trader-signed cancellation and applies it. The
// target nonce must be explicit so a replayed message is a no-op rejection.
func (in *Intake) CancelSigned(ctx context.Context, c SignedCancel) (uint64, error) {
	if c.NewNonce == 0 {
		err := fmt.Errorf("%w: signed cancellation needs an explicit target", ErrInvalidNonce)
		in.reject(err)
		return 0, err
	}
	digest, err := in.domain.CancelDigest(c.Trader, c.NewNonce)
	if err != nil {
		return 0, err
	}
	if err := verify(digest, c.Signature, c.Trader); err != nil {
		in.reject(err)
		return 0, err
	}
	return in.Cancel(ctx, c.Trader, c.NewNonce)
}

// Liquidate verifies a liquidator-signed liquidation, consumes the
// liquidator's nonce and runs the liquidation in the same unit, so a signed
// request executes at most once.
func (in *Intake) Liquidate(ctx context.Context, l SignedLiquidation) (*core.LiquidationResult, error) {
	t := l.Terms
	digest, err := in.domain.LiquidationDigest(t)
	if err != nil {
		in.reject(err)
		return nil, err
	}
	if err := verify(digest, l.Signature, t.Liquidator); err != nil {
		in.reject(err)
		return nil, fmt.Errorf("liquidator: %w", err)
	}

	var result *core.LiquidationResult
	err = in.engine.Atomic(ctx, func(ctx context.Context, tx *core.Tx) error {
		if t.Deadline != 0 && tx.Now().Unix() > t.Deadline {
			return fmt.Errorf("%w: deadline %d", ErrOrderExpired, t.Deadline)
		}
		if err := expectNonce(tx, t.Liquidator, t.Nonce); err != nil {
			return fmt.Errorf("liquidator: %w", err)
		}
		if err := tx.AdvanceNonce(t.Liquidator, t.Nonce+1, event.NonceReasonLiquidation); err != nil {
			return err
		}
		var err error
		result, err = in.engine.LiquidateTx(ctx, tx, t.Liquidator, t.Trader, t.InstrumentIDs, t.Quantities)
		return err
	})
	if err != nil {
		in.reject(err)
		return nil, err
	}
	in.logger.Info().
		Str("trader", t.Trader.Hex()).
		Str("liquidator", t.Liquidator.Hex()).
		Uint64("contracts", result.Contracts).
		Msg("signed liquidation applied")
	return result, nil
}

func (in *Intake) reject(err error) {
	if in.metrics == nil {
		return
	}
	in.metrics.IntakeRejected.WithLabelValues(rejectReason(err)).Inc()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "signature"
	case errors.Is(err, ErrInvalidNonce), errors.Is(err, core.ErrNonceNotIncreasing):
		return "nonce"
	case errors.Is(err, ErrOrderExpired):
		return "expired"
	default:
		return "engine"
	}
}
