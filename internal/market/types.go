// Package market defines the contracts of the collaborators the ledger
// consumes: instrument catalog, collateral custodian, price oracle and risk
// parameter source, plus in-memory implementations used by the service
// bootstrap and by tests.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInstrumentNotFound  = errors.New("instrument not found")
	ErrInstrumentExists    = errors.New("instrument already listed")
	ErrPriceUnavailable    = errors.New("oracle price unavailable")
	ErrStalePrice          = errors.New("oracle price is stale")
	ErrAlreadyFinalized    = errors.New("settlement price already finalized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOnBehalfUnsupported = errors.New("custodian does not support on-behalf operations")
	ErrAssetNotSupported   = errors.New("asset not supported by custodian")
)

// Instrument is a single option series.
type Instrument struct {
	ID              uint64
	Underlying      common.Address
	SettlementAsset common.Address
	Strike          *uint256.Int // 8-decimal price scale
	Expiry          int64        // unix seconds
	IsCall          bool
	IsActive        bool
	ContractSize    *uint256.Int // 8-decimal; must equal 1e8
}

// Expired reports whether the instrument has reached expiry at now.
func (i *Instrument) Expired(now time.Time) bool {
	return now.Unix() >= i.Expiry
}

// Clone returns a deep copy.
func (i *Instrument) Clone() *Instrument {
	c := *i
	if i.Strike != nil {
		c.Strike = i.Strike.Clone()
	}
	if i.ContractSize != nil {
		c.ContractSize = i.ContractSize.Clone()
	}
	return &c
}

// AssetConfig is the custodian's view of an asset.
type AssetConfig struct {
	IsSupported bool
	Decimals    uint8
}

// Collaborators are called while the engine holds its lock. An
// implementation that calls back into the engine must pass the ctx it was
// given, or one derived from it: the engine recognises that ctx, serves reads
// from the in-flight state and rejects mutations with ErrReentrantCall. A
// callback on a fresh context, or from another goroutine, blocks on the lock
// until the operation that invoked it returns, which is a deadlock.

// InstrumentCatalog serves series definitions and settlement prices.
type InstrumentCatalog interface {
	Instrument(ctx context.Context, id uint64) (*Instrument, error)
	// SettlementInfo returns the finalized settlement price, if any.
	SettlementInfo(ctx context.Context, id uint64) (price *uint256.Int, finalized bool, err error)
}

// Custodian holds per-asset collateral balances.
type Custodian interface {
	BalanceOf(ctx context.Context, account, asset common.Address) (*uint256.Int, error)
	// TransferBetween is atomic and fails when from holds less than amount.
	TransferBetween(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error
	DepositFor(ctx context.Context, account, asset common.Address, amount *uint256.Int) error
	WithdrawFor(ctx context.Context, account, asset common.Address, amount *uint256.Int) error
	AssetConfig(ctx context.Context, asset common.Address) (AssetConfig, error)
	// BestEffortSync refreshes yield-bearing balances. Advisory only. It runs
	// under the engine lock; see the callback rule above.
	BestEffortSync(ctx context.Context, account, asset common.Address) error
}

// Oracle returns an 8-decimal price of base quoted in quote, with the unix
// timestamp of its last update. A zero price or timestamp means unavailable.
// Price is called under the engine lock; see the callback rule above.
type Oracle interface {
	Price(ctx context.Context, base, quote common.Address) (price *uint256.Int, updatedAt int64, err error)
}

// TimeService supplies the ledger clock.
type TimeService interface {
	GetTimeNow() time.Time
}

// SystemClock is the wall-clock TimeService.
type SystemClock struct{}

func (SystemClock) GetTimeNow() time.Time { return time.Now() }
