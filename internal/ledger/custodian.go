package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"OptionsLedger/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SyncFunc refreshes an account's yield-bearing balance.
type SyncFunc func(ctx context.Context, account, asset common.Address) error

// Custodian is an in-memory collateral custodian backed by a double-entry
// journal. It implements market.Custodian.
type Custodian struct {
	mu        sync.Mutex
	tracker   *BalanceTracker
	validator *InvariantValidator
	gen       *JournalGenerator
	assets    map[common.Address]market.AssetConfig
	onBehalf  bool
	journals  []Journal
	sync      SyncFunc
}

// NewCustodian creates a custodian. onBehalf controls whether DepositFor and
// WithdrawFor are honoured.
func NewCustodian(onBehalf bool) *Custodian {
	tracker := NewBalanceTracker()
	return &Custodian{
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
		gen:       NewJournalGenerator(func() int64 { return time.Now().UnixMicro() }),
		assets:    make(map[common.Address]market.AssetConfig),
		onBehalf:  onBehalf,
	}
}

// RegisterAsset marks asset as supported with the given native decimals.
func (c *Custodian) RegisterAsset(asset common.Address, decimals uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assets[asset] = market.AssetConfig{IsSupported: true, Decimals: decimals}
}

// SetSyncFunc installs the yield refresh used by BestEffortSync.
func (c *Custodian) SetSyncFunc(fn SyncFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sync = fn
}

// Fund credits account directly, as a self-deposit into custody.
func (c *Custodian) Fund(account, asset common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSupported(asset); err != nil {
		return err
	}
	return c.apply(c.gen.GenerateDeposit(account, asset, amount))
}

func (c *Custodian) BalanceOf(_ context.Context, account, asset common.Address) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.GetUserBalance(account, asset), nil
}

func (c *Custodian) TransferBetween(_ context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSupported(asset); err != nil {
		return err
	}
	if amount.IsZero() || from == to {
		return nil
	}
	if err := c.tracker.ValidateSufficient(from, asset, amount); err != nil {
		return fmt.Errorf("%w: %v", market.ErrInsufficientBalance, err)
	}
	return c.apply(c.gen.GenerateTransfer(from, to, asset, amount))
}

func (c *Custodian) DepositFor(_ context.Context, account, asset common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.onBehalf {
		return market.ErrOnBehalfUnsupported
	}
	if err := c.requireSupported(asset); err != nil {
		return err
	}
	return c.apply(c.gen.GenerateDeposit(account, asset, amount))
}

func (c *Custodian) WithdrawFor(_ context.Context, account, asset common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.onBehalf {
		return market.ErrOnBehalfUnsupported
	}
	if err := c.requireSupported(asset); err != nil {
		return err
	}
	if err := c.tracker.ValidateSufficient(account, asset, amount); err != nil {
		return fmt.Errorf("%w: %v", market.ErrInsufficientBalance, err)
	}
	return c.apply(c.gen.GenerateWithdrawal(account, asset, amount))
}

func (c *Custodian) AssetConfig(_ context.Context, asset common.Address) (market.AssetConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assets[asset], nil
}

func (c *Custodian) BestEffortSync(ctx context.Context, account, asset common.Address) error {
	c.mu.Lock()
	fn := c.sync
	c.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, account, asset)
}

// Journals returns a copy of every journal applied so far.
func (c *Custodian) Journals() []Journal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Journal, len(c.journals))
	copy(out, c.journals)
	return out
}

// Validate runs the conservation invariant over all custodied assets.
func (c *Custodian) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validator.ValidateConservation()
}

// Balances returns a copy of all non-zero custodied balances.
func (c *Custodian) Balances() map[AccountKey]*uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.Snapshot()
}

func (c *Custodian) requireSupported(asset common.Address) error {
	if cfg, ok := c.assets[asset]; !ok || !cfg.IsSupported {
		return fmt.Errorf("%w: %s", market.ErrAssetNotSupported, asset.Hex())
	}
	return nil
}

func (c *Custodian) apply(batch *Batch) error {
	if err := c.validator.ValidateBatchBalance(batch); err != nil {
		return err
	}
	if err := c.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	c.journals = append(c.journals, batch.Journals...)
	return nil
}
