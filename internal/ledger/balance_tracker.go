package ledger

import (
	"fmt"

	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Boundary accounts do
// not hold a balance; their flows are accumulated as issued/redeemed totals
// per asset instead.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
	issued   map[common.Address]*uint256.Int
	redeemed map[common.Address]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
		issued:   make(map[common.Address]*uint256.Int),
		redeemed: make(map[common.Address]*uint256.Int),
	}
}

// ApplyBatch applies all journals in a batch or none of them.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	// Stage every touched balance first so a failing leg leaves no trace.
	staged := make(map[AccountKey]*uint256.Int)
	issued := make(map[common.Address]*uint256.Int)
	redeemed := make(map[common.Address]*uint256.Int)

	get := func(k AccountKey) *uint256.Int {
		if v, ok := staged[k]; ok {
			return v
		}
		v := bt.GetBalance(k)
		staged[k] = v
		return v
	}
	total := func(m map[common.Address]*uint256.Int, src map[common.Address]*uint256.Int, asset common.Address) *uint256.Int {
		if v, ok := m[asset]; ok {
			return v
		}
		v := new(uint256.Int)
		if cur, ok := src[asset]; ok {
			v.Set(cur)
		}
		m[asset] = v
		return v
	}

	for _, j := range batch.Journals {
		if j.CreditAccount.IsExternal() {
			t := total(issued, bt.issued, j.Asset)
			next, err := fpmath.CheckedAdd(t, j.Amount)
			if err != nil {
				return fmt.Errorf("journal %s: issued total: %w", j.JournalID, err)
			}
			issued[j.Asset] = next
		} else {
			from := get(j.CreditAccount)
			next, err := fpmath.CheckedSub(from, j.Amount)
			if err != nil {
				return fmt.Errorf("insufficient balance in %s: have=%s, need=%s",
					j.CreditAccount.AccountPath(), from.Dec(), j.Amount.Dec())
			}
			staged[j.CreditAccount] = next
		}

		if j.DebitAccount.IsExternal() {
			t := total(redeemed, bt.redeemed, j.Asset)
			next, err := fpmath.CheckedAdd(t, j.Amount)
			if err != nil {
				return fmt.Errorf("journal %s: redeemed total: %w", j.JournalID, err)
			}
			redeemed[j.Asset] = next
		} else {
			to := get(j.DebitAccount)
			next, err := fpmath.CheckedAdd(to, j.Amount)
			if err != nil {
				return fmt.Errorf("journal %s: %w", j.JournalID, err)
			}
			staged[j.DebitAccount] = next
		}
	}

	for k, v := range staged {
		if v.IsZero() {
			delete(bt.balances, k)
			continue
		}
		bt.balances[k] = v
	}
	for a, v := range issued {
		bt.issued[a] = v
	}
	for a, v := range redeemed {
		bt.redeemed[a] = v
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// GetUserBalance returns owner's balance of asset
func (bt *BalanceTracker) GetUserBalance(owner, asset common.Address) *uint256.Int {
	return bt.GetBalance(NewUserAccountKey(owner, asset))
}

// ValidateSufficient checks if owner holds at least required of asset
func (bt *BalanceTracker) ValidateSufficient(owner, asset common.Address, required *uint256.Int) error {
	have := bt.GetUserBalance(owner, asset)
	if have.Lt(required) {
		return fmt.Errorf("insufficient balance: have=%s, need=%s", have.Dec(), required.Dec())
	}
	return nil
}

// ComputeGlobalBalance sums all custodied balances per asset
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]*uint256.Int {
	totals := make(map[common.Address]*uint256.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(uint256.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// NetIssued returns issued-minus-redeemed for asset
func (bt *BalanceTracker) NetIssued(asset common.Address) (*uint256.Int, error) {
	issued := new(uint256.Int)
	if v, ok := bt.issued[asset]; ok {
		issued.Set(v)
	}
	redeemed := new(uint256.Int)
	if v, ok := bt.redeemed[asset]; ok {
		redeemed.Set(v)
	}
	return fpmath.CheckedSub(issued, redeemed)
}

// Assets lists every asset that has ever been issued into custody
func (bt *BalanceTracker) Assets() []common.Address {
	out := make([]common.Address, 0, len(bt.issued))
	for a := range bt.issued {
		out = append(out, a)
	}
	return out
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v.Clone()
	}
	return snapshot
}
