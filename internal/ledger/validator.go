package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies that, per asset, custodied balances add up to
// what entered custody minus what left it.
func (v *InvariantValidator) ValidateConservation() error {
	totals := v.tracker.ComputeGlobalBalance()

	seen := make(map[AccountKey]struct{})
	for _, asset := range v.tracker.Assets() {
		seen[NewExternalAccountKey(asset)] = struct{}{}
		net, err := v.tracker.NetIssued(asset)
		if err != nil {
			return fmt.Errorf("asset %s redeemed more than issued", asset.Hex())
		}
		held, ok := totals[asset]
		if !ok {
			held = new(uint256.Int)
		}
		if !held.Eq(net) {
			return fmt.Errorf("asset %s: custodied %s != net issued %s", asset.Hex(), held.Dec(), net.Dec())
		}
	}

	for asset, held := range totals {
		if _, ok := seen[NewExternalAccountKey(asset)]; !ok && !held.IsZero() {
			return fmt.Errorf("asset %s has balance %s but was never issued", asset.Hex(), held.Dec())
		}
	}

	return nil
}
