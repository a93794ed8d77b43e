package query

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceResponse is a trader's custodian balance in one collateral asset.
type BalanceResponse struct {
	Asset   common.Address `json:"asset"`
	Balance *uint256.Int   `json:"balance"` // asset-native units
}

// GetBalances returns trader's balance in every configured collateral asset,
// zero balances included.
func (qs *QueryService) GetBalances(ctx context.Context, trader common.Address) ([]BalanceResponse, error) {
	out := make([]BalanceResponse, 0, len(qs.assets))
	for _, asset := range qs.assets {
		bal, err := qs.custodian.BalanceOf(ctx, trader, asset)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", asset.Hex(), err)
		}
		out = append(out, BalanceResponse{Asset: asset, Balance: bal})
	}
	return out, nil
}
