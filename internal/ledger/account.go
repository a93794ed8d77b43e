package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeExternal
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope AccountScope
	Owner common.Address
	Asset common.Address
}

// NewUserAccountKey creates a key for a custodied account (traders, backstop)
func NewUserAccountKey(owner, asset common.Address) AccountKey {
	return AccountKey{
		Scope: AccountScopeUser,
		Owner: owner,
		Asset: asset,
	}
}

// NewExternalAccountKey creates the boundary account through which an asset
// enters and leaves custody.
func NewExternalAccountKey(asset common.Address) AccountKey {
	return AccountKey{
		Scope: AccountScopeExternal,
		Asset: asset,
	}
}

// IsExternal reports whether the key is a custody boundary account.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Owner.Hex(), k.Asset.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.Asset.Hex())
	}
	return "unknown"
}
