package ledger

import (
	"fmt"

	"PerpSettle/internal/state"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeExternal accounts are addresses outside the contract:
	// users, the vault, keepers. Their net movement is the call's transfers.
	AccountScopeExternal AccountScope = iota
	// AccountScopeEscrow holds one position's collateral.
	AccountScopeEscrow
	// AccountScopeSystem accounts are internal pools.
	AccountScopeSystem
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	SubTypeWallet AccountSubType = iota
	SubTypePositionCollateral
	SubTypeFundingPool
)

// AccountKey identifies an account in the transfer journal. Comparable, so
// it is used directly as a map key.
type AccountKey struct {
	Scope      AccountScope   `json:"scope"`
	SubType    AccountSubType `json:"sub_type"`
	Owner      string         `json:"owner,omitempty"`       // address for wallets, asset for system pools
	PositionID uint32         `json:"position_id,omitempty"` // escrow only
}

// WalletAccount is an external address.
func WalletAccount(address string) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: SubTypeWallet, Owner: address}
}

// EscrowAccount holds the collateral of one position.
func EscrowAccount(positionID uint32) AccountKey {
	return AccountKey{Scope: AccountScopeEscrow, SubType: SubTypePositionCollateral, PositionID: positionID}
}

// FundingPoolAccount nets funding settled between positions of one market.
// Rounding leaves a small residue here.
func FundingPoolAccount(asset state.Asset) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeFundingPool, Owner: asset.String()}
}

// IsExternal reports whether the account is an address outside the contract.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeExternal:
		return "wallet:" + k.Owner
	case AccountScopeEscrow:
		return fmt.Sprintf("escrow:position:%d", k.PositionID)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Owner)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypePositionCollateral:
		return "collateral"
	case SubTypeFundingPool:
		return "funding_pool"
	default:
		return "unknown"
	}
}
