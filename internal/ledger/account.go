package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Asset is a token symbol tracked by the ledger (collateral, stablecoin, pool share).
type Asset string

// AssetInfo describes a registered token.
type AssetInfo struct {
	Symbol   Asset  `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// IssuanceAccount is the boundary account: mints debit it, burns credit it.
// It never carries a balance.
var IssuanceAccount = common.Address{}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Asset  Asset
	Holder common.Address
}

func NewAccountKey(asset Asset, holder common.Address) AccountKey {
	return AccountKey{Asset: asset, Holder: holder}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("%s:%s", k.Asset, k.Holder.Hex())
}

// AllowanceKey identifies an ERC20-style spending approval.
type AllowanceKey struct {
	Asset   Asset
	Owner   common.Address
	Spender common.Address
}
