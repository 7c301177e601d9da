package ledger

import (
	"fmt"
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

// ValidateBatch verifies a batch is well-formed
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateSupply verifies Σ balances == total supply for every asset
func (v *InvariantValidator) ValidateSupply() error {
	totals := v.tracker.ComputeHolderTotals()

	for asset := range v.tracker.assets {
		supply := v.tracker.TotalSupply(asset)
		held, ok := totals[asset]
		if !ok {
			if !supply.IsZero() {
				return fmt.Errorf("asset %s has supply %s but no holders", asset, supply.Dec())
			}
			continue
		}
		if !held.Eq(supply) {
			return fmt.Errorf("asset %s holder total %s != supply %s", asset, held.Dec(), supply.Dec())
		}
	}
	return nil
}

// ValidateIssuanceEmpty verifies the boundary account never holds tokens
func (v *InvariantValidator) ValidateIssuanceEmpty() error {
	for asset := range v.tracker.assets {
		if bal := v.tracker.BalanceOf(asset, IssuanceAccount); !bal.IsZero() {
			return fmt.Errorf("issuance account holds %s %s", bal.Dec(), asset)
		}
	}
	return nil
}
