package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var maxAllowance = new(uint256.Int).SetAllOne()

// Tx stages token movements over an overlay of the tracker. Every method
// validates against the staged view, so a later step sees the effect of an
// earlier one. Dropping a Tx without Commit discards everything.
type Tx struct {
	bt    *BalanceTracker
	batch *Batch

	balances   map[AccountKey]uint256.Int
	supply     map[Asset]uint256.Int
	allowances map[AllowanceKey]uint256.Int
}

func newTx(bt *BalanceTracker, eventRef string) *Tx {
	return &Tx{
		bt: bt,
		batch: &Batch{
			BatchID:  uuid.New(),
			EventRef: eventRef,
		},
		balances:   make(map[AccountKey]uint256.Int),
		supply:     make(map[Asset]uint256.Int),
		allowances: make(map[AllowanceKey]uint256.Int),
	}
}

// BalanceOf returns holder's staged balance.
func (tx *Tx) BalanceOf(asset Asset, holder common.Address) *uint256.Int {
	key := NewAccountKey(asset, holder)
	if v, ok := tx.balances[key]; ok {
		return new(uint256.Int).Set(&v)
	}
	return tx.bt.BalanceOf(asset, holder)
}

// TotalSupply returns the staged supply of asset.
func (tx *Tx) TotalSupply(asset Asset) *uint256.Int {
	if v, ok := tx.supply[asset]; ok {
		return new(uint256.Int).Set(&v)
	}
	return tx.bt.TotalSupply(asset)
}

// Allowance returns the staged allowance.
func (tx *Tx) Allowance(asset Asset, owner, spender common.Address) *uint256.Int {
	key := AllowanceKey{Asset: asset, Owner: owner, Spender: spender}
	if v, ok := tx.allowances[key]; ok {
		return new(uint256.Int).Set(&v)
	}
	return tx.bt.Allowance(asset, owner, spender)
}

func (tx *Tx) requireAsset(asset Asset) error {
	if _, ok := tx.bt.assets[asset]; !ok {
		return fmt.Errorf("%s: %w", asset, ErrUnknownAsset)
	}
	return nil
}

// Transfer moves amount from -> to. Zero amounts are accepted and record nothing.
func (tx *Tx) Transfer(asset Asset, from, to common.Address, amount *uint256.Int) error {
	if err := tx.requireAsset(asset); err != nil {
		return err
	}
	if from == IssuanceAccount || to == IssuanceAccount {
		return ErrZeroAddress
	}
	if amount.IsZero() || from == to {
		return nil
	}

	fromBal := tx.BalanceOf(asset, from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%s from %s: have %s, need %s: %w",
			asset, from.Hex(), fromBal.Dec(), amount.Dec(), ErrInsufficientBalance)
	}
	toBal := tx.BalanceOf(asset, to)

	tx.balances[NewAccountKey(asset, from)] = *fromBal.Sub(fromBal, amount)
	tx.balances[NewAccountKey(asset, to)] = *toBal.Add(toBal, amount)
	tx.record(asset, from, to, amount, JournalTypeTransfer)
	return nil
}

// TransferFrom moves amount on owner's behalf, consuming spender's allowance.
// The balance is checked before the allowance.
func (tx *Tx) TransferFrom(asset Asset, spender, from, to common.Address, amount *uint256.Int) error {
	if err := tx.requireAsset(asset); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	if spender == from {
		return tx.Transfer(asset, from, to, amount)
	}

	fromBal := tx.BalanceOf(asset, from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%s from %s: have %s, need %s: %w",
			asset, from.Hex(), fromBal.Dec(), amount.Dec(), ErrInsufficientBalance)
	}
	allowance := tx.Allowance(asset, from, spender)
	if allowance.Lt(amount) {
		return fmt.Errorf("%s spender %s: allowed %s, need %s: %w",
			asset, spender.Hex(), allowance.Dec(), amount.Dec(), ErrInsufficientAllowance)
	}

	if err := tx.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	if !allowance.Eq(maxAllowance) {
		tx.setAllowance(AllowanceKey{Asset: asset, Owner: from, Spender: spender}, allowance.Sub(allowance, amount))
	}
	return nil
}

// Approve sets spender's allowance over owner's balance.
func (tx *Tx) Approve(asset Asset, owner, spender common.Address, amount *uint256.Int) error {
	if err := tx.requireAsset(asset); err != nil {
		return err
	}
	if owner == IssuanceAccount || spender == IssuanceAccount {
		return ErrZeroAddress
	}
	key := AllowanceKey{Asset: asset, Owner: owner, Spender: spender}
	tx.setAllowance(key, amount)
	tx.batch.Approvals = append(tx.batch.Approvals, Approval{Key: key, Amount: *amount})
	return nil
}

func (tx *Tx) setAllowance(key AllowanceKey, amount *uint256.Int) {
	tx.allowances[key] = *new(uint256.Int).Set(amount)
}

// Mint issues amount of asset to holder.
func (tx *Tx) Mint(asset Asset, to common.Address, amount *uint256.Int) error {
	if err := tx.requireAsset(asset); err != nil {
		return err
	}
	if to == IssuanceAccount {
		return ErrZeroAddress
	}
	if amount.IsZero() {
		return nil
	}

	supply := tx.TotalSupply(asset)
	if _, carry := supply.AddOverflow(supply, amount); carry {
		return ErrSupplyOverflow
	}
	toBal := tx.BalanceOf(asset, to)

	tx.supply[asset] = *supply
	tx.balances[NewAccountKey(asset, to)] = *toBal.Add(toBal, amount)
	tx.record(asset, IssuanceAccount, to, amount, JournalTypeMint)
	return nil
}

// Burn destroys amount of holder's asset.
func (tx *Tx) Burn(asset Asset, from common.Address, amount *uint256.Int) error {
	if err := tx.requireAsset(asset); err != nil {
		return err
	}
	if from == IssuanceAccount {
		return ErrZeroAddress
	}
	if amount.IsZero() {
		return nil
	}

	fromBal := tx.BalanceOf(asset, from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("burn %s from %s: have %s, need %s: %w",
			asset, from.Hex(), fromBal.Dec(), amount.Dec(), ErrInsufficientBalance)
	}
	supply := tx.TotalSupply(asset)

	tx.balances[NewAccountKey(asset, from)] = *fromBal.Sub(fromBal, amount)
	tx.supply[asset] = *supply.Sub(supply, amount)
	tx.record(asset, from, IssuanceAccount, amount, JournalTypeBurn)
	return nil
}

func (tx *Tx) record(asset Asset, from, to common.Address, amount *uint256.Int, jt JournalType) {
	tx.batch.Journals = append(tx.batch.Journals, Journal{
		JournalID:   uuid.New(),
		BatchID:     tx.batch.BatchID,
		EventRef:    tx.batch.EventRef,
		Asset:       asset,
		From:        from,
		To:          to,
		Amount:      *new(uint256.Int).Set(amount),
		JournalType: jt,
	})
}

// Journals returns the movements staged so far.
func (tx *Tx) Journals() []Journal {
	return tx.batch.Journals
}

// Commit publishes the staged view to the tracker and returns the batch.
// Commit cannot fail: every check already ran while staging.
func (tx *Tx) Commit() *Batch {
	tx.commitInto(tx.batch)
	return tx.batch
}

func (tx *Tx) commitInto(batch *Batch) {
	for k, v := range tx.balances {
		tx.bt.balances[k] = v
	}
	for k, v := range tx.supply {
		tx.bt.supply[k] = v
	}
	for k, v := range tx.allowances {
		tx.bt.allowances[k] = v
	}
	if !batch.IsEmpty() {
		tx.bt.committed = append(tx.bt.committed, batch)
	}
	tx.balances = nil
	tx.supply = nil
	tx.allowances = nil
}
