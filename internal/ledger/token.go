package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token is an ERC20-shaped view over one asset. Each call is its own
// transaction; the ledgers stage multi-step movements through Tx instead.
type Token struct {
	bt    *BalanceTracker
	asset Asset
}

// Token returns the facade for asset.
func (bt *BalanceTracker) Token(asset Asset) *Token {
	return &Token{bt: bt, asset: asset}
}

func (t *Token) Asset() Asset { return t.asset }

func (t *Token) BalanceOf(holder common.Address) *uint256.Int {
	return t.bt.BalanceOf(t.asset, holder)
}

func (t *Token) TotalSupply() *uint256.Int {
	return t.bt.TotalSupply(t.asset)
}

func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	return t.bt.Allowance(t.asset, owner, spender)
}

func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	tx := t.bt.Begin("")
	if err := tx.Transfer(t.asset, from, to, amount); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (t *Token) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	tx := t.bt.Begin("")
	if err := tx.TransferFrom(t.asset, spender, from, to, amount); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) error {
	tx := t.bt.Begin("")
	if err := tx.Approve(t.asset, owner, spender, amount); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// Mint credits holder out of thin air. Used for bridge credits and test setup.
func (t *Token) Mint(to common.Address, amount *uint256.Int) error {
	tx := t.bt.Begin("")
	if err := tx.Mint(t.asset, to, amount); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// MaxAllowance is the allowance that is never decremented.
func MaxAllowance() *uint256.Int {
	return new(uint256.Int).Set(maxAllowance)
}
