package pool

import (
	"fmt"

	"OptionsLedger/internal/access"
	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ledger"
	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Apply finishes a prepared operation. It mutates pool state and emits
// records; it must only run after the staging Tx has been committed.
type Apply func()

// Lock reserves amount of collateral for issuer's lock id and pulls premium
// from the issuer.
func (p *Pool) Lock(issuer common.Address, id uint64, amount, premium *uint256.Int) error {
	tx := p.bt.Begin("")
	apply, err := p.PrepareLock(tx, issuer, id, amount, premium)
	if err != nil {
		return err
	}
	tx.Commit()
	apply()
	return nil
}

// PrepareLock stages Lock into tx.
func (p *Pool) PrepareLock(tx *ledger.Tx, issuer common.Address, id uint64, amount, premium *uint256.Int) (Apply, error) {
	if err := p.roles.RequireRole(issuer, access.RoleOptionIssuer); err != nil {
		return nil, err
	}
	if !p.acceptingWithdrawals {
		return nil, ErrRoundNotOpen
	}
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	key := LockKey{Issuer: issuer, ID: id}
	if ll, ok := p.locks[key]; ok && ll.Locked {
		return nil, fmt.Errorf("lock %d: %w", id, ErrLockExists)
	}

	collateral := p.collateralIn(tx)
	if amount.Gt(collateral) {
		return nil, fmt.Errorf("lock %s, collateral %s: %w", amount.Dec(), collateral.Dec(), ErrAmountTooLarge)
	}
	newLocked, err := fpmath.Add(&p.lockedAmount, amount)
	if err != nil {
		return nil, err
	}
	if err := p.checkUtilization(newLocked, collateral); err != nil {
		return nil, err
	}

	if err := tx.TransferFrom(p.cfg.Collateral, p.cfg.Address, issuer, p.cfg.Address, premium); err != nil {
		return nil, err
	}

	amt, prem := fpmath.Clone(amount), fpmath.Clone(premium)
	return func() {
		p.locks[key] = &LockedLiquidity{Amount: *amt, Premium: *prem, Locked: true}
		p.lockedAmount.Add(&p.lockedAmount, amt)
		p.lockedPremium.Add(&p.lockedPremium, prem)
		p.rec.Emit(event.Locked{Issuer: issuer, LockID: id, Amount: amt, Premium: prem})
	}, nil
}

func (p *Pool) checkUtilization(locked, collateral *uint256.Int) error {
	ceiling, err := fpmath.Percent(collateral, p.cfg.MaxUtilizationPct)
	if err != nil {
		return err
	}
	if locked.Gt(ceiling) {
		return fmt.Errorf("locked %s over ceiling %s: %w", locked.Dec(), ceiling.Dec(), ErrUtilizationExceeded)
	}
	return nil
}

func (p *Pool) activeLock(issuer common.Address, id uint64) (*LockedLiquidity, error) {
	ll, ok := p.locks[LockKey{Issuer: issuer, ID: id}]
	if !ok {
		return nil, fmt.Errorf("lock %d: %w", id, ErrUnknownLock)
	}
	if !ll.Locked {
		return nil, fmt.Errorf("lock %d: %w", id, ErrAlreadyUnlocked)
	}
	return ll, nil
}

// ChangeLock resizes an open lock. A premium increase is pulled from the
// issuer and a decrease is refunded.
func (p *Pool) ChangeLock(issuer common.Address, id uint64, amount, premium *uint256.Int) error {
	if err := p.roles.RequireRole(issuer, access.RoleOptionIssuer); err != nil {
		return err
	}
	ll, err := p.activeLock(issuer, id)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}

	tx := p.bt.Begin("")
	collateral := p.collateralIn(tx)
	if amount.Gt(&ll.Amount) {
		newLocked := new(uint256.Int).Sub(&p.lockedAmount, &ll.Amount)
		if _, overflow := newLocked.AddOverflow(newLocked, amount); overflow {
			return fpmath.ErrOverflow
		}
		if amount.Gt(collateral) {
			return fmt.Errorf("lock %s, collateral %s: %w", amount.Dec(), collateral.Dec(), ErrAmountTooLarge)
		}
		if err := p.checkUtilization(newLocked, collateral); err != nil {
			return err
		}
	}

	switch premium.Cmp(&ll.Premium) {
	case 1:
		delta := new(uint256.Int).Sub(premium, &ll.Premium)
		if err := tx.TransferFrom(p.cfg.Collateral, p.cfg.Address, issuer, p.cfg.Address, delta); err != nil {
			return err
		}
	case -1:
		delta := new(uint256.Int).Sub(&ll.Premium, premium)
		if err := tx.Transfer(p.cfg.Collateral, p.cfg.Address, issuer, delta); err != nil {
			return err
		}
	}
	tx.Commit()

	rec := event.LockChanged{
		Issuer:     issuer,
		LockID:     id,
		OldAmount:  fpmath.Clone(&ll.Amount),
		NewAmount:  fpmath.Clone(amount),
		OldPremium: fpmath.Clone(&ll.Premium),
		NewPremium: fpmath.Clone(premium),
	}
	p.lockedAmount.Sub(&p.lockedAmount, &ll.Amount)
	p.lockedAmount.Add(&p.lockedAmount, amount)
	p.lockedPremium.Sub(&p.lockedPremium, &ll.Premium)
	p.lockedPremium.Add(&p.lockedPremium, premium)
	ll.Amount.Set(amount)
	ll.Premium.Set(premium)
	p.rec.Emit(rec)
	return nil
}

// Send closes a lock paying min(payout, locked amount) to to. Returns the
// amount actually paid.
func (p *Pool) Send(issuer common.Address, id uint64, to common.Address, payout *uint256.Int) (*uint256.Int, error) {
	tx := p.bt.Begin("")
	paid, apply, err := p.PrepareSend(tx, issuer, id, to, payout)
	if err != nil {
		return nil, err
	}
	tx.Commit()
	apply()
	return paid, nil
}

// Unlock closes a lock with no payout; the premium becomes pool profit.
func (p *Pool) Unlock(issuer common.Address, id uint64) error {
	tx := p.bt.Begin("")
	_, apply, err := p.PrepareSend(tx, issuer, id, common.Address{}, new(uint256.Int))
	if err != nil {
		return err
	}
	tx.Commit()
	apply()
	return nil
}

// PrepareSend stages Send into tx. A zero payout needs no recipient.
func (p *Pool) PrepareSend(tx *ledger.Tx, issuer common.Address, id uint64, to common.Address, payout *uint256.Int) (*uint256.Int, Apply, error) {
	if err := p.roles.RequireRole(issuer, access.RoleOptionIssuer); err != nil {
		return nil, nil, err
	}
	ll, err := p.activeLock(issuer, id)
	if err != nil {
		return nil, nil, err
	}

	paid := fpmath.Min(payout, &ll.Amount)
	if !paid.IsZero() {
		if to == (common.Address{}) {
			return nil, nil, ErrZeroRecipient
		}
		if err := tx.Transfer(p.cfg.Collateral, p.cfg.Address, to, paid); err != nil {
			return nil, nil, err
		}
	}

	return paid, func() {
		ll.Locked = false
		p.lockedAmount.Sub(&p.lockedAmount, &ll.Amount)
		p.lockedPremium.Sub(&p.lockedPremium, &ll.Premium)
		if paid.Gt(&ll.Premium) {
			p.rec.Emit(event.Loss{LockID: id, Amount: new(uint256.Int).Sub(paid, &ll.Premium)})
		} else {
			p.rec.Emit(event.Profit{LockID: id, Amount: new(uint256.Int).Sub(&ll.Premium, paid)})
		}
		p.rec.Emit(event.Unlocked{Issuer: issuer, LockID: id, Payout: fpmath.Clone(paid)})
	}, nil
}

// LockMove carves part of a lock into another lock id of the same issuer.
type LockMove struct {
	ToID    uint64
	Amount  *uint256.Int
	Premium *uint256.Int
}

// MoveLock reallocates parts of lock fromID into other ids, creating them or
// topping up open ones. Pool aggregates are unchanged. A drained source stays
// open until the issuer releases it with ReleaseDrained.
func (p *Pool) MoveLock(issuer common.Address, fromID uint64, moves []LockMove) error {
	apply, err := p.PrepareMoveLock(issuer, fromID, moves)
	if err != nil {
		return err
	}
	apply()
	return nil
}

// PrepareMoveLock validates MoveLock. No tokens move, so there is nothing to stage.
func (p *Pool) PrepareMoveLock(issuer common.Address, fromID uint64, moves []LockMove) (Apply, error) {
	if err := p.roles.RequireRole(issuer, access.RoleOptionIssuer); err != nil {
		return nil, err
	}
	src, err := p.activeLock(issuer, fromID)
	if err != nil {
		return nil, err
	}

	var amount, premium uint256.Int
	seen := make(map[uint64]bool, len(moves))
	for _, m := range moves {
		if m.ToID == fromID || seen[m.ToID] {
			return nil, fmt.Errorf("lock %d listed twice: %w", m.ToID, ErrInvalidMove)
		}
		seen[m.ToID] = true
		amount.Add(&amount, m.Amount)
		premium.Add(&premium, m.Premium)
	}
	if amount.Gt(&src.Amount) || premium.Gt(&src.Premium) {
		return nil, fmt.Errorf("moving %s/%s out of %s/%s: %w",
			amount.Dec(), premium.Dec(), src.Amount.Dec(), src.Premium.Dec(), errs.ErrConservationViolation)
	}

	return func() {
		for _, m := range moves {
			key := LockKey{Issuer: issuer, ID: m.ToID}
			dst, ok := p.locks[key]
			if !ok || !dst.Locked {
				dst = &LockedLiquidity{Locked: true}
				p.locks[key] = dst
			}
			dst.Amount.Add(&dst.Amount, m.Amount)
			dst.Premium.Add(&dst.Premium, m.Premium)
		}
		src.Amount.Sub(&src.Amount, &amount)
		src.Premium.Sub(&src.Premium, &premium)
	}, nil
}

// ReleaseDrained closes an open lock that holds no amount and no premium.
func (p *Pool) ReleaseDrained(issuer common.Address, id uint64) error {
	if err := p.roles.RequireRole(issuer, access.RoleOptionIssuer); err != nil {
		return err
	}
	ll, err := p.activeLock(issuer, id)
	if err != nil {
		return err
	}
	if !ll.Amount.IsZero() || !ll.Premium.IsZero() {
		return fmt.Errorf("lock %d still holds %s/%s: %w", id, ll.Amount.Dec(), ll.Premium.Dec(), ErrInvalidMove)
	}
	ll.Locked = false
	p.rec.Emit(event.Unlocked{Issuer: issuer, LockID: id, Payout: new(uint256.Int)})
	return nil
}
