package options

import (
	"fmt"

	"OptionsLedger/internal/access"
	"OptionsLedger/internal/pool"
	"OptionsLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token operations keep each active token's pool lock equal to its locked
// amount and premium. The lock id of a token is its token id.

// Split carves units off an active token into new tokens for the same owner.
func (c *Contract) Split(caller common.Address, id position.TokenID, units []uint64) ([]position.TokenID, error) {
	if _, _, err := c.active(id); err != nil {
		return nil, err
	}
	if err := c.requireIssuer(); err != nil {
		return nil, err
	}
	ids, err := c.positions.Split(caller, id, units)
	if err != nil {
		return nil, err
	}

	moves := make([]pool.LockMove, 0, len(ids))
	for _, child := range ids {
		p := c.mustGet(child)
		moves = append(moves, pool.LockMove{ToID: uint64(child), Amount: &p.LockedAmount, Premium: &p.Premium})
	}
	c.mustMoveLock(id, moves)
	c.closeIfDrained(id)
	return ids, nil
}

// Merge folds active sources into an active target of the same slot.
func (c *Contract) Merge(caller common.Address, sources []position.TokenID, target position.TokenID) error {
	if _, _, err := c.active(target); err != nil {
		return err
	}
	before := make([]position.Position, 0, len(sources))
	for _, id := range sources {
		p, _, err := c.active(id)
		if err != nil {
			return err
		}
		before = append(before, p)
	}
	if err := c.requireIssuer(); err != nil {
		return err
	}
	if err := c.positions.Merge(caller, sources, target); err != nil {
		return err
	}

	for _, p := range before {
		c.mustMoveLock(p.ID, []pool.LockMove{{ToID: uint64(target), Amount: &p.LockedAmount, Premium: &p.Premium}})
		c.closeIfDrained(p.ID)
	}
	return nil
}

// TransferUnits moves units of an active token to a new token for to, or
// into toID when non-zero.
func (c *Contract) TransferUnits(caller common.Address, fromID position.TokenID, to common.Address, units uint64, toID position.TokenID) (position.TokenID, error) {
	src, _, err := c.active(fromID)
	if err != nil {
		return 0, err
	}
	if toID != 0 {
		if _, _, err := c.active(toID); err != nil {
			return 0, err
		}
	}
	if err := c.requireIssuer(); err != nil {
		return 0, err
	}

	result, err := c.positions.TransferUnits(caller, fromID, to, units, toID)
	if err != nil {
		return 0, err
	}

	var locked, premium uint256.Int
	if after, err := c.positions.Get(fromID); err == nil {
		locked.Sub(&src.LockedAmount, &after.LockedAmount)
		premium.Sub(&src.Premium, &after.Premium)
	} else {
		locked.Set(&src.LockedAmount)
		premium.Set(&src.Premium)
	}
	c.mustMoveLock(fromID, []pool.LockMove{{ToID: uint64(result), Amount: &locked, Premium: &premium}})
	c.closeIfDrained(fromID)
	return result, nil
}

// TransferFrom moves a whole token.
func (c *Contract) TransferFrom(caller, from, to common.Address, id position.TokenID) error {
	return c.positions.TransferFrom(caller, from, to, id)
}

// Approve lets spender split, transfer and exercise id.
func (c *Contract) Approve(caller, spender common.Address, id position.TokenID) error {
	return c.positions.Approve(caller, spender, id)
}

func (c *Contract) mustGet(id position.TokenID) position.Position {
	p, err := c.positions.Get(id)
	if err != nil {
		panic(fmt.Sprintf("FATAL: token %d vanished: %v", id, err))
	}
	return p
}

// mustMoveLock re-keys pool liquidity after a token operation already
// succeeded. The lock mirrors the token, so failure means the two diverged.
func (c *Contract) mustMoveLock(from position.TokenID, moves []pool.LockMove) {
	if err := c.pool.MoveLock(c.cfg.Address, uint64(from), moves); err != nil {
		panic(fmt.Sprintf("FATAL: pool lock %d out of step with token: %v", from, err))
	}
}

// requireIssuer checks the contract may still re-key its pool locks, so a
// token operation is refused before any unit moves.
func (c *Contract) requireIssuer() error {
	return c.roles.RequireRole(c.cfg.Address, access.RoleOptionIssuer)
}

// closeIfDrained releases the lock of a burned token, or of a live token left
// without units once its lock is empty, and marks the latter Unlocked. A token
// that still holds units keeps its lock open even when it is empty.
func (c *Contract) closeIfDrained(id position.TokenID) {
	p, err := c.positions.Get(id)
	live := err == nil
	if live && (p.Units != 0 || p.State != position.StateActive) {
		return
	}
	ll, ok := c.pool.LockEntry(c.cfg.Address, uint64(id))
	if !ok || !ll.Locked || !ll.Amount.IsZero() || !ll.Premium.IsZero() {
		return
	}
	if err := c.pool.ReleaseDrained(c.cfg.Address, uint64(id)); err != nil {
		panic(fmt.Sprintf("FATAL: release drained lock %d: %v", id, err))
	}
	if live {
		c.transition(id, position.StateUnlocked)
	}
}
