package options

import (
	"fmt"

	"OptionsLedger/internal/access"
	"OptionsLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// exerciseAmerican pays out at the current price any time up to expiration.
// The owner or an approved spender may exercise; an auto-closer may do so
// on the owner's behalf during the final AutoExerciseWindow seconds.
func (c *Contract) exerciseAmerican(caller common.Address, id position.TokenID, now int64) (*uint256.Int, error) {
	p, terms, err := c.active(id)
	if err != nil {
		return nil, err
	}
	if now > terms.Expiration {
		return nil, fmt.Errorf("now %d, expiration %d: %w", now, terms.Expiration, ErrExerciseExpired)
	}
	if !c.mayExercise(caller, p, terms, now) {
		return nil, fmt.Errorf("caller %s: %w", caller.Hex(), ErrNotAuthorized)
	}

	price, err := c.feed.CurrentPrice()
	if err != nil {
		return nil, err
	}
	amount, err := profit(terms, p, price)
	if err != nil {
		return nil, err
	}
	return c.payout(p, amount, price)
}

func (c *Contract) mayExercise(caller common.Address, p position.Position, terms position.Terms, now int64) bool {
	if caller == p.Owner || caller == c.positions.GetApproved(p.ID) && caller != (common.Address{}) {
		return true
	}
	return c.roles.HasRole(access.RoleAutoCloser, caller) && now >= terms.Expiration-c.cfg.AutoExerciseWindow
}

// unlockAmerican expires an option once expiration has passed. Anyone may call it.
func (c *Contract) unlockAmerican(id position.TokenID, now int64) error {
	p, terms, err := c.active(id)
	if err != nil {
		return err
	}
	if now <= terms.Expiration {
		return fmt.Errorf("now %d, expiration %d: %w", now, terms.Expiration, ErrNotExpired)
	}
	return c.expire(p)
}
