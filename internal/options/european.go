package options

import (
	"errors"
	"fmt"

	"OptionsLedger/internal/event"
	"OptionsLedger/internal/oracle"
	"OptionsLedger/internal/position"

	"github.com/holiman/uint256"
)

// ResolveSettlementRound finds the settlement round for expiration given the
// configured round id, which must be the first round published after
// expiration. Walking back from it, missing ids are skipped and the first
// existing round must sit at or before expiration.
//
//	configured == 0                                -> ErrNoRound
//	configured missing, or timestamp <= expiration -> ErrNoResolvableRound
//	first existing predecessor after expiration    -> ErrRoundIDTooLarge
//	no predecessor within lookback ids             -> ErrRoundAfterExpiry
func ResolveSettlementRound(feed oracle.Feed, configured uint64, expiration int64, lookback uint64) (uint64, error) {
	if configured == 0 {
		return 0, ErrNoRound
	}
	r, err := feed.RoundData(configured)
	if err != nil {
		if errors.Is(err, oracle.ErrUnknownRound) {
			return 0, fmt.Errorf("round %d: %w", configured, ErrNoResolvableRound)
		}
		return 0, err
	}
	if r.Timestamp <= expiration {
		return 0, fmt.Errorf("round %d at %d, expiration %d: %w", configured, r.Timestamp, expiration, ErrNoResolvableRound)
	}

	for id, steps := configured-1, uint64(0); id > 0 && steps < lookback; id, steps = id-1, steps+1 {
		prev, err := feed.RoundData(id)
		if errors.Is(err, oracle.ErrUnknownRound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if prev.Timestamp <= expiration {
			return id, nil
		}
		return 0, fmt.Errorf("round %d at %d also follows expiration %d: %w", id, prev.Timestamp, expiration, ErrRoundIDTooLarge)
	}
	return 0, fmt.Errorf("walking back from round %d: %w", configured, ErrRoundAfterExpiry)
}

// SetRoundIDForExpiry pins the settlement round of expiry. Anyone may call
// it; the configured round is validated and the resolved round is stored
// once, never overwritten.
func (c *Contract) SetRoundIDForExpiry(expiry int64, roundID uint64) (uint64, error) {
	if _, ok := c.roundIDs[expiry]; ok {
		return 0, fmt.Errorf("expiry %d: %w", expiry, ErrRoundAlreadySet)
	}
	resolved, err := ResolveSettlementRound(c.feed, roundID, expiry, c.cfg.RoundLookback)
	if err != nil {
		return 0, err
	}
	c.roundIDs[expiry] = resolved
	c.rec.Emit(event.RoundResolved{Expiry: expiry, Configured: roundID, Resolved: resolved})
	return resolved, nil
}

// ExpiryToRoundID returns the settlement round of expiry, or 0 if unset.
func (c *Contract) ExpiryToRoundID(expiry int64) uint64 {
	return c.roundIDs[expiry]
}

func (c *Contract) settlementPrice(expiration int64) (*uint256.Int, error) {
	id, ok := c.roundIDs[expiration]
	if !ok {
		return nil, fmt.Errorf("expiry %d: %w", expiration, ErrNoRound)
	}
	r, err := c.feed.RoundData(id)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(&r.Price), nil
}

// exerciseEuropean settles at the pinned round price inside
// (expiration, expiration+ExerciseWindow]. Anyone may call it; profit always
// goes to the owner.
func (c *Contract) exerciseEuropean(id position.TokenID, now int64) (*uint256.Int, error) {
	if settled, err := c.positions.Get(id); err == nil &&
		(settled.State == position.StateExercised || settled.State == position.StateExpired) {
		return nil, fmt.Errorf("token %d already settled as %s: %w", id, settled.State, ErrNotInTheMoney)
	}
	p, terms, err := c.active(id)
	if err != nil {
		return nil, err
	}
	if now <= terms.Expiration {
		return nil, fmt.Errorf("now %d, expiration %d: %w", now, terms.Expiration, ErrNotExpired)
	}
	if now > terms.Expiration+c.cfg.ExerciseWindow {
		return nil, fmt.Errorf("now %d past window closing %d: %w", now, terms.Expiration+c.cfg.ExerciseWindow, ErrExerciseExpired)
	}
	price, err := c.settlementPrice(terms.Expiration)
	if err != nil {
		return nil, err
	}
	amount, err := profit(terms, p, price)
	if err != nil {
		return nil, err
	}
	return c.payout(p, amount, price)
}

// unlockEuropean settles after expiration: in the money pays profit to the
// owner, otherwise the premium returns to the pool.
func (c *Contract) unlockEuropean(id position.TokenID, now int64) error {
	p, terms, err := c.active(id)
	if err != nil {
		return err
	}
	if now <= terms.Expiration {
		return fmt.Errorf("now %d, expiration %d: %w", now, terms.Expiration, ErrNotExpired)
	}
	price, err := c.settlementPrice(terms.Expiration)
	if err != nil {
		return err
	}

	amount, err := profit(terms, p, price)
	switch {
	case errors.Is(err, ErrNotInTheMoney):
		return c.expire(p)
	case err != nil:
		return err
	}
	_, err = c.payout(p, amount, price)
	return err
}
