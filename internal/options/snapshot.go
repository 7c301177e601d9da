package options

import (
	"fmt"
	"sort"

	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/position"
)

type RoundEntry struct {
	Expiry int64  `json:"expiry"`
	Round  uint64 `json:"round"`
}

// Snapshot is the serializable state of one contract.
type Snapshot struct {
	Style     Style             `json:"style"`
	Positions position.Snapshot `json:"positions"`
	Rounds    []RoundEntry      `json:"rounds"`
}

func (c *Contract) Snapshot() Snapshot {
	snap := Snapshot{
		Style:     c.cfg.Style,
		Positions: c.positions.Snapshot(),
		Rounds:    make([]RoundEntry, 0, len(c.roundIDs)),
	}
	for expiry, round := range c.roundIDs {
		snap.Rounds = append(snap.Rounds, RoundEntry{Expiry: expiry, Round: round})
	}
	sort.Slice(snap.Rounds, func(i, j int) bool { return snap.Rounds[i].Expiry < snap.Rounds[j].Expiry })
	return snap
}

func (c *Contract) Restore(snap Snapshot) error {
	if err := c.positions.Restore(snap.Positions); err != nil {
		return err
	}
	rounds := make(map[int64]uint64, len(snap.Rounds))
	for _, e := range snap.Rounds {
		rounds[e.Expiry] = e.Round
	}
	c.roundIDs = rounds
	return nil
}

// CheckInvariants verifies slot conservation and that every active token is
// backed by an open pool lock of the same size.
func (c *Contract) CheckInvariants() error {
	if err := c.positions.CheckConservation(); err != nil {
		return err
	}
	for id := position.TokenID(1); int(id) <= c.positions.TokenCount(); id++ {
		p, err := c.positions.Get(id)
		if err != nil || p.State != position.StateActive {
			continue
		}
		ll, ok := c.pool.LockEntry(c.cfg.Address, uint64(id))
		if !ok || !ll.Locked || !ll.Amount.Eq(&p.LockedAmount) || !ll.Premium.Eq(&p.Premium) {
			return fmt.Errorf("token %d holds %s/%s, lock %s/%s (open=%t): %w",
				id, p.LockedAmount.Dec(), p.Premium.Dec(), ll.Amount.Dec(), ll.Premium.Dec(), ll.Locked,
				errs.ErrConservationViolation)
		}
	}
	return nil
}
