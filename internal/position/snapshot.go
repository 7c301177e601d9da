package position

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionEntry is the serialized form of an arena slot, live or burned.
type PositionEntry struct {
	ID           TokenID        `json:"id"`
	Slot         SlotID         `json:"slot"`
	Owner        common.Address `json:"owner"`
	State        State          `json:"state"`
	Units        uint64         `json:"units"`
	Amount       *big.Int       `json:"amount"`
	LockedAmount *big.Int       `json:"locked_amount"`
	Premium      *big.Int       `json:"premium"`
	Live         bool           `json:"live"`
}

type TermsEntry struct {
	Strike     *big.Int   `json:"strike"`
	Expiration int64      `json:"expiration"`
	OptionType OptionType `json:"option_type"`
}

type TotalsEntry struct {
	Units        uint64   `json:"units"`
	Amount       *big.Int `json:"amount"`
	LockedAmount *big.Int `json:"locked_amount"`
	Premium      *big.Int `json:"premium"`
}

type ApprovalEntry struct {
	TokenID TokenID        `json:"token_id"`
	Spender common.Address `json:"spender"`
}

// Snapshot is the serializable ledger state. Slices skip the reserved index 0.
type Snapshot struct {
	Positions []PositionEntry `json:"positions"`
	Terms     []TermsEntry    `json:"terms"`
	Origins   []TotalsEntry   `json:"origins"`
	Approvals []ApprovalEntry `json:"approvals"`
}

func (l *Ledger) Snapshot() Snapshot {
	snap := Snapshot{
		Positions: make([]PositionEntry, 0, len(l.positions)-1),
		Terms:     make([]TermsEntry, 0, len(l.terms)-1),
		Origins:   make([]TotalsEntry, 0, len(l.origins)-1),
	}
	for i := 1; i < len(l.positions); i++ {
		p := &l.positions[i]
		snap.Positions = append(snap.Positions, PositionEntry{
			ID:           p.ID,
			Slot:         p.Slot,
			Owner:        p.Owner,
			State:        p.State,
			Units:        p.Units,
			Amount:       p.Amount.ToBig(),
			LockedAmount: p.LockedAmount.ToBig(),
			Premium:      p.Premium.ToBig(),
			Live:         p.Live,
		})
	}
	for i := 1; i < len(l.terms); i++ {
		t := &l.terms[i]
		snap.Terms = append(snap.Terms, TermsEntry{
			Strike:     t.Strike.ToBig(),
			Expiration: t.Expiration,
			OptionType: t.OptionType,
		})
	}
	for i := 1; i < len(l.origins); i++ {
		o := &l.origins[i]
		snap.Origins = append(snap.Origins, TotalsEntry{
			Units:        o.Units,
			Amount:       o.Amount.ToBig(),
			LockedAmount: o.LockedAmount.ToBig(),
			Premium:      o.Premium.ToBig(),
		})
	}
	for id, spender := range l.approvals {
		snap.Approvals = append(snap.Approvals, ApprovalEntry{TokenID: id, Spender: spender})
	}
	sort.Slice(snap.Approvals, func(i, j int) bool { return snap.Approvals[i].TokenID < snap.Approvals[j].TokenID })
	return snap
}

func fromBig(v *big.Int) (uint256.Int, error) {
	if v == nil {
		return uint256.Int{}, nil
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return uint256.Int{}, fmt.Errorf("value %s overflows 256 bits", v)
	}
	return *u, nil
}

// Restore replaces all state with snap.
func (l *Ledger) Restore(snap Snapshot) error {
	positions := make([]Position, 1, len(snap.Positions)+1)
	for i, e := range snap.Positions {
		if uint64(e.ID) != uint64(i+1) {
			return fmt.Errorf("position snapshot out of order at %d (id %d)", i+1, e.ID)
		}
		p := Position{ID: e.ID, Slot: e.Slot, Owner: e.Owner, State: e.State, Units: e.Units, Live: e.Live}
		var err error
		if p.Amount, err = fromBig(e.Amount); err != nil {
			return err
		}
		if p.LockedAmount, err = fromBig(e.LockedAmount); err != nil {
			return err
		}
		if p.Premium, err = fromBig(e.Premium); err != nil {
			return err
		}
		positions = append(positions, p)
	}

	terms := make([]Terms, 1, len(snap.Terms)+1)
	for _, e := range snap.Terms {
		strike, err := fromBig(e.Strike)
		if err != nil {
			return err
		}
		terms = append(terms, Terms{Strike: strike, Expiration: e.Expiration, OptionType: e.OptionType})
	}

	origins := make([]Totals, 1, len(snap.Origins)+1)
	for _, e := range snap.Origins {
		o := Totals{Units: e.Units}
		var err error
		if o.Amount, err = fromBig(e.Amount); err != nil {
			return err
		}
		if o.LockedAmount, err = fromBig(e.LockedAmount); err != nil {
			return err
		}
		if o.Premium, err = fromBig(e.Premium); err != nil {
			return err
		}
		origins = append(origins, o)
	}
	if len(terms) != len(origins) {
		return fmt.Errorf("snapshot has %d slot terms but %d slot origins", len(terms)-1, len(origins)-1)
	}

	approvals := make(map[TokenID]common.Address, len(snap.Approvals))
	for _, e := range snap.Approvals {
		approvals[e.TokenID] = e.Spender
	}

	l.positions = positions
	l.terms = terms
	l.origins = origins
	l.approvals = approvals
	return nil
}
