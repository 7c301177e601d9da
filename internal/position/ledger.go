package position

import (
	"fmt"

	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"
	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Ledger owns the unit partition of every slot. Positions live in an arena
// indexed by token id; a burned token keeps its slot in the arena with Live
// cleared so ids are never reused.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type Ledger struct {
	positions []Position // index == TokenID, index 0 reserved
	terms     []Terms    // index == SlotID, index 0 reserved
	origins   []Totals   // creation-time totals per slot
	approvals map[TokenID]common.Address
	rec       *event.Recorder
}

func NewLedger(rec *event.Recorder) *Ledger {
	return &Ledger{
		positions: make([]Position, 1),
		terms:     make([]Terms, 1),
		origins:   make([]Totals, 1),
		approvals: make(map[TokenID]common.Address),
		rec:       rec,
	}
}

func (l *Ledger) lookup(id TokenID) (*Position, error) {
	if id == 0 || uint64(id) >= uint64(len(l.positions)) || !l.positions[id].Live {
		return nil, fmt.Errorf("token %d: %w", id, ErrUnknownToken)
	}
	return &l.positions[id], nil
}

func (l *Ledger) isAuthorized(caller common.Address, p *Position) bool {
	if caller == (common.Address{}) {
		return false
	}
	return p.Owner == caller || l.approvals[p.ID] == caller
}

// share returns floor(v * units / total).
func share(v *uint256.Int, units, total uint64) (*uint256.Int, error) {
	return fpmath.MulDivDown(v, uint256.NewInt(units), uint256.NewInt(total))
}

// Create mints a new slot with one token holding UnitsPerSlot units.
func (l *Ledger) Create(owner common.Address, terms Terms, amount, lockedAmount, premium *uint256.Int) (TokenID, error) {
	if owner == (common.Address{}) {
		return 0, errs.WithCode(ErrInvalidRecipient, CodeZeroRecipient)
	}

	slot := SlotID(len(l.terms))
	id := TokenID(len(l.positions))

	p := Position{
		ID:    id,
		Slot:  slot,
		Owner: owner,
		State: StateActive,
		Units: UnitsPerSlot,
		Live:  true,
	}
	p.Amount.Set(amount)
	p.LockedAmount.Set(lockedAmount)
	p.Premium.Set(premium)

	var origin Totals
	origin.add(&p)

	l.terms = append(l.terms, terms)
	l.origins = append(l.origins, origin)
	l.positions = append(l.positions, p)

	l.rec.Emit(event.PositionCreated{
		TokenID:      uint64(id),
		Slot:         uint64(slot),
		Owner:        owner,
		Units:        p.Units,
		Amount:       fpmath.Clone(amount),
		LockedAmount: fpmath.Clone(lockedAmount),
		Premium:      fpmath.Clone(premium),
	})
	return id, nil
}

// Split carves new tokens out of id, one per requested unit count. Each child
// receives floor(value*u/U) of the parent's amount, locked amount and premium,
// where U is the parent's unit count before the split; the remainder stays with
// the parent, which is never burned here.
func (l *Ledger) Split(caller common.Address, id TokenID, units []uint64) ([]TokenID, error) {
	parent, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, errs.WithCode(ErrEmptyUnits, CodeEmptyUnits)
	}
	if !l.isAuthorized(caller, parent) {
		return nil, errs.WithCode(ErrNotOwner, CodeSplitNotOwner)
	}

	var total uint64
	for _, u := range units {
		if u == 0 {
			return nil, ErrZeroUnits
		}
		if total+u < total || total+u > parent.Units {
			return nil, fmt.Errorf("split %d units of %d: %w", total+u, parent.Units, ErrInsufficientUnits)
		}
		total += u
	}

	base := *parent
	children := make([]Position, len(units))
	var taken Totals
	for i, u := range units {
		amount, err := share(&base.Amount, u, base.Units)
		if err != nil {
			return nil, err
		}
		locked, err := share(&base.LockedAmount, u, base.Units)
		if err != nil {
			return nil, err
		}
		premium, err := share(&base.Premium, u, base.Units)
		if err != nil {
			return nil, err
		}
		children[i] = Position{
			ID:    TokenID(len(l.positions) + i),
			Slot:  base.Slot,
			Owner: base.Owner,
			State: base.State,
			Units: u,
			Live:  true,
		}
		children[i].Amount.Set(amount)
		children[i].LockedAmount.Set(locked)
		children[i].Premium.Set(premium)
		taken.add(&children[i])
	}

	// Apply. Nothing below can fail.
	l.positions = append(l.positions, children...)
	parent = &l.positions[id]
	parent.Units -= taken.Units
	parent.Amount.Sub(&parent.Amount, &taken.Amount)
	parent.LockedAmount.Sub(&parent.LockedAmount, &taken.LockedAmount)
	parent.Premium.Sub(&parent.Premium, &taken.Premium)

	newIDs := make([]TokenID, len(children))
	rawIDs := make([]uint64, len(children))
	for i := range children {
		newIDs[i] = children[i].ID
		rawIDs[i] = uint64(children[i].ID)
	}
	l.rec.Emit(event.Split{
		TokenID:     uint64(id),
		NewTokenIDs: rawIDs,
		Units:       append([]uint64(nil), units...),
	})
	return newIDs, nil
}

// Merge folds every source token into target and burns the sources.
func (l *Ledger) Merge(caller common.Address, sources []TokenID, target TokenID) error {
	tgt, err := l.lookup(target)
	if err != nil {
		return err
	}
	if !l.isAuthorized(caller, tgt) {
		return errs.WithCode(ErrNotOwner, CodeMergeNotOwner)
	}
	if len(sources) == 0 {
		return errs.WithCode(ErrEmptyMerge, CodeEmptyMerge)
	}

	seen := make(map[TokenID]bool, len(sources))
	var moved Totals
	for _, sid := range sources {
		if sid == target {
			return errs.WithCode(ErrSelfMerge, CodeSelfMerge)
		}
		if seen[sid] {
			return fmt.Errorf("token %d: %w", sid, ErrDuplicateToken)
		}
		seen[sid] = true

		src, err := l.lookup(sid)
		if err != nil {
			return err
		}
		if !l.isAuthorized(caller, src) {
			return errs.WithCode(ErrNotOwner, CodeMergeNotOwner)
		}
		if src.Slot != tgt.Slot {
			return fmt.Errorf("token %d slot %d, target slot %d: %w", sid, src.Slot, tgt.Slot, ErrSlotMismatch)
		}
		moved.add(src)
	}

	tgt.Units += moved.Units
	tgt.Amount.Add(&tgt.Amount, &moved.Amount)
	tgt.LockedAmount.Add(&tgt.LockedAmount, &moved.LockedAmount)
	tgt.Premium.Add(&tgt.Premium, &moved.Premium)

	ids := make([]uint64, len(sources))
	for i, sid := range sources {
		l.burn(sid)
		ids[i] = uint64(sid)
	}

	l.rec.Emit(event.Merge{TokenIDs: ids, TargetID: uint64(target), Units: moved.Units})
	return nil
}

// TransferUnits moves units (and the proportional attributes) from fromID to
// `to`. With toID == 0 a new token is minted for `to`; otherwise units are
// added into toID, which must be in the same slot and owned by `to`. A source
// drained to zero units is burned.
func (l *Ledger) TransferUnits(caller common.Address, fromID TokenID, to common.Address, units uint64, toID TokenID) (TokenID, error) {
	src, err := l.lookup(fromID)
	if err != nil {
		return 0, err
	}
	if to == (common.Address{}) {
		return 0, errs.WithCode(ErrInvalidRecipient, CodeZeroRecipient)
	}
	if !l.isAuthorized(caller, src) {
		return 0, errs.WithCode(ErrNotOwner, CodeTransferNotOwner)
	}
	if units == 0 {
		return 0, ErrZeroUnits
	}
	if units > src.Units {
		return 0, fmt.Errorf("transfer %d units of %d: %w", units, src.Units, ErrInsufficientUnits)
	}

	if toID != 0 {
		dst, err := l.lookup(toID)
		if err != nil {
			return 0, err
		}
		if toID == fromID {
			return 0, fmt.Errorf("token %d: %w", toID, ErrDuplicateToken)
		}
		if dst.Slot != src.Slot {
			return 0, fmt.Errorf("token %d slot %d, target slot %d: %w", fromID, src.Slot, dst.Slot, ErrSlotMismatch)
		}
		if dst.Owner != to {
			return 0, fmt.Errorf("token %d: %w", toID, ErrTargetOwner)
		}
	}

	amount, err := share(&src.Amount, units, src.Units)
	if err != nil {
		return 0, err
	}
	locked, err := share(&src.LockedAmount, units, src.Units)
	if err != nil {
		return 0, err
	}
	premium, err := share(&src.Premium, units, src.Units)
	if err != nil {
		return 0, err
	}

	// Apply.
	if toID == 0 {
		toID = TokenID(len(l.positions))
		l.positions = append(l.positions, Position{
			ID:    toID,
			Slot:  src.Slot,
			Owner: to,
			State: src.State,
			Live:  true,
		})
		src = &l.positions[fromID]
	}
	dst := &l.positions[toID]
	dst.Units += units
	dst.Amount.Add(&dst.Amount, amount)
	dst.LockedAmount.Add(&dst.LockedAmount, locked)
	dst.Premium.Add(&dst.Premium, premium)

	src.Units -= units
	src.Amount.Sub(&src.Amount, amount)
	src.LockedAmount.Sub(&src.LockedAmount, locked)
	src.Premium.Sub(&src.Premium, premium)

	burned := src.Units == 0
	if burned {
		l.burn(fromID)
	}

	l.rec.Emit(event.UnitsTransferred{
		FromTokenID: uint64(fromID),
		ToTokenID:   uint64(toID),
		To:          to,
		Units:       units,
		Burned:      burned,
	})
	return toID, nil
}

// TransferFrom moves ownership of the whole token.
func (l *Ledger) TransferFrom(caller, from, to common.Address, id TokenID) error {
	p, err := l.lookup(id)
	if err != nil {
		return err
	}
	if p.Owner != from || !l.isAuthorized(caller, p) {
		return errs.WithCode(ErrNotOwner, CodeTransferNotOwner)
	}
	if to == (common.Address{}) {
		return errs.WithCode(ErrInvalidRecipient, CodeZeroRecipient)
	}

	p.Owner = to
	delete(l.approvals, id)
	l.rec.Emit(event.Transfer{From: from, To: to, TokenID: uint64(id)})
	return nil
}

// Approve lets spender act on the token until the next ownership change.
// A zero spender clears the approval.
func (l *Ledger) Approve(caller, spender common.Address, id TokenID) error {
	p, err := l.lookup(id)
	if err != nil {
		return err
	}
	if p.Owner != caller {
		return fmt.Errorf("approve token %d: %w", id, ErrNotOwner)
	}
	if spender == (common.Address{}) {
		delete(l.approvals, id)
		return nil
	}
	l.approvals[id] = spender
	return nil
}

// Transition moves a token to next, enforcing the lifecycle table.
func (l *Ledger) Transition(id TokenID, next State) error {
	p, err := l.lookup(id)
	if err != nil {
		return err
	}
	if !p.State.CanTransitionTo(next) {
		return fmt.Errorf("token %d %s -> %s: %w", id, p.State, next, ErrInvalidTransition)
	}
	p.State = next
	return nil
}

func (l *Ledger) burn(id TokenID) {
	p := &l.positions[id]
	p.Live = false
	p.Owner = common.Address{}
	p.Units = 0
	p.Amount.Clear()
	p.LockedAmount.Clear()
	p.Premium.Clear()
	delete(l.approvals, id)
}

// --- Lookups ---

// Get returns a copy of a live token.
func (l *Ledger) Get(id TokenID) (Position, error) {
	p, err := l.lookup(id)
	if err != nil {
		return Position{}, err
	}
	return *p, nil
}

func (l *Ledger) OwnerOf(id TokenID) (common.Address, error) {
	p, err := l.lookup(id)
	if err != nil {
		return common.Address{}, err
	}
	return p.Owner, nil
}

func (l *Ledger) UnitsInToken(id TokenID) (uint64, error) {
	p, err := l.lookup(id)
	if err != nil {
		return 0, err
	}
	return p.Units, nil
}

func (l *Ledger) SlotOf(id TokenID) (SlotID, error) {
	p, err := l.lookup(id)
	if err != nil {
		return 0, err
	}
	return p.Slot, nil
}

// Terms returns the shared terms of a slot.
func (l *Ledger) Terms(slot SlotID) (Terms, error) {
	if slot == 0 || uint64(slot) >= uint64(len(l.terms)) {
		return Terms{}, fmt.Errorf("slot %d: %w", slot, ErrUnknownToken)
	}
	return l.terms[slot], nil
}

// GetApproved returns the approved spender, or the zero address.
func (l *Ledger) GetApproved(id TokenID) common.Address {
	return l.approvals[id]
}

// TokensOf lists live tokens owned by owner in id order.
func (l *Ledger) TokensOf(owner common.Address) []TokenID {
	var out []TokenID
	for i := 1; i < len(l.positions); i++ {
		if l.positions[i].Live && l.positions[i].Owner == owner {
			out = append(out, TokenID(i))
		}
	}
	return out
}

// SlotTokens lists live tokens of slot in id order.
func (l *Ledger) SlotTokens(slot SlotID) []TokenID {
	var out []TokenID
	for i := 1; i < len(l.positions); i++ {
		if l.positions[i].Live && l.positions[i].Slot == slot {
			out = append(out, TokenID(i))
		}
	}
	return out
}

// SlotTotals sums the live tokens of slot.
func (l *Ledger) SlotTotals(slot SlotID) Totals {
	var t Totals
	for i := 1; i < len(l.positions); i++ {
		if l.positions[i].Live && l.positions[i].Slot == slot {
			t.add(&l.positions[i])
		}
	}
	return t
}

// CreationTotals returns the totals a slot was minted with.
func (l *Ledger) CreationTotals(slot SlotID) (Totals, error) {
	if slot == 0 || uint64(slot) >= uint64(len(l.origins)) {
		return Totals{}, fmt.Errorf("slot %d: %w", slot, ErrUnknownToken)
	}
	return l.origins[slot], nil
}

// CheckConservation verifies every slot still sums to its creation totals.
func (l *Ledger) CheckConservation() error {
	current := make([]Totals, len(l.origins))
	for i := 1; i < len(l.positions); i++ {
		p := &l.positions[i]
		if p.Live {
			current[p.Slot].add(p)
		}
	}
	for slot := 1; slot < len(l.origins); slot++ {
		if !current[slot].Equal(l.origins[slot]) {
			return fmt.Errorf("slot %d holds %s, minted %s: %w",
				slot, current[slot], l.origins[slot], errs.ErrConservationViolation)
		}
	}
	return nil
}

// TokenCount returns the number of ids ever assigned.
func (l *Ledger) TokenCount() int {
	return len(l.positions) - 1
}

// NextTokenID is the id the next Create, Split or TransferUnits will assign first.
func (l *Ledger) NextTokenID() TokenID {
	return TokenID(len(l.positions))
}
