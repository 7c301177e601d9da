package position

import (
	"fmt"

	"OptionsLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TokenID identifies a fractional position token. Zero is never assigned.
type TokenID uint64

// SlotID groups every token derived from one creation.
type SlotID uint64

// UnitsPerSlot is the unit count minted with every new slot.
const UnitsPerSlot uint64 = 1_000_000

// OptionType mirrors the protocol's type tags.
type OptionType uint8

const (
	OptionTypeAll OptionType = iota
	OptionTypePut
	OptionTypeCall
	OptionTypeNone
)

func (t OptionType) String() string {
	switch t {
	case OptionTypeAll:
		return "ALL"
	case OptionTypePut:
		return "PUT"
	case OptionTypeCall:
		return "CALL"
	case OptionTypeNone:
		return "NONE"
	default:
		return "Unknown"
	}
}

// State is an option token's lifecycle state.
type State uint8

const (
	StateInactive State = iota
	StateActive
	StateExercised
	StateExpired
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateExercised:
		return "Exercised"
	case StateExpired:
		return "Expired"
	case StateUnlocked:
		return "Unlocked"
	default:
		return "Inactive"
	}
}

// CanTransitionTo validates state transitions
func (s State) CanTransitionTo(next State) bool {
	validTransitions := map[State][]State{
		StateActive: {
			StateExercised,
			StateExpired,
			StateUnlocked,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateExercised || s == StateExpired || s == StateUnlocked
}

// Terms are shared by every token of a slot.
type Terms struct {
	Strike     uint256.Int
	Expiration int64 // unix seconds
	OptionType OptionType
}

// Position is one token's share of its slot.
type Position struct {
	ID           TokenID
	Slot         SlotID
	Owner        common.Address
	State        State
	Units        uint64
	Amount       uint256.Int
	LockedAmount uint256.Int
	Premium      uint256.Int
	Live         bool
}

// Totals aggregates the proportional attributes of a set of tokens.
type Totals struct {
	Units        uint64
	Amount       uint256.Int
	LockedAmount uint256.Int
	Premium      uint256.Int
}

func (t *Totals) add(p *Position) {
	t.Units += p.Units
	t.Amount.Add(&t.Amount, &p.Amount)
	t.LockedAmount.Add(&t.LockedAmount, &p.LockedAmount)
	t.Premium.Add(&t.Premium, &p.Premium)
}

// Equal compares every field.
func (t Totals) Equal(o Totals) bool {
	return t.Units == o.Units &&
		t.Amount.Eq(&o.Amount) &&
		t.LockedAmount.Eq(&o.LockedAmount) &&
		t.Premium.Eq(&o.Premium)
}

func (t Totals) String() string {
	return fmt.Sprintf("units=%d amount=%s locked=%s premium=%s",
		t.Units, t.Amount.Dec(), t.LockedAmount.Dec(), t.Premium.Dec())
}

// Protocol failure codes for the token ledger.
const (
	CodeEmptyUnits       = "N1"
	CodeSplitNotOwner    = "N2"
	CodeEmptyMerge       = "N4"
	CodeMergeNotOwner    = "N5"
	CodeSelfMerge        = "N6"
	CodeTransferNotOwner = "N9"
	CodeZeroRecipient    = "N10"
)

var (
	ErrEmptyUnits        = fmt.Errorf("unit list is empty: %w", errs.ErrInvalidArgument)
	ErrNotOwner          = fmt.Errorf("caller is not owner nor approved: %w", errs.ErrAuthorization)
	ErrEmptyMerge        = fmt.Errorf("merge list is empty: %w", errs.ErrInvalidArgument)
	ErrSelfMerge         = fmt.Errorf("target token is among merge sources: %w", errs.ErrInvalidArgument)
	ErrInvalidRecipient  = fmt.Errorf("recipient is the zero address: %w", errs.ErrInvalidArgument)
	ErrInsufficientUnits = fmt.Errorf("units exceed token balance: %w", errs.ErrInvalidArgument)
	ErrUnknownToken      = fmt.Errorf("token does not exist: %w", errs.ErrInvalidArgument)
	ErrZeroUnits         = fmt.Errorf("unit count must be positive: %w", errs.ErrInvalidArgument)
	ErrSlotMismatch      = fmt.Errorf("tokens belong to different slots: %w", errs.ErrInvalidArgument)
	ErrDuplicateToken    = fmt.Errorf("token listed twice: %w", errs.ErrInvalidArgument)
	ErrTargetOwner       = fmt.Errorf("target token not owned by recipient: %w", errs.ErrInvalidArgument)
	ErrInvalidTransition = fmt.Errorf("invalid state transition: %w", errs.ErrPrecondition)
)
