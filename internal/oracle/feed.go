package oracle

import (
	"fmt"
	"math/big"
	"sort"

	"OptionsLedger/internal/errs"

	"github.com/holiman/uint256"
)

var (
	ErrUnknownRound = fmt.Errorf("unknown oracle round: %w", errs.ErrPrecondition)
	ErrNoPrice      = fmt.Errorf("oracle has no price: %w", errs.ErrPrecondition)
	ErrStaleRound   = fmt.Errorf("round id not increasing: %w", errs.ErrInvalidArgument)
	ErrZeroPrice    = fmt.Errorf("price must be positive: %w", errs.ErrInvalidArgument)
)

// Round is one price observation. Prices carry 8 decimals.
type Round struct {
	ID        uint64
	Price     uint256.Int
	Timestamp int64 // unix seconds
}

// Feed is the read side consumed by the option ledger.
type Feed interface {
	CurrentPrice() (*uint256.Int, error)
	RoundData(id uint64) (Round, error)
	LatestRoundID() uint64
}

// MemoryFeed stores published rounds. Round ids may be sparse; a missing id
// reads as ErrUnknownRound, like an empty aggregator slot.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type MemoryFeed struct {
	rounds map[uint64]Round
	latest uint64
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{rounds: make(map[uint64]Round)}
}

// Publish appends a round. Ids must strictly increase.
func (f *MemoryFeed) Publish(id uint64, price *uint256.Int, timestamp int64) error {
	if id == 0 || id <= f.latest {
		return fmt.Errorf("round %d after %d: %w", id, f.latest, ErrStaleRound)
	}
	if price.IsZero() {
		return ErrZeroPrice
	}
	f.rounds[id] = Round{ID: id, Price: *new(uint256.Int).Set(price), Timestamp: timestamp}
	f.latest = id
	return nil
}

// CurrentPrice returns the latest round's price.
func (f *MemoryFeed) CurrentPrice() (*uint256.Int, error) {
	r, ok := f.rounds[f.latest]
	if !ok {
		return nil, ErrNoPrice
	}
	return new(uint256.Int).Set(&r.Price), nil
}

func (f *MemoryFeed) RoundData(id uint64) (Round, error) {
	r, ok := f.rounds[id]
	if !ok {
		return Round{}, fmt.Errorf("round %d: %w", id, ErrUnknownRound)
	}
	return r, nil
}

func (f *MemoryFeed) LatestRoundID() uint64 {
	return f.latest
}

// RoundEntry is the serialized form of a round.
type RoundEntry struct {
	ID        uint64   `json:"id"`
	Price     *big.Int `json:"price"`
	Timestamp int64    `json:"timestamp"`
}

// Snapshot returns all rounds in id order.
func (f *MemoryFeed) Snapshot() []RoundEntry {
	out := make([]RoundEntry, 0, len(f.rounds))
	for _, r := range f.rounds {
		out = append(out, RoundEntry{ID: r.ID, Price: r.Price.ToBig(), Timestamp: r.Timestamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces all rounds.
func (f *MemoryFeed) Restore(entries []RoundEntry) error {
	rounds := make(map[uint64]Round, len(entries))
	var latest uint64
	for _, e := range entries {
		p, overflow := uint256.FromBig(e.Price)
		if overflow {
			return fmt.Errorf("round %d price overflows 256 bits", e.ID)
		}
		rounds[e.ID] = Round{ID: e.ID, Price: *p, Timestamp: e.Timestamp}
		if e.ID > latest {
			latest = e.ID
		}
	}
	f.rounds = rounds
	f.latest = latest
	return nil
}
