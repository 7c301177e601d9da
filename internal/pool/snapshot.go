package pool

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type LockEntry struct {
	Issuer  common.Address `json:"issuer"`
	ID      uint64         `json:"id"`
	Amount  *big.Int       `json:"amount"`
	Premium *big.Int       `json:"premium"`
	Locked  bool           `json:"locked"`
}

type RequestEntry struct {
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
	Round   uint64         `json:"round"`
	Index   uint64         `json:"index"`
}

// Snapshot is the serializable pool state. Token balances live in the
// balance tracker's own snapshot.
type Snapshot struct {
	LockedAmount         *big.Int       `json:"locked_amount"`
	LockedPremium        *big.Int       `json:"locked_premium"`
	Round                uint64         `json:"round"`
	Expiry               int64          `json:"expiry"`
	AcceptingWithdrawals bool           `json:"accepting_withdrawals"`
	Ended                bool           `json:"ended"`
	MaxLiquidity         *big.Int       `json:"max_liquidity"`
	ProjectOwner         common.Address `json:"project_owner"`
	Locks                []LockEntry    `json:"locks"`
	QueueStart           uint64         `json:"queue_start"`
	QueueEnd             uint64         `json:"queue_end"`
	Requests             []RequestEntry `json:"requests"`
}

func (p *Pool) Snapshot() Snapshot {
	snap := Snapshot{
		LockedAmount:         p.lockedAmount.ToBig(),
		LockedPremium:        p.lockedPremium.ToBig(),
		Round:                p.round,
		Expiry:               p.expiry,
		AcceptingWithdrawals: p.acceptingWithdrawals,
		Ended:                p.ended,
		MaxLiquidity:         p.maxLiquidity.ToBig(),
		ProjectOwner:         p.projectOwner,
		Locks:                make([]LockEntry, 0, len(p.locks)),
		QueueStart:           p.queue.start,
		QueueEnd:             p.queue.end,
		Requests:             make([]RequestEntry, 0, p.queue.Len()),
	}
	for key, ll := range p.locks {
		snap.Locks = append(snap.Locks, LockEntry{
			Issuer:  key.Issuer,
			ID:      key.ID,
			Amount:  ll.Amount.ToBig(),
			Premium: ll.Premium.ToBig(),
			Locked:  ll.Locked,
		})
	}
	sort.Slice(snap.Locks, func(i, j int) bool {
		a, b := snap.Locks[i], snap.Locks[j]
		if a.Issuer != b.Issuer {
			return a.Issuer.Cmp(b.Issuer) < 0
		}
		return a.ID < b.ID
	})
	for _, req := range p.queue.Pending() {
		snap.Requests = append(snap.Requests, RequestEntry{
			Account: req.Account,
			Amount:  req.Amount.ToBig(),
			Round:   req.Round,
			Index:   req.Index,
		})
	}
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

// Restore replaces pool state with snap. The queue window is re-validated.
func (p *Pool) Restore(snap Snapshot) error {
	lockedAmount, err := fromBig(snap.LockedAmount)
	if err != nil {
		return err
	}
	lockedPremium, err := fromBig(snap.LockedPremium)
	if err != nil {
		return err
	}
	maxLiquidity, err := fromBig(snap.MaxLiquidity)
	if err != nil {
		return err
	}

	locks := make(map[LockKey]*LockedLiquidity, len(snap.Locks))
	for _, e := range snap.Locks {
		ll := &LockedLiquidity{Locked: e.Locked}
		if ll.Amount, err = fromBig(e.Amount); err != nil {
			return err
		}
		if ll.Premium, err = fromBig(e.Premium); err != nil {
			return err
		}
		locks[LockKey{Issuer: e.Issuer, ID: e.ID}] = ll
	}

	queue := NewWithdrawalQueue()
	queue.start, queue.end = snap.QueueStart, snap.QueueEnd
	for _, e := range snap.Requests {
		amount, err := fromBig(e.Amount)
		if err != nil {
			return err
		}
		queue.entries[e.Index] = &WithdrawalRequest{Account: e.Account, Amount: amount, Round: e.Round, Index: e.Index}
		queue.byOwner[e.Account] = e.Index
	}
	if err := queue.checkInvariants(); err != nil {
		return fmt.Errorf("restore withdraw queue: %w", err)
	}

	p.lockedAmount = lockedAmount
	p.lockedPremium = lockedPremium
	p.maxLiquidity = maxLiquidity
	p.round = snap.Round
	p.expiry = snap.Expiry
	p.acceptingWithdrawals = snap.AcceptingWithdrawals
	p.ended = snap.Ended
	p.projectOwner = snap.ProjectOwner
	p.locks = locks
	p.queue = queue
	return nil
}
