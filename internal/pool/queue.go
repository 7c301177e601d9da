package pool

import (
	"fmt"

	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"
	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrStaleRequest = fmt.Errorf("pending withdraw request belongs to an earlier round: %w", errs.ErrConservationViolation)

// WithdrawalRequest is one queued withdrawal. Amount is in collateral units.
type WithdrawalRequest struct {
	Account common.Address
	Amount  uint256.Int
	Round   uint64
	Index   uint64
}

// WithdrawalQueue is a FIFO of per-account requests addressed by a
// monotonically increasing index. An account has at most one pending entry;
// repeated requests accumulate into it.
type WithdrawalQueue struct {
	start   uint64
	end     uint64
	entries map[uint64]*WithdrawalRequest
	byOwner map[common.Address]uint64
}

func NewWithdrawalQueue() *WithdrawalQueue {
	return &WithdrawalQueue{
		entries: make(map[uint64]*WithdrawalRequest),
		byOwner: make(map[common.Address]uint64),
	}
}

func (q *WithdrawalQueue) Start() uint64 { return q.start }
func (q *WithdrawalQueue) End() uint64   { return q.end }
func (q *WithdrawalQueue) Len() uint64   { return q.end - q.start }

// Request returns account's pending request.
func (q *WithdrawalQueue) Request(account common.Address) (WithdrawalRequest, bool) {
	idx, ok := q.byOwner[account]
	if !ok {
		return WithdrawalRequest{}, false
	}
	return *q.entries[idx], true
}

// Pending lists pending requests in FIFO order.
func (q *WithdrawalQueue) Pending() []WithdrawalRequest {
	out := make([]WithdrawalRequest, 0, q.Len())
	for i := q.start; i < q.end; i++ {
		out = append(out, *q.entries[i])
	}
	return out
}

// Enqueue appends a request or accumulates into account's pending one.
func (q *WithdrawalQueue) Enqueue(account common.Address, amount *uint256.Int, round uint64) (WithdrawalRequest, error) {
	if idx, ok := q.byOwner[account]; ok {
		req := q.entries[idx]
		if req.Round != round {
			return WithdrawalRequest{}, fmt.Errorf("account %s round %d, current %d: %w",
				account.Hex(), req.Round, round, ErrStaleRequest)
		}
		total, err := fpmath.Add(&req.Amount, amount)
		if err != nil {
			return WithdrawalRequest{}, err
		}
		req.Amount = *total
		return *req, nil
	}

	req := &WithdrawalRequest{Account: account, Amount: *fpmath.Clone(amount), Round: round, Index: q.end}
	q.entries[q.end] = req
	q.byOwner[account] = q.end
	q.end++
	return *req, nil
}

func (q *WithdrawalQueue) pop() {
	req := q.entries[q.start]
	delete(q.byOwner, req.Account)
	delete(q.entries, q.start)
	q.start++
	if q.start == q.end {
		q.start, q.end = 0, 0
	}
}

func (q *WithdrawalQueue) checkInvariants() error {
	if q.start > q.end {
		return fmt.Errorf("queue start %d past end %d: %w", q.start, q.end, errs.ErrConservationViolation)
	}
	if uint64(len(q.entries)) != q.Len() || len(q.byOwner) != len(q.entries) {
		return fmt.Errorf("queue holds %d entries, %d owners, window %d: %w",
			len(q.entries), len(q.byOwner), q.Len(), errs.ErrConservationViolation)
	}
	for i := q.start; i < q.end; i++ {
		req, ok := q.entries[i]
		if !ok || q.byOwner[req.Account] != i {
			return fmt.Errorf("queue index %d inconsistent: %w", i, errs.ErrConservationViolation)
		}
	}
	return nil
}

// ProcessResult summarizes one ProcessWithdrawRequests call.
type ProcessResult struct {
	Processed uint64
	Remaining uint64
	Reopened  bool
}

// ProcessWithdrawRequests pays out up to steps queued requests in FIFO
// order against the post-rollover state. Each request pays
// min(requested, entitlement at processing time). When the queue drains the
// pool reopens for immediate requests and new locks. Requests queued in the
// current round wait for the next rollover; an empty queue in an open round
// is a no-op.
func (p *Pool) ProcessWithdrawRequests(steps uint64) (ProcessResult, error) {
	if p.queue.Len() > 0 && p.queue.entries[p.queue.start].Round == p.round {
		return ProcessResult{}, ErrRoundActive
	}
	if p.acceptingWithdrawals {
		return ProcessResult{}, nil
	}

	n := steps
	if remaining := p.queue.Len(); n > remaining {
		n = remaining
	}

	type outcome struct {
		req          WithdrawalRequest
		paid, burned *uint256.Int
	}
	outcomes := make([]outcome, 0, n)

	tx := p.bt.Begin("")
	for i := uint64(0); i < n; i++ {
		req := *p.queue.entries[p.queue.start+i]
		paid, burned, err := p.withdrawIn(tx, req.Account, &req.Amount)
		if err != nil {
			return ProcessResult{}, fmt.Errorf("queue index %d: %w", req.Index, err)
		}
		outcomes = append(outcomes, outcome{req: req, paid: paid, burned: burned})
	}
	tx.Commit()

	for _, o := range outcomes {
		p.queue.pop()
		p.rec.Emit(event.Withdraw{Account: o.req.Account, Amount: o.paid, BurnAmount: o.burned})
		p.rec.Emit(event.WithdrawProcessed{
			Account:    o.req.Account,
			Requested:  fpmath.Clone(&o.req.Amount),
			Paid:       fpmath.Clone(o.paid),
			Round:      o.req.Round,
			QueueIndex: o.req.Index,
		})
	}

	res := ProcessResult{Processed: n, Remaining: p.queue.Len()}
	if p.queue.Len() == 0 {
		p.acceptingWithdrawals = true
		res.Reopened = true
		p.rec.Emit(event.WithdrawalsReopened{Round: p.round})
	}
	return res, nil
}
