package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Record is a typed audit event emitted by a ledger operation. Records are
// emitted only after an operation has passed every check, so a failed
// operation never leaves records behind.
type Record interface {
	RecordName() string
}

// Recorder collects records in emission order.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type Recorder struct {
	records []Record
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(rec Record) {
	r.records = append(r.records, rec)
}

// Drain returns and clears the collected records.
func (r *Recorder) Drain() []Record {
	out := r.records
	r.records = nil
	return out
}

func (r *Recorder) Len() int {
	return len(r.records)
}

// --- Pool records ---

type Provide struct {
	Account     common.Address `json:"account"`
	Amount      *uint256.Int   `json:"amount"`
	WriteAmount *uint256.Int   `json:"write_amount"` // shares minted to the provider
	AdminShares *uint256.Int   `json:"admin_shares"`
}

func (Provide) RecordName() string { return "Provide" }

type Withdraw struct {
	Account    common.Address `json:"account"`
	Amount     *uint256.Int   `json:"amount"`
	BurnAmount *uint256.Int   `json:"burn_amount"`
}

func (Withdraw) RecordName() string { return "Withdraw" }

type InitiateWithdraw struct {
	Account    common.Address `json:"account"`
	Amount     *uint256.Int   `json:"amount"` // accumulated request amount
	Round      uint64         `json:"round"`
	QueueIndex uint64         `json:"queue_index"`
}

func (InitiateWithdraw) RecordName() string { return "InitiateWithdraw" }

type WithdrawProcessed struct {
	Account    common.Address `json:"account"`
	Requested  *uint256.Int   `json:"requested"`
	Paid       *uint256.Int   `json:"paid"`
	Round      uint64         `json:"round"`
	QueueIndex uint64         `json:"queue_index"`
}

func (WithdrawProcessed) RecordName() string { return "WithdrawProcessed" }

type Locked struct {
	Issuer  common.Address `json:"issuer"`
	LockID  uint64         `json:"lock_id"`
	Amount  *uint256.Int   `json:"amount"`
	Premium *uint256.Int   `json:"premium"`
}

func (Locked) RecordName() string { return "Locked" }

type LockChanged struct {
	Issuer     common.Address `json:"issuer"`
	LockID     uint64         `json:"lock_id"`
	OldAmount  *uint256.Int   `json:"old_amount"`
	NewAmount  *uint256.Int   `json:"new_amount"`
	OldPremium *uint256.Int   `json:"old_premium"`
	NewPremium *uint256.Int   `json:"new_premium"`
}

func (LockChanged) RecordName() string { return "LockChanged" }

// Unlocked marks a lock released by send or unlock.
type Unlocked struct {
	Issuer common.Address `json:"issuer"`
	LockID uint64         `json:"lock_id"`
	Payout *uint256.Int   `json:"payout"`
}

func (Unlocked) RecordName() string { return "Unlocked" }

type Profit struct {
	LockID uint64       `json:"lock_id"`
	Amount *uint256.Int `json:"amount"`
}

func (Profit) RecordName() string { return "Profit" }

type Loss struct {
	LockID uint64       `json:"lock_id"`
	Amount *uint256.Int `json:"amount"`
}

func (Loss) RecordName() string { return "Loss" }

type RolledOver struct {
	Round  uint64 `json:"round"`
	Expiry int64  `json:"expiry"`
}

func (RolledOver) RecordName() string { return "RolledOver" }

type PoolStateChanged struct {
	Ended bool `json:"ended"`
}

func (PoolStateChanged) RecordName() string { return "PoolStateChanged" }

type WithdrawalsReopened struct {
	Round uint64 `json:"round"`
}

func (WithdrawalsReopened) RecordName() string { return "WithdrawalsReopened" }

// --- Position records ---

type PositionCreated struct {
	TokenID      uint64         `json:"token_id"`
	Slot         uint64         `json:"slot"`
	Owner        common.Address `json:"owner"`
	Units        uint64         `json:"units"`
	Amount       *uint256.Int   `json:"amount"`
	LockedAmount *uint256.Int   `json:"locked_amount"`
	Premium      *uint256.Int   `json:"premium"`
}

func (PositionCreated) RecordName() string { return "PositionCreated" }

type Split struct {
	TokenID     uint64   `json:"token_id"`
	NewTokenIDs []uint64 `json:"new_token_ids"`
	Units       []uint64 `json:"units"`
}

func (Split) RecordName() string { return "Split" }

type Merge struct {
	TokenIDs []uint64 `json:"token_ids"`
	TargetID uint64   `json:"target_id"`
	Units    uint64   `json:"units"` // units moved into the target
}

func (Merge) RecordName() string { return "Merge" }

type UnitsTransferred struct {
	FromTokenID uint64         `json:"from_token_id"`
	ToTokenID   uint64         `json:"to_token_id"`
	To          common.Address `json:"to"`
	Units       uint64         `json:"units"`
	Burned      bool           `json:"burned"` // source drained to zero units
}

func (UnitsTransferred) RecordName() string { return "UnitsTransferred" }

type Transfer struct {
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	TokenID uint64         `json:"token_id"`
}

func (Transfer) RecordName() string { return "Transfer" }

// --- Option records ---

type Create struct {
	TokenID       uint64         `json:"token_id"`
	Account       common.Address `json:"account"`
	SettlementFee *uint256.Int   `json:"settlement_fee"`
	TotalFee      *uint256.Int   `json:"total_fee"`
	Premium       *uint256.Int   `json:"premium"`
	PaymentMethod uint8          `json:"payment_method"`
}

func (Create) RecordName() string { return "Create" }

type FeesDistributed struct {
	TokenID  uint64         `json:"token_id"`
	Staking  *uint256.Int   `json:"staking"`
	Referral *uint256.Int   `json:"referral"`
	Admin    *uint256.Int   `json:"admin"`
	Referrer common.Address `json:"referrer"`
}

func (FeesDistributed) RecordName() string { return "FeesDistributed" }

type Exercised struct {
	TokenID uint64         `json:"token_id"`
	Owner   common.Address `json:"owner"`
	Profit  *uint256.Int   `json:"profit"`
	Price   *uint256.Int   `json:"price"`
}

func (Exercised) RecordName() string { return "Exercised" }

type Expired struct {
	TokenID uint64       `json:"token_id"`
	Premium *uint256.Int `json:"premium"`
}

func (Expired) RecordName() string { return "Expired" }

type RoundResolved struct {
	Expiry     int64  `json:"expiry"`
	Configured uint64 `json:"configured"`
	Resolved   uint64 `json:"resolved"`
}

func (RoundResolved) RecordName() string { return "RoundResolved" }

type StrikeUpdated struct {
	Strike *uint256.Int `json:"strike"`
}

func (StrikeUpdated) RecordName() string { return "StrikeUpdated" }
