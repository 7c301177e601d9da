package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Partitions of the source sequence space.
const (
	PartitionCommands = "commands"
	PartitionOracle   = "oracle"
	PartitionAdmin    = "admin"
)

// Contract names an option product on the wire.
const (
	ContractAmerican = "american"
	ContractEuropean = "european"
)

// Header is shared by every command.
type Header struct {
	CommandID uuid.UUID      `json:"command_id"` // idempotency key
	Caller    common.Address `json:"caller"`
	Sequence  int64          `json:"sequence"`         // source sequence within the partition
	Timestamp int64          `json:"timestamp"`        // unix seconds
	Source    string         `json:"source,omitempty"` // partition override, e.g. "admin"
}

func (h *Header) IdempotencyKey() string { return h.CommandID.String() }
func (h *Header) Partition() string {
	if h.Source != "" {
		return h.Source
	}
	return PartitionCommands
}
func (h *Header) SourceSequence() int64  { return h.Sequence }
func (h *Header) Time() int64            { return h.Timestamp }
func (h *Header) Sender() common.Address { return h.Caller }

// --- Token surface ---

// TokenMint credits a bridged deposit. Admin only.
type TokenMint struct {
	Header
	Asset  string         `json:"asset"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (*TokenMint) EventType() EventType { return EventTypeTokenMint }

type TokenTransfer struct {
	Header
	Asset  string         `json:"asset"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (*TokenTransfer) EventType() EventType { return EventTypeTokenTransfer }

type TokenApprove struct {
	Header
	Asset   string         `json:"asset"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

func (*TokenApprove) EventType() EventType { return EventTypeTokenApprove }

// --- Access control ---

type GrantRole struct {
	Header
	Role    string         `json:"role"`
	Account common.Address `json:"account"`
}

func (*GrantRole) EventType() EventType { return EventTypeGrantRole }

type RevokeRole struct {
	Header
	Role    string         `json:"role"`
	Account common.Address `json:"account"`
}

func (*RevokeRole) EventType() EventType { return EventTypeRevokeRole }

// --- Pool ---

type ProvideLiquidity struct {
	Header
	Amount  *uint256.Int `json:"amount"`
	MinMint *uint256.Int `json:"min_mint"`
}

func (*ProvideLiquidity) EventType() EventType { return EventTypeProvide }

type WithdrawLiquidity struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (*WithdrawLiquidity) EventType() EventType { return EventTypeWithdraw }

type AdminWithdraw struct {
	Header
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}

func (*AdminWithdraw) EventType() EventType { return EventTypeAdminWithdraw }

// ProcessWithdrawals drains up to Steps queued requests. Anyone may send it.
type ProcessWithdrawals struct {
	Header
	Steps uint64 `json:"steps"`
}

func (*ProcessWithdrawals) EventType() EventType { return EventTypeProcessWithdrawals }

type RollOver struct {
	Header
	NewExpiry int64 `json:"new_expiry"`
}

func (*RollOver) EventType() EventType { return EventTypeRollOver }

type SetPoolState struct {
	Header
	Ended bool `json:"ended"`
}

func (*SetPoolState) EventType() EventType { return EventTypeSetPoolState }

type SetMaxLiquidity struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (*SetMaxLiquidity) EventType() EventType { return EventTypeSetMaxLiquidity }

type SetProjectOwner struct {
	Header
	Account common.Address `json:"account"`
}

func (*SetProjectOwner) EventType() EventType { return EventTypeSetProjectOwner }

// --- Oracle ---

// PublishPrice appends an oracle round. Round ids order the oracle
// partition; gaps are tolerated and stale rounds ignored.
type PublishPrice struct {
	Header
	RoundID        uint64       `json:"round_id"`
	Price          *uint256.Int `json:"price"`
	PriceTimestamp int64        `json:"price_timestamp"`
}

func (*PublishPrice) EventType() EventType { return EventTypePublishPrice }
func (*PublishPrice) Partition() string    { return PartitionOracle }
func (p *PublishPrice) SourceSequence() int64 {
	return int64(p.RoundID)
}

// --- Options ---

// OptionRef names the option contract a command targets.
type OptionRef struct {
	Contract string `json:"contract"`
}

func (r OptionRef) ContractName() string { return r.Contract }

type ApprovePool struct {
	Header
	OptionRef
}

func (*ApprovePool) EventType() EventType { return EventTypeApprovePool }

type CreateOption struct {
	Header
	OptionRef
	Amount        *uint256.Int   `json:"amount"`
	Referrer      common.Address `json:"referrer"`
	PaymentMethod uint8          `json:"payment_method"`
}

func (*CreateOption) EventType() EventType { return EventTypeCreateOption }

type ExerciseOption struct {
	Header
	OptionRef
	TokenID uint64 `json:"token_id"`
}

func (*ExerciseOption) EventType() EventType { return EventTypeExerciseOption }

type UnlockOption struct {
	Header
	OptionRef
	TokenID uint64 `json:"token_id"`
}

func (*UnlockOption) EventType() EventType { return EventTypeUnlockOption }

type SplitOption struct {
	Header
	OptionRef
	TokenID uint64   `json:"token_id"`
	Units   []uint64 `json:"units"`
}

func (*SplitOption) EventType() EventType { return EventTypeSplitOption }

type MergeOption struct {
	Header
	OptionRef
	Sources []uint64 `json:"sources"`
	Target  uint64   `json:"target"`
}

func (*MergeOption) EventType() EventType { return EventTypeMergeOption }

type TransferOptionUnits struct {
	Header
	OptionRef
	FromID uint64         `json:"from_id"`
	To     common.Address `json:"to"`
	Units  uint64         `json:"units"`
	ToID   uint64         `json:"to_id"`
}

func (*TransferOptionUnits) EventType() EventType { return EventTypeTransferUnits }

type TransferOption struct {
	Header
	OptionRef
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	TokenID uint64         `json:"token_id"`
}

func (*TransferOption) EventType() EventType { return EventTypeTransferOption }

type ApproveOption struct {
	Header
	OptionRef
	Spender common.Address `json:"spender"`
	TokenID uint64         `json:"token_id"`
}

func (*ApproveOption) EventType() EventType { return EventTypeApproveOption }

type SetRoundID struct {
	Header
	OptionRef
	Expiry  int64  `json:"expiry"`
	RoundID uint64 `json:"round_id"`
}

func (*SetRoundID) EventType() EventType { return EventTypeSetRoundID }

type SetStrike struct {
	Header
	Strike *uint256.Int `json:"strike"`
}

func (*SetStrike) EventType() EventType { return EventTypeSetStrike }

type SetFees struct {
	Header
	IV                uint64 `json:"iv"`
	SettlementFeeBps  uint64 `json:"settlement_fee_bps"`
	StakingFeePct     uint64 `json:"staking_fee_pct"`
	ReferralRewardPct uint64 `json:"referral_reward_pct"`
}

func (*SetFees) EventType() EventType { return EventTypeSetFees }

type SetSettlementFeeRecipient struct {
	Header
	Recipient common.Address `json:"recipient"`
}

func (*SetSettlementFeeRecipient) EventType() EventType { return EventTypeSetSettlementFeeRecipient }
