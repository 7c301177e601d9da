package event

import (
	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminates inbound commands.
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// token surface
	EventTypeTokenMint
	EventTypeTokenTransfer
	EventTypeTokenApprove

	// access control
	EventTypeGrantRole
	EventTypeRevokeRole

	// pool
	EventTypeProvide
	EventTypeWithdraw
	EventTypeAdminWithdraw
	EventTypeProcessWithdrawals
	EventTypeRollOver
	EventTypeSetPoolState
	EventTypeSetMaxLiquidity
	EventTypeSetProjectOwner

	// oracle
	EventTypePublishPrice

	// options
	EventTypeApprovePool
	EventTypeCreateOption
	EventTypeExerciseOption
	EventTypeUnlockOption
	EventTypeSplitOption
	EventTypeMergeOption
	EventTypeTransferUnits
	EventTypeTransferOption
	EventTypeApproveOption
	EventTypeSetRoundID
	EventTypeSetStrike
	EventTypeSetFees
	EventTypeSetSettlementFeeRecipient

	eventTypeCount
)

var eventTypeNames = [eventTypeCount]string{
	EventTypeUnknown:                   "Unknown",
	EventTypeTokenMint:                 "TokenMint",
	EventTypeTokenTransfer:             "TokenTransfer",
	EventTypeTokenApprove:              "TokenApprove",
	EventTypeGrantRole:                 "GrantRole",
	EventTypeRevokeRole:                "RevokeRole",
	EventTypeProvide:                   "Provide",
	EventTypeWithdraw:                  "Withdraw",
	EventTypeAdminWithdraw:             "AdminWithdraw",
	EventTypeProcessWithdrawals:        "ProcessWithdrawals",
	EventTypeRollOver:                  "RollOver",
	EventTypeSetPoolState:              "SetPoolState",
	EventTypeSetMaxLiquidity:           "SetMaxLiquidity",
	EventTypeSetProjectOwner:           "SetProjectOwner",
	EventTypePublishPrice:              "PublishPrice",
	EventTypeApprovePool:               "ApprovePool",
	EventTypeCreateOption:              "CreateOption",
	EventTypeExerciseOption:            "ExerciseOption",
	EventTypeUnlockOption:              "UnlockOption",
	EventTypeSplitOption:               "SplitOption",
	EventTypeMergeOption:               "MergeOption",
	EventTypeTransferUnits:             "TransferUnits",
	EventTypeTransferOption:            "TransferOption",
	EventTypeApproveOption:             "ApproveOption",
	EventTypeSetRoundID:                "SetRoundID",
	EventTypeSetStrike:                 "SetStrike",
	EventTypeSetFees:                   "SetFees",
	EventTypeSetSettlementFeeRecipient: "SetSettlementFeeRecipient",
}

func (et EventType) String() string {
	if et <= EventTypeUnknown || et >= eventTypeCount {
		return "Unknown"
	}
	return eventTypeNames[et]
}

// ParseEventType maps a command name (the NATS subject suffix) back to its type.
func ParseEventType(name string) (EventType, bool) {
	for i := EventTypeUnknown + 1; i < eventTypeCount; i++ {
		if eventTypeNames[i] == name {
			return i, true
		}
	}
	return EventTypeUnknown, false
}

// Status is the outcome of a command.
type Status int32

const (
	StatusApplied Status = iota + 1
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// EventEnvelope wraps every command in the log. Applied and rejected
// commands both consume a sequence number; only applied ones change state.
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType
	Partition string
	Caller    common.Address

	// Versioned input timestamp, unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	Status    Status
	ErrorCode string // protocol code such as "O17", empty when none
	Error     string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface every inbound command implements.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// Partition groups commands sharing one source sequence
	Partition() string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// Time is the ledger's "now" for this command, unix seconds
	Time() int64

	// Sender is the account the command acts as
	Sender() common.Address
}
