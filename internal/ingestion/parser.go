package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrUnknownSubject = fmt.Errorf("unknown command subject: %w", errs.ErrInvalidArgument)
	ErrMalformed      = fmt.Errorf("malformed command: %w", errs.ErrInvalidArgument)
)

// commandFactories allocates the wire struct for each command type. The JSON
// shape on NATS is the struct's own encoding, which is also what the core
// stores as the envelope payload, so replay decodes with the same table.
var commandFactories = map[event.EventType]func() event.Event{
	event.EventTypeTokenMint:                 func() event.Event { return &event.TokenMint{} },
	event.EventTypeTokenTransfer:             func() event.Event { return &event.TokenTransfer{} },
	event.EventTypeTokenApprove:              func() event.Event { return &event.TokenApprove{} },
	event.EventTypeGrantRole:                 func() event.Event { return &event.GrantRole{} },
	event.EventTypeRevokeRole:                func() event.Event { return &event.RevokeRole{} },
	event.EventTypeProvide:                   func() event.Event { return &event.ProvideLiquidity{} },
	event.EventTypeWithdraw:                  func() event.Event { return &event.WithdrawLiquidity{} },
	event.EventTypeAdminWithdraw:             func() event.Event { return &event.AdminWithdraw{} },
	event.EventTypeProcessWithdrawals:        func() event.Event { return &event.ProcessWithdrawals{} },
	event.EventTypeRollOver:                  func() event.Event { return &event.RollOver{} },
	event.EventTypeSetPoolState:              func() event.Event { return &event.SetPoolState{} },
	event.EventTypeSetMaxLiquidity:           func() event.Event { return &event.SetMaxLiquidity{} },
	event.EventTypeSetProjectOwner:           func() event.Event { return &event.SetProjectOwner{} },
	event.EventTypePublishPrice:              func() event.Event { return &event.PublishPrice{} },
	event.EventTypeApprovePool:               func() event.Event { return &event.ApprovePool{} },
	event.EventTypeCreateOption:              func() event.Event { return &event.CreateOption{} },
	event.EventTypeExerciseOption:            func() event.Event { return &event.ExerciseOption{} },
	event.EventTypeUnlockOption:              func() event.Event { return &event.UnlockOption{} },
	event.EventTypeSplitOption:               func() event.Event { return &event.SplitOption{} },
	event.EventTypeMergeOption:               func() event.Event { return &event.MergeOption{} },
	event.EventTypeTransferUnits:             func() event.Event { return &event.TransferOptionUnits{} },
	event.EventTypeTransferOption:            func() event.Event { return &event.TransferOption{} },
	event.EventTypeApproveOption:             func() event.Event { return &event.ApproveOption{} },
	event.EventTypeSetRoundID:                func() event.Event { return &event.SetRoundID{} },
	event.EventTypeSetStrike:                 func() event.Event { return &event.SetStrike{} },
	event.EventTypeSetFees:                   func() event.Event { return &event.SetFees{} },
	event.EventTypeSetSettlementFeeRecipient: func() event.Event { return &event.SetSettlementFeeRecipient{} },
}

// ParseSubject resolves the command type from "<prefix>.<Type>".
func ParseSubject(prefix, subject string) (event.EventType, error) {
	name, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || name == "" || strings.Contains(name, ".") {
		return event.EventTypeUnknown, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	et, ok := event.ParseEventType(name)
	if !ok {
		return event.EventTypeUnknown, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	return et, nil
}

// ParseCommand decodes and validates a JSON command. Unknown fields are
// rejected so a producer typo cannot silently drop an argument.
func ParseCommand(et event.EventType, data []byte) (event.Event, error) {
	factory, ok := commandFactories[et]
	if !ok {
		return nil, fmt.Errorf("%w: no decoder for %s", ErrMalformed, et)
	}
	evt := factory()

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(evt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, et, err)
	}
	if err := validateHeader(evt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, et, err)
	}
	return evt, nil
}

// ParseRawEvent resolves a NATS message into a typed command. A fixedType
// other than EventTypeUnknown pins the type regardless of the subject.
func ParseRawEvent(raw RawEvent, prefix string, fixedType event.EventType) (event.Event, error) {
	et := fixedType
	if et == event.EventTypeUnknown {
		var err error
		if et, err = ParseSubject(prefix, raw.Subject); err != nil {
			return nil, err
		}
	}
	evt, err := ParseCommand(et, raw.Data)
	if err != nil {
		return nil, err
	}
	if evt.Partition() == event.PartitionAdmin {
		return nil, fmt.Errorf("%w: %s: admin source is not accepted from %s", ErrMalformed, et, raw.Subject)
	}
	return evt, nil
}

func validateHeader(evt event.Event) error {
	if evt.IdempotencyKey() == uuid.Nil.String() {
		return errors.New("command_id is required")
	}
	if evt.Sender() == (common.Address{}) {
		return errors.New("caller is required")
	}
	if evt.SourceSequence() <= 0 {
		return errors.New("sequence must be positive")
	}
	if evt.Time() <= 0 {
		return errors.New("timestamp must be positive")
	}
	if evt.EventType() == event.EventTypePublishPrice {
		return nil
	}
	if p := evt.Partition(); p != event.PartitionCommands && p != event.PartitionAdmin {
		return fmt.Errorf("unknown source %q", p)
	}
	return nil
}
