package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeTransfer JournalType = iota
	JournalTypeMint
	JournalTypeBurn
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	default:
		return "unknown"
	}
}

// Journal is one balanced token movement: Amount leaves From and arrives at To.
type Journal struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string // Idempotency key of the source command
	Sequence    int64  // Global core sequence, stamped by the core
	Asset       Asset
	From        common.Address
	To          common.Address
	Amount      uint256.Int // Always positive
	JournalType JournalType
	Memo        string
}

// Approval records an allowance set inside a batch.
type Approval struct {
	Key    AllowanceKey
	Amount uint256.Int
}

// Batch groups every ledger movement produced by one command.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Journals  []Journal
	Approvals []Approval
}

// Validate ensures the batch is well-formed.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.From == j.To {
			return fmt.Errorf("journal %s has same source and destination", j.JournalID)
		}
		switch j.JournalType {
		case JournalTypeMint:
			if j.From != IssuanceAccount {
				return fmt.Errorf("mint journal %s not sourced from issuance account", j.JournalID)
			}
		case JournalTypeBurn:
			if j.To != IssuanceAccount {
				return fmt.Errorf("burn journal %s not destined to issuance account", j.JournalID)
			}
		case JournalTypeTransfer:
			if j.From == IssuanceAccount || j.To == IssuanceAccount {
				return fmt.Errorf("transfer journal %s touches issuance account", j.JournalID)
			}
		}
	}
	return nil
}

// IsEmpty reports whether the batch moved or approved anything.
func (b *Batch) IsEmpty() bool {
	return len(b.Journals) == 0 && len(b.Approvals) == 0
}

// StampSequence assigns the core sequence to the batch and its journals.
func (b *Batch) StampSequence(seq int64) {
	b.Sequence = seq
	for i := range b.Journals {
		b.Journals[i].Sequence = seq
	}
}
