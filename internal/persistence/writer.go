package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes envelopes, records and journals to Postgres using
// multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	Caller         string
	Payload        []byte // JSON-encoded command
	Status         int16
	ErrorCode      string
	Error          string
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
	SourceSequence int64
}

// RecordRow represents a row in event_log.records
type RecordRow struct {
	Sequence int64
	Index    int
	Name     string
	Payload  []byte
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID   string
	BatchID     string
	EventRef    string
	Sequence    int64
	Asset       string
	FromAccount string
	ToAccount   string
	Amount      decimal.Decimal
	JournalType int16
	Memo        string
}

// Rows is one command's share of a flush.
type Rows struct {
	Event    EventRow
	Records  []RecordRow
	Journals []JournalRow
}

// RowsFromOutput flattens a core output into table rows.
func RowsFromOutput(out core.CoreOutput) (Rows, error) {
	env := out.Envelope
	rows := Rows{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Partition:      env.Partition,
			Caller:         env.Caller.Hex(),
			Payload:        env.Payload,
			Status:         int16(env.Status),
			ErrorCode:      env.ErrorCode,
			Error:          env.Error,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}
	for i, r := range out.Records {
		payload, err := json.Marshal(r)
		if err != nil {
			return Rows{}, fmt.Errorf("encode record %s at seq %d: %w", r.RecordName(), env.Sequence, err)
		}
		rows.Records = append(rows.Records, RecordRow{Sequence: env.Sequence, Index: i, Name: r.RecordName(), Payload: payload})
	}
	for _, b := range out.Batches {
		for _, j := range b.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:   j.JournalID.String(),
				BatchID:     j.BatchID.String(),
				EventRef:    j.EventRef,
				Sequence:    j.Sequence,
				Asset:       string(j.Asset),
				FromAccount: ledger.NewAccountKey(j.Asset, j.From).AccountPath(),
				ToAccount:   ledger.NewAccountKey(j.Asset, j.To).AccountPath(),
				Amount:      decimal.NewFromBigInt(j.Amount.ToBig(), 0),
				JournalType: int16(j.JournalType),
				Memo:        j.Memo,
			})
		}
	}
	return rows, nil
}

// Envelope rebuilds the envelope of a persisted row.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et, ok := event.ParseEventType(r.EventType)
	if !ok {
		return nil, fmt.Errorf("seq %d: unknown event type %q", r.Sequence, r.EventType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("seq %d: malformed hash", r.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		Partition:      r.Partition,
		Caller:         common.HexToAddress(r.Caller),
		Timestamp:      r.Timestamp,
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
		Status:         event.Status(r.Status),
		ErrorCode:      r.ErrorCode,
		Error:          r.Error,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// placeholders renders "($1, $2, ...), (...)" for n rows of width columns.
func placeholders(n, width int) string {
	values := make([]string, n)
	for i := range values {
		cols := make([]string, width)
		for c := range cols {
			cols[c] = fmt.Sprintf("$%d", i*width+c+1)
		}
		values[i] = "(" + strings.Join(cols, ", ") + ")"
	}
	return strings.Join(values, ", ")
}

// WriteEventBatch writes envelopes to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	args := make([]any, 0, len(events)*13)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, e.Caller,
			string(e.Payload), e.Status, e.ErrorCode, e.Error,
			e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, partition, caller, payload, status, error_code, error,
		 state_hash, prev_hash, timestamp, source_sequence)
		VALUES ` + placeholders(len(events), 13) + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRecordBatch writes typed records to event_log.records.
func (w *EventLogWriter) WriteRecordBatch(ctx context.Context, ex execer, records []RecordRow) error {
	if len(records) == 0 {
		return nil
	}
	args := make([]any, 0, len(records)*4)
	for _, r := range records {
		args = append(args, r.Sequence, r.Index, r.Name, string(r.Payload))
	}
	query := `INSERT INTO event_log.records (sequence, record_index, name, payload)
		VALUES ` + placeholders(len(records), 4) + ` ON CONFLICT (sequence, record_index) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes token journals to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	args := make([]any, 0, len(journals)*10)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.Asset,
			j.FromAccount, j.ToAccount, j.Amount, j.JournalType, j.Memo,
		)
	}
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, asset, from_account, to_account, amount, journal_type, memo)
		VALUES ` + placeholders(len(journals), 10) + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
