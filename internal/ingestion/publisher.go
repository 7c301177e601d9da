package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes every record a command produced to
// "<root>.events.<RecordName>". Rejections go to "<root>.events.Rejected".
// Publishing is best effort: the event log in Postgres is authoritative.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	prefix    string
	log       zerolog.Logger
}

// PublishedRecord is the outbound message body.
type PublishedRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	ErrorCode      string          `json:"error_code,omitempty"`
	Error          string          `json:"error,omitempty"`
	Index          int             `json:"index"`
	Name           string          `json:"name"`
	Record         json.RawMessage `json:"record,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      int64           `json:"timestamp"`
}

const rejectedSubject = "Rejected"

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, root string, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		prefix:    EventsPrefix(root),
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			msgs, err := BuildMessages(out)
			if err != nil {
				op.log.Error().Err(err).Int64("seq", out.Envelope.Sequence).Msg("encode outbound records")
				continue
			}
			for _, m := range msgs {
				if err := op.publish(ctx, m); err != nil {
					op.log.Warn().Err(err).Int64("seq", m.Sequence).Str("record", m.Name).Msg("outbound publish failed")
				}
			}
		}
	}
}

// BuildMessages flattens a core output into outbound messages, one per record.
func BuildMessages(out core.CoreOutput) ([]PublishedRecord, error) {
	env := out.Envelope
	base := PublishedRecord{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Status:         env.Status.String(),
		ErrorCode:      env.ErrorCode,
		Error:          env.Error,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}

	if env.Status == event.StatusRejected {
		base.Name = rejectedSubject
		return []PublishedRecord{base}, nil
	}

	msgs := make([]PublishedRecord, 0, len(out.Records))
	for i, r := range out.Records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", r.RecordName(), err)
		}
		m := base
		m.Index = i
		m.Name = r.RecordName()
		m.Record = data
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (op *OutboundPublisher) publish(ctx context.Context, m PublishedRecord) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// The message id lets JetStream drop republished duplicates after a restart.
	_, err = op.js.Publish(ctx, op.prefix+"."+m.Name, data,
		jetstream.WithMsgID(fmt.Sprintf("%d-%d", m.Sequence, m.Index)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, root string, maxAge time.Duration, log zerolog.Logger) error {
	name := streamName(root, "EVENTS")
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{EventsPrefix(root) + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", name).Msg("ensured outbound stream")
	return nil
}
