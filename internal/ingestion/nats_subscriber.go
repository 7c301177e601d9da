package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"OptionsLedger/internal/event"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes command subjects from JetStream and forwards the
// raw messages to the ingestion loop.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is an undecoded message. The ingestion loop parses it and calls
// exactly one of the ack functions.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	FixedType event.EventType // EventTypeUnknown: resolve from the subject
	AckFunc   func()
	NakFunc   func() // redeliver later
	TermFunc  func() // never redeliver (poison message)
}

// SubjectConfig binds a durable consumer to a filter subject.
type SubjectConfig struct {
	Subject       string
	EventType     event.EventType
	ConsumerName  string
	StreamName    string
	MaxAckPending int
}

// CommandsPrefix is the subject prefix of "<root>.commands.<Type>".
func CommandsPrefix(root string) string { return root + ".commands" }

// OracleSubject carries PublishPrice commands from the price relayer.
func OracleSubject(root string) string { return root + ".oracle.prices" }

// EventsPrefix is the subject prefix of published records.
func EventsPrefix(root string) string { return root + ".events" }

func streamName(root, suffix string) string {
	return strings.ToUpper(strings.ReplaceAll(root, ".", "_")) + "_" + suffix
}

// DefaultSubjects returns the command and oracle consumers. Commands are
// consumed in order through a single consumer so source sequences arrive
// gap-free.
func DefaultSubjects(root string) []SubjectConfig {
	return []SubjectConfig{
		{
			Subject:       CommandsPrefix(root) + ".>",
			ConsumerName:  "ledger-commands",
			StreamName:    streamName(root, "COMMANDS"),
			MaxAckPending: 1,
		},
		{
			Subject:       OracleSubject(root),
			EventType:     event.EventTypePublishPrice,
			ConsumerName:  "ledger-oracle",
			StreamName:    streamName(root, "ORACLE"),
			MaxAckPending: 1,
		},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			MaxAckPending: cfg.MaxAckPending,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		fixed := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				FixedType: fixed,
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the command and oracle streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, root string, maxAge time.Duration, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      streamName(root, "COMMANDS"),
			Subjects:  []string{CommandsPrefix(root) + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    maxAge,
			Replicas:  1,
		},
		{
			Name:      streamName(root, "ORACLE"),
			Subjects:  []string{OracleSubject(root)},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    maxAge,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("optionsledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
