package main

import (
	"context"
	"time"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ingestion"
	"OptionsLedger/internal/observability"
	"OptionsLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// runParser turns raw NATS messages into typed commands. Messages are acked
// once they are in the inbound channel, not after the core applied them, so
// a slow core propagates backpressure to JetStream through the blocking send.
// Unparseable messages are terminated so JetStream stops redelivering them.
func runParser(ctx context.Context, rawChan <-chan ingestion.RawEvent, out chan<- event.Event, commandsPrefix string, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			evt, err := ingestion.ParseRawEvent(raw, commandsPrefix, raw.FixedType)
			if err != nil {
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable message")
				raw.TermFunc()
				continue
			}

			select {
			case out <- evt:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

// coreLoop is the only goroutine that touches the DeterministicCore after
// recovery. Snapshots are captured here so they never race with a command.
type coreLoop struct {
	core             *core.DeterministicCore
	commands         <-chan event.Event
	admin            <-chan event.Event
	snapshots        chan<- *core.SnapshotState
	snapshotInterval int64
	lastSnapshot     int64
	metrics          *observability.Metrics
	channels         map[string]func() (int, int)
	log              zerolog.Logger
}

func (l *coreLoop) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case evt := <-l.commands:
			l.process(evt)
		case evt := <-l.admin:
			l.process(evt)
		case <-ticker.C:
			l.publishGauges()
		}
	}
}

// drain applies commands that were already acked but not yet sequenced.
func (l *coreLoop) drain() {
	for {
		select {
		case evt := <-l.commands:
			l.process(evt)
		case evt := <-l.admin:
			l.process(evt)
		default:
			return
		}
	}
}

func (l *coreLoop) process(evt event.Event) {
	if _, err := l.core.ProcessEvent(evt); err != nil {
		// Already acked: ordering violations are logged, not retried.
		l.log.Error().Err(err).
			Str("type", evt.EventType().String()).
			Str("key", evt.IdempotencyKey()).
			Str("partition", evt.Partition()).
			Int64("source_seq", evt.SourceSequence()).
			Msg("command not sequenced")
		return
	}
	l.maybeSnapshot()
}

func (l *coreLoop) maybeSnapshot() {
	last := l.core.GetSequence() - 1
	if l.snapshotInterval <= 0 || last-l.lastSnapshot < l.snapshotInterval {
		return
	}
	snap := l.core.CreateSnapshotState()
	select {
	case l.snapshots <- snap:
		l.lastSnapshot = snap.Sequence
	default:
		// writer still busy with the previous one; retry on the next command
	}
}

func (l *coreLoop) publishGauges() {
	if l.metrics == nil {
		return
	}
	for name, sizeCap := range l.channels {
		size, capacity := sizeCap()
		l.metrics.SetChannelMetrics(name, size, capacity)
	}
	p := l.core.State().Pool
	l.metrics.SetPoolGauges(observability.PoolGauges{
		Collateral:    p.TotalCollateral(),
		Shares:        p.TotalShares(),
		LockedAmount:  p.LockedAmount(),
		LockedPremium: p.LockedPremium(),
		Round:         p.Round(),
		QueueLength:   p.Queue().Len(),
	})
}

// runSnapshotWriter saves snapshots captured by the core loop and
// periodically marks the ones the event log has caught up with as verified.
func runSnapshotWriter(ctx context.Context, in <-chan *core.SnapshotState, snapMgr *persistence.SnapshotManager, verifyEvery time.Duration, log zerolog.Logger) {
	if verifyEvery <= 0 {
		verifyEvery = 10 * time.Second
	}
	ticker := time.NewTicker(verifyEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-in:
			if !ok {
				return
			}
			if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
				log.Warn().Err(err).Int64("seq", snap.Sequence).Msg("periodic snapshot failed")
				continue
			}
			log.Info().Int64("seq", snap.Sequence).Msg("periodic snapshot saved")
		case <-ticker.C:
			n, err := snapMgr.VerifyPersisted(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("verify snapshots")
			} else if n > 0 {
				log.Info().Int64("snapshots", n).Msg("snapshots verified")
			}
		}
	}
}
