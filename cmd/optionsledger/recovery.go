package main

import (
	"context"
	"fmt"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/ingestion"
	"OptionsLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// recoverCore restores the newest verified snapshot and replays the event
// log after it. Every replayed command must land on its recorded sequence
// and state hash; any divergence aborts startup.
func recoverCore(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	deterministicCore *core.DeterministicCore,
	batchSize int,
	log zerolog.Logger,
) (int64, error) {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := deterministicCore.RestoreFromSnapshot(snap); err != nil {
			return 0, fmt.Errorf("restore snapshot at seq %d: %w", snap.Sequence, err)
		}
		log.Info().Int64("seq", snap.Sequence).Msg("restored snapshot")
	} else {
		log.Info().Msg("no verified snapshot, replaying from genesis")
	}

	if batchSize <= 0 {
		batchSize = 1000
	}

	var replayed int64
	from := deterministicCore.GetSequence()
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if err := replayRow(deterministicCore, row); err != nil {
				return replayed, err
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	return replayed, nil
}

func replayRow(deterministicCore *core.DeterministicCore, row persistence.EventRow) error {
	env, err := row.Envelope()
	if err != nil {
		return fmt.Errorf("seq %d: %w", row.Sequence, err)
	}
	evt, err := ingestion.ParseCommand(env.EventType, row.Payload)
	if err != nil {
		return fmt.Errorf("seq %d: decode %s: %w", row.Sequence, row.EventType, err)
	}
	return deterministicCore.Replay(evt, env)
}

// warmDedup loads the newest sequenced keys into the LRU so restarts don't
// push every redelivered command to Postgres.
func warmDedup(ctx context.Context, dbChecker *persistence.PostgresIdempotencyChecker, deterministicCore *core.DeterministicCore, limit int, log zerolog.Logger) {
	keys, err := dbChecker.RecentKeys(ctx, limit)
	if err != nil {
		log.Warn().Err(err).Msg("warm dedup cache")
		return
	}
	deterministicCore.WarmLRU(keys)
	log.Info().Int("keys", len(keys)).Msg("dedup cache warmed")
}
