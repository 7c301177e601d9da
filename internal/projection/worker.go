package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"OptionsLedger/internal/ledger"

	"github.com/rs/zerolog"
)

const workerID = "balances"

// ProjectionWorker folds event_log.journal into projections.balances. It
// tails the persisted log rather than the core, so it never slows the core
// down and can be rebuilt from scratch at any time.
type ProjectionWorker struct {
	db        *sql.DB
	interval  time.Duration
	batchSize int64
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, interval time.Duration, batchSize int64, log zerolog.Logger) *ProjectionWorker {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &ProjectionWorker{
		db:        db,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
	}
}

// Run catches up on every tick until ctx is cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := pw.CatchUp(ctx); err != nil && ctx.Err() == nil {
				// Projections are eventually consistent; retry next tick.
				pw.log.Warn().Err(err).Msg("projection update failed")
			}
		}
	}
}

// CatchUp applies batches until the projection reaches the head of the
// event log and returns the new watermark.
func (pw *ProjectionWorker) CatchUp(ctx context.Context) (int64, error) {
	for {
		from, to, err := pw.nextRange(ctx)
		if err != nil {
			return 0, err
		}
		if to <= from {
			return from, nil
		}
		if err := pw.apply(ctx, from, to); err != nil {
			return from, fmt.Errorf("apply (%d, %d]: %w", from, to, err)
		}
		pw.log.Debug().Int64("from", from).Int64("to", to).Msg("balances projected")
	}
}

func (pw *ProjectionWorker) nextRange(ctx context.Context) (int64, int64, error) {
	var from, head int64
	err := pw.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT last_sequence FROM projections.watermark WHERE worker_id = $1), 0),
			COALESCE((SELECT MAX(sequence) FROM event_log.events), 0)
	`, workerID).Scan(&from, &head)
	if err != nil {
		return 0, 0, err
	}
	return from, min(head, from+pw.batchSize), nil
}

// apply folds the journals of sequences (from, to] in one transaction.
func (pw *ProjectionWorker) apply(ctx context.Context, from, to int64) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Journal accounts are "<asset>:<holder>".
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (holder, asset, balance, last_sequence)
		SELECT holder, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT split_part(to_account, ':', 2) AS holder, asset, amount AS delta, sequence
			FROM event_log.journal WHERE sequence > $1 AND sequence <= $2
			UNION ALL
			SELECT split_part(from_account, ':', 2), asset, -amount, sequence
			FROM event_log.journal WHERE sequence > $1 AND sequence <= $2
		) d
		WHERE holder <> $3
		GROUP BY holder, asset
		ON CONFLICT (holder, asset) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = EXCLUDED.last_sequence
	`, from, to, ledger.IssuanceAccount.Hex()); err != nil {
		return fmt.Errorf("balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, to); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections drops the projected balances and folds the whole
// event log again.
func (pw *ProjectionWorker) RebuildProjections(ctx context.Context) (int64, error) {
	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`DELETE FROM projections.watermark WHERE worker_id = '` + workerID + `'`,
	} {
		if _, err := pw.db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}
	head, err := pw.CatchUp(ctx)
	if err != nil {
		return 0, err
	}
	pw.log.Info().Int64("watermark", head).Msg("projection rebuild complete")
	return head, nil
}
