package core

import (
	"errors"
	"fmt"
	"maps"

	"OptionsLedger/internal/observability"
)

var (
	ErrSequenceGap = errors.New("source sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order source sequence")
)

// firstSourceSequence is the sequence expected on an unseen partition.
const firstSourceSequence int64 = 1

// SequenceValidator validates source sequences per partition.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

func (sv *SequenceValidator) expected(partition string) int64 {
	if seq, ok := sv.expectedNextSeq[partition]; ok {
		return seq
	}
	return firstSourceSequence
}

// ValidateSequence enforces gap-free ordering on a command partition.
// Redeliveries of already-sequenced commands pass.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expected(partition)

	switch {
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.SequenceOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d", ErrOutOfOrder, partition, expected, sourceSequence)

	case sourceSequence == expected:
		sv.expectedNextSeq[partition] = expected + 1
		return nil

	default:
		if sv.metrics != nil {
			sv.metrics.SequenceGaps.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d", ErrSequenceGap, partition, expected, sourceSequence)
	}
}

// ValidateOracleSequence tracks round ids, which may skip. Stale rounds
// are left for the feed to reject.
func (sv *SequenceValidator) ValidateOracleSequence(partition string, roundID int64) {
	expected := sv.expected(partition)
	if roundID < expected {
		return
	}
	if roundID > expected && sv.metrics != nil {
		sv.metrics.SequenceGaps.WithLabelValues(partition).Inc()
	}
	sv.expectedNextSeq[partition] = roundID + 1
}

func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expected(partition)
}

// SetExpectedSequence initializes a partition during recovery.
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Partitions copies the per-partition expectations for a snapshot.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	return maps.Clone(sv.expectedNextSeq)
}

// RestorePartitions replaces every expectation with those of a snapshot.
func (sv *SequenceValidator) RestorePartitions(state map[string]int64) {
	sv.expectedNextSeq = make(map[string]int64, len(state))
	maps.Copy(sv.expectedNextSeq, state)
}
