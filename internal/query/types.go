package query

import "encoding/json"

// BalanceEntry is one projected token balance in base units.
type BalanceEntry struct {
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// BalancesResponse lists every projected balance of a holder.
type BalancesResponse struct {
	Holder       string         `json:"holder"`
	Balances     []BalanceEntry `json:"balances"`
	AsOfSequence int64          `json:"as_of_sequence"` // projection watermark
}

// RecordEntry is one typed record a command emitted.
type RecordEntry struct {
	Index   int             `json:"index"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// CommandResponse reports the outcome of a sequenced command.
type CommandResponse struct {
	CommandID      string        `json:"command_id"`
	EventType      string        `json:"event_type"`
	Sequence       int64         `json:"sequence"`
	Partition      string        `json:"partition"`
	SourceSequence int64         `json:"source_sequence"`
	Status         string        `json:"status"`
	ErrorCode      string        `json:"error_code,omitempty"`
	Error          string        `json:"error,omitempty"`
	StateHash      string        `json:"state_hash"`
	Records        []RecordEntry `json:"records"`
}

// StatusResponse summarises how far the log, projections and snapshots are.
type StatusResponse struct {
	LatestSequence      int64 `json:"latest_sequence"`
	ProjectionWatermark int64 `json:"projection_watermark"`
	LatestSnapshot      int64 `json:"latest_verified_snapshot"`
}
