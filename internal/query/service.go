package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the event log and the
// projection tables. Balance responses carry the projection watermark so
// callers can tell how fresh they are.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalances returns every projected token balance of holder.
func (qs *QueryService) GetBalances(ctx context.Context, holder common.Address) (*BalancesResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, balance, last_sequence
		FROM projections.balances
		WHERE holder = $1
		ORDER BY asset
	`, holder.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalancesResponse{Holder: holder.Hex(), Balances: []BalanceEntry{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var (
			b   BalanceEntry
			amt decimal.Decimal
		)
		if err := rows.Scan(&b.Asset, &amt, &b.LastSequence); err != nil {
			return nil, err
		}
		b.Balance = amt.String()
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}

// GetCommand looks a command up by its command id.
func (qs *QueryService) GetCommand(ctx context.Context, commandID uuid.UUID) (*CommandResponse, error) {
	var (
		resp      CommandResponse
		status    int16
		stateHash []byte
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence, event_type, partition, source_sequence, status, error_code, error, state_hash
		FROM event_log.events
		WHERE idempotency_key = $1
		ORDER BY sequence
		LIMIT 1
	`, commandID.String()).Scan(
		&resp.Sequence, &resp.EventType, &resp.Partition, &resp.SourceSequence,
		&status, &resp.ErrorCode, &resp.Error, &stateHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w", commandID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	resp.CommandID = commandID.String()
	resp.Status = event.Status(status).String()
	resp.StateHash = hex.EncodeToString(stateHash)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT record_index, name, payload
		FROM event_log.records
		WHERE sequence = $1
		ORDER BY record_index
	`, resp.Sequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp.Records = []RecordEntry{}
	for rows.Next() {
		var (
			r       RecordEntry
			payload []byte
		)
		if err := rows.Scan(&r.Index, &r.Name, &payload); err != nil {
			return nil, err
		}
		r.Payload = payload
		resp.Records = append(resp.Records, r)
	}
	return &resp, rows.Err()
}

// GetStatus reports the event log head, the projection watermark and the
// newest verified snapshot.
func (qs *QueryService) GetStatus(ctx context.Context) (*StatusResponse, error) {
	var s StatusResponse
	err := qs.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT MAX(sequence) FROM event_log.events), 0),
			COALESCE((SELECT last_sequence FROM projections.watermark WHERE worker_id = 'balances'), 0),
			COALESCE((SELECT MAX(sequence) FROM event_log.snapshots WHERE verified), 0)
	`).Scan(&s.LatestSequence, &s.ProjectionWatermark, &s.LatestSnapshot)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT last_sequence FROM projections.watermark WHERE worker_id = 'balances'), 0)
	`).Scan(&seq)
	return seq, err
}

// --- HTTP surface ---

// Register mounts the read endpoints under /query/.
func (qs *QueryService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /query/balances/{holder}", func(w http.ResponseWriter, r *http.Request) {
		holder := r.PathValue("holder")
		if !common.IsHexAddress(holder) {
			writeError(w, fmt.Errorf("invalid holder %q: %w", holder, errs.ErrInvalidArgument))
			return
		}
		resp, err := qs.GetBalances(r.Context(), common.HexToAddress(holder))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /query/commands/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, fmt.Errorf("invalid command id: %w", errs.ErrInvalidArgument))
			return
		}
		resp, err := qs.GetCommand(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /query/status", func(w http.ResponseWriter, r *http.Request) {
		resp, err := qs.GetStatus(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
