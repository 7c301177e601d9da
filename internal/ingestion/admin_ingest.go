package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"OptionsLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AdminIngestService injects operator commands (round roll-over, pool
// state, European round resolution, queue processing) into the core. They
// are sequenced in their own "admin" partition so they never collide with
// the upstream command stream.
type AdminIngestService struct {
	eventChan chan<- event.Event
	admin     common.Address
	now       func() time.Time
	log       zerolog.Logger

	mu      sync.Mutex
	nextSeq int64
}

// NewAdminIngestService resumes the admin partition at nextSeq, which the
// caller reads from the core after recovery.
func NewAdminIngestService(eventChan chan<- event.Event, admin common.Address, nextSeq int64, log zerolog.Logger) *AdminIngestService {
	if nextSeq <= 0 {
		nextSeq = 1
	}
	return &AdminIngestService{
		eventChan: eventChan,
		admin:     admin,
		now:       time.Now,
		log:       log,
		nextSeq:   nextSeq,
	}
}

func (s *AdminIngestService) header() event.Header {
	return event.Header{
		CommandID: uuid.New(),
		Caller:    s.admin,
		Sequence:  s.nextSeq,
		Timestamp: s.now().Unix(),
		Source:    event.PartitionAdmin,
	}
}

// inject builds and forwards one command. The partition sequence only
// advances once the core has accepted the command into its queue.
func (s *AdminIngestService) inject(ctx context.Context, build func(event.Header) event.Event) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.header()
	evt := build(h)
	select {
	case s.eventChan <- evt:
		s.nextSeq++
		s.log.Info().Str("type", evt.EventType().String()).Str("command_id", h.CommandID.String()).Int64("seq", h.Sequence).Msg("admin command injected")
		return h.CommandID, nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

func (s *AdminIngestService) RollOver(ctx context.Context, newExpiry int64) (uuid.UUID, error) {
	return s.inject(ctx, func(h event.Header) event.Event {
		return &event.RollOver{Header: h, NewExpiry: newExpiry}
	})
}

func (s *AdminIngestService) SetPoolState(ctx context.Context, ended bool) (uuid.UUID, error) {
	return s.inject(ctx, func(h event.Header) event.Event {
		return &event.SetPoolState{Header: h, Ended: ended}
	})
}

func (s *AdminIngestService) SetRoundID(ctx context.Context, contract string, expiry int64, roundID uint64) (uuid.UUID, error) {
	return s.inject(ctx, func(h event.Header) event.Event {
		return &event.SetRoundID{Header: h, OptionRef: event.OptionRef{Contract: contract}, Expiry: expiry, RoundID: roundID}
	})
}

func (s *AdminIngestService) ProcessWithdrawals(ctx context.Context, steps uint64) (uuid.UUID, error) {
	return s.inject(ctx, func(h event.Header) event.Event {
		return &event.ProcessWithdrawals{Header: h, Steps: steps}
	})
}

// --- HTTP surface ---

type rollOverRequest struct {
	NewExpiry int64 `json:"new_expiry"`
}

type poolStateRequest struct {
	Ended bool `json:"ended"`
}

type roundIDRequest struct {
	Contract string `json:"contract"`
	Expiry   int64  `json:"expiry"`
	RoundID  uint64 `json:"round_id"`
}

type processRequest struct {
	Steps uint64 `json:"steps"`
}

type acceptedResponse struct {
	CommandID string `json:"command_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register mounts the admin endpoints under /admin/.
func (s *AdminIngestService) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/rollover", func(w http.ResponseWriter, r *http.Request) {
		var req rollOverRequest
		if !decode(w, r, &req) {
			return
		}
		if req.NewExpiry <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "new_expiry must be positive"})
			return
		}
		s.respond(w, r, func(ctx context.Context) (uuid.UUID, error) { return s.RollOver(ctx, req.NewExpiry) })
	})

	mux.HandleFunc("POST /admin/pool-state", func(w http.ResponseWriter, r *http.Request) {
		var req poolStateRequest
		if !decode(w, r, &req) {
			return
		}
		s.respond(w, r, func(ctx context.Context) (uuid.UUID, error) { return s.SetPoolState(ctx, req.Ended) })
	})

	mux.HandleFunc("POST /admin/round-id", func(w http.ResponseWriter, r *http.Request) {
		var req roundIDRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Contract != event.ContractEuropean {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "round resolution applies to the european contract only"})
			return
		}
		if req.Expiry <= 0 || req.RoundID == 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expiry and round_id are required"})
			return
		}
		s.respond(w, r, func(ctx context.Context) (uuid.UUID, error) {
			return s.SetRoundID(ctx, req.Contract, req.Expiry, req.RoundID)
		})
	})

	mux.HandleFunc("POST /admin/process-withdrawals", func(w http.ResponseWriter, r *http.Request) {
		var req processRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Steps == 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "steps must be positive"})
			return
		}
		s.respond(w, r, func(ctx context.Context) (uuid.UUID, error) { return s.ProcessWithdrawals(ctx, req.Steps) })
	})
}

func (s *AdminIngestService) respond(w http.ResponseWriter, r *http.Request, fn func(context.Context) (uuid.UUID, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "core queue is full"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{CommandID: id.String()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
