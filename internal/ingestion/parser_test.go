package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ingestion"
	"OptionsLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const root = "OPTIONS"

func rawFromJSON(t *testing.T, subject string, v any) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
		TermFunc:  func() {},
	}
}

func header(seq int64) map[string]any {
	return map[string]any{
		"command_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":     testutil.Addr(0xb1).Hex(),
		"sequence":   seq,
		"timestamp":  int64(1_700_000_000),
	}
}

func with(base map[string]any, kv ...any) map[string]any {
	for i := 0; i < len(kv); i += 2 {
		base[kv[i].(string)] = kv[i+1]
	}
	return base
}

// --- Subjects ---

func TestParseSubject(t *testing.T) {
	et, err := ingestion.ParseSubject(ingestion.CommandsPrefix(root), "OPTIONS.commands.CreateOption")
	require.NoError(t, err)
	assert.Equal(t, event.EventTypeCreateOption, et)

	for _, bad := range []string{
		"OPTIONS.commands.Liquidate",
		"OPTIONS.commands.",
		"OPTIONS.commands.CreateOption.extra",
		"OTHER.commands.CreateOption",
	} {
		_, err := ingestion.ParseSubject(ingestion.CommandsPrefix(root), bad)
		assert.ErrorIs(t, err, ingestion.ErrUnknownSubject, bad)
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, bad)
	}
}

// --- Commands ---

func TestParseCreateOption(t *testing.T) {
	payload := with(header(42),
		"contract", "american",
		"amount", "1000000000000000000",
		"referrer", testutil.Addr(0xb3).Hex(),
		"payment_method", 1,
	)
	raw := rawFromJSON(t, "OPTIONS.commands.CreateOption", payload)

	evt, err := ingestion.ParseRawEvent(raw, ingestion.CommandsPrefix(root), event.EventTypeUnknown)
	require.NoError(t, err)

	c, ok := evt.(*event.CreateOption)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, event.ContractAmerican, c.ContractName())
	assert.Equal(t, testutil.Units(1, 18), c.Amount)
	assert.Equal(t, testutil.Addr(0xb3), c.Referrer)
	assert.Equal(t, uint8(1), c.PaymentMethod)
	assert.Equal(t, int64(42), evt.SourceSequence())
	assert.Equal(t, event.PartitionCommands, evt.Partition())
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", evt.IdempotencyKey())
}

func TestParsePublishPrice_FixedType(t *testing.T) {
	payload := with(header(0),
		"round_id", 7,
		"price", "200000000000",
		"price_timestamp", int64(1_700_000_000),
	)
	raw := rawFromJSON(t, ingestion.OracleSubject(root), payload)

	evt, err := ingestion.ParseRawEvent(raw, ingestion.CommandsPrefix(root), event.EventTypePublishPrice)
	require.NoError(t, err)

	p := evt.(*event.PublishPrice)
	assert.Equal(t, uint64(7), p.RoundID)
	assert.Equal(t, uint256.NewInt(2000_00000000), p.Price)
	assert.Equal(t, event.PartitionOracle, evt.Partition())
	assert.Equal(t, int64(7), evt.SourceSequence())
}

func TestParseSplitOption(t *testing.T) {
	payload := with(header(3), "contract", "european", "token_id", 4, "units", []uint64{10, 20})
	evt, err := ingestion.ParseCommand(event.EventTypeSplitOption, mustJSON(t, payload))
	require.NoError(t, err)

	s := evt.(*event.SplitOption)
	assert.Equal(t, event.ContractEuropean, s.ContractName())
	assert.Equal(t, uint64(4), s.TokenID)
	assert.Equal(t, []uint64{10, 20}, s.Units)
}

func TestEveryEventTypeHasDecoder(t *testing.T) {
	for et := event.EventTypeTokenMint; et.String() != "Unknown"; et++ {
		_, err := ingestion.ParseCommand(et, []byte(`{}`))
		require.Error(t, err)
		assert.NotContains(t, err.Error(), "no decoder", et.String())
	}
}

// --- Failure modes ---

func TestParseUnknownField_Fails(t *testing.T) {
	payload := with(header(1), "amount", "5", "amout", "5")
	_, err := ingestion.ParseCommand(event.EventTypeProvide, mustJSON(t, payload))
	assert.ErrorIs(t, err, ingestion.ErrMalformed)
	assert.Contains(t, err.Error(), "amout")
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	_, err := ingestion.ParseCommand(event.EventTypeProvide, []byte(`{not json`))
	assert.ErrorIs(t, err, ingestion.ErrMalformed)
}

func TestParseInvalidHeader_Fails(t *testing.T) {
	cases := map[string]map[string]any{
		"nil command id":     with(header(1), "command_id", uuid.Nil.String()),
		"bad command id":     with(header(1), "command_id", "not-a-uuid"),
		"zero caller":        with(header(1), "caller", "0x0000000000000000000000000000000000000000"),
		"zero sequence":      header(0),
		"missing timestamp":  with(header(1), "timestamp", 0),
		"foreign source":     with(header(1), "source", "oracle"),
		"negative sequence":  header(-4),
		"amount not numeric": with(header(1), "amount", "lots"),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(event.EventTypeWithdraw, mustJSON(t, payload))
			assert.ErrorIs(t, err, ingestion.ErrMalformed)
		})
	}
}

func TestParseRawEvent_RejectsAdminSource(t *testing.T) {
	raw := rawFromJSON(t, "OPTIONS.commands.RollOver", with(header(1), "new_expiry", 1_800_000_000, "source", "admin"))
	_, err := ingestion.ParseRawEvent(raw, ingestion.CommandsPrefix(root), event.EventTypeUnknown)
	assert.ErrorIs(t, err, ingestion.ErrMalformed)

	// Replay of a persisted admin command goes through ParseCommand and is accepted.
	evt, err := ingestion.ParseCommand(event.EventTypeRollOver, raw.Data)
	require.NoError(t, err)
	assert.Equal(t, event.PartitionAdmin, evt.Partition())
}

// --- Outbound messages ---

func TestBuildMessages(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:       9,
		IdempotencyKey: "k",
		EventType:      event.EventTypeProvide,
		Status:         event.StatusApplied,
	}
	out := core.CoreOutput{
		Envelope: env,
		Records: []event.Record{
			event.Provide{Account: testutil.Addr(0xa1), Amount: uint256.NewInt(10), WriteAmount: uint256.NewInt(10), AdminShares: uint256.NewInt(0)},
		},
	}

	msgs, err := ingestion.BuildMessages(out)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Provide", msgs[0].Name)
	assert.Equal(t, "applied", msgs[0].Status)
	assert.Contains(t, string(msgs[0].Record), `"amount":"10"`)

	env.Status = event.StatusRejected
	env.ErrorCode = "O17"
	msgs, err = ingestion.BuildMessages(core.CoreOutput{Envelope: env})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Rejected", msgs[0].Name)
	assert.Equal(t, "O17", msgs[0].ErrorCode)
}

// --- Admin ingest ---

func TestAdminIngest_SequencesOwnPartition(t *testing.T) {
	ch := make(chan event.Event, 4)
	admin := testutil.Addr(0xa0)
	svc := ingestion.NewAdminIngestService(ch, admin, 5, zerolog.Nop())

	_, err := svc.RollOver(context.Background(), 1_800_000_000)
	require.NoError(t, err)
	_, err = svc.SetPoolState(context.Background(), true)
	require.NoError(t, err)

	first := <-ch
	second := <-ch
	assert.Equal(t, event.PartitionAdmin, first.Partition())
	assert.Equal(t, int64(5), first.SourceSequence())
	assert.Equal(t, int64(6), second.SourceSequence())
	assert.Equal(t, admin, second.Sender())
	assert.Equal(t, event.EventTypeSetPoolState, second.EventType())
}

func TestAdminIngest_FullQueueKeepsSequence(t *testing.T) {
	ch := make(chan event.Event)
	svc := ingestion.NewAdminIngestService(ch, testutil.Addr(0xa0), 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.ProcessWithdrawals(ctx, 3)
	require.True(t, errors.Is(err, context.Canceled))

	go func() {
		_, _ = svc.ProcessWithdrawals(context.Background(), 3)
	}()
	evt := <-ch
	assert.Equal(t, int64(1), evt.SourceSequence())
}

func TestAdminIngest_HTTP(t *testing.T) {
	ch := make(chan event.Event, 4)
	svc := ingestion.NewAdminIngestService(ch, testutil.Addr(0xa0), 1, zerolog.Nop())
	mux := http.NewServeMux()
	svc.Register(mux)

	post := func(path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
		return rec
	}

	rec := post("/admin/round-id", `{"contract":"european","expiry":1700604800,"round_id":12}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		CommandID string `json:"command_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	evt := <-ch
	set := evt.(*event.SetRoundID)
	assert.Equal(t, resp.CommandID, set.IdempotencyKey())
	assert.Equal(t, uint64(12), set.RoundID)

	assert.Equal(t, http.StatusBadRequest, post("/admin/round-id", `{"contract":"american","expiry":1,"round_id":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/admin/rollover", `{"new_expiry":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/admin/pool-state", `{"ended":true,"extra":1}`).Code)
	assert.Equal(t, http.StatusAccepted, post("/admin/pool-state", `{"ended":true}`).Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/rollover", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
