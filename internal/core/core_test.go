package core_test

import (
	"encoding/json"
	"errors"
	"testing"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ledger"
	"OptionsLedger/internal/observability"
	"OptionsLedger/internal/options"
	"OptionsLedger/internal/pool"
	"OptionsLedger/internal/position"
	"OptionsLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	now    int64 = 1_700_000_000
	expiry int64 = now + 7*86400
)

var (
	admin    = testutil.Addr(0xa0)
	lp       = testutil.Addr(0xa1)
	buyer    = testutil.Addr(0xb1)
	referrer = testutil.Addr(0xb3)
	staking  = testutil.Addr(0xc1)
	poolAddr = testutil.Addr(0x9001)
	amerAddr = testutil.Addr(0x9002)
	euroAddr = testutil.Addr(0x9003)

	liquidity = testutil.Units(3, 18)
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newState(t *testing.T) *core.State {
	t.Helper()
	pcfg := pool.DefaultConfig()
	pcfg.Address = poolAddr
	pcfg.Owner = admin
	pcfg.Expiry = expiry

	settings := options.DefaultSettings()
	settings.Strike = u(395e8)
	settings.SettlementFeeRecipient = staking

	amer := options.DefaultConfig(options.StyleAmerican)
	amer.Address = amerAddr
	amer.Admin = admin
	euro := options.DefaultConfig(options.StyleEuropean)
	euro.Address = euroAddr
	euro.Admin = admin

	st, err := core.NewState(core.StateConfig{
		Admin:      admin,
		Collateral: ledger.AssetInfo{Symbol: "TKN", Name: "Token X", Decimals: 18},
		Stable:     ledger.AssetInfo{Symbol: "USDC", Name: "USD Coin", Decimals: 6},
		Pool:       pcfg,
		Settings:   settings,
		American:   amer,
		European:   euro,
	})
	require.NoError(t, err)
	return st
}

func newCore(t *testing.T, cfg core.Config) *core.DeterministicCore {
	t.Helper()
	return core.NewDeterministicCore(newState(t), cfg, nil, nil)
}

// builder hands out gap-free command headers.
type builder struct{ seq int64 }

func (b *builder) h(caller common.Address) event.Header {
	b.seq++
	return event.Header{CommandID: uuid.New(), Caller: caller, Sequence: b.seq, Timestamp: now}
}

func oracleHeader() event.Header {
	return event.Header{CommandID: uuid.New(), Caller: admin, Timestamp: now}
}

func american() event.OptionRef { return event.OptionRef{Contract: event.ContractAmerican} }

// untilCreate funds the pool and writes option #1 on the American contract.
func untilCreate(b *builder, optionAmount *uint256.Int) []event.Event {
	return []event.Event{
		&event.PublishPrice{Header: oracleHeader(), RoundID: 1, Price: u(400e8), PriceTimestamp: now - 100},
		&event.TokenMint{Header: b.h(admin), Asset: "TKN", To: lp, Amount: liquidity},
		&event.TokenApprove{Header: b.h(lp), Asset: "TKN", Spender: poolAddr, Amount: liquidity},
		&event.ProvideLiquidity{Header: b.h(lp), Amount: liquidity},
		&event.ApprovePool{Header: b.h(admin), OptionRef: american()},
		&event.TokenMint{Header: b.h(admin), Asset: "TKN", To: buyer, Amount: testutil.Units(1, 18)},
		&event.TokenApprove{Header: b.h(buyer), Asset: "TKN", Spender: amerAddr, Amount: ledger.MaxAllowance()},
		&event.CreateOption{Header: b.h(buyer), OptionRef: american(), Amount: optionAmount, Referrer: referrer, PaymentMethod: uint8(options.PaymentTokenX)},
	}
}

func exerciseAtHigherPrice(b *builder) []event.Event {
	return []event.Event{
		&event.PublishPrice{Header: oracleHeader(), RoundID: 2, Price: u(420e8), PriceTimestamp: now},
		&event.ExerciseOption{Header: b.h(buyer), OptionRef: american(), TokenID: 1},
	}
}

func scenario() []event.Event {
	b := &builder{}
	return append(untilCreate(b, u(1e15)), exerciseAtHigherPrice(b)...)
}

func runAll(t *testing.T, c *core.DeterministicCore, evts []event.Event) []*core.CoreOutput {
	t.Helper()
	outs := make([]*core.CoreOutput, 0, len(evts))
	for _, evt := range evts {
		out, err := c.ProcessEvent(evt)
		require.NoError(t, err)
		require.NotNil(t, out)
		require.Equal(t, event.StatusApplied, out.Envelope.Status, "%s: %s", evt.EventType(), out.Envelope.Error)
		outs = append(outs, out)
	}
	return outs
}

func recordNames(recs []event.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.RecordName()
	}
	return out
}

func TestCore_AppliesOptionLifecycle(t *testing.T) {
	c := newCore(t, core.Config{})
	outs := runAll(t, c, scenario())

	for i, out := range outs {
		env := out.Envelope
		assert.Equal(t, int64(i+1), env.Sequence)
		if i == 0 {
			assert.Equal(t, core.GenesisHash(), env.PrevHash)
		} else {
			assert.Equal(t, outs[i-1].Envelope.StateHash, env.PrevHash, "chain broken at %d", env.Sequence)
		}
		for _, b := range out.Batches {
			assert.Equal(t, env.Sequence, b.Sequence)
			assert.Equal(t, env.IdempotencyKey, b.EventRef)
			for _, j := range b.Journals {
				assert.Equal(t, env.Sequence, j.Sequence)
				assert.Equal(t, env.IdempotencyKey, j.EventRef)
			}
		}
	}
	assert.Equal(t, int64(len(outs)+1), c.GetSequence())
	assert.Equal(t, outs[len(outs)-1].Envelope.StateHash, c.GetStateHash())

	create := outs[7]
	assert.Contains(t, recordNames(create.Records), "Create")
	assert.Contains(t, recordNames(create.Records), "Locked")

	exercise := outs[len(outs)-1]
	names := recordNames(exercise.Records)
	require.Len(t, names, 3)
	assert.Contains(t, []string{"Profit", "Loss"}, names[0])
	assert.Equal(t, []string{"Unlocked", "Exercised"}, names[1:])
	var profit *uint256.Int
	for _, r := range exercise.Records {
		if ex, ok := r.(event.Exercised); ok {
			profit = ex.Profit
		}
	}
	require.NotNil(t, profit)
	assert.False(t, profit.IsZero())

	st := c.State()
	require.NoError(t, st.CheckInvariants())
	assert.True(t, st.Pool.LockedAmount().IsZero())
	assert.True(t, st.Pool.LockedPremium().IsZero())
}

func TestCore_RejectedCommandConsumesSequenceOnly(t *testing.T) {
	c := newCore(t, core.Config{})
	b := &builder{}
	runAll(t, c, untilCreate(b, u(1e15)))
	st := c.State()
	supply := st.Balances.TotalSupply("TKN")
	tip := c.GetStateHash()
	next := c.GetSequence()

	out, err := c.ProcessEvent(&event.TokenMint{Header: b.h(lp), Asset: "TKN", To: lp, Amount: u(1)})
	require.NoError(t, err)
	env := out.Envelope
	assert.Equal(t, event.StatusRejected, env.Status)
	assert.Equal(t, "authorization", env.ErrorCode)
	assert.NotEmpty(t, env.Error)
	assert.Equal(t, next, env.Sequence)
	assert.Equal(t, tip, env.PrevHash)
	assert.Empty(t, out.Batches)
	assert.Empty(t, out.Records)
	assert.Equal(t, supply, st.Balances.TotalSupply("TKN"))

	out, err = c.ProcessEvent(&event.UnlockOption{Header: b.h(buyer), OptionRef: american(), TokenID: 1})
	require.NoError(t, err)
	assert.Equal(t, event.StatusRejected, out.Envelope.Status)
	assert.Equal(t, options.CodeNotExpired, out.Envelope.ErrorCode)
	assert.Equal(t, next+1, out.Envelope.Sequence)
	assert.Equal(t, next+2, c.GetSequence())

	out, err = c.ProcessEvent(&event.ExerciseOption{Header: b.h(buyer), OptionRef: event.OptionRef{Contract: "bermudan"}, TokenID: 1})
	require.NoError(t, err)
	assert.Equal(t, "invalid_argument", out.Envelope.ErrorCode)
}

func TestCore_MissingAmountIsRejected(t *testing.T) {
	c := newCore(t, core.Config{})
	b := &builder{}
	out, err := c.ProcessEvent(&event.TokenMint{Header: b.h(admin), Asset: "TKN", To: lp})
	require.NoError(t, err)
	assert.Equal(t, event.StatusRejected, out.Envelope.Status)
	assert.Contains(t, out.Envelope.Error, core.ErrMissingAmount.Error())
}

func TestCore_TokensCannotBypassPoolAccounting(t *testing.T) {
	c := newCore(t, core.Config{})
	b := &builder{}
	runAll(t, c, []event.Event{
		&event.TokenMint{Header: b.h(admin), Asset: "TKN", To: lp, Amount: liquidity},
	})
	st := c.State()

	rejected := []event.Event{
		&event.TokenTransfer{Header: b.h(lp), Asset: "TKN", To: poolAddr, Amount: u(1000)},
		&event.TokenMint{Header: b.h(admin), Asset: "TKN", To: poolAddr, Amount: u(1000)},
		&event.TokenApprove{Header: b.h(poolAddr), Asset: "TKN", Spender: lp, Amount: u(1)},
		&event.ProvideLiquidity{Header: b.h(amerAddr), Amount: u(1)},
	}
	for _, evt := range rejected {
		var out *core.CoreOutput
		var err error
		require.NotPanics(t, func() { out, err = c.ProcessEvent(evt) }, "%s", evt.EventType())
		require.NoError(t, err)
		assert.Equal(t, event.StatusRejected, out.Envelope.Status, "%s", evt.EventType())
		assert.Empty(t, out.Records)
	}
	assert.True(t, st.Balances.BalanceOf("TKN", poolAddr).IsZero())
	assert.Equal(t, liquidity, st.Balances.BalanceOf("TKN", lp))
	require.NoError(t, st.CheckInvariants())

	// the pool keeps working for honest providers
	runAll(t, c, []event.Event{
		&event.TokenApprove{Header: b.h(lp), Asset: "TKN", Spender: poolAddr, Amount: liquidity},
		&event.ProvideLiquidity{Header: b.h(lp), Amount: liquidity},
	})
	assert.Equal(t, liquidity, st.Balances.BalanceOf("TKN", poolAddr))
}

func TestCore_BackdatedCommandIsRejected(t *testing.T) {
	c := newCore(t, core.Config{})
	b := &builder{}
	runAll(t, c, untilCreate(b, u(1e15)))
	runAll(t, c, []event.Event{
		&event.PublishPrice{Header: oracleHeader(), RoundID: 2, Price: u(420e8), PriceTimestamp: now},
	})

	late := b.h(admin)
	late.Timestamp = expiry + 1
	runAll(t, c, []event.Event{
		&event.TokenMint{Header: late, Asset: "TKN", To: lp, Amount: u(1)},
	})
	assert.Equal(t, expiry+1, c.Clock())
	st := c.State()
	before := st.Balances.BalanceOf("TKN", buyer)

	out, err := c.ProcessEvent(&event.ExerciseOption{Header: b.h(buyer), OptionRef: american(), TokenID: 1})
	require.NoError(t, err)
	assert.Equal(t, event.StatusRejected, out.Envelope.Status)
	assert.Equal(t, "precondition", out.Envelope.ErrorCode)
	assert.Contains(t, out.Envelope.Error, core.ErrStaleTimestamp.Error())
	assert.Empty(t, out.Records)
	assert.Equal(t, expiry+1, c.Clock(), "rejected commands leave the clock alone")

	opt, err := st.American.Option(1)
	require.NoError(t, err)
	assert.Equal(t, position.StateActive, opt.State)
	assert.Equal(t, before, st.Balances.BalanceOf("TKN", buyer))

	// once expired the option can only be unlocked
	unlock := b.h(buyer)
	unlock.Timestamp = expiry + 1
	runAll(t, c, []event.Event{
		&event.UnlockOption{Header: unlock, OptionRef: american(), TokenID: 1},
	})
	opt, err = st.American.Option(1)
	require.NoError(t, err)
	assert.Equal(t, position.StateExpired, opt.State)
}

func TestCore_DuplicateIsSkipped(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	c := newCore(t, core.Config{Metrics: m})
	b := &builder{}
	mint := &event.TokenMint{Header: b.h(admin), Asset: "TKN", To: lp, Amount: u(10)}

	first, err := c.ProcessEvent(mint)
	require.NoError(t, err)
	require.NotNil(t, first)
	seq := c.GetSequence()

	again, err := c.ProcessEvent(mint)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, seq, c.GetSequence())
	assert.Equal(t, u(10), c.State().Balances.BalanceOf("TKN", lp))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.IdempotencyDuplicates.WithLabelValues("TokenMint", "lru")))
}

type stubDB struct{ keys map[string]bool }

func (s stubDB) IsDuplicate(_ string, key string) (bool, error) {
	return s.keys[key], nil
}

type failingDB struct{}

func (failingDB) IsDuplicate(string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestCore_PostgresTierCatchesColdDuplicates(t *testing.T) {
	b := &builder{}
	mint := &event.TokenMint{Header: b.h(admin), Asset: "TKN", To: lp, Amount: u(10)}
	c := newCore(t, core.Config{DBChecker: stubDB{keys: map[string]bool{mint.IdempotencyKey(): true}}})

	out, err := c.ProcessEvent(mint)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.True(t, c.State().Balances.BalanceOf("TKN", lp).IsZero())
}

func TestCore_FailingPostgresTierDoesNotBlock(t *testing.T) {
	c := newCore(t, core.Config{DBChecker: failingDB{}})
	b := &builder{}
	out, err := c.ProcessEvent(&event.TokenMint{Header: b.h(admin), Asset: "TKN", To: lp, Amount: u(10)})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, event.StatusApplied, out.Envelope.Status)
}

func TestCore_SequenceGapAndOutOfOrder(t *testing.T) {
	c := newCore(t, core.Config{})
	mint := func(seq int64) *event.TokenMint {
		return &event.TokenMint{
			Header: event.Header{CommandID: uuid.New(), Caller: admin, Sequence: seq, Timestamp: now},
			Asset:  "TKN",
			To:     lp,
			Amount: u(1),
		}
	}

	_, err := c.ProcessEvent(mint(3))
	require.ErrorIs(t, err, core.ErrSequenceGap)
	assert.Equal(t, int64(1), c.GetSequence())

	_, err = c.ProcessEvent(mint(1))
	require.NoError(t, err)

	_, err = c.ProcessEvent(mint(1))
	require.ErrorIs(t, err, core.ErrOutOfOrder)
	assert.Equal(t, int64(2), c.GetSequence())
}

func TestCore_OracleRoundsMaySkipButNotRewind(t *testing.T) {
	c := newCore(t, core.Config{})
	publish := func(round uint64) *core.CoreOutput {
		out, err := c.ProcessEvent(&event.PublishPrice{Header: oracleHeader(), RoundID: round, Price: u(400e8), PriceTimestamp: now})
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, event.StatusApplied, publish(1).Envelope.Status)
	assert.Equal(t, event.StatusApplied, publish(5).Envelope.Status)
	stale := publish(3)
	assert.Equal(t, event.StatusRejected, stale.Envelope.Status)
	assert.Equal(t, "invalid_argument", stale.Envelope.ErrorCode)
	assert.Equal(t, uint64(5), c.State().Feed.LatestRoundID())
}

func TestCore_PublishPriceRequiresAdmin(t *testing.T) {
	c := newCore(t, core.Config{})
	h := oracleHeader()
	h.Caller = lp
	out, err := c.ProcessEvent(&event.PublishPrice{Header: h, RoundID: 1, Price: u(400e8), PriceTimestamp: now})
	require.NoError(t, err)
	assert.Equal(t, "authorization", out.Envelope.ErrorCode)
}

func TestCore_HashChainIsDeterministic(t *testing.T) {
	evts := scenario()
	a := newCore(t, core.Config{})
	b := newCore(t, core.Config{})
	runAll(t, a, evts)
	runAll(t, b, evts)
	assert.Equal(t, a.GetStateHash(), b.GetStateHash())

	bld := &builder{}
	other := newCore(t, core.Config{})
	runAll(t, other, append(untilCreate(bld, u(2e15)), exerciseAtHigherPrice(bld)...))
	assert.NotEqual(t, a.GetStateHash(), other.GetStateHash())
}

func TestCore_SnapshotRestoreContinuesIdentically(t *testing.T) {
	b := &builder{}
	prefix := untilCreate(b, u(1e15))
	rest := exerciseAtHigherPrice(b)

	live := newCore(t, core.Config{})
	runAll(t, live, prefix)

	raw, err := json.Marshal(live.CreateSnapshotState())
	require.NoError(t, err)
	var snap core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := newCore(t, core.Config{})
	require.NoError(t, restored.RestoreFromSnapshot(&snap))
	assert.Equal(t, live.GetSequence(), restored.GetSequence())
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, live.Clock(), restored.Clock())

	// commands sequenced before the snapshot stay deduplicated
	dup, err := restored.ProcessEvent(prefix[len(prefix)-1])
	require.NoError(t, err)
	assert.Nil(t, dup)

	runAll(t, live, rest)
	runAll(t, restored, rest)
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())
	assert.Equal(t,
		live.State().Balances.BalanceOf("TKN", buyer),
		restored.State().Balances.BalanceOf("TKN", buyer))
}

func TestCore_ReplayVerifiesRecordedHashes(t *testing.T) {
	evts := scenario()
	live := newCore(t, core.Config{})
	outs := runAll(t, live, evts)

	replica := newCore(t, core.Config{})
	for i, evt := range evts {
		require.NoError(t, replica.Replay(evt, outs[i].Envelope))
	}
	assert.Equal(t, live.GetStateHash(), replica.GetStateHash())

	tampered := *outs[0].Envelope
	tampered.StateHash[0] ^= 0xff
	err := newCore(t, core.Config{}).Replay(evts[0], &tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash")
}

func TestCore_OutputsAndMetrics(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	persist := make(chan core.CoreOutput, 64)
	publish := make(chan core.CoreOutput) // nobody reads: every publish drops
	c := core.NewDeterministicCore(newState(t), core.Config{Metrics: m}, persist, publish)

	evts := scenario()
	runAll(t, c, evts)

	assert.Len(t, persist, len(evts))
	assert.Equal(t, float64(len(evts)), promtest.ToFloat64(m.PublishDrops))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CommandsApplied.WithLabelValues("CreateOption")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.OptionsCreated.WithLabelValues(event.ContractAmerican)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.OptionsExercised.WithLabelValues(event.ContractAmerican)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.PoolRound))
	assert.Equal(t, float64(len(evts)+1), promtest.ToFloat64(m.CoreSequence))
}

func TestState_ContractLookup(t *testing.T) {
	st := newState(t)
	c, err := st.Contract(event.ContractEuropean)
	require.NoError(t, err)
	assert.Equal(t, options.StyleEuropean, c.Style())

	_, err = st.Contract("asian")
	require.ErrorIs(t, err, core.ErrUnknownContract)
}
