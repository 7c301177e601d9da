package options_test

import (
	"testing"

	"OptionsLedger/internal/access"
	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ledger"
	"OptionsLedger/internal/options"
	"OptionsLedger/internal/oracle"
	"OptionsLedger/internal/pool"
	"OptionsLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tkn  ledger.Asset = "TKN"
	usdc ledger.Asset = "USDC"

	now    int64 = 1_700_000_000
	expiry int64 = now + 7*86400
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	lp        = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyer     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	other     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	referrer  = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	closer    = common.HexToAddress("0x00000000000000000000000000000000000000b4")
	staking   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	projOwner = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	poolAddr  = common.HexToAddress("0x0000000000000000000000000000000000009001")
	amerAddr  = common.HexToAddress("0x0000000000000000000000000000000000009002")
	euroAddr  = common.HexToAddress("0x0000000000000000000000000000000000009003")

	strike    = uint256.NewInt(395e8)
	liquidity = new(uint256.Int).Mul(uint256.NewInt(3), uint256.NewInt(1e18))
	amount    = uint256.NewInt(1e15)
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type fixture struct {
	bt    *ledger.BalanceTracker
	roles *access.Registry
	rec   *event.Recorder
	feed  *oracle.MemoryFeed
	pool  *pool.Pool
	store *options.Store
	amer  *options.Contract
	euro  *options.Contract
}

type fixtureOpts struct {
	noLiquidity  bool
	noPoolApprov bool
}

func newFixture(t *testing.T, opts ...fixtureOpts) *fixture {
	t.Helper()
	var o fixtureOpts
	if len(opts) > 0 {
		o = opts[0]
	}

	f := &fixture{
		bt:    ledger.NewBalanceTracker(),
		roles: access.NewRegistry(admin),
		rec:   event.NewRecorder(),
		feed:  oracle.NewMemoryFeed(),
	}
	f.bt.RegisterAsset(ledger.AssetInfo{Symbol: tkn, Name: "Token X", Decimals: 18})
	f.bt.RegisterAsset(ledger.AssetInfo{Symbol: usdc, Name: "USD Coin", Decimals: 6})
	require.NoError(t, f.feed.Publish(1, u(400e8), now-100))

	pcfg := pool.DefaultConfig()
	pcfg.Address = poolAddr
	pcfg.Owner = admin
	pcfg.Collateral = tkn
	pcfg.Expiry = expiry
	p, err := pool.New(pcfg, f.bt, f.roles, f.rec)
	require.NoError(t, err)
	f.pool = p

	settings := options.DefaultSettings()
	settings.Strike = strike
	settings.SettlementFeeRecipient = staking
	f.store, err = options.NewStore(settings, f.roles, f.pool, f.rec)
	require.NoError(t, err)

	for _, c := range []struct {
		style options.Style
		addr  common.Address
		dst   **options.Contract
	}{{options.StyleAmerican, amerAddr, &f.amer}, {options.StyleEuropean, euroAddr, &f.euro}} {
		cfg := options.DefaultConfig(c.style)
		cfg.Address = c.addr
		cfg.Admin = admin
		cfg.Collateral = tkn
		cfg.Stable = usdc
		contract, err := options.New(cfg, f.bt, f.roles, f.pool, f.store, f.feed, f.rec)
		require.NoError(t, err)
		require.NoError(t, f.roles.Grant(admin, access.RoleOptionIssuer, c.addr))
		if !o.noPoolApprov {
			require.NoError(t, contract.ApprovePool(admin))
		}
		*c.dst = contract
	}

	if !o.noLiquidity {
		f.fund(t, tkn, lp, poolAddr, liquidity)
		_, err := f.pool.Provide(lp, liquidity, u(0))
		require.NoError(t, err)
	}
	f.rec.Drain()
	return f
}

func (f *fixture) fund(t *testing.T, asset ledger.Asset, who, spender common.Address, v *uint256.Int) {
	t.Helper()
	tok := f.bt.Token(asset)
	require.NoError(t, tok.Mint(who, v))
	require.NoError(t, tok.Approve(who, spender, v))
}

func (f *fixture) balance(asset ledger.Asset, who common.Address) *uint256.Int {
	return f.bt.BalanceOf(asset, who)
}

// create writes an option of amt paid in collateral by buyer.
func (f *fixture) create(t *testing.T, c *options.Contract, amt *uint256.Int) position.TokenID {
	t.Helper()
	fees, err := c.Fees(amt, now)
	require.NoError(t, err)
	f.fund(t, tkn, buyer, c.Address(), fees.Total)
	id, err := c.Create(buyer, amt, referrer, options.PaymentTokenX, now)
	require.NoError(t, err)
	return id
}

func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	require.NoError(t, f.pool.CheckInvariants())
	require.NoError(t, f.amer.CheckInvariants())
	require.NoError(t, f.euro.CheckInvariants())
}

func names(recs []event.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.RecordName()
	}
	return out
}

func mulDiv(x, y, d *uint256.Int) *uint256.Int {
	return new(uint256.Int).Div(new(uint256.Int).Mul(x, y), d)
}

// ---------------------------------------------------------------------------
// Fees
// ---------------------------------------------------------------------------

func TestFees_TotalIsPremiumPlusSettlement(t *testing.T) {
	f := newFixture(t)
	fees, err := f.store.Fees(expiry-now, amount, strike, u(400e8), position.OptionTypeCall)
	require.NoError(t, err)

	assert.False(t, fees.Premium.IsZero())
	assert.Equal(t, mulDiv(amount, u(100), u(10_000)), fees.SettlementFee)
	assert.Equal(t, new(uint256.Int).Add(fees.Premium, fees.SettlementFee), fees.Total)
}

func TestFees_PremiumGrowsWithSpot(t *testing.T) {
	f := newFixture(t)
	low, err := f.store.Fees(expiry-now, amount, strike, u(380e8), position.OptionTypeCall)
	require.NoError(t, err)
	high, err := f.store.Fees(expiry-now, amount, strike, u(450e8), position.OptionTypeCall)
	require.NoError(t, err)
	assert.True(t, high.Premium.Gt(low.Premium))

	put, err := f.store.Fees(expiry-now, amount, strike, u(380e8), position.OptionTypePut)
	require.NoError(t, err)
	assert.True(t, put.Premium.Gt(low.Premium), "an in-the-money put costs more than an out-of-the-money call")
}

func TestFees_RejectsExpiredPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Fees(0, amount, strike, u(400e8), position.OptionTypeCall)
	require.ErrorIs(t, err, options.ErrInvalidPeriod)
}

func TestSplitSettlementFee(t *testing.T) {
	f := newFixture(t)
	split, err := f.store.SplitSettlementFee(u(1000), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), split.Staking.Uint64())
	assert.Equal(t, uint64(250), split.Referral.Uint64())
	assert.Equal(t, uint64(250), split.Admin.Uint64())

	split, err = f.store.SplitSettlementFee(u(1001), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), split.Staking.Uint64())
	assert.True(t, split.Referral.IsZero())
	assert.Equal(t, uint64(501), split.Admin.Uint64())
}

// ---------------------------------------------------------------------------
// Config store
// ---------------------------------------------------------------------------

func TestSetStrike_OnlyAfterExpiry(t *testing.T) {
	f := newFixture(t)
	next := u(396e8)

	err := f.store.SetStrike(buyer, next, expiry)
	require.ErrorIs(t, err, access.ErrUnauthorized)

	err = f.store.SetStrike(admin, next, expiry-1)
	require.ErrorIs(t, err, options.ErrStrikeLocked)

	require.NoError(t, f.store.SetStrike(admin, next, expiry+86400))
	assert.Equal(t, next, f.store.FixedStrike())
	assert.Equal(t, []string{"StrikeUpdated"}, names(f.rec.Drain()))
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_PaysInCollateral(t *testing.T) {
	f := newFixture(t)
	fees, err := f.amer.Fees(amount, now)
	require.NoError(t, err)
	f.fund(t, tkn, buyer, amerAddr, fees.Total)
	split, err := f.store.SplitSettlementFee(fees.SettlementFee, true)
	require.NoError(t, err)

	id, err := f.amer.Create(buyer, amount, referrer, options.PaymentTokenX, now)
	require.NoError(t, err)
	assert.Equal(t, position.TokenID(1), id)

	assert.True(t, f.balance(tkn, buyer).IsZero())
	assert.True(t, f.balance(tkn, amerAddr).IsZero(), "contract passes every fee through")
	assert.Equal(t, split.Staking, f.balance(tkn, staking))
	assert.Equal(t, split.Referral, f.balance(tkn, referrer))
	assert.Equal(t, split.Admin, f.balance(tkn, admin))
	assert.Equal(t, amount, f.pool.LockedAmount())
	assert.Equal(t, fees.Premium, f.pool.LockedPremium())

	opt, err := f.amer.Option(id)
	require.NoError(t, err)
	assert.Equal(t, position.StateActive, opt.State)
	assert.Equal(t, buyer, opt.Owner)
	assert.Equal(t, strike, opt.Strike)
	assert.Equal(t, expiry, opt.Expiration)
	assert.Equal(t, position.OptionTypeCall, opt.OptionType)
	assert.Equal(t, position.UnitsPerSlot, opt.Units)
	assert.True(t, opt.LockedAmount.Eq(amount))
	assert.True(t, opt.Premium.Eq(fees.Premium))

	assert.Equal(t, []string{"PositionCreated", "Locked", "Create", "FeesDistributed"}, names(f.rec.Drain()))
	f.checkInvariants(t)
}

func TestCreate_ReferrerEqualToBuyerEarnsNothing(t *testing.T) {
	f := newFixture(t)
	fees, err := f.amer.Fees(amount, now)
	require.NoError(t, err)
	f.fund(t, tkn, buyer, amerAddr, fees.Total)
	split, err := f.store.SplitSettlementFee(fees.SettlementFee, false)
	require.NoError(t, err)

	_, err = f.amer.Create(buyer, amount, buyer, options.PaymentTokenX, now)
	require.NoError(t, err)
	assert.True(t, f.balance(tkn, buyer).IsZero())
	assert.Equal(t, split.Admin, f.balance(tkn, admin))
}

func TestCreate_PaysInStablecoin(t *testing.T) {
	f := newFixture(t)
	fees, err := f.amer.Fees(amount, now)
	require.NoError(t, err)
	// 18 -> 6 decimals, then at 400 USD
	feeUSD := new(uint256.Int).Mul(new(uint256.Int).Div(fees.Total, u(1e12)), u(400))
	f.fund(t, usdc, buyer, amerAddr, feeUSD)

	_, err = f.amer.Create(buyer, amount, referrer, options.PaymentStable, now)
	require.ErrorIs(t, err, options.ErrNoProjectOwner)
	require.NoError(t, f.pool.SetProjectOwner(admin, projOwner))

	_, err = f.amer.Create(buyer, amount, referrer, options.PaymentStable, now)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance, "contract holds no collateral to fund the fee")
	assert.True(t, f.balance(usdc, projOwner).IsZero())

	require.NoError(t, f.bt.Token(tkn).Mint(amerAddr, fees.Total))
	_, err = f.amer.Create(buyer, amount, referrer, options.PaymentStable, now)
	require.NoError(t, err)

	assert.Equal(t, feeUSD, f.balance(usdc, projOwner))
	assert.True(t, f.balance(usdc, buyer).IsZero())
	assert.True(t, f.balance(tkn, amerAddr).IsZero())
	f.checkInvariants(t)
}

func TestCreate_Rejections(t *testing.T) {
	t.Run("empty pool", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{noLiquidity: true})
		_, err := f.amer.Create(buyer, amount, referrer, options.PaymentTokenX, now)
		require.ErrorIs(t, err, options.ErrNoLiquidity)
		assert.Equal(t, options.CodeNoLiquidity, errs.Code(err))
	})

	t.Run("buyer did not approve", func(t *testing.T) {
		f := newFixture(t)
		fees, err := f.amer.Fees(amount, now)
		require.NoError(t, err)
		require.NoError(t, f.bt.Token(tkn).Mint(buyer, fees.Total))

		_, err = f.amer.Create(buyer, amount, referrer, options.PaymentTokenX, now)
		require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)
		assert.Equal(t, fees.Total, f.balance(tkn, buyer))
		assert.True(t, f.pool.LockedAmount().IsZero())
		assert.Zero(t, f.amer.Positions().TokenCount())
		assert.Zero(t, f.rec.Len())
	})

	t.Run("pool not approved", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{noPoolApprov: true})
		fees, err := f.amer.Fees(amount, now)
		require.NoError(t, err)
		f.fund(t, tkn, buyer, amerAddr, fees.Total)

		_, err = f.amer.Create(buyer, amount, referrer, options.PaymentTokenX, now)
		require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)
		assert.True(t, f.balance(tkn, staking).IsZero())
	})

	t.Run("after expiry", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.amer.Create(buyer, amount, referrer, options.PaymentTokenX, expiry)
		require.ErrorIs(t, err, options.ErrInvalidPeriod)
	})

	t.Run("withdraw queue not processed", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.pool.RollOver(admin, expiry+7*86400, expiry))
		fees, err := f.amer.Fees(amount, expiry)
		require.NoError(t, err)
		f.fund(t, tkn, buyer, amerAddr, fees.Total)

		_, err = f.amer.Create(buyer, amount, referrer, options.PaymentTokenX, expiry)
		require.ErrorIs(t, err, pool.ErrRoundNotOpen)
	})

	t.Run("bad arguments", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.amer.Create(buyer, u(0), referrer, options.PaymentTokenX, now)
		require.ErrorIs(t, err, options.ErrZeroAmount)
		_, err = f.amer.Create(buyer, amount, referrer, options.PaymentMethod(7), now)
		require.ErrorIs(t, err, options.ErrPaymentMethod)
		_, err = f.amer.Create(common.Address{}, amount, referrer, options.PaymentTokenX, now)
		require.ErrorIs(t, err, options.ErrZeroAddress)
	})
}

// ---------------------------------------------------------------------------
// American
// ---------------------------------------------------------------------------

func TestAmerican_ExercisePaysIntrinsicValue(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, amount)
	require.NoError(t, f.feed.Publish(2, u(420e8), now+10))
	f.rec.Drain()

	poolBefore := f.balance(tkn, poolAddr)
	_, err := f.amer.Exercise(other, id, now+20)
	require.ErrorIs(t, err, options.ErrNotAuthorized)
	assert.Equal(t, options.CodeNotAuthorized, errs.Code(err))

	paid, err := f.amer.Exercise(buyer, id, now+20)
	require.NoError(t, err)

	want := mulDiv(u(25e8), amount, u(420e8))
	assert.Equal(t, want, paid)
	assert.Equal(t, want, f.balance(tkn, buyer))
	assert.Equal(t, want, new(uint256.Int).Sub(poolBefore, f.balance(tkn, poolAddr)))
	assert.True(t, f.pool.LockedAmount().IsZero())

	opt, err := f.amer.Option(id)
	require.NoError(t, err)
	assert.Equal(t, position.StateExercised, opt.State)
	assert.Equal(t, []string{"Profit", "Unlocked", "Exercised"}, names(f.rec.Drain()))

	_, err = f.amer.Exercise(buyer, id, now+30)
	require.ErrorIs(t, err, options.ErrNotActive)
	f.checkInvariants(t)
}

func TestAmerican_ExerciseRejections(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, amount)

	require.NoError(t, f.feed.Publish(2, u(390e8), now+10))
	_, err := f.amer.Exercise(buyer, id, now+20)
	require.ErrorIs(t, err, options.ErrNotInTheMoney)
	assert.Equal(t, options.CodeNotInTheMoney, errs.Code(err))

	require.NoError(t, f.feed.Publish(3, strike, now+30))
	_, err = f.amer.Exercise(buyer, id, now+40)
	require.ErrorIs(t, err, options.ErrNotInTheMoney, "at the money pays nothing")

	require.NoError(t, f.feed.Publish(4, u(420e8), now+50))
	_, err = f.amer.Exercise(buyer, id, expiry+1)
	require.ErrorIs(t, err, options.ErrExerciseExpired)
	assert.Equal(t, options.CodeExerciseExpired, errs.Code(err))

	_, err = f.amer.Exercise(buyer, id, expiry)
	require.NoError(t, err, "exercise is open through the expiration second")
}

func TestAmerican_ApprovedSpenderMayExercise(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, amount)
	require.NoError(t, f.feed.Publish(2, u(420e8), now+10))
	require.NoError(t, f.amer.Approve(buyer, other, id))

	_, err := f.amer.Exercise(other, id, now+20)
	require.NoError(t, err)
	assert.True(t, f.balance(tkn, other).IsZero(), "profit goes to the owner")
	assert.False(t, f.balance(tkn, buyer).IsZero())
}

func TestAmerican_AutoExerciseWindow(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, amount)
	require.NoError(t, f.feed.Publish(2, u(420e8), now+10))

	_, err := f.amer.Exercise(closer, id, expiry-27*60)
	require.ErrorIs(t, err, options.ErrNotAuthorized)

	require.NoError(t, f.roles.Grant(admin, access.RoleAutoCloser, closer))
	_, err = f.amer.Exercise(closer, id, expiry-31*60)
	require.ErrorIs(t, err, options.ErrNotAuthorized, "too early for the auto-closer")

	paid, err := f.amer.Exercise(closer, id, expiry-27*60)
	require.NoError(t, err)
	assert.Equal(t, paid, f.balance(tkn, buyer))
	assert.True(t, f.balance(tkn, closer).IsZero())
}

func TestAmerican_UnlockAfterExpiry(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, amount)
	opt, err := f.amer.Option(id)
	require.NoError(t, err)
	f.rec.Drain()

	err = f.amer.Unlock(id, expiry)
	require.ErrorIs(t, err, options.ErrNotExpired)
	assert.Equal(t, options.CodeNotExpired, errs.Code(err))

	require.NoError(t, f.amer.Unlock(id, expiry+86400))
	recs := f.rec.Drain()
	require.Equal(t, []string{"Profit", "Unlocked", "Expired"}, names(recs))
	assert.True(t, recs[0].(event.Profit).Amount.Eq(&opt.Premium))
	assert.True(t, f.pool.LockedAmount().IsZero())
	assert.True(t, f.pool.LockedPremium().IsZero())

	opt, err = f.amer.Option(id)
	require.NoError(t, err)
	assert.Equal(t, position.StateExpired, opt.State)

	err = f.amer.Unlock(id, expiry+86400)
	require.ErrorIs(t, err, options.ErrNotActive)
	assert.Equal(t, options.CodeNotActive, errs.Code(err))
	f.checkInvariants(t)
}

// ---------------------------------------------------------------------------
// European round resolution
// ---------------------------------------------------------------------------

func TestResolveSettlementRound(t *testing.T) {
	const e = expiry
	cases := []struct {
		name       string
		ids        []uint64
		timestamps []int64
		configured uint64
		lookback   uint64
		want       uint64
		wantCode   string
	}{
		{"continuous", []uint64{1, 2, 3}, []int64{e - 2000, e, e + 86400}, 3, 100, 2, ""},
		{"discontinuous", []uint64{4, 5, 7}, []int64{e - 2000, e, e + 86400}, 7, 100, 5, ""},
		{"between rounds", []uint64{8, 9, 10}, []int64{e - 2000, e - 500, e + 500}, 10, 100, 9, ""},
		{"configured before expiry", []uint64{11, 12, 13}, []int64{e - 2000, e - 1000, e - 500}, 13, 100, 0, "C1"},
		{"configured at expiry", []uint64{11, 12, 13}, []int64{e - 2000, e - 1000, e}, 13, 100, 0, "C1"},
		{"configured missing", []uint64{1, 2}, []int64{e - 10, e + 10}, 5, 100, 0, "C1"},
		{"round id too small", []uint64{1, 2, 4}, []int64{e + 2000, e, e + 500}, 1, 100, 0, "C3"},
		{"round id too large", []uint64{14, 15, 16}, []int64{e - 2000, e + 200, e + 500}, 16, 100, 0, "C4"},
		{"gap beyond lookback", []uint64{1, 200}, []int64{e - 1, e + 1}, 200, 100, 0, "C3"},
		{"gap within lookback", []uint64{1, 200}, []int64{e - 1, e + 1}, 200, 1000, 1, ""},
		{"no round", nil, nil, 0, 100, 0, "O20"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			feed := oracle.NewMemoryFeed()
			for i, id := range tc.ids {
				require.NoError(t, feed.Publish(id, strike, tc.timestamps[i]))
			}

			got, err := options.ResolveSettlementRound(feed, tc.configured, e, tc.lookback)
			if tc.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantCode, errs.Code(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// ---------------------------------------------------------------------------
// European
// ---------------------------------------------------------------------------

// settle publishes a round at price just before expiry and the first round after it.
func (f *fixture) settle(t *testing.T, price *uint256.Int) {
	t.Helper()
	require.NoError(t, f.feed.Publish(2, price, expiry-10))
	require.NoError(t, f.feed.Publish(3, u(1e8), expiry+100))
	resolved, err := f.euro.SetRoundIDForExpiry(expiry, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), resolved)
}

func TestEuropean_ExerciseByAnyonePaysOwner(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.euro, amount)

	_, err := f.euro.Exercise(other, id, expiry)
	require.ErrorIs(t, err, options.ErrNotExpired)

	_, err = f.euro.Exercise(other, id, expiry+1)
	require.ErrorIs(t, err, options.ErrNoRound)
	assert.Equal(t, options.CodeNoRound, errs.Code(err))

	f.settle(t, u(420e8))
	assert.Equal(t, uint64(2), f.euro.ExpiryToRoundID(expiry))
	_, err = f.euro.SetRoundIDForExpiry(expiry, 3)
	require.ErrorIs(t, err, options.ErrRoundAlreadySet)

	paid, err := f.euro.Exercise(other, id, expiry+86400)
	require.NoError(t, err)
	want := mulDiv(u(25e8), amount, u(420e8))
	assert.Equal(t, want, paid)
	assert.Equal(t, want, f.balance(tkn, buyer))
	assert.True(t, f.balance(tkn, other).IsZero())

	opt, err := f.euro.Option(id)
	require.NoError(t, err)
	assert.Equal(t, position.StateExercised, opt.State)
	f.checkInvariants(t)
}

func TestEuropean_ExerciseWindowCloses(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.euro, amount)
	f.settle(t, u(420e8))

	_, err := f.euro.Exercise(buyer, id, expiry+7*86400+1)
	require.ErrorIs(t, err, options.ErrExerciseExpired)

	require.NoError(t, f.euro.Unlock(id, expiry+7*86400+1), "unlock still settles in the money")
	opt, err := f.euro.Option(id)
	require.NoError(t, err)
	assert.Equal(t, position.StateExercised, opt.State)
	assert.False(t, f.balance(tkn, buyer).IsZero())
}

func TestEuropean_OutOfTheMoney(t *testing.T) {
	for _, tc := range []struct {
		name  string
		price *uint256.Int
	}{{"below strike", u(390e8)}, {"at strike", strike}} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.create(t, f.euro, amount)

			err := f.euro.Unlock(id, expiry+1)
			require.ErrorIs(t, err, options.ErrNoRound)

			f.settle(t, tc.price)
			f.rec.Drain()

			_, err = f.euro.Exercise(buyer, id, expiry+1)
			require.ErrorIs(t, err, options.ErrNotInTheMoney)
			assert.Equal(t, options.CodeNotInTheMoney, errs.Code(err))

			require.NoError(t, f.euro.Unlock(id, expiry+1))
			assert.Equal(t, []string{"Profit", "Unlocked", "Expired"}, names(f.rec.Drain()))
			assert.True(t, f.balance(tkn, buyer).IsZero())

			opt, err := f.euro.Option(id)
			require.NoError(t, err)
			assert.Equal(t, position.StateExpired, opt.State)
			f.checkInvariants(t)

			_, err = f.euro.Exercise(buyer, id, expiry+2)
			require.ErrorIs(t, err, options.ErrNotInTheMoney, "settled by unlock")
			assert.Equal(t, options.CodeNotInTheMoney, errs.Code(err))
		})
	}
}

func TestEuropean_UnlockInTheMoneyPaysProfit(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.euro, amount)

	err := f.euro.Unlock(id, expiry)
	require.ErrorIs(t, err, options.ErrNotExpired)

	f.settle(t, u(420e8))
	f.rec.Drain()
	require.NoError(t, f.euro.Unlock(id, expiry+86400))

	recs := f.rec.Drain()
	require.Equal(t, []string{"Profit", "Unlocked", "Exercised"}, names(recs))
	want := mulDiv(u(25e8), amount, u(420e8))
	assert.Equal(t, want, recs[2].(event.Exercised).Profit)
	assert.Equal(t, want, f.balance(tkn, buyer))

	_, err = f.euro.Exercise(buyer, id, expiry+86400+1)
	require.ErrorIs(t, err, options.ErrNotInTheMoney, "unlock already paid the profit")
	assert.Equal(t, options.CodeNotInTheMoney, errs.Code(err))
	assert.Equal(t, want, f.balance(tkn, buyer))
	assert.Zero(t, f.rec.Len())
}

// ---------------------------------------------------------------------------
// Token operations
// ---------------------------------------------------------------------------

func TestSplitMerge_KeepsPoolLocksInStep(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, u(1000))
	lockedBefore, premiumBefore := f.pool.LockedAmount(), f.pool.LockedPremium()

	children, err := f.amer.Split(buyer, id, []uint64{500_000, 300_000, 200_000})
	require.NoError(t, err)
	require.Len(t, children, 3)

	for i, want := range []uint64{500, 300, 200} {
		opt, err := f.amer.Option(children[i])
		require.NoError(t, err)
		assert.Equal(t, want, opt.Amount.Uint64())
		ll, ok := f.pool.LockEntry(amerAddr, uint64(children[i]))
		require.True(t, ok)
		assert.Equal(t, want, ll.Amount.Uint64())
	}

	drained, err := f.amer.Option(id)
	require.NoError(t, err)
	assert.Zero(t, drained.Units)
	assert.True(t, drained.Amount.IsZero())
	// floor shares may leave premium dust on the parent, which keeps its lock
	ll, _ := f.pool.LockEntry(amerAddr, uint64(id))
	if drained.Premium.IsZero() {
		assert.Equal(t, position.StateUnlocked, drained.State)
		assert.False(t, ll.Locked)
	} else {
		assert.Equal(t, position.StateActive, drained.State)
		assert.True(t, ll.Premium.Eq(&drained.Premium))
	}
	assert.Equal(t, lockedBefore, f.pool.LockedAmount())
	assert.Equal(t, premiumBefore, f.pool.LockedPremium())
	f.checkInvariants(t)

	require.NoError(t, f.amer.Merge(buyer, children[1:], children[0]))
	merged, err := f.amer.Option(children[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), merged.Amount.Uint64())
	assert.Equal(t, position.UnitsPerSlot, merged.Units)
	ll, _ = f.pool.LockEntry(amerAddr, uint64(children[0]))
	assert.Equal(t, uint64(1000), ll.Amount.Uint64())
	for _, gone := range children[1:] {
		ll, _ := f.pool.LockEntry(amerAddr, uint64(gone))
		assert.False(t, ll.Locked)
	}
	f.checkInvariants(t)
}

func TestSplit_DustParentKeepsItsLock(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, u(1000))

	dust, err := f.amer.Split(buyer, id, []uint64{2})
	require.NoError(t, err)
	opt, err := f.amer.Option(dust[0])
	require.NoError(t, err)
	require.True(t, opt.LockedAmount.IsZero())
	require.True(t, opt.Premium.IsZero())

	_, err = f.amer.Split(buyer, dust[0], []uint64{1})
	require.NoError(t, err)
	opt, err = f.amer.Option(dust[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), opt.Units)
	assert.Equal(t, position.StateActive, opt.State, "a token with units is not settled")
	ll, ok := f.pool.LockEntry(amerAddr, uint64(dust[0]))
	require.True(t, ok)
	assert.True(t, ll.Locked)
	f.checkInvariants(t)

	require.NoError(t, f.amer.Merge(buyer, []position.TokenID{dust[0]}, id))
	ll, _ = f.pool.LockEntry(amerAddr, uint64(dust[0]))
	assert.False(t, ll.Locked, "merged source releases its lock")
	f.checkInvariants(t)
}

func TestTokenOps_RefusedWithoutIssuerRole(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, u(1000))
	second := f.create(t, f.amer, u(1000))
	require.NoError(t, f.roles.Revoke(admin, access.RoleOptionIssuer, amerAddr))
	f.rec.Drain()
	before, err := f.amer.Option(id)
	require.NoError(t, err)

	_, err = f.amer.Split(buyer, id, []uint64{500_000})
	require.ErrorIs(t, err, access.ErrUnauthorized)
	_, err = f.amer.TransferUnits(buyer, id, other, 10, 0)
	require.ErrorIs(t, err, access.ErrUnauthorized)
	err = f.amer.Merge(buyer, []position.TokenID{second}, id)
	require.ErrorIs(t, err, access.ErrUnauthorized)

	after, err := f.amer.Option(id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 2, f.amer.Positions().TokenCount())
	assert.Zero(t, f.rec.Len())
	f.checkInvariants(t)
}

func TestSplit_RequiresActiveOption(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, amount)
	require.NoError(t, f.amer.Unlock(id, expiry+1))

	_, err := f.amer.Split(buyer, id, []uint64{10})
	require.ErrorIs(t, err, options.ErrNotActive)

	_, err = f.amer.TransferUnits(buyer, id, other, 10, 0)
	require.ErrorIs(t, err, options.ErrNotActive)
}

func TestSplit_PositionErrorsPassThrough(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, amount)

	_, err := f.amer.Split(other, id, []uint64{10})
	require.ErrorIs(t, err, position.ErrNotOwner)
	assert.Equal(t, position.CodeSplitNotOwner, errs.Code(err))

	_, err = f.amer.Split(buyer, id, nil)
	require.ErrorIs(t, err, position.ErrEmptyUnits)
	f.checkInvariants(t)
}

func TestTransferUnits_MovesLockWithUnits(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.amer, u(1000))

	moved, err := f.amer.TransferUnits(buyer, id, other, 250_000, 0)
	require.NoError(t, err)
	opt, err := f.amer.Option(moved)
	require.NoError(t, err)
	assert.Equal(t, other, opt.Owner)
	assert.Equal(t, uint64(250), opt.LockedAmount.Uint64())
	f.checkInvariants(t)

	// the recipient folds units back into their token
	second, err := f.amer.TransferUnits(buyer, id, other, 250_000, moved)
	require.NoError(t, err)
	assert.Equal(t, moved, second)
	opt, err = f.amer.Option(moved)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), opt.LockedAmount.Uint64())
	f.checkInvariants(t)

	// draining the source burns it and releases its lock
	_, err = f.amer.TransferUnits(buyer, id, other, 500_000, moved)
	require.NoError(t, err)
	_, err = f.amer.Option(id)
	require.ErrorIs(t, err, position.ErrUnknownToken)
	ll, _ := f.pool.LockEntry(amerAddr, uint64(id))
	assert.False(t, ll.Locked)
	f.checkInvariants(t)

	require.NoError(t, f.feed.Publish(2, u(420e8), now+10))
	paid, err := f.amer.Exercise(other, moved, now+20)
	require.NoError(t, err)
	assert.Equal(t, paid, f.balance(tkn, other))
}

func TestSnapshot_RoundTrip(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.euro, amount)
	_, err := f.euro.Split(buyer, id, []uint64{100_000})
	require.NoError(t, err)
	f.settle(t, u(420e8))
	snap := f.euro.Snapshot()

	g := newFixture(t)
	require.NoError(t, g.euro.Restore(snap))
	assert.Equal(t, snap, g.euro.Snapshot())
	assert.Equal(t, uint64(2), g.euro.ExpiryToRoundID(expiry))

	storeSnap := f.store.Snapshot()
	require.NoError(t, g.store.Restore(storeSnap))
	assert.Equal(t, storeSnap, g.store.Snapshot())
}

func TestStoreRestore_RejectsMissingStrike(t *testing.T) {
	f := newFixture(t)
	snap := f.store.Snapshot()
	broken := snap
	broken.Strike = nil

	var err error
	require.NotPanics(t, func() {
		err = f.store.Restore(broken)
	})
	require.ErrorIs(t, err, options.ErrInvalidSetting)
	assert.Equal(t, snap, f.store.Snapshot(), "failed restore keeps the settings")
}
