package options

import (
	"fmt"

	"OptionsLedger/internal/access"
	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ledger"
	fpmath "OptionsLedger/internal/math"
	"OptionsLedger/internal/oracle"
	"OptionsLedger/internal/pool"
	"OptionsLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Protocol failure codes for option operations.
const (
	CodeNotExpired        = "O4"
	CodeNoLiquidity       = "O8"
	CodeNotActive         = "O10"
	CodeExerciseExpired   = "O13"
	CodeNotAuthorized     = "O16"
	CodeNotInTheMoney     = "O17"
	CodeNoRound           = "O20"
	CodeNoResolvableRound = "C1"
	CodeRoundAfterExpiry  = "C3"
	CodeRoundIDTooLarge   = "C4"
)

var (
	ErrNotExpired        = errs.WithCode(fmt.Errorf("option has not expired yet: %w", errs.ErrPrecondition), CodeNotExpired)
	ErrNoLiquidity       = errs.WithCode(fmt.Errorf("pool has no liquidity: %w", errs.ErrPrecondition), CodeNoLiquidity)
	ErrNotActive         = errs.WithCode(fmt.Errorf("option is not active: %w", errs.ErrPrecondition), CodeNotActive)
	ErrExerciseExpired   = errs.WithCode(fmt.Errorf("option can no longer be exercised: %w", errs.ErrPrecondition), CodeExerciseExpired)
	ErrNotAuthorized     = errs.WithCode(fmt.Errorf("caller may not exercise this option: %w", errs.ErrAuthorization), CodeNotAuthorized)
	ErrNotInTheMoney     = errs.WithCode(fmt.Errorf("option is not in the money: %w", errs.ErrPrecondition), CodeNotInTheMoney)
	ErrNoRound           = errs.WithCode(fmt.Errorf("no settlement round set for expiry: %w", errs.ErrPrecondition), CodeNoRound)
	ErrNoResolvableRound = errs.WithCode(fmt.Errorf("configured round does not close the expiry: %w", errs.ErrPrecondition), CodeNoResolvableRound)
	ErrRoundAfterExpiry  = errs.WithCode(fmt.Errorf("no round at or before expiry: %w", errs.ErrPrecondition), CodeRoundAfterExpiry)
	ErrRoundIDTooLarge   = errs.WithCode(fmt.Errorf("configured round is not the first after expiry: %w", errs.ErrPrecondition), CodeRoundIDTooLarge)

	ErrZeroAmount      = fmt.Errorf("option amount must be positive: %w", errs.ErrInvalidArgument)
	ErrZeroAddress     = fmt.Errorf("zero address: %w", errs.ErrInvalidArgument)
	ErrPaymentMethod   = fmt.Errorf("unknown payment method: %w", errs.ErrInvalidArgument)
	ErrNoProjectOwner  = fmt.Errorf("project owner not set: %w", errs.ErrPrecondition)
	ErrRoundAlreadySet = fmt.Errorf("settlement round already set for expiry: %w", errs.ErrPrecondition)
)

// Style selects the exercise rules of a contract.
type Style uint8

const (
	StyleAmerican Style = iota
	StyleEuropean
)

func (s Style) String() string {
	switch s {
	case StyleAmerican:
		return "american"
	case StyleEuropean:
		return "european"
	default:
		return "unknown"
	}
}

// PaymentMethod selects the token the buyer pays fees in.
type PaymentMethod uint8

const (
	PaymentStable PaymentMethod = iota
	PaymentTokenX
)

// Config fixes a contract's identity and windows.
type Config struct {
	Style              Style
	Address            common.Address // contract account; issuer of its pool locks
	Admin              common.Address // receives the admin share of settlement fees
	Collateral         ledger.Asset
	Stable             ledger.Asset
	AutoExerciseWindow int64  // American: seconds before expiry an auto-closer may exercise
	ExerciseWindow     int64  // European: seconds after expiry exercise stays open
	RoundLookback      uint64 // European: round ids walked back before giving up
}

func DefaultConfig(style Style) Config {
	return Config{
		Style:              style,
		AutoExerciseWindow: 30 * 60,
		ExerciseWindow:     7 * 24 * 60 * 60,
		RoundLookback:      100,
	}
}

// Contract writes options of one style against the shared pool. Each
// contract owns its own token ledger.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type Contract struct {
	cfg       Config
	bt        *ledger.BalanceTracker
	roles     access.Checker
	pool      *pool.Pool
	store     *Store
	feed      oracle.Feed
	positions *position.Ledger
	rec       *event.Recorder

	roundIDs map[int64]uint64 // expiry -> resolved settlement round
}

func New(cfg Config, bt *ledger.BalanceTracker, roles access.Checker, p *pool.Pool, store *Store, feed oracle.Feed, rec *event.Recorder) (*Contract, error) {
	if cfg.Address == (common.Address{}) || cfg.Admin == (common.Address{}) {
		return nil, fmt.Errorf("contract and admin addresses: %w", ErrZeroAddress)
	}
	if cfg.Collateral != p.CollateralAsset() {
		return nil, fmt.Errorf("contract collateral %s, pool collateral %s: %w", cfg.Collateral, p.CollateralAsset(), errs.ErrInvalidArgument)
	}
	for _, asset := range []ledger.Asset{cfg.Collateral, cfg.Stable} {
		if _, ok := bt.AssetInfo(asset); !ok {
			return nil, fmt.Errorf("asset %s: %w", asset, ledger.ErrUnknownAsset)
		}
	}
	return &Contract{
		cfg:       cfg,
		bt:        bt,
		roles:     roles,
		pool:      p,
		store:     store,
		feed:      feed,
		positions: position.NewLedger(rec),
		rec:       rec,
		roundIDs:  make(map[int64]uint64),
	}, nil
}

func (c *Contract) Style() Style                { return c.cfg.Style }
func (c *Contract) Address() common.Address     { return c.cfg.Address }
func (c *Contract) Positions() *position.Ledger { return c.positions }

// Option is a token with its slot terms.
type Option struct {
	position.Position
	Strike     *uint256.Int
	Expiration int64
	OptionType position.OptionType
}

func (c *Contract) Option(id position.TokenID) (Option, error) {
	p, err := c.positions.Get(id)
	if err != nil {
		return Option{}, err
	}
	terms, err := c.positions.Terms(p.Slot)
	if err != nil {
		return Option{}, err
	}
	return Option{Position: p, Strike: fpmath.Clone(&terms.Strike), Expiration: terms.Expiration, OptionType: terms.OptionType}, nil
}

// ApprovePool lets the pool pull premiums from the contract account.
func (c *Contract) ApprovePool(caller common.Address) error {
	if err := c.roles.RequireRole(caller, access.RoleAdmin); err != nil {
		return err
	}
	tx := c.bt.Begin("")
	if err := tx.Approve(c.cfg.Collateral, c.cfg.Address, c.pool.Address(), ledger.MaxAllowance()); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// Fees quotes an option of amount written now against the current round.
func (c *Contract) Fees(amount *uint256.Int, now int64) (Fees, error) {
	spot, err := c.feed.CurrentPrice()
	if err != nil {
		return Fees{}, err
	}
	return c.store.Fees(c.pool.Expiry()-now, amount, c.store.FixedStrike(), spot, c.store.OptionType())
}

// Create writes an option of amount for buyer, expiring with the pool's
// current round at the configured strike. Fees are charged in collateral or
// in the stablecoin at the oracle price; the settlement fee is distributed
// and amount of pool collateral is locked against the new token.
func (c *Contract) Create(buyer common.Address, amount *uint256.Int, referrer common.Address, method PaymentMethod, now int64) (position.TokenID, error) {
	if buyer == (common.Address{}) {
		return 0, fmt.Errorf("buyer: %w", ErrZeroAddress)
	}
	if amount.IsZero() {
		return 0, ErrZeroAmount
	}
	if method != PaymentStable && method != PaymentTokenX {
		return 0, fmt.Errorf("method %d: %w", method, ErrPaymentMethod)
	}
	if c.pool.TotalCollateral().IsZero() {
		return 0, ErrNoLiquidity
	}

	spot, err := c.feed.CurrentPrice()
	if err != nil {
		return 0, err
	}
	strike := c.store.FixedStrike()
	expiration := c.pool.Expiry()
	optionType := c.store.OptionType()
	fees, err := c.store.Fees(expiration-now, amount, strike, spot, optionType)
	if err != nil {
		return 0, err
	}

	payReferral := referrer != (common.Address{}) && referrer != buyer
	split, err := c.store.SplitSettlementFee(fees.SettlementFee, payReferral)
	if err != nil {
		return 0, err
	}

	tx := c.bt.Begin("")
	if err := c.collectFee(tx, buyer, fees.Total, spot, method); err != nil {
		return 0, err
	}
	if err := tx.Transfer(c.cfg.Collateral, c.cfg.Address, c.store.SettlementFeeRecipient(), split.Staking); err != nil {
		return 0, err
	}
	if payReferral {
		if err := tx.Transfer(c.cfg.Collateral, c.cfg.Address, referrer, split.Referral); err != nil {
			return 0, err
		}
	}
	if err := tx.Transfer(c.cfg.Collateral, c.cfg.Address, c.cfg.Admin, split.Admin); err != nil {
		return 0, err
	}

	id := c.positions.NextTokenID()
	applyLock, err := c.pool.PrepareLock(tx, c.cfg.Address, uint64(id), amount, fees.Premium)
	if err != nil {
		return 0, err
	}

	terms := position.Terms{Strike: *strike, Expiration: expiration, OptionType: optionType}
	created, err := c.positions.Create(buyer, terms, amount, amount, fees.Premium)
	if err != nil {
		return 0, err
	}
	if created != id {
		panic(fmt.Sprintf("FATAL: token id %d assigned, %d locked", created, id))
	}

	tx.Commit()
	applyLock()

	c.rec.Emit(event.Create{
		TokenID:       uint64(id),
		Account:       buyer,
		SettlementFee: fees.SettlementFee,
		TotalFee:      fees.Total,
		Premium:       fees.Premium,
		PaymentMethod: uint8(method),
	})
	c.rec.Emit(event.FeesDistributed{
		TokenID:  uint64(id),
		Staking:  split.Staking,
		Referral: split.Referral,
		Admin:    split.Admin,
		Referrer: referrer,
	})
	return id, nil
}

// collectFee charges the buyer. Stablecoin fees go to the project owner and
// the contract funds the collateral fee from its own balance.
func (c *Contract) collectFee(tx *ledger.Tx, buyer common.Address, total, spot *uint256.Int, method PaymentMethod) error {
	if method == PaymentTokenX {
		return tx.TransferFrom(c.cfg.Collateral, c.cfg.Address, buyer, c.cfg.Address, total)
	}

	owner := c.pool.ProjectOwner()
	if owner == (common.Address{}) {
		return ErrNoProjectOwner
	}
	feeUSD, err := c.stableFee(total, spot)
	if err != nil {
		return err
	}
	return tx.TransferFrom(c.cfg.Stable, c.cfg.Address, buyer, owner, feeUSD)
}

// stableFee converts a collateral amount to the stablecoin at spot.
func (c *Contract) stableFee(total, spot *uint256.Int) (*uint256.Int, error) {
	collateral, _ := c.bt.AssetInfo(c.cfg.Collateral)
	stable, _ := c.bt.AssetInfo(c.cfg.Stable)
	converted, err := fpmath.ConvertDecimals(total, collateral.Decimals, stable.Decimals)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDivDown(converted, spot, fpmath.PriceScale)
}

// Exercise settles an in-the-money option, paying profit to its owner.
func (c *Contract) Exercise(caller common.Address, id position.TokenID, now int64) (*uint256.Int, error) {
	if c.cfg.Style == StyleEuropean {
		return c.exerciseEuropean(id, now)
	}
	return c.exerciseAmerican(caller, id, now)
}

// Unlock closes an option after expiry.
func (c *Contract) Unlock(id position.TokenID, now int64) error {
	if c.cfg.Style == StyleEuropean {
		return c.unlockEuropean(id, now)
	}
	return c.unlockAmerican(id, now)
}

func (c *Contract) active(id position.TokenID) (position.Position, position.Terms, error) {
	p, err := c.positions.Get(id)
	if err != nil {
		return position.Position{}, position.Terms{}, err
	}
	if p.State != position.StateActive {
		return position.Position{}, position.Terms{}, fmt.Errorf("token %d is %s: %w", id, p.State, ErrNotActive)
	}
	terms, err := c.positions.Terms(p.Slot)
	if err != nil {
		return position.Position{}, position.Terms{}, err
	}
	return p, terms, nil
}

// profit is the intrinsic value of amount at price, in collateral, capped
// at the locked collateral.
func profit(terms position.Terms, p position.Position, price *uint256.Int) (*uint256.Int, error) {
	var diff *uint256.Int
	switch terms.OptionType {
	case position.OptionTypeCall:
		if !price.Gt(&terms.Strike) {
			return nil, fmt.Errorf("price %s, strike %s: %w", price.Dec(), terms.Strike.Dec(), ErrNotInTheMoney)
		}
		diff = new(uint256.Int).Sub(price, &terms.Strike)
	case position.OptionTypePut:
		if !price.Lt(&terms.Strike) {
			return nil, fmt.Errorf("price %s, strike %s: %w", price.Dec(), terms.Strike.Dec(), ErrNotInTheMoney)
		}
		diff = new(uint256.Int).Sub(&terms.Strike, price)
	default:
		return nil, fmt.Errorf("option type %s: %w", terms.OptionType, errs.ErrInvalidArgument)
	}
	v, err := fpmath.MulDivDown(diff, &p.Amount, price)
	if err != nil {
		return nil, err
	}
	return fpmath.Min(v, &p.LockedAmount), nil
}

// payout sends profit from the pool to the owner and marks the token exercised.
func (c *Contract) payout(p position.Position, amount, price *uint256.Int) (*uint256.Int, error) {
	tx := c.bt.Begin("")
	paid, apply, err := c.pool.PrepareSend(tx, c.cfg.Address, uint64(p.ID), p.Owner, amount)
	if err != nil {
		return nil, err
	}
	tx.Commit()
	apply()
	c.transition(p.ID, position.StateExercised)
	c.rec.Emit(event.Exercised{TokenID: uint64(p.ID), Owner: p.Owner, Profit: fpmath.Clone(paid), Price: fpmath.Clone(price)})
	return paid, nil
}

// expire releases the lock with no payout and marks the token expired.
func (c *Contract) expire(p position.Position) error {
	tx := c.bt.Begin("")
	_, apply, err := c.pool.PrepareSend(tx, c.cfg.Address, uint64(p.ID), common.Address{}, new(uint256.Int))
	if err != nil {
		return err
	}
	tx.Commit()
	apply()
	c.transition(p.ID, position.StateExpired)
	c.rec.Emit(event.Expired{TokenID: uint64(p.ID), Premium: fpmath.Clone(&p.Premium)})
	return nil
}

func (c *Contract) transition(id position.TokenID, next position.State) {
	if err := c.positions.Transition(id, next); err != nil {
		panic(fmt.Sprintf("FATAL: token %d: %v", id, err))
	}
}
