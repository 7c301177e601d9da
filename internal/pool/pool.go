package pool

import (
	"fmt"

	"OptionsLedger/internal/access"
	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ledger"
	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount              = fmt.Errorf("amount must be positive: %w", errs.ErrInvalidArgument)
	ErrZeroMint                = fmt.Errorf("Pool: Amount is too small: %w", errs.ErrInvalidArgument)
	ErrBelowMinimum            = fmt.Errorf("Pool: Mint limit is too large: %w", errs.ErrPrecondition)
	ErrMaxLiquidity            = fmt.Errorf("Pool has already reached it's max limit: %w", errs.ErrPrecondition)
	ErrNothingToWithdraw       = fmt.Errorf("Pool: nothing to withdraw: %w", errs.ErrInsufficientFunds)
	ErrNotAcceptingWithdrawals = fmt.Errorf("Pool: Not accepting withdraw requests currently: %w", errs.ErrPrecondition)
	ErrInsufficientLiquidity   = fmt.Errorf("Pool: Not enough funds on the pool contract. Please lower the amount.: %w", errs.ErrInsufficientFunds)
	ErrRoundActive             = fmt.Errorf("Can't process the requests when the round is active: %w", errs.ErrPrecondition)
	ErrRoundNotOpen            = fmt.Errorf("Pool: withdraw queue of the new round is not processed: %w", errs.ErrPrecondition)
	ErrLockExists              = fmt.Errorf("Pool: lock id is already locked: %w", errs.ErrInvalidArgument)
	ErrUnknownLock             = fmt.Errorf("Pool: unknown lock id: %w", errs.ErrInvalidArgument)
	ErrAlreadyUnlocked         = fmt.Errorf("LockedLiquidity with such id has already unlocked: %w", errs.ErrPrecondition)
	ErrAmountTooLarge          = fmt.Errorf("Pool: Amount is too large.: %w", errs.ErrPrecondition)
	ErrUtilizationExceeded     = fmt.Errorf("Pool: utilization ceiling exceeded: %w", errs.ErrPrecondition)
	ErrTooEarly                = fmt.Errorf("Can't roll over before the expiry ends: %w", errs.ErrPrecondition)
	ErrRoundNotFullyClosed     = fmt.Errorf("Current round hasn't ended completely: %w", errs.ErrPrecondition)
	ErrInvalidExpiry           = fmt.Errorf("new expiry must be in the future: %w", errs.ErrInvalidArgument)
	ErrInvalidMove             = fmt.Errorf("Pool: invalid lock reallocation: %w", errs.ErrInvalidArgument)
	ErrZeroRecipient           = fmt.Errorf("Pool: payout to the zero address: %w", errs.ErrInvalidArgument)
)

// Roles is the access surface the pool needs.
type Roles interface {
	access.Checker
	Grant(caller common.Address, role access.Role, account common.Address) error
}

// Config fixes the pool's identity and economics.
type Config struct {
	Address           common.Address // pool's own account
	Owner             common.Address // receives the admin cut of minted shares
	Collateral        ledger.Asset
	Shares            ledger.Asset
	InitialRate       uint64 // shares per collateral unit when the pool is empty
	AdminCutDivisor   uint64 // admin cut = minted / divisor
	MaxUtilizationPct uint64 // lockedAmount ceiling as a percentage of totalCollateral
	MaxLiquidity      *uint256.Int
	Expiry            int64 // first round's expiry
}

// DefaultConfig fills the economic constants.
func DefaultConfig() Config {
	return Config{
		InitialRate:       1000,
		AdminCutDivisor:   1000,
		MaxUtilizationPct: 80,
	}
}

// ShareAssetInfo names the share token after its collateral.
func ShareAssetInfo(collateral ledger.AssetInfo) ledger.AssetInfo {
	return ledger.AssetInfo{
		Symbol:   ledger.Asset("r" + string(collateral.Symbol)),
		Name:     fmt.Sprintf("Buffer Generic %s LP Token", collateral.Symbol),
		Decimals: collateral.Decimals,
	}
}

// LockKey identifies locked liquidity by issuer and issuer-assigned id.
type LockKey struct {
	Issuer common.Address
	ID     uint64
}

// LockedLiquidity is collateral and premium reserved for one in-flight option.
type LockedLiquidity struct {
	Amount  uint256.Int
	Premium uint256.Int
	Locked  bool
}

// Pool is the share-based liquidity ledger.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type Pool struct {
	cfg   Config
	bt    *ledger.BalanceTracker
	roles Roles
	rec   *event.Recorder

	lockedAmount  uint256.Int
	lockedPremium uint256.Int
	locks         map[LockKey]*LockedLiquidity

	round                uint64
	expiry               int64
	acceptingWithdrawals bool
	ended                bool
	maxLiquidity         uint256.Int
	projectOwner         common.Address

	queue *WithdrawalQueue
}

// New creates an empty pool at round 1 and registers its share token.
func New(cfg Config, bt *ledger.BalanceTracker, roles Roles, rec *event.Recorder) (*Pool, error) {
	collateral, ok := bt.AssetInfo(cfg.Collateral)
	if !ok {
		return nil, fmt.Errorf("pool collateral %s: %w", cfg.Collateral, ledger.ErrUnknownAsset)
	}
	if cfg.InitialRate == 0 || cfg.AdminCutDivisor == 0 {
		return nil, fmt.Errorf("initial rate and admin cut divisor must be positive: %w", errs.ErrInvalidArgument)
	}
	if cfg.MaxUtilizationPct == 0 || cfg.MaxUtilizationPct > fpmath.PercentScale {
		return nil, fmt.Errorf("utilization ceiling %d%%: %w", cfg.MaxUtilizationPct, errs.ErrInvalidArgument)
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("pool address: %w", ledger.ErrZeroAddress)
	}
	if cfg.Shares == "" {
		cfg.Shares = ShareAssetInfo(collateral).Symbol
	}
	info := ShareAssetInfo(collateral)
	info.Symbol = cfg.Shares
	bt.RegisterAsset(info)

	p := &Pool{
		cfg:                  cfg,
		bt:                   bt,
		roles:                roles,
		rec:                  rec,
		locks:                make(map[LockKey]*LockedLiquidity),
		round:                1,
		expiry:               cfg.Expiry,
		acceptingWithdrawals: true,
		queue:                NewWithdrawalQueue(),
	}
	if cfg.MaxLiquidity != nil {
		p.maxLiquidity.Set(cfg.MaxLiquidity)
	}
	return p, nil
}

// --- Views ---

func (p *Pool) Address() common.Address       { return p.cfg.Address }
func (p *Pool) Owner() common.Address         { return p.cfg.Owner }
func (p *Pool) CollateralAsset() ledger.Asset { return p.cfg.Collateral }
func (p *Pool) ShareAsset() ledger.Asset      { return p.cfg.Shares }
func (p *Pool) Round() uint64                 { return p.round }
func (p *Pool) Expiry() int64                 { return p.expiry }
func (p *Pool) AcceptingWithdrawals() bool    { return p.acceptingWithdrawals }
func (p *Pool) Ended() bool                   { return p.ended }
func (p *Pool) Queue() *WithdrawalQueue       { return p.queue }
func (p *Pool) ProjectOwner() common.Address  { return p.projectOwner }

func (p *Pool) Name() string {
	info, _ := p.bt.AssetInfo(p.cfg.Shares)
	return info.Name
}

func (p *Pool) Symbol() string {
	return string(p.cfg.Shares)
}

func (p *Pool) LockedAmount() *uint256.Int  { return fpmath.Clone(&p.lockedAmount) }
func (p *Pool) LockedPremium() *uint256.Int { return fpmath.Clone(&p.lockedPremium) }
func (p *Pool) MaxLiquidity() *uint256.Int  { return fpmath.Clone(&p.maxLiquidity) }

func (p *Pool) TotalShares() *uint256.Int {
	return p.bt.TotalSupply(p.cfg.Shares)
}

// TotalCollateral is the pool's token balance less premiums still locked.
func (p *Pool) TotalCollateral() *uint256.Int {
	return p.collateralIn(p.bt.Begin(""))
}

// AvailableBalance is collateral not committed to open locks.
func (p *Pool) AvailableBalance() *uint256.Int {
	return fpmath.SaturatingSub(p.TotalCollateral(), &p.lockedAmount)
}

// ShareOf converts an account's shares to collateral.
func (p *Pool) ShareOf(account common.Address) *uint256.Int {
	supply := p.TotalShares()
	if supply.IsZero() {
		return new(uint256.Int)
	}
	v, err := fpmath.MulDivDown(p.bt.BalanceOf(p.cfg.Shares, account), p.TotalCollateral(), supply)
	if err != nil {
		return new(uint256.Int)
	}
	return v
}

// LockEntry returns a copy of a lock entry.
func (p *Pool) LockEntry(issuer common.Address, id uint64) (LockedLiquidity, bool) {
	ll, ok := p.locks[LockKey{Issuer: issuer, ID: id}]
	if !ok {
		return LockedLiquidity{}, false
	}
	return *ll, true
}

func (p *Pool) collateralIn(tx *ledger.Tx) *uint256.Int {
	return fpmath.SaturatingSub(tx.BalanceOf(p.cfg.Collateral, p.cfg.Address), &p.lockedPremium)
}

// --- Liquidity provision ---

// ProvideResult reports the shares minted by Provide.
type ProvideResult struct {
	Minted         *uint256.Int // total shares minted
	ProviderShares *uint256.Int
	AdminShares    *uint256.Int
}

// Provide deposits amount of collateral for shares. The provider must have
// approved the pool for amount.
func (p *Pool) Provide(caller common.Address, amount, minMint *uint256.Int) (ProvideResult, error) {
	if amount.IsZero() {
		return ProvideResult{}, ErrZeroAmount
	}

	tx := p.bt.Begin("")
	collateral := p.collateralIn(tx)
	supply := tx.TotalSupply(p.cfg.Shares)

	if !p.maxLiquidity.IsZero() {
		after, err := fpmath.Add(collateral, amount)
		if err != nil || after.Gt(&p.maxLiquidity) {
			return ProvideResult{}, ErrMaxLiquidity
		}
	}

	var mint *uint256.Int
	if supply.IsZero() || collateral.IsZero() {
		m, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(p.cfg.InitialRate))
		if overflow {
			return ProvideResult{}, fmt.Errorf("mint: %w", fpmath.ErrOverflow)
		}
		mint = m
	} else {
		m, err := fpmath.MulDivDown(amount, supply, collateral)
		if err != nil {
			return ProvideResult{}, fmt.Errorf("mint: %w", err)
		}
		mint = m
	}

	if mint.Lt(minMint) {
		return ProvideResult{}, fmt.Errorf("minted %s below %s: %w", mint.Dec(), minMint.Dec(), ErrBelowMinimum)
	}
	if mint.IsZero() {
		return ProvideResult{}, ErrZeroMint
	}

	adminShares := new(uint256.Int).Div(mint, uint256.NewInt(p.cfg.AdminCutDivisor))
	providerShares := new(uint256.Int).Sub(mint, adminShares)

	if err := tx.TransferFrom(p.cfg.Collateral, p.cfg.Address, caller, p.cfg.Address, amount); err != nil {
		return ProvideResult{}, err
	}
	if err := tx.Mint(p.cfg.Shares, caller, providerShares); err != nil {
		return ProvideResult{}, err
	}
	if err := tx.Mint(p.cfg.Shares, p.cfg.Owner, adminShares); err != nil {
		return ProvideResult{}, err
	}
	tx.Commit()

	p.rec.Emit(event.Provide{
		Account:     caller,
		Amount:      fpmath.Clone(amount),
		WriteAmount: fpmath.Clone(providerShares),
		AdminShares: fpmath.Clone(adminShares),
	})
	return ProvideResult{Minted: mint, ProviderShares: providerShares, AdminShares: adminShares}, nil
}

// WithdrawResult reports what Withdraw did. Exactly one of Paid or Queued is meaningful.
type WithdrawResult struct {
	Immediate  bool
	Paid       *uint256.Int
	Burned     *uint256.Int
	Queued     *uint256.Int // accumulated request amount
	QueueIndex uint64
}

// Withdraw pays out immediately once the pool has ended, otherwise queues a
// request for the current round.
func (p *Pool) Withdraw(caller common.Address, amount *uint256.Int) (WithdrawResult, error) {
	if amount.IsZero() {
		return WithdrawResult{}, ErrZeroAmount
	}
	if p.bt.BalanceOf(p.cfg.Shares, caller).IsZero() {
		return WithdrawResult{}, ErrNothingToWithdraw
	}

	if p.ended {
		return p.withdrawImmediately(caller, amount)
	}

	if !p.acceptingWithdrawals {
		return WithdrawResult{}, ErrNotAcceptingWithdrawals
	}
	req, err := p.queue.Enqueue(caller, amount, p.round)
	if err != nil {
		return WithdrawResult{}, err
	}
	p.rec.Emit(event.InitiateWithdraw{
		Account:    caller,
		Amount:     fpmath.Clone(&req.Amount),
		Round:      req.Round,
		QueueIndex: req.Index,
	})
	return WithdrawResult{Queued: fpmath.Clone(&req.Amount), QueueIndex: req.Index}, nil
}

// AdminWithdraw forces an immediate withdrawal on behalf of account.
func (p *Pool) AdminWithdraw(caller, account common.Address, amount *uint256.Int) (WithdrawResult, error) {
	if err := p.roles.RequireRole(caller, access.RoleAdmin); err != nil {
		return WithdrawResult{}, err
	}
	if amount.IsZero() {
		return WithdrawResult{}, ErrZeroAmount
	}
	if p.bt.BalanceOf(p.cfg.Shares, account).IsZero() {
		return WithdrawResult{}, ErrNothingToWithdraw
	}
	return p.withdrawImmediately(account, amount)
}

func (p *Pool) withdrawImmediately(account common.Address, amount *uint256.Int) (WithdrawResult, error) {
	tx := p.bt.Begin("")
	paid, burned, err := p.withdrawIn(tx, account, amount)
	if err != nil {
		return WithdrawResult{}, err
	}
	tx.Commit()

	p.rec.Emit(event.Withdraw{Account: account, Amount: fpmath.Clone(paid), BurnAmount: fpmath.Clone(burned)})
	return WithdrawResult{Immediate: true, Paid: paid, Burned: burned}, nil
}

// withdrawIn stages a pro-rata capped withdrawal: the payout is
// min(requested, shares*collateral/supply) and the burn is rounded up so the
// pool never under-collects shares.
func (p *Pool) withdrawIn(tx *ledger.Tx, account common.Address, requested *uint256.Int) (paid, burned *uint256.Int, err error) {
	shares := tx.BalanceOf(p.cfg.Shares, account)
	supply := tx.TotalSupply(p.cfg.Shares)
	collateral := p.collateralIn(tx)

	if shares.IsZero() || supply.IsZero() {
		return new(uint256.Int), new(uint256.Int), nil
	}

	entitlement, err := fpmath.MulDivDown(shares, collateral, supply)
	if err != nil {
		return nil, nil, err
	}
	amount := fpmath.Min(requested, entitlement)
	if amount.IsZero() {
		return new(uint256.Int), new(uint256.Int), nil
	}

	available := fpmath.SaturatingSub(collateral, &p.lockedAmount)
	if amount.Gt(available) {
		return nil, nil, fmt.Errorf("withdraw %s, available %s: %w", amount.Dec(), available.Dec(), ErrInsufficientLiquidity)
	}

	burn, err := fpmath.MulDivUp(amount, supply, collateral)
	if err != nil {
		return nil, nil, err
	}
	if burn.Gt(shares) {
		return nil, nil, fmt.Errorf("burn %s exceeds shares %s: %w", burn.Dec(), shares.Dec(), errs.ErrConservationViolation)
	}

	if err := tx.Burn(p.cfg.Shares, account, burn); err != nil {
		return nil, nil, err
	}
	if err := tx.Transfer(p.cfg.Collateral, p.cfg.Address, account, amount); err != nil {
		return nil, nil, err
	}
	return amount, burn, nil
}

// --- Round management ---

// RollOver starts the next round. Withdrawals stay closed until the queue drains.
func (p *Pool) RollOver(caller common.Address, newExpiry, now int64) error {
	if err := p.roles.RequireRole(caller, access.RoleAdmin); err != nil {
		return err
	}
	if now < p.expiry {
		return fmt.Errorf("now %d, expiry %d: %w", now, p.expiry, ErrTooEarly)
	}
	if !p.lockedAmount.IsZero() || !p.lockedPremium.IsZero() {
		return fmt.Errorf("locked amount %s, locked premium %s: %w",
			p.lockedAmount.Dec(), p.lockedPremium.Dec(), ErrRoundNotFullyClosed)
	}
	if newExpiry <= now {
		return fmt.Errorf("expiry %d at %d: %w", newExpiry, now, ErrInvalidExpiry)
	}

	p.round++
	p.expiry = newExpiry
	p.acceptingWithdrawals = false
	p.rec.Emit(event.RolledOver{Round: p.round, Expiry: newExpiry})
	return nil
}

// SetPoolState marks the pool ended (withdrawals become immediate) or live.
func (p *Pool) SetPoolState(caller common.Address, ended bool) error {
	if err := p.roles.RequireRole(caller, access.RoleAdmin); err != nil {
		return err
	}
	p.ended = ended
	p.rec.Emit(event.PoolStateChanged{Ended: ended})
	return nil
}

// SetMaxLiquidity caps totalCollateral for Provide. Zero removes the cap.
func (p *Pool) SetMaxLiquidity(caller common.Address, amount *uint256.Int) error {
	if err := p.roles.RequireRole(caller, access.RoleAdmin); err != nil {
		return err
	}
	p.maxLiquidity.Set(amount)
	return nil
}

// SetProjectOwner grants the project-owner role and makes account the
// recipient of stablecoin option fees.
func (p *Pool) SetProjectOwner(caller, account common.Address) error {
	if err := p.roles.Grant(caller, access.RoleProjectOwner, account); err != nil {
		return err
	}
	p.projectOwner = account
	return nil
}

// CheckInvariants verifies the aggregate bookkeeping.
func (p *Pool) CheckInvariants() error {
	balance := p.bt.BalanceOf(p.cfg.Collateral, p.cfg.Address)
	if balance.Lt(&p.lockedPremium) {
		return fmt.Errorf("pool balance %s below locked premium %s: %w",
			balance.Dec(), p.lockedPremium.Dec(), errs.ErrConservationViolation)
	}
	collateral := p.TotalCollateral()
	if p.lockedAmount.Gt(collateral) {
		return fmt.Errorf("locked amount %s exceeds collateral %s: %w",
			p.lockedAmount.Dec(), collateral.Dec(), errs.ErrConservationViolation)
	}
	if p.TotalShares().IsZero() && !collateral.IsZero() {
		return fmt.Errorf("no shares outstanding but collateral %s: %w", collateral.Dec(), errs.ErrConservationViolation)
	}

	var amount, premium uint256.Int
	for _, ll := range p.locks {
		if ll.Locked {
			amount.Add(&amount, &ll.Amount)
			premium.Add(&premium, &ll.Premium)
		}
	}
	if !amount.Eq(&p.lockedAmount) || !premium.Eq(&p.lockedPremium) {
		return fmt.Errorf("lock entries sum to %s/%s, aggregates %s/%s: %w",
			amount.Dec(), premium.Dec(), p.lockedAmount.Dec(), p.lockedPremium.Dec(), errs.ErrConservationViolation)
	}
	return p.queue.checkInvariants()
}
