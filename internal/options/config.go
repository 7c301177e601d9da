package options

import (
	"fmt"
	"math/big"

	"OptionsLedger/internal/access"
	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"
	fpmath "OptionsLedger/internal/math"
	"OptionsLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrStrikeLocked   = fmt.Errorf("strike can only change after the current expiry: %w", errs.ErrPrecondition)
	ErrInvalidSetting = fmt.Errorf("invalid option setting: %w", errs.ErrInvalidArgument)
)

// Settings is the product configuration shared by every option contract on a pool.
type Settings struct {
	Strike                 *uint256.Int // 8 decimals
	IV                     uint64       // implied volatility, 1e4 = 100%
	SettlementFeeBps       uint64
	StakingFeePct          uint64
	ReferralRewardPct      uint64
	SettlementFeeRecipient common.Address
	OptionType             position.OptionType
}

func DefaultSettings() Settings {
	return Settings{
		IV:                110e2,
		SettlementFeeBps:  100,
		StakingFeePct:     50,
		ReferralRewardPct: 50,
		OptionType:        position.OptionTypeCall,
	}
}

func (s Settings) validate() error {
	if s.Strike == nil || s.Strike.IsZero() {
		return fmt.Errorf("strike must be positive: %w", ErrInvalidSetting)
	}
	if s.IV == 0 {
		return fmt.Errorf("iv must be positive: %w", ErrInvalidSetting)
	}
	if s.SettlementFeeBps > fpmath.BasisPointScale {
		return fmt.Errorf("settlement fee %d bps: %w", s.SettlementFeeBps, ErrInvalidSetting)
	}
	if s.StakingFeePct > fpmath.PercentScale || s.ReferralRewardPct > fpmath.PercentScale {
		return fmt.Errorf("fee split %d%%/%d%%: %w", s.StakingFeePct, s.ReferralRewardPct, ErrInvalidSetting)
	}
	if s.SettlementFeeRecipient == (common.Address{}) {
		return fmt.Errorf("settlement fee recipient: %w", ErrInvalidSetting)
	}
	if s.OptionType != position.OptionTypeCall && s.OptionType != position.OptionTypePut {
		return fmt.Errorf("option type %s: %w", s.OptionType, ErrInvalidSetting)
	}
	return nil
}

// ExpirySource reports the round expiry options are written against.
type ExpirySource interface {
	Expiry() int64
}

// Store is the fee and config collaborator.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type Store struct {
	settings Settings
	roles    access.Checker
	expiry   ExpirySource
	rec      *event.Recorder
}

func NewStore(settings Settings, roles access.Checker, expiry ExpirySource, rec *event.Recorder) (*Store, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	settings.Strike = fpmath.Clone(settings.Strike)
	return &Store{settings: settings, roles: roles, expiry: expiry, rec: rec}, nil
}

func (s *Store) FixedStrike() *uint256.Int              { return fpmath.Clone(s.settings.Strike) }
func (s *Store) IV() uint64                             { return s.settings.IV }
func (s *Store) SettlementFeeBps() uint64               { return s.settings.SettlementFeeBps }
func (s *Store) StakingFeePercentage() uint64           { return s.settings.StakingFeePct }
func (s *Store) ReferralRewardPercentage() uint64       { return s.settings.ReferralRewardPct }
func (s *Store) SettlementFeeRecipient() common.Address { return s.settings.SettlementFeeRecipient }
func (s *Store) OptionType() position.OptionType        { return s.settings.OptionType }

// SetStrike changes the fixed strike once the current round has expired.
func (s *Store) SetStrike(caller common.Address, strike *uint256.Int, now int64) error {
	if err := s.roles.RequireRole(caller, access.RoleAdmin); err != nil {
		return err
	}
	if now < s.expiry.Expiry() {
		return fmt.Errorf("now %d, expiry %d: %w", now, s.expiry.Expiry(), ErrStrikeLocked)
	}
	if strike.IsZero() {
		return fmt.Errorf("strike must be positive: %w", ErrInvalidSetting)
	}
	s.settings.Strike = fpmath.Clone(strike)
	s.rec.Emit(event.StrikeUpdated{Strike: fpmath.Clone(strike)})
	return nil
}

// SetFees updates the fee parameters together.
func (s *Store) SetFees(caller common.Address, iv, settlementFeeBps, stakingPct, referralPct uint64) error {
	if err := s.roles.RequireRole(caller, access.RoleAdmin); err != nil {
		return err
	}
	next := s.settings
	next.IV = iv
	next.SettlementFeeBps = settlementFeeBps
	next.StakingFeePct = stakingPct
	next.ReferralRewardPct = referralPct
	if err := next.validate(); err != nil {
		return err
	}
	s.settings = next
	return nil
}

func (s *Store) SetSettlementFeeRecipient(caller, recipient common.Address) error {
	if err := s.roles.RequireRole(caller, access.RoleAdmin); err != nil {
		return err
	}
	if recipient == (common.Address{}) {
		return fmt.Errorf("settlement fee recipient: %w", ErrInvalidSetting)
	}
	s.settings.SettlementFeeRecipient = recipient
	return nil
}

// StoreSnapshot is the serialized form of Settings.
type StoreSnapshot struct {
	Strike                 *big.Int            `json:"strike"`
	IV                     uint64              `json:"iv"`
	SettlementFeeBps       uint64              `json:"settlement_fee_bps"`
	StakingFeePct          uint64              `json:"staking_fee_pct"`
	ReferralRewardPct      uint64              `json:"referral_reward_pct"`
	SettlementFeeRecipient common.Address      `json:"settlement_fee_recipient"`
	OptionType             position.OptionType `json:"option_type"`
}

func (s *Store) Snapshot() StoreSnapshot {
	return StoreSnapshot{
		Strike:                 s.settings.Strike.ToBig(),
		IV:                     s.settings.IV,
		SettlementFeeBps:       s.settings.SettlementFeeBps,
		StakingFeePct:          s.settings.StakingFeePct,
		ReferralRewardPct:      s.settings.ReferralRewardPct,
		SettlementFeeRecipient: s.settings.SettlementFeeRecipient,
		OptionType:             s.settings.OptionType,
	}
}

func (s *Store) Restore(snap StoreSnapshot) error {
	if snap.Strike == nil {
		return fmt.Errorf("restore strike: %w", ErrInvalidSetting)
	}
	strike, overflow := uint256.FromBig(snap.Strike)
	if overflow {
		return fmt.Errorf("restore strike: %w", ErrInvalidSetting)
	}
	next := Settings{
		Strike:                 strike,
		IV:                     snap.IV,
		SettlementFeeBps:       snap.SettlementFeeBps,
		StakingFeePct:          snap.StakingFeePct,
		ReferralRewardPct:      snap.ReferralRewardPct,
		SettlementFeeRecipient: snap.SettlementFeeRecipient,
		OptionType:             snap.OptionType,
	}
	if err := next.validate(); err != nil {
		return err
	}
	s.settings = next
	return nil
}
