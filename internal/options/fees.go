package options

import (
	"fmt"
	"math"

	"OptionsLedger/internal/errs"
	fpmath "OptionsLedger/internal/math"
	"OptionsLedger/internal/position"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const secondsPerYear = 365 * 24 * 60 * 60

var ErrInvalidPeriod = fmt.Errorf("option period must be positive: %w", errs.ErrPrecondition)

// Fees is the charge for writing one option.
type Fees struct {
	Total         *uint256.Int
	SettlementFee *uint256.Int
	Premium       *uint256.Int
}

// blackScholesInput holds prices in quote units and time in years.
type blackScholesInput struct {
	S float64 // spot
	K float64 // strike
	T float64 // years to expiry
	V float64 // volatility
}

// blackScholesPrice is the zero-rate Black-Scholes value of one unit of the
// underlying, rounded to the oracle precision.
func blackScholesPrice(optionType position.OptionType, in blackScholesInput) decimal.Decimal {
	sqrtT := math.Sqrt(in.T)
	d1 := (math.Log(in.S/in.K) + 0.5*in.V*in.V*in.T) / (in.V * sqrtT)
	d2 := d1 - in.V*sqrtT

	var price float64
	if optionType == position.OptionTypeCall {
		price = in.S*normCdf(d1) - in.K*normCdf(d2)
	} else {
		price = in.K*normCdf(-d2) - in.S*normCdf(-d1)
	}
	if price < 0 || math.IsNaN(price) {
		price = 0
	}
	return decimal.NewFromFloat(price).Round(fpmath.PriceDecimals)
}

func normCdf(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func priceToDecimal(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -fpmath.PriceDecimals)
}

// Fees prices an option of amount collateral units expiring in period
// seconds. The premium is the Black-Scholes value converted to collateral at
// spot (floor); the settlement fee is a flat rate on amount.
func (s *Store) Fees(period int64, amount, strike, spot *uint256.Int, optionType position.OptionType) (Fees, error) {
	if period <= 0 {
		return Fees{}, fmt.Errorf("period %d: %w", period, ErrInvalidPeriod)
	}
	if spot.IsZero() || strike.IsZero() {
		return Fees{}, fmt.Errorf("spot %s, strike %s: %w", spot.Dec(), strike.Dec(), ErrInvalidSetting)
	}

	spotDec := priceToDecimal(spot)
	unitPrice := blackScholesPrice(optionType, blackScholesInput{
		S: spotDec.InexactFloat64(),
		K: priceToDecimal(strike).InexactFloat64(),
		T: float64(period) / secondsPerYear,
		V: float64(s.settings.IV) / fpmath.BasisPointScale,
	})

	premiumDec := decimal.NewFromBigInt(amount.ToBig(), 0).Mul(unitPrice).Div(spotDec).Floor()
	premium, overflow := uint256.FromBig(premiumDec.BigInt())
	if overflow {
		return Fees{}, fmt.Errorf("premium: %w", fpmath.ErrOverflow)
	}

	settlementFee, err := fpmath.BasisPoints(amount, s.settings.SettlementFeeBps)
	if err != nil {
		return Fees{}, err
	}
	total, err := fpmath.Add(premium, settlementFee)
	if err != nil {
		return Fees{}, err
	}
	return Fees{Total: total, SettlementFee: settlementFee, Premium: premium}, nil
}

// FeeSplit is how a settlement fee is distributed.
type FeeSplit struct {
	Staking  *uint256.Int
	Referral *uint256.Int
	Admin    *uint256.Int
}

// SplitSettlementFee takes staking% off the fee, then referral% of the
// remainder when a referral is paid; the rest goes to the admin.
func (s *Store) SplitSettlementFee(settlementFee *uint256.Int, payReferral bool) (FeeSplit, error) {
	staking, err := fpmath.Percent(settlementFee, s.settings.StakingFeePct)
	if err != nil {
		return FeeSplit{}, err
	}
	admin := new(uint256.Int).Sub(settlementFee, staking)
	referral := new(uint256.Int)
	if payReferral {
		if referral, err = fpmath.Percent(admin, s.settings.ReferralRewardPct); err != nil {
			return FeeSplit{}, err
		}
		admin.Sub(admin, referral)
	}
	return FeeSplit{Staking: staking, Referral: referral, Admin: admin}, nil
}
