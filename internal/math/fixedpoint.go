package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// RoundingMode selects how a division remainder is resolved.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // Truncate toward zero (floor for unsigned values)
	RoundUp                           // Away from zero (ceiling for unsigned values)
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

var (
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrOverflow       = errors.New("fixedpoint: overflow")
	ErrUnderflow      = errors.New("fixedpoint: underflow")
)

const (
	// PercentScale is the denominator of whole-number percentages.
	PercentScale = 100
	// BasisPointScale is the denominator of basis-point rates.
	BasisPointScale = 10_000
	// PriceDecimals is the oracle price precision (1e8 == 1.0).
	PriceDecimals = 8
)

var (
	one        = uint256.NewInt(1)
	PriceScale = uint256.NewInt(100_000_000)
)

// New returns a fresh 256-bit integer holding v.
func New(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Clone copies x; a nil input yields zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// Pow10 returns 10^n.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// MulDiv computes x*y/d with a 512-bit intermediate and the given rounding.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	quotient, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundDown {
		return quotient, nil
	}

	remainder := new(uint256.Int).MulMod(x, y, d)
	if remainder.IsZero() {
		return quotient, nil
	}

	roundUp := false
	switch mode {
	case RoundUp:
		roundUp = true
	case RoundHalfEven:
		// remainder vs d-remainder avoids doubling a value that may not fit
		rest := new(uint256.Int).Sub(d, remainder)
		switch remainder.Cmp(rest) {
		case 1:
			roundUp = true
		case 0:
			roundUp = quotient[0]&1 == 1
		}
	}

	if roundUp {
		if _, carry := quotient.AddOverflow(quotient, one); carry {
			return nil, ErrOverflow
		}
	}
	return quotient, nil
}

// MulDivDown is MulDiv with floor rounding.
func MulDivDown(x, y, d *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, d, RoundDown)
}

// MulDivUp is MulDiv with ceiling rounding.
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, d, RoundUp)
}

// Percent returns floor(x * pct / 100).
func Percent(x *uint256.Int, pct uint64) (*uint256.Int, error) {
	return MulDivDown(x, uint256.NewInt(pct), uint256.NewInt(PercentScale))
}

// BasisPoints returns floor(x * bps / 10000).
func BasisPoints(x *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDivDown(x, uint256.NewInt(bps), uint256.NewInt(BasisPointScale))
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, carry := new(uint256.Int).AddOverflow(x, y)
	if carry {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x-y or ErrUnderflow.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, borrow := new(uint256.Int).SubOverflow(x, y)
	if borrow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// SaturatingSub returns x-y, or zero when y > x.
func SaturatingSub(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller operand.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return Clone(x)
	}
	return Clone(y)
}

// Max returns a copy of the larger operand.
func Max(x, y *uint256.Int) *uint256.Int {
	if x.Gt(y) {
		return Clone(x)
	}
	return Clone(y)
}

// Sum adds all values, failing on overflow.
func Sum(values ...*uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, v := range values {
		if _, carry := total.AddOverflow(total, v); carry {
			return nil, ErrOverflow
		}
	}
	return total, nil
}

// ConvertDecimals rescales an amount between token precisions, truncating.
func ConvertDecimals(amount *uint256.Int, fromDecimals, toDecimals uint8) (*uint256.Int, error) {
	return MulDivDown(amount, Pow10(toDecimals), Pow10(fromDecimals))
}
