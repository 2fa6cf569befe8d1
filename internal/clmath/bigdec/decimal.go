// Package bigdec implements a fixed-scale arbitrary-precision decimal used
// for concentrated-liquidity price math where a float64 would lose the
// digits that fee and amount computations depend on.
//
// Every value carries exactly Scale fractional digits. Multiplication and
// division round half away from zero at the last digit. Exp, Ln and Pow are
// computed at a wider internal scale and rounded once on return.
package bigdec

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Scale is the number of fractional decimal digits carried by every Decimal.
const Scale = 96

// guardDigits widens the working scale of the transcendental functions.
const guardDigits = 24

var (
	ErrDivisionByZero = errors.New("bigdec: division by zero")
	ErrNegativeSqrt   = errors.New("bigdec: square root of negative value")
	ErrNonPositiveLog = errors.New("bigdec: logarithm of non-positive value")
	ErrInvalidString  = errors.New("bigdec: invalid decimal string")
)

var (
	bigOne   = big.NewInt(1)
	bigTen   = big.NewInt(10)
	unit     = pow10(Scale)
	workUnit = pow10(Scale + guardDigits)
)

// Decimal is an immutable fixed-point number v / 10^Scale. The zero value
// is 0.
type Decimal struct {
	v *big.Int
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(bigTen, big.NewInt(int64(n)), nil)
}

func (d Decimal) raw() *big.Int {
	if d.v == nil {
		return new(big.Int)
	}
	return d.v
}

// Zero returns 0.
func Zero() Decimal { return Decimal{v: new(big.Int)} }

// One returns 1.
func One() Decimal { return Decimal{v: new(big.Int).Set(unit)} }

// New returns the integer n.
func New(n int64) Decimal {
	return Decimal{v: new(big.Int).Mul(big.NewInt(n), unit)}
}

// NewFromBigInt returns the integer n.
func NewFromBigInt(n *big.Int) Decimal {
	if n == nil {
		return Zero()
	}
	return Decimal{v: new(big.Int).Mul(n, unit)}
}

// NewFromRatio returns num/den rounded half-up at Scale digits.
func NewFromRatio(num, den *big.Int) (Decimal, error) {
	if den == nil || den.Sign() == 0 {
		return Decimal{}, ErrDivisionByZero
	}
	n := new(big.Int).Mul(num, unit)
	return Decimal{v: quoRound(n, den)}, nil
}

// NewFromString parses a plain decimal literal such as "-12.5" or "1.0001".
// Digits beyond Scale are rounded half-up.
func NewFromString(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Decimal{}, ErrInvalidString
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return Decimal{}, ErrInvalidString
	}
	if intPart == "" {
		intPart = "0"
	}
	digits := intPart + fracPart
	for _, c := range digits {
		if c < '0' || c > '9' {
			return Decimal{}, fmt.Errorf("%w: %q", ErrInvalidString, s)
		}
	}
	n, _ := new(big.Int).SetString(digits, 10)
	var v *big.Int
	if len(fracPart) <= Scale {
		v = n.Mul(n, pow10(Scale-len(fracPart)))
	} else {
		v = quoRound(n, pow10(len(fracPart)-Scale))
	}
	if neg {
		v.Neg(v)
	}
	return Decimal{v: v}, nil
}

// MustFromString is NewFromString for package-level constants.
func MustFromString(s string) Decimal {
	d, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// quoRound divides n by d rounding half away from zero.
func quoRound(n, d *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if r.Sign() == 0 {
		return q
	}
	r2 := new(big.Int).Abs(r)
	r2.Lsh(r2, 1)
	if r2.Cmp(new(big.Int).Abs(d)) >= 0 {
		if (n.Sign() < 0) != (d.Sign() < 0) {
			q.Sub(q, bigOne)
		} else {
			q.Add(q, bigOne)
		}
	}
	return q
}

func (d Decimal) Add(o Decimal) Decimal {
	return Decimal{v: new(big.Int).Add(d.raw(), o.raw())}
}

func (d Decimal) Sub(o Decimal) Decimal {
	return Decimal{v: new(big.Int).Sub(d.raw(), o.raw())}
}

func (d Decimal) Mul(o Decimal) Decimal {
	p := new(big.Int).Mul(d.raw(), o.raw())
	return Decimal{v: quoRound(p, unit)}
}

// Quo returns d/o rounded half-up at Scale digits.
func (d Decimal) Quo(o Decimal) (Decimal, error) {
	if o.raw().Sign() == 0 {
		return Decimal{}, ErrDivisionByZero
	}
	n := new(big.Int).Mul(d.raw(), unit)
	return Decimal{v: quoRound(n, o.raw())}, nil
}

func (d Decimal) Neg() Decimal {
	return Decimal{v: new(big.Int).Neg(d.raw())}
}

func (d Decimal) Abs() Decimal {
	return Decimal{v: new(big.Int).Abs(d.raw())}
}

func (d Decimal) Sign() int { return d.raw().Sign() }

func (d Decimal) IsZero() bool { return d.raw().Sign() == 0 }

func (d Decimal) Cmp(o Decimal) int { return d.raw().Cmp(o.raw()) }

// Shift multiplies by 10^n. Negative n divides with half-up rounding.
func (d Decimal) Shift(n int) Decimal {
	switch {
	case n == 0:
		return Decimal{v: new(big.Int).Set(d.raw())}
	case n > 0:
		return Decimal{v: new(big.Int).Mul(d.raw(), pow10(n))}
	default:
		return Decimal{v: quoRound(d.raw(), pow10(-n))}
	}
}

// MulBigInt multiplies by an integer without rounding.
func (d Decimal) MulBigInt(n *big.Int) Decimal {
	return Decimal{v: new(big.Int).Mul(d.raw(), n)}
}

// BigInt truncates toward zero.
func (d Decimal) BigInt() *big.Int {
	return new(big.Int).Quo(d.raw(), unit)
}

// Float64 converts for presentation. The result is the nearest float64.
func (d Decimal) Float64() float64 {
	f, _ := new(big.Rat).SetFrac(d.raw(), unit).Float64()
	return f
}

// String renders the exact value with trailing fractional zeros trimmed.
func (d Decimal) String() string {
	return d.format(Scale, true)
}

// StringFixed renders with exactly places fractional digits, rounding half-up.
func (d Decimal) StringFixed(places int) string {
	if places < 0 {
		places = 0
	}
	if places > Scale {
		places = Scale
	}
	return d.Shift(places-Scale).Shift(Scale-places).format(places, false)
}

func (d Decimal) format(places int, trim bool) string {
	v := d.raw()
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if len(digits) <= Scale {
		digits = strings.Repeat("0", Scale-len(digits)+1) + digits
	}
	intPart := digits[:len(digits)-Scale]
	frac := digits[len(digits)-Scale:][:places]
	if trim {
		frac = strings.TrimRight(frac, "0")
	}
	out := intPart
	if frac != "" {
		out += "." + frac
	}
	if neg && strings.Trim(out, "0.") != "" {
		out = "-" + out
	}
	return out
}

func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	parsed, err := NewFromString(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
