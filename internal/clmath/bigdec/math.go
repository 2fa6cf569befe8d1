package bigdec

import (
	"math"
	"math/big"
)

const maxNewtonIterations = 32

// Sqrt returns the square root truncated at Scale digits.
func (d Decimal) Sqrt() (Decimal, error) {
	if d.Sign() < 0 {
		return Decimal{}, ErrNegativeSqrt
	}
	n := new(big.Int).Mul(d.raw(), unit)
	return Decimal{v: n.Sqrt(n)}, nil
}

// PowInt raises d to an integer power by binary exponentiation. Negative
// exponents invert the result.
func (d Decimal) PowInt(n int64) (Decimal, error) {
	if n == 0 {
		return One(), nil
	}
	neg := n < 0
	if neg {
		n = -n
	}
	base := d.toWork()
	acc := new(big.Int).Set(workUnit)
	for n > 0 {
		if n&1 == 1 {
			acc = workMul(acc, base)
		}
		n >>= 1
		if n > 0 {
			base = workMul(base, base)
		}
	}
	if neg {
		if acc.Sign() == 0 {
			return Decimal{}, ErrDivisionByZero
		}
		acc = workQuo(workUnit, acc)
	}
	return fromWork(acc), nil
}

// Exp returns e^d. The argument is halved until it is below 2^-8, the
// Taylor series is summed at the widened scale and the result squared back.
func (d Decimal) Exp() Decimal {
	return fromWork(workExp(d.toWork()))
}

// Ln returns the natural logarithm. The argument is reduced to m·2^k with m
// in [0.5, 2) and ln(m) is refined by Newton iteration on exp(y) = m. The
// float64 math.Log of m is only the starting point for that iteration.
func (d Decimal) Ln() (Decimal, error) {
	if d.Sign() <= 0 {
		return Decimal{}, ErrNonPositiveLog
	}
	return fromWork(workLn(d.toWork())), nil
}

// Pow returns d^y computed as exp(y·ln d).
func (d Decimal) Pow(y Decimal) (Decimal, error) {
	if y.IsZero() {
		return One(), nil
	}
	if d.IsZero() {
		if y.Sign() < 0 {
			return Decimal{}, ErrDivisionByZero
		}
		return Zero(), nil
	}
	if d.Sign() < 0 {
		return Decimal{}, ErrNonPositiveLog
	}
	ln := workLn(d.toWork())
	return fromWork(workExp(workMul(y.toWork(), ln))), nil
}

func (d Decimal) toWork() *big.Int {
	return new(big.Int).Mul(d.raw(), pow10(guardDigits))
}

func fromWork(w *big.Int) Decimal {
	return Decimal{v: quoRound(w, pow10(guardDigits))}
}

func workMul(a, b *big.Int) *big.Int {
	return quoRound(new(big.Int).Mul(a, b), workUnit)
}

func workQuo(a, b *big.Int) *big.Int {
	return quoRound(new(big.Int).Mul(a, workUnit), b)
}

var expReductionBound = new(big.Int).Rsh(workUnit, 8)

func workExp(x *big.Int) *big.Int {
	if x.Sign() == 0 {
		return new(big.Int).Set(workUnit)
	}
	if x.Sign() < 0 {
		pos := workExp(new(big.Int).Neg(x))
		return workQuo(workUnit, pos)
	}

	r := new(big.Int).Set(x)
	halvings := 0
	for r.Cmp(expReductionBound) > 0 {
		r.Rsh(r, 1)
		halvings++
	}

	sum := new(big.Int).Set(workUnit)
	term := new(big.Int).Set(workUnit)
	for i := int64(1); ; i++ {
		term = workMul(term, r)
		term.Quo(term, big.NewInt(i))
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, term)
	}

	for ; halvings > 0; halvings-- {
		sum = workMul(sum, sum)
	}
	return sum
}

var (
	workHalf = new(big.Int).Rsh(workUnit, 1)
	workTwo  = new(big.Int).Lsh(workUnit, 1)
	ln2Work  = newtonLn(new(big.Int).Set(workTwo), math.Ln2)
)

func workLn(x *big.Int) *big.Int {
	m := new(big.Int).Set(x)
	k := int64(0)
	for m.Cmp(workTwo) >= 0 {
		m.Rsh(m, 1)
		k++
	}
	for m.Cmp(workHalf) < 0 {
		m.Lsh(m, 1)
		k--
	}
	mf, _ := new(big.Rat).SetFrac(m, workUnit).Float64()
	y := newtonLn(m, math.Log(mf))
	if k != 0 {
		y.Add(y, new(big.Int).Mul(ln2Work, big.NewInt(k)))
	}
	return y
}

// newtonLn solves exp(y) = m starting from seed, using
// y' = y + 2(m - e^y)/(m + e^y).
func newtonLn(m *big.Int, seed float64) *big.Int {
	y := seedToWork(seed)
	tolerance := pow10(guardDigits / 2)
	for i := 0; i < maxNewtonIterations; i++ {
		ey := workExp(y)
		num := new(big.Int).Sub(m, ey)
		num.Lsh(num, 1)
		den := new(big.Int).Add(m, ey)
		step := workQuo(num, den)
		y.Add(y, step)
		if step.CmpAbs(tolerance) < 0 {
			break
		}
	}
	return y
}

func seedToWork(f float64) *big.Int {
	r := new(big.Rat).SetFloat64(f)
	if r == nil {
		return new(big.Int)
	}
	n := new(big.Int).Mul(r.Num(), workUnit)
	return n.Quo(n, r.Denom())
}
