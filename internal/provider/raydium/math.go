package raydium

import (
	"errors"
	"math/big"

	"github.com/emperorhan/position-aggregator/internal/clmath"
	"github.com/emperorhan/position-aggregator/internal/clmath/bigdec"
)

// Raydium CLMM tick bounds.
const (
	MinTick = -443636
	MaxTick = 443636
)

var (
	ErrTickOutOfRange   = errors.New("raydium: tick out of range")
	ErrInvalidSqrtPrice = errors.New("raydium: sqrt price must be positive")
)

var (
	// Q64 is 2^64, the Q64.64 fixed-point unit of on-chain sqrt prices.
	Q64 = new(big.Int).Lsh(big.NewInt(1), 64)

	tickBase   = bigdec.MustFromString("1.0001")
	lnTickBase = mustLn(tickBase)
	two        = bigdec.New(2)
)

func mustLn(d bigdec.Decimal) bigdec.Decimal {
	v, err := d.Ln()
	if err != nil {
		panic(err)
	}
	return v
}

// TickToPrice returns 1.0001^tick × 10^(decimalsA-decimalsB), the price of
// mint A in whole units of mint B.
func TickToPrice(tick, decimalsA, decimalsB int) (bigdec.Decimal, error) {
	if tick < MinTick || tick > MaxTick {
		return bigdec.Decimal{}, ErrTickOutOfRange
	}
	p, err := tickBase.PowInt(int64(tick))
	if err != nil {
		return bigdec.Decimal{}, err
	}
	return p.Shift(decimalsA - decimalsB), nil
}

// TickToSqrtPrice returns 1.0001^(tick/2) in raw units. Even ticks use exact
// integer exponentiation; odd ticks go through exp(tick/2 · ln 1.0001).
func TickToSqrtPrice(tick int) (bigdec.Decimal, error) {
	if tick < MinTick || tick > MaxTick {
		return bigdec.Decimal{}, ErrTickOutOfRange
	}
	if tick%2 == 0 {
		return tickBase.PowInt(int64(tick / 2))
	}
	half, err := lnTickBase.Mul(bigdec.New(int64(tick))).Quo(two)
	if err != nil {
		return bigdec.Decimal{}, err
	}
	return half.Exp(), nil
}

// SqrtPriceFromX64 converts an on-chain Q64.64 sqrt price.
func SqrtPriceFromX64(sqrtPriceX64 *big.Int) (bigdec.Decimal, error) {
	if sqrtPriceX64 == nil || sqrtPriceX64.Sign() <= 0 {
		return bigdec.Decimal{}, ErrInvalidSqrtPrice
	}
	return bigdec.NewFromRatio(sqrtPriceX64, Q64)
}

// SqrtPriceToX64 truncates a sqrt price to Q64.64.
func SqrtPriceToX64(sqrtPrice bigdec.Decimal) *big.Int {
	return sqrtPrice.MulBigInt(Q64).BigInt()
}

// SqrtPriceToPrice squares a raw sqrt price and adjusts for decimals.
func SqrtPriceToPrice(sqrtPrice bigdec.Decimal, decimalsA, decimalsB int) bigdec.Decimal {
	return sqrtPrice.Mul(sqrtPrice).Shift(decimalsA - decimalsB)
}

// AmountsForLiquidity applies the three-branch concentrated-liquidity rule
// in decimal arithmetic. Results are raw base units rounded down.
func AmountsForLiquidity(liquidity *big.Int, sqrtCurrent, sqrtA, sqrtB bigdec.Decimal) (clmath.Amounts, error) {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	if sqrtA.Sign() <= 0 || sqrtCurrent.Sign() <= 0 {
		return clmath.Amounts{}, ErrInvalidSqrtPrice
	}
	l := bigdec.NewFromBigInt(liquidity)

	switch {
	case sqrtCurrent.Cmp(sqrtA) <= 0:
		a0, err := amount0(l, sqrtA, sqrtB)
		if err != nil {
			return clmath.Amounts{}, err
		}
		return clmath.Amounts{Amount0: a0, Amount1: new(big.Int), Branch: clmath.BranchBelow}, nil
	case sqrtCurrent.Cmp(sqrtB) < 0:
		a0, err := amount0(l, sqrtCurrent, sqrtB)
		if err != nil {
			return clmath.Amounts{}, err
		}
		return clmath.Amounts{Amount0: a0, Amount1: amount1(l, sqrtA, sqrtCurrent), Branch: clmath.BranchInRange}, nil
	default:
		return clmath.Amounts{Amount0: new(big.Int), Amount1: amount1(l, sqrtA, sqrtB), Branch: clmath.BranchAbove}, nil
	}
}

// AmountsForPosition resolves tick bounds to sqrt prices first.
func AmountsForPosition(liquidity *big.Int, tickLower, tickUpper int, sqrtCurrent bigdec.Decimal) (clmath.Amounts, error) {
	if tickLower >= tickUpper {
		return clmath.Amounts{}, clmath.ErrInvalidRange
	}
	sqrtA, err := TickToSqrtPrice(tickLower)
	if err != nil {
		return clmath.Amounts{}, err
	}
	sqrtB, err := TickToSqrtPrice(tickUpper)
	if err != nil {
		return clmath.Amounts{}, err
	}
	return AmountsForLiquidity(liquidity, sqrtCurrent, sqrtA, sqrtB)
}

// amount0 is L·(hi−lo)/(lo·hi).
func amount0(l, lo, hi bigdec.Decimal) (*big.Int, error) {
	q, err := l.Mul(hi.Sub(lo)).Quo(lo.Mul(hi))
	if err != nil {
		return nil, err
	}
	return q.BigInt(), nil
}

// amount1 is L·(hi−lo).
func amount1(l, lo, hi bigdec.Decimal) *big.Int {
	return l.Mul(hi.Sub(lo)).BigInt()
}
