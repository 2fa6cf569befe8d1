package clmath

import (
	"errors"
	"math/big"
)

// Branch names which side of the position range the current price is on.
type Branch string

const (
	BranchBelow   Branch = "below"
	BranchInRange Branch = "in-range"
	BranchAbove   Branch = "above"
)

var ErrInvalidRange = errors.New("invalid tick range")

// Amounts is the token composition of a liquidity position.
type Amounts struct {
	Amount0 *big.Int
	Amount1 *big.Int
	Branch  Branch
}

// AmountsForLiquidity mirrors LiquidityAmounts.getAmountsForLiquidity. The
// range bounds are swapped if given in reverse order. All results round
// down.
func AmountsForLiquidity(liquidity, sqrtPriceCurrent, sqrtPriceA, sqrtPriceB *big.Int) Amounts {
	sqrtLower, sqrtUpper := sqrtPriceA, sqrtPriceB
	if sqrtLower.Cmp(sqrtUpper) > 0 {
		sqrtLower, sqrtUpper = sqrtUpper, sqrtLower
	}

	switch {
	case sqrtPriceCurrent.Cmp(sqrtLower) <= 0:
		return Amounts{
			Amount0: Amount0ForLiquidity(sqrtLower, sqrtUpper, liquidity),
			Amount1: new(big.Int),
			Branch:  BranchBelow,
		}
	case sqrtPriceCurrent.Cmp(sqrtUpper) < 0:
		return Amounts{
			Amount0: Amount0ForLiquidity(sqrtPriceCurrent, sqrtUpper, liquidity),
			Amount1: Amount1ForLiquidity(sqrtLower, sqrtPriceCurrent, liquidity),
			Branch:  BranchInRange,
		}
	default:
		return Amounts{
			Amount0: new(big.Int),
			Amount1: Amount1ForLiquidity(sqrtLower, sqrtUpper, liquidity),
			Branch:  BranchAbove,
		}
	}
}

// AmountsForPosition resolves the tick bounds to sqrt prices and returns
// the position's token amounts at sqrtPriceCurrent.
func AmountsForPosition(liquidity *big.Int, tickLower, tickUpper int, sqrtPriceCurrent *big.Int) (Amounts, error) {
	if tickLower >= tickUpper {
		return Amounts{}, ErrInvalidRange
	}
	if liquidity == nil || sqrtPriceCurrent == nil {
		return Amounts{}, errors.New("nil liquidity or sqrt price")
	}
	sqrtLower, err := SqrtRatioAtTick(tickLower)
	if err != nil {
		return Amounts{}, err
	}
	sqrtUpper, err := SqrtRatioAtTick(tickUpper)
	if err != nil {
		return Amounts{}, err
	}
	return AmountsForLiquidity(liquidity, sqrtPriceCurrent, sqrtLower, sqrtUpper), nil
}

// Amount0ForLiquidity computes L·(sqrtB−sqrtA)·2^96 / sqrtB / sqrtA.
func Amount0ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	if sqrtA.Sign() == 0 {
		return new(big.Int)
	}
	n := new(big.Int).Lsh(liquidity, 96)
	n.Mul(n, new(big.Int).Sub(sqrtB, sqrtA))
	n.Quo(n, sqrtB)
	return n.Quo(n, sqrtA)
}

// Amount1ForLiquidity computes L·(sqrtB−sqrtA) / 2^96.
func Amount1ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	n := new(big.Int).Mul(liquidity, new(big.Int).Sub(sqrtB, sqrtA))
	return n.Rsh(n, 96)
}
