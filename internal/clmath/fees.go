package clmath

import "math/big"

// TickFeeInfo holds the fee-growth-outside snapshots of an initialized tick.
type TickFeeInfo struct {
	FeeGrowthOutside0X128 *big.Int
	FeeGrowthOutside1X128 *big.Int
}

// PositionFeeState is the fee bookkeeping stored on a position.
type PositionFeeState struct {
	Liquidity                *big.Int
	TickLower                int
	TickUpper                int
	FeeGrowthInside0LastX128 *big.Int
	FeeGrowthInside1LastX128 *big.Int
	TokensOwed0              *big.Int
	TokensOwed1              *big.Int
}

// PoolFeeState is the pool side of the fee computation.
type PoolFeeState struct {
	CurrentTick          int
	FeeGrowthGlobal0X128 *big.Int
	FeeGrowthGlobal1X128 *big.Int
	Lower                TickFeeInfo
	Upper                TickFeeInfo
}

// Fees are uncollected fees in token base units.
type Fees struct {
	Fees0 *big.Int
	Fees1 *big.Int
}

// FeeGrowthInside returns the fee growth per unit of liquidity accumulated
// inside [tickLower, tickUpper), modulo 2^256.
func FeeGrowthInside(pool PoolFeeState, tickLower, tickUpper int) (inside0, inside1 *big.Int) {
	inside0 = feeGrowthInside(pool.CurrentTick, tickLower, tickUpper,
		pool.FeeGrowthGlobal0X128, pool.Lower.FeeGrowthOutside0X128, pool.Upper.FeeGrowthOutside0X128)
	inside1 = feeGrowthInside(pool.CurrentTick, tickLower, tickUpper,
		pool.FeeGrowthGlobal1X128, pool.Lower.FeeGrowthOutside1X128, pool.Upper.FeeGrowthOutside1X128)
	return inside0, inside1
}

func feeGrowthInside(currentTick, tickLower, tickUpper int, global, lowerOutside, upperOutside *big.Int) *big.Int {
	global = orZero(global)
	lowerOutside = orZero(lowerOutside)
	upperOutside = orZero(upperOutside)

	var below, above *big.Int
	if currentTick >= tickLower {
		below = lowerOutside
	} else {
		below = subMod256(global, lowerOutside)
	}
	if currentTick < tickUpper {
		above = upperOutside
	} else {
		above = subMod256(global, upperOutside)
	}
	return subMod256(subMod256(global, below), above)
}

// UncollectedFees computes tokensOwed + L·(inside − insideLast)/2^128 per
// token. The growth delta wraps modulo 2^256 and the accrued term is cast
// to uint128 the way the position manager does, so a wrapped counter never
// yields a negative fee.
func UncollectedFees(pos PositionFeeState, pool PoolFeeState) Fees {
	inside0, inside1 := FeeGrowthInside(pool, pos.TickLower, pos.TickUpper)
	return Fees{
		Fees0: accrue(pos.Liquidity, inside0, pos.FeeGrowthInside0LastX128, pos.TokensOwed0),
		Fees1: accrue(pos.Liquidity, inside1, pos.FeeGrowthInside1LastX128, pos.TokensOwed1),
	}
}

func accrue(liquidity, inside, last, owed *big.Int) *big.Int {
	delta := subMod256(inside, orZero(last))
	earned := new(big.Int).Mul(orZero(liquidity), delta)
	earned.Rsh(earned, 128)
	earned.And(earned, MaxUint128)
	return earned.Add(earned, orZero(owed))
}

func subMod256(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	return d.Mod(d, two256)
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
