// Package clmath holds the integer math of concentrated-liquidity pools:
// tick and sqrt-price conversion, token amounts for a liquidity position
// and uncollected fees from fee-growth accumulators. All results match the
// on-chain TickMath and LiquidityAmounts libraries bit for bit. Nothing in
// this package performs I/O.
package clmath

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	MinTick = -887272
	MaxTick = 887272
)

var ErrTickOutOfRange = errors.New("tick out of range")

var (
	// Q96 is 2^96, the Q64.96 fixed-point unit.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)
	// Q128 is 2^128, the fee-growth fixed-point unit.
	Q128 = new(big.Int).Lsh(big.NewInt(1), 128)

	MaxUint128 = new(big.Int).Sub(Q128, big.NewInt(1))
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	MinSqrtRatio = big.NewInt(4295128739)
	MaxSqrtRatio = mustBig("1461446703485210103287273052203988822378723970342")

	two256 = new(big.Int).Lsh(big.NewInt(1), 256)
	mask32 = big.NewInt(0xffffffff)
)

// tickMultipliers[i] is the Q128 value of 1/sqrt(1.0001)^(2^i).
var tickMultipliers = [...]*big.Int{
	mustHex("fffcb933bd6fad37aa2d162d1a594001"),
	mustHex("fff97272373d413259a46990580e213a"),
	mustHex("fff2e50f5f656932ef12357cf3c7fdcc"),
	mustHex("ffe5caca7e10e4e61c3624eaa0941cd0"),
	mustHex("ffcb9843d60f6159c9db58835c926644"),
	mustHex("ff973b41fa98c081472e6896dfb254c0"),
	mustHex("ff2ea16466c96a3843ec78b326b52861"),
	mustHex("fe5dee046a99a2a811c461f1969c3053"),
	mustHex("fcbe86c7900a88aedcffc83b479aa3a4"),
	mustHex("f987a7253ac413176f2b074cf7815e54"),
	mustHex("f3392b0822b70005940c7a398e4b70f3"),
	mustHex("e7159475a2c29b7443b29c7fa6e889d9"),
	mustHex("d097f3bdfd2022b8845ad8f792aa5825"),
	mustHex("a9f746462d870fdf8a65dc1f90e061e5"),
	mustHex("70d869a156d2a1b890bb3df62baf32f7"),
	mustHex("31be135f97d08fd981231505542fcfa6"),
	mustHex("9aa508b5b7a84e1c677de54f3e99bc9"),
	mustHex("5d6af8dedb81196699c329225ee604"),
	mustHex("2216e584f5fa1ea926041bedfe98"),
	mustHex("48a170391f7dc42444e8fa2"),
}

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("clmath: bad hex constant " + s)
	}
	return n
}

func mustBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("clmath: bad decimal constant " + s)
	}
	return n
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 integer, computed
// exactly as the on-chain TickMath library does.
func SqrtRatioAtTick(tick int) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("%w: %d", ErrTickOutOfRange, tick)
	}
	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(big.Int)
	if absTick&1 != 0 {
		ratio.Set(tickMultipliers[0])
	} else {
		ratio.Set(Q128)
	}
	for i := 1; i < len(tickMultipliers); i++ {
		if absTick&(1<<i) != 0 {
			ratio.Mul(ratio, tickMultipliers[i])
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio.Quo(MaxUint256, ratio)
	}

	// Q128.128 to Q128.96, rounding up so the result is never below the
	// true value.
	out := new(big.Int).Rsh(ratio, 32)
	if new(big.Int).And(ratio, mask32).Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out, nil
}

// SqrtPriceX96FromTick is SqrtRatioAtTick. Pools only ever store sqrt prices
// produced by that routine, so the two must agree exactly.
func SqrtPriceX96FromTick(tick int) (*big.Int, error) {
	return SqrtRatioAtTick(tick)
}

// TickAtSqrtRatio returns the greatest tick whose sqrt ratio is less than
// or equal to sqrtPriceX96.
func TickAtSqrtRatio(sqrtPriceX96 *big.Int) (int, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Cmp(MinSqrtRatio) < 0 || sqrtPriceX96.Cmp(MaxSqrtRatio) >= 0 {
		return 0, fmt.Errorf("%w: sqrt price %v", ErrTickOutOfRange, sqrtPriceX96)
	}
	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		r, err := SqrtRatioAtTick(mid)
		if err != nil {
			return 0, err
		}
		if r.Cmp(sqrtPriceX96) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// MidpointTick returns the tick halfway between lower and upper, rounded
// toward negative infinity.
func MidpointTick(lower, upper int) int {
	sum := lower + upper
	if sum < 0 && sum%2 != 0 {
		return sum/2 - 1
	}
	return sum / 2
}
