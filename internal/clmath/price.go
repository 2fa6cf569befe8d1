package clmath

import (
	"math/big"

	"github.com/emperorhan/position-aggregator/internal/clmath/bigdec"
)

var tickBase = bigdec.MustFromString("1.0001")

// TickToPrice returns 1.0001^tick × 10^(decimals0-decimals1), the price of
// token0 denominated in token1 in whole-token units.
func TickToPrice(tick, decimals0, decimals1 int) (bigdec.Decimal, error) {
	if tick < MinTick || tick > MaxTick {
		return bigdec.Decimal{}, ErrTickOutOfRange
	}
	p, err := tickBase.PowInt(int64(tick))
	if err != nil {
		return bigdec.Decimal{}, err
	}
	return p.Shift(decimals0 - decimals1), nil
}

// SqrtPriceX96ToPrice converts a pool sqrt price to a whole-token price of
// token0 in token1.
func SqrtPriceX96ToPrice(sqrtPriceX96 *big.Int, decimals0, decimals1 int) (bigdec.Decimal, error) {
	num := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	den := new(big.Int).Mul(Q96, Q96)
	p, err := bigdec.NewFromRatio(num, den)
	if err != nil {
		return bigdec.Decimal{}, err
	}
	return p.Shift(decimals0 - decimals1), nil
}

// ScaleAmount converts a base-unit amount to whole tokens. The amount is
// clamped into [0, MaxUint256] first; clamped reports whether that changed
// the value.
func ScaleAmount(amount *big.Int, decimals int) (value bigdec.Decimal, clamped bool) {
	safe, clamped := ClampUint256(amount)
	return bigdec.NewFromBigInt(safe).Shift(-decimals), clamped
}

// ClampUint256 bounds x to the uint256 range. Nil is treated as zero.
func ClampUint256(x *big.Int) (*big.Int, bool) {
	switch {
	case x == nil:
		return new(big.Int), false
	case x.Sign() < 0:
		return new(big.Int), true
	case x.Cmp(MaxUint256) > 0:
		return new(big.Int).Set(MaxUint256), true
	default:
		return new(big.Int).Set(x), false
	}
}
