package raydium

import (
	"math/big"
	"strings"
	"testing"

	"github.com/emperorhan/position-aggregator/internal/clmath"
	"github.com/emperorhan/position-aggregator/internal/clmath/bigdec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickToSqrtPrice_EvenTicksAreExact(t *testing.T) {
	t.Parallel()
	zero, err := TickToSqrtPrice(0)
	require.NoError(t, err)
	assert.Equal(t, 0, zero.Cmp(bigdec.One()))

	two, err := TickToSqrtPrice(2)
	require.NoError(t, err)
	assert.Equal(t, "1.0001", two.String())
}

func TestTickToSqrtPrice_OddTicks(t *testing.T) {
	t.Parallel()
	one, err := TickToSqrtPrice(1)
	require.NoError(t, err)
	assert.Equal(t, "1.000049998750062496094023416993798697215498950656864788436870", one.StringFixed(60))

	minusOne, err := TickToSqrtPrice(-1)
	require.NoError(t, err)
	assert.Equal(t, "1."+strings.Repeat("0", 50), one.Mul(minusOne).StringFixed(50))

	viaExp, err := TickToSqrtPrice(12345)
	require.NoError(t, err)
	p, err := bigdec.MustFromString("1.0001").PowInt(12345)
	require.NoError(t, err)
	viaSqrt, err := p.Sqrt()
	require.NoError(t, err)
	assert.Equal(t, viaSqrt.StringFixed(60), viaExp.StringFixed(60))
}

func TestTickBounds(t *testing.T) {
	t.Parallel()
	_, err := TickToSqrtPrice(MaxTick + 1)
	assert.ErrorIs(t, err, ErrTickOutOfRange)
	_, err = TickToPrice(MinTick-1, 6, 6)
	assert.ErrorIs(t, err, ErrTickOutOfRange)
}

func TestTickToPrice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		tick       int
		decA, decB int
		want       string
	}{
		{name: "parity", tick: 0, decA: 6, decB: 6, want: "1"},
		{name: "decimal shift", tick: 0, decA: 9, decB: 6, want: "1000"},
		{name: "one tick", tick: 1, decA: 6, decB: 6, want: "1.0001"},
		{name: "negative", tick: -1, decA: 0, decB: 0, want: "0.999900009999000099990000999900009999"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := TickToPrice(tc.tick, tc.decA, tc.decB)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.StringFixed(36)[:len(tc.want)])
		})
	}
}

func TestSqrtPriceX64RoundTrip(t *testing.T) {
	t.Parallel()
	one, err := SqrtPriceFromX64(Q64)
	require.NoError(t, err)
	assert.Equal(t, 0, one.Cmp(bigdec.One()))
	assert.Equal(t, Q64, SqrtPriceToX64(bigdec.One()))

	raw, _ := new(big.Int).SetString("79226673515401279992447579055", 10)
	sqrt, err := SqrtPriceFromX64(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, SqrtPriceToX64(sqrt))

	_, err = SqrtPriceFromX64(new(big.Int))
	assert.ErrorIs(t, err, ErrInvalidSqrtPrice)
	_, err = SqrtPriceFromX64(nil)
	assert.ErrorIs(t, err, ErrInvalidSqrtPrice)
}

func TestAmountsForLiquidity_Branches(t *testing.T) {
	t.Parallel()
	l := big.NewInt(6_000_000)
	lo, hi := bigdec.New(1), bigdec.New(2)

	tests := []struct {
		name    string
		current bigdec.Decimal
		want0   int64
		want1   int64
		branch  clmath.Branch
	}{
		{name: "below", current: bigdec.MustFromString("0.5"), want0: 3_000_000, want1: 0, branch: clmath.BranchBelow},
		{name: "at lower", current: lo, want0: 3_000_000, want1: 0, branch: clmath.BranchBelow},
		{name: "in range", current: bigdec.MustFromString("1.5"), want0: 1_000_000, want1: 3_000_000, branch: clmath.BranchInRange},
		{name: "at upper", current: hi, want0: 0, want1: 6_000_000, branch: clmath.BranchAbove},
		{name: "above", current: bigdec.New(3), want0: 0, want1: 6_000_000, branch: clmath.BranchAbove},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := AmountsForLiquidity(l, tc.current, lo, hi)
			require.NoError(t, err)
			assert.Equal(t, tc.branch, got.Branch)
			assert.Equal(t, tc.want0, got.Amount0.Int64())
			assert.Equal(t, tc.want1, got.Amount1.Int64())

			swapped, err := AmountsForLiquidity(l, tc.current, hi, lo)
			require.NoError(t, err)
			assert.Equal(t, got, swapped)
		})
	}
}

func TestAmountsForPosition(t *testing.T) {
	t.Parallel()
	l := big.NewInt(1_000_000_000_000)

	got, err := AmountsForPosition(l, -10, 10, bigdec.One())
	require.NoError(t, err)
	assert.Equal(t, clmath.BranchInRange, got.Branch)
	assert.Equal(t, "499850034", got.Amount0.String())
	assert.Equal(t, "499850034", got.Amount1.String())

	_, err = AmountsForPosition(l, 10, 10, bigdec.One())
	assert.ErrorIs(t, err, clmath.ErrInvalidRange)

	_, err = AmountsForLiquidity(l, bigdec.Zero(), bigdec.One(), bigdec.New(2))
	assert.ErrorIs(t, err, ErrInvalidSqrtPrice)
}
