package model

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw      string
		decimals int
		want     string
	}{
		{raw: "0", decimals: 18, want: "0"},
		{raw: "1", decimals: 18, want: "0.000000000000000001"},
		{raw: "1500000", decimals: 6, want: "1.5"},
		{raw: "123000000000000000000", decimals: 18, want: "123"},
		{raw: "42", decimals: 0, want: "42"},
		{raw: "-2500", decimals: 3, want: "-2.5"},
	}

	for _, tt := range tests {
		raw, _ := new(big.Int).SetString(tt.raw, 10)
		assert.Equal(t, tt.want, FormatUnits(raw, tt.decimals), "raw=%s decimals=%d", tt.raw, tt.decimals)
	}
}

func TestTotalPrice_ClampsNonNegative(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 3.0, TotalPrice("1.5", 2), 1e-12)
	assert.Zero(t, TotalPrice("1.5", -2))
	assert.Zero(t, TotalPrice("-1.5", 2))
	assert.Zero(t, TotalPrice("1.5", math.NaN()))
	assert.Zero(t, TotalPrice("garbage", 1))
}

func TestNewToken(t *testing.T) {
	t.Parallel()

	tok := NewToken(TokenTypeSupplied, ChainEthereum, "USDC", "0xa0b8", 6, big.NewInt(2_500_000), 1.0)
	assert.Equal(t, "2500000", tok.RawAmount)
	assert.Equal(t, "2.5", tok.BalanceFormatted)
	assert.InDelta(t, 2.5, tok.TotalPriceUSD, 1e-12)

	empty := NewToken(TokenTypeUncollectedFee, ChainBase, "WETH", "0x42", 18, nil, 3000)
	assert.Equal(t, "0", empty.RawAmount)
	assert.Zero(t, empty.TotalPriceUSD)
}

func TestPosition_TotalUSD(t *testing.T) {
	t.Parallel()

	p := Position{Tokens: []Token{
		{Type: TokenTypeSupplied, TotalPriceUSD: 100},
		{Type: TokenTypeBorrowed, TotalPriceUSD: 40},
		{Type: TokenTypeUncollectedFee, TotalPriceUSD: 5},
		{Type: TokenTypeGovernancePower, TotalPriceUSD: 1000},
	}}
	assert.InDelta(t, 65.0, p.TotalUSD(), 1e-12)
}

func TestJobMeta_Progress(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, JobMeta{}.Progress())
	assert.InDelta(t, 0.5, JobMeta{ExpectedTotal: 4, Succeeded: 1, Failed: 1}.Progress(), 1e-12)
	assert.Equal(t, 1.0, JobMeta{ExpectedTotal: 2, Succeeded: 2, TimedOut: 1}.Progress())
}
