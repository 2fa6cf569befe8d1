package model

import (
	"math"
	"math/big"
	"strings"
)

// TokenType classifies what a token entry inside a Position represents.
type TokenType string

const (
	TokenTypeSupplied        TokenType = "Supplied"
	TokenTypeBorrowed        TokenType = "Borrowed"
	TokenTypeUncollectedFee  TokenType = "UncollectedFee"
	TokenTypeCollectedFee    TokenType = "CollectedFee"
	TokenTypeGovernancePower TokenType = "GovernancePower"
	TokenTypeReward          TokenType = "Reward"
	TokenTypeWallet          TokenType = "Wallet"
)

// Token is one holding line inside a Position. RawAmount is the integer
// amount in base units, BalanceFormatted the decimal-scaled string.
type Token struct {
	Type             TokenType `json:"type"`
	Symbol           string    `json:"symbol"`
	ContractAddress  string    `json:"contractAddress"`
	Chain            Chain     `json:"chain"`
	Decimals         int       `json:"decimals"`
	RawAmount        string    `json:"rawAmount"`
	BalanceFormatted string    `json:"balanceFormatted"`
	UnitPriceUSD     float64   `json:"unitPriceUsd"`
	TotalPriceUSD    float64   `json:"totalPriceUsd"`
}

// Position groups the tokens of a single protocol position.
type Position struct {
	Label    string   `json:"label"`
	Protocol Provider `json:"protocol"`
	Chain    Chain    `json:"chain"`
	Tokens   []Token  `json:"tokens"`
}

// TotalUSD sums the priced tokens, subtracting borrowed entries.
func (p Position) TotalUSD() float64 {
	var total float64
	for _, t := range p.Tokens {
		switch t.Type {
		case TokenTypeBorrowed:
			total -= t.TotalPriceUSD
		case TokenTypeGovernancePower:
		default:
			total += t.TotalPriceUSD
		}
	}
	return total
}

// NewToken builds a token from a base-unit amount, formatting the balance
// with exact decimal scaling and pricing it with unitPrice.
func NewToken(typ TokenType, chain Chain, symbol, contract string, decimals int, raw *big.Int, unitPrice float64) Token {
	if raw == nil {
		raw = new(big.Int)
	}
	formatted := FormatUnits(raw, decimals)
	t := Token{
		Type:             typ,
		Symbol:           symbol,
		ContractAddress:  contract,
		Chain:            chain,
		Decimals:         decimals,
		RawAmount:        raw.String(),
		BalanceFormatted: formatted,
		UnitPriceUSD:     unitPrice,
	}
	t.TotalPriceUSD = TotalPrice(formatted, unitPrice)
	return t
}

// TotalPrice multiplies a formatted balance by a unit price. Non-finite or
// negative results are clamped to zero.
func TotalPrice(balanceFormatted string, unitPrice float64) float64 {
	if unitPrice <= 0 || math.IsNaN(unitPrice) || math.IsInf(unitPrice, 0) {
		return 0
	}
	bal, ok := new(big.Float).SetPrec(128).SetString(balanceFormatted)
	if !ok {
		return 0
	}
	total, _ := new(big.Float).Mul(bal, big.NewFloat(unitPrice)).Float64()
	if total < 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return 0
	}
	return total
}

// FormatUnits renders raw / 10^decimals as an exact decimal string with
// trailing zeros trimmed.
func FormatUnits(raw *big.Int, decimals int) string {
	if raw == nil {
		return "0"
	}
	if decimals <= 0 {
		return raw.String()
	}
	neg := raw.Sign() < 0
	digits := new(big.Int).Abs(raw).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	intPart := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	out := intPart
	if frac != "" {
		out += "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}
