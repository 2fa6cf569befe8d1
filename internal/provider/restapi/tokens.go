package restapi

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/provider"
	"github.com/ethereum/go-ethereum/common"
)

// flexInt decodes integers that some APIs send as JSON strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("decode integer %s: %w", b, err)
	}
	*f = flexInt(n)
	return nil
}

// flexFloat decodes numbers that may arrive quoted or null.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	var v float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return fmt.Errorf("decode number %s: %w", b, err)
	}
	*f = flexFloat(v)
	return nil
}

// buildToken parses a base-unit amount string. Unparseable or negative
// amounts are dropped.
func buildToken(typ model.TokenType, chain model.Chain, symbol, address string, decimals int, raw string, unitPrice float64) (model.Token, bool) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() < 0 {
		return model.Token{}, false
	}
	return model.NewToken(typ, chain, symbol, address, decimals, amount, unitPrice), true
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ValidateAccount checks the account format for the chain family.
func ValidateAccount(chain model.Chain, account string) error {
	if chain.IsEVM() {
		if !common.IsHexAddress(account) {
			return provider.InvalidAccount(account)
		}
		return nil
	}
	if len(account) < 32 || len(account) > 44 {
		return provider.InvalidAccount(account)
	}
	for _, r := range account {
		if !strings.ContainsRune(base58Alphabet, r) {
			return provider.InvalidAccount(account)
		}
	}
	return nil
}
