package model

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAccount trims an account and lowercases EVM hex addresses so a
// checksummed address and its lowercase form identify the same account.
// Other encodings (Solana base58) are case-sensitive and kept as given.
func NormalizeAccount(account string) string {
	account = strings.TrimSpace(account)
	if common.IsHexAddress(account) && strings.HasPrefix(strings.ToLower(account), "0x") {
		return strings.ToLower(account)
	}
	return account
}
