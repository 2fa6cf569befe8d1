package redis

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
)

// Key scheme of the job state store.

func metaKey(jobID string) string      { return "job:" + jobID + ":meta" }
func pendingKey(jobID string) string   { return "job:" + jobID + ":pending" }
func durationsKey(jobID string) string { return "job:" + jobID + ":durations" }
func summaryKey(jobID string) string   { return "job:" + jobID + ":summary" }
func walletKey(jobID string) string    { return "job:" + jobID + ":wallet" }

func resultKey(jobID, unitID string) string {
	return "job:" + jobID + ":result:" + unitID
}

func resultPrefix(jobID string) string {
	return "job:" + jobID + ":result:"
}

func accountLatestKey(account string) string {
	return "account:" + model.NormalizeAccount(account) + ":latest"
}

// ActiveKey is the order-independent dedup key for an accounts×chains set.
func ActiveKey(accounts []string, chains []model.Chain) string {
	sum := sha256.Sum256([]byte(canonicalAccounts(accounts) + "|" + canonicalChains(chains)))
	return "active:" + hex.EncodeToString(sum[:])
}

// ActiveGroupKey is the dedup key for a wallet group over a chain set.
func ActiveGroupKey(groupID string, chains []model.Chain) string {
	return "active:group:" + groupID + ":" + canonicalChains(chains)
}

func canonicalAccounts(accounts []string) string {
	sorted := make([]string, 0, len(accounts))
	for _, a := range accounts {
		sorted = append(sorted, model.NormalizeAccount(a))
	}
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return strings.Join(sorted, ",")
}

func canonicalChains(chains []model.Chain) string {
	sorted := make([]string, 0, len(chains))
	for _, c := range chains {
		sorted = append(sorted, strings.ToLower(string(c)))
	}
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return strings.Join(sorted, ",")
}
