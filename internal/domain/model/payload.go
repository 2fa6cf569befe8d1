package model

import "time"

// GranularStats is attached to payloads produced by granular providers.
type GranularStats struct {
	Positions            int     `json:"positions"`
	ValidPositions       int     `json:"validPositions"`
	OperationsAttempted  int64   `json:"operationsAttempted"`
	OperationsSuccessful int64   `json:"operationsSuccessful"`
	SuccessRate          float64 `json:"successRate"`
}

// ProviderPayload is what a provider handler returns on success and what
// a successful IntegrationResult carries as its payload.
type ProviderPayload struct {
	Positions []Position     `json:"positions"`
	Raw       []byte         `json:"raw,omitempty"`
	Stats     *GranularStats `json:"stats,omitempty"`
}

// WalletSummary is the consolidated job:<id>:summary blob.
type WalletSummary struct {
	JobID         string               `json:"jobId"`
	TotalUSD      float64              `json:"totalUsd"`
	ByProvider    map[Provider]float64 `json:"byProvider"`
	ByChain       map[Chain]float64    `json:"byChain"`
	PositionCount int                  `json:"positionCount"`
	Succeeded     int                  `json:"succeeded"`
	Failed        int                  `json:"failed"`
	TimedOut      int                  `json:"timedOut"`
}

// ConsolidatedWallet is the job:<id>:wallet blob: every position of a
// completed job merged by protocol, chain and label.
type ConsolidatedWallet struct {
	JobID       string     `json:"jobId"`
	Items       []Position `json:"items"`
	GeneratedAt time.Time  `json:"generatedAt"`
}
