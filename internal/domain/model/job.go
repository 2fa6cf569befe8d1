package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusRunning   JobStatus = "Running"
	JobStatusCompleted JobStatus = "Completed"
)

// JobMeta hash field names. They are part of the store key contract.
const (
	MetaExpectedTotal  = "expectedTotal"
	MetaSucceeded      = "succeeded"
	MetaFailed         = "failed"
	MetaTimedOut       = "timedOut"
	MetaProcessedCount = "processedCount"
	MetaStatus         = "status"
	MetaFinalEmitted   = "finalEmitted"
	MetaAccounts       = "accounts"
	MetaChains         = "chains"
	MetaCreatedAt      = "createdAt"
	MetaWalletGroupID  = "walletGroupId"
	MetaCompletedAt    = "completedAt"
)

// JobRequest is the immutable input of a job.
type JobRequest struct {
	JobID         string    `json:"jobId"`
	Accounts      []string  `json:"accounts"`
	Chains        []Chain   `json:"chains"`
	WalletGroupID string    `json:"walletGroupId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// JobMeta is the decoded form of job:<id>:meta.
type JobMeta struct {
	JobID          string     `json:"jobId"`
	ExpectedTotal  int        `json:"expectedTotal"`
	Succeeded      int        `json:"succeeded"`
	Failed         int        `json:"failed"`
	TimedOut       int        `json:"timedOut"`
	ProcessedCount int        `json:"processedCount"`
	Status         JobStatus  `json:"status"`
	FinalEmitted   bool       `json:"finalEmitted"`
	Accounts       []string   `json:"accounts"`
	Chains         []Chain    `json:"chains"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	WalletGroupID  string     `json:"walletGroupId,omitempty"`
}

// Resolved is the number of units with a terminal outcome.
func (m JobMeta) Resolved() int {
	return m.Succeeded + m.Failed + m.TimedOut
}

// Progress returns min(expected, resolved)/expected, or 1 for an empty job.
func (m JobMeta) Progress() float64 {
	if m.ExpectedTotal <= 0 {
		return 1
	}
	resolved := m.Resolved()
	if resolved > m.ExpectedTotal {
		resolved = m.ExpectedTotal
	}
	return float64(resolved) / float64(m.ExpectedTotal)
}

type UnitState string

const (
	UnitPending   UnitState = "Pending"
	UnitSucceeded UnitState = "Succeeded"
	UnitFailed    UnitState = "Failed"
	UnitTimedOut  UnitState = "TimedOut"
	UnitCancelled UnitState = "Cancelled"
)

// UnitStatus is the per-unit row of a Snapshot.
type UnitStatus struct {
	UnitID       string    `json:"unitId"`
	Provider     Provider  `json:"provider"`
	Chain        Chain     `json:"chain"`
	Account      string    `json:"account"`
	State        UnitState `json:"state"`
	Attempt      int       `json:"attempt,omitempty"`
	DurationMs   int64     `json:"durationMs,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Snapshot is a point-in-time view of a job built from the store.
type Snapshot struct {
	JobID         string          `json:"jobId"`
	Status        JobStatus       `json:"status"`
	ExpectedTotal int             `json:"expectedTotal"`
	Succeeded     int             `json:"succeeded"`
	Failed        int             `json:"failed"`
	TimedOut      int             `json:"timedOut"`
	Processed     int             `json:"processed"`
	Pending       int             `json:"pending"`
	Progress      float64         `json:"progress"`
	FinalEmitted  bool            `json:"finalEmitted"`
	Accounts      []string        `json:"accounts"`
	Chains        []Chain         `json:"chains"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	WalletGroupID string          `json:"walletGroupId,omitempty"`
	Units         []UnitStatus    `json:"units"`
	Items         []Position      `json:"items"`
	Summary       json.RawMessage `json:"summary,omitempty"`
	Consolidated  bool            `json:"consolidated"`
}
