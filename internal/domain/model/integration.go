package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// IntegrationRequest is one unit of work: a single (account, chain, provider)
// fetch. RequestID changes on every retry; JobID+Provider+Chain+Account is
// stable across attempts.
type IntegrationRequest struct {
	JobID            string            `json:"jobId"`
	RequestID        string            `json:"requestId"`
	Account          string            `json:"account"`
	Chains           []Chain           `json:"chains"`
	Provider         Provider          `json:"provider"`
	Attempt          int               `json:"attempt"`
	RequestedAt      time.Time         `json:"requestedAt"`
	OperationTimeout time.Duration     `json:"operationTimeout"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Chain returns the unit's chain. Units carry a singleton chain list.
func (r IntegrationRequest) Chain() Chain {
	if len(r.Chains) == 0 {
		return ""
	}
	return r.Chains[0]
}

// UnitID is the logical unit identifier used in the pending set and in
// per-unit store keys.
func (r IntegrationRequest) UnitID() string {
	return UnitID(r.Provider, r.Chain(), r.Account)
}

func (r IntegrationRequest) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("missing jobId")
	}
	if r.RequestID == "" {
		return fmt.Errorf("missing requestId")
	}
	if r.Account == "" {
		return fmt.Errorf("missing account")
	}
	if len(r.Chains) != 1 {
		return fmt.Errorf("expected exactly one chain, got %d", len(r.Chains))
	}
	if r.Provider == "" {
		return fmt.Errorf("missing provider")
	}
	if r.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", r.Attempt)
	}
	return nil
}

// UnitID formats <provider>:<chain>:<account>.
func UnitID(provider Provider, chain Chain, account string) string {
	return fmt.Sprintf("%s:%s:%s", provider.Slug(), chain, account)
}

type ResultStatus string

const (
	ResultSuccess   ResultStatus = "Success"
	ResultFailed    ResultStatus = "Failed"
	ResultCancelled ResultStatus = "Cancelled"
)

// Error codes recorded on terminal results.
const (
	ErrorCodeTimeout                 = "TIMEOUT"
	ErrorCodeNotImplemented          = "NOT_IMPLEMENTED"
	ErrorCodeProviderError           = "PROVIDER_ERROR"
	ErrorCodePermanent               = "PERMANENT_ERROR"
	ErrorCodeUnsupportedChain        = "UNSUPPORTED_CHAIN"
	ErrorCodeInvalidAccount          = "INVALID_ACCOUNT"
	ErrorCodeInsufficientSuccessRate = "INSUFFICIENT_SUCCESS_RATE"
	ErrorCodePanic                   = "PANIC"
	ErrorCodeRetryPublishFailed      = "RETRY_PUBLISH_FAILED"
)

// IntegrationResult is written once per terminal attempt.
type IntegrationResult struct {
	JobID        string          `json:"jobId"`
	RequestID    string          `json:"requestId"`
	Account      string          `json:"account"`
	Chains       []Chain         `json:"chains"`
	Provider     Provider        `json:"provider"`
	Attempt      int             `json:"attempt"`
	Status       ResultStatus    `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func (r IntegrationResult) Chain() Chain {
	if len(r.Chains) == 0 {
		return ""
	}
	return r.Chains[0]
}

func (r IntegrationResult) UnitID() string {
	return UnitID(r.Provider, r.Chain(), r.Account)
}

// Counter returns the JobMeta counter field a terminal result increments.
func (r IntegrationResult) Counter() string {
	switch {
	case r.Status == ResultSuccess:
		return MetaSucceeded
	case r.ErrorCode == ErrorCodeTimeout:
		return MetaTimedOut
	default:
		return MetaFailed
	}
}

// ResultFor builds a terminal result skeleton for a unit.
func ResultFor(req IntegrationRequest, status ResultStatus, startedAt, finishedAt time.Time) IntegrationResult {
	return IntegrationResult{
		JobID:      req.JobID,
		RequestID:  req.RequestID,
		Account:    req.Account,
		Chains:     append([]Chain(nil), req.Chains...),
		Provider:   req.Provider,
		Attempt:    req.Attempt,
		Status:     status,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
}
