package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/retry"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() model.IntegrationResult {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("KST", 9*3600))
	return model.IntegrationResult{
		JobID:      "job-1",
		RequestID:  "req-1",
		Account:    "0xabc",
		Chains:     []model.Chain{model.ChainBase},
		Provider:   model.ProviderAave,
		Attempt:    2,
		Status:     model.ResultSuccess,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Payload:    json.RawMessage(`{"positions":[]}`),
	}
}

func TestToRow(t *testing.T) {
	t.Parallel()

	row, err := toRow(sampleResult())
	require.NoError(t, err)
	assert.Equal(t, "job-1", row.JobID)
	assert.Equal(t, "aave:base:0xabc", row.UnitKey)
	assert.Equal(t, "aave", row.Provider)
	assert.Equal(t, "base", row.Chain)
	assert.Equal(t, 2, row.Attempt)
	assert.Equal(t, "Success", row.Status)
	assert.False(t, row.ErrorCode.Valid)
	assert.False(t, row.ErrorMessage.Valid)
	assert.True(t, row.Payload.Valid)
	assert.Equal(t, `{"positions":[]}`, row.Payload.String)
	assert.Equal(t, time.UTC, row.StartedAt.Location())
	assert.Equal(t, 3*time.Hour, row.StartedAt.Sub(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestToRow_Failure(t *testing.T) {
	t.Parallel()

	res := sampleResult()
	res.Status = model.ResultFailed
	res.ErrorCode = model.ErrorCodeTimeout
	res.ErrorMessage = "operation timed out after 30s"
	res.Payload = json.RawMessage("null")

	row, err := toRow(res)
	require.NoError(t, err)
	assert.Equal(t, "TIMEOUT", row.ErrorCode.String)
	assert.True(t, row.ErrorCode.Valid)
	assert.Equal(t, "operation timed out after 30s", row.ErrorMessage.String)
	assert.False(t, row.Payload.Valid, "null payload is stored as SQL NULL")
}

func TestToRow_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*model.IntegrationResult)
		want   string
	}{
		{name: "no job", mutate: func(r *model.IntegrationResult) { r.JobID = "" }, want: "no job id"},
		{name: "no chain", mutate: func(r *model.IntegrationResult) { r.Chains = nil }, want: "incomplete unit identity"},
		{name: "no account", mutate: func(r *model.IntegrationResult) { r.Account = "" }, want: "incomplete unit identity"},
		{name: "bad payload", mutate: func(r *model.IntegrationResult) { r.Payload = json.RawMessage(`{"x":`) }, want: "not valid JSON"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := sampleResult()
			tc.mutate(&res)
			_, err := toRow(res)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestUpsert_MalformedIsTerminal(t *testing.T) {
	t.Parallel()

	res := sampleResult()
	res.JobID = ""
	err := NewResultRepo(nil).Upsert(context.Background(), res)
	require.Error(t, err)
	assert.False(t, retry.Classify(err).IsTransient())
}

func TestClassifyPQ(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantMarked    bool
	}{
		{name: "connection failure", err: &pq.Error{Code: "08006"}, wantTransient: true, wantMarked: true},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, wantTransient: true, wantMarked: true},
		{name: "too many connections", err: &pq.Error{Code: "53300"}, wantTransient: true, wantMarked: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, wantTransient: true, wantMarked: true},
		{name: "invalid json", err: &pq.Error{Code: "22P02"}, wantMarked: true},
		{name: "not null violation", err: &pq.Error{Code: "23502"}, wantMarked: true},
		{name: "undefined table", err: &pq.Error{Code: "42P01"}, wantMarked: true},
		{name: "plain error", err: errors.New("boom")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := classifyPQ(fmt.Errorf("upsert: %w", tc.err))
			decision := retry.Classify(err)
			assert.Equal(t, tc.wantTransient, decision.IsTransient())
			if tc.wantMarked {
				assert.Contains(t, decision.Reason, "explicit_")
			} else {
				assert.NotContains(t, decision.Reason, "explicit_")
			}
		})
	}
}
