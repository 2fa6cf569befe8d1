package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrationRequest_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	req := IntegrationRequest{
		JobID:            "job-1",
		RequestID:        "req-1",
		Account:          "0xabc",
		Chains:           []Chain{ChainArbitrum},
		Provider:         ProviderUniswapV3,
		Attempt:          2,
		RequestedAt:      time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		OperationTimeout: 45 * time.Second,
		Metadata:         map[string]string{"walletGroupId": "g-1"},
	}

	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded IntegrationRequest
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, req, decoded)
	assert.Equal(t, "uniswap-v3:arbitrum:0xabc", decoded.UnitID())
}

func TestIntegrationResult_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	for _, status := range []ResultStatus{ResultSuccess, ResultFailed, ResultCancelled} {
		res := IntegrationResult{
			JobID:        "job-1",
			RequestID:    "req-3",
			Account:      "0xabc",
			Chains:       []Chain{ChainBase},
			Provider:     ProviderAave,
			Attempt:      3,
			Status:       status,
			StartedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			FinishedAt:   time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
			ErrorCode:    ErrorCodeProviderError,
			ErrorMessage: "boom",
			Payload:      json.RawMessage(`{"positions":[]}`),
		}

		raw, err := json.Marshal(res)
		require.NoError(t, err)

		var decoded IntegrationResult
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, res, decoded)
	}
}

func TestIntegrationRequest_Validate(t *testing.T) {
	t.Parallel()

	valid := IntegrationRequest{
		JobID:     "j",
		RequestID: "r",
		Account:   "a",
		Chains:    []Chain{ChainEthereum},
		Provider:  ProviderMoralis,
		Attempt:   1,
	}

	tests := []struct {
		name    string
		mutate  func(r *IntegrationRequest)
		wantErr bool
	}{
		{name: "valid", mutate: func(*IntegrationRequest) {}},
		{name: "missing job", mutate: func(r *IntegrationRequest) { r.JobID = "" }, wantErr: true},
		{name: "missing request id", mutate: func(r *IntegrationRequest) { r.RequestID = "" }, wantErr: true},
		{name: "two chains", mutate: func(r *IntegrationRequest) { r.Chains = []Chain{ChainBase, ChainEthereum} }, wantErr: true},
		{name: "zero attempt", mutate: func(r *IntegrationRequest) { r.Attempt = 0 }, wantErr: true},
		{name: "no provider", mutate: func(r *IntegrationRequest) { r.Provider = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := valid
			r.Chains = append([]Chain(nil), valid.Chains...)
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIntegrationResult_Counter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, MetaSucceeded, IntegrationResult{Status: ResultSuccess}.Counter())
	assert.Equal(t, MetaTimedOut, IntegrationResult{Status: ResultFailed, ErrorCode: ErrorCodeTimeout}.Counter())
	assert.Equal(t, MetaFailed, IntegrationResult{Status: ResultFailed, ErrorCode: ErrorCodeProviderError}.Counter())
	assert.Equal(t, MetaFailed, IntegrationResult{Status: ResultCancelled}.Counter())
}

func TestProviderRoutingKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "integration.request.uniswap-v3", RequestRoutingKey(ProviderUniswapV3))
	assert.Equal(t, "integration.result.raydium-clmm", ResultRoutingKey(ProviderRaydiumCLMM))

	p, err := ParseProvider(" Aave ")
	require.NoError(t, err)
	assert.Equal(t, ProviderAave, p)

	_, err = ParseProvider("compound")
	assert.Error(t, err)
}
