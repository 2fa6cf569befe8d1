package restapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	evmAccount    = "0x1111111111111111111111111111111111111111"
	solanaAccount = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
)

func unit(p model.Provider, chain model.Chain, account string) model.IntegrationRequest {
	return model.IntegrationRequest{
		JobID:     "job-1",
		RequestID: "req-1",
		Account:   account,
		Chains:    []model.Chain{chain},
		Provider:  p,
		Attempt:   1,
	}
}

func TestClient_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, permanent: false},
		{name: "bad gateway", status: http.StatusBadGateway, permanent: false},
		{name: "not found", status: http.StatusNotFound, permanent: true},
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			c := NewClient(model.ProviderMoralis, srv.URL, time.Second)
			err := c.GetJSON(context.Background(), "/x", nil, nil)
			require.Error(t, err)
			assert.Equal(t, tc.permanent, provider.IsPermanent(err))

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.status, se.HTTPStatus())
		})
	}
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	err := NewClient(model.ProviderMoralis, srv.URL, time.Second).GetJSON(context.Background(), "/x", nil, nil)
	require.Error(t, err)
	assert.False(t, provider.IsPermanent(err))
	assert.Equal(t, model.ErrorCodeProviderError, provider.CodeOf(err))
}

func TestClient_MalformedBodyIsPermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	var out map[string]any
	err := NewClient(model.ProviderMoralis, srv.URL, time.Second).GetJSON(context.Background(), "/x", nil, &out)
	require.Error(t, err)
	assert.True(t, provider.IsPermanent(err))
}

func TestClient_OversizedBodyIsPermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":"` + strings.Repeat("a", 256) + `"}`))
	}))
	defer srv.Close()

	var out map[string]any
	small := NewClient(model.ProviderMoralis, srv.URL, time.Second, WithMaxBodyBytes(64))
	err := small.GetJSON(context.Background(), "/x", nil, &out)
	require.Error(t, err)
	assert.True(t, provider.IsPermanent(err))
	assert.Contains(t, err.Error(), "exceeds 64 bytes")

	roomy := NewClient(model.ProviderMoralis, srv.URL, time.Second, WithMaxBodyBytes(1024))
	require.NoError(t, roomy.GetJSON(context.Background(), "/x", nil, &out))
	assert.Len(t, out["items"], 256)
}

func TestMoralis_Execute(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wallets/"+evmAccount+"/defi/positions", r.URL.Path)
		assert.Equal(t, "base", r.URL.Query().Get("chain"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		_, _ = io.WriteString(w, `[
		  {"protocol_name":"Uniswap v2","position":{"label":"liquidity","tokens":[
		    {"token_type":"supplied","symbol":"USDC","contract_address":"0xa0","decimals":"6","balance":"1500000","usd_price":1},
		    {"token_type":"supplied","symbol":"WETH","contract_address":"0xa1","decimals":18,"balance":"500000000000000000","usd_price":"2000"}
		  ]}},
		  {"protocol_name":"Empty","position":{"label":"liquidity","tokens":[
		    {"token_type":"supplied","symbol":"BAD","decimals":"6","balance":"not-a-number"}
		  ]}}
		]`)
	}))
	defer srv.Close()

	m := NewMoralis(NewClient(model.ProviderMoralis, srv.URL, time.Second, WithHeader("X-API-Key", "secret")))
	payload, err := m.Execute(context.Background(), unit(model.ProviderMoralis, model.ChainBase, evmAccount))
	require.NoError(t, err)
	require.Len(t, payload.Positions, 1)

	pos := payload.Positions[0]
	assert.Equal(t, "Uniswap v2 liquidity", pos.Label)
	require.Len(t, pos.Tokens, 2)
	assert.Equal(t, "1.5", pos.Tokens[0].BalanceFormatted)
	assert.InDelta(t, 1.5, pos.Tokens[0].TotalPriceUSD, 1e-9)
	assert.Equal(t, model.TokenTypeSupplied, pos.Tokens[1].Type)
	assert.InDelta(t, 1000, pos.Tokens[1].TotalPriceUSD, 1e-9)
}

func TestMoralis_RejectsBadInput(t *testing.T) {
	t.Parallel()
	m := NewMoralis(NewClient(model.ProviderMoralis, "http://127.0.0.1:1", time.Second))

	_, err := m.Execute(context.Background(), unit(model.ProviderMoralis, model.ChainSolana, solanaAccount))
	assert.Equal(t, model.ErrorCodeUnsupportedChain, provider.CodeOf(err))

	_, err = m.Execute(context.Background(), unit(model.ProviderMoralis, model.ChainEthereum, "0xnothex"))
	assert.Equal(t, model.ErrorCodeInvalidAccount, provider.CodeOf(err))
}

func TestAave_ReservesLoadedOnce(t *testing.T) {
	t.Parallel()
	var reserveLoads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch {
		case strings.Contains(req.Query, "userReserves"):
			assert.Equal(t, evmAccount, req.Variables["user"])
			_, _ = io.WriteString(w, `{"data":{"userReserves":[
			  {"underlyingAsset":"0xAA","suppliedRaw":"2000000","borrowedRaw":"0"},
			  {"underlyingAsset":"0xbb","suppliedRaw":"0","borrowedRaw":"1000000000000000000"}
			]}}`)
		default:
			reserveLoads.Add(1)
			_, _ = io.WriteString(w, `{"data":{"reserves":[
			  {"underlyingAsset":"0xaa","symbol":"USDC","decimals":6,"priceInUsd":"1"},
			  {"underlyingAsset":"0xBB","symbol":"WETH","decimals":"18","priceInUsd":2500}
			]}}`)
		}
	}))
	defer srv.Close()

	a := NewAave(NewClient(model.ProviderAave, srv.URL, time.Second), time.Minute)
	for i := 0; i < 2; i++ {
		payload, err := a.Execute(context.Background(), unit(model.ProviderAave, model.ChainEthereum, evmAccount))
		require.NoError(t, err)
		require.Len(t, payload.Positions, 1)
		tokens := payload.Positions[0].Tokens
		require.Len(t, tokens, 2)
		assert.Equal(t, model.TokenTypeSupplied, tokens[0].Type)
		assert.Equal(t, "USDC", tokens[0].Symbol)
		assert.Equal(t, "2", tokens[0].BalanceFormatted)
		assert.Equal(t, model.TokenTypeBorrowed, tokens[1].Type)
		assert.InDelta(t, 2500, tokens[1].TotalPriceUSD, 1e-9)
		assert.InDelta(t, -2498, payload.Positions[0].TotalUSD(), 1e-9)
	}
	assert.Equal(t, int32(1), reserveLoads.Load())
}

func TestAave_GraphQLErrorsArePermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"errors":[{"message":"unknown chain"}]}`)
	}))
	defer srv.Close()

	a := NewAave(NewClient(model.ProviderAave, srv.URL, time.Second), time.Minute)
	_, err := a.Execute(context.Background(), unit(model.ProviderAave, model.ChainEthereum, evmAccount))
	require.Error(t, err)
	assert.True(t, provider.IsPermanent(err))
	assert.Contains(t, err.Error(), "unknown chain")
}

func TestPendle_Execute(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/42161/users/"+evmAccount+"/positions", r.URL.Path)
		_, _ = io.WriteString(w, `{"positions":[
		  {"marketAddress":"0xm1","marketName":"PT-weETH-26JUN2025",
		   "holdings":[{"kind":"PT","address":"0xpt","symbol":"PT-weETH","decimals":18,"balance":"3000000000000000000","priceUsd":3000}],
		   "rewards":[{"kind":"reward","address":"0xpen","symbol":"PENDLE","decimals":18,"balance":"10000000000000000000","priceUsd":"5"}]},
		  {"marketAddress":"0xm2","holdings":[{"kind":"LP","address":"0xlp","symbol":"LP","decimals":18,"balance":"0"}]}
		]}`)
	}))
	defer srv.Close()

	p := NewPendle(NewClient(model.ProviderPendle, srv.URL, time.Second))
	payload, err := p.Execute(context.Background(), unit(model.ProviderPendle, model.ChainArbitrum, evmAccount))
	require.NoError(t, err)
	require.Len(t, payload.Positions, 1)
	pos := payload.Positions[0]
	assert.Equal(t, "Pendle PT-weETH-26JUN2025", pos.Label)
	require.Len(t, pos.Tokens, 2)
	assert.Equal(t, model.TokenTypeReward, pos.Tokens[1].Type)
	assert.InDelta(t, 9050, pos.TotalUSD(), 1e-9)
}

func TestKamino_Execute(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/users/"+solanaAccount+"/obligations", r.URL.Path)
		assert.Equal(t, "mainnet-beta", r.URL.Query().Get("env"))
		_, _ = io.WriteString(w, `[{"obligationAddress":"ob1","marketName":"Main Market",
		  "deposits":[{"mint":"So11111111111111111111111111111111111111112","symbol":"SOL","decimals":9,"amount":"2000000000","priceUsd":150}],
		  "borrows":[{"mint":"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v","symbol":"USDC","decimals":6,"amount":"100000000","priceUsd":1}]}]`)
	}))
	defer srv.Close()

	k := NewKamino(NewClient(model.ProviderKamino, srv.URL, time.Second))
	payload, err := k.Execute(context.Background(), unit(model.ProviderKamino, model.ChainSolana, solanaAccount))
	require.NoError(t, err)
	require.Len(t, payload.Positions, 1)
	assert.Equal(t, "Kamino Main Market", payload.Positions[0].Label)
	assert.InDelta(t, 200, payload.Positions[0].TotalUSD(), 1e-9)

	_, err = k.Execute(context.Background(), unit(model.ProviderKamino, model.ChainEthereum, evmAccount))
	assert.Equal(t, model.ErrorCodeUnsupportedChain, provider.CodeOf(err))
}

func TestValidateAccount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		chain   model.Chain
		account string
		ok      bool
	}{
		{name: "evm hex", chain: model.ChainEthereum, account: evmAccount, ok: true},
		{name: "evm short", chain: model.ChainEthereum, account: "0x1234", ok: false},
		{name: "solana base58", chain: model.ChainSolana, account: solanaAccount, ok: true},
		{name: "solana with zero", chain: model.ChainSolana, account: "0" + solanaAccount[1:], ok: false},
		{name: "solana too short", chain: model.ChainSolana, account: "abc", ok: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateAccount(tc.chain, tc.account)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, model.ErrorCodeInvalidAccount, provider.CodeOf(err))
			}
		})
	}
}

func TestFlexDecoding(t *testing.T) {
	t.Parallel()
	var v struct {
		A flexInt   `json:"a"`
		B flexInt   `json:"b"`
		C flexFloat `json:"c"`
		D flexFloat `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"6","b":18,"c":"1.25","d":null}`), &v))
	assert.Equal(t, flexInt(6), v.A)
	assert.Equal(t, flexInt(18), v.B)
	assert.Equal(t, flexFloat(1.25), v.C)
	assert.Zero(t, v.D)
}
