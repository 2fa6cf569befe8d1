package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emperorhan/position-aggregator/internal/dispatcher"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	got      []model.JobRequest
	reuseHit bool
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req model.JobRequest) (string, error) {
	f.got = append(f.got, req)
	if f.err != nil && !errors.Is(f.err, dispatcher.ErrPartialDispatch) {
		return "", f.err
	}
	return "job-new", f.err
}

func (f *fakeDispatcher) DispatchOrReuse(ctx context.Context, req model.JobRequest) (string, bool, error) {
	if f.reuseHit {
		f.got = append(f.got, req)
		return "job-live", true, nil
	}
	id, err := f.Dispatch(ctx, req)
	return id, false, err
}

type fakeSnapshots struct {
	jobs     map[string]model.Snapshot
	accounts map[string]string
	err      error
}

func (f *fakeSnapshots) Build(_ context.Context, jobID string) (model.Snapshot, error) {
	if f.err != nil {
		return model.Snapshot{}, f.err
	}
	snap, ok := f.jobs[jobID]
	if !ok {
		return model.Snapshot{}, snapshot.ErrNotFound
	}
	return snap, nil
}

func (f *fakeSnapshots) Latest(ctx context.Context, account string) (model.Snapshot, error) {
	jobID, ok := f.accounts[account]
	if !ok {
		return model.Snapshot{}, snapshot.ErrNotFound
	}
	return f.Build(ctx, jobID)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/aggregations", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAggregation(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	h := NewServer(d, &fakeSnapshots{}, nil).Handler()

	rec := post(t, h, `{"accounts":["0xabc"],"chains":["Ethereum","base"],"walletGroupId":" grp "}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-new", resp.JobID)
	assert.False(t, resp.Reused)
	assert.Equal(t, "/aggregations/job-new", resp.StatusURL)

	require.Len(t, d.got, 1)
	assert.Equal(t, []model.Chain{model.ChainEthereum, model.ChainBase}, d.got[0].Chains)
	assert.Equal(t, "grp", d.got[0].WalletGroupID)
}

func TestCreateAggregation_Reuse(t *testing.T) {
	t.Parallel()

	h := NewServer(&fakeDispatcher{reuseHit: true}, &fakeSnapshots{}, nil).Handler()
	rec := post(t, h, `{"accounts":["0xabc"],"chains":["ethereum"],"reuse":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-live", resp.JobID)
	assert.True(t, resp.Reused)
}

func TestCreateAggregation_Validation(t *testing.T) {
	t.Parallel()

	many := make([]string, 21)
	for i := range many {
		many[i] = fmt.Sprintf("%q", fmt.Sprintf("0x%040d", i))
	}

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{name: "malformed json", body: `{"accounts":`, wantMsg: "invalid JSON body"},
		{name: "no accounts", body: `{"chains":["ethereum"]}`, wantMsg: "accounts is required"},
		{name: "blank account", body: `{"accounts":[" "],"chains":["ethereum"]}`, wantMsg: "invalid account value"},
		{name: "no chains", body: `{"accounts":["0xabc"]}`, wantMsg: "chains is required"},
		{name: "unknown chain", body: `{"accounts":["0xabc"],"chains":["dogechain"]}`, wantMsg: "unsupported chain"},
		{
			name:    "too many accounts",
			body:    `{"accounts":[` + strings.Join(many, ",") + `],"chains":["ethereum"]}`,
			wantMsg: "too many accounts (max 20)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := &fakeDispatcher{}
			rec := post(t, NewServer(d, &fakeSnapshots{}, nil).Handler(), tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.wantMsg)
			assert.Empty(t, d.got, "invalid requests never reach the dispatcher")
		})
	}
}

func TestCreateAggregation_DispatchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantJobID  string
	}{
		{
			name:       "partial dispatch reports the job",
			err:        fmt.Errorf("%w: 1 of 4 units unpublished", dispatcher.ErrPartialDispatch),
			wantStatus: http.StatusBadGateway,
			wantJobID:  "job-new",
		},
		{name: "store failure", err: errors.New("redis down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := NewServer(&fakeDispatcher{err: tc.err}, &fakeSnapshots{}, nil).Handler()
			rec := post(t, h, `{"accounts":["0xabc"],"chains":["ethereum"]}`)
			assert.Equal(t, tc.wantStatus, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantJobID, resp.JobID)
			assert.NotContains(t, resp.Error, "redis", "internal errors are not leaked")
		})
	}
}

func TestGetAggregation(t *testing.T) {
	t.Parallel()

	snaps := &fakeSnapshots{
		jobs: map[string]model.Snapshot{
			"job-1": {JobID: "job-1", Status: model.JobStatusRunning, ExpectedTotal: 4, Succeeded: 1, Progress: 0.25},
		},
		accounts: map[string]string{"0xabc": "job-1"},
	}
	h := NewServer(&fakeDispatcher{}, snaps, nil).Handler()

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "by job id", path: "/aggregations/job-1", wantStatus: http.StatusOK},
		{name: "unknown job", path: "/aggregations/job-2", wantStatus: http.StatusNotFound},
		{name: "by account", path: "/aggregations/account/0xabc", wantStatus: http.StatusOK},
		{name: "unknown account", path: "/aggregations/account/0xdef", wantStatus: http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			require.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus != http.StatusOK {
				return
			}
			var snap model.Snapshot
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
			assert.Equal(t, "job-1", snap.JobID)
			assert.InDelta(t, 0.25, snap.Progress, 1e-9)
		})
	}
}

func TestGetAggregation_StoreError(t *testing.T) {
	t.Parallel()

	h := NewServer(&fakeDispatcher{}, &fakeSnapshots{err: errors.New("timeout")}, nil).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/aggregations/job-1", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := NewServer(&fakeDispatcher{}, &fakeSnapshots{}, nil).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/aggregations/job-1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
