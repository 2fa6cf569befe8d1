//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/store/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(jobID string, p model.Provider, attempt int, status model.ResultStatus) model.IntegrationResult {
	started := time.Now().UTC().Truncate(time.Microsecond)
	res := model.IntegrationResult{
		JobID:      jobID,
		RequestID:  uuid.NewString(),
		Account:    "0x1111111111111111111111111111111111111111",
		Chains:     []model.Chain{model.ChainEthereum},
		Provider:   p,
		Attempt:    attempt,
		Status:     status,
		StartedAt:  started,
		FinishedAt: started.Add(250 * time.Millisecond),
	}
	if status == model.ResultSuccess {
		res.Payload = json.RawMessage(`{"positions":[{"label":"USDC supply"}]}`)
	} else {
		res.ErrorCode = model.ErrorCodeProviderError
		res.ErrorMessage = "upstream 502"
	}
	return res
}

func TestResultRepo_UpsertAndList(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewResultRepo(db)
	ctx := context.Background()
	jobID := uuid.NewString()

	require.NoError(t, repo.Upsert(ctx, result(jobID, model.ProviderMoralis, 1, model.ResultSuccess)))
	require.NoError(t, repo.Upsert(ctx, result(jobID, model.ProviderAave, 3, model.ResultFailed)))

	got, err := repo.ListByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, model.ProviderAave, got[0].Provider, "ordered by unit key")
	assert.Equal(t, model.ResultFailed, got[0].Status)
	assert.Equal(t, model.ErrorCodeProviderError, got[0].ErrorCode)
	assert.Nil(t, got[0].Payload)
	assert.Equal(t, 3, got[0].Attempt)

	assert.Equal(t, model.ProviderMoralis, got[1].Provider)
	assert.Equal(t, model.ChainEthereum, got[1].Chain())
	assert.JSONEq(t, `{"positions":[{"label":"USDC supply"}]}`, string(got[1].Payload))
}

func TestResultRepo_LastWriteWins(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewResultRepo(db)
	ctx := context.Background()
	jobID := uuid.NewString()

	first := result(jobID, model.ProviderPendle, 1, model.ResultFailed)
	require.NoError(t, repo.Upsert(ctx, first))
	second := result(jobID, model.ProviderPendle, 2, model.ResultSuccess)
	require.NoError(t, repo.Upsert(ctx, second))

	got, err := repo.ListByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.RequestID, got[0].RequestID)
	assert.Equal(t, model.ResultSuccess, got[0].Status)
	assert.Empty(t, got[0].ErrorCode)
}

func TestResultRepo_DeleteFinishedBefore(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewResultRepo(db)
	ctx := context.Background()
	jobID := uuid.NewString()

	old := result(jobID, model.ProviderMoralis, 1, model.ResultSuccess)
	old.StartedAt = old.StartedAt.Add(-48 * time.Hour)
	old.FinishedAt = old.FinishedAt.Add(-48 * time.Hour)
	require.NoError(t, repo.Upsert(ctx, old))
	require.NoError(t, repo.Upsert(ctx, result(jobID, model.ProviderAave, 1, model.ResultSuccess)))

	deleted, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	got, err := repo.ListByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.ProviderAave, got[0].Provider)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.RunMigrations(ctx))

	var applied int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 1, applied)
}
