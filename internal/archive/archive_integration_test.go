//go:build integration

package archive_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/emperorhan/position-aggregator/internal/archive"
	"github.com/emperorhan/position-aggregator/internal/broker"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/store/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestArchiver_PersistsToPostgres(t *testing.T) {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("archive_e2e"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(context.Background())) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := postgres.New(ctx, postgres.Config{URL: url, MaxOpenConns: 4, MaxIdleConns: 2, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.RunMigrations(ctx))

	repo := postgres.NewResultRepo(db)
	mem := broker.NewMemory(nil)
	require.NoError(t, mem.Declare("archive", archive.ResultPattern))
	a := archive.New(archive.Config{Queue: "archive", Concurrency: 1}, repo, mem, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = a.Run(runCtx) }()

	jobID := uuid.NewString()
	now := time.Now().UTC()
	for attempt, status := range []model.ResultStatus{model.ResultFailed, model.ResultSuccess} {
		res := model.IntegrationResult{
			JobID:      jobID,
			RequestID:  uuid.NewString(),
			Account:    "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
			Chains:     []model.Chain{model.ChainSolana},
			Provider:   model.ProviderKamino,
			Attempt:    attempt + 1,
			Status:     status,
			StartedAt:  now,
			FinishedAt: now.Add(time.Second),
		}
		body, err := json.Marshal(res)
		require.NoError(t, err)
		require.NoError(t, mem.Publish(ctx, model.ResultRoutingKey(res.Provider), body))
	}

	require.Eventually(t, func() bool {
		rows, err := repo.ListByJob(ctx, jobID)
		return err == nil && len(rows) == 1 && rows[0].Status == model.ResultSuccess
	}, 10*time.Second, 50*time.Millisecond)

	rows, err := repo.ListByJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, rows[0].Attempt)
}
