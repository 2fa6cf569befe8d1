package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/retry"
	"github.com/lib/pq"
)

// ResultRepo stores one row per (job, unit). A later terminal result for the
// same unit replaces the earlier one.
type ResultRepo struct {
	db *DB
}

func NewResultRepo(db *DB) *ResultRepo {
	return &ResultRepo{db: db}
}

const upsertResultSQL = `
	INSERT INTO integration_results (
		job_id, unit_key, request_id, provider, chain, account, attempt,
		status, error_code, error_message, payload, started_at, finished_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13)
	ON CONFLICT (job_id, unit_key) DO UPDATE SET
		request_id    = EXCLUDED.request_id,
		attempt       = EXCLUDED.attempt,
		status        = EXCLUDED.status,
		error_code    = EXCLUDED.error_code,
		error_message = EXCLUDED.error_message,
		payload       = EXCLUDED.payload,
		started_at    = EXCLUDED.started_at,
		finished_at   = EXCLUDED.finished_at,
		archived_at   = now()
`

// resultRow is the column projection of a result.
type resultRow struct {
	JobID        string
	UnitKey      string
	RequestID    string
	Provider     string
	Chain        string
	Account      string
	Attempt      int
	Status       string
	ErrorCode    sql.NullString
	ErrorMessage sql.NullString
	Payload      sql.NullString
	StartedAt    time.Time
	FinishedAt   time.Time
}

func toRow(res model.IntegrationResult) (resultRow, error) {
	if res.JobID == "" {
		return resultRow{}, fmt.Errorf("result has no job id")
	}
	if res.Chain() == "" || res.Provider == "" || res.Account == "" {
		return resultRow{}, fmt.Errorf("result %s has an incomplete unit identity", res.RequestID)
	}
	row := resultRow{
		JobID:        res.JobID,
		UnitKey:      res.UnitID(),
		RequestID:    res.RequestID,
		Provider:     res.Provider.Slug(),
		Chain:        res.Chain().String(),
		Account:      res.Account,
		Attempt:      res.Attempt,
		Status:       string(res.Status),
		ErrorCode:    nullString(res.ErrorCode),
		ErrorMessage: nullString(res.ErrorMessage),
		StartedAt:    res.StartedAt.UTC(),
		FinishedAt:   res.FinishedAt.UTC(),
	}
	if len(res.Payload) > 0 && string(res.Payload) != "null" {
		if !json.Valid(res.Payload) {
			return resultRow{}, fmt.Errorf("result %s payload is not valid JSON", res.RequestID)
		}
		row.Payload = sql.NullString{String: string(res.Payload), Valid: true}
	}
	return row, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Upsert writes res. Malformed results and constraint violations are
// returned as terminal errors; connection and contention failures as
// transient ones.
func (r *ResultRepo) Upsert(ctx context.Context, res model.IntegrationResult) error {
	row, err := toRow(res)
	if err != nil {
		return retry.Terminal(err)
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err = r.db.ExecContext(ctx, upsertResultSQL,
		row.JobID, row.UnitKey, row.RequestID, row.Provider, row.Chain, row.Account, row.Attempt,
		row.Status, row.ErrorCode, row.ErrorMessage, row.Payload, row.StartedAt, row.FinishedAt,
	)
	if err != nil {
		return classifyPQ(fmt.Errorf("upsert result %s/%s: %w", row.JobID, row.UnitKey, err))
	}
	return nil
}

// ListByJob returns a job's archived results ordered by unit key.
func (r *ResultRepo) ListByJob(ctx context.Context, jobID string) ([]model.IntegrationResult, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, provider, chain, account, attempt, status,
		       error_code, error_message, payload, started_at, finished_at
		FROM integration_results
		WHERE job_id = $1
		ORDER BY unit_key
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list results for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []model.IntegrationResult
	for rows.Next() {
		var (
			res                   model.IntegrationResult
			provider, chain       string
			status                string
			errorCode, errMessage sql.NullString
			payload               []byte
		)
		if err := rows.Scan(&res.RequestID, &provider, &chain, &res.Account, &res.Attempt, &status,
			&errorCode, &errMessage, &payload, &res.StartedAt, &res.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.JobID = jobID
		res.Provider = model.Provider(provider)
		res.Chains = []model.Chain{model.Chain(chain)}
		res.Status = model.ResultStatus(status)
		res.ErrorCode = errorCode.String
		res.ErrorMessage = errMessage.String
		if len(payload) > 0 {
			res.Payload = json.RawMessage(payload)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// DeleteFinishedBefore purges rows whose unit finished before cutoff and
// returns how many were removed.
func (r *ResultRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM integration_results WHERE finished_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, classifyPQ(fmt.Errorf("purge results: %w", err))
	}
	return res.RowsAffected()
}

// classifyPQ marks errors by SQLSTATE class: connection exceptions (08),
// transaction rollbacks (40), insufficient resources (53) and operator
// intervention (57) are worth retrying, data and integrity errors are not.
func classifyPQ(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case strings.HasPrefix(string(pqErr.Code), "08"),
		strings.HasPrefix(string(pqErr.Code), "40"),
		strings.HasPrefix(string(pqErr.Code), "53"),
		strings.HasPrefix(string(pqErr.Code), "57"):
		return retry.Transient(err)
	case strings.HasPrefix(string(pqErr.Code), "22"),
		strings.HasPrefix(string(pqErr.Code), "23"),
		strings.HasPrefix(string(pqErr.Code), "42"):
		return retry.Terminal(err)
	default:
		return err
	}
}
