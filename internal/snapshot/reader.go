// Package snapshot builds read-only point-in-time views of a job from the
// job store. It never mutates job state.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/emperorhan/position-aggregator/internal/consolidate"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	redisstore "github.com/emperorhan/position-aggregator/internal/store/redis"
)

var ErrNotFound = errors.New("snapshot not found")

// Store is the read side of the job store.
type Store interface {
	GetMeta(ctx context.Context, jobID string) (model.JobMeta, error)
	PendingUnits(ctx context.Context, jobID string) ([]string, error)
	Results(ctx context.Context, jobID string) (map[string]model.IntegrationResult, error)
	Durations(ctx context.Context, jobID string) (map[string]int64, error)
	GetBlob(ctx context.Context, jobID string, kind redisstore.BlobKind) ([]byte, error)
	GetAccountLatest(ctx context.Context, account string) (string, error)
}

type Reader struct {
	store  Store
	logger *slog.Logger
}

func NewReader(store Store, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{store: store, logger: logger.With("component", "snapshot")}
}

// Build reads every key of jobID and assembles a Snapshot. Keys are read
// independently, so counts and units may be skewed by in-flight writes.
func (r *Reader) Build(ctx context.Context, jobID string) (model.Snapshot, error) {
	meta, err := r.store.GetMeta(ctx, jobID)
	if errors.Is(err, redisstore.ErrNotFound) {
		return model.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("build snapshot: %w", err)
	}
	pending, err := r.store.PendingUnits(ctx, jobID)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("build snapshot: %w", err)
	}
	results, err := r.store.Results(ctx, jobID)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("build snapshot: %w", err)
	}
	durations, err := r.store.Durations(ctx, jobID)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("build snapshot: %w", err)
	}
	summary, err := r.store.GetBlob(ctx, jobID, redisstore.BlobSummary)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("build snapshot: %w", err)
	}
	walletBlob, err := r.store.GetBlob(ctx, jobID, redisstore.BlobWallet)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("build snapshot: %w", err)
	}

	snap := model.Snapshot{
		JobID:         jobID,
		Status:        meta.Status,
		ExpectedTotal: meta.ExpectedTotal,
		Succeeded:     meta.Succeeded,
		Failed:        meta.Failed,
		TimedOut:      meta.TimedOut,
		Processed:     meta.ProcessedCount,
		Pending:       len(pending),
		Progress:      meta.Progress(),
		FinalEmitted:  meta.FinalEmitted,
		Accounts:      meta.Accounts,
		Chains:        meta.Chains,
		CreatedAt:     meta.CreatedAt,
		CompletedAt:   meta.CompletedAt,
		WalletGroupID: meta.WalletGroupID,
		Units:         units(pending, results, durations),
	}
	if len(summary) > 0 {
		snap.Summary = json.RawMessage(summary)
	}

	if items, ok := r.walletItems(jobID, walletBlob); ok {
		snap.Items = items
		snap.Consolidated = true
	} else {
		positions, _ := consolidate.Collect(results)
		snap.Items = consolidate.Merge(positions)
	}
	if snap.Items == nil {
		snap.Items = []model.Position{}
	}
	return snap, nil
}

// Latest builds the snapshot of the most recent job that covered account.
func (r *Reader) Latest(ctx context.Context, account string) (model.Snapshot, error) {
	jobID, err := r.store.GetAccountLatest(ctx, account)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	if jobID == "" {
		return model.Snapshot{}, ErrNotFound
	}
	return r.Build(ctx, jobID)
}

func (r *Reader) walletItems(jobID string, blob []byte) ([]model.Position, bool) {
	if len(blob) == 0 {
		return nil, false
	}
	var wallet model.ConsolidatedWallet
	if err := json.Unmarshal(blob, &wallet); err != nil {
		r.logger.Warn("ignoring undecodable wallet blob", "job_id", jobID, "error", err)
		return nil, false
	}
	return wallet.Items, true
}

func units(pending []string, results map[string]model.IntegrationResult, durations map[string]int64) []model.UnitStatus {
	seen := make(map[string]struct{}, len(pending)+len(results))
	out := make([]model.UnitStatus, 0, len(pending)+len(results))

	for unitID, res := range results {
		seen[unitID] = struct{}{}
		out = append(out, model.UnitStatus{
			UnitID:       unitID,
			Provider:     res.Provider,
			Chain:        res.Chain(),
			Account:      res.Account,
			State:        stateOf(res),
			Attempt:      res.Attempt,
			DurationMs:   durations[unitID],
			ErrorCode:    res.ErrorCode,
			ErrorMessage: res.ErrorMessage,
		})
	}
	for _, unitID := range pending {
		if _, dup := seen[unitID]; dup {
			// Result written, pending removal not yet visible.
			continue
		}
		u := parseUnitID(unitID)
		u.State = model.UnitPending
		u.DurationMs = durations[unitID]
		out = append(out, u)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}

func stateOf(res model.IntegrationResult) model.UnitState {
	switch {
	case res.Status == model.ResultSuccess:
		return model.UnitSucceeded
	case res.Status == model.ResultCancelled:
		return model.UnitCancelled
	case res.ErrorCode == model.ErrorCodeTimeout:
		return model.UnitTimedOut
	default:
		return model.UnitFailed
	}
}

// parseUnitID splits <provider>:<chain>:<account>.
func parseUnitID(unitID string) model.UnitStatus {
	u := model.UnitStatus{UnitID: unitID}
	parts := strings.SplitN(unitID, ":", 3)
	if len(parts) > 0 {
		u.Provider = model.Provider(parts[0])
	}
	if len(parts) > 1 {
		u.Chain = model.Chain(parts[1])
	}
	if len(parts) > 2 {
		u.Account = parts[2]
	}
	return u
}
