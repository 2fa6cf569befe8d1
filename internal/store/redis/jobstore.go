package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a job's meta hash does not exist, either
	// because the id is unknown or because the job expired.
	ErrNotFound = errors.New("job not found")
)

// BlobKind selects one of the optional precomputed aggregate blobs.
type BlobKind string

const (
	BlobSummary BlobKind = "summary"
	BlobWallet  BlobKind = "wallet"
)

// TerminalOutcome reports what RecordTerminal changed.
type TerminalOutcome struct {
	// Duplicate is true when the unit had already been resolved. The result
	// blob is overwritten but no counter moved.
	Duplicate bool
	// Final is true for exactly one caller per job: the one whose write made
	// processedCount reach expectedTotal.
	Final bool
}

// recordTerminalScript writes the result blob and duration, then removes the
// unit from the pending set. Counters move only if the SREM removed the
// member, and finalEmitted flips at most once.
//
// KEYS: meta, pending, result, durations
// ARGV: unitID, resultJSON, ttlSeconds, counterField, durationMs, completedAt
var recordTerminalScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, 0}
end
redis.call('SET', KEYS[3], ARGV[2], 'EX', ARGV[3])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[5])
redis.call('EXPIRE', KEYS[4], ARGV[3])
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
  return {0, 0}
end
redis.call('HINCRBY', KEYS[1], ARGV[4], 1)
local processed = redis.call('HINCRBY', KEYS[1], 'processedCount', 1)
local expected = tonumber(redis.call('HGET', KEYS[1], 'expectedTotal') or '0')
if processed >= expected and redis.call('HGET', KEYS[1], 'finalEmitted') ~= 'true' then
  redis.call('HSET', KEYS[1], 'finalEmitted', 'true', 'status', 'Completed', 'completedAt', ARGV[6])
  return {1, 1}
end
return {1, 0}
`)

// JobStore is the job state store. It holds no business logic beyond the
// atomic terminal write.
type JobStore struct {
	client *redis.Client
	ttl    time.Duration
	nowFn  func() time.Time
}

func NewJobStore(client *redis.Client, ttl time.Duration) *JobStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JobStore{client: client, ttl: ttl, nowFn: time.Now}
}

// TTL is the expiry applied to every key of a job.
func (s *JobStore) TTL() time.Duration { return s.ttl }

// CreateJob writes the meta hash and the pending set in one MULTI/EXEC so
// no worker can observe a job without its bookkeeping.
func (s *JobStore) CreateJob(ctx context.Context, meta model.JobMeta, unitIDs []string) error {
	accounts, err := json.Marshal(meta.Accounts)
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	chains, err := json.Marshal(meta.Chains)
	if err != nil {
		return fmt.Errorf("marshal chains: %w", err)
	}

	fields := map[string]any{
		model.MetaExpectedTotal:  meta.ExpectedTotal,
		model.MetaSucceeded:      0,
		model.MetaFailed:         0,
		model.MetaTimedOut:       0,
		model.MetaProcessedCount: 0,
		model.MetaStatus:         string(meta.Status),
		model.MetaFinalEmitted:   strconv.FormatBool(meta.FinalEmitted),
		model.MetaAccounts:       string(accounts),
		model.MetaChains:         string(chains),
		model.MetaCreatedAt:      meta.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if meta.WalletGroupID != "" {
		fields[model.MetaWalletGroupID] = meta.WalletGroupID
	}
	if meta.CompletedAt != nil {
		fields[model.MetaCompletedAt] = meta.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey(meta.JobID), fields)
		pipe.Expire(ctx, metaKey(meta.JobID), s.ttl)
		if len(unitIDs) > 0 {
			members := make([]any, len(unitIDs))
			for i, id := range unitIDs {
				members[i] = id
			}
			pipe.SAdd(ctx, pendingKey(meta.JobID), members...)
			pipe.Expire(ctx, pendingKey(meta.JobID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create job %s: %w", meta.JobID, err)
	}
	return nil
}

// RecordTerminal stores a terminal result and resolves the unit exactly
// once. Replaying the same result never moves a counter twice.
func (s *JobStore) RecordTerminal(ctx context.Context, res model.IntegrationResult, elapsed time.Duration) (TerminalOutcome, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return TerminalOutcome{}, fmt.Errorf("marshal result: %w", err)
	}
	unitID := res.UnitID()
	keys := []string{
		metaKey(res.JobID),
		pendingKey(res.JobID),
		resultKey(res.JobID, unitID),
		durationsKey(res.JobID),
	}
	out, err := recordTerminalScript.Run(ctx, s.client, keys,
		unitID,
		string(body),
		int64(s.ttl/time.Second),
		res.Counter(),
		elapsed.Milliseconds(),
		s.nowFn().UTC().Format(time.RFC3339Nano),
	).Int64Slice()
	if err != nil {
		return TerminalOutcome{}, fmt.Errorf("record terminal %s/%s: %w", res.JobID, unitID, err)
	}
	if len(out) != 2 {
		return TerminalOutcome{}, fmt.Errorf("record terminal %s/%s: unexpected reply %v", res.JobID, unitID, out)
	}
	switch out[0] {
	case -1:
		return TerminalOutcome{}, fmt.Errorf("record terminal %s: %w", res.JobID, ErrNotFound)
	case 0:
		return TerminalOutcome{Duplicate: true}, nil
	}
	return TerminalOutcome{Final: out[1] == 1}, nil
}

// RecordDuration stores the elapsed time of a non-terminal attempt.
func (s *JobStore) RecordDuration(ctx context.Context, jobID, unitID string, elapsed time.Duration) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, durationsKey(jobID), unitID, elapsed.Milliseconds())
		pipe.Expire(ctx, durationsKey(jobID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record duration %s/%s: %w", jobID, unitID, err)
	}
	return nil
}

// GetMeta decodes job:<id>:meta.
func (s *JobStore) GetMeta(ctx context.Context, jobID string) (model.JobMeta, error) {
	fields, err := s.client.HGetAll(ctx, metaKey(jobID)).Result()
	if err != nil {
		return model.JobMeta{}, fmt.Errorf("get meta %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return model.JobMeta{}, ErrNotFound
	}
	return decodeMeta(jobID, fields)
}

func decodeMeta(jobID string, fields map[string]string) (model.JobMeta, error) {
	meta := model.JobMeta{
		JobID:         jobID,
		Status:        model.JobStatus(fields[model.MetaStatus]),
		FinalEmitted:  fields[model.MetaFinalEmitted] == "true",
		WalletGroupID: fields[model.MetaWalletGroupID],
	}
	ints := []struct {
		field string
		dst   *int
	}{
		{model.MetaExpectedTotal, &meta.ExpectedTotal},
		{model.MetaSucceeded, &meta.Succeeded},
		{model.MetaFailed, &meta.Failed},
		{model.MetaTimedOut, &meta.TimedOut},
		{model.MetaProcessedCount, &meta.ProcessedCount},
	}
	for _, f := range ints {
		raw, ok := fields[f.field]
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return model.JobMeta{}, fmt.Errorf("decode meta %s.%s: %w", jobID, f.field, err)
		}
		*f.dst = v
	}
	if raw := fields[model.MetaAccounts]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta.Accounts); err != nil {
			return model.JobMeta{}, fmt.Errorf("decode meta %s.accounts: %w", jobID, err)
		}
	}
	if raw := fields[model.MetaChains]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta.Chains); err != nil {
			return model.JobMeta{}, fmt.Errorf("decode meta %s.chains: %w", jobID, err)
		}
	}
	if raw := fields[model.MetaCreatedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return model.JobMeta{}, fmt.Errorf("decode meta %s.createdAt: %w", jobID, err)
		}
		meta.CreatedAt = t
	}
	if raw := fields[model.MetaCompletedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return model.JobMeta{}, fmt.Errorf("decode meta %s.completedAt: %w", jobID, err)
		}
		meta.CompletedAt = &t
	}
	return meta, nil
}

// PendingUnits lists unresolved unit ids.
func (s *JobStore) PendingUnits(ctx context.Context, jobID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, pendingKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pending units %s: %w", jobID, err)
	}
	return members, nil
}

// Results returns every stored terminal result of a job, keyed by unit id.
func (s *JobStore) Results(ctx context.Context, jobID string) (map[string]model.IntegrationResult, error) {
	prefix := resultPrefix(jobID)
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan results %s: %w", jobID, err)
	}

	out := make(map[string]model.IntegrationResult, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load results %s: %w", jobID, err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var res model.IntegrationResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", keys[i], err)
		}
		out[keys[i][len(prefix):]] = res
	}
	return out, nil
}

// Durations returns the per-unit elapsed milliseconds.
func (s *JobStore) Durations(ctx context.Context, jobID string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, durationsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("durations %s: %w", jobID, err)
	}
	out := make(map[string]int64, len(raw))
	for unit, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[unit] = ms
	}
	return out, nil
}

// PutBlob stores a precomputed aggregate.
func (s *JobStore) PutBlob(ctx context.Context, jobID string, kind BlobKind, body []byte) error {
	key, err := blobKey(jobID, kind)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, body, s.ttl).Err(); err != nil {
		return fmt.Errorf("put %s %s: %w", kind, jobID, err)
	}
	return nil
}

// GetBlob returns the aggregate or nil if none has been written.
func (s *JobStore) GetBlob(ctx context.Context, jobID string, kind BlobKind) ([]byte, error) {
	key, err := blobKey(jobID, kind)
	if err != nil {
		return nil, err
	}
	body, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, jobID, err)
	}
	return body, nil
}

func blobKey(jobID string, kind BlobKind) (string, error) {
	switch kind {
	case BlobSummary:
		return summaryKey(jobID), nil
	case BlobWallet:
		return walletKey(jobID), nil
	}
	return "", fmt.Errorf("unknown blob kind %q", kind)
}

// SetActive points an active-job index key at jobID.
func (s *JobStore) SetActive(ctx context.Context, key, jobID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, jobID, ttl).Err(); err != nil {
		return fmt.Errorf("set active %s: %w", key, err)
	}
	return nil
}

// GetActive returns the job id behind an active-job index key, or "".
func (s *JobStore) GetActive(ctx context.Context, key string) (string, error) {
	return s.getString(ctx, key)
}

// SetAccountLatest records jobID as the latest job covering each account.
func (s *JobStore) SetAccountLatest(ctx context.Context, accounts []string, jobID string) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range accounts {
			pipe.Set(ctx, accountLatestKey(a), jobID, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set account index: %w", err)
	}
	return nil
}

// GetAccountLatest returns the latest job id for an account, or "".
func (s *JobStore) GetAccountLatest(ctx context.Context, account string) (string, error) {
	return s.getString(ctx, accountLatestKey(account))
}

func (s *JobStore) getString(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}
