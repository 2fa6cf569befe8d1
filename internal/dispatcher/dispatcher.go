// Package dispatcher splits a job request into one work unit per
// (account, chain, provider) and publishes them to the broker.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/emperorhan/position-aggregator/internal/provider"
	redisstore "github.com/emperorhan/position-aggregator/internal/store/redis"
	"github.com/emperorhan/position-aggregator/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
)

const defaultActiveTTL = 10 * time.Minute

var (
	ErrNoAccounts = errors.New("at least one account is required")
	ErrNoChains   = errors.New("at least one chain is required")
	// ErrPartialDispatch is returned with a valid job id when some units
	// were not published. Those units stay pending until the job expires.
	ErrPartialDispatch = errors.New("partial dispatch")
)

// Store is the write side of the job store used at dispatch time.
type Store interface {
	CreateJob(ctx context.Context, meta model.JobMeta, unitIDs []string) error
	GetMeta(ctx context.Context, jobID string) (model.JobMeta, error)
	SetActive(ctx context.Context, key, jobID string, ttl time.Duration) error
	GetActive(ctx context.Context, key string) (string, error)
	SetAccountLatest(ctx context.Context, accounts []string, jobID string) error
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Providers answers which providers serve a chain.
type Providers interface {
	EligibleProviders(chain model.Chain) []model.Provider
	Spec(p model.Provider) (provider.Spec, bool)
}

type Dispatcher struct {
	store     Store
	pub       Publisher
	providers Providers
	activeTTL time.Duration
	logger    *slog.Logger

	nowFn func() time.Time
	newID func() string
}

type Option func(*Dispatcher)

// WithActiveTTL bounds how long a job can be reused by DispatchOrReuse.
func WithActiveTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.activeTTL = ttl
		}
	}
}

func New(store Store, pub Publisher, providers Providers, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:     store,
		pub:       pub,
		providers: providers,
		activeTTL: defaultActiveTTL,
		logger:    logger.With("component", "dispatcher"),
		nowFn:     time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch creates a job and publishes its units. The job meta and pending
// set are written before the first publish. On ErrPartialDispatch the
// returned job id is valid.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.JobRequest) (jobID string, err error) {
	req, err = d.normalize(req)
	if err != nil {
		return "", err
	}

	ctx, span := tracing.Tracer("dispatcher").Start(ctx, "dispatcher.dispatch",
		otelTrace.WithAttributes(
			attribute.String("job.id", req.JobID),
			attribute.Int("accounts", len(req.Accounts)),
			attribute.Int("chains", len(req.Chains)),
		),
	)
	defer func() { tracing.End(span, err) }()

	units := d.plan(req)
	unitIDs := make([]string, len(units))
	for i, u := range units {
		unitIDs[i] = u.UnitID()
	}

	meta := model.JobMeta{
		JobID:         req.JobID,
		ExpectedTotal: len(units),
		Status:        model.JobStatusRunning,
		Accounts:      req.Accounts,
		Chains:        req.Chains,
		CreatedAt:     req.CreatedAt,
		WalletGroupID: req.WalletGroupID,
	}
	if len(units) == 0 {
		completed := req.CreatedAt
		meta.Status = model.JobStatusCompleted
		meta.FinalEmitted = true
		meta.CompletedAt = &completed
	}
	if err := d.store.CreateJob(ctx, meta, unitIDs); err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	if err := d.store.SetAccountLatest(ctx, req.Accounts, req.JobID); err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	if len(units) > 0 {
		if err := d.store.SetActive(ctx, activeKey(req), req.JobID, d.activeTTL); err != nil {
			d.logger.Warn("set active index failed", "job_id", req.JobID, "error", err)
		}
	}
	metrics.DispatchJobsCreated.WithLabelValues("false").Inc()

	failed := d.publish(ctx, units)
	log := d.logger.With("job_id", req.JobID)
	if failed > 0 {
		log.Error("job partially dispatched", "units", len(units), "unpublished", failed)
		return req.JobID, fmt.Errorf("%w: %d of %d units unpublished", ErrPartialDispatch, failed, len(units))
	}
	log.Info("job dispatched",
		"units", len(units),
		"accounts", len(req.Accounts),
		"chains", len(req.Chains),
	)
	return req.JobID, nil
}

// DispatchOrReuse returns the live job for the same accounts and chains (or
// the same wallet group and chains) when one is still running, and
// dispatches a new job otherwise.
func (d *Dispatcher) DispatchOrReuse(ctx context.Context, req model.JobRequest) (jobID string, reused bool, err error) {
	req, err = d.normalize(req)
	if err != nil {
		return "", false, err
	}

	key := activeKey(req)
	if existing, err := d.store.GetActive(ctx, key); err != nil {
		d.logger.Warn("active index lookup failed", "key", key, "error", err)
	} else if existing != "" {
		meta, err := d.store.GetMeta(ctx, existing)
		switch {
		case err == nil && meta.Status == model.JobStatusRunning:
			metrics.DispatchJobsCreated.WithLabelValues("true").Inc()
			d.logger.Info("reusing active job", "job_id", existing)
			return existing, true, nil
		case err != nil && !errors.Is(err, redisstore.ErrNotFound):
			d.logger.Warn("active job lookup failed", "job_id", existing, "error", err)
		}
	}

	jobID, err = d.Dispatch(ctx, req)
	return jobID, false, err
}

func (d *Dispatcher) normalize(req model.JobRequest) (model.JobRequest, error) {
	req.Accounts = dedupe(req.Accounts, model.NormalizeAccount)
	if len(req.Accounts) == 0 {
		return req, ErrNoAccounts
	}
	req.Chains = dedupe(req.Chains, func(c model.Chain) model.Chain {
		return model.Chain(strings.ToLower(strings.TrimSpace(string(c))))
	})
	if len(req.Chains) == 0 {
		return req, ErrNoChains
	}
	if req.JobID == "" {
		req.JobID = d.newID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = d.nowFn().UTC()
	}
	return req, nil
}

// plan builds one attempt-1 request per account, chain and eligible provider.
func (d *Dispatcher) plan(req model.JobRequest) []model.IntegrationRequest {
	var units []model.IntegrationRequest
	for _, account := range req.Accounts {
		for _, chain := range req.Chains {
			for _, p := range d.providers.EligibleProviders(chain) {
				u := model.IntegrationRequest{
					JobID:       req.JobID,
					RequestID:   d.newID(),
					Account:     account,
					Chains:      []model.Chain{chain},
					Provider:    p,
					Attempt:     1,
					RequestedAt: req.CreatedAt,
				}
				if spec, ok := d.providers.Spec(p); ok {
					u.OperationTimeout = spec.OperationTimeout
				}
				if req.WalletGroupID != "" {
					u.Metadata = map[string]string{"walletGroupId": req.WalletGroupID}
				}
				units = append(units, u)
			}
		}
	}
	return units
}

// publish sends every unit and returns how many failed. A failure does not
// stop the remaining publishes.
func (d *Dispatcher) publish(ctx context.Context, units []model.IntegrationRequest) int {
	failed := 0
	for _, u := range units {
		slug := u.Provider.Slug()
		body, err := json.Marshal(u)
		if err == nil {
			err = d.pub.Publish(ctx, model.RequestRoutingKey(u.Provider), body)
		}
		if err != nil {
			failed++
			metrics.DispatchPublishErrors.WithLabelValues(slug).Inc()
			d.logger.Warn("publish unit failed", "job_id", u.JobID, "unit_id", u.UnitID(), "error", err)
			continue
		}
		metrics.DispatchUnitsPublished.WithLabelValues(slug).Inc()
	}
	return failed
}

func activeKey(req model.JobRequest) string {
	if req.WalletGroupID != "" {
		return redisstore.ActiveGroupKey(req.WalletGroupID, req.Chains)
	}
	return redisstore.ActiveKey(req.Accounts, req.Chains)
}

func dedupe[T comparable](in []T, norm func(T) T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		v = norm(v)
		var zero T
		if v == zero {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
