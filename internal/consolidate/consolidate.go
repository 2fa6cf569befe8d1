// Package consolidate builds the per-job aggregate blobs once every unit of
// a job has resolved.
package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	redisstore "github.com/emperorhan/position-aggregator/internal/store/redis"
	"github.com/emperorhan/position-aggregator/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
)

// Store is the part of the job store the consolidator reads and writes.
type Store interface {
	GetMeta(ctx context.Context, jobID string) (model.JobMeta, error)
	Results(ctx context.Context, jobID string) (map[string]model.IntegrationResult, error)
	PutBlob(ctx context.Context, jobID string, kind redisstore.BlobKind, body []byte) error
}

type Consolidator struct {
	store  Store
	logger *slog.Logger
	nowFn  func() time.Time
}

func New(store Store, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		store:  store,
		logger: logger.With("component", "consolidate"),
		nowFn:  time.Now,
	}
}

// Consolidate merges the successful payloads of jobID, writes the wallet
// and summary blobs and returns the summary.
func (c *Consolidator) Consolidate(ctx context.Context, jobID string) (summary model.WalletSummary, err error) {
	ctx, span := tracing.Tracer("consolidate").Start(ctx, "consolidate.job",
		otelTrace.WithAttributes(attribute.String("job.id", jobID)),
	)
	defer func() { tracing.End(span, err) }()

	meta, err := c.store.GetMeta(ctx, jobID)
	if err != nil {
		return model.WalletSummary{}, fmt.Errorf("consolidate %s: %w", jobID, err)
	}
	results, err := c.store.Results(ctx, jobID)
	if err != nil {
		return model.WalletSummary{}, fmt.Errorf("consolidate %s: %w", jobID, err)
	}

	positions, skipped := Collect(results)
	if len(skipped) > 0 {
		c.logger.Warn("skipping undecodable payloads", "job_id", jobID, "units", skipped)
	}
	items := Merge(positions)
	summary = Summarize(jobID, meta, items)
	wallet := model.ConsolidatedWallet{JobID: jobID, Items: items, GeneratedAt: c.nowFn().UTC()}

	if err := c.put(ctx, jobID, redisstore.BlobWallet, wallet); err != nil {
		return model.WalletSummary{}, err
	}
	if err := c.put(ctx, jobID, redisstore.BlobSummary, summary); err != nil {
		return model.WalletSummary{}, err
	}
	c.logger.Debug("job consolidated", "job_id", jobID, "positions", len(items), "total_usd", summary.TotalUSD)
	return summary, nil
}

func (c *Consolidator) put(ctx context.Context, jobID string, kind redisstore.BlobKind, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s blob: %w", kind, err)
	}
	return c.store.PutBlob(ctx, jobID, kind, body)
}

// Collect decodes the payload of every successful result in unit order,
// filling in protocol and chain from the result when a position omits
// them. Units whose payload does not decode are returned in skipped.
func Collect(results map[string]model.IntegrationResult) (positions []model.Position, skipped []string) {
	units := make([]string, 0, len(results))
	for unit := range results {
		units = append(units, unit)
	}
	sort.Strings(units)

	for _, unit := range units {
		res := results[unit]
		if res.Status != model.ResultSuccess || len(res.Payload) == 0 {
			continue
		}
		var payload model.ProviderPayload
		if err := json.Unmarshal(res.Payload, &payload); err != nil {
			skipped = append(skipped, unit)
			continue
		}
		for _, p := range payload.Positions {
			if p.Protocol == "" {
				p.Protocol = res.Provider
			}
			if p.Chain == "" {
				p.Chain = res.Chain()
			}
			positions = append(positions, p)
		}
	}
	return positions, skipped
}

type positionKey struct {
	protocol model.Provider
	chain    model.Chain
	label    string
}

type tokenKey struct {
	typ      model.TokenType
	contract string
	symbol   string
}

// Merge folds positions sharing protocol, chain and label into one, and
// within it sums tokens sharing type, contract and symbol. Output is ordered
// by descending USD value, then label.
func Merge(positions []model.Position) []model.Position {
	index := make(map[positionKey]int)
	var merged []model.Position
	for _, p := range positions {
		key := positionKey{protocol: p.Protocol, chain: p.Chain, label: p.Label}
		i, ok := index[key]
		if !ok {
			index[key] = len(merged)
			p.Tokens = append([]model.Token(nil), p.Tokens...)
			merged = append(merged, p)
			continue
		}
		merged[i].Tokens = append(merged[i].Tokens, p.Tokens...)
	}
	for i := range merged {
		merged[i].Tokens = mergeTokens(merged[i].Tokens)
	}

	sort.SliceStable(merged, func(a, b int) bool {
		ta, tb := merged[a].TotalUSD(), merged[b].TotalUSD()
		if ta != tb {
			return ta > tb
		}
		return merged[a].Label < merged[b].Label
	})
	return merged
}

func mergeTokens(tokens []model.Token) []model.Token {
	index := make(map[tokenKey]int)
	out := make([]model.Token, 0, len(tokens))
	for _, t := range tokens {
		key := tokenKey{typ: t.Type, contract: t.ContractAddress, symbol: t.Symbol}
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, t)
			continue
		}
		out[i] = addTokens(out[i], t)
	}
	return out
}

// addTokens sums two entries of the same token. Raw amounts are added
// exactly; when either raw amount is unparseable only the USD value is summed.
func addTokens(a, b model.Token) model.Token {
	ra, okA := new(big.Int).SetString(a.RawAmount, 10)
	rb, okB := new(big.Int).SetString(b.RawAmount, 10)
	if !okA || !okB || a.Decimals != b.Decimals {
		a.TotalPriceUSD += b.TotalPriceUSD
		return a
	}
	price := a.UnitPriceUSD
	if price <= 0 {
		price = b.UnitPriceUSD
	}
	sum := model.NewToken(a.Type, a.Chain, a.Symbol, a.ContractAddress, a.Decimals, ra.Add(ra, rb), price)
	if price <= 0 {
		sum.TotalPriceUSD = a.TotalPriceUSD + b.TotalPriceUSD
	}
	return sum
}

// Summarize computes the job:<id>:summary blob.
func Summarize(jobID string, meta model.JobMeta, items []model.Position) model.WalletSummary {
	s := model.WalletSummary{
		JobID:         jobID,
		ByProvider:    make(map[model.Provider]float64),
		ByChain:       make(map[model.Chain]float64),
		PositionCount: len(items),
		Succeeded:     meta.Succeeded,
		Failed:        meta.Failed,
		TimedOut:      meta.TimedOut,
	}
	for _, p := range items {
		v := p.TotalUSD()
		s.TotalUSD += v
		s.ByProvider[p.Protocol] += v
		s.ByChain[p.Chain] += v
	}
	return s
}
