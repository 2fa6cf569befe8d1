// Package pricing resolves USD unit prices through an ordered list of
// strategies. Each strategy either answers or declines; the first answer wins.
package pricing

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/metrics"
)

// Query describes the token being priced plus whatever market context the
// caller has on hand.
type Query struct {
	Chain   model.Chain
	Address string
	Symbol  string

	// DerivedNative is the token price in units of the chain's native asset,
	// zero when unknown.
	DerivedNative float64

	// Counter is the other side of a pool the token trades in, if any.
	Counter *Counterpart
}

// Counterpart carries the pool's exchange rate: one queried token is worth
// Ratio counter tokens.
type Counterpart struct {
	Address string
	Symbol  string
	Ratio   float64
}

type Resolver interface {
	Name() string
	// Resolve returns ok=false when the resolver has no opinion.
	Resolve(ctx context.Context, q Query) (price float64, ok bool, err error)
}

type Pipeline struct {
	resolvers []Resolver
	logger    *slog.Logger
}

func NewPipeline(logger *slog.Logger, resolvers ...Resolver) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{resolvers: resolvers, logger: logger.With("component", "pricing")}
}

// Resolve walks the resolvers in order. Errors are logged and treated as
// no opinion. A token nobody can price resolves to zero with source "none".
func (p *Pipeline) Resolve(ctx context.Context, q Query) (float64, string) {
	for _, r := range p.resolvers {
		price, ok, err := r.Resolve(ctx, q)
		if err != nil {
			p.logger.Debug("resolver failed", "resolver", r.Name(), "chain", q.Chain, "token", q.Address, "error", err)
			continue
		}
		if !ok || !validPrice(price) {
			continue
		}
		metrics.PriceResolutions.WithLabelValues(r.Name()).Inc()
		return price, r.Name()
	}
	metrics.PriceResolutions.WithLabelValues("none").Inc()
	return 0, "none"
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// NativeDerived prices a token from its native-denominated price and the
// native asset's USD price.
type NativeDerived struct {
	Native Resolver
}

func (NativeDerived) Name() string { return "native_derived" }

func (n NativeDerived) Resolve(ctx context.Context, q Query) (float64, bool, error) {
	if q.DerivedNative <= 0 || n.Native == nil {
		return 0, false, nil
	}
	nativeUSD, ok, err := n.Native.Resolve(ctx, Query{Chain: q.Chain, Symbol: q.Chain.NativeSymbol()})
	if err != nil || !ok {
		return 0, false, err
	}
	return q.DerivedNative * nativeUSD, true, nil
}

// PoolRatio prices a token through the pool counterpart's price.
type PoolRatio struct {
	Base Resolver
}

func (PoolRatio) Name() string { return "pool_ratio" }

func (r PoolRatio) Resolve(ctx context.Context, q Query) (float64, bool, error) {
	if q.Counter == nil || q.Counter.Ratio <= 0 || r.Base == nil {
		return 0, false, nil
	}
	counterUSD, ok, err := r.Base.Resolve(ctx, Query{Chain: q.Chain, Address: q.Counter.Address, Symbol: q.Counter.Symbol})
	if err != nil || !ok {
		return 0, false, err
	}
	return q.Counter.Ratio * counterUSD, true, nil
}

func normalizeAddress(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
