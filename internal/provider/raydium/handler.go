// Package raydium values Raydium CLMM positions on Solana. Positions are
// listed by the Raydium API; amounts are recomputed locally from liquidity
// and the pool sqrt price with fixed-scale decimal math.
package raydium

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"

	"github.com/emperorhan/position-aggregator/internal/clmath"
	"github.com/emperorhan/position-aggregator/internal/clmath/bigdec"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/emperorhan/position-aggregator/internal/pricing"
	"github.com/emperorhan/position-aggregator/internal/provider"
	"github.com/emperorhan/position-aggregator/internal/provider/restapi"
)

type positionsResponse struct {
	Success bool          `json:"success"`
	Data    []apiPosition `json:"data"`
}

type apiPosition struct {
	NFTMint        string  `json:"nftMint"`
	PoolID         string  `json:"poolId"`
	TickLower      int     `json:"tickLower"`
	TickUpper      int     `json:"tickUpper"`
	Liquidity      string  `json:"liquidity"`
	TokenFeesOwedA string  `json:"tokenFeesOwedA"`
	TokenFeesOwedB string  `json:"tokenFeesOwedB"`
	Pool           apiPool `json:"pool"`
}

type apiPool struct {
	TickCurrent  int     `json:"tickCurrent"`
	SqrtPriceX64 string  `json:"sqrtPriceX64"`
	MintA        apiMint `json:"mintA"`
	MintB        apiMint `json:"mintB"`
}

type apiMint struct {
	Address  string  `json:"address"`
	Symbol   string  `json:"symbol"`
	Decimals int     `json:"decimals"`
	PriceUSD float64 `json:"priceUsd"`
}

type Config struct {
	Client *restapi.Client
	Prices *pricing.Pipeline
	Logger *slog.Logger
}

type Handler struct {
	client *restapi.Client
	prices *pricing.Pipeline
	logger *slog.Logger
}

func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prices := cfg.Prices
	if prices == nil {
		prices = pricing.NewPipeline(logger, pricing.DefaultStaticTable())
	}
	return &Handler{
		client: cfg.Client,
		prices: prices,
		logger: logger.With("component", "raydium"),
	}
}

func (h *Handler) Provider() model.Provider { return model.ProviderRaydiumCLMM }

func (h *Handler) Execute(ctx context.Context, req model.IntegrationRequest) (model.ProviderPayload, error) {
	chain := req.Chain()
	if chain != model.ChainSolana {
		return model.ProviderPayload{}, provider.UnsupportedChain(model.ProviderRaydiumCLMM, chain)
	}
	if err := restapi.ValidateAccount(chain, req.Account); err != nil {
		return model.ProviderPayload{}, err
	}

	var resp positionsResponse
	if err := h.client.GetJSON(ctx, "/positions/clmm", url.Values{"owner": {req.Account}}, &resp); err != nil {
		return model.ProviderPayload{}, fmt.Errorf("raydium positions: %w", err)
	}

	payload := model.ProviderPayload{Positions: make([]model.Position, 0, len(resp.Data))}
	for _, p := range resp.Data {
		pos, ok, err := h.value(ctx, p)
		if err != nil {
			// One malformed position does not sink the wallet.
			h.logger.Warn("position skipped", "job_id", req.JobID, "nft_mint", p.NFTMint, "error", err)
			continue
		}
		if ok {
			payload.Positions = append(payload.Positions, pos)
		}
	}
	return payload, nil
}

func (h *Handler) value(ctx context.Context, p apiPosition) (model.Position, bool, error) {
	liquidity, ok := new(big.Int).SetString(p.Liquidity, 10)
	if !ok || liquidity.Sign() < 0 {
		return model.Position{}, false, fmt.Errorf("bad liquidity %q", p.Liquidity)
	}
	feesA := parseAmount(p.TokenFeesOwedA)
	feesB := parseAmount(p.TokenFeesOwedB)
	if liquidity.Sign() == 0 && feesA.Sign() == 0 && feesB.Sign() == 0 {
		return model.Position{}, false, nil
	}

	sqrtPrice, err := h.sqrtPrice(p.Pool)
	if err != nil {
		return model.Position{}, false, err
	}
	amounts, err := AmountsForPosition(liquidity, p.TickLower, p.TickUpper, sqrtPrice)
	if err != nil {
		return model.Position{}, false, err
	}

	mintA, mintB := p.Pool.MintA, p.Pool.MintB
	ratio := SqrtPriceToPrice(sqrtPrice, mintA.Decimals, mintB.Decimals).Float64()
	priceA := h.unitPrice(ctx, mintA, mintB, ratio)
	var inverse float64
	if ratio > 0 {
		inverse = 1 / ratio
	}
	priceB := h.unitPrice(ctx, mintB, mintA, inverse)

	out := model.Position{
		Label:    fmt.Sprintf("%s/%s CLMM #%s", symbol(mintA), symbol(mintB), shortMint(p.NFTMint)),
		Protocol: model.ProviderRaydiumCLMM,
		Chain:    model.ChainSolana,
	}
	add := func(typ model.TokenType, mint apiMint, amount *big.Int, price float64, field string) {
		safe, clamped := clmath.ClampUint256(amount)
		if clamped {
			metrics.ClampedValues.WithLabelValues(field).Inc()
		}
		if typ == model.TokenTypeUncollectedFee && safe.Sign() == 0 {
			return
		}
		out.Tokens = append(out.Tokens, model.NewToken(typ, model.ChainSolana, symbol(mint), mint.Address, mint.Decimals, safe, price))
	}
	add(model.TokenTypeSupplied, mintA, amounts.Amount0, priceA, "amount0")
	add(model.TokenTypeSupplied, mintB, amounts.Amount1, priceB, "amount1")
	add(model.TokenTypeUncollectedFee, mintA, feesA, priceA, "fees0")
	add(model.TokenTypeUncollectedFee, mintB, feesB, priceB, "fees1")
	return out, true, nil
}

// sqrtPrice prefers the pool's Q64.64 value and falls back to the current
// tick.
func (h *Handler) sqrtPrice(pool apiPool) (bigdec.Decimal, error) {
	if raw, ok := new(big.Int).SetString(pool.SqrtPriceX64, 10); ok && raw.Sign() > 0 {
		return SqrtPriceFromX64(raw)
	}
	return TickToSqrtPrice(pool.TickCurrent)
}

// unitPrice uses the API quote when present, otherwise the resolver
// pipeline with the pool rate against the other mint.
func (h *Handler) unitPrice(ctx context.Context, mint, counter apiMint, ratio float64) float64 {
	if mint.PriceUSD > 0 {
		metrics.PriceResolutions.WithLabelValues("raydium_api").Inc()
		return mint.PriceUSD
	}
	q := pricing.Query{Chain: model.ChainSolana, Address: mint.Address, Symbol: mint.Symbol}
	if ratio > 0 {
		q.Counter = &pricing.Counterpart{Address: counter.Address, Symbol: counter.Symbol, Ratio: ratio}
	}
	price, _ := h.prices.Resolve(ctx, q)
	return price
}

func parseAmount(raw string) *big.Int {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}

func symbol(m apiMint) string {
	if m.Symbol != "" {
		return m.Symbol
	}
	return shortMint(m.Address)
}

func shortMint(mint string) string {
	if len(mint) <= 8 {
		return mint
	}
	return mint[:4] + "…" + mint[len(mint)-4:]
}
