// Package uniswapv3 reads concentrated-liquidity NFT positions straight from
// chain and values them with exact on-chain math.
package uniswapv3

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/emperorhan/position-aggregator/internal/cache"
	"github.com/emperorhan/position-aggregator/internal/clmath"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/granular"
	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/emperorhan/position-aggregator/internal/pricing"
	"github.com/emperorhan/position-aggregator/internal/provider"
	"github.com/ethereum/go-ethereum/common"
)

const defaultDecimals = 18

// GranularPositionResult accumulates everything fetched and computed for a
// single position while a unit is processed.
type GranularPositionResult struct {
	TokenID   string
	Position  *PositionData
	Token0    *TokenMetadata
	Token1    *TokenMetadata
	Pool      *PoolMetadata
	State     *PoolState
	Range     *RangeInfo
	LowerTick *clmath.TickFeeInfo
	UpperTick *clmath.TickFeeInfo

	Amount0 *big.Int
	Amount1 *big.Int
	Branch  clmath.Branch
	Fees0   *big.Int
	Fees1   *big.Int

	OperationsAttempted  int64
	OperationsSuccessful int64
}

// RangeInfo is a position's price range as Q64.96 sqrt ratios.
type RangeInfo struct {
	SqrtLowerX96 *big.Int
	SqrtUpperX96 *big.Int
}

// IsValid requires the mandatory position fetch plus at least one
// successful operation.
func (r GranularPositionResult) IsValid() bool {
	return r.Position != nil && r.OperationsSuccessful > 0
}

type Config struct {
	Readers    map[model.Chain]ChainReader
	Engine     *granular.Engine
	Prices     *pricing.Pipeline
	TokenCache map[model.Chain]*cache.Tiered[TokenMetadata]
	Logger     *slog.Logger
}

type Handler struct {
	readers    map[model.Chain]ChainReader
	engine     *granular.Engine
	prices     *pricing.Pipeline
	tokenCache map[model.Chain]*cache.Tiered[TokenMetadata]
	logger     *slog.Logger
}

func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine := cfg.Engine
	if engine == nil {
		engine = granular.New(granular.Config{}, logger)
	}
	prices := cfg.Prices
	if prices == nil {
		prices = pricing.NewPipeline(logger, pricing.DefaultStaticTable())
	}
	return &Handler{
		readers:    cfg.Readers,
		engine:     engine,
		prices:     prices,
		tokenCache: cfg.TokenCache,
		logger:     logger.With("component", "uniswapv3"),
	}
}

func (h *Handler) Provider() model.Provider { return model.ProviderUniswapV3 }

func (h *Handler) Execute(ctx context.Context, req model.IntegrationRequest) (model.ProviderPayload, error) {
	chain := req.Chain()
	reader, ok := h.readers[chain]
	if !ok {
		return model.ProviderPayload{}, provider.UnsupportedChain(model.ProviderUniswapV3, chain)
	}
	if !common.IsHexAddress(req.Account) {
		return model.ProviderPayload{}, provider.InvalidAccount(req.Account)
	}
	owner := common.HexToAddress(req.Account)

	enumerate := func(ctx context.Context) ([]string, error) {
		ids, err := reader.PositionIDs(ctx, owner)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = id.String()
		}
		return out, nil
	}
	process := func(ctx context.Context, id string, ops *granular.Ops) (*GranularPositionResult, error) {
		return h.processPosition(ctx, chain, reader, id, ops)
	}

	outcome, err := granular.Run(ctx, h.engine, enumerate, process)
	metrics.GranularSuccessRate.WithLabelValues(model.ProviderUniswapV3.Slug(), chain.String()).Observe(outcome.Stats.SuccessRate)
	stats := outcome.Stats
	if err != nil {
		return model.ProviderPayload{Stats: &stats}, err
	}

	payload := model.ProviderPayload{Stats: &stats}
	for _, item := range outcome.Items {
		if !item.Valid || item.Value == nil {
			continue
		}
		res := item.Value
		res.OperationsAttempted = item.Attempted
		res.OperationsSuccessful = item.Successful
		if pos, ok := h.toPosition(ctx, chain, res); ok {
			payload.Positions = append(payload.Positions, pos)
		}
	}
	h.logger.Debug("positions resolved",
		"job_id", req.JobID, "chain", chain, "account", req.Account,
		"positions", stats.Positions, "valid", stats.ValidPositions, "success_rate", stats.SuccessRate)
	return payload, nil
}

func (h *Handler) processPosition(ctx context.Context, chain model.Chain, reader ChainReader, id string, ops *granular.Ops) (*GranularPositionResult, error) {
	res := &GranularPositionResult{TokenID: id}
	tokenID, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return res, fmt.Errorf("%w: bad token id %q", granular.ErrMandatory, id)
	}

	err := ops.Do(ctx, "position", func(ctx context.Context) error {
		pos, err := reader.Position(ctx, tokenID)
		if err != nil {
			return err
		}
		res.Position = &pos
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("%w: %v", granular.ErrMandatory, err)
	}
	pos := res.Position

	ops.Optional(ctx, map[string]func(context.Context) error{
		"token0_metadata": func(ctx context.Context) error {
			m, err := h.tokenMetadata(ctx, chain, reader, pos.Token0)
			if err == nil {
				res.Token0 = &m
			}
			return err
		},
		"token1_metadata": func(ctx context.Context) error {
			m, err := h.tokenMetadata(ctx, chain, reader, pos.Token1)
			if err == nil {
				res.Token1 = &m
			}
			return err
		},
		"pool_metadata": func(ctx context.Context) error {
			m, err := reader.PoolMetadata(ctx, pos.Pool)
			if err == nil {
				res.Pool = &m
			}
			return err
		},
		"pool_state": func(ctx context.Context) error {
			s, err := reader.PoolState(ctx, pos.Pool)
			if err == nil {
				res.State = &s
			}
			return err
		},
		"range_info": func(context.Context) error {
			r, err := rangeInfo(pos.TickLower, pos.TickUpper)
			if err == nil {
				res.Range = &r
			}
			return err
		},
		"tick_range": func(ctx context.Context) error {
			lower, err := reader.TickInfo(ctx, pos.Pool, pos.TickLower)
			if err != nil {
				return fmt.Errorf("lower tick: %w", err)
			}
			upper, err := reader.TickInfo(ctx, pos.Pool, pos.TickUpper)
			if err != nil {
				return fmt.Errorf("upper tick: %w", err)
			}
			res.LowerTick, res.UpperTick = &lower, &upper
			return nil
		},
	})

	h.compute(res)
	return res, nil
}

func rangeInfo(tickLower, tickUpper int) (RangeInfo, error) {
	if tickLower >= tickUpper {
		return RangeInfo{}, clmath.ErrInvalidRange
	}
	lower, err := clmath.SqrtRatioAtTick(tickLower)
	if err != nil {
		return RangeInfo{}, err
	}
	upper, err := clmath.SqrtRatioAtTick(tickUpper)
	if err != nil {
		return RangeInfo{}, err
	}
	return RangeInfo{SqrtLowerX96: lower, SqrtUpperX96: upper}, nil
}

// compute fills amounts and fees. Without pool state the amounts use the
// range midpoint, and without range info they stay zero. Without the tick
// snapshots the fees fall back to the position's tokens-owed.
func (h *Handler) compute(res *GranularPositionResult) {
	pos := res.Position
	var sqrtPrice *big.Int
	if res.State != nil && res.State.SqrtPriceX96 != nil && res.State.SqrtPriceX96.Sign() > 0 {
		sqrtPrice = res.State.SqrtPriceX96
	} else {
		mid, err := clmath.SqrtPriceX96FromTick(clmath.MidpointTick(pos.TickLower, pos.TickUpper))
		if err == nil {
			sqrtPrice = mid
		}
	}

	res.Amount0, res.Amount1 = new(big.Int), new(big.Int)
	switch {
	case res.Range == nil:
		h.logger.Warn("amounts skipped, no range info", "token_id", res.TokenID)
	case sqrtPrice != nil && pos.Liquidity != nil:
		amounts := clmath.AmountsForLiquidity(pos.Liquidity, sqrtPrice, res.Range.SqrtLowerX96, res.Range.SqrtUpperX96)
		res.Amount0, res.Amount1, res.Branch = amounts.Amount0, amounts.Amount1, amounts.Branch
	}

	if res.State != nil && res.LowerTick != nil && res.UpperTick != nil {
		fees := clmath.UncollectedFees(clmath.PositionFeeState{
			Liquidity:                pos.Liquidity,
			TickLower:                pos.TickLower,
			TickUpper:                pos.TickUpper,
			FeeGrowthInside0LastX128: pos.FeeGrowthInside0LastX128,
			FeeGrowthInside1LastX128: pos.FeeGrowthInside1LastX128,
			TokensOwed0:              pos.TokensOwed0,
			TokensOwed1:              pos.TokensOwed1,
		}, clmath.PoolFeeState{
			CurrentTick:          res.State.Tick,
			FeeGrowthGlobal0X128: res.State.FeeGrowthGlobal0X128,
			FeeGrowthGlobal1X128: res.State.FeeGrowthGlobal1X128,
			Lower:                *res.LowerTick,
			Upper:                *res.UpperTick,
		})
		res.Fees0, res.Fees1 = fees.Fees0, fees.Fees1
		return
	}
	res.Fees0, res.Fees1 = orZero(pos.TokensOwed0), orZero(pos.TokensOwed1)
}

func (h *Handler) toPosition(ctx context.Context, chain model.Chain, res *GranularPositionResult) (model.Position, bool) {
	pos := res.Position
	if isZero(pos.Liquidity) && isZero(res.Fees0) && isZero(res.Fees1) {
		return model.Position{}, false
	}
	t0 := describe(res.Token0, pos.Token0)
	t1 := describe(res.Token1, pos.Token1)

	price0, price1 := h.unitPrices(ctx, chain, res, t0, t1)

	out := model.Position{
		Label:    fmt.Sprintf("%s/%s %s #%s", t0.Symbol, t1.Symbol, feeLabel(pos.Fee), res.TokenID),
		Protocol: model.ProviderUniswapV3,
		Chain:    chain,
	}
	add := func(typ model.TokenType, meta TokenMetadata, amount *big.Int, price float64, field string) {
		safe, clamped := clmath.ClampUint256(amount)
		if clamped {
			metrics.ClampedValues.WithLabelValues(field).Inc()
			h.logger.Warn("amount clamped", "token_id", res.TokenID, "field", field)
		}
		if typ == model.TokenTypeUncollectedFee && safe.Sign() == 0 {
			return
		}
		out.Tokens = append(out.Tokens, model.NewToken(typ, chain, meta.Symbol, meta.Address, int(meta.Decimals), safe, price))
	}
	add(model.TokenTypeSupplied, t0, res.Amount0, price0, "amount0")
	add(model.TokenTypeSupplied, t1, res.Amount1, price1, "amount1")
	add(model.TokenTypeUncollectedFee, t0, res.Fees0, price0, "fees0")
	add(model.TokenTypeUncollectedFee, t1, res.Fees1, price1, "fees1")
	return out, true
}

// unitPrices prices both sides, letting each side borrow the other's price
// through the pool exchange rate.
func (h *Handler) unitPrices(ctx context.Context, chain model.Chain, res *GranularPositionResult, t0, t1 TokenMetadata) (float64, float64) {
	var ratio0in1 float64
	if res.State != nil && res.State.SqrtPriceX96 != nil && res.State.SqrtPriceX96.Sign() > 0 {
		if p, err := clmath.SqrtPriceX96ToPrice(res.State.SqrtPriceX96, int(t0.Decimals), int(t1.Decimals)); err == nil {
			ratio0in1 = p.Float64()
		}
	}
	q0 := pricing.Query{Chain: chain, Address: t0.Address, Symbol: t0.Symbol}
	q1 := pricing.Query{Chain: chain, Address: t1.Address, Symbol: t1.Symbol}
	if ratio0in1 > 0 {
		q0.Counter = &pricing.Counterpart{Address: t1.Address, Symbol: t1.Symbol, Ratio: ratio0in1}
		q1.Counter = &pricing.Counterpart{Address: t0.Address, Symbol: t0.Symbol, Ratio: 1 / ratio0in1}
	}
	p0, _ := h.prices.Resolve(ctx, q0)
	p1, _ := h.prices.Resolve(ctx, q1)
	return p0, p1
}

func (h *Handler) tokenMetadata(ctx context.Context, chain model.Chain, reader ChainReader, token common.Address) (TokenMetadata, error) {
	tc := h.tokenCache[chain]
	if tc == nil {
		return reader.TokenMetadata(ctx, token)
	}
	return tc.GetOrLoad(ctx, strings.ToLower(token.Hex()), func(ctx context.Context) (TokenMetadata, error) {
		return reader.TokenMetadata(ctx, token)
	})
}

// describe falls back to the address as symbol and 18 decimals when the
// metadata fetch failed.
func describe(meta *TokenMetadata, addr common.Address) TokenMetadata {
	if meta != nil {
		m := *meta
		if m.Symbol == "" {
			m.Symbol = shortAddress(addr)
		}
		if m.Address == "" {
			m.Address = addr.Hex()
		}
		return m
	}
	return TokenMetadata{Address: addr.Hex(), Symbol: shortAddress(addr), Decimals: defaultDecimals}
}

func shortAddress(a common.Address) string {
	h := a.Hex()
	return h[:6] + "…" + h[len(h)-4:]
}

func feeLabel(fee uint32) string {
	// fee is in hundredths of a basis point.
	return fmt.Sprintf("%.2f%%", float64(fee)/10000)
}

func isZero(x *big.Int) bool { return x == nil || x.Sign() == 0 }

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
