package uniswapv3

//go:generate mockgen -destination=mocks/chain_reader.go -package=mocks . ChainReader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/emperorhan/position-aggregator/internal/chain/ratelimit"
	"github.com/emperorhan/position-aggregator/internal/circuitbreaker"
	"github.com/emperorhan/position-aggregator/internal/clmath"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/provider"
	"github.com/emperorhan/position-aggregator/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// PositionData is the NonfungiblePositionManager view of one position plus
// the pool it lives in.
type PositionData struct {
	TokenID                  *big.Int
	Token0                   common.Address
	Token1                   common.Address
	Fee                      uint32
	TickLower                int
	TickUpper                int
	Liquidity                *big.Int
	FeeGrowthInside0LastX128 *big.Int
	FeeGrowthInside1LastX128 *big.Int
	TokensOwed0              *big.Int
	TokensOwed1              *big.Int
	Pool                     common.Address
}

type TokenMetadata struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type PoolMetadata struct {
	Token0      common.Address
	Token1      common.Address
	Fee         uint32
	TickSpacing int
}

type PoolState struct {
	SqrtPriceX96         *big.Int
	Tick                 int
	Liquidity            *big.Int
	FeeGrowthGlobal0X128 *big.Int
	FeeGrowthGlobal1X128 *big.Int
}

// ChainReader is the on-chain read surface the handler needs on one chain.
type ChainReader interface {
	PositionIDs(ctx context.Context, owner common.Address) ([]*big.Int, error)
	Position(ctx context.Context, tokenID *big.Int) (PositionData, error)
	TokenMetadata(ctx context.Context, token common.Address) (TokenMetadata, error)
	PoolMetadata(ctx context.Context, pool common.Address) (PoolMetadata, error)
	PoolState(ctx context.Context, pool common.Address) (PoolState, error)
	TickInfo(ctx context.Context, pool common.Address, tick int) (clmath.TickFeeInfo, error)
}

// maxPositionsPerOwner bounds enumeration for wallets holding huge NFT counts.
const maxPositionsPerOwner = 500

// EthReader implements ChainReader with eth_call against one endpoint. Every
// call passes the endpoint's rate limiter and circuit breaker and carries its
// own timeout.
type EthReader struct {
	chain       model.Chain
	caller      ethereum.ContractCaller
	deployments Deployments
	limiter     *ratelimit.Limiter
	breaker     *circuitbreaker.Breaker
	callTimeout time.Duration
}

func NewEthReader(
	chain model.Chain,
	caller ethereum.ContractCaller,
	deployments Deployments,
	limiter *ratelimit.Limiter,
	breaker *circuitbreaker.Breaker,
	callTimeout time.Duration,
) *EthReader {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &EthReader{
		chain:       chain,
		caller:      caller,
		deployments: deployments,
		limiter:     limiter,
		breaker:     breaker,
		callTimeout: callTimeout,
	}
}

func (r *EthReader) PositionIDs(ctx context.Context, owner common.Address) ([]*big.Int, error) {
	out, err := r.call(ctx, positionManagerABI, r.deployments.PositionManager, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	count := out[0].(*big.Int)
	if !count.IsInt64() || count.Int64() > maxPositionsPerOwner {
		return nil, provider.Permanent("", fmt.Errorf("owner %s holds %s positions, above limit %d", owner.Hex(), count, maxPositionsPerOwner))
	}
	n := count.Int64()
	ids := make([]*big.Int, 0, n)
	for i := int64(0); i < n; i++ {
		out, err := r.call(ctx, positionManagerABI, r.deployments.PositionManager, "tokenOfOwnerByIndex", owner, big.NewInt(i))
		if err != nil {
			return nil, err
		}
		ids = append(ids, out[0].(*big.Int))
	}
	return ids, nil
}

func (r *EthReader) Position(ctx context.Context, tokenID *big.Int) (PositionData, error) {
	out, err := r.call(ctx, positionManagerABI, r.deployments.PositionManager, "positions", tokenID)
	if err != nil {
		return PositionData{}, err
	}
	pos := PositionData{
		TokenID:                  new(big.Int).Set(tokenID),
		Token0:                   out[2].(common.Address),
		Token1:                   out[3].(common.Address),
		Fee:                      uint32(out[4].(*big.Int).Uint64()),
		TickLower:                int(out[5].(*big.Int).Int64()),
		TickUpper:                int(out[6].(*big.Int).Int64()),
		Liquidity:                out[7].(*big.Int),
		FeeGrowthInside0LastX128: out[8].(*big.Int),
		FeeGrowthInside1LastX128: out[9].(*big.Int),
		TokensOwed0:              out[10].(*big.Int),
		TokensOwed1:              out[11].(*big.Int),
	}
	poolOut, err := r.call(ctx, factoryABI, r.deployments.Factory, "getPool", pos.Token0, pos.Token1, new(big.Int).SetUint64(uint64(pos.Fee)))
	if err != nil {
		return PositionData{}, fmt.Errorf("resolve pool: %w", err)
	}
	pos.Pool = poolOut[0].(common.Address)
	if pos.Pool == (common.Address{}) {
		return PositionData{}, provider.Permanent("", fmt.Errorf("no pool for %s/%s fee %d", pos.Token0.Hex(), pos.Token1.Hex(), pos.Fee))
	}
	return pos, nil
}

func (r *EthReader) TokenMetadata(ctx context.Context, token common.Address) (TokenMetadata, error) {
	meta := TokenMetadata{Address: token.Hex()}
	out, err := r.call(ctx, erc20ABI, token, "decimals")
	if err != nil {
		return TokenMetadata{}, err
	}
	meta.Decimals = out[0].(uint8)

	raw, err := r.rawCall(ctx, erc20ABI, token, "symbol")
	if err != nil {
		return TokenMetadata{}, err
	}
	if vals, err := erc20ABI.Unpack("symbol", raw); err == nil {
		meta.Symbol = vals[0].(string)
	} else if vals, err := erc20Bytes32ABI.Unpack("symbol", raw); err == nil {
		b := vals[0].([32]byte)
		meta.Symbol = string(bytes.TrimRight(b[:], "\x00"))
	}
	return meta, nil
}

func (r *EthReader) PoolMetadata(ctx context.Context, pool common.Address) (PoolMetadata, error) {
	var meta PoolMetadata
	for _, method := range []string{"token0", "token1", "fee", "tickSpacing"} {
		out, err := r.call(ctx, poolABI, pool, method)
		if err != nil {
			return PoolMetadata{}, err
		}
		switch method {
		case "token0":
			meta.Token0 = out[0].(common.Address)
		case "token1":
			meta.Token1 = out[0].(common.Address)
		case "fee":
			meta.Fee = uint32(out[0].(*big.Int).Uint64())
		case "tickSpacing":
			meta.TickSpacing = int(out[0].(*big.Int).Int64())
		}
	}
	return meta, nil
}

func (r *EthReader) PoolState(ctx context.Context, pool common.Address) (PoolState, error) {
	slot0, err := r.call(ctx, poolABI, pool, "slot0")
	if err != nil {
		return PoolState{}, err
	}
	state := PoolState{
		SqrtPriceX96: slot0[0].(*big.Int),
		Tick:         int(slot0[1].(*big.Int).Int64()),
	}
	for _, method := range []string{"liquidity", "feeGrowthGlobal0X128", "feeGrowthGlobal1X128"} {
		out, err := r.call(ctx, poolABI, pool, method)
		if err != nil {
			return PoolState{}, err
		}
		v := out[0].(*big.Int)
		switch method {
		case "liquidity":
			state.Liquidity = v
		case "feeGrowthGlobal0X128":
			state.FeeGrowthGlobal0X128 = v
		case "feeGrowthGlobal1X128":
			state.FeeGrowthGlobal1X128 = v
		}
	}
	return state, nil
}

func (r *EthReader) TickInfo(ctx context.Context, pool common.Address, tick int) (clmath.TickFeeInfo, error) {
	out, err := r.call(ctx, poolABI, pool, "ticks", big.NewInt(int64(tick)))
	if err != nil {
		return clmath.TickFeeInfo{}, err
	}
	return clmath.TickFeeInfo{
		FeeGrowthOutside0X128: out[2].(*big.Int),
		FeeGrowthOutside1X128: out[3].(*big.Int),
	}, nil
}

func (r *EthReader) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	raw, err := r.rawCall(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, provider.Permanent("", fmt.Errorf("%s: unpack %s: %w", r.chain, method, err))
	}
	return out, nil
}

func (r *EthReader) rawCall(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]byte, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, provider.Permanent("", fmt.Errorf("%s: pack %s: %w", r.chain, method, err))
	}
	var out []byte
	err = r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.limiter.Do(ctx, method, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			defer cancel()
			var err error
			out, err = r.caller.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
			return err
		})
	}, tripsBreaker)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || retry.Classify(err).IsTransient() {
			return nil, provider.Transient(fmt.Errorf("%s: %s: %w", r.chain, method, err))
		}
		return nil, provider.Permanent("", fmt.Errorf("%s: %s: %w", r.chain, method, err))
	}
	if len(out) == 0 {
		// eth_call against an address without code returns empty data.
		return nil, provider.Permanent("", fmt.Errorf("%s: %s on %s: empty return data", r.chain, method, to.Hex()))
	}
	return out, nil
}

// tripsBreaker counts only endpoint-health failures; reverts say nothing
// about the endpoint.
func tripsBreaker(err error) bool {
	return retry.Classify(err).IsTransient()
}
