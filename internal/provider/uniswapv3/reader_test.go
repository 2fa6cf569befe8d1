package uniswapv3

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/position-aggregator/internal/chain/ratelimit"
	"github.com/emperorhan/position-aggregator/internal/circuitbreaker"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/provider"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callHandler func(args []any) ([]byte, error)

// fakeCaller answers eth_call by decoding the selector against the ABIs
// the reader uses.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]callHandler
	calls    map[string]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: map[string]callHandler{}, calls: map[string]int{}}
}

func (f *fakeCaller) on(to common.Address, method string, h callHandler) {
	f.handlers[to.Hex()+":"+method] = h
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	for _, contract := range []abi.ABI{positionManagerABI, factoryABI, poolABI, erc20ABI} {
		m, err := contract.MethodById(msg.Data[:4])
		if err != nil {
			continue
		}
		args, err := m.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		key := msg.To.Hex() + ":" + m.Name
		f.mu.Lock()
		f.calls[key]++
		h, ok := f.handlers[key]
		f.mu.Unlock()
		if !ok {
			return nil, nil
		}
		return h(args)
	}
	return nil, errors.New("unknown selector")
}

func pack(t *testing.T, contract abi.ABI, method string, vals ...any) []byte {
	t.Helper()
	out, err := contract.Methods[method].Outputs.Pack(vals...)
	require.NoError(t, err)
	return out
}

func returns(b []byte) callHandler {
	return func([]any) ([]byte, error) { return b, nil }
}

var (
	testPM      = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	testFactory = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	testPool    = common.HexToAddress("0x00000000000000000000000000000000000000f3")
	testToken0  = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	testToken1  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testOwner   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func newTestReader(caller ethereum.ContractCaller, breaker *circuitbreaker.Breaker) *EthReader {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{Name: "ethereum"})
	}
	return NewEthReader(
		model.ChainEthereum,
		caller,
		Deployments{PositionManager: testPM, Factory: testFactory},
		ratelimit.NewLimiter(1000, 100, "test-reader"),
		breaker,
		time.Second,
	)
}

func TestEthReader_PositionIDs(t *testing.T) {
	t.Parallel()
	fc := newFakeCaller()
	fc.on(testPM, "balanceOf", returns(pack(t, positionManagerABI, "balanceOf", big.NewInt(2))))
	fc.on(testPM, "tokenOfOwnerByIndex", func(args []any) ([]byte, error) {
		idx := args[1].(*big.Int)
		return positionManagerABI.Methods["tokenOfOwnerByIndex"].Outputs.Pack(new(big.Int).Add(idx, big.NewInt(100)))
	})

	ids, err := newTestReader(fc, nil).PositionIDs(context.Background(), testOwner)
	require.NoError(t, err)
	assert.Equal(t, []*big.Int{big.NewInt(100), big.NewInt(101)}, ids)
}

func TestEthReader_PositionResolvesPool(t *testing.T) {
	t.Parallel()
	fc := newFakeCaller()
	fc.on(testPM, "positions", returns(pack(t, positionManagerABI, "positions",
		big.NewInt(0), common.Address{}, testToken0, testToken1,
		big.NewInt(500), big.NewInt(-887220), big.NewInt(887220), big.NewInt(123456),
		big.NewInt(11), big.NewInt(22), big.NewInt(3), big.NewInt(4),
	)))
	fc.on(testFactory, "getPool", func(args []any) ([]byte, error) {
		if args[0].(common.Address) != testToken0 || args[2].(*big.Int).Int64() != 500 {
			return nil, errors.New("unexpected getPool args")
		}
		return factoryABI.Methods["getPool"].Outputs.Pack(testPool)
	})

	pos, err := newTestReader(fc, nil).Position(context.Background(), big.NewInt(9))
	require.NoError(t, err)
	assert.Equal(t, uint32(500), pos.Fee)
	assert.Equal(t, -887220, pos.TickLower)
	assert.Equal(t, 887220, pos.TickUpper)
	assert.Equal(t, "123456", pos.Liquidity.String())
	assert.Equal(t, "3", pos.TokensOwed0.String())
	assert.Equal(t, testPool, pos.Pool)
	assert.Equal(t, "9", pos.TokenID.String())
}

func TestEthReader_PositionWithoutPoolIsPermanent(t *testing.T) {
	t.Parallel()
	fc := newFakeCaller()
	fc.on(testPM, "positions", returns(pack(t, positionManagerABI, "positions",
		big.NewInt(0), common.Address{}, testToken0, testToken1,
		big.NewInt(500), big.NewInt(-60), big.NewInt(60), big.NewInt(1),
		big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0),
	)))
	fc.on(testFactory, "getPool", returns(pack(t, factoryABI, "getPool", common.Address{})))

	_, err := newTestReader(fc, nil).Position(context.Background(), big.NewInt(1))
	require.Error(t, err)
	assert.True(t, provider.IsPermanent(err))
}

func TestEthReader_TokenMetadata(t *testing.T) {
	t.Parallel()
	fc := newFakeCaller()
	fc.on(testToken0, "decimals", returns(pack(t, erc20ABI, "decimals", uint8(6))))
	fc.on(testToken0, "symbol", returns(pack(t, erc20ABI, "symbol", "USDC")))

	var mkr [32]byte
	copy(mkr[:], "MKR")
	fc.on(testToken1, "decimals", returns(pack(t, erc20ABI, "decimals", uint8(18))))
	fc.on(testToken1, "symbol", returns(pack(t, erc20Bytes32ABI, "symbol", mkr)))

	r := newTestReader(fc, nil)
	meta, err := r.TokenMetadata(context.Background(), testToken0)
	require.NoError(t, err)
	assert.Equal(t, TokenMetadata{Address: testToken0.Hex(), Symbol: "USDC", Decimals: 6}, meta)

	meta, err = r.TokenMetadata(context.Background(), testToken1)
	require.NoError(t, err)
	assert.Equal(t, "MKR", meta.Symbol)
	assert.Equal(t, uint8(18), meta.Decimals)
}

func TestEthReader_PoolStateAndTicks(t *testing.T) {
	t.Parallel()
	sqrt, _ := new(big.Int).SetString("79228162514264337593543950336", 10)
	fc := newFakeCaller()
	fc.on(testPool, "slot0", returns(pack(t, poolABI, "slot0",
		sqrt, big.NewInt(-5), uint16(1), uint16(2), uint16(3), uint8(0), true)))
	fc.on(testPool, "liquidity", returns(pack(t, poolABI, "liquidity", big.NewInt(77))))
	fc.on(testPool, "feeGrowthGlobal0X128", returns(pack(t, poolABI, "feeGrowthGlobal0X128", big.NewInt(1000))))
	fc.on(testPool, "feeGrowthGlobal1X128", returns(pack(t, poolABI, "feeGrowthGlobal1X128", big.NewInt(2000))))
	fc.on(testPool, "ticks", returns(pack(t, poolABI, "ticks",
		big.NewInt(1), big.NewInt(-1), big.NewInt(300), big.NewInt(400),
		big.NewInt(0), big.NewInt(0), uint32(0), true)))
	fc.on(testPool, "token0", returns(pack(t, poolABI, "token0", testToken0)))
	fc.on(testPool, "token1", returns(pack(t, poolABI, "token1", testToken1)))
	fc.on(testPool, "fee", returns(pack(t, poolABI, "fee", big.NewInt(3000))))
	fc.on(testPool, "tickSpacing", returns(pack(t, poolABI, "tickSpacing", big.NewInt(60))))

	r := newTestReader(fc, nil)
	state, err := r.PoolState(context.Background(), testPool)
	require.NoError(t, err)
	assert.Equal(t, sqrt, state.SqrtPriceX96)
	assert.Equal(t, -5, state.Tick)
	assert.Equal(t, "77", state.Liquidity.String())
	assert.Equal(t, "2000", state.FeeGrowthGlobal1X128.String())

	info, err := r.TickInfo(context.Background(), testPool, -60)
	require.NoError(t, err)
	assert.Equal(t, "300", info.FeeGrowthOutside0X128.String())
	assert.Equal(t, "400", info.FeeGrowthOutside1X128.String())

	meta, err := r.PoolMetadata(context.Background(), testPool)
	require.NoError(t, err)
	assert.Equal(t, PoolMetadata{Token0: testToken0, Token1: testToken1, Fee: 3000, TickSpacing: 60}, meta)
}

func TestEthReader_ErrorClassification(t *testing.T) {
	t.Parallel()
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "ethereum", FailureThreshold: 2, OpenTimeout: time.Hour})
	fc := newFakeCaller()
	fc.on(testToken0, "decimals", func([]any) ([]byte, error) { return nil, errors.New("execution reverted") })
	fc.on(testToken1, "decimals", func([]any) ([]byte, error) { return nil, errors.New("429 Too Many Requests") })
	r := newTestReader(fc, breaker)
	ctx := context.Background()

	_, err := r.TokenMetadata(ctx, testToken0)
	require.Error(t, err)
	assert.True(t, provider.IsPermanent(err))
	_, _ = r.TokenMetadata(ctx, testToken0)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.GetState(), "reverts do not trip the breaker")

	_, err = r.TokenMetadata(ctx, testToken1)
	require.Error(t, err)
	assert.False(t, provider.IsPermanent(err))
	_, _ = r.TokenMetadata(ctx, testToken1)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	_, err = r.TokenMetadata(ctx, testToken0)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.False(t, provider.IsPermanent(err))
}

func TestEthReader_EmptyReturnIsPermanent(t *testing.T) {
	t.Parallel()
	_, err := newTestReader(newFakeCaller(), nil).PoolState(context.Background(), testPool)
	require.Error(t, err)
	assert.True(t, provider.IsPermanent(err))
}
