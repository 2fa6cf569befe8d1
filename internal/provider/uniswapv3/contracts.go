package uniswapv3

import (
	"fmt"
	"strings"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Deployments holds the periphery and factory addresses for one chain.
type Deployments struct {
	PositionManager common.Address
	Factory         common.Address
}

var canonical = Deployments{
	PositionManager: common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88"),
	Factory:         common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"),
}

// DefaultDeployments lists the official Uniswap V3 deployments.
var DefaultDeployments = map[model.Chain]Deployments{
	model.ChainEthereum: canonical,
	model.ChainArbitrum: canonical,
	model.ChainOptimism: canonical,
	model.ChainPolygon:  canonical,
	model.ChainBase: {
		PositionManager: common.HexToAddress("0x03a520b32C04BF3bEEf7BEb72E919cf822Ed34f1"),
		Factory:         common.HexToAddress("0x33128a8fC17869897dcE68Ed026d694621f6FDfD"),
	},
	model.ChainBSC: {
		PositionManager: common.HexToAddress("0x7b8A01B39D58278b5DE7e48c8449c9f4F5170613"),
		Factory:         common.HexToAddress("0xdB1d10011AD0Ff90774D0C6Bb92e5C5c8b4461F7"),
	},
}

const positionManagerJSON = `[
 {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"tokenOfOwnerByIndex","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"positions","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
  {"name":"nonce","type":"uint96"},{"name":"operator","type":"address"},{"name":"token0","type":"address"},{"name":"token1","type":"address"},
  {"name":"fee","type":"uint24"},{"name":"tickLower","type":"int24"},{"name":"tickUpper","type":"int24"},{"name":"liquidity","type":"uint128"},
  {"name":"feeGrowthInside0LastX128","type":"uint256"},{"name":"feeGrowthInside1LastX128","type":"uint256"},
  {"name":"tokensOwed0","type":"uint128"},{"name":"tokensOwed1","type":"uint128"}]}
]`

const factoryJSON = `[
 {"name":"getPool","type":"function","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"fee","type":"uint24"}],"outputs":[{"name":"","type":"address"}]}
]`

const poolJSON = `[
 {"name":"slot0","type":"function","stateMutability":"view","inputs":[],"outputs":[
  {"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"},{"name":"observationIndex","type":"uint16"},
  {"name":"observationCardinality","type":"uint16"},{"name":"observationCardinalityNext","type":"uint16"},
  {"name":"feeProtocol","type":"uint8"},{"name":"unlocked","type":"bool"}]},
 {"name":"liquidity","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint128"}]},
 {"name":"feeGrowthGlobal0X128","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"feeGrowthGlobal1X128","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"name":"fee","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint24"}]},
 {"name":"tickSpacing","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"int24"}]},
 {"name":"ticks","type":"function","stateMutability":"view","inputs":[{"name":"tick","type":"int24"}],"outputs":[
  {"name":"liquidityGross","type":"uint128"},{"name":"liquidityNet","type":"int128"},
  {"name":"feeGrowthOutside0X128","type":"uint256"},{"name":"feeGrowthOutside1X128","type":"uint256"},
  {"name":"tickCumulativeOutside","type":"int56"},{"name":"secondsPerLiquidityOutsideX128","type":"uint160"},
  {"name":"secondsOutside","type":"uint32"},{"name":"initialized","type":"bool"}]}
]`

const erc20JSON = `[
 {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// erc20Bytes32JSON covers legacy tokens (MKR, SAI) whose symbol is bytes32.
const erc20Bytes32JSON = `[
 {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
]`

var (
	positionManagerABI = mustABI(positionManagerJSON)
	factoryABI         = mustABI(factoryJSON)
	poolABI            = mustABI(poolJSON)
	erc20ABI           = mustABI(erc20JSON)
	erc20Bytes32ABI    = mustABI(erc20Bytes32JSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}
