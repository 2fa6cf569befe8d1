package model

import (
	"fmt"
	"strings"
)

type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBase     Chain = "base"
	ChainArbitrum Chain = "arbitrum"
	ChainPolygon  Chain = "polygon"
	ChainOptimism Chain = "optimism"
	ChainBSC      Chain = "bsc"
	ChainSolana   Chain = "solana"
)

func (c Chain) String() string {
	return string(c)
}

// KnownChains lists every chain accepted by the dispatcher, in display order.
var KnownChains = []Chain{
	ChainEthereum,
	ChainBase,
	ChainArbitrum,
	ChainPolygon,
	ChainOptimism,
	ChainBSC,
	ChainSolana,
}

// IsEVM reports whether the chain uses 20-byte hex accounts and eth_call.
func (c Chain) IsEVM() bool {
	switch c {
	case ChainEthereum, ChainBase, ChainArbitrum, ChainPolygon, ChainOptimism, ChainBSC:
		return true
	default:
		return false
	}
}

// ParseChain normalizes a user-supplied chain name.
func ParseChain(raw string) (Chain, error) {
	c := Chain(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range KnownChains {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown chain %q", raw)
}

// NativeSymbol returns the gas token symbol for the chain.
func (c Chain) NativeSymbol() string {
	switch c {
	case ChainPolygon:
		return "POL"
	case ChainBSC:
		return "BNB"
	case ChainSolana:
		return "SOL"
	default:
		return "ETH"
	}
}

// EVMChainID returns the EIP-155 chain id, zero for non-EVM chains.
func (c Chain) EVMChainID() int64 {
	switch c {
	case ChainEthereum:
		return 1
	case ChainOptimism:
		return 10
	case ChainBSC:
		return 56
	case ChainPolygon:
		return 137
	case ChainBase:
		return 8453
	case ChainArbitrum:
		return 42161
	default:
		return 0
	}
}
