package model

import (
	"fmt"
	"strings"
)

// Provider identifies a third-party data source. The string value doubles as
// the routing-key slug on the broker.
type Provider string

const (
	ProviderMoralis     Provider = "moralis"
	ProviderAave        Provider = "aave"
	ProviderPendle      Provider = "pendle"
	ProviderKamino      Provider = "kamino"
	ProviderUniswapV3   Provider = "uniswap-v3"
	ProviderRaydiumCLMM Provider = "raydium-clmm"
)

func (p Provider) String() string {
	return string(p)
}

// Slug returns the routing-key safe form of the provider.
func (p Provider) Slug() string {
	return strings.ToLower(string(p))
}

func ParseProvider(raw string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case ProviderMoralis, ProviderAave, ProviderPendle, ProviderKamino, ProviderUniswapV3, ProviderRaydiumCLMM:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", raw)
}

const (
	RequestRoutingPrefix = "integration.request"
	ResultRoutingPrefix  = "integration.result"
)

// RequestRoutingKey is the broker routing key for a provider's work units.
func RequestRoutingKey(p Provider) string {
	return RequestRoutingPrefix + "." + p.Slug()
}

// ResultRoutingKey is the broker routing key for a provider's terminal results.
func ResultRoutingKey(p Provider) string {
	return ResultRoutingPrefix + "." + p.Slug()
}
