package restapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/provider"
)

var moralisChains = map[model.Chain]string{
	model.ChainEthereum: "eth",
	model.ChainBase:     "base",
	model.ChainArbitrum: "arbitrum",
	model.ChainPolygon:  "polygon",
	model.ChainOptimism: "optimism",
	model.ChainBSC:      "bsc",
}

type moralisPosition struct {
	ProtocolName string `json:"protocol_name"`
	ProtocolID   string `json:"protocol_id"`
	Position     struct {
		Label      string         `json:"label"`
		Address    string         `json:"address"`
		BalanceUSD flexFloat      `json:"balance_usd"`
		Tokens     []moralisToken `json:"tokens"`
	} `json:"position"`
}

type moralisToken struct {
	TokenType       string    `json:"token_type"`
	Symbol          string    `json:"symbol"`
	ContractAddress string    `json:"contract_address"`
	Decimals        flexInt   `json:"decimals"`
	Balance         string    `json:"balance"`
	USDPrice        flexFloat `json:"usd_price"`
}

// Moralis reads DeFi positions from the Moralis wallet API.
type Moralis struct {
	client *Client
}

func NewMoralis(client *Client) *Moralis {
	return &Moralis{client: client}
}

func (m *Moralis) Provider() model.Provider { return model.ProviderMoralis }

func (m *Moralis) Execute(ctx context.Context, req model.IntegrationRequest) (model.ProviderPayload, error) {
	chain := req.Chain()
	chainParam, ok := moralisChains[chain]
	if !ok {
		return model.ProviderPayload{}, provider.UnsupportedChain(model.ProviderMoralis, chain)
	}
	if err := ValidateAccount(chain, req.Account); err != nil {
		return model.ProviderPayload{}, err
	}

	var resp []moralisPosition
	path := fmt.Sprintf("/wallets/%s/defi/positions", url.PathEscape(strings.ToLower(req.Account)))
	if err := m.client.GetJSON(ctx, path, url.Values{"chain": {chainParam}}, &resp); err != nil {
		return model.ProviderPayload{}, fmt.Errorf("moralis positions: %w", err)
	}

	payload := model.ProviderPayload{Positions: make([]model.Position, 0, len(resp))}
	for _, p := range resp {
		pos := model.Position{
			Label:    moralisLabel(p),
			Protocol: model.ProviderMoralis,
			Chain:    chain,
		}
		for _, t := range p.Position.Tokens {
			tok, ok := buildToken(moralisTokenType(t.TokenType), chain, t.Symbol, t.ContractAddress, int(t.Decimals), t.Balance, float64(t.USDPrice))
			if ok {
				pos.Tokens = append(pos.Tokens, tok)
			}
		}
		if len(pos.Tokens) > 0 {
			payload.Positions = append(payload.Positions, pos)
		}
	}
	return payload, nil
}

func moralisLabel(p moralisPosition) string {
	name := p.ProtocolName
	if name == "" {
		name = p.ProtocolID
	}
	if p.Position.Label == "" {
		return name
	}
	return name + " " + p.Position.Label
}

func moralisTokenType(raw string) model.TokenType {
	switch strings.ToLower(raw) {
	case "supplied", "defi-token":
		return model.TokenTypeSupplied
	case "borrowed":
		return model.TokenTypeBorrowed
	case "reward":
		return model.TokenTypeReward
	default:
		return model.TokenTypeWallet
	}
}
