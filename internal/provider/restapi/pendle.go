package restapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/provider"
)

type pendlePositions struct {
	Positions []pendlePosition `json:"positions"`
}

type pendlePosition struct {
	MarketAddress string        `json:"marketAddress"`
	MarketName    string        `json:"marketName"`
	Holdings      []pendleToken `json:"holdings"`
	Rewards       []pendleToken `json:"rewards"`
}

type pendleToken struct {
	Kind     string    `json:"kind"`
	Address  string    `json:"address"`
	Symbol   string    `json:"symbol"`
	Decimals flexInt   `json:"decimals"`
	Balance  string    `json:"balance"`
	PriceUSD flexFloat `json:"priceUsd"`
}

// Pendle reads PT, YT and LP holdings per market from the Pendle API.
type Pendle struct {
	client *Client
}

func NewPendle(client *Client) *Pendle {
	return &Pendle{client: client}
}

func (p *Pendle) Provider() model.Provider { return model.ProviderPendle }

func (p *Pendle) Execute(ctx context.Context, req model.IntegrationRequest) (model.ProviderPayload, error) {
	chain := req.Chain()
	chainID := chain.EVMChainID()
	if chainID == 0 {
		return model.ProviderPayload{}, provider.UnsupportedChain(model.ProviderPendle, chain)
	}
	if err := ValidateAccount(chain, req.Account); err != nil {
		return model.ProviderPayload{}, err
	}

	var resp pendlePositions
	path := fmt.Sprintf("/v1/%d/users/%s/positions", chainID, url.PathEscape(strings.ToLower(req.Account)))
	if err := p.client.GetJSON(ctx, path, nil, &resp); err != nil {
		return model.ProviderPayload{}, fmt.Errorf("pendle positions: %w", err)
	}

	payload := model.ProviderPayload{Positions: make([]model.Position, 0, len(resp.Positions))}
	for _, m := range resp.Positions {
		label := m.MarketName
		if label == "" {
			label = m.MarketAddress
		}
		pos := model.Position{Label: "Pendle " + label, Protocol: model.ProviderPendle, Chain: chain}
		for _, h := range m.Holdings {
			if tok, ok := buildToken(model.TokenTypeSupplied, chain, h.Symbol, h.Address, int(h.Decimals), h.Balance, float64(h.PriceUSD)); ok && tok.RawAmount != "0" {
				pos.Tokens = append(pos.Tokens, tok)
			}
		}
		for _, r := range m.Rewards {
			if tok, ok := buildToken(model.TokenTypeReward, chain, r.Symbol, r.Address, int(r.Decimals), r.Balance, float64(r.PriceUSD)); ok && tok.RawAmount != "0" {
				pos.Tokens = append(pos.Tokens, tok)
			}
		}
		if len(pos.Tokens) > 0 {
			payload.Positions = append(payload.Positions, pos)
		}
	}
	return payload, nil
}
