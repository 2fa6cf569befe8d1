package restapi

import (
	"context"
	"fmt"
	"net/url"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/provider"
)

type kaminoObligation struct {
	ObligationAddress string        `json:"obligationAddress"`
	MarketName        string        `json:"marketName"`
	Deposits          []kaminoToken `json:"deposits"`
	Borrows           []kaminoToken `json:"borrows"`
}

type kaminoToken struct {
	Mint     string    `json:"mint"`
	Symbol   string    `json:"symbol"`
	Decimals flexInt   `json:"decimals"`
	Amount   string    `json:"amount"`
	PriceUSD flexFloat `json:"priceUsd"`
}

// Kamino reads lending obligations from the Kamino API.
type Kamino struct {
	client *Client
}

func NewKamino(client *Client) *Kamino {
	return &Kamino{client: client}
}

func (k *Kamino) Provider() model.Provider { return model.ProviderKamino }

func (k *Kamino) Execute(ctx context.Context, req model.IntegrationRequest) (model.ProviderPayload, error) {
	chain := req.Chain()
	if chain != model.ChainSolana {
		return model.ProviderPayload{}, provider.UnsupportedChain(model.ProviderKamino, chain)
	}
	if err := ValidateAccount(chain, req.Account); err != nil {
		return model.ProviderPayload{}, err
	}

	var resp []kaminoObligation
	path := fmt.Sprintf("/v2/users/%s/obligations", url.PathEscape(req.Account))
	if err := k.client.GetJSON(ctx, path, url.Values{"env": {"mainnet-beta"}}, &resp); err != nil {
		return model.ProviderPayload{}, fmt.Errorf("kamino obligations: %w", err)
	}

	payload := model.ProviderPayload{Positions: make([]model.Position, 0, len(resp))}
	for _, o := range resp {
		label := o.MarketName
		if label == "" {
			label = "Main Market"
		}
		pos := model.Position{Label: "Kamino " + label, Protocol: model.ProviderKamino, Chain: chain}
		for _, d := range o.Deposits {
			if tok, ok := buildToken(model.TokenTypeSupplied, chain, d.Symbol, d.Mint, int(d.Decimals), d.Amount, float64(d.PriceUSD)); ok && tok.RawAmount != "0" {
				pos.Tokens = append(pos.Tokens, tok)
			}
		}
		for _, b := range o.Borrows {
			if tok, ok := buildToken(model.TokenTypeBorrowed, chain, b.Symbol, b.Mint, int(b.Decimals), b.Amount, float64(b.PriceUSD)); ok && tok.RawAmount != "0" {
				pos.Tokens = append(pos.Tokens, tok)
			}
		}
		if len(pos.Tokens) > 0 {
			payload.Positions = append(payload.Positions, pos)
		}
	}
	return payload, nil
}
