package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/position-aggregator/internal/cache"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/provider"
)

const (
	aaveReservesQuery = `query Reserves($chainId: Int!) {
  reserves(chainId: $chainId) {
    underlyingAsset
    symbol
    decimals
    priceInUsd
  }
}`
	aaveUserReservesQuery = `query UserReserves($chainId: Int!, $user: String!) {
  userReserves(chainId: $chainId, user: $user) {
    underlyingAsset
    suppliedRaw
    borrowedRaw
  }
}`

	defaultReserveTTL = 5 * time.Minute
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// AaveReserve is one listed asset with its oracle price.
type AaveReserve struct {
	Address  string
	Symbol   string
	Decimals int
	PriceUSD float64
}

type aaveReserve struct {
	UnderlyingAsset string    `json:"underlyingAsset"`
	Symbol          string    `json:"symbol"`
	Decimals        flexInt   `json:"decimals"`
	PriceInUSD      flexFloat `json:"priceInUsd"`
}

type aaveUserReserve struct {
	UnderlyingAsset string `json:"underlyingAsset"`
	SuppliedRaw     string `json:"suppliedRaw"`
	BorrowedRaw     string `json:"borrowedRaw"`
}

// Aave reads supplies and borrows from the Aave V3 GraphQL API. The reserve
// list per chain is shared by every unit and refreshed through a loading
// cache.
type Aave struct {
	client   *Client
	reserves *cache.Loading[map[string]AaveReserve]
}

func NewAave(client *Client, reserveTTL time.Duration) *Aave {
	if reserveTTL <= 0 {
		reserveTTL = defaultReserveTTL
	}
	a := &Aave{client: client}
	a.reserves = cache.NewLoading("aave_reserves", reserveTTL, 0, a.loadReserves)
	return a
}

func (a *Aave) Provider() model.Provider { return model.ProviderAave }

func (a *Aave) Execute(ctx context.Context, req model.IntegrationRequest) (model.ProviderPayload, error) {
	chain := req.Chain()
	chainID := chain.EVMChainID()
	if chainID == 0 {
		return model.ProviderPayload{}, provider.UnsupportedChain(model.ProviderAave, chain)
	}
	if err := ValidateAccount(chain, req.Account); err != nil {
		return model.ProviderPayload{}, err
	}

	reserves, err := a.reserves.Get(ctx, strconv.FormatInt(chainID, 10))
	if err != nil {
		return model.ProviderPayload{}, fmt.Errorf("aave reserves: %w", err)
	}

	var data struct {
		UserReserves []aaveUserReserve `json:"userReserves"`
	}
	vars := map[string]any{"chainId": chainID, "user": strings.ToLower(req.Account)}
	if err := a.query(ctx, aaveUserReservesQuery, vars, &data); err != nil {
		return model.ProviderPayload{}, fmt.Errorf("aave user reserves: %w", err)
	}

	pos := model.Position{Label: "Aave V3 Lending", Protocol: model.ProviderAave, Chain: chain}
	for _, ur := range data.UserReserves {
		r, ok := reserves[strings.ToLower(ur.UnderlyingAsset)]
		if !ok {
			r = AaveReserve{Address: ur.UnderlyingAsset, Symbol: "UNKNOWN", Decimals: 18}
		}
		if tok, ok := buildToken(model.TokenTypeSupplied, chain, r.Symbol, r.Address, r.Decimals, ur.SuppliedRaw, r.PriceUSD); ok && tok.RawAmount != "0" {
			pos.Tokens = append(pos.Tokens, tok)
		}
		if tok, ok := buildToken(model.TokenTypeBorrowed, chain, r.Symbol, r.Address, r.Decimals, ur.BorrowedRaw, r.PriceUSD); ok && tok.RawAmount != "0" {
			pos.Tokens = append(pos.Tokens, tok)
		}
	}

	payload := model.ProviderPayload{Positions: []model.Position{}}
	if len(pos.Tokens) > 0 {
		payload.Positions = append(payload.Positions, pos)
	}
	return payload, nil
}

func (a *Aave) loadReserves(ctx context.Context, chainID string) (map[string]AaveReserve, error) {
	id, err := strconv.ParseInt(chainID, 10, 64)
	if err != nil {
		return nil, provider.Permanent("", fmt.Errorf("chain id %q: %w", chainID, err))
	}
	var data struct {
		Reserves []aaveReserve `json:"reserves"`
	}
	if err := a.query(ctx, aaveReservesQuery, map[string]any{"chainId": id}, &data); err != nil {
		return nil, err
	}
	out := make(map[string]AaveReserve, len(data.Reserves))
	for _, r := range data.Reserves {
		addr := strings.ToLower(r.UnderlyingAsset)
		out[addr] = AaveReserve{
			Address:  r.UnderlyingAsset,
			Symbol:   r.Symbol,
			Decimals: int(r.Decimals),
			PriceUSD: float64(r.PriceInUSD),
		}
	}
	return out, nil
}

// query posts a GraphQL document and decodes its data member into out.
func (a *Aave) query(ctx context.Context, doc string, vars map[string]any, out any) error {
	var env struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := a.client.PostJSON(ctx, "", graphQLRequest{Query: doc, Variables: vars}, &env); err != nil {
		return err
	}
	if len(env.Errors) > 0 {
		msgs := make([]string, len(env.Errors))
		for i, e := range env.Errors {
			msgs[i] = e.Message
		}
		return provider.Permanent("", errors.New("graphql: "+strings.Join(msgs, "; ")))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return provider.Transient(errors.New("graphql: empty data"))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return provider.Permanent("", fmt.Errorf("graphql: decode data: %w", err))
	}
	return nil
}
