package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/position-aggregator/internal/alert"
	"github.com/emperorhan/position-aggregator/internal/broker"
	"github.com/emperorhan/position-aggregator/internal/cache"
	"github.com/emperorhan/position-aggregator/internal/chain/ratelimit"
	"github.com/emperorhan/position-aggregator/internal/circuitbreaker"
	"github.com/emperorhan/position-aggregator/internal/config"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/granular"
	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/emperorhan/position-aggregator/internal/pricing"
	"github.com/emperorhan/position-aggregator/internal/provider"
	"github.com/emperorhan/position-aggregator/internal/provider/raydium"
	"github.com/emperorhan/position-aggregator/internal/provider/restapi"
	"github.com/emperorhan/position-aggregator/internal/provider/uniswapv3"
	redisstore "github.com/emperorhan/position-aggregator/internal/store/redis"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
)

const (
	tokenCacheCapacity  = 10_000
	tokenCacheMemoryTTL = 6 * time.Hour
	alertSendTimeout    = 10 * time.Second
)

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// transport is the process broker plus the queues that must exist before
// the first publish.
type transport struct {
	broker.Broker
	declare func(ctx context.Context, queue, pattern string) error
}

func newTransport(cfg *config.Config, client *redis.Client, logger *slog.Logger) transport {
	if cfg.Broker.Backend == "memory" {
		mem := broker.NewMemory(logger)
		return transport{
			Broker:  mem,
			declare: func(_ context.Context, queue, pattern string) error { return mem.Declare(queue, pattern) },
		}
	}
	stream := redisstore.NewStream(client, redisstore.StreamConfig{
		Prefix:    cfg.Broker.StreamPrefix,
		Block:     cfg.Broker.Block,
		ClaimIdle: cfg.Broker.ClaimIdle,
	}, logger)
	return transport{
		Broker:  stream,
		declare: func(ctx context.Context, queue, _ string) error { return stream.EnsureGroup(ctx, queue) },
	}
}

func loadProviderTable(cfg *config.Config) (*provider.Table, error) {
	if cfg.Providers.TablePath == "" {
		return provider.DefaultTable(), nil
	}
	table, err := provider.LoadTable(cfg.Providers.TablePath)
	if err != nil {
		return nil, fmt.Errorf("load provider table: %w", err)
	}
	return table, nil
}

// newPricePipeline orders the resolvers cheapest first: the static table,
// then derivations that reuse it.
func newPricePipeline(cfg *config.Config, logger *slog.Logger) (*pricing.Pipeline, error) {
	table, err := pricing.LoadStaticTable(cfg.Providers.PriceTablePath)
	if err != nil {
		return nil, err
	}
	return pricing.NewPipeline(logger,
		table,
		pricing.PoolRatio{Base: table},
		pricing.NativeDerived{Native: table},
	), nil
}

// circuitStateRecorder exports breaker transitions per chain and alerts when
// an endpoint opens or recovers. It runs under the breaker lock, so alerts
// are sent from their own goroutine.
func circuitStateRecorder(chain model.Chain, alerter alert.Alerter, logger *slog.Logger) func(name string, from, to circuitbreaker.State) {
	return func(name string, from, to circuitbreaker.State) {
		metrics.RPCCircuitState.WithLabelValues(chain.String()).Set(float64(to))
		logger.Warn("rpc circuit state changed", "chain", chain, "endpoint", name, "from", from.String(), "to", to.String())

		var a alert.Alert
		switch {
		case to == circuitbreaker.StateOpen && from == circuitbreaker.StateClosed:
			a = alert.Alert{Type: alert.AlertTypeCircuitOpen, Title: "RPC circuit opened"}
		case to == circuitbreaker.StateClosed:
			a = alert.Alert{Type: alert.AlertTypeRecovery, Title: "RPC circuit closed"}
		default:
			return
		}
		a.Subject = name
		a.Message = fmt.Sprintf("%s rpc endpoint moved from %s to %s", chain, from, to)
		a.Fields = map[string]string{"chain": chain.String()}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
			defer cancel()
			if err := alerter.Send(ctx, a); err != nil {
				logger.Warn("circuit alert failed", "chain", chain, "error", err)
			}
		}()
	}
}

// dialEVMReaders connects one Uniswap-V3 reader per configured chain that
// has a known deployment. The returned func closes every client.
func dialEVMReaders(ctx context.Context, cfg *config.Config, alerter alert.Alerter, logger *slog.Logger) (map[model.Chain]uniswapv3.ChainReader, func(), error) {
	limiters := ratelimit.NewSet(cfg.RPC.RateLimitRPS, cfg.RPC.RateLimitBurst)
	readers := make(map[model.Chain]uniswapv3.ChainReader)
	var clients []*ethclient.Client
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for _, chain := range model.KnownChains {
		url, ok := cfg.RPC.EVMEndpoints[chain]
		if !ok {
			continue
		}
		deployments, ok := uniswapv3.DefaultDeployments[chain]
		if !ok {
			logger.Warn("no uniswap-v3 deployment for chain, skipping reader", "chain", chain)
			continue
		}
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("dial %s rpc: %w", chain, err)
		}
		clients = append(clients, client)

		endpoint := chain.String()
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:          endpoint,
			OnStateChange: circuitStateRecorder(chain, alerter, logger),
		})
		readers[chain] = uniswapv3.NewEthReader(chain, client, deployments, limiters.For(endpoint), breaker, cfg.RPC.CallTimeout)
		logger.Info("evm reader ready", "chain", chain)
	}
	return readers, closeAll, nil
}

// newTokenCaches builds one token-metadata cache per reader chain, each
// backed by its own Redis hash.
func newTokenCaches(client redis.Cmdable, chains []model.Chain) map[model.Chain]*cache.Tiered[uniswapv3.TokenMetadata] {
	out := make(map[model.Chain]*cache.Tiered[uniswapv3.TokenMetadata], len(chains))
	for _, chain := range chains {
		out[chain] = cache.NewTiered[uniswapv3.TokenMetadata](
			"token_meta_"+chain.String(), client, "tokens:"+chain.String(), tokenCacheCapacity, tokenCacheMemoryTTL)
	}
	return out
}

func warmTokenCaches(ctx context.Context, caches map[model.Chain]*cache.Tiered[uniswapv3.TokenMetadata], logger *slog.Logger) {
	for chain, c := range caches {
		n, err := c.Warm(ctx)
		if err != nil {
			logger.Warn("token cache warm failed", "chain", chain, "error", err)
			continue
		}
		logger.Info("token cache warmed", "chain", chain, "entries", n)
	}
}

type handlerDeps struct {
	readers    map[model.Chain]uniswapv3.ChainReader
	tokenCache map[model.Chain]*cache.Tiered[uniswapv3.TokenMetadata]
	prices     *pricing.Pipeline
	engine     *granular.Engine
}

// registerHandlers binds every provider implementation to the registry.
func registerHandlers(reg *provider.Registry, cfg *config.Config, deps handlerDeps, logger *slog.Logger) error {
	p := cfg.Providers
	client := func(prov model.Provider, baseURL string, opts ...restapi.Option) *restapi.Client {
		opts = append(opts, restapi.WithLogger(logger), restapi.WithMaxBodyBytes(p.MaxBodyBytes))
		return restapi.NewClient(prov, baseURL, p.HTTPTimeout, opts...)
	}

	handlers := []provider.Handler{
		restapi.NewMoralis(client(model.ProviderMoralis, p.MoralisURL, restapi.WithHeader("X-API-Key", p.MoralisAPIKey))),
		restapi.NewAave(client(model.ProviderAave, p.AaveURL), 0),
		restapi.NewPendle(client(model.ProviderPendle, p.PendleURL)),
		restapi.NewKamino(client(model.ProviderKamino, p.KaminoURL)),
		uniswapv3.NewHandler(uniswapv3.Config{
			Readers:    deps.readers,
			Engine:     deps.engine,
			Prices:     deps.prices,
			TokenCache: deps.tokenCache,
			Logger:     logger,
		}),
		raydium.NewHandler(raydium.Config{
			Client: client(model.ProviderRaydiumCLMM, p.RaydiumURL),
			Prices: deps.prices,
			Logger: logger,
		}),
	}
	for _, h := range handlers {
		if _, ok := reg.Spec(h.Provider()); !ok {
			logger.Info("provider absent from chain-support table, handler not registered", "provider", h.Provider())
			continue
		}
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func newAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	return alert.New(cfg.Alert.SlackWebhookURL, cfg.Alert.WebhookURL, cfg.Alert.Cooldown, logger)
}
