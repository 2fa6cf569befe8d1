package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emperorhan/position-aggregator/internal/api"
	"github.com/emperorhan/position-aggregator/internal/archive"
	"github.com/emperorhan/position-aggregator/internal/config"
	"github.com/emperorhan/position-aggregator/internal/consolidate"
	"github.com/emperorhan/position-aggregator/internal/dispatcher"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/granular"
	"github.com/emperorhan/position-aggregator/internal/provider"
	"github.com/emperorhan/position-aggregator/internal/snapshot"
	"github.com/emperorhan/position-aggregator/internal/store/postgres"
	redisstore "github.com/emperorhan/position-aggregator/internal/store/redis"
	"github.com/emperorhan/position-aggregator/internal/tracing"
	"github.com/emperorhan/position-aggregator/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	logger.Info("starting position-aggregator",
		"role", cfg.Role,
		"broker_backend", cfg.Broker.Backend,
		"worker_concurrency", cfg.Worker.Concurrency,
		"retry_max_attempts", cfg.Worker.MaxAttempts,
		"evm_endpoints", len(cfg.RPC.EVMEndpoints),
		"archive_enabled", cfg.Archive.DBURL != "",
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("aggregator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("aggregator shut down gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, "position-aggregator", tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	client, err := redisstore.Open(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer client.Close()
	logger.Info("connected to redis")

	jobs := redisstore.NewJobStore(client, cfg.Job.TTL)
	tr := newTransport(cfg, client, logger)
	defer tr.Close()
	if err := tr.declare(ctx, cfg.Broker.Group, worker.RequestPattern); err != nil {
		return fmt.Errorf("declare worker queue: %w", err)
	}

	table, err := loadProviderTable(cfg)
	if err != nil {
		return err
	}
	registry := provider.NewRegistry(table)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, client, logger)
	})

	if cfg.Role == config.RoleAPI || cfg.Role == config.RoleAll {
		d := dispatcher.New(jobs, tr, registry, logger, dispatcher.WithActiveTTL(cfg.Job.ActiveIndexTTL))
		limiter := api.NewRateLimiter(
			api.Limit{RPS: cfg.Server.DispatchRPS, Burst: cfg.Server.DispatchBurst},
			api.Limit{RPS: cfg.Server.ReadRPS, Burst: cfg.Server.ReadBurst},
			logger,
		)
		defer limiter.Stop()
		srv := api.NewServer(d, snapshot.NewReader(jobs, logger), logger,
			api.WithRateLimiter(limiter),
			api.WithMaxAccounts(cfg.Job.MaxAccounts),
		)
		g.Go(func() error {
			return serveHTTP(gCtx, "api", cfg.Server.HTTPPort, srv.Handler(), logger)
		})
	}

	if cfg.Role == config.RoleWorker || cfg.Role == config.RoleAll {
		closeReaders, err := startWorker(gCtx, g, cfg, jobs, tr, registry, client, logger)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		defer closeReaders()

		if cfg.Archive.DBURL != "" {
			db, err := startArchive(gCtx, g, cfg, tr, logger)
			if err != nil {
				cancel()
				_ = g.Wait()
				return err
			}
			defer db.Close()
		}
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startWorker registers provider handlers and launches the request worker.
// The returned func releases the chain RPC clients.
func startWorker(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	jobs *redisstore.JobStore,
	tr transport,
	registry *provider.Registry,
	client *redis.Client,
	logger *slog.Logger,
) (func(), error) {
	prices, err := newPricePipeline(cfg, logger)
	if err != nil {
		return nil, err
	}
	alerter := newAlerter(cfg, logger)
	readers, closeReaders, err := dialEVMReaders(ctx, cfg, alerter, logger)
	if err != nil {
		return nil, err
	}
	chains := make([]model.Chain, 0, len(readers))
	for chain := range readers {
		chains = append(chains, chain)
	}
	tokenCaches := newTokenCaches(client, chains)
	warmTokenCaches(ctx, tokenCaches, logger)

	engine := granular.New(granular.Config{
		Concurrency:    cfg.Granular.Concurrency,
		MinSuccessRate: cfg.Granular.MinSuccessRate,
		OpAttempts:     cfg.Granular.OpAttempts,
		OpBackoff:      cfg.Granular.OpBackoff,
	}, logger)
	if err := registerHandlers(registry, cfg, handlerDeps{
		readers:    readers,
		tokenCache: tokenCaches,
		prices:     prices,
		engine:     engine,
	}, logger); err != nil {
		closeReaders()
		return nil, err
	}

	w := worker.New(worker.Config{
		Queue:          cfg.Broker.Group,
		Concurrency:    cfg.Worker.Concurrency,
		DefaultTimeout: cfg.Worker.OperationTimeout,
		Policy:         worker.RetryPolicy{MaxAttempts: cfg.Worker.MaxAttempts, Delays: cfg.Worker.RetryDelays},
	}, jobs, tr, registry, logger,
		worker.WithConsolidator(consolidate.New(jobs, logger)),
		worker.WithAlerter(alerter),
	)
	g.Go(func() error {
		return w.Run(ctx)
	})
	return closeReaders, nil
}

func startArchive(ctx context.Context, g *errgroup.Group, cfg *config.Config, tr transport, logger *slog.Logger) (*postgres.DB, error) {
	db, err := postgres.New(ctx, postgres.Config{
		URL:             cfg.Archive.DBURL,
		MaxOpenConns:    cfg.Archive.MaxOpenConns,
		MaxIdleConns:    cfg.Archive.MaxIdleConns,
		ConnMaxLifetime: cfg.Archive.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to archive database: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive migrations: %w", err)
	}
	logger.Info("connected to archive database")

	if err := tr.declare(ctx, cfg.Broker.ResultGroup, archive.ResultPattern); err != nil {
		db.Close()
		return nil, fmt.Errorf("declare archive queue: %w", err)
	}
	startDBPoolStatsPump(ctx, db.DB, "archive", cfg.Archive.PoolStatsEvery, logger)

	a := archive.New(archive.Config{
		Queue:         cfg.Broker.ResultGroup,
		Retention:     cfg.Archive.Retention,
		PurgeInterval: cfg.Archive.PurgeInterval,
	}, postgres.NewResultRepo(db), tr, logger)
	g.Go(func() error {
		return a.Run(ctx)
	})
	return db, nil
}

func runHealthServer(ctx context.Context, port int, pinger redis.Cmdable, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := pinger.Ping(pingCtx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return serveHTTP(ctx, "health", port, mux, logger)
}

func serveHTTP(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
