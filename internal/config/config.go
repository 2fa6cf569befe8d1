package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
)

type Role string

const (
	RoleAll    Role = "all"
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
)

type Config struct {
	Role      Role
	Redis     RedisConfig
	Job       JobConfig
	Broker    BrokerConfig
	Worker    WorkerConfig
	Granular  GranularConfig
	RPC       RPCConfig
	Providers ProvidersConfig
	Archive   ArchiveConfig
	Alert     AlertConfig
	Server    ServerConfig
	Tracing   TracingConfig
	Log       LogConfig
}

type RedisConfig struct {
	URL string
}

type JobConfig struct {
	TTL            time.Duration
	ActiveIndexTTL time.Duration
	MaxAccounts    int
}

type BrokerConfig struct {
	Backend      string
	StreamPrefix string
	Group        string
	ResultGroup  string
	ClaimIdle    time.Duration
	Block        time.Duration
}

type WorkerConfig struct {
	Concurrency      int
	MaxAttempts      int
	RetryDelays      []time.Duration
	OperationTimeout time.Duration
}

type GranularConfig struct {
	Concurrency    int
	MinSuccessRate float64
	OpAttempts     int
	OpBackoff      time.Duration
}

type RPCConfig struct {
	EVMEndpoints   map[model.Chain]string
	RateLimitRPS   float64
	RateLimitBurst int
	CallTimeout    time.Duration
}

type ProvidersConfig struct {
	TablePath      string
	PriceTablePath string
	MoralisURL     string
	MoralisAPIKey  string
	AaveURL        string
	PendleURL      string
	KaminoURL      string
	RaydiumURL     string
	HTTPTimeout    time.Duration
	MaxBodyBytes   int64
}

type ArchiveConfig struct {
	DBURL           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Retention       time.Duration
	PurgeInterval   time.Duration
	PoolStatsEvery  time.Duration
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type ServerConfig struct {
	HTTPPort      int
	HealthPort    int
	DispatchRPS   float64
	DispatchBurst int
	ReadRPS       float64
	ReadBurst     int
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Role: Role(strings.ToLower(getEnv("ROLE", string(RoleAll)))),
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Job: JobConfig{
			TTL:            time.Duration(getEnvInt("JOB_TTL_SEC", 3600)) * time.Second,
			ActiveIndexTTL: time.Duration(getEnvInt("ACTIVE_INDEX_TTL_SEC", 600)) * time.Second,
			MaxAccounts:    getEnvInt("MAX_ACCOUNTS_PER_JOB", 20),
		},
		Broker: BrokerConfig{
			Backend:      strings.ToLower(getEnv("BROKER_BACKEND", "redis")),
			StreamPrefix: getEnv("BROKER_STREAM_PREFIX", "aggregator"),
			Group:        getEnv("BROKER_GROUP", "integration-workers"),
			ResultGroup:  getEnv("BROKER_RESULT_GROUP", "integration-results"),
			ClaimIdle:    time.Duration(getEnvInt("BROKER_CLAIM_IDLE_SEC", 60)) * time.Second,
			Block:        time.Duration(getEnvInt("BROKER_BLOCK_MS", 2000)) * time.Millisecond,
		},
		Worker: WorkerConfig{
			Concurrency:      getEnvInt("WORKER_CONCURRENCY", 4),
			MaxAttempts:      getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			OperationTimeout: time.Duration(getEnvInt("DEFAULT_OPERATION_TIMEOUT_SEC", 60)) * time.Second,
		},
		Granular: GranularConfig{
			Concurrency:    getEnvInt("GRANULAR_CONCURRENCY", 5),
			MinSuccessRate: getEnvFloat("GRANULAR_MIN_SUCCESS_RATE", 0.7),
			OpAttempts:     getEnvInt("GRANULAR_OP_ATTEMPTS", 2),
			OpBackoff:      time.Duration(getEnvInt("GRANULAR_OP_BACKOFF_MS", 250)) * time.Millisecond,
		},
		RPC: RPCConfig{
			EVMEndpoints:   make(map[model.Chain]string),
			RateLimitRPS:   getEnvFloat("RPC_RATE_LIMIT_RPS", 10),
			RateLimitBurst: getEnvInt("RPC_RATE_LIMIT_BURST", 20),
			CallTimeout:    time.Duration(getEnvInt("RPC_CALL_TIMEOUT_SEC", 10)) * time.Second,
		},
		Providers: ProvidersConfig{
			TablePath:      getEnv("PROVIDER_TABLE_PATH", ""),
			PriceTablePath: getEnv("PRICE_TABLE_PATH", ""),
			MoralisURL:     getEnv("MORALIS_API_URL", "https://deep-index.moralis.io/api/v2.2"),
			MoralisAPIKey:  getEnv("MORALIS_API_KEY", ""),
			AaveURL:        getEnv("AAVE_GRAPHQL_URL", "https://api.v3.aave.com/graphql"),
			PendleURL:      getEnv("PENDLE_API_URL", "https://api-v2.pendle.finance/core"),
			KaminoURL:      getEnv("KAMINO_API_URL", "https://api.kamino.finance"),
			RaydiumURL:     getEnv("RAYDIUM_API_URL", "https://api-v3.raydium.io"),
			HTTPTimeout:    time.Duration(getEnvInt("PROVIDER_HTTP_TIMEOUT_SEC", 20)) * time.Second,
			MaxBodyBytes:   int64(getEnvInt("PROVIDER_HTTP_MAX_BODY_BYTES", 16<<20)),
		},
		Archive: ArchiveConfig{
			DBURL:           getEnv("ARCHIVE_DB_URL", ""),
			MaxOpenConns:    getEnvInt("ARCHIVE_DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("ARCHIVE_DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: time.Duration(getEnvInt("ARCHIVE_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			Retention:       time.Duration(getEnvInt("ARCHIVE_RETENTION_DAYS", 30)) * 24 * time.Hour,
			PurgeInterval:   time.Duration(getEnvInt("ARCHIVE_PURGE_INTERVAL_MIN", 60)) * time.Minute,
			PoolStatsEvery:  time.Duration(getEnvInt("ARCHIVE_DB_POOL_STATS_INTERVAL_MS", 10000)) * time.Millisecond,
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 300)) * time.Second,
		},
		Server: ServerConfig{
			HTTPPort:      getEnvInt("HTTP_PORT", 8080),
			HealthPort:    getEnvInt("HEALTH_PORT", 9090),
			DispatchRPS:   getEnvFloat("API_DISPATCH_RPS", 2),
			DispatchBurst: getEnvInt("API_DISPATCH_BURST", 5),
			ReadRPS:       getEnvFloat("API_READ_RPS", 20),
			ReadBurst:     getEnvInt("API_READ_BURST", 40),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	delays, err := parseDelays(getEnv("RETRY_DELAYS_MS", "5000,10000"))
	if err != nil {
		return nil, fmt.Errorf("RETRY_DELAYS_MS: %w", err)
	}
	cfg.Worker.RetryDelays = delays

	for _, chain := range model.KnownChains {
		if !chain.IsEVM() {
			continue
		}
		if url := getEnv("EVM_RPC_"+strings.ToUpper(string(chain)), ""); url != "" {
			cfg.RPC.EVMEndpoints[chain] = url
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Role {
	case RoleAll, RoleAPI, RoleWorker:
	default:
		return fmt.Errorf("ROLE must be one of all|api|worker, got %q", c.Role)
	}
	switch c.Broker.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("BROKER_BACKEND must be redis or memory, got %q", c.Broker.Backend)
	}
	if c.Broker.Backend == "memory" && c.Role != RoleAll {
		return fmt.Errorf("BROKER_BACKEND=memory requires ROLE=all")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Job.TTL <= 0 {
		return fmt.Errorf("JOB_TTL_SEC must be positive")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if len(c.Worker.RetryDelays) < c.Worker.MaxAttempts-1 {
		return fmt.Errorf("RETRY_DELAYS_MS needs %d entries for %d attempts", c.Worker.MaxAttempts-1, c.Worker.MaxAttempts)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	if c.Granular.MinSuccessRate < 0 || c.Granular.MinSuccessRate > 1 {
		return fmt.Errorf("GRANULAR_MIN_SUCCESS_RATE must be within [0, 1]")
	}
	if c.Granular.Concurrency < 1 {
		return fmt.Errorf("GRANULAR_CONCURRENCY must be >= 1")
	}
	if c.Granular.OpAttempts < 1 {
		return fmt.Errorf("GRANULAR_OP_ATTEMPTS must be >= 1")
	}
	if c.Job.MaxAccounts < 1 {
		return fmt.Errorf("MAX_ACCOUNTS_PER_JOB must be >= 1")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when TRACING_ENABLED")
	}
	return nil
}

func parseDelays(raw string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ms, err := strconv.Atoi(part)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid delay %q", part)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
