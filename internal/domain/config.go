package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete cardguard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `json:"tier"`

	// Batch input and output locations
	Batch BatchConfig `json:"batch"`

	// Rule engine settings
	Engine EngineConfig `json:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// BatchConfig holds the flat file locations of a batch run.
type BatchConfig struct {
	InputPath      string `json:"inputPath"`
	ScoredPath     string `json:"scoredPath"`
	AlertsPath     string `json:"alertsPath"`
	SkipEnrichment bool   `json:"skipEnrichment"`
}

// EngineConfig holds rule engine settings.
type EngineConfig struct {
	// MaxWorkers bounds how many rule conditions are evaluated concurrently.
	MaxWorkers int `json:"maxWorkers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity uses flat files, an in-process LRU and Go channels
	TierCommunity Tier = "community"

	// TierPro uses PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120,
		},
		Tier: TierCommunity,
		Batch: BatchConfig{
			InputPath:  "data/card_transactions.csv",
			ScoredPath: "data/card_transactions_scored.csv",
			AlertsPath: "data/card_alerts.csv",
		},
		Engine: EngineConfig{
			MaxWorkers: 8,
		},
		Repository: RepositoryConfig{
			Driver:     "none",
			SQLitePath: "./data/cardguard.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
			SummaryTTL:   24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "cardguard",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "cardguard",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		SummaryTTL:     7 * 24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds a configuration from the tier defaults and CARDGUARD_*
// environment overrides. getenv is usually os.Getenv.
func LoadConfig(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.EqualFold(getenv("CARDGUARD_TIER"), string(TierPro)) {
		cfg = ProConfig()
	}

	l := envLoader{getenv: getenv}

	l.setString("CARDGUARD_HOST", &cfg.Server.Host)
	l.setInt("CARDGUARD_PORT", &cfg.Server.Port)

	l.setString("CARDGUARD_INPUT", &cfg.Batch.InputPath)
	l.setString("CARDGUARD_SCORED_OUTPUT", &cfg.Batch.ScoredPath)
	l.setString("CARDGUARD_ALERTS_OUTPUT", &cfg.Batch.AlertsPath)
	l.setBool("CARDGUARD_SKIP_ENRICHMENT", &cfg.Batch.SkipEnrichment)

	l.setInt("CARDGUARD_MAX_WORKERS", &cfg.Engine.MaxWorkers)

	l.setString("CARDGUARD_DB_DRIVER", &cfg.Repository.Driver)
	l.setString("CARDGUARD_SQLITE_PATH", &cfg.Repository.SQLitePath)
	l.setString("CARDGUARD_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	l.setInt("CARDGUARD_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	l.setString("CARDGUARD_POSTGRES_USER", &cfg.Repository.PostgresUser)
	l.setString("CARDGUARD_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	l.setString("CARDGUARD_POSTGRES_DB", &cfg.Repository.PostgresDB)
	l.setString("CARDGUARD_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	l.setString("CARDGUARD_CACHE", &cfg.Cache.Type)
	l.setString("CARDGUARD_REDIS_ADDR", &cfg.Cache.RedisAddr)
	l.setString("CARDGUARD_REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	l.setString("CARDGUARD_BUS", &cfg.EventBus.Type)
	l.setString("CARDGUARD_NATS_URL", &cfg.EventBus.NATSUrl)
	l.setString("CARDGUARD_NATS_TOKEN", &cfg.EventBus.NATSToken)
	l.setBool("CARDGUARD_PUBLISH_ALERTS", &cfg.EventBus.PublishAlerts)

	l.setString("CARDGUARD_LOG_LEVEL", &cfg.Logging.Level)
	l.setString("CARDGUARD_LOG_FORMAT", &cfg.Logging.Format)
	l.setBool("CARDGUARD_TRACING", &cfg.Tracing.Enabled)

	debug := false
	l.setBool("CARDGUARD_DEBUG", &debug)
	if debug {
		cfg.Logging.Level = "debug"
	}

	if l.err != nil {
		return nil, l.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can use.
func (c *Config) Validate() error {
	if c.Batch.InputPath == "" {
		return fmt.Errorf("%w: input path is required", ErrInvalidConfig)
	}
	if c.Batch.ScoredPath == "" || c.Batch.AlertsPath == "" {
		return fmt.Errorf("%w: scored and alerts output paths are required", ErrInvalidConfig)
	}
	if c.Engine.MaxWorkers <= 0 {
		return fmt.Errorf("%w: max workers must be positive, got %d", ErrInvalidConfig, c.Engine.MaxWorkers)
	}
	switch c.Repository.Driver {
	case "", "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unsupported repository driver %q", ErrInvalidConfig, c.Repository.Driver)
	}
	switch c.Cache.Type {
	case "", "none", "memory", "redis":
	default:
		return fmt.Errorf("%w: unsupported cache type %q", ErrInvalidConfig, c.Cache.Type)
	}
	switch c.EventBus.Type {
	case "", "none", "channel", "nats":
	default:
		return fmt.Errorf("%w: unsupported event bus type %q", ErrInvalidConfig, c.EventBus.Type)
	}
	return nil
}

// BatchRequest returns a request for the configured batch locations.
func (c *Config) BatchRequest() BatchRequest {
	return BatchRequest{
		InputPath:      c.Batch.InputPath,
		ScoredPath:     c.Batch.ScoredPath,
		AlertsPath:     c.Batch.AlertsPath,
		SkipEnrichment: c.Batch.SkipEnrichment,
	}
}

// envLoader applies environment overrides and keeps the first parse error.
type envLoader struct {
	getenv func(string) string
	err    error
}

func (l *envLoader) setString(key string, dst *string) {
	if v := l.getenv(key); v != "" {
		*dst = v
	}
}

func (l *envLoader) setInt(key string, dst *int) {
	v := l.getenv(key)
	if v == "" || l.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.err = fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
		return
	}
	*dst = n
}

func (l *envLoader) setBool(key string, dst *bool) {
	v := l.getenv(key)
	if v == "" || l.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.err = fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, key, v)
		return
	}
	*dst = b
}
