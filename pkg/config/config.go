// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Sources, Orchestrator, Matching, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig            `yaml:"server"`
	Postgres     PostgresConfig          `yaml:"postgres"`
	Kafka        KafkaConfig             `yaml:"kafka"`
	Redis        RedisConfig             `yaml:"redis"`
	Store        StoreConfig             `yaml:"store"`
	Sources      map[string]SourceConfig `yaml:"sources"`
	Fetch        FetchConfig             `yaml:"fetch"`
	Reconcile    ReconcileConfig         `yaml:"reconcile"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator"`
	Matching     MatchingConfig          `yaml:"matching"`
	Notify       NotifyConfig            `yaml:"notify"`
	Logging      LoggingConfig           `yaml:"logging"`
	Metrics      MetricsConfig           `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimit is requests per minute per client address; 0 disables it.
	RateLimit   int      `yaml:"rateLimit"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Notifications string `yaml:"notifications"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"poolSize"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
	KeyPrefix string        `yaml:"keyPrefix"`
}

// StoreConfig selects the entity store and run ledger backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Migrate creates the schema on startup when true.
	Migrate bool `yaml:"migrate"`
}

// SourceConfig describes one sanctions authority feed.
type SourceConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Schedule    string `yaml:"schedule"`
	Description string `yaml:"description"`
}

// FetchConfig controls feed downloads.
type FetchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxBytes      int64         `yaml:"maxBytes"`
	UserAgent     string        `yaml:"userAgent"`
	RetryAttempts int           `yaml:"retryAttempts"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
}

// ReconcileConfig controls how parsed records are written to the store.
type ReconcileConfig struct {
	BatchSize int `yaml:"batchSize"`
}

// OrchestratorConfig controls scheduling, the worker pool and the periodic
// health check.
type OrchestratorConfig struct {
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queueSize"`
	MisfireGrace        time.Duration `yaml:"misfireGrace"`
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	StaleAfter          time.Duration `yaml:"staleAfter"`
	FailureWindow       time.Duration `yaml:"failureWindow"`
	RecentRuns          int           `yaml:"recentRuns"`
}

// MatchingConfig controls query limits for the matching engine.
type MatchingConfig struct {
	DefaultLimit    int     `yaml:"defaultLimit"`
	MaxLimit        int     `yaml:"maxLimit"`
	DefaultMinScore float64 `yaml:"defaultMinScore"`
}

// NotifyConfig selects notification sinks.
type NotifyConfig struct {
	WebhookURL     string        `yaml:"webhookUrl"`
	WebhookTimeout time.Duration `yaml:"webhookTimeout"`
	BufferSize     int           `yaml:"bufferSize"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("store.driver %q: must be postgres or memory", c.Store.Driver)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rateLimit must not be negative, got %d", c.Server.RateLimit)
	}
	if c.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("reconcile.batchSize must be positive, got %d", c.Reconcile.BatchSize)
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be positive, got %d", c.Orchestrator.Workers)
	}
	if c.Matching.MaxLimit < c.Matching.DefaultLimit {
		return fmt.Errorf("matching.maxLimit %d below defaultLimit %d", c.Matching.MaxLimit, c.Matching.DefaultLimit)
	}
	for name, src := range c.Sources {
		if !src.Enabled {
			continue
		}
		if src.URL == "" {
			return fmt.Errorf("sources.%s.url is required", name)
		}
		if src.Schedule != "" {
			if _, err := cron.ParseStandard(src.Schedule); err != nil {
				return fmt.Errorf("sources.%s.schedule %q: %w", name, src.Schedule, err)
			}
		}
	}
	return nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       600,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "sanctions",
			User:            "sanctions",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "sanctions-searcher",
			Topics: KafkaTopics{
				Notifications: "sanctions-notifications",
			},
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			Password:  "",
			DB:        0,
			PoolSize:  10,
			CacheTTL:  5 * time.Minute,
			KeyPrefix: "sanctions:",
		},
		Store: StoreConfig{
			Driver:  "postgres",
			Migrate: true,
		},
		Sources: map[string]SourceConfig{
			"OFAC": {
				Enabled:     true,
				URL:         "https://sanctionslistservice.ofac.treas.gov/api/PublicationPreview/exports/SDN.XML",
				Schedule:    "0 8 * * *",
				Description: "US Treasury OFAC Specially Designated Nationals list",
			},
			"UN": {
				Enabled:     true,
				URL:         "https://scsanctions.un.org/resources/xml/en/consolidated.xml",
				Schedule:    "0 9 * * 1",
				Description: "UN Security Council Consolidated List",
			},
		},
		Fetch: FetchConfig{
			Timeout:       2 * time.Minute,
			MaxBytes:      256 << 20,
			UserAgent:     "sanctions-screening/1.0",
			RetryAttempts: 3,
			RetryDelay:    2 * time.Second,
		},
		Reconcile: ReconcileConfig{
			BatchSize: 100,
		},
		Orchestrator: OrchestratorConfig{
			Workers:             2,
			QueueSize:           8,
			MisfireGrace:        5 * time.Minute,
			HealthCheckInterval: 6 * time.Hour,
			StaleAfter:          7 * 24 * time.Hour,
			FailureWindow:       24 * time.Hour,
			RecentRuns:          10,
		},
		Matching: MatchingConfig{
			DefaultLimit:    20,
			MaxLimit:        100,
			DefaultMinScore: 0.5,
		},
		Notify: NotifyConfig{
			WebhookTimeout: 10 * time.Second,
			BufferSize:     256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SANCTIONS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANCTIONS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SANCTIONS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SANCTIONS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SANCTIONS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SANCTIONS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SANCTIONS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SANCTIONS_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("SANCTIONS_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SANCTIONS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("SANCTIONS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SANCTIONS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SANCTIONS_OFAC_URL"); v != "" {
		setSourceURL(cfg, "OFAC", v)
	}
	if v := os.Getenv("SANCTIONS_UN_URL"); v != "" {
		setSourceURL(cfg, "UN", v)
	}
	if v := os.Getenv("SANCTIONS_RECONCILE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconcile.BatchSize = n
		}
	}
	if v := os.Getenv("SANCTIONS_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("SANCTIONS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SANCTIONS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func setSourceURL(cfg *Config, name, url string) {
	if cfg.Sources == nil {
		cfg.Sources = make(map[string]SourceConfig)
	}
	src := cfg.Sources[name]
	src.URL = url
	cfg.Sources[name] = src
}
