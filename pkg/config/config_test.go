package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 100, cfg.Reconcile.BatchSize)
	assert.Equal(t, "0 8 * * *", cfg.Sources["OFAC"].Schedule)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
postgres:
  host: db.internal
  database: screening
store:
  driver: memory
orchestrator:
  workers: 4
  misfireGrace: 10m
logging:
  level: debug
`)

	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "file only",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, "db.internal", cfg.Postgres.Host)
				assert.Equal(t, "screening", cfg.Postgres.Database)
				assert.Equal(t, 5432, cfg.Postgres.Port)
				assert.Equal(t, "memory", cfg.Store.Driver)
				assert.Equal(t, 4, cfg.Orchestrator.Workers)
				assert.Equal(t, 10*time.Minute, cfg.Orchestrator.MisfireGrace)
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, "json", cfg.Logging.Format)
			},
		},
		{
			name: "env overrides file",
			env: map[string]string{
				"SANCTIONS_SERVER_PORT":    "8181",
				"SANCTIONS_POSTGRES_HOST":  "pg.prod",
				"SANCTIONS_POSTGRES_PORT":  "6543",
				"SANCTIONS_STORE_DRIVER":   "postgres",
				"SANCTIONS_LOGGING_LEVEL":  "warn",
				"SANCTIONS_LOGGING_FORMAT": "text",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8181, cfg.Server.Port)
				assert.Equal(t, "pg.prod", cfg.Postgres.Host)
				assert.Equal(t, 6543, cfg.Postgres.Port)
				assert.Equal(t, "postgres", cfg.Store.Driver)
				assert.Equal(t, "warn", cfg.Logging.Level)
				assert.Equal(t, "text", cfg.Logging.Format)
				assert.Equal(t, "screening", cfg.Postgres.Database)
			},
		},
		{
			name: "unparsable numbers are ignored",
			env: map[string]string{
				"SANCTIONS_SERVER_PORT":          "eighty",
				"SANCTIONS_RECONCILE_BATCH_SIZE": "lots",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, 100, cfg.Reconcile.BatchSize)
			},
		},
		{
			name: "brokers and redis enable their features",
			env: map[string]string{
				"SANCTIONS_KAFKA_BROKERS": "k1:9092,k2:9092",
				"SANCTIONS_REDIS_ADDR":    "cache:6379",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Kafka.Enabled)
				assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
				assert.True(t, cfg.Redis.Enabled)
				assert.Equal(t, "cache:6379", cfg.Redis.Addr)
			},
		},
		{
			name: "source urls",
			env: map[string]string{
				"SANCTIONS_OFAC_URL": "http://mirror/sdn.xml",
				"SANCTIONS_UN_URL":   "http://mirror/un.xml",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "http://mirror/sdn.xml", cfg.Sources["OFAC"].URL)
				assert.True(t, cfg.Sources["OFAC"].Enabled)
				assert.Equal(t, "http://mirror/un.xml", cfg.Sources["UN"].URL)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(path)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.ErrorContains(t, err, "parsing config file")

	t.Setenv("SANCTIONS_STORE_DRIVER", "sqlite")
	_, err = Load("")
	assert.ErrorContains(t, err, "store.driver")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: "store.driver",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Server.RateLimit = -1 },
			wantErr: "server.rateLimit",
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Reconcile.BatchSize = 0 },
			wantErr: "reconcile.batchSize",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Orchestrator.Workers = 0 },
			wantErr: "orchestrator.workers",
		},
		{
			name:    "max limit below default",
			mutate:  func(c *Config) { c.Matching.MaxLimit = 5 },
			wantErr: "matching.maxLimit",
		},
		{
			name: "bad schedule",
			mutate: func(c *Config) {
				src := c.Sources["UN"]
				src.Schedule = "every monday"
				c.Sources["UN"] = src
			},
			wantErr: "sources.UN.schedule",
		},
		{
			name: "enabled source without url",
			mutate: func(c *Config) {
				src := c.Sources["OFAC"]
				src.URL = ""
				c.Sources["OFAC"] = src
			},
			wantErr: "sources.OFAC.url",
		},
		{
			name: "disabled source is not checked",
			mutate: func(c *Config) {
				c.Sources["EU"] = SourceConfig{Schedule: "not cron"}
			},
		},
		{
			name: "empty schedule is manual only",
			mutate: func(c *Config) {
				src := c.Sources["UN"]
				src.Schedule = ""
				c.Sources["UN"] = src
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t,
		"host=localhost port=5432 user=sanctions password=localdev dbname=sanctions sslmode=disable",
		cfg.Postgres.DSN())
}
