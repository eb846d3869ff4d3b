package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port                string `mapstructure:"PORT"`
	Env                 string `mapstructure:"ENV"`
	LogLevel            string `mapstructure:"LOG_LEVEL"`
	StoreDriver         string `mapstructure:"STORE_DRIVER"`
	DatabaseURL         string `mapstructure:"DB_DSN"`
	DBMaxConns          int32  `mapstructure:"DB_MAX_CONNS"`
	MigrationsDir       string `mapstructure:"MIGRATIONS_DIR"`
	RedisURL            string `mapstructure:"REDIS_URL"`
	RedisChannelPrefix  string `mapstructure:"REDIS_CHANNEL_PREFIX"`
	NoShowSchedule      string `mapstructure:"NO_SHOW_SCHEDULE"`
	NoShowBatchSize     int    `mapstructure:"NO_SHOW_BATCH_SIZE"`
	AutoCallChainLimit  int    `mapstructure:"AUTO_CALL_CHAIN_LIMIT"`
	RetryMaxAttempts    int    `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialMillis  int    `mapstructure:"RETRY_INITIAL_INTERVAL_MS"`
	RateLimitPerMinute  int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst      int    `mapstructure:"RATE_LIMIT_BURST"`
	RealtimeSendBuffer  int    `mapstructure:"REALTIME_SEND_BUFFER"`
	WSAllowedOrigins    string `mapstructure:"WS_ALLOWED_ORIGINS"`
	OTelEndpoint        string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure        bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ShutdownTimeoutSecs int    `mapstructure:"SHUTDOWN_TIMEOUT_SECONDS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER", "DB_DSN", "DB_MAX_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "REDIS_CHANNEL_PREFIX", "NO_SHOW_SCHEDULE", "NO_SHOW_BATCH_SIZE",
	"AUTO_CALL_CHAIN_LIMIT", "RETRY_MAX_ATTEMPTS", "RETRY_INITIAL_INTERVAL_MS",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "REALTIME_SEND_BUFFER", "WS_ALLOWED_ORIGINS",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "SHUTDOWN_TIMEOUT_SECONDS",
}

// Load reads the environment, after an optional .env file in the working
// directory. Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return fromViper(viper.New())
}

func fromViper(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("REDIS_CHANNEL_PREFIX", "clinicq:")
	v.SetDefault("NO_SHOW_SCHEDULE", "@every 30s")
	v.SetDefault("NO_SHOW_BATCH_SIZE", 100)
	v.SetDefault("AUTO_CALL_CHAIN_LIMIT", 3)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 4)
	v.SetDefault("RETRY_INITIAL_INTERVAL_MS", 10)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("REALTIME_SEND_BUFFER", 16)
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 10)

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required when STORE_DRIVER is postgres")
		}
	case DriverMemory:
		if c.RedisURL != "" {
			return errors.New("REDIS_URL requires STORE_DRIVER=postgres; the memory store is not shared between instances")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.NoShowBatchSize <= 0 {
		return errors.New("NO_SHOW_BATCH_SIZE must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return errors.New("RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.AutoCallChainLimit < 0 {
		return errors.New("AUTO_CALL_CHAIN_LIMIT must not be negative")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) RetryInitialInterval() time.Duration {
	return time.Duration(c.RetryInitialMillis) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSecs) * time.Second
}

func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.WSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
