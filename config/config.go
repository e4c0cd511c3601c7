package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Queue    QueueConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// QueueConfig holds the purchase queue processing knobs.
type QueueConfig struct {
	// TickPeriod is how often the processor scans for waiting intents.
	TickPeriod time.Duration `mapstructure:"QUEUE_TICK_PERIOD"`
	// BatchSize caps how many intents one event drains per tick.
	BatchSize int `mapstructure:"QUEUE_BATCH_SIZE"`
	// IntentExpiry is the maximum queue age before an intent expires.
	IntentExpiry time.Duration `mapstructure:"QUEUE_INTENT_EXPIRY"`
	// PerIntentTimeout bounds a single allocation attempt.
	PerIntentTimeout time.Duration `mapstructure:"QUEUE_PER_INTENT_TIMEOUT"`
	// MaxAttempts is the allocation retry budget per intent.
	MaxAttempts int `mapstructure:"QUEUE_MAX_ATTEMPTS"`
	// SweeperPeriod is how often expired waiting intents are swept.
	SweeperPeriod time.Duration `mapstructure:"QUEUE_SWEEPER_PERIOD"`
	// WaitEstimatePerIntent converts queue position into an ETA.
	WaitEstimatePerIntent time.Duration `mapstructure:"QUEUE_WAIT_ESTIMATE"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "turnstile")
	viper.SetDefault("POSTGRES_PASSWORD", "turnstile_secret")
	viper.SetDefault("POSTGRES_DB", "turnstile_db")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 50)
	viper.SetDefault("POSTGRES_MIN_CONNS", 10)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("QUEUE_TICK_PERIOD", "2s")
	viper.SetDefault("QUEUE_BATCH_SIZE", 5)
	viper.SetDefault("QUEUE_INTENT_EXPIRY", "30m")
	viper.SetDefault("QUEUE_PER_INTENT_TIMEOUT", "30s")
	viper.SetDefault("QUEUE_MAX_ATTEMPTS", 3)
	viper.SetDefault("QUEUE_SWEEPER_PERIOD", "5m")
	viper.SetDefault("QUEUE_WAIT_ESTIMATE", "30s")

	// Try to read .env file. If it doesn't exist (e.g., inside Docker),
	// env vars injected by docker-compose env_file are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	// ── Server ──────────────────────────────────────────
	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	// ── Postgres ────────────────────────────────────────
	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("POSTGRES_HOST"),
		Port:     viper.GetInt("POSTGRES_PORT"),
		User:     viper.GetString("POSTGRES_USER"),
		Password: viper.GetString("POSTGRES_PASSWORD"),
		DBName:   viper.GetString("POSTGRES_DB"),
		SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		MaxConns: viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: viper.GetInt32("POSTGRES_MIN_CONNS"),
	}

	// ── Redis ───────────────────────────────────────────
	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	// ── Queue ───────────────────────────────────────────
	cfg.Queue = QueueConfig{
		TickPeriod:            viper.GetDuration("QUEUE_TICK_PERIOD"),
		BatchSize:             viper.GetInt("QUEUE_BATCH_SIZE"),
		IntentExpiry:          viper.GetDuration("QUEUE_INTENT_EXPIRY"),
		PerIntentTimeout:      viper.GetDuration("QUEUE_PER_INTENT_TIMEOUT"),
		MaxAttempts:           viper.GetInt("QUEUE_MAX_ATTEMPTS"),
		SweeperPeriod:         viper.GetDuration("QUEUE_SWEEPER_PERIOD"),
		WaitEstimatePerIntent: viper.GetDuration("QUEUE_WAIT_ESTIMATE"),
	}

	if err := cfg.Queue.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate rejects queue settings the processor cannot run with.
func (q *QueueConfig) validate() error {
	if q.TickPeriod <= 0 {
		return fmt.Errorf("config: QUEUE_TICK_PERIOD must be positive, got %s", q.TickPeriod)
	}
	if q.BatchSize <= 0 {
		return fmt.Errorf("config: QUEUE_BATCH_SIZE must be positive, got %d", q.BatchSize)
	}
	if q.IntentExpiry <= 0 {
		return fmt.Errorf("config: QUEUE_INTENT_EXPIRY must be positive, got %s", q.IntentExpiry)
	}
	if q.PerIntentTimeout <= 0 {
		return fmt.Errorf("config: QUEUE_PER_INTENT_TIMEOUT must be positive, got %s", q.PerIntentTimeout)
	}
	if q.MaxAttempts <= 0 {
		return fmt.Errorf("config: QUEUE_MAX_ATTEMPTS must be positive, got %d", q.MaxAttempts)
	}
	if q.SweeperPeriod <= 0 {
		return fmt.Errorf("config: QUEUE_SWEEPER_PERIOD must be positive, got %s", q.SweeperPeriod)
	}
	if q.WaitEstimatePerIntent < 0 {
		return fmt.Errorf("config: QUEUE_WAIT_ESTIMATE must not be negative, got %s", q.WaitEstimatePerIntent)
	}
	return nil
}
