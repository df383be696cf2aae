// Package config centralizes how the CallScript workers read their settings
// from an optional config.yaml and CALLSCRIPT_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Ringba   RingbaConfig   `yaml:"ringba" mapstructure:"ringba"`
	Sync     SyncConfig     `yaml:"sync" mapstructure:"sync"`
	Vault    VaultConfig    `yaml:"vault" mapstructure:"vault"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Schedule ScheduleConfig `yaml:"schedule" mapstructure:"schedule"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL             string        `yaml:"url" mapstructure:"url"`
	MaxConns        int32         `yaml:"max_conns" mapstructure:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" mapstructure:"max_conn_idle_time"`
	EnsureSchema    bool          `yaml:"ensure_schema" mapstructure:"ensure_schema"`
}

// StorageConfig configures the S3-compatible object store for recordings.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Region    string `yaml:"region" mapstructure:"region"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
}

// RingbaConfig holds the reporting API endpoint and single-org credentials.
type RingbaConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	AccountID   string        `yaml:"account_id" mapstructure:"account_id"`
	Token       string        `yaml:"token" mapstructure:"token"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PageSize    int           `yaml:"page_size" mapstructure:"page_size"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	// BreakerThreshold is the number of consecutive transient failures that
	// opens the circuit around the API.
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

// SyncConfig configures the ingestion worker.
type SyncConfig struct {
	OrgID    string        `yaml:"org_id" mapstructure:"org_id"`
	MultiOrg bool          `yaml:"multi_org" mapstructure:"multi_org"`
	Lookback time.Duration `yaml:"lookback" mapstructure:"lookback"`

	BackfillChunk time.Duration `yaml:"backfill_chunk" mapstructure:"backfill_chunk"`
	BackfillPause time.Duration `yaml:"backfill_pause" mapstructure:"backfill_pause"`
}

// VaultConfig configures the recording vault worker.
type VaultConfig struct {
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency    int           `yaml:"concurrency" mapstructure:"concurrency"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	UploadTimeout  time.Duration `yaml:"upload_timeout" mapstructure:"upload_timeout"`
	MinDuration    time.Duration `yaml:"min_duration" mapstructure:"min_duration"`
	ClaimTTL       time.Duration `yaml:"claim_ttl" mapstructure:"claim_ttl"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// RedisConfig points asynq at its broker.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// ScheduleConfig holds cron specs for the periodic tasks.
type ScheduleConfig struct {
	Sync        string `yaml:"sync" mapstructure:"sync"`
	Vault       string `yaml:"vault" mapstructure:"vault"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Address         string        `yaml:"address" mapstructure:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CALLSCRIPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a useful default are still registered so AutomaticEnv can
	// populate them during Unmarshal.
	for _, key := range []string{
		"database.url",
		"storage.access_key",
		"storage.secret_key",
		"ringba.account_id",
		"ringba.token",
		"sync.org_id",
		"redis.password",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("database.ensure_schema", false)

	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.bucket", "calls-audio")

	v.SetDefault("ringba.base_url", "https://api.ringba.com/v2")
	v.SetDefault("ringba.timeout", 30*time.Second)
	v.SetDefault("ringba.page_size", 1000)
	v.SetDefault("ringba.max_attempts", 3)
	v.SetDefault("ringba.breaker_threshold", 5)
	v.SetDefault("ringba.breaker_reset", time.Minute)

	v.SetDefault("sync.multi_org", false)
	v.SetDefault("sync.lookback", 15*time.Minute)
	v.SetDefault("sync.backfill_chunk", 24*time.Hour)
	v.SetDefault("sync.backfill_pause", time.Second)

	v.SetDefault("vault.batch_size", 50)
	v.SetDefault("vault.concurrency", 50)
	v.SetDefault("vault.fetch_timeout", 60*time.Second)
	v.SetDefault("vault.max_attempts", 3)
	v.SetDefault("vault.initial_backoff", time.Second)
	v.SetDefault("vault.max_backoff", 10*time.Second)
	v.SetDefault("vault.upload_timeout", 2*time.Minute)
	v.SetDefault("vault.min_duration", 15*time.Second)
	v.SetDefault("vault.claim_ttl", 15*time.Minute)
	v.SetDefault("vault.max_retries", 3)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("schedule.sync", "*/5 * * * *")
	v.SetDefault("schedule.vault", "* * * * *")
	v.SetDefault("schedule.concurrency", 4)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
