// Package config loads dripd settings from defaults, an optional YAML file
// and DRIP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petrijr/drip/pkg/api"
)

const (
	// AppName is the config file base name searched for when no file is given.
	AppName = "drip"

	// EnvPrefix is the prefix of environment overrides, e.g. DRIP_STORE_DRIVER.
	EnvPrefix = "DRIP"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig moves locks, the delivery ledger, A/B assignments, timers and
// the work queue to Redis when enabled.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Prefix  string `mapstructure:"prefix"`
}

// MongoConfig moves traits and the event log to MongoDB when enabled, and
// the work queue as well when Queue is set.
type MongoConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	Queue    bool   `mapstructure:"queue"`
}

type EngineConfig struct {
	Workers         int             `mapstructure:"workers"`
	PollInterval    time.Duration   `mapstructure:"poll_interval"`
	LockTTL         time.Duration   `mapstructure:"lock_ttl"`
	DispatchTimeout time.Duration   `mapstructure:"dispatch_timeout"`
	RequeueDelay    time.Duration   `mapstructure:"requeue_delay"`
	MaxRequeueDelay time.Duration   `mapstructure:"max_requeue_delay"`
	Salt            string          `mapstructure:"salt"`
	Retry           api.RetryPolicy `mapstructure:"retry"`
}

type SweepConfig struct {
	// Schedule is a cron expression; empty disables periodic sweeps.
	Schedule string `mapstructure:"schedule"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// DispatchConfig bounds the delivery rate per channel. Rate <= 0 disables
// limiting.
type DispatchConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config is the complete dripd configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// New returns a viper instance with every default set and environment
// overrides enabled.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers a default for every key, which also makes every key
// visible to AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	retry := api.DefaultRetryPolicy()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "drip.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "drip:")

	v.SetDefault("mongo.enabled", false)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "drip")
	v.SetDefault("mongo.queue", false)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.poll_interval", time.Second)
	v.SetDefault("engine.lock_ttl", 30*time.Second)
	v.SetDefault("engine.dispatch_timeout", 10*time.Second)
	v.SetDefault("engine.requeue_delay", 500*time.Millisecond)
	v.SetDefault("engine.max_requeue_delay", 30*time.Second)
	v.SetDefault("engine.salt", "")
	v.SetDefault("engine.retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("engine.retry.initial_backoff", retry.InitialBackoff)
	v.SetDefault("engine.retry.max_backoff", retry.MaxBackoff)
	v.SetDefault("engine.retry.multiplier", retry.BackoffMultiplier)

	v.SetDefault("sweep.schedule", "@every 15m")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("dispatch.rate", 0.0)
	v.SetDefault("dispatch.burst", 1)
	v.SetDefault("telemetry.enabled", false)
}

// Load reads cfgFile, or searches for drip.yaml in the working directory
// and the user config directory when cfgFile is empty, and decodes the
// result. A missing searched file is not an error; a missing explicit one is.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	return &cfg, cfg.Validate()
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.Driver != DriverMemory && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: required for "+c.Store.Driver))
	}
	if c.Engine.Workers <= 0 {
		errs = append(errs, fmt.Errorf("engine.workers: must be positive, got %d", c.Engine.Workers))
	}
	if c.Engine.PollInterval <= 0 {
		errs = append(errs, errors.New("engine.poll_interval: must be positive"))
	}
	if c.Engine.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("engine.retry.max_attempts: must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr: required when redis is enabled"))
	}
	if c.Mongo.Enabled && c.Mongo.URI == "" {
		errs = append(errs, errors.New("mongo.uri: required when mongo is enabled"))
	}
	return errors.Join(errs...)
}
