package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"syncqueue/internal/scheduler"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Cron    CronConfig    `mapstructure:"cron"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	Debug    bool   `mapstructure:"debug"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // console | json
}

type DBConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | pgx | postgres
	DSN    string `mapstructure:"dsn"`
}

type EngineConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	MaxReclaims   int           `mapstructure:"max_reclaims"`
	RetentionDays int           `mapstructure:"retention_days"`
}

type WorkerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Size         int           `mapstructure:"size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LineTimeout  time.Duration `mapstructure:"line_timeout"`
}

type CronConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Retention string `mapstructure:"retention"`
	Reaper    string `mapstructure:"reaper"`
}

// RedisConfig selects the Redis notifier when Addr is set; otherwise wake-up
// signals stay in process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

// Load reads path (YAML) and overlays SYNCQ_* environment variables, e.g.
// SYNCQ_DB_DSN for db.dsn. With envOnly the file is not read.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNCQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.debug", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "syncqueue.db")
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.lease_ttl", "10m")
	v.SetDefault("engine.max_reclaims", 3)
	v.SetDefault("engine.retention_days", 30)
	v.SetDefault("worker.enabled", false)
	v.SetDefault("worker.size", 8)
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.line_timeout", "5m")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.retention", "0 3 * * *")
	v.SetDefault("cron.reaper", "* * * * *")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "syncqueue:ready")
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", "30s")
}

func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.DB.Driver) {
	case "sqlite", "pgx", "postgres":
	default:
		errs = append(errs, fmt.Errorf("db.driver: unsupported %q", c.DB.Driver))
	}
	if strings.TrimSpace(c.DB.DSN) == "" {
		errs = append(errs, errors.New("db.dsn is required"))
	}
	switch strings.ToLower(c.Log.Encoding) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.encoding: unsupported %q", c.Log.Encoding))
	}
	if c.Engine.MaxRetries < 1 || c.Engine.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("engine.max_retries: %d out of range 1-10", c.Engine.MaxRetries))
	}
	if c.Engine.LeaseTTL <= 0 {
		errs = append(errs, errors.New("engine.lease_ttl must be positive"))
	}
	if c.Engine.MaxReclaims < 0 {
		errs = append(errs, errors.New("engine.max_reclaims must not be negative"))
	}
	if c.Engine.RetentionDays < 1 || c.Engine.RetentionDays > 365 {
		errs = append(errs, fmt.Errorf("engine.retention_days: %d out of range 1-365", c.Engine.RetentionDays))
	}
	if c.Worker.Enabled {
		if c.Worker.Size < 1 {
			errs = append(errs, errors.New("worker.size must be at least 1"))
		}
		if c.Worker.PollInterval <= 0 {
			errs = append(errs, errors.New("worker.poll_interval must be positive"))
		}
		if strings.TrimSpace(c.Webhook.URL) == "" {
			errs = append(errs, errors.New("webhook.url is required when the worker is enabled"))
		}
	}
	if c.Cron.Enabled {
		if err := scheduler.ValidateCronExpression(c.Cron.Retention); err != nil {
			errs = append(errs, fmt.Errorf("cron.retention: %w", err))
		}
		if err := scheduler.ValidateCronExpression(c.Cron.Reaper); err != nil {
			errs = append(errs, fmt.Errorf("cron.reaper: %w", err))
		}
	}
	return errors.Join(errs...)
}
