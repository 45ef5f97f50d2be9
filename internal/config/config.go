// Package config loads application configuration from config.yaml and
// HUBZONE_-prefixed environment variables, and initializes the global logger.
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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Sources   SourcesConfig   `yaml:"sources" mapstructure:"sources"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres backend holding designations and
// execution history.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// CacheConfig configures the local dataset cache.
type CacheConfig struct {
	Dir                    string `yaml:"dir" mapstructure:"dir"`
	IndexPath              string `yaml:"index_path" mapstructure:"index_path"`
	TTLDays                int    `yaml:"ttl_days" mapstructure:"ttl_days"`
	MaxConcurrentDownloads int    `yaml:"max_concurrent_downloads" mapstructure:"max_concurrent_downloads"`
	MaxRetries             int    `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelaySecs          int    `yaml:"base_delay_secs" mapstructure:"base_delay_secs"`
	RequestTimeoutSecs     int    `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// TTL returns the cache staleness cutoff as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// SourcesConfig addresses the three upstream feeds by base URL and vintage.
type SourcesConfig struct {
	CatalogPath   string `yaml:"catalog_path" mapstructure:"catalog_path"`
	TigerBaseURL  string `yaml:"tiger_base_url" mapstructure:"tiger_base_url"`
	TigerFTPBase  string `yaml:"tiger_ftp_base" mapstructure:"tiger_ftp_base"`
	TigerVintage  int    `yaml:"tiger_vintage" mapstructure:"tiger_vintage"`
	SBAFeedURL    string `yaml:"sba_feed_url" mapstructure:"sba_feed_url"`
	CensusAPIBase string `yaml:"census_api_base" mapstructure:"census_api_base"`
	CensusVintage int    `yaml:"census_vintage" mapstructure:"census_vintage"`
	CensusAPIKey  string `yaml:"census_api_key" mapstructure:"census_api_key"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`
}

// ReconcileConfig configures the designation diff stage. The statutory
// grace period for redesignated areas is deployment-specific and must be
// supplied here rather than assumed in code.
type ReconcileConfig struct {
	GracePeriodMonths int `yaml:"grace_period_months" mapstructure:"grace_period_months"`
}

// EngineConfig configures the job execution engine.
type EngineConfig struct {
	RunTimeoutMins int `yaml:"run_timeout_mins" mapstructure:"run_timeout_mins"`
}

// RunTimeout returns the overall execution timeout.
func (c EngineConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMins) * time.Minute
}

// NotifyConfig configures the notification hand-off collaborator.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HUBZONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cache.dir", "/var/cache/hubzone")
	v.SetDefault("cache.index_path", "/var/cache/hubzone/cache.db")
	v.SetDefault("cache.ttl_days", 90)
	v.SetDefault("cache.max_concurrent_downloads", 6)
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.base_delay_secs", 1)
	v.SetDefault("cache.request_timeout_secs", 120)
	v.SetDefault("sources.tiger_base_url", "https://www2.census.gov/geo/tiger")
	v.SetDefault("sources.tiger_ftp_base", "ftp://ftp2.census.gov/geo/tiger")
	v.SetDefault("sources.tiger_vintage", 2024)
	v.SetDefault("sources.sba_feed_url", "https://data.sba.gov/dataset/hubzone-designations/qct_data.xlsx")
	v.SetDefault("sources.census_api_base", "https://api.census.gov/data")
	v.SetDefault("sources.census_vintage", 2023)
	v.SetDefault("sources.user_agent", "hubzone-cli/1.0")
	// 36 months is the commonly cited statutory figure; deployments must
	// confirm the rule in force and override if it differs.
	v.SetDefault("reconcile.grace_period_months", 36)
	v.SetDefault("engine.run_timeout_mins", 120)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Reconcile.GracePeriodMonths <= 0 {
		return eris.New("config: reconcile.grace_period_months must be positive")
	}
	if c.Cache.TTLDays <= 0 {
		return eris.New("config: cache.ttl_days must be positive")
	}
	if c.Cache.MaxConcurrentDownloads <= 0 {
		return eris.New("config: cache.max_concurrent_downloads must be positive")
	}
	if c.Engine.RunTimeoutMins <= 0 {
		return eris.New("config: engine.run_timeout_mins must be positive")
	}
	return nil
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
