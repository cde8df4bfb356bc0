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
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	RateLimit RateLimitConfig `yaml:"ratelimit" mapstructure:"ratelimit"`
	Valuation ValuationConfig `yaml:"valuation" mapstructure:"valuation"`
	Anomaly   AnomalyConfig   `yaml:"anomaly" mapstructure:"anomaly"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// EngineConfig configures job execution.
type EngineConfig struct {
	TimeoutMs int64 `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	FanOutCap int   `yaml:"fan_out_cap" mapstructure:"fan_out_cap"`
}

// Timeout returns the per-job deadline as a duration.
func (c EngineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RateLimitConfig configures the per-source failure backoff window.
type RateLimitConfig struct {
	BackoffBaseMs int64 `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BackoffMaxMs  int64 `yaml:"backoff_max_ms" mapstructure:"backoff_max_ms"`
}

// ValuationConfig configures price synthesis.
type ValuationConfig struct {
	MarketTrendK   float64 `yaml:"market_trend_k" mapstructure:"market_trend_k"`
	EstimateBand   float64 `yaml:"estimate_band" mapstructure:"estimate_band"`
	PriceTablePath string  `yaml:"price_table_path" mapstructure:"price_table_path"`
}

// AnomalyConfig configures the rule table.
type AnomalyConfig struct {
	RuleTablePath string `yaml:"rule_table_path" mapstructure:"rule_table_path"`
}

// ServerConfig configures the HTTP API.
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
	v.SetEnvPrefix("COINID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "coinid.db")
	v.SetDefault("engine.timeout_ms", 15000)
	v.SetDefault("engine.fan_out_cap", 8)
	v.SetDefault("ratelimit.backoff_base_ms", 500)
	v.SetDefault("ratelimit.backoff_max_ms", 60000)
	v.SetDefault("valuation.market_trend_k", 0.05)
	v.SetDefault("valuation.estimate_band", 0.2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

	return &cfg, nil
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
