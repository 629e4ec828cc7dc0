// Package config loads the mibody configuration from an optional YAML file
// and MIBODY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/roach88/mibody/internal/expression"
)

// EnvPrefix prefixes every environment override: store.path is read from
// MIBODY_STORE_PATH.
const EnvPrefix = "MIBODY"

// Config holds the configuration of the engine and its surroundings.
type Config struct {
	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`
	Engine struct {
		ActivationBatchSize int `mapstructure:"activation_batch_size"`
		MaxCollectionSize   int `mapstructure:"max_collection_size"`
		MaxSteps            int `mapstructure:"max_steps"`
	} `mapstructure:"engine"`
	Expression struct {
		Dialect string `mapstructure:"dialect"`
	} `mapstructure:"expression"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	NATS struct {
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`
	Sentry struct {
		DSN         string `mapstructure:"dsn"`
		Environment string `mapstructure:"environment"`
	} `mapstructure:"sentry"`
}

var defaults = map[string]any{
	"store.path":                   "mibody.db",
	"engine.activation_batch_size": 0,
	"engine.max_collection_size":   0,
	"engine.max_steps":             100000,
	"expression.dialect":           string(expression.DialectExpr),
	"log.level":                    "info",
	"nats.url":                     "",
	"nats.subject_prefix":          "mibody",
	"sentry.dsn":                   "",
	"sentry.environment":           "development",
}

// Load reads path (when non-empty) or mibody.yaml from the working
// directory (when present), applies environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("mibody")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path must not be empty"))
	}
	if c.Engine.ActivationBatchSize < 0 {
		errs = append(errs, fmt.Errorf("engine.activation_batch_size must be >= 0, got %d", c.Engine.ActivationBatchSize))
	}
	if c.Engine.MaxCollectionSize < 0 {
		errs = append(errs, fmt.Errorf("engine.max_collection_size must be >= 0, got %d", c.Engine.MaxCollectionSize))
	}
	if c.Engine.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("engine.max_steps must be >= 0, got %d", c.Engine.MaxSteps))
	}
	if _, err := expression.New(expression.Dialect(c.Expression.Dialect)); err != nil {
		errs = append(errs, fmt.Errorf("expression.dialect: %w", err))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.NATS.URL != "" && strings.TrimSpace(c.NATS.SubjectPrefix) == "" {
		errs = append(errs, errors.New("nats.subject_prefix must not be empty when nats.url is set"))
	}
	return errors.Join(errs...)
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
