// Package config loads application configuration from config.yaml and
// RAPPORT_-prefixed environment variables, and owns the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nordsight/rapport-cli/internal/cost"
	"github.com/nordsight/rapport-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     store.Config    `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Voyage    VoyageConfig    `yaml:"voyage" mapstructure:"voyage"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Pricing   cost.Rates      `yaml:"pricing" mapstructure:"pricing"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// AnthropicConfig holds Anthropic API settings. The haiku model runs the
// structure, narrative and repair passes; the sonnet model runs the table
// pass.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
}

// VoyageConfig holds Voyage embeddings API settings.
type VoyageConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
	BatchSize int     `yaml:"batch_size" mapstructure:"batch_size"`
}

// PipelineConfig configures per-PDF extraction behavior.
type PipelineConfig struct {
	MaxConcurrentCalls int64 `yaml:"max_concurrent_calls" mapstructure:"max_concurrent_calls"`
	PassDeadlineSecs   int   `yaml:"pass_deadline_secs" mapstructure:"pass_deadline_secs"`
	MaxAttempts        int   `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// BatchConfig configures batch processing and the on-disk PDF layout.
type BatchConfig struct {
	Width          int    `yaml:"width" mapstructure:"width"`
	PendingDir     string `yaml:"pending_dir" mapstructure:"pending_dir"`
	PersistedDir   string `yaml:"persisted_dir" mapstructure:"persisted_dir"`
	CheckpointPath string `yaml:"checkpoint_path" mapstructure:"checkpoint_path"`
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
	v.SetEnvPrefix("RAPPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "rapport.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("voyage.model", "voyage-3")
	v.SetDefault("voyage.rps", 2.0)
	v.SetDefault("voyage.batch_size", 10)
	v.SetDefault("pipeline.max_concurrent_calls", 2)
	v.SetDefault("pipeline.pass_deadline_secs", 300)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("batch.width", 5)
	v.SetDefault("batch.pending_dir", "pending")
	v.SetDefault("batch.persisted_dir", "persisted")
	v.SetDefault("batch.checkpoint_path", "checkpoints.json")
	v.SetDefault("pricing.voyage.per_mtok", 0.06)
	v.SetDefault("pricing.sek_per_usd", 10.5)

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

	// Model pricing has no flat default keys; fall back to the built-in table.
	if cfg.Pricing.Anthropic == nil {
		cfg.Pricing.Anthropic = cost.DefaultRates().Anthropic
	}

	return &cfg, nil
}

// Validate checks the fields a command actually needs. mode is the command
// name: "extract" and "batch" need LLM credentials, "embed" needs Voyage,
// "report", "status" and "migrate" only need a reachable store.
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Store.Driver == store.DriverPostgres && c.Store.DSN == "" {
		problems = append(problems, "store.dsn is required for the postgres driver")
	}

	switch mode {
	case "extract", "batch":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Pipeline.MaxConcurrentCalls < 1 || c.Pipeline.MaxConcurrentCalls > 16 {
			problems = append(problems, "pipeline.max_concurrent_calls must be between 1 and 16")
		}
		if c.Pipeline.MaxAttempts < 1 || c.Pipeline.MaxAttempts > 10 {
			problems = append(problems, "pipeline.max_attempts must be between 1 and 10")
		}
		if mode == "batch" && (c.Batch.Width < 1 || c.Batch.Width > 50) {
			problems = append(problems, "batch.width must be between 1 and 50")
		}
	case "embed":
		if c.Voyage.Key == "" {
			problems = append(problems, "voyage.key is required")
		}
	case "report", "status", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
