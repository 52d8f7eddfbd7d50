package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is built once at
// startup and passed explicitly into each component constructor.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Structurer StructurerConfig `yaml:"structurer" mapstructure:"structurer"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Filing     FilingConfig     `yaml:"filing" mapstructure:"filing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	Model         string `yaml:"model" mapstructure:"model"`
	ClassifyModel string `yaml:"classify_model" mapstructure:"classify_model"`
}

// ExtractConfig configures the external text/table extractor.
type ExtractConfig struct {
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// StructurerConfig configures the structuring and repair loop.
type StructurerConfig struct {
	RetryBudget        int `yaml:"retry_budget" mapstructure:"retry_budget"`
	AttemptTimeoutSecs int `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
}

// IngestConfig configures document-parallel ingestion.
type IngestConfig struct {
	Concurrency    int     `yaml:"concurrency" mapstructure:"concurrency"`
	LLMCallsPerMin float64 `yaml:"llm_calls_per_min" mapstructure:"llm_calls_per_min"`
}

// FilingConfig configures the official filing XML input.
type FilingConfig struct {
	XMLPath string `yaml:"xml_path" mapstructure:"xml_path"`
}

// ServerConfig configures the query service HTTP server.
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
	v.SetEnvPrefix("IRPF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "irpf.db")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.classify_model", "claude-haiku-4-5-20251001")
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("structurer.retry_budget", 3)
	v.SetDefault("structurer.attempt_timeout_secs", 90)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.llm_calls_per_min", 30)
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

// Validate checks the settings required for ingestion commands.
func (c *Config) Validate() error {
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if c.Structurer.RetryBudget < 1 {
		return eris.New("config: structurer.retry_budget must be at least 1")
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
