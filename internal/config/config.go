// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ashureev/draftsmith/internal/llm"
)

// Queue modes.
const (
	QueueLocal     = "local"
	QueueJetStream = "jetstream"
)

// Status store backends.
const (
	StatusSQLite = "sqlite"
	StatusKV     = "kv"
)

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL"`
	DBPath      string `env:"DB_PATH" envDefault:"./data/draftsmith.db"`

	// StatusBackend selects where stage records live: the SQLite database or a NATS KV bucket.
	StatusBackend string `env:"STATUS_BACKEND" envDefault:"sqlite"`
	QueueMode     string `env:"QUEUE_MODE" envDefault:"local"`
	QueueCapacity int    `env:"QUEUE_CAPACITY" envDefault:"256"`
	Workers       int    `env:"WORKERS" envDefault:"4"`

	NATS NATSConfig
	LLM  LLMConfig

	TemplateDir  string `env:"TEMPLATE_DIR"`
	DocumentsDir string `env:"DOCUMENTS_DIR" envDefault:"./data/documents"`

	StepTimeout   time.Duration `env:"STEP_TIMEOUT" envDefault:"5m"`
	JobTimeout    time.Duration `env:"JOB_TIMEOUT" envDefault:"15m"`
	StaleAfter    time.Duration `env:"STALE_AFTER" envDefault:"20m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBase     time.Duration `env:"RETRY_BASE_DELAY" envDefault:"30s"`
	RetryMax      time.Duration `env:"RETRY_MAX_DELAY" envDefault:"300s"`

	Transcript TranscriptConfig
}

// NATSConfig locates the NATS server. An empty URL starts an embedded server.
type NATSConfig struct {
	URL      string `env:"NATS_URL"`
	StoreDir string `env:"NATS_STORE_DIR" envDefault:"./data/nats"`
}

// LLMConfig selects and configures the language model client.
type LLMConfig struct {
	Provider string        `env:"LLM_PROVIDER" envDefault:"openai"`
	Model    string        `env:"LLM_MODEL"`
	APIKey   string        `env:"LLM_API_KEY"`
	BaseURL  string        `env:"LLM_BASE_URL"`
	GRPCAddr string        `env:"LLM_GRPC_ADDR"`
	Timeout  time.Duration `env:"LLM_TIMEOUT" envDefault:"4m"`
}

// TranscriptConfig controls NDJSON logging of model exchanges.
type TranscriptConfig struct {
	Enabled   bool   `env:"TRANSCRIPT_ENABLED" envDefault:"false"`
	Dir       string `env:"TRANSCRIPT_DIR" envDefault:"./data/transcripts"`
	QueueSize int    `env:"TRANSCRIPT_QUEUE_SIZE" envDefault:"1000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = providerKey(cfg.LLM.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// providerKey falls back to the provider SDK's conventional variable.
func providerKey(provider string) string {
	switch provider {
	case llm.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case llm.ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return ""
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.StatusBackend {
	case StatusSQLite, StatusKV:
	default:
		return fmt.Errorf("STATUS_BACKEND must be %q or %q, got %q", StatusSQLite, StatusKV, c.StatusBackend)
	}
	switch c.QueueMode {
	case QueueLocal, QueueJetStream:
	default:
		return fmt.Errorf("QUEUE_MODE must be %q or %q, got %q", QueueLocal, QueueJetStream, c.QueueMode)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be > 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be > 0")
	}
	switch c.LLM.Provider {
	case llm.ProviderOpenAI, llm.ProviderAnthropic:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required for provider %s", c.LLM.Provider)
		}
	case llm.ProviderGRPC:
		if c.LLM.GRPCAddr == "" {
			return fmt.Errorf("LLM_GRPC_ADDR is required for provider grpc")
		}
	case llm.ProviderMock:
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider)
	}
	if c.StepTimeout <= 0 || c.JobTimeout <= 0 || c.StaleAfter <= 0 {
		return fmt.Errorf("STEP_TIMEOUT, JOB_TIMEOUT and STALE_AFTER must be > 0")
	}
	if c.JobTimeout >= c.StaleAfter {
		return fmt.Errorf("JOB_TIMEOUT (%s) must be shorter than STALE_AFTER (%s)", c.JobTimeout, c.StaleAfter)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty when transcripts are enabled")
	}
	return nil
}

// ValidateDistributed checks the settings needed when job handlers run in a different
// process from the API: both sides must reach the same queue and the same stage records.
func (c *Config) ValidateDistributed() error {
	if c.QueueMode != QueueJetStream {
		return fmt.Errorf("QUEUE_MODE must be %q when workers run separately", QueueJetStream)
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("NATS_URL is required when workers run separately; an embedded server is private to one process")
	}
	if c.StatusBackend != StatusKV {
		return fmt.Errorf("STATUS_BACKEND must be %q when workers run separately; SQLite records are private to one host", StatusKV)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// LLMClientConfig adapts the model settings for llm.New.
func (c *Config) LLMClientConfig() llm.Config {
	return llm.Config{
		Provider: c.LLM.Provider,
		Model:    c.LLM.Model,
		APIKey:   c.LLM.APIKey,
		BaseURL:  c.LLM.BaseURL,
		GRPCAddr: c.LLM.GRPCAddr,
		Timeout:  c.LLM.Timeout,
	}
}
