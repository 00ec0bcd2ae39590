// Package common provides shared utilities for Appraise
package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Appraise. It is read once at process
// start; none of the knobs are reloadable at runtime.
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Clients     ClientsConfig `toml:"clients"`
	Batch       BatchConfig   `toml:"batch"`
	LLM         LLMConfig     `toml:"llm"`
	Hydrate     HydrateConfig `toml:"hydrate"`
	Logging     LoggingConfig `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ClientsConfig holds API client configurations
type ClientsConfig struct {
	Finnhub      ProviderConfig `toml:"finnhub"`
	AlphaVantage ProviderConfig `toml:"alphavantage"`
	Gemini       GeminiConfig   `toml:"gemini"`
}

// ProviderConfig holds configuration for an upstream data provider.
type ProviderConfig struct {
	BaseURL       string `toml:"base_url"`
	APIKey        string `toml:"api_key"`
	RatePerMinute int    `toml:"rate_per_minute"`
	Timeout       string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *ProviderConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// GeminiConfig holds Gemini API configuration
type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// BatchConfig holds batch fetcher knobs.
type BatchConfig struct {
	QuoteMaxSymbols    int    `toml:"quote_max_symbols"`
	QuoteConcurrency   int    `toml:"quote_concurrency"`
	QuotePacing        string `toml:"quote_pacing"`
	MetricsMaxSymbols  int    `toml:"metrics_max_symbols"`
	MetricsConcurrency int    `toml:"metrics_concurrency"`
	MetricsPacing      string `toml:"metrics_pacing"`
}

// QuotePacingDuration returns the inter-request delay for quote batches.
func (c *BatchConfig) QuotePacingDuration() time.Duration {
	d, err := time.ParseDuration(c.QuotePacing)
	if err != nil {
		return 150 * time.Millisecond
	}
	return d
}

// MetricsPacingDuration returns the inter-request delay for metrics batches.
func (c *BatchConfig) MetricsPacingDuration() time.Duration {
	d, err := time.ParseDuration(c.MetricsPacing)
	if err != nil {
		return 250 * time.Millisecond
	}
	return d
}

// LLMConfig holds commentary generation knobs.
type LLMConfig struct {
	TTLSeconds   int `toml:"ttl_seconds"`    // commentary cache TTL
	RPMPerIP     int `toml:"rpm_per_ip"`     // per-caller token bucket
	RPMPerSymbol int `toml:"rpm_per_symbol"` // per-symbol token bucket
}

// TTL returns the commentary cache TTL.
func (c *LLMConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// HydrateConfig holds hydration pipeline knobs.
type HydrateConfig struct {
	ChunkSize       int `toml:"chunk_size"`
	MaxPasses       int `toml:"max_passes"`
	PageSize        int `toml:"page_size"`
	PrefetchTarget  int `toml:"prefetch_target"`  // total cards to prefetch ahead
	BackoffSleepCap int `toml:"backoff_sleep_ms"` // max sleep honoring upstream backoff
}

// BackoffSleep returns the capped sleep applied when upstream signals backoff.
func (c *HydrateConfig) BackoffSleep() time.Duration {
	if c.BackoffSleepCap <= 0 {
		return 3500 * time.Millisecond
	}
	return time.Duration(c.BackoffSleepCap) * time.Millisecond
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Clients: ClientsConfig{
			Finnhub: ProviderConfig{
				BaseURL:       "https://finnhub.io/api/v1",
				RatePerMinute: 55,
				Timeout:       "15s",
			},
			AlphaVantage: ProviderConfig{
				BaseURL:       "https://www.alphavantage.co",
				RatePerMinute: 5,
				Timeout:       "20s",
			},
			Gemini: GeminiConfig{
				Model: "gemini-2.0-flash",
			},
		},
		Batch: BatchConfig{
			QuoteMaxSymbols:    200,
			QuoteConcurrency:   4,
			QuotePacing:        "150ms",
			MetricsMaxSymbols:  50,
			MetricsConcurrency: 2,
			MetricsPacing:      "250ms",
		},
		LLM: LLMConfig{
			TTLSeconds:   21600,
			RPMPerIP:     6,
			RPMPerSymbol: 3,
		},
		Hydrate: HydrateConfig{
			ChunkSize:       4,
			MaxPasses:       3,
			PageSize:        20,
			PrefetchTarget:  60,
			BackoffSleepCap: 3500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later files override earlier ones; missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("APPRAISE_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("APPRAISE_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("APPRAISE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("APPRAISE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if v := os.Getenv("LLM_TTL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.LLM.TTLSeconds = n
		}
	}
	if v := os.Getenv("LLM_RPM_IP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.LLM.RPMPerIP = n
		}
	}
	if v := os.Getenv("LLM_RPM_SYMBOL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.LLM.RPMPerSymbol = n
		}
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// ResolveAPIKey resolves an API key from environment or the config fallback.
func ResolveAPIKey(name string, fallback string) (string, error) {
	keyToEnvMapping := map[string][]string{
		"finnhub_api_key":      {"FINNHUB_API_KEY", "APPRAISE_FINNHUB_API_KEY"},
		"alphavantage_api_key": {"ALPHAVANTAGE_API_KEY", "APPRAISE_ALPHAVANTAGE_API_KEY"},
		"gemini_api_key":       {"GEMINI_API_KEY", "APPRAISE_GEMINI_API_KEY", "GOOGLE_API_KEY"},
	}

	if envVarNames, ok := keyToEnvMapping[name]; ok {
		for _, envVarName := range envVarNames {
			if envValue := os.Getenv(envVarName); envValue != "" {
				return envValue, nil
			}
		}
	}

	if fallback != "" {
		return fallback, nil
	}

	return "", fmt.Errorf("API key '%s' not found in environment or config", name)
}
