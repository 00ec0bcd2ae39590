package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Batch.QuoteConcurrency != 4 {
		t.Errorf("quote concurrency = %d, want 4", cfg.Batch.QuoteConcurrency)
	}
	if got := cfg.Batch.QuotePacingDuration(); got != 150*time.Millisecond {
		t.Errorf("quote pacing = %v, want 150ms", got)
	}
	if got := cfg.Batch.MetricsPacingDuration(); got != 250*time.Millisecond {
		t.Errorf("metrics pacing = %v, want 250ms", got)
	}
	if got := cfg.LLM.TTL(); got != 6*time.Hour {
		t.Errorf("llm ttl = %v, want 6h", got)
	}
	if cfg.Hydrate.ChunkSize != 4 || cfg.Hydrate.MaxPasses != 3 {
		t.Errorf("hydrate = %+v, want chunk 4 / passes 3", cfg.Hydrate)
	}
	if got := cfg.Hydrate.BackoffSleep(); got != 3500*time.Millisecond {
		t.Errorf("backoff sleep = %v, want 3.5s", got)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appraise.toml")
	content := `
environment = "production"

[server]
port = 9090

[batch]
quote_concurrency = 8
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if !cfg.IsProduction() {
		t.Error("environment override not applied")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Batch.QuoteConcurrency != 8 {
		t.Errorf("quote concurrency = %d, want 8", cfg.Batch.QuoteConcurrency)
	}
	// Untouched sections keep their defaults.
	if cfg.Batch.QuoteMaxSymbols != 200 {
		t.Errorf("quote max symbols = %d, want default 200", cfg.Batch.QuoteMaxSymbols)
	}
}

func TestLoadConfig_MissingFileIsSkipped(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/appraise.toml")
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want the default", cfg.Server.Port)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("APPRAISE_PORT", "7070")
	t.Setenv("APPRAISE_LOG_LEVEL", "debug")
	t.Setenv("LLM_TTL_S", "120")
	t.Setenv("LLM_RPM_IP", "12")
	t.Setenv("LLM_RPM_SYMBOL", "5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want 7070 from env", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.LLM.TTLSeconds != 120 || cfg.LLM.RPMPerIP != 12 || cfg.LLM.RPMPerSymbol != 5 {
		t.Errorf("llm = %+v, want env values", cfg.LLM)
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("FINNHUB_API_KEY", "env-key")
	for _, v := range []string{"GEMINI_API_KEY", "APPRAISE_GEMINI_API_KEY", "GOOGLE_API_KEY",
		"ALPHAVANTAGE_API_KEY", "APPRAISE_ALPHAVANTAGE_API_KEY"} {
		t.Setenv(v, "")
	}

	key, err := ResolveAPIKey("finnhub_api_key", "config-key")
	if err != nil {
		t.Fatalf("ResolveAPIKey error: %v", err)
	}
	if key != "env-key" {
		t.Errorf("key = %q, env should outrank config", key)
	}

	key, err = ResolveAPIKey("gemini_api_key", "fallback")
	if err != nil {
		t.Fatalf("ResolveAPIKey error: %v", err)
	}
	if key != "fallback" {
		t.Errorf("key = %q, want config fallback", key)
	}

	if _, err := ResolveAPIKey("alphavantage_api_key", ""); err == nil {
		t.Error("ResolveAPIKey should fail with no env and no fallback")
	}
}
