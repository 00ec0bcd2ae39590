// Package app wires configuration, clients, caches, and services into one
// shared core used by cmd/appraise-server and the tests.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mstrand/appraise/internal/cache"
	"github.com/mstrand/appraise/internal/clients/alphavantage"
	"github.com/mstrand/appraise/internal/clients/finnhub"
	"github.com/mstrand/appraise/internal/clients/gemini"
	"github.com/mstrand/appraise/internal/common"
	"github.com/mstrand/appraise/internal/interfaces"
	"github.com/mstrand/appraise/internal/ratelimit"
	"github.com/mstrand/appraise/internal/services/commentary"
	"github.com/mstrand/appraise/internal/services/hydrate"
	"github.com/mstrand/appraise/internal/services/metrics"
	"github.com/mstrand/appraise/internal/services/quote"
	"github.com/mstrand/appraise/internal/storage"
)

// App holds all initialized clients and services.
type App struct {
	Config *common.Config
	Logger *common.Logger

	Gate   *ratelimit.Gate
	Caches *cache.Registry

	FinnhubClient      interfaces.FinnhubClient
	AlphaVantageClient interfaces.AlphaVantageClient
	LLMClient          interfaces.LLMClient

	CommentaryStore interfaces.CommentaryStore

	QuoteService      interfaces.QuoteService
	MetricsService    interfaces.MetricsService
	CommentaryService interfaces.CommentaryService
	HydrateService    interfaces.HydrateService

	StartupTime time.Time

	purgeCancel context.CancelFunc
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes clients, caches, and services. configPath may be empty,
// in which case APPRAISE_CONFIG and the binary directory are tried in turn.
// Missing API keys disable the affected provider instead of failing startup;
// the services degrade to cache and fallback behavior.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("APPRAISE_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "appraise.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/appraise.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	gate := ratelimit.New(logger, ratelimit.WithTimeout(config.Clients.Finnhub.GetTimeout()))
	caches := cache.NewRegistry()

	a := &App{
		Config:      config,
		Logger:      logger,
		Gate:        gate,
		Caches:      caches,
		StartupTime: startupStart,
	}

	// Resolve API keys. Keyless providers are skipped, not fatal.
	if key, err := common.ResolveAPIKey("finnhub_api_key", config.Clients.Finnhub.APIKey); err != nil {
		logger.Warn().Msg("Finnhub API key not configured - live quotes and metrics unavailable")
	} else {
		a.FinnhubClient = finnhub.NewClient(key, gate,
			finnhub.WithBaseURL(config.Clients.Finnhub.BaseURL),
			finnhub.WithLogger(logger),
		)
	}

	if key, err := common.ResolveAPIKey("alphavantage_api_key", config.Clients.AlphaVantage.APIKey); err != nil {
		logger.Warn().Msg("Alpha Vantage API key not configured - overview top-up unavailable")
	} else {
		a.AlphaVantageClient = alphavantage.NewClient(key, gate,
			alphavantage.WithBaseURL(config.Clients.AlphaVantage.BaseURL),
			alphavantage.WithLogger(logger),
		)
	}

	if key, err := common.ResolveAPIKey("gemini_api_key", config.Clients.Gemini.APIKey); err != nil {
		logger.Warn().Msg("Gemini API key not configured - commentary will use the fallback report")
	} else {
		llm, err := gemini.NewClient(context.Background(), key,
			gemini.WithModel(config.Clients.Gemini.Model),
			gemini.WithLogger(logger),
		)
		if err != nil {
			logger.Warn().Err(err).Msg("Gemini client init failed - commentary will use the fallback report")
		} else {
			a.LLMClient = llm
		}
	}

	store, err := storage.NewCommentaryStore(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize commentary store: %w", err)
	}
	a.CommentaryStore = store

	a.QuoteService = quote.NewService(a.FinnhubClient, gate, caches, config, logger)
	a.MetricsService = metrics.NewService(a.FinnhubClient, a.AlphaVantageClient, a.QuoteService, gate, caches, config, logger)
	a.CommentaryService = commentary.NewService(a.LLMClient, a.CommentaryStore, gate, config, logger)
	a.HydrateService = hydrate.NewService(a.MetricsService, gate, config, logger)

	a.startPurgeLoop()

	logger.Info().
		Str("environment", config.Environment).
		Dur("startup", time.Since(startupStart)).
		Bool("finnhub", a.FinnhubClient != nil).
		Bool("alphavantage", a.AlphaVantageClient != nil).
		Bool("llm", a.LLMClient != nil).
		Msg("Application initialized")

	return a, nil
}

// startPurgeLoop periodically drops expired commentary entries.
func (a *App) startPurgeLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	a.purgeCancel = cancel

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.CommentaryStore.Purge(ctx); err != nil {
					a.Logger.Warn().Err(err).Msg("Commentary purge failed")
				}
			}
		}
	}()
}

// Close releases background workers and storage.
func (a *App) Close() error {
	if a.purgeCancel != nil {
		a.purgeCancel()
	}
	if h, ok := a.HydrateService.(*hydrate.Service); ok {
		h.Close()
	}
	if a.CommentaryStore != nil {
		if err := a.CommentaryStore.Close(); err != nil {
			return fmt.Errorf("failed to close commentary store: %w", err)
		}
	}
	return nil
}
