// Package app wires configuration into a ready pipeline and owns the
// resources it opens.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maltedev/apparel-scraper/internal/browser"
	"github.com/maltedev/apparel-scraper/internal/cache"
	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/maltedev/apparel-scraper/internal/consent"
	"github.com/maltedev/apparel-scraper/internal/database"
	"github.com/maltedev/apparel-scraper/internal/discovery"
	"github.com/maltedev/apparel-scraper/internal/embedding"
	"github.com/maltedev/apparel-scraper/internal/metrics"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/maltedev/apparel-scraper/internal/pagination"
	"github.com/maltedev/apparel-scraper/internal/pipeline"
	"github.com/maltedev/apparel-scraper/internal/ratelimit"
	"github.com/maltedev/apparel-scraper/internal/scraper"
	"github.com/maltedev/apparel-scraper/internal/store"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	// DryRun tolerates an unreachable database; nothing is written either way.
	DryRun bool
	// SkipWarmup skips the homepage visit that collects session cookies.
	SkipWarmup bool
}

type App struct {
	Config   *config.Config
	Browser  *browser.Browser
	DB       *database.DB
	Redis    *redis.Client
	Metrics  *metrics.Registry
	Products *database.ProductRepository
	Pipeline *pipeline.Pipeline

	logger  *slog.Logger
	closers []func()
}

// New opens the browser, database and optional Redis connection and builds
// the pipeline. On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{
		Config:  cfg,
		Metrics: metrics.NewRegistry(),
		logger:  slog.Default().With("component", "app"),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var sink *store.Store
	if err := a.openDatabase(ctx, opts); err != nil {
		return nil, err
	}
	if a.DB != nil {
		sink = store.NewFromDB(a.DB, cfg.Redis.Stream)
		a.Products = database.NewProductRepository(a.DB)
	}

	if cfg.Redis.Enabled {
		client, err := cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.Redis = client
		a.closers = append(a.closers, func() { client.Close() })
	}

	b, err := browser.New(browser.OptionsFromConfig(cfg.Browser, cfg.Scraping))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}
	a.Browser = b
	a.closers = append(a.closers, func() {
		if err := b.Close(); err != nil {
			a.logger.Warn("failed to close browser", "error", err)
		}
	})

	if !opts.SkipWarmup {
		if err := b.Warmup(ctx, cfg.Brand.BaseURL); err != nil {
			a.logger.Warn("homepage warmup failed, continuing without session cookies", "error", err)
		}
	}

	p, err := a.buildPipeline(sink)
	if err != nil {
		return nil, err
	}
	a.Pipeline = p
	return a, nil
}

func (a *App) openDatabase(ctx context.Context, opts Options) error {
	db, err := database.New(ctx, database.Config{
		URL:       a.Config.Database.URL,
		TableName: a.Config.Database.TableName,
		MaxConns:  a.Config.Database.MaxConns,
		MinConns:  a.Config.Database.MinConns,
	})
	if err != nil {
		if opts.DryRun {
			a.logger.Warn("database unavailable, dry run continues without duplicate checks", "error", err)
			return nil
		}
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	if !opts.DryRun {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	a.DB = db
	return nil
}

func (a *App) buildPipeline(sink *store.Store) (*pipeline.Pipeline, error) {
	cfg := a.Config

	matcher, err := discovery.NewMatcher(cfg.Brand.BaseURL, cfg.ProductPattern())
	if err != nil {
		return nil, err
	}
	discoverer := discovery.New(matcher, discovery.DefaultStrategies(cfg.Scraping.APIURLHints)...)
	banners := consent.New(cfg.Scraping.ConsentSelectors, slog.Default())

	extract, err := scraper.ExtractConfigFromConfig(cfg, a.Browser.UserAgent())
	if err != nil {
		return nil, err
	}

	// A nil *store.Store must not end up inside the interface.
	var existing scraper.Store
	var persist pipeline.Sink
	if sink != nil {
		existing, persist = sink, sink
	}

	products := scraper.NewProductScraper(scraper.BrowserTabs(a.Browser), existing, extract,
		scraper.Options{MaxConcurrent: cfg.Scraping.MaxConcurrentPages},
		scraper.WithLimiter(ratelimit.NewAdaptiveRateLimiter(cfg.Scraping.RequestDelay, cfg.Scraping.RequestDelayMax)),
		scraper.WithConsent(banners),
		scraper.WithMetrics(a.Metrics))

	catalog := scraper.NewCatalog(scraper.BrowserListings(a.Browser), discoverer, banners, a.Metrics,
		scraper.SourceOptionsFromConfig(cfg.Scraping, cfg.ProductPattern()),
		pagination.OptionsFromConfig(cfg.Scraping))

	var listing *scraper.ListingAPI
	if cfg.Scraping.ListingAPI.Enabled {
		listingOpts, err := scraper.ListingAPIOptionsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		listing = scraper.NewListingAPI(listingOpts, extract, existing,
			ratelimit.NewPerSecond(cfg.Scraping.ListingAPI.RatePerSecond, 1), a.Metrics)
		catalog.WithListingAPI(listing)
	}

	options := []pipeline.Option{pipeline.WithMetrics(a.Metrics)}
	if stage := a.embeddingStage(); stage != nil {
		options = append(options, pipeline.WithEmbedder(stage))
	}
	if a.Redis != nil {
		client, source, ttl := a.Redis, cfg.Brand.Source, cfg.Redis.SeenTTL
		options = append(options, pipeline.WithSeen(func(_ context.Context, runID string) pagination.SeenSet {
			return cache.NewSeenSet(client, cache.SeenKey(source, runID), ttl)
		}))
	}

	extractFor := func(target models.CategoryTarget) pipeline.Extractor {
		if listing != nil && listing.CategoryID(target) != "" {
			return listing.Extractor()
		}
		return products.ForCategory(target)
	}
	return pipeline.New(catalog, extractFor, persist, cfg.Targets(), options...), nil
}

func (a *App) embeddingStage() *embedding.Stage {
	cfg := a.Config.Embeddings
	if !cfg.Enabled {
		return nil
	}
	if cfg.Endpoint == "" {
		a.logger.Warn("embeddings enabled without an endpoint, records are stored without vectors")
		return nil
	}

	fetcher := embedding.NewFetcher(embedding.FetcherOptionsFromConfig(a.Config, a.Browser.UserAgent()), a.Browser)
	model := embedding.NewHTTPModel(cfg.Endpoint, cfg.APIKey, cfg.ModelName, cfg.Timeout)
	return embedding.NewStage(fetcher, model, embedding.StageOptions{
		Dimensions:    cfg.Dimensions,
		MaxConcurrent: cfg.MaxConcurrent,
	}, a.Metrics)
}

// Run executes one pipeline run.
func (a *App) Run(ctx context.Context, opts pipeline.Options) (*pipeline.Summary, error) {
	if a.Pipeline == nil {
		return nil, errors.New("pipeline not initialized")
	}
	return a.Pipeline.Run(ctx, opts)
}

// Close releases everything New opened, most recent first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
