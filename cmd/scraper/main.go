package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maltedev/apparel-scraper/internal/app"
	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/maltedev/apparel-scraper/internal/database"
	"github.com/maltedev/apparel-scraper/internal/logging"
	"github.com/maltedev/apparel-scraper/internal/pipeline"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s scrape [flags]\n\nFlags:\n", os.Args[0])
	scrapeFlags(flag.NewFlagSet("scrape", flag.ContinueOnError)).PrintDefaults()
}

type scrapeOptions struct {
	configPath  string
	maxProducts int
	startURL    string
	dryRun      bool
	output      string
	headless    bool
	// set holds the flags given on the command line.
	set map[string]bool
}

var opts scrapeOptions

func scrapeFlags(fs *flag.FlagSet) *flag.FlagSet {
	fs.StringVar(&opts.configPath, "config", "", "Path to the YAML config file (default: ./config.yaml)")
	fs.IntVar(&opts.maxProducts, "max-products", 0, "Stop after this many products were extracted (0 = no limit)")
	fs.StringVar(&opts.startURL, "url", "", "Scrape this category URL instead of the configured categories")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Discover, extract and embed without writing to the database")
	fs.StringVar(&opts.output, "output", "", "Also write the records to this JSON file")
	fs.BoolVar(&opts.headless, "headless", true, "Run the browser headless (overrides browser.headless when given)")
	return fs
}

func parseScrapeFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return nil
}

// applyTo lets explicit flags win over the config file.
func (o scrapeOptions) applyTo(cfg *config.Config) {
	if o.set["headless"] {
		cfg.Browser.Headless = o.headless
	}
}

func main() {
	if len(os.Args) < 2 || os.Args[1] != "scrape" {
		usage()
		os.Exit(2)
	}

	fs := scrapeFlags(flag.NewFlagSet("scrape", flag.ExitOnError))
	_ = parseScrapeFlags(fs, os.Args[2:])

	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	opts.applyTo(cfg)

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting apparel scraper",
		"brand", cfg.Brand.Name,
		"dry_run", opts.dryRun,
		"max_products", opts.maxProducts)

	a, err := app.New(ctx, cfg, app.Options{DryRun: opts.dryRun})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	summary, err := a.Run(ctx, pipeline.Options{
		StartURL:    opts.startURL,
		MaxProducts: opts.maxProducts,
		DryRun:      opts.dryRun,
		OutputPath:  opts.output,
	})
	if summary != nil {
		printSummary(summary)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted, partial results dropped")
			return 130
		}
		logger.Error("run failed", "error", err)
		return 1
	}

	flushOutbox(a, logger)
	return 0
}

// flushOutbox publishes this run's events right away when Redis is
// configured; anything left is picked up by the API service's relay.
func flushOutbox(a *app.App, logger *slog.Logger) {
	if a.DB == nil || a.Redis == nil || opts.dryRun {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	relay := database.NewRelay(a.DB, a.Redis, logger, database.RelayConfig{
		BatchSize:    a.Config.Server.RelayBatchSize,
		StreamMaxLen: a.Config.Redis.StreamMaxLen,
	})
	stats, err := relay.Flush(ctx)
	if err != nil {
		logger.Warn("failed to flush outbox", "error", err)
		return
	}
	logger.Info("outbox flushed", "published", stats.Published, "failed", stats.Failed)
}

func printSummary(s *pipeline.Summary) {
	fmt.Println()
	fmt.Println("Scrape summary")
	fmt.Printf("  run:     %s\n", s.RunID)
	fmt.Printf("  found:   %d\n", s.Found)
	fmt.Printf("  saved:   %d\n", s.Saved)
	fmt.Printf("  success: %t\n", s.Success)
}
