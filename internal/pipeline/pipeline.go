// Package pipeline runs one scrape end to end: category listings feed product
// extraction, the assembled records are embedded and then persisted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/apparel-scraper/internal/assembly"
	"github.com/maltedev/apparel-scraper/internal/embedding"
	"github.com/maltedev/apparel-scraper/internal/metrics"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/maltedev/apparel-scraper/internal/pagination"
	"github.com/maltedev/apparel-scraper/internal/scraper"
	"github.com/maltedev/apparel-scraper/internal/storage"
)

var ErrNoTargets = errors.New("no category targets configured")

// Catalog pages through a category and hands out new product URLs.
type Catalog interface {
	Walk(ctx context.Context, target models.CategoryTarget, seen pagination.SeenSet, handle pagination.PageHandler) (*pagination.Result, error)
}

// Extractor scrapes a batch of product pages.
type Extractor interface {
	ScrapeBatch(ctx context.Context, urls []string) (*scraper.BatchResult, error)
}

// ExtractorFor returns the extractor used for one category.
type ExtractorFor func(target models.CategoryTarget) Extractor

// Embedder attaches embeddings in place.
type Embedder interface {
	Run(ctx context.Context, records []*models.ProductRecord) embedding.Stats
}

// Sink persists a record and reports whether it was new.
type Sink interface {
	Save(ctx context.Context, rec *models.ProductRecord) (bool, error)
}

// SeenFactory returns the processed-URL set for a run.
type SeenFactory func(ctx context.Context, runID string) pagination.SeenSet

type Options struct {
	// RunID names the run in logs and the seen set. Empty means a new UUID.
	RunID       string
	StartURL    string
	MaxProducts int
	DryRun      bool
	OutputPath  string
}

type Summary struct {
	RunID           string        `json:"run_id"`
	Found           int           `json:"found"`
	Extracted       int           `json:"extracted"`
	SkippedExisting int           `json:"skipped_existing"`
	Failed          int           `json:"failed"`
	DroppedNoURL    int           `json:"dropped_no_url"`
	Unique          int           `json:"unique"`
	Embedded        int           `json:"embedded"`
	Saved           int           `json:"saved"`
	Inserted        int           `json:"inserted"`
	SaveFailed      int           `json:"save_failed"`
	DryRun          bool          `json:"dry_run"`
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
}

type Pipeline struct {
	catalog  Catalog
	extract  ExtractorFor
	sink     Sink
	targets  []models.CategoryTarget
	embedder Embedder
	seen     SeenFactory
	metrics  *metrics.Registry
	logger   *slog.Logger
}

type Option func(*Pipeline)

// WithEmbedder enables the embedding stage.
func WithEmbedder(e Embedder) Option {
	return func(p *Pipeline) { p.embedder = e }
}

func WithSeen(f SeenFactory) Option {
	return func(p *Pipeline) { p.seen = f }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New builds a pipeline. sink may be nil, in which case every run behaves as
// a dry run.
func New(catalog Catalog, extract ExtractorFor, sink Sink, targets []models.CategoryTarget, options ...Option) *Pipeline {
	p := &Pipeline{
		catalog: catalog,
		extract: extract,
		sink:    sink,
		targets: targets,
		logger:  slog.Default().With("component", "pipeline"),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Run scrapes every target and persists the result. A cancelled context
// drops the records gathered so far; the summary still reports what was
// found. The returned error is non-nil only for cancellation or a run that
// could not start.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Summary, error) {
	start := time.Now()
	summary := &Summary{
		RunID:  opts.RunID,
		DryRun: opts.DryRun || p.sink == nil,
	}
	if summary.RunID == "" {
		summary.RunID = uuid.NewString()
	}
	defer func() { summary.Duration = time.Since(start) }()

	p.metrics.Running(true)
	defer p.metrics.Running(false)

	logger := p.logger.With("run_id", summary.RunID)

	targets := p.targets
	if opts.StartURL != "" {
		targets = []models.CategoryTarget{{URL: opts.StartURL}}
	}
	if len(targets) == 0 {
		return p.fail(summary, ErrNoTargets)
	}

	var seen pagination.SeenSet
	if p.seen != nil {
		seen = p.seen(ctx, summary.RunID)
	}
	if seen == nil {
		seen = pagination.NewMemorySeen()
	}

	logger.Info("run started",
		"targets", len(targets),
		"max_products", opts.MaxProducts,
		"dry_run", summary.DryRun)

	asm := assembly.NewAssembler()
	for _, target := range targets {
		if p.capReached(summary, opts) {
			break
		}
		if err := p.walk(ctx, logger, target, seen, asm, summary, opts); err != nil {
			return p.fail(summary, err)
		}
	}

	assembled := asm.Result()
	summary.DroppedNoURL = assembled.DroppedNoURL
	summary.Unique = len(assembled.Records)
	records := assembled.Records

	if p.embedder != nil && len(records) > 0 {
		stats := p.embedder.Run(ctx, records)
		summary.Embedded = stats.Embedded
	}
	if err := ctx.Err(); err != nil {
		return p.fail(summary, err)
	}

	if !summary.DryRun {
		p.persist(ctx, logger, records, summary)
		if err := ctx.Err(); err != nil {
			return p.fail(summary, err)
		}
	}

	if opts.OutputPath != "" {
		if err := storage.WriteRecords(opts.OutputPath, records); err != nil {
			logger.Error("failed to write export", "path", opts.OutputPath, "error", err)
			summary.Error = err.Error()
		} else {
			logger.Info("records exported", "path", opts.OutputPath, "count", len(records))
		}
	}

	summary.Success = summary.Error == "" && summary.SaveFailed == 0
	logger.Info("run finished",
		"found", summary.Found,
		"extracted", summary.Extracted,
		"skipped_existing", summary.SkippedExisting,
		"failed", summary.Failed,
		"unique", summary.Unique,
		"embedded", summary.Embedded,
		"saved", summary.Saved,
		"success", summary.Success,
		"duration", time.Since(start))
	return summary, nil
}

func (p *Pipeline) walk(ctx context.Context, logger *slog.Logger, target models.CategoryTarget, seen pagination.SeenSet,
	asm *assembly.Assembler, summary *Summary, opts Options) error {
	extractor := p.extract(target)
	logger = logger.With("category", target.URL)

	handle := func(ctx context.Context, page int, urls []string) bool {
		summary.Found += len(urls)
		p.metrics.PageVisited()

		if opts.MaxProducts > 0 {
			if remaining := opts.MaxProducts - summary.Extracted; len(urls) > remaining {
				urls = urls[:remaining]
			}
		}

		batch, err := extractor.ScrapeBatch(ctx, urls)
		if batch != nil {
			summary.Extracted += len(batch.Records)
			summary.SkippedExisting += batch.SkippedExisting
			summary.Failed += batch.Failed
			asm.Add(batch.Records...)
		}
		if err != nil {
			return false
		}
		return !p.capReached(summary, opts)
	}

	result, err := p.catalog.Walk(ctx, target, seen, handle)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		logger.Error("category walk failed", "error", err)
		return nil
	}

	logger.Info("category finished",
		"reason", result.Reason,
		"pages", result.PagesVisited,
		"urls", len(result.URLs))
	return nil
}

func (p *Pipeline) capReached(summary *Summary, opts Options) bool {
	return opts.MaxProducts > 0 && summary.Extracted >= opts.MaxProducts
}

func (p *Pipeline) persist(ctx context.Context, logger *slog.Logger, records []*models.ProductRecord, summary *Summary) {
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		inserted, err := p.sink.Save(ctx, rec)
		if err != nil {
			summary.SaveFailed++
			logger.Warn("failed to save product", "url", rec.ProductURL, "error", err)
			continue
		}
		summary.Saved++
		if inserted {
			summary.Inserted++
		}
	}
	p.metrics.Saved(summary.Saved)
}

func (p *Pipeline) fail(summary *Summary, err error) (*Summary, error) {
	summary.Error = err.Error()
	summary.Success = false
	p.logger.Warn("run ended early", "run_id", summary.RunID, "error", err)
	return summary, fmt.Errorf("run %s: %w", summary.RunID, err)
}
