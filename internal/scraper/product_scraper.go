package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/apparel-scraper/internal/browser"
	"github.com/maltedev/apparel-scraper/internal/consent"
	"github.com/maltedev/apparel-scraper/internal/metrics"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/maltedev/apparel-scraper/internal/ratelimit"
	"golang.org/x/sync/errgroup"
)

type ProductScraper struct {
	open    TabOpener
	store   Store
	consent *consent.Handler
	limiter ratelimit.RateLimiter
	metrics *metrics.Registry
	extract ExtractConfig
	opts    Options
	logger  *slog.Logger
}

type Option func(*ProductScraper)

func WithLimiter(l ratelimit.RateLimiter) Option {
	return func(ps *ProductScraper) { ps.limiter = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(ps *ProductScraper) { ps.metrics = m }
}

func WithConsent(h *consent.Handler) Option {
	return func(ps *ProductScraper) { ps.consent = h }
}

// NewProductScraper builds a scraper. store may be nil, which disables the
// duplicate check.
func NewProductScraper(open TabOpener, store Store, extract ExtractConfig, opts Options, options ...Option) *ProductScraper {
	ps := &ProductScraper{
		open:    open,
		store:   store,
		limiter: ratelimit.None(),
		extract: extract,
		opts:    opts.withDefaults(),
		logger:  slog.Default().With("component", "product_scraper"),
	}
	for _, o := range options {
		o(ps)
	}
	return ps
}

// ForCategory returns a scraper that stamps records with the category's URL
// and ID and falls back to its gender.
func (ps *ProductScraper) ForCategory(target models.CategoryTarget) *ProductScraper {
	cp := *ps
	cp.extract = ps.extract.ForTarget(target)
	return &cp
}

// Scrape extracts one product. It returns ErrAlreadyExists when the store
// holds the URL and an error wrapping ErrExtractionFailed for anything else
// that goes wrong.
func (ps *ProductScraper) Scrape(ctx context.Context, tab PageLoader, rawURL string) (rec *models.ProductRecord, err error) {
	canonical, err := models.Canonicalize(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	if ps.store != nil {
		exists, err := ps.store.Exists(ctx, ps.extract.Source, canonical)
		if err != nil {
			ps.logger.Warn("existence check failed, scraping anyway", "url", canonical, "error", err)
		} else if exists {
			ps.metrics.Skipped()
			return nil, ErrAlreadyExists
		}
	}

	if err := ps.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("%w: panic: %v", ErrExtractionFailed, r)
		}
	}()

	start := time.Now()
	if err := tab.Navigate(ctx, canonical, browser.WaitDOM); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ps.recordError()
		return nil, fmt.Errorf("%w: navigate: %v", ErrExtractionFailed, err)
	}

	if ps.consent != nil {
		ps.consent.Dismiss(ctx, tab)
	}

	if err := tab.WaitFor(ps.opts.ReadySelector, ps.opts.ReadyTimeout); err != nil {
		ps.recordError()
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	_ = tab.WaitIdle(ps.opts.IdleTimeout)

	html, err := tab.Content()
	if err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrExtractionFailed, err)
	}
	title, _ := tab.Title()

	rec, err = ExtractFromHTML(canonical, html, title, ps.extract)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	ps.recordSuccess()
	ps.metrics.Extracted(time.Since(start))
	ps.logger.Debug("product extracted", "url", canonical, "title", rec.Title)
	return rec, nil
}

func (ps *ProductScraper) recordError() {
	if fb, ok := ps.limiter.(ratelimit.Feedback); ok {
		fb.RecordError()
	}
}

func (ps *ProductScraper) recordSuccess() {
	if fb, ok := ps.limiter.(ratelimit.Feedback); ok {
		fb.RecordSuccess()
	}
}

type BatchResult struct {
	Records         []*models.ProductRecord
	SkippedExisting int
	Failed          int
}

// ScrapeBatch extracts urls on up to MaxConcurrent tabs. Results come back in
// completion order. A failing URL is logged and counted, never fatal; only
// context cancellation ends the batch early.
func (ps *ProductScraper) ScrapeBatch(ctx context.Context, urls []string) (*BatchResult, error) {
	result := &BatchResult{}
	if len(urls) == 0 {
		return result, nil
	}

	tabs := make(chan PageLoader, ps.opts.MaxConcurrent)
	defer func() {
		close(tabs)
		for tab := range tabs {
			tab.Close()
		}
	}()

	acquire := func() (PageLoader, error) {
		select {
		case tab := <-tabs:
			return tab, nil
		default:
			return ps.open()
		}
	}
	release := func(tab PageLoader) {
		select {
		case tabs <- tab:
		default:
			tab.Close()
		}
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(ps.opts.MaxConcurrent)

	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		u := u
		g.Go(func() error {
			tab, err := acquire()
			if err != nil {
				ps.logger.Error("failed to open tab", "url", u, "error", err)
				mu.Lock()
				result.Failed++
				mu.Unlock()
				ps.metrics.Failed()
				return nil
			}
			defer release(tab)

			rec, err := ps.Scrape(ctx, tab, u)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Records = append(result.Records, rec)
			case errors.Is(err, ErrAlreadyExists):
				result.SkippedExisting++
				ps.logger.Debug("product already exists, skipping", "url", u)
			case ctx.Err() != nil:
			default:
				result.Failed++
				ps.metrics.Failed()
				ps.logger.Warn("product extraction failed", "url", u, "error", err)
			}
			return nil
		})
	}

	_ = g.Wait()

	ps.logger.Info("batch finished",
		"urls", len(urls),
		"extracted", len(result.Records),
		"skipped_existing", result.SkippedExisting,
		"failed", result.Failed)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}
