package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/maltedev/apparel-scraper/internal/browser"
	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/maltedev/apparel-scraper/internal/consent"
	"github.com/maltedev/apparel-scraper/internal/discovery"
	"github.com/maltedev/apparel-scraper/internal/metrics"
	"github.com/maltedev/apparel-scraper/internal/pagination"
)

var (
	defaultContainerSelectors = []string{
		`[data-testid*="product"]`,
		`[class*="product-card"]`,
		`[class*="product-item"]`,
	}
	defaultNextSelectors = []string{
		`a[rel="next"]`,
		`button[aria-label*="next" i]`,
		`a[aria-label*="next" i]`,
		`[data-testid*="next"]`,
		".pagination-next",
		".next-page",
	}
	defaultLoadMoreSelectors = []string{
		`[data-testid*="load-more"]`,
		`button:has-text("Load more")`,
		`button:has-text("Show more")`,
		`button:has-text("View more")`,
	}
)

// ListingPage is the subset of a browser tab a category listing needs.
type ListingPage interface {
	Navigate(ctx context.Context, rawURL string, wait browser.WaitState) error
	WaitIdle(timeout time.Duration) error
	WaitForAny(selectors []string, timeout time.Duration) (string, error)
	Reload(wait browser.WaitState, timeout time.Duration) error
	ScrollForLazyLoad(ctx context.Context) error
	Content() (string, error)
	URL() string
	ClickVisible(selector string) (bool, error)
	ClickFirst(selectors []string) (browser.ClickOutcome, string)
	StartCapture(match func(url, contentType string) bool) *browser.Capture
}

type SourceOptions struct {
	ContainerSelectors []string
	NextSelectors      []string
	LoadMoreSelectors  []string
	APIHints           []string
	ReadyTimeout       time.Duration
	IdleTimeout        time.Duration
	RetryWait          time.Duration
}

// SourceOptionsFromConfig prepends the configured pagination controls to the
// built-in chains and waits for product links matching pattern.
func SourceOptionsFromConfig(cfg config.ScrapingConfig, pattern *regexp.Regexp) SourceOptions {
	opts := SourceOptions{
		APIHints:     cfg.APIURLHints,
		ReadyTimeout: cfg.ReadyTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		RetryWait:    cfg.RetryWait,
	}

	if pattern != nil {
		if literal, complete := pattern.LiteralPrefix(); complete && literal != "" {
			opts.ContainerSelectors = append(opts.ContainerSelectors, fmt.Sprintf(`a[href*=%q]`, literal))
		}
	}
	opts.ContainerSelectors = append(opts.ContainerSelectors, defaultContainerSelectors...)

	if cfg.Pagination.NextButton != "" {
		opts.NextSelectors = append(opts.NextSelectors, cfg.Pagination.NextButton)
	}
	opts.NextSelectors = append(opts.NextSelectors, defaultNextSelectors...)

	if cfg.Pagination.LoadMoreButton != "" {
		opts.LoadMoreSelectors = append(opts.LoadMoreSelectors, cfg.Pagination.LoadMoreButton)
	}
	opts.LoadMoreSelectors = append(opts.LoadMoreSelectors, defaultLoadMoreSelectors...)

	return opts
}

// CategorySource drives one browser tab through a category listing. Each page
// load runs inside its own response capture so API payloads fetched by the
// storefront can feed discovery.
type CategorySource struct {
	page       ListingPage
	discoverer *discovery.Discoverer
	consent    *consent.Handler
	metrics    *metrics.Registry
	opts       SourceOptions
	logger     *slog.Logger

	capture   *browser.Capture
	responses []discovery.Response
}

var _ pagination.PageSource = (*CategorySource)(nil)

func NewCategorySource(page ListingPage, d *discovery.Discoverer, c *consent.Handler, m *metrics.Registry, opts SourceOptions) *CategorySource {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 15 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 5 * time.Second
	}
	return &CategorySource{
		page:       page,
		discoverer: d,
		consent:    c,
		metrics:    m,
		opts:       opts,
		logger:     slog.Default().With("component", "category_source"),
	}
}

func (s *CategorySource) startCapture() {
	if s.capture != nil {
		s.capture.Stop()
	}
	s.capture = s.page.StartCapture(browser.LooksLikeAPI(s.opts.APIHints))
}

func (s *CategorySource) stopCapture() {
	captured := s.capture.Stop()
	s.capture = nil

	s.responses = s.responses[:0]
	for _, r := range captured {
		s.responses = append(s.responses, discovery.Response{
			URL:         r.URL,
			ContentType: r.ContentType,
			Body:        r.Body,
		})
	}
}

// Load navigates to req.URL, or settles the page reached by Advance when the
// request has no URL.
func (s *CategorySource) Load(ctx context.Context, req pagination.PageRequest) error {
	if req.URL != "" || s.capture == nil {
		s.startCapture()
	}

	if req.URL != "" {
		if err := s.page.Navigate(ctx, req.URL, browser.WaitDOM); err != nil {
			s.stopCapture()
			return err
		}
	}

	if s.consent != nil {
		s.consent.Dismiss(ctx, s.page)
	}

	if sel, err := s.page.WaitForAny(s.opts.ContainerSelectors, s.opts.ReadyTimeout); err != nil {
		s.logger.Debug("no product container found, continuing", "page", req.Index, "error", err)
	} else {
		s.logger.Debug("product container found", "selector", sel)
	}

	if err := s.settle(ctx, s.opts.IdleTimeout); err != nil {
		s.stopCapture()
		return err
	}

	s.stopCapture()
	return nil
}

func (s *CategorySource) settle(ctx context.Context, idle time.Duration) error {
	if err := s.page.WaitIdle(idle); err != nil {
		s.logger.Debug("network idle not reached", "error", err)
	}
	if err := s.page.ScrollForLazyLoad(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("lazy-load scroll failed", "error", err)
	}
	_ = s.page.WaitIdle(idle / 3)
	return nil
}

func (s *CategorySource) Discover(ctx context.Context) ([]string, error) {
	html, err := s.page.Content()
	if err != nil {
		return nil, fmt.Errorf("read listing html: %w", err)
	}

	result := s.discoverer.Discover(ctx, &discovery.Snapshot{
		PageURL:   s.page.URL(),
		HTML:      html,
		Responses: s.responses,
	})
	s.metrics.Discovered(result.ByStrategy)
	return result.URLs, nil
}

// Retry reloads the page, waits for network idle and gives the storefront a
// longer pause before discovery runs again.
func (s *CategorySource) Retry(ctx context.Context) error {
	s.startCapture()
	defer s.stopCapture()

	if err := s.page.Reload(browser.WaitNetworkIdle, 2*s.opts.IdleTimeout); err != nil {
		s.logger.Debug("reload did not reach network idle", "error", err)
	}
	if err := browser.Sleep(ctx, s.opts.RetryWait); err != nil {
		return err
	}
	if s.consent != nil {
		s.consent.Dismiss(ctx, s.page)
	}
	return s.settle(ctx, s.opts.IdleTimeout)
}

// Advance clicks an enabled next control, falling back to load-more. A
// disabled next control means the listing is exhausted.
func (s *CategorySource) Advance(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.startCapture()

	outcome, selector := s.page.ClickFirst(s.opts.NextSelectors)
	switch outcome {
	case browser.ClickDone:
		s.logger.Debug("advanced via next control", "selector", selector)
		return true, nil
	case browser.ClickDisabled:
		s.logger.Debug("next control disabled", "selector", selector)
		s.stopCapture()
		return false, nil
	}

	outcome, selector = s.page.ClickFirst(s.opts.LoadMoreSelectors)
	if outcome == browser.ClickDone {
		s.logger.Debug("advanced via load-more control", "selector", selector)
		return true, nil
	}

	s.stopCapture()
	return false, nil
}
