// Package pagination walks a category listing page by page, feeding each page
// through discovery until the listing is exhausted.
//
// Pages are visited strictly in sequence. Every discovered URL is checked
// against a run-wide SeenSet before it is handed out, so the same product is
// never extracted twice within a run. Whether the walk goes on only depends on
// the category's own pages: a page that repeats URLs this walk already saw
// ends it, while URLs seen in an earlier category merely stay unhanded.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/maltedev/apparel-scraper/internal/ratelimit"
)

type State string

const (
	StateLoadingPage State = "LOADING_PAGE"
	StateExtracting  State = "EXTRACTING"
	StateMore        State = "MORE"
	StateDone        State = "DONE"
)

type StopReason string

const (
	StopEmptyPage     StopReason = "empty_page"
	StopBudget        StopReason = "page_budget"
	StopNoNext        StopReason = "no_next_page"
	StopShortPage     StopReason = "short_page"
	StopOffsetCeiling StopReason = "offset_ceiling"
	StopNoNewURLs     StopReason = "no_new_urls"
	StopHandler       StopReason = "handler"
	StopLoadFailed    StopReason = "load_failed"
)

type Mode string

const (
	// ModeOffset requests each page with explicit offset and page-size query
	// parameters.
	ModeOffset Mode = "offset"
	// ModeControls follows next-page and load-more controls on the page.
	ModeControls Mode = "controls"
)

// PageRequest describes the page to load. In controls mode only the first
// request carries a URL; later pages were already reached through Advance and
// Load only waits for them to settle.
type PageRequest struct {
	Index  int
	Offset int
	URL    string
}

// PageSource is a listing the driver can page through.
type PageSource interface {
	Load(ctx context.Context, req PageRequest) error
	Discover(ctx context.Context) ([]string, error)
	// Retry gives an empty page a second chance with a longer wait.
	Retry(ctx context.Context) error
	// Advance moves to the next page using on-page controls. It returns
	// false when no enabled control exists.
	Advance(ctx context.Context) (bool, error)
}

// SeenSet records URLs processed in the current run. Add reports whether the
// URL was new.
type SeenSet interface {
	Add(ctx context.Context, url string) (bool, error)
}

// PageHandler receives the new URLs of each page. Returning false stops the
// walk after the current page.
type PageHandler func(ctx context.Context, page int, urls []string) bool

type Options struct {
	Mode          Mode
	PageSize      int
	MaxPages      int
	OffsetCeiling int
	OffsetParam   string
	SizeParam     string
	Limiter       ratelimit.RateLimiter
}

func OptionsFromConfig(cfg config.ScrapingConfig) Options {
	return Options{
		Mode:          Mode(cfg.Pagination.Mode),
		PageSize:      cfg.PageSize,
		MaxPages:      cfg.MaxPages,
		OffsetCeiling: cfg.OffsetCeiling,
		OffsetParam:   cfg.Pagination.OffsetParam,
		SizeParam:     cfg.Pagination.SizeParam,
		Limiter:       ratelimit.NewSimpleRateLimiter(cfg.PageDelay, cfg.PageDelay),
	}
}

type Result struct {
	State        State
	Reason       StopReason
	PagesVisited int
	Loads        int
	URLs         []string
	Trace        []State
	Duration     time.Duration
}

func (r *Result) enter(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

type Driver struct {
	source PageSource
	opts   Options
	logger *slog.Logger
}

func NewDriver(source PageSource, opts Options) *Driver {
	if opts.Mode == "" {
		opts.Mode = ModeControls
	}
	if opts.PageSize < 1 {
		opts.PageSize = 90
	}
	if opts.OffsetCeiling < 1 {
		opts.OffsetCeiling = 1000
	}
	if opts.OffsetParam == "" {
		opts.OffsetParam = "start"
	}
	if opts.SizeParam == "" {
		opts.SizeParam = "rows"
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.None()
	}
	return &Driver{
		source: source,
		opts:   opts,
		logger: slog.Default().With("component", "pagination"),
	}
}

// Run pages through target until a stop condition fires. The only error it
// returns is context cancellation; every other problem ends the walk in
// StateDone with a reason.
func (d *Driver) Run(ctx context.Context, target models.CategoryTarget, seen SeenSet, handle PageHandler) (*Result, error) {
	start := time.Now()
	result := &Result{}
	defer func() { result.Duration = time.Since(start) }()

	if seen == nil {
		seen = NewMemorySeen()
	}

	maxPages := d.opts.MaxPages
	if target.MaxPages > 0 {
		maxPages = target.MaxPages
	}

	logger := d.logger.With("category", target.URL)
	done := func(reason StopReason) (*Result, error) {
		result.enter(StateDone)
		result.Reason = reason
		logger.Info("pagination finished",
			"reason", reason,
			"pages", result.PagesVisited,
			"urls", len(result.URLs))
		return result, nil
	}

	walked := make(map[string]struct{})
	offset := 0
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.enter(StateLoadingPage)
		req, err := d.request(target.URL, index, offset)
		if err != nil {
			logger.Error("failed to build page url", "error", err)
			return done(StopLoadFailed)
		}

		result.Loads++
		if err := d.source.Load(ctx, req); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			logger.Warn("failed to load page", "page", index, "offset", offset, "error", err)
			return done(StopLoadFailed)
		}

		result.enter(StateExtracting)
		urls, err := d.discover(ctx, logger, index)
		if err != nil {
			return result, err
		}
		if len(urls) == 0 {
			return done(StopEmptyPage)
		}
		result.PagesVisited++

		repeated := true
		for _, u := range urls {
			if _, ok := walked[u]; !ok {
				walked[u] = struct{}{}
				repeated = false
			}
		}
		if repeated {
			logger.Info("page repeats earlier urls of this category", "page", index, "offset", offset)
			return done(StopNoNewURLs)
		}

		fresh, err := d.filterSeen(ctx, seen, urls)
		if err != nil {
			return result, err
		}
		result.URLs = append(result.URLs, fresh...)

		logger.Info("page extracted",
			"page", index,
			"offset", offset,
			"found", len(urls),
			"new", len(fresh))

		if len(fresh) > 0 && handle != nil && !handle(ctx, index, fresh) {
			return done(StopHandler)
		}
		if maxPages > 0 && result.PagesVisited >= maxPages {
			return done(StopBudget)
		}

		switch d.opts.Mode {
		case ModeOffset:
			if len(urls) < d.opts.PageSize {
				return done(StopShortPage)
			}
		default:
			advanced, err := d.source.Advance(ctx)
			if err != nil && ctx.Err() != nil {
				return result, ctx.Err()
			}
			if err != nil {
				logger.Debug("advance failed", "error", err)
			}
			if !advanced {
				return done(StopNoNext)
			}
		}

		offset += d.opts.PageSize
		if offset > d.opts.OffsetCeiling {
			logger.Warn("offset ceiling reached, stopping pagination",
				"offset", offset,
				"ceiling", d.opts.OffsetCeiling)
			return done(StopOffsetCeiling)
		}

		result.enter(StateMore)
		if err := d.opts.Limiter.Wait(ctx); err != nil {
			return result, err
		}
	}
}

func (d *Driver) request(categoryURL string, index, offset int) (PageRequest, error) {
	req := PageRequest{Index: index, Offset: offset}
	switch {
	case d.opts.Mode == ModeOffset:
		u, err := OffsetURL(categoryURL, d.opts.OffsetParam, d.opts.SizeParam, offset, d.opts.PageSize)
		if err != nil {
			return req, err
		}
		req.URL = u
	case index == 0:
		req.URL = categoryURL
	}
	return req, nil
}

// discover runs discovery, retrying once with a longer wait when the page
// came back empty.
func (d *Driver) discover(ctx context.Context, logger *slog.Logger, index int) ([]string, error) {
	urls, err := d.source.Discover(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(urls) > 0 {
		return urls, nil
	}

	logger.Info("no products found, retrying with longer wait", "page", index)
	if err := d.source.Retry(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debug("retry failed", "page", index, "error", err)
		return nil, nil
	}

	urls, err = d.source.Discover(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return urls, nil
}

func (d *Driver) filterSeen(ctx context.Context, seen SeenSet, urls []string) ([]string, error) {
	fresh := make([]string, 0, len(urls))
	for _, u := range urls {
		added, err := seen.Add(ctx, u)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			d.logger.Warn("seen set unavailable, treating url as new", "url", u, "error", err)
			added = true
		}
		if added {
			fresh = append(fresh, u)
		}
	}
	return fresh, nil
}

// OffsetURL sets the offset and page-size query parameters on raw.
func OffsetURL(raw, offsetParam, sizeParam string, offset, size int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse category url: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("category url %q is not absolute", raw)
	}

	q := u.Query()
	q.Set(offsetParam, strconv.Itoa(offset))
	if sizeParam != "" {
		q.Set(sizeParam, strconv.Itoa(size))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
