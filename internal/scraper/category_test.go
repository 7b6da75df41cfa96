package scraper

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/maltedev/apparel-scraper/internal/browser"
	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/maltedev/apparel-scraper/internal/discovery"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/maltedev/apparel-scraper/internal/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeListing serves a fixed sequence of listing pages reached through a
// next control.
type fakeListing struct {
	pages        []string
	current      int
	navigated    []string
	reloads      int
	emptyUntil   int
	loadMoreOnly bool
	navigateErr  error
	payloads     [][]byte
	fetched      []string
}

func (f *fakeListing) Navigate(_ context.Context, rawURL string, _ browser.WaitState) error {
	f.navigated = append(f.navigated, rawURL)
	return f.navigateErr
}

func (f *fakeListing) WaitIdle(time.Duration) error { return nil }

func (f *fakeListing) WaitForAny(selectors []string, _ time.Duration) (string, error) {
	return selectors[0], nil
}

func (f *fakeListing) Reload(browser.WaitState, time.Duration) error {
	f.reloads++
	return nil
}

func (f *fakeListing) ScrollForLazyLoad(context.Context) error { return nil }

func (f *fakeListing) Content() (string, error) {
	if f.reloads < f.emptyUntil {
		return "<html><body></body></html>", nil
	}
	return f.pages[f.current], nil
}

func (f *fakeListing) URL() string { return "https://www.shop.example/shop/eu/mens" }

func (f *fakeListing) ClickVisible(string) (bool, error) { return false, nil }

func (f *fakeListing) ClickFirst(selectors []string) (browser.ClickOutcome, string) {
	isNext := selectors[0] == defaultNextSelectors[0]
	last := f.current == len(f.pages)-1

	switch {
	case isNext && f.loadMoreOnly:
		return browser.ClickNone, ""
	case isNext && last:
		return browser.ClickDisabled, selectors[0]
	case last:
		return browser.ClickNone, ""
	}
	f.current++
	return browser.ClickDone, selectors[0]
}

func (f *fakeListing) StartCapture(func(url, contentType string) bool) *browser.Capture {
	return nil
}

// FetchJSON serves payloads in order, then empty pages.
func (f *fakeListing) FetchJSON(_ context.Context, rawURL string) ([]byte, error) {
	f.fetched = append(f.fetched, rawURL)
	if len(f.fetched) > len(f.payloads) {
		return []byte(`{"products":[]}`), nil
	}
	return f.payloads[len(f.fetched)-1], nil
}

func newTestSource(t *testing.T, page *fakeListing) *CategorySource {
	t.Helper()
	matcher, err := discovery.NewMatcher("https://www.shop.example", regexp.MustCompile(`/p/`))
	require.NoError(t, err)

	return NewCategorySource(page, discovery.New(matcher), nil, nil, testSourceOptions())
}

func testSourceOptions() SourceOptions {
	return SourceOptions{
		ContainerSelectors: defaultContainerSelectors,
		NextSelectors:      defaultNextSelectors,
		LoadMoreSelectors:  defaultLoadMoreSelectors,
		ReadyTimeout:       time.Millisecond,
		IdleTimeout:        time.Millisecond,
		RetryWait:          time.Millisecond,
	}
}

var listingPages = []string{
	`<a href="/shop/eu/p/linen-shirt-1">Shirt</a><a href="/shop/eu/p/cargo-pant-2">Pant</a><a href="/help">Help</a>`,
	`<a href="/shop/eu/p/cargo-pant-2">Pant</a><a href="/shop/eu/p/denim-jacket-3?color=blue">Jacket</a>`,
}

func TestCategorySource_WithDriver(t *testing.T) {
	page := &fakeListing{pages: listingPages}
	source := newTestSource(t, page)

	driver := pagination.NewDriver(source, pagination.Options{Mode: pagination.ModeControls})
	result, err := driver.Run(context.Background(), models.CategoryTarget{URL: "https://www.shop.example/shop/eu/mens"}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, pagination.StopNoNext, result.Reason)
	assert.Equal(t, 2, result.PagesVisited)
	assert.Equal(t, []string{
		"https://www.shop.example/shop/eu/p/linen-shirt-1",
		"https://www.shop.example/shop/eu/p/cargo-pant-2",
		"https://www.shop.example/shop/eu/p/denim-jacket-3",
	}, result.URLs)
	assert.Equal(t, []string{"https://www.shop.example/shop/eu/mens"}, page.navigated, "later pages are reached by clicking, not navigating")
}

func TestCategorySource_LoadMoreFallback(t *testing.T) {
	page := &fakeListing{pages: listingPages, loadMoreOnly: true}
	source := newTestSource(t, page)

	advanced, err := source.Advance(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, 1, page.current)

	advanced, err = source.Advance(context.Background())
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestCategorySource_RetryAfterEmptyPage(t *testing.T) {
	page := &fakeListing{pages: listingPages[:1], emptyUntil: 1}
	source := newTestSource(t, page)

	driver := pagination.NewDriver(source, pagination.Options{Mode: pagination.ModeControls})
	result, err := driver.Run(context.Background(), models.CategoryTarget{URL: "https://www.shop.example/shop/eu/mens"}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, page.reloads)
	assert.Len(t, result.URLs, 2)
}

func TestCategorySource_LoadError(t *testing.T) {
	page := &fakeListing{pages: listingPages, navigateErr: errors.New("net::ERR_TIMED_OUT")}
	source := newTestSource(t, page)

	err := source.Load(context.Background(), pagination.PageRequest{URL: "https://www.shop.example/shop/eu/mens"})
	assert.Error(t, err)
}

func TestCategorySource_AdvanceCancelled(t *testing.T) {
	source := newTestSource(t, &fakeListing{pages: listingPages})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	advanced, err := source.Advance(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, advanced)
}

func TestSourceOptionsFromConfig(t *testing.T) {
	cfg := config.ScrapingConfig{
		Pagination: config.PaginationConfig{
			NextButton:     ".pager-next",
			LoadMoreButton: ".show-more",
		},
	}

	opts := SourceOptionsFromConfig(cfg, regexp.MustCompile(`/p/`))
	assert.Equal(t, `a[href*="/p/"]`, opts.ContainerSelectors[0])
	assert.Equal(t, ".pager-next", opts.NextSelectors[0])
	assert.Equal(t, ".show-more", opts.LoadMoreSelectors[0])
	assert.Len(t, opts.NextSelectors, len(defaultNextSelectors)+1)

	opts = SourceOptionsFromConfig(config.ScrapingConfig{}, regexp.MustCompile(`/p/\d+`))
	assert.Equal(t, defaultContainerSelectors, opts.ContainerSelectors, "non-literal patterns add no selector")
}

type closingListing struct {
	*fakeListing
	closed bool
}

func (c *closingListing) Close() error {
	c.closed = true
	return nil
}

func TestCatalog_Walk(t *testing.T) {
	matcher, err := discovery.NewMatcher("https://www.shop.example", regexp.MustCompile(`/p/`))
	require.NoError(t, err)

	tab := &closingListing{fakeListing: &fakeListing{pages: listingPages}}
	catalog := NewCatalog(func() (ListingTab, error) { return tab, nil }, discovery.New(matcher), nil, nil,
		testSourceOptions(), pagination.Options{Mode: pagination.ModeControls})

	var pages [][]string
	result, err := catalog.Walk(context.Background(), models.CategoryTarget{URL: "https://www.shop.example/shop/eu/mens"}, nil,
		func(_ context.Context, _ int, urls []string) bool {
			pages = append(pages, urls)
			return true
		})
	require.NoError(t, err)

	assert.Len(t, result.URLs, 3)
	require.Len(t, pages, 2)
	assert.Len(t, pages[1], 1, "second page only hands out the url not seen before")
	assert.True(t, tab.closed)
}

func TestCatalog_OpenFailure(t *testing.T) {
	catalog := NewCatalog(func() (ListingTab, error) { return nil, errors.New("browser closed") }, nil, nil, nil,
		SourceOptions{}, pagination.Options{})

	_, err := catalog.Walk(context.Background(), models.CategoryTarget{URL: "https://www.shop.example/shop/eu/mens"}, nil, nil)
	assert.ErrorContains(t, err, "browser closed")
}
