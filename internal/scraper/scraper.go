package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/apparel-scraper/internal/browser"
)

var (
	// ErrAlreadyExists marks a product the store already holds. It is a skip,
	// not a failure.
	ErrAlreadyExists = errors.New("product already exists")
	// ErrExtractionFailed covers every per-URL failure: navigation, readiness
	// and parsing.
	ErrExtractionFailed = errors.New("product extraction failed")
	ErrNotReady         = fmt.Errorf("%w: page not ready", ErrExtractionFailed)
)

// Store answers whether a product was already persisted.
type Store interface {
	Exists(ctx context.Context, source, productURL string) (bool, error)
}

// PageLoader is the subset of a browser tab the product scraper drives.
type PageLoader interface {
	Navigate(ctx context.Context, rawURL string, wait browser.WaitState) error
	WaitFor(selector string, timeout time.Duration) error
	WaitIdle(timeout time.Duration) error
	Content() (string, error)
	Title() (string, error)
	ClickVisible(selector string) (bool, error)
	Close() error
}

// TabOpener opens a fresh page in the shared browser context.
type TabOpener func() (PageLoader, error)

// BrowserTabs adapts a browser to a TabOpener.
func BrowserTabs(b *browser.Browser) TabOpener {
	return func() (PageLoader, error) {
		return b.NewTab()
	}
}

type Options struct {
	MaxConcurrent int
	ReadySelector string
	ReadyTimeout  time.Duration
	IdleTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 1
	}
	if o.ReadySelector == "" {
		o.ReadySelector = "h1"
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Second
	}
	return o
}
