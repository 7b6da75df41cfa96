package scraper

import (
	"context"
	"fmt"

	"github.com/maltedev/apparel-scraper/internal/browser"
	"github.com/maltedev/apparel-scraper/internal/consent"
	"github.com/maltedev/apparel-scraper/internal/discovery"
	"github.com/maltedev/apparel-scraper/internal/metrics"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/maltedev/apparel-scraper/internal/pagination"
)

// ListingTab is a listing page that owns its browser tab.
type ListingTab interface {
	ListingPage
	FetchJSON(ctx context.Context, rawURL string) ([]byte, error)
	Close() error
}

type ListingOpener func() (ListingTab, error)

func BrowserListings(b *browser.Browser) ListingOpener {
	return func() (ListingTab, error) {
		return b.NewTab()
	}
}

// Catalog walks category listings, one fresh tab per category.
type Catalog struct {
	open       ListingOpener
	discoverer *discovery.Discoverer
	consent    *consent.Handler
	metrics    *metrics.Registry
	source     SourceOptions
	paging     pagination.Options
	listing    *ListingAPI
}

func NewCatalog(open ListingOpener, d *discovery.Discoverer, c *consent.Handler, m *metrics.Registry, source SourceOptions, paging pagination.Options) *Catalog {
	return &Catalog{
		open:       open,
		discoverer: d,
		consent:    c,
		metrics:    m,
		source:     source,
		paging:     paging,
	}
}

// WithListingAPI routes categories with a listing ID through api.
func (c *Catalog) WithListingAPI(api *ListingAPI) *Catalog {
	c.listing = api
	return c
}

// Walk pages through target and hands every page's new URLs to handle.
func (c *Catalog) Walk(ctx context.Context, target models.CategoryTarget, seen pagination.SeenSet, handle pagination.PageHandler) (*pagination.Result, error) {
	tab, err := c.open()
	if err != nil {
		return nil, fmt.Errorf("open listing tab: %w", err)
	}
	defer tab.Close()

	if c.listing != nil && c.listing.CategoryID(target) != "" {
		listing := c.listing.Source(tab, target)
		defer listing.Close()
		return pagination.NewDriver(listing, c.listing.Paging(c.paging)).Run(ctx, target, seen, handle)
	}

	source := NewCategorySource(tab, c.discoverer, c.consent, c.metrics, c.source)
	return pagination.NewDriver(source, c.paging).Run(ctx, target, seen, handle)
}
