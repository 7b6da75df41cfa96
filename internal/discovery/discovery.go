// Package discovery finds product detail URLs on a rendered listing page.
//
// Several independent strategies run over the same page snapshot and their
// results are unioned. A failing strategy contributes nothing; it never fails
// the whole discovery.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/apparel-scraper/internal/models"
)

// Response is a network response captured while the page was loading.
type Response struct {
	URL         string
	ContentType string
	Body        []byte
}

// Snapshot is everything discovery needs from a settled page.
type Snapshot struct {
	PageURL   string
	HTML      string
	Responses []Response
}

// Page is a parsed snapshot handed to strategies. Doc is nil when the HTML
// could not be parsed.
type Page struct {
	*Snapshot
	Doc *goquery.Document
}

type Strategy interface {
	Name() string
	Find(page *Page, m *Matcher) ([]string, error)
}

type Result struct {
	URLs       []string
	ByStrategy map[string]int
}

type Discoverer struct {
	matcher    *Matcher
	strategies []Strategy
	logger     *slog.Logger
}

// DefaultStrategies returns anchors, JSON-LD, inline scripts and network
// responses, in that order.
func DefaultStrategies(apiHints []string) []Strategy {
	return []Strategy{
		AnchorStrategy{},
		JSONLDStrategy{},
		ScriptStrategy{},
		NetworkStrategy{Hints: apiHints},
	}
}

func New(matcher *Matcher, strategies ...Strategy) *Discoverer {
	if len(strategies) == 0 {
		strategies = DefaultStrategies(nil)
	}
	return &Discoverer{
		matcher:    matcher,
		strategies: strategies,
		logger:     slog.Default().With("component", "discovery"),
	}
}

// Discover returns the canonical product URLs visible in snap, in first-seen
// order and without duplicates.
func (d *Discoverer) Discover(ctx context.Context, snap *Snapshot) Result {
	result := Result{ByStrategy: make(map[string]int, len(d.strategies))}
	if snap == nil {
		return result
	}

	page := &Page{Snapshot: snap}
	if strings.TrimSpace(snap.HTML) != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
		if err != nil {
			d.logger.Warn("failed to parse page html", "url", snap.PageURL, "error", err)
		} else {
			page.Doc = doc
		}
	}

	seen := make(map[string]struct{})
	for _, strategy := range d.strategies {
		if ctx.Err() != nil {
			break
		}

		found := d.run(strategy, page)
		result.ByStrategy[strategy.Name()] = len(found)

		for _, u := range found {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			result.URLs = append(result.URLs, u)
		}
	}

	d.logger.Debug("discovery finished",
		"url", snap.PageURL,
		"total", len(result.URLs),
		"by_strategy", result.ByStrategy)

	return result
}

func (d *Discoverer) run(strategy Strategy, page *Page) (found []string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("discovery strategy panicked", "strategy", strategy.Name(), "panic", fmt.Sprint(r))
			found = nil
		}
	}()

	urls, err := strategy.Find(page, d.matcher)
	if err != nil {
		d.logger.Debug("discovery strategy failed", "strategy", strategy.Name(), "error", err)
		return nil
	}
	return dedupe(urls)
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Matcher decides whether a raw link is a product page of the target site.
type Matcher struct {
	base    string
	host    string
	pattern *regexp.Regexp
}

func NewMatcher(baseURL string, pattern *regexp.Regexp) (*Matcher, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if pattern == nil {
		return nil, fmt.Errorf("product pattern is required")
	}
	return &Matcher{
		base:    baseURL,
		host:    siteHost(u.Host),
		pattern: pattern,
	}, nil
}

func (m *Matcher) Pattern() *regexp.Regexp {
	return m.pattern
}

// Accept resolves raw against the base URL and returns its canonical form
// when it points at a product page on the same site.
func (m *Matcher) Accept(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	lower := strings.ToLower(raw)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}

	canonical, err := models.ResolveCanonical(m.base, raw)
	if err != nil {
		return "", false
	}

	u, err := url.Parse(canonical)
	if err != nil {
		return "", false
	}
	if siteHost(u.Host) != m.host {
		return "", false
	}
	if !m.pattern.MatchString(u.Path) {
		return "", false
	}

	return canonical, true
}

func (m *Matcher) acceptAll(raws []string) []string {
	var out []string
	for _, raw := range raws {
		if u, ok := m.Accept(raw); ok {
			out = append(out, u)
		}
	}
	return out
}

func siteHost(host string) string {
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}
