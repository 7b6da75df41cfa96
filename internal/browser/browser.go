package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/playwright-community/playwright-go"
)

var ErrBlocked = errors.New("blocked by anti-bot challenge")

type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string
	MaxRetries     int
	BlockMarkers   []string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-US,en;q=0.9",
		TimezoneID:     "Europe/Oslo",
		Locale:         "en-US",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
		MaxRetries:   3,
		BlockMarkers: DefaultBlockMarkers(),
	}
}

// DefaultBlockMarkers are page texts that identify a bot challenge instead of
// real content.
func DefaultBlockMarkers() []string {
	return []string{
		"Access Denied",
		"Pardon Our Interruption",
		"Please verify you are a human",
		"Checking your browser",
		"px-captcha",
	}
}

// OptionsFromConfig maps the browser and scraping sections onto Options.
func OptionsFromConfig(b config.BrowserConfig, s config.ScrapingConfig) *Options {
	opts := DefaultOptions()
	opts.Headless = b.Headless
	if b.UserAgent != "" {
		opts.UserAgent = b.UserAgent
	}
	if b.ViewportWidth > 0 && b.ViewportHeight > 0 {
		opts.ViewportWidth = b.ViewportWidth
		opts.ViewportHeight = b.ViewportHeight
	}
	if b.AcceptLanguage != "" {
		opts.AcceptLanguage = b.AcceptLanguage
	}
	if b.TimezoneID != "" {
		opts.TimezoneID = b.TimezoneID
	}
	if b.Locale != "" {
		opts.Locale = b.Locale
	}
	opts.ProxyServer = b.Proxy
	if s.Timeout > 0 {
		opts.Timeout = s.Timeout
	}
	if s.MaxRetries > 0 {
		opts.MaxRetries = s.MaxRetries
	}
	if len(s.BlockMarkers) > 0 {
		opts.BlockMarkers = s.BlockMarkers
	}
	return opts
}

func New(opts *Options) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
		},
	}

	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: opts.ProxyServer,
		}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	headers := make(map[string]string, len(opts.ExtraHeaders)+1)
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	if opts.AcceptLanguage != "" {
		headers["Accept-Language"] = opts.AcceptLanguage
	}

	context, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         &opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &opts.Locale,
		TimezoneId:        &opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		context: context,
		opts:    opts,
		logger:  slog.Default().With("component", "browser"),
	}, nil
}

func (b *Browser) NewTab() (*Tab, error) {
	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	return &Tab{
		page:   page,
		opts:   b.opts,
		logger: b.logger,
	}, nil
}

func (b *Browser) UserAgent() string {
	return b.opts.UserAgent
}

// Cookies returns the context cookies that apply to rawURL.
func (b *Browser) Cookies(ctx context.Context, rawURL string) ([]*http.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cookies, err := b.context.Cookies(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	return toHTTPCookies(cookies), nil
}

// Warmup visits rawURL once so the context collects session cookies.
func (b *Browser) Warmup(ctx context.Context, rawURL string) error {
	tab, err := b.NewTab()
	if err != nil {
		return err
	}
	defer tab.Close()

	if err := tab.Navigate(ctx, rawURL, WaitLoad); err != nil {
		return fmt.Errorf("warmup navigation failed: %w", err)
	}
	return Sleep(ctx, 2*time.Second)
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %w", errors.Join(errs...))
	}

	return nil
}

func toHTTPCookies(cookies []playwright.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}

// isBlocked reports which marker, if any, shows up in the page title or body.
func isBlocked(title, content string, markers []string) (string, bool) {
	for _, marker := range markers {
		if marker == "" {
			continue
		}
		if strings.Contains(title, marker) || strings.Contains(content, marker) {
			return marker, true
		}
	}
	return "", false
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
