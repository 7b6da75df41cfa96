package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

type WaitState int

const (
	WaitDOM WaitState = iota
	WaitLoad
	WaitNetworkIdle
)

func (w WaitState) playwright() *playwright.WaitUntilState {
	switch w {
	case WaitLoad:
		return playwright.WaitUntilStateLoad
	case WaitNetworkIdle:
		return playwright.WaitUntilStateNetworkidle
	default:
		return playwright.WaitUntilStateDomcontentloaded
	}
}

// ClickOutcome describes what ClickFirst found.
type ClickOutcome int

const (
	ClickNone ClickOutcome = iota
	ClickDone
	ClickDisabled
)

// Bot-check pages that offer a continue button are clicked through once.
var bypassButtonSelectors = []string{
	`button:has-text("Continue shopping")`,
	`button:has-text("Continue")`,
	`input[type="submit"][value*="Continue"]`,
	`#challenge-form button`,
}

// Tab is one browser page. It is not safe for concurrent use.
type Tab struct {
	page   playwright.Page
	opts   *Options
	logger *slog.Logger
}

func (t *Tab) timeoutMs(d time.Duration) *float64 {
	if d <= 0 {
		d = t.opts.Timeout
	}
	return playwright.Float(float64(d.Milliseconds()))
}

// Navigate loads rawURL, retrying transient failures with a growing backoff.
// A challenge page that cannot be clicked through yields ErrBlocked without
// further retries.
func (t *Tab) Navigate(ctx context.Context, rawURL string, wait WaitState) error {
	maxRetries := t.opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			t.logger.Info("retrying navigation", "attempt", i+1, "url", rawURL)
			if err := Sleep(ctx, time.Duration(i)*time.Second); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := t.page.Goto(rawURL, playwright.PageGotoOptions{
			WaitUntil: wait.playwright(),
			Timeout:   t.timeoutMs(0),
		})
		if err == nil {
			err = t.CheckBlocked(ctx)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrBlocked) {
				return err
			}
		}

		lastErr = err
		t.logger.Warn("navigation failed", "url", rawURL, "error", err, "attempt", i+1)
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// WaitIdle waits for network idle. Sites that poll forever never reach it, so
// callers treat an error as a hint, not a failure.
func (t *Tab) WaitIdle(timeout time.Duration) error {
	return t.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: t.timeoutMs(timeout),
	})
}

func (t *Tab) WaitFor(selector string, timeout time.Duration) error {
	_, err := t.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: t.timeoutMs(timeout),
	})
	return err
}

// WaitForAny returns the first selector of the chain that appears within the
// timeout. The timeout is split evenly across the chain.
func (t *Tab) WaitForAny(selectors []string, timeout time.Duration) (string, error) {
	if len(selectors) == 0 {
		return "", errors.New("no selectors given")
	}
	if timeout <= 0 {
		timeout = t.opts.Timeout
	}
	per := timeout / time.Duration(len(selectors))
	if per < 500*time.Millisecond {
		per = 500 * time.Millisecond
	}

	var lastErr error
	for _, selector := range selectors {
		if err := t.WaitFor(selector, per); err != nil {
			lastErr = err
			continue
		}
		return selector, nil
	}
	return "", lastErr
}

func (t *Tab) Reload(wait WaitState, timeout time.Duration) error {
	_, err := t.page.Reload(playwright.PageReloadOptions{
		WaitUntil: wait.playwright(),
		Timeout:   t.timeoutMs(timeout),
	})
	return err
}

func (t *Tab) Content() (string, error) {
	return t.page.Content()
}

func (t *Tab) Title() (string, error) {
	return t.page.Title()
}

func (t *Tab) URL() string {
	return t.page.URL()
}

func (t *Tab) Evaluate(script string, args ...interface{}) (interface{}, error) {
	return t.page.Evaluate(script, args...)
}

const fetchJSONScript = `async (url) => {
	const resp = await fetch(url, {credentials: "include", headers: {"Accept": "application/json"}});
	if (!resp.ok) {
		return {status: resp.status, body: ""};
	}
	return {status: resp.status, body: await resp.text()};
}`

// FetchJSON requests rawURL with the page's own session. It tries an in-page
// fetch first so storefront cookies and headers apply, then falls back to the
// context's request client.
func (t *Tab) FetchJSON(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := t.fetchInPage(rawURL)
	if err == nil {
		return body, nil
	}
	t.logger.Debug("in-page fetch failed, using request client", "url", rawURL, "error", err)

	resp, err := t.page.Request().Get(rawURL, playwright.APIRequestContextGetOptions{
		Headers: map[string]string{"Accept": "application/json"},
		Timeout: t.timeoutMs(0),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Dispose()

	if !resp.Ok() {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.Status())
	}
	return resp.Body()
}

func (t *Tab) fetchInPage(rawURL string) ([]byte, error) {
	out, err := t.Evaluate(fetchJSONScript, rawURL)
	if err != nil {
		return nil, err
	}
	res, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected fetch result %T", out)
	}
	body, _ := res["body"].(string)
	if body == "" {
		return nil, fmt.Errorf("status %v", res["status"])
	}
	return []byte(body), nil
}

// ScrollForLazyLoad scrolls to the middle, the bottom and back to the top so
// lazily rendered product tiles get attached.
func (t *Tab) ScrollForLazyLoad(ctx context.Context) error {
	steps := []string{
		`() => window.scrollTo(0, document.body.scrollHeight / 2)`,
		`() => window.scrollTo(0, document.body.scrollHeight)`,
		`() => window.scrollTo(0, 0)`,
	}
	for _, step := range steps {
		if _, err := t.page.Evaluate(step); err != nil {
			return fmt.Errorf("scroll failed: %w", err)
		}
		if err := Sleep(ctx, time.Second); err != nil {
			return err
		}
	}
	return nil
}

// ClickVisible clicks the first visible match of selector. It reports false
// when nothing visible matches.
func (t *Tab) ClickVisible(selector string) (bool, error) {
	el := t.page.Locator(selector).First()

	count, err := el.Count()
	if err != nil || count == 0 {
		return false, err
	}
	visible, err := el.IsVisible()
	if err != nil || !visible {
		return false, err
	}
	if err := el.Click(playwright.LocatorClickOptions{Timeout: t.timeoutMs(5 * time.Second)}); err != nil {
		return false, err
	}
	return true, nil
}

// ClickFirst walks selectors in order and clicks the first visible element.
// A visible but disabled match ends the walk with ClickDisabled.
func (t *Tab) ClickFirst(selectors []string) (ClickOutcome, string) {
	for _, selector := range selectors {
		el := t.page.Locator(selector).First()

		count, err := el.Count()
		if err != nil || count == 0 {
			continue
		}
		visible, err := el.IsVisible()
		if err != nil || !visible {
			continue
		}

		if t.disabled(el) {
			return ClickDisabled, selector
		}

		if err := el.Click(playwright.LocatorClickOptions{Timeout: t.timeoutMs(5 * time.Second)}); err != nil {
			t.logger.Debug("click failed", "selector", selector, "error", err)
			continue
		}
		return ClickDone, selector
	}
	return ClickNone, ""
}

func (t *Tab) disabled(el playwright.Locator) bool {
	if disabled, err := el.IsDisabled(); err == nil && disabled {
		return true
	}
	aria, err := el.GetAttribute("aria-disabled")
	return err == nil && aria == "true"
}

// CheckBlocked looks for a bot challenge and tries to click through it once.
func (t *Tab) CheckBlocked(ctx context.Context) error {
	title, err := t.page.Title()
	if err != nil {
		return fmt.Errorf("failed to get page title: %w", err)
	}
	content, err := t.page.Content()
	if err != nil {
		return fmt.Errorf("failed to get page content: %w", err)
	}

	marker, blocked := isBlocked(title, content, t.opts.BlockMarkers)
	if !blocked {
		return nil
	}

	t.logger.Info("bot protection detected, attempting bypass", "marker", marker, "url", t.page.URL())

	if outcome, selector := t.ClickFirst(bypassButtonSelectors); outcome == ClickDone {
		if err := Sleep(ctx, 3*time.Second); err != nil {
			return err
		}
		title, _ = t.page.Title()
		content, _ = t.page.Content()
		if _, still := isBlocked(title, content, t.opts.BlockMarkers); !still {
			t.logger.Info("bypassed bot protection", "selector", selector)
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrBlocked, marker)
}

func (t *Tab) Close() error {
	return t.page.Close()
}

// CapturedResponse is a network response body recorded during one page load.
type CapturedResponse struct {
	URL         string
	ContentType string
	Body        []byte
}

const (
	maxCapturedResponses = 64
	maxCapturedBodyBytes = 4 << 20
)

// Capture is a response subscription scoped to a single page load. Matching
// responses are only recorded by the event handler; their bodies are read in
// Stop after the listener is gone.
type Capture struct {
	page    playwright.Page
	handler func(playwright.Response)
	logger  *slog.Logger

	mu      sync.Mutex
	matched []playwright.Response
	stopped bool
}

// StartCapture subscribes to responses whose URL and content type satisfy
// match. Call Stop once the page has settled.
func (t *Tab) StartCapture(match func(url, contentType string) bool) *Capture {
	c := &Capture{
		page:   t.page,
		logger: t.logger,
	}
	c.handler = func(resp playwright.Response) {
		contentType := resp.Headers()["content-type"]
		if match != nil && !match(resp.URL(), contentType) {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.stopped && len(c.matched) < maxCapturedResponses {
			c.matched = append(c.matched, resp)
		}
	}
	t.page.On("response", c.handler)
	return c
}

// Stop unsubscribes and returns the recorded responses with their bodies.
func (c *Capture) Stop() []CapturedResponse {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	matched := c.matched
	c.matched = nil
	c.mu.Unlock()

	c.page.RemoveListener("response", c.handler)

	var out []CapturedResponse
	for _, resp := range matched {
		body, err := resp.Body()
		if err != nil {
			c.logger.Debug("failed to read captured response", "url", resp.URL(), "error", err)
			continue
		}
		if len(body) > maxCapturedBodyBytes {
			continue
		}
		out = append(out, CapturedResponse{
			URL:         resp.URL(),
			ContentType: resp.Headers()["content-type"],
			Body:        body,
		})
	}
	return out
}

// LooksLikeAPI matches responses that are JSON or whose URL contains one of
// the hints.
func LooksLikeAPI(hints []string) func(url, contentType string) bool {
	return func(url, contentType string) bool {
		if strings.Contains(strings.ToLower(contentType), "json") {
			return true
		}
		lower := strings.ToLower(url)
		for _, hint := range hints {
			if hint != "" && strings.Contains(lower, strings.ToLower(hint)) {
				return true
			}
		}
		return false
	}
}
