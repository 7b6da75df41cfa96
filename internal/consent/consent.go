// Package consent dismisses cookie banners and similar overlays that would
// otherwise sit on top of the catalog.
package consent

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSelectors covers the common consent platforms first, then generic
// accept buttons matched by id, class or text.
var DefaultSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#didomi-notice-agree-button",
	"#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll",
	"[data-testid='consent-accept']",
	"[data-testid='accept-button']",
	"button[id*='accept']",
	"button[class*='accept']",
	".cookie-accept",
	".accept-all",
	`button:has-text("Accept all")`,
	`button:has-text("Accept All Cookies")`,
	`button:has-text("Accept")`,
	`button:has-text("I agree")`,
}

// Clicker is the page capability the handler needs.
type Clicker interface {
	ClickVisible(selector string) (bool, error)
}

type Handler struct {
	selectors []string
	settle    time.Duration
	logger    *slog.Logger
}

// New builds a handler. Configured selectors are tried before the defaults.
func New(selectors []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	chain := make([]string, 0, len(selectors)+len(DefaultSelectors))
	seen := make(map[string]struct{})
	for _, s := range append(append([]string{}, selectors...), DefaultSelectors...) {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		chain = append(chain, s)
	}

	return &Handler{
		selectors: chain,
		settle:    time.Second,
		logger:    logger.With("component", "consent"),
	}
}

func (h *Handler) Selectors() []string {
	return h.selectors
}

// Dismiss clicks the first visible match of the chain and reports whether
// anything was dismissed. Errors never escape; a banner that cannot be
// clicked is left alone.
func (h *Handler) Dismiss(ctx context.Context, page Clicker) bool {
	for _, selector := range h.selectors {
		if ctx.Err() != nil {
			return false
		}

		clicked, err := page.ClickVisible(selector)
		if err != nil {
			h.logger.Debug("consent click failed", "selector", selector, "error", err)
			continue
		}
		if !clicked {
			continue
		}

		h.logger.Debug("consent banner dismissed", "selector", selector)
		h.wait(ctx)
		return true
	}
	return false
}

func (h *Handler) wait(ctx context.Context) {
	if h.settle <= 0 {
		return
	}
	timer := time.NewTimer(h.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
