package embedding

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/maltedev/apparel-scraper/internal/ratelimit"
)

var (
	ErrDownloadFailed = errors.New("image download failed")
	ErrEmptyImageURL  = errors.New("record has no image url")
)

const maxImageBytes = 20 << 20

// CookieSource hands out the browser session's cookies for a URL.
type CookieSource interface {
	Cookies(ctx context.Context, rawURL string) ([]*http.Cookie, error)
}

type FetcherOptions struct {
	UserAgent     string
	Referer       string
	CacheDir      string
	Variants      []config.SizeVariant
	Timeout       time.Duration
	RatePerSecond float64
}

// Fetcher downloads product images. It tries a plain request first, then
// repeats rejected requests with the browser's cookies, and finally walks a
// short list of alternate URLs for the same image.
type Fetcher struct {
	client  *http.Client
	cookies CookieSource
	limiter ratelimit.RateLimiter
	opts    FetcherOptions
	logger  *slog.Logger
}

type fetchError struct {
	status   int
	rejected bool
	err      error
}

func (e *fetchError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("status %d", e.status)
}

func NewFetcher(opts FetcherOptions, cookies CookieSource) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Fetcher{
		client:  &http.Client{Timeout: opts.Timeout},
		cookies: cookies,
		limiter: ratelimit.NewPerSecond(opts.RatePerSecond, 1),
		opts:    opts,
		logger:  slog.Default().With("component", "image_fetcher"),
	}
}

// FetcherOptionsFromConfig paces the image host and sends the brand site as
// referer.
func FetcherOptionsFromConfig(cfg *config.Config, userAgent string) FetcherOptions {
	return FetcherOptions{
		UserAgent:     userAgent,
		Referer:       strings.TrimSuffix(cfg.Brand.BaseURL, "/") + "/",
		CacheDir:      cfg.Embeddings.CacheDir,
		Variants:      cfg.Embeddings.SizeVariants,
		Timeout:       cfg.Embeddings.Timeout,
		RatePerSecond: cfg.Embeddings.RatePerSecond,
	}
}

// Fetch returns the image bytes and content type for imageURL.
func (f *Fetcher) Fetch(ctx context.Context, imageURL string) ([]byte, string, error) {
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return nil, "", ErrEmptyImageURL
	}

	if data, ok := f.readCache(imageURL); ok {
		return data, http.DetectContentType(data), nil
	}

	var lastErr error
	for i, candidate := range f.candidates(imageURL) {
		data, contentType, err := f.fetchWithFallback(ctx, candidate)
		if err == nil {
			if i > 0 {
				f.logger.Debug("image fetched from variant", "url", imageURL, "variant", candidate)
			}
			f.writeCache(imageURL, data)
			return data, contentType, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		lastErr = err
	}

	return nil, "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, imageURL, lastErr)
}

func (f *Fetcher) fetchWithFallback(ctx context.Context, imageURL string) ([]byte, string, error) {
	data, contentType, err := f.get(ctx, imageURL, false)
	if err == nil {
		return data, contentType, nil
	}

	var fe *fetchError
	if f.cookies == nil || !errors.As(err, &fe) || !fe.rejected {
		return nil, "", err
	}

	f.logger.Debug("direct image fetch rejected, retrying with session", "url", imageURL, "error", err)
	return f.get(ctx, imageURL, true)
}

func (f *Fetcher) get(ctx context.Context, imageURL string, withSession bool) ([]byte, string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	if withSession {
		if f.opts.Referer != "" {
			req.Header.Set("Referer", f.opts.Referer)
		}
		cookies, err := f.cookies.Cookies(ctx, imageURL)
		if err != nil {
			f.logger.Debug("failed to read session cookies", "error", err)
		}
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &fetchError{rejected: true, err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return nil, "", &fetchError{status: resp.StatusCode, rejected: true}
	default:
		return nil, "", &fetchError{status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", &fetchError{err: err}
	}
	if len(data) == 0 {
		return nil, "", &fetchError{err: errors.New("empty body")}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		sniffed := http.DetectContentType(data)
		if !strings.HasPrefix(sniffed, "image/") {
			return nil, "", &fetchError{err: fmt.Errorf("not an image: %s", sniffed)}
		}
		contentType = sniffed
	}
	return data, contentType, nil
}

// candidates lists imageURL followed by its configured size variants and its
// query-less form.
func (f *Fetcher) candidates(imageURL string) []string {
	out := []string{imageURL}
	seen := map[string]struct{}{imageURL: {}}
	add := func(u string) {
		if _, ok := seen[u]; ok || u == "" {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	for _, v := range f.opts.Variants {
		if v.From != "" && strings.Contains(imageURL, v.From) {
			add(strings.Replace(imageURL, v.From, v.To, 1))
		}
	}
	if u, err := url.Parse(imageURL); err == nil && u.RawQuery != "" {
		u.RawQuery = ""
		add(u.String())
	}
	return out
}

func (f *Fetcher) cachePath(imageURL string) string {
	sum := md5.Sum([]byte(imageURL))
	return filepath.Join(f.opts.CacheDir, hex.EncodeToString(sum[:])+".img")
}

func (f *Fetcher) readCache(imageURL string) ([]byte, bool) {
	if f.opts.CacheDir == "" {
		return nil, false
	}
	data, err := os.ReadFile(f.cachePath(imageURL))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

func (f *Fetcher) writeCache(imageURL string, data []byte) {
	if f.opts.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(f.opts.CacheDir, 0o755); err != nil {
		f.logger.Debug("failed to create image cache", "error", err)
		return
	}

	// Concurrent writers of one URL each rename their own temp file.
	tmp, err := os.CreateTemp(f.opts.CacheDir, "img-*.tmp")
	if err != nil {
		f.logger.Debug("failed to create image cache file", "error", err)
		return
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		f.logger.Debug("failed to write image cache", "error", errors.Join(werr, cerr))
		return
	}
	if err := os.Rename(tmp.Name(), f.cachePath(imageURL)); err != nil {
		os.Remove(tmp.Name())
	}
}
