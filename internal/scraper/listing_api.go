package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/apparel-scraper/internal/browser"
	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/maltedev/apparel-scraper/internal/metrics"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/maltedev/apparel-scraper/internal/pagination"
	"github.com/maltedev/apparel-scraper/internal/parser"
	"github.com/maltedev/apparel-scraper/internal/ratelimit"
)

const strategyListingAPI = "listing_api"

var ErrNoListingProducts = errors.New("listing payload holds no product array")

// ListingSession fetches listing payloads inside the storefront's browser
// session, so cookies set by the category page go along.
type ListingSession interface {
	Navigate(ctx context.Context, rawURL string, wait browser.WaitState) error
	FetchJSON(ctx context.Context, rawURL string) ([]byte, error)
}

type ListingAPIOptions struct {
	Endpoint string
	Params   url.Values
	// Variables is the JSON object sent in VariablesParam. When
	// VariablesParam is empty, category and paging go out as plain query
	// parameters instead.
	Variables      map[string]any
	VariablesParam string
	CategoryParam  string
	OffsetParam    string
	SizeParam      string
	PageSize       int
	BaseURL        string
	ImageBase      string
	RetryWait      time.Duration
}

// ListingAPIOptionsFromConfig reuses the offset pagination parameter names
// and page size for the listing requests.
func ListingAPIOptionsFromConfig(cfg *config.Config) (ListingAPIOptions, error) {
	api := cfg.Scraping.ListingAPI
	opts := ListingAPIOptions{
		Endpoint:       api.Endpoint,
		Params:         url.Values{},
		VariablesParam: api.VariablesParam,
		CategoryParam:  api.CategoryParam,
		OffsetParam:    cfg.Scraping.Pagination.OffsetParam,
		SizeParam:      cfg.Scraping.Pagination.SizeParam,
		PageSize:       cfg.Scraping.PageSize,
		BaseURL:        cfg.Brand.BaseURL,
		ImageBase:      api.ImageBase,
		RetryWait:      cfg.Scraping.RetryWait,
	}
	for _, p := range api.Params {
		key, value, _ := strings.Cut(p, "=")
		opts.Params.Add(key, value)
	}
	if api.Variables != "" {
		if err := json.Unmarshal([]byte(api.Variables), &opts.Variables); err != nil {
			return opts, fmt.Errorf("listing api variables: %w", err)
		}
	}
	return opts, nil
}

func (o ListingAPIOptions) withDefaults() ListingAPIOptions {
	if o.CategoryParam == "" {
		o.CategoryParam = "categoryId"
	}
	if o.OffsetParam == "" {
		o.OffsetParam = "start"
	}
	if o.SizeParam == "" {
		o.SizeParam = "rows"
	}
	if o.PageSize < 1 {
		o.PageSize = 90
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 5 * time.Second
	}
	return o
}

// BuildURL requests rows products of categoryID starting at start. Inside
// the variables object the numbers are sent as strings, the way the
// storefront itself sends them.
func (o ListingAPIOptions) BuildURL(categoryID string, start, rows int) (string, error) {
	o = o.withDefaults()
	u, err := url.Parse(o.Endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("bad listing endpoint %q", o.Endpoint)
	}

	q := u.Query()
	for key, values := range o.Params {
		q[key] = append([]string(nil), values...)
	}

	if o.VariablesParam == "" {
		q.Set(o.CategoryParam, categoryID)
		q.Set(o.OffsetParam, strconv.Itoa(start))
		q.Set(o.SizeParam, strconv.Itoa(rows))
	} else {
		vars := make(map[string]any, len(o.Variables)+3)
		for k, v := range o.Variables {
			vars[k] = v
		}
		vars[o.CategoryParam] = categoryID
		vars[o.OffsetParam] = strconv.Itoa(start)
		vars[o.SizeParam] = strconv.Itoa(rows)
		encoded, err := json.Marshal(vars)
		if err != nil {
			return "", fmt.Errorf("encode listing variables: %w", err)
		}
		q.Set(o.VariablesParam, string(encoded))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ListingAPI reads whole product records from the storefront's listing
// endpoint, one page of the category at a time. Records wait in memory
// between discovery and extraction, keyed by canonical URL.
type ListingAPI struct {
	opts    ListingAPIOptions
	extract ExtractConfig
	store   Store
	limiter ratelimit.RateLimiter
	metrics *metrics.Registry
	logger  *slog.Logger

	mu      sync.Mutex
	records map[string]*models.ProductRecord
}

// NewListingAPI builds the listing pass. store may be nil, which disables the
// duplicate check; limiter paces the listing requests.
func NewListingAPI(opts ListingAPIOptions, extract ExtractConfig, store Store, limiter ratelimit.RateLimiter, m *metrics.Registry) *ListingAPI {
	if limiter == nil {
		limiter = ratelimit.None()
	}
	return &ListingAPI{
		opts:    opts.withDefaults(),
		extract: extract,
		store:   store,
		limiter: limiter,
		metrics: m,
		logger:  slog.Default().With("component", "listing_api"),
		records: make(map[string]*models.ProductRecord),
	}
}

// CategoryID returns the ID the listing endpoint knows target by: the
// configured one, or the category parameter of its URL. Empty means the
// target is walked through its rendered pages instead.
func (a *ListingAPI) CategoryID(target models.CategoryTarget) string {
	if target.CategoryID != "" {
		return target.CategoryID
	}
	u, err := url.Parse(target.URL)
	if err != nil {
		return ""
	}
	return u.Query().Get(a.opts.CategoryParam)
}

// Paging adjusts base for a listing walk: offsets always, in pages of the
// listing size.
func (a *ListingAPI) Paging(base pagination.Options) pagination.Options {
	base.Mode = pagination.ModeOffset
	base.PageSize = a.opts.PageSize
	base.OffsetParam = a.opts.OffsetParam
	base.SizeParam = a.opts.SizeParam
	return base
}

// Source returns a page source walking target's listing through session.
func (a *ListingAPI) Source(session ListingSession, target models.CategoryTarget) *ListingSource {
	target.CategoryID = a.CategoryID(target)
	return &ListingSource{
		api:     a,
		session: session,
		target:  target,
		extract: a.extract.ForTarget(target),
		logger:  a.logger.With("category_id", target.CategoryID),
	}
}

// Extractor hands out the records the listing pages already carried.
func (a *ListingAPI) Extractor() *ListingExtractor {
	return &ListingExtractor{api: a}
}

func (a *ListingAPI) remember(records []*models.ProductRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, rec := range records {
		a.records[rec.ProductURL] = rec
	}
}

func (a *ListingAPI) take(u string) *models.ProductRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.records[u]
	delete(a.records, u)
	return rec
}

// forget drops records that were never taken. A record stored since by
// another walk stays.
func (a *ListingAPI) forget(records []*models.ProductRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, rec := range records {
		if a.records[rec.ProductURL] == rec {
			delete(a.records, rec.ProductURL)
		}
	}
}

func (a *ListingAPI) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// ListingSource pages through one category's listing endpoint. The category
// page is opened once first so the session carries its cookies.
type ListingSource struct {
	api     *ListingAPI
	session ListingSession
	target  models.CategoryTarget
	extract ExtractConfig
	logger  *slog.Logger

	warmed     bool
	requestURL string
	page       []*models.ProductRecord
}

var _ pagination.PageSource = (*ListingSource)(nil)

func (s *ListingSource) Load(ctx context.Context, req pagination.PageRequest) error {
	if !s.warmed {
		s.warmed = true
		if err := s.session.Navigate(ctx, s.target.URL, browser.WaitLoad); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("category page did not load, fetching listing without it", "url", s.target.URL, "error", err)
		}
	}

	u, err := s.api.opts.BuildURL(s.target.CategoryID, req.Offset, s.api.opts.PageSize)
	if err != nil {
		return err
	}
	s.requestURL = u
	return s.fetch(ctx)
}

func (s *ListingSource) fetch(ctx context.Context) error {
	s.Close()
	if err := s.api.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := s.session.FetchJSON(ctx, s.requestURL)
	if err != nil {
		return fmt.Errorf("fetch listing: %w", err)
	}

	records, skipped, err := ParseListing(body, s.extract, s.api.opts)
	if err != nil {
		return err
	}
	if skipped > 0 {
		s.logger.Warn("listing items without product url skipped", "count", skipped)
	}
	s.api.remember(records)
	s.page = records
	s.logger.Debug("listing page fetched", "products", len(records))
	return nil
}

func (s *ListingSource) Discover(ctx context.Context) ([]string, error) {
	urls := make([]string, len(s.page))
	for i, rec := range s.page {
		urls[i] = rec.ProductURL
	}
	s.api.metrics.Discovered(map[string]int{strategyListingAPI: len(urls)})
	return urls, nil
}

func (s *ListingSource) Retry(ctx context.Context) error {
	if err := browser.Sleep(ctx, s.api.opts.RetryWait); err != nil {
		return err
	}
	return s.fetch(ctx)
}

// Advance is never used; listing pages are addressed by offset.
func (s *ListingSource) Advance(context.Context) (bool, error) {
	return false, nil
}

// Close drops the current page's records that were not extracted.
func (s *ListingSource) Close() {
	s.api.forget(s.page)
	s.page = nil
}

// ListingExtractor returns listing records for the URLs the walk handed
// out. It never opens a product page.
type ListingExtractor struct {
	api *ListingAPI
}

func (e *ListingExtractor) ScrapeBatch(ctx context.Context, urls []string) (*BatchResult, error) {
	a := e.api
	result := &BatchResult{}
	start := time.Now()

	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rec := a.take(u)
		if rec == nil {
			result.Failed++
			a.metrics.Failed()
			a.logger.Warn("no listing record for url", "url", u)
			continue
		}

		if a.store != nil {
			exists, err := a.store.Exists(ctx, rec.Source, rec.ProductURL)
			if err != nil {
				a.logger.Warn("existence check failed, keeping record", "url", u, "error", err)
			} else if exists {
				result.SkippedExisting++
				a.metrics.Skipped()
				continue
			}
		}

		result.Records = append(result.Records, rec)
		a.metrics.Extracted(time.Since(start))
	}

	a.logger.Info("listing batch finished",
		"urls", len(urls),
		"extracted", len(result.Records),
		"skipped_existing", result.SkippedExisting,
		"failed", result.Failed)
	return result, nil
}

type listingMetadata struct {
	ScrapedAt   time.Time       `json:"scraped_at"`
	UserAgent   string          `json:"user_agent,omitempty"`
	NativeID    string          `json:"native_id,omitempty"`
	CategoryURL string          `json:"category_url,omitempty"`
	CategoryID  string          `json:"category_id,omitempty"`
	Strategy    string          `json:"strategy"`
	Listing     json.RawMessage `json:"listing,omitempty"`
}

var listingPaths = [][]string{
	{"data", "category", "products"},
	{"data", "category", "productList"},
	{"data", "category", "items"},
	{"data", "products"},
	{"products"},
	{"items"},
}

var (
	listingURLKeys   = []string{"productPageUrl", "url", "productUrl", "link"}
	listingNameKeys  = []string{"name", "title", "displayName"}
	listingIDKeys    = []string{"id", "productId", "itemId"}
	listingDescKeys  = []string{"shortDescription", "description"}
	listingPriceKeys = []string{"price", "salePrice", "memberPrice"}
	priceFields      = []string{"originalPrice", "discountPrice", "value", "amount", "price"}
	imageSetKeys     = []string{"primaryFaceOutImage", "primaryHoverImage", "prodImage"}
)

// ParseListing turns a listing payload into records. Items without a usable
// product URL are counted in skipped; duplicates keep their first occurrence.
func ParseListing(body []byte, cfg ExtractConfig, opts ListingAPIOptions) (records []*models.ProductRecord, skipped int, err error) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, 0, fmt.Errorf("decode listing payload: %w", err)
	}

	items, ok := listingItems(root)
	if !ok {
		return nil, 0, ErrNoListingProducts
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		rec, ok := listingRecord(item, cfg, opts)
		if !ok {
			skipped++
			continue
		}
		if _, dup := seen[rec.ProductURL]; dup {
			continue
		}
		seen[rec.ProductURL] = struct{}{}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func listingItems(root any) ([]map[string]any, bool) {
	for _, path := range listingPaths {
		if arr, ok := field(root, path...).([]any); ok && len(arr) > 0 {
			return objects(arr), true
		}
	}
	if arr := findProductArray(root); arr != nil {
		return objects(arr), true
	}
	// An empty array at a known path is a real, empty page.
	for _, path := range listingPaths {
		if _, ok := field(root, path...).([]any); ok {
			return nil, true
		}
	}
	return nil, false
}

func field(v any, path ...string) any {
	for _, key := range path {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = obj[key]
	}
	return v
}

func objects(arr []any) []map[string]any {
	out := make([]map[string]any, 0, len(arr))
	for _, v := range arr {
		if obj, ok := v.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// findProductArray returns the first array whose leading object carries a
// product URL key.
func findProductArray(v any) []any {
	switch t := v.(type) {
	case []any:
		if len(t) > 0 {
			if obj, ok := t[0].(map[string]any); ok && firstString(obj, listingURLKeys) != "" {
				return t
			}
		}
		for _, child := range t {
			if found := findProductArray(child); found != nil {
				return found
			}
		}
	case map[string]any:
		for _, child := range t {
			if found := findProductArray(child); found != nil {
				return found
			}
		}
	}
	return nil
}

func firstString(item map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := item[key].(string); ok {
			if s = parser.CleanText(s); s != "" {
				return s
			}
		}
		if f, ok := item[key].(float64); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return ""
}

func listingRecord(item map[string]any, cfg ExtractConfig, opts ListingAPIOptions) (*models.ProductRecord, bool) {
	href := firstString(item, listingURLKeys)
	if href == "" {
		return nil, false
	}
	canonical, err := models.ResolveCanonical(opts.BaseURL, href)
	if err != nil {
		return nil, false
	}
	rec, err := models.NewProductRecord(cfg.Source, canonical)
	if err != nil {
		return nil, false
	}

	rec.Brand = cfg.Brand
	rec.SecondHand = cfg.SecondHand
	rec.Title = parser.Truncate(firstString(item, listingNameKeys), 500)
	rec.Price, rec.Currency = listingPrice(item, cfg.Currency)
	rec.ImageURL = listingImage(item, opts)
	rec.Description = parser.Truncate(firstString(item, listingDescKeys), 5000)
	if category, ok := stringify(lookup(item, []string{"categories"})); ok {
		rec.Category = category
	}
	rec.Size = listingSizes(item["sizes"])

	rec.Gender = models.GenderOther
	if g, ok := item["gender"].(string); ok {
		rec.Gender = parser.GenderFromString(g)
	}
	if rec.Gender == models.GenderOther {
		rec.Gender = parser.InferGender(rec.ProductURL, rec.Category)
	}
	if rec.Gender == models.GenderOther && cfg.DefaultGender.IsValid() {
		rec.Gender = cfg.DefaultGender
	}

	meta := listingMetadata{
		ScrapedAt:   rec.ScrapedAt,
		UserAgent:   cfg.UserAgent,
		NativeID:    firstString(item, listingIDKeys),
		CategoryURL: cfg.CategoryURL,
		CategoryID:  cfg.CategoryID,
		Strategy:    strategyListingAPI,
	}
	if meta.NativeID == "" {
		meta.NativeID = models.NativeCode(rec.ProductURL, cfg.ProductPattern)
	}
	if raw, err := json.Marshal(item); err == nil {
		meta.Listing = raw
	}
	if raw, err := json.Marshal(meta); err == nil {
		rec.Metadata = raw
	}
	return rec, true
}

// listingPrice reads the first usable amount from the list price, then the
// sale price, then the member price.
func listingPrice(item map[string]any, currency string) (*float64, string) {
	for _, key := range listingPriceKeys {
		v, ok := item[key]
		if !ok {
			continue
		}
		obj, isObj := v.(map[string]any)
		if !isObj {
			if p, cur := priceValue(v, currency); p != nil {
				return p, cur
			}
			continue
		}
		for _, f := range priceFields {
			if p, cur := priceValue(obj[f], currency); p != nil {
				if code, ok := obj["currency"].(string); ok && code != "" {
					cur = strings.ToUpper(code)
				}
				return p, cur
			}
		}
	}
	return nil, currency
}

func priceValue(v any, currency string) (*float64, string) {
	switch t := v.(type) {
	case float64:
		if t > 0 {
			return &t, currency
		}
	case string:
		return parser.ParsePrice(t, currency)
	}
	return nil, currency
}

func listingImage(item map[string]any, opts ListingAPIOptions) string {
	if set, ok := item["imageSet"].(map[string]any); ok && opts.ImageBase != "" {
		if id := firstString(set, imageSetKeys); id != "" {
			if !strings.Contains(id, "_prod") && !strings.Contains(id, "_model") {
				id += "_prod1"
			}
			return strings.TrimSuffix(opts.ImageBase, "/") + "/" + id
		}
	}

	var src string
	switch images := item["images"].(type) {
	case []any:
		if len(images) > 0 {
			switch first := images[0].(type) {
			case string:
				src = first
			case map[string]any:
				src = firstString(first, []string{"url", "src"})
			}
		}
	}
	if src == "" {
		src = firstString(item, []string{"thumbnail", "imageUrl"})
	}
	if src == "" || !usableImage(src) {
		return ""
	}
	resolved, err := resolve(opts.BaseURL, src)
	if err != nil {
		return ""
	}
	return resolved
}

func listingSizes(v any) string {
	arr, ok := v.([]any)
	if !ok {
		return ""
	}
	sizes := make([]string, 0, len(arr))
	for _, s := range arr {
		switch t := s.(type) {
		case string:
			if t = parser.CleanText(t); t != "" {
				sizes = append(sizes, t)
			}
		case map[string]any:
			if name := firstString(t, []string{"name", "label"}); name != "" {
				sizes = append(sizes, name)
			}
		}
	}
	return strings.Join(sizes, ", ")
}
