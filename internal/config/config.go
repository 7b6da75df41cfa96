package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/spf13/viper"
)

var ErrMissingCredentials = errors.New("missing required credentials")

type Config struct {
	Brand      BrandConfig             `mapstructure:"brand"`
	Categories []models.CategoryTarget `mapstructure:"categories"`
	Scraping   ScrapingConfig          `mapstructure:"scraping"`
	Browser    BrowserConfig           `mapstructure:"browser"`
	Database   DatabaseConfig          `mapstructure:"database"`
	Embeddings EmbeddingsConfig        `mapstructure:"embeddings"`
	Redis      RedisConfig             `mapstructure:"redis"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	Server     ServerConfig            `mapstructure:"server"`
}

type BrandConfig struct {
	Name               string `mapstructure:"name"`
	Source             string `mapstructure:"source"`
	BaseURL            string `mapstructure:"base_url"`
	CategoryURL        string `mapstructure:"category_url"`
	Currency           string `mapstructure:"currency"`
	Gender             string `mapstructure:"gender"`
	SecondHand         bool   `mapstructure:"second_hand"`
	ProductPathPattern string `mapstructure:"product_path_pattern"`
}

type ScrapingConfig struct {
	MaxConcurrentPages int                 `mapstructure:"max_concurrent_pages"`
	RequestDelay       time.Duration       `mapstructure:"request_delay"`
	RequestDelayMax    time.Duration       `mapstructure:"request_delay_max"`
	PageDelay          time.Duration       `mapstructure:"page_delay"`
	MaxRetries         int                 `mapstructure:"max_retries"`
	Timeout            time.Duration       `mapstructure:"timeout"`
	ReadyTimeout       time.Duration       `mapstructure:"ready_timeout"`
	IdleTimeout        time.Duration       `mapstructure:"idle_timeout"`
	RetryWait          time.Duration       `mapstructure:"retry_wait"`
	PageSize           int                 `mapstructure:"page_size"`
	MaxPages           int                 `mapstructure:"max_pages"`
	OffsetCeiling      int                 `mapstructure:"offset_ceiling"`
	Selectors          map[string][]string `mapstructure:"selectors"`
	ConsentSelectors   []string            `mapstructure:"consent_selectors"`
	APIURLHints        []string            `mapstructure:"api_url_hints"`
	BlockMarkers       []string            `mapstructure:"block_markers"`
	Pagination         PaginationConfig    `mapstructure:"pagination"`
	ListingAPI         ListingAPIConfig    `mapstructure:"listing_api"`
}

type PaginationConfig struct {
	Mode           string `mapstructure:"mode"`
	OffsetParam    string `mapstructure:"offset_param"`
	SizeParam      string `mapstructure:"size_param"`
	NextButton     string `mapstructure:"next_button"`
	LoadMoreButton string `mapstructure:"load_more_button"`
}

// ListingAPIConfig describes the JSON listing endpoint used for categories
// that carry a category_id. Params are "key=value" pairs and Variables is a
// JSON object; both keep their key case, which viper maps would not.
type ListingAPIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Endpoint       string   `mapstructure:"endpoint"`
	Params         []string `mapstructure:"params"`
	Variables      string   `mapstructure:"variables"`
	VariablesParam string   `mapstructure:"variables_param"`
	CategoryParam  string   `mapstructure:"category_param"`
	ImageBase      string   `mapstructure:"image_base"`
	RatePerSecond  float64  `mapstructure:"rate_per_second"`
}

type BrowserConfig struct {
	Headless       bool   `mapstructure:"headless"`
	UserAgent      string `mapstructure:"user_agent"`
	ViewportWidth  int    `mapstructure:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height"`
	AcceptLanguage string `mapstructure:"accept_language"`
	TimezoneID     string `mapstructure:"timezone_id"`
	Locale         string `mapstructure:"locale"`
	Proxy          string `mapstructure:"proxy"`
}

type DatabaseConfig struct {
	URL       string `mapstructure:"url"`
	TableName string `mapstructure:"table_name"`
	MaxConns  int32  `mapstructure:"max_conns"`
	MinConns  int32  `mapstructure:"min_conns"`
}

type SizeVariant struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

type EmbeddingsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	ModelName     string        `mapstructure:"model_name"`
	Dimensions    int           `mapstructure:"dimensions"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CacheDir      string        `mapstructure:"cache_dir"`
	SizeVariants  []SizeVariant `mapstructure:"size_variants"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Stream       string        `mapstructure:"stream"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
	SeenTTL      time.Duration `mapstructure:"seen_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RelayInterval   time.Duration `mapstructure:"relay_interval"`
	RelayBatchSize  int           `mapstructure:"relay_batch_size"`
}

// Load reads path (or config.yaml from the search paths when path is empty),
// overlays SCRAPER_* environment variables and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/apparel-scraper/")
	}

	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindCredentials(v)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func bindCredentials(v *viper.Viper) {
	_ = v.BindEnv("database.url", "SCRAPER_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("embeddings.api_key", "SCRAPER_EMBEDDINGS_API_KEY", "EMBEDDING_API_KEY")
	_ = v.BindEnv("embeddings.endpoint", "SCRAPER_EMBEDDINGS_ENDPOINT", "EMBEDDING_ENDPOINT")
	_ = v.BindEnv("redis.addr", "SCRAPER_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "SCRAPER_REDIS_PASSWORD", "REDIS_PASSWORD")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("brand.name", "Abercrombie & Fitch")
	v.SetDefault("brand.source", "scraper")
	v.SetDefault("brand.base_url", "https://www.abercrombie.com")
	v.SetDefault("brand.category_url", "https://www.abercrombie.com/shop/eu/mens")
	v.SetDefault("brand.currency", "EUR")
	v.SetDefault("brand.gender", "")
	v.SetDefault("brand.second_hand", false)
	v.SetDefault("brand.product_path_pattern", `/p/`)

	v.SetDefault("scraping.max_concurrent_pages", 3)
	v.SetDefault("scraping.request_delay", "1s")
	v.SetDefault("scraping.request_delay_max", "2s")
	v.SetDefault("scraping.page_delay", "1s")
	v.SetDefault("scraping.max_retries", 3)
	v.SetDefault("scraping.timeout", "30s")
	v.SetDefault("scraping.ready_timeout", "10s")
	v.SetDefault("scraping.idle_timeout", "15s")
	v.SetDefault("scraping.retry_wait", "5s")
	v.SetDefault("scraping.page_size", 90)
	v.SetDefault("scraping.max_pages", 20)
	v.SetDefault("scraping.offset_ceiling", 1000)
	v.SetDefault("scraping.api_url_hints", []string{"api", "catalog", "search", "product", "graphql"})
	v.SetDefault("scraping.pagination.mode", "controls")
	v.SetDefault("scraping.pagination.offset_param", "start")
	v.SetDefault("scraping.pagination.size_param", "rows")
	v.SetDefault("scraping.pagination.next_button", `[data-testid="pagination-next"]`)
	v.SetDefault("scraping.pagination.load_more_button", `[data-testid="load-more"]`)
	v.SetDefault("scraping.listing_api.enabled", false)
	v.SetDefault("scraping.listing_api.category_param", "categoryId")
	v.SetDefault("scraping.listing_api.rate_per_second", 1.0)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.accept_language", "en-US,en;q=0.9")
	v.SetDefault("browser.timezone_id", "Europe/Oslo")
	v.SetDefault("browser.locale", "en-US")

	v.SetDefault("database.table_name", "products")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)

	v.SetDefault("embeddings.enabled", true)
	v.SetDefault("embeddings.model_name", "google/siglip-base-patch16-384")
	v.SetDefault("embeddings.dimensions", models.EmbeddingDimensions)
	v.SetDefault("embeddings.max_concurrent", 3)
	v.SetDefault("embeddings.timeout", "10s")
	v.SetDefault("embeddings.cache_dir", "./cache/embeddings")
	v.SetDefault("embeddings.rate_per_second", 5.0)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "stream:apparel_products")
	v.SetDefault("redis.stream_max_len", 100000)
	v.SetDefault("redis.seen_ttl", "24h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.relay_interval", "5s")
	v.SetDefault("server.relay_batch_size", 100)
}

func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("%w: database url (set SCRAPER_DATABASE_URL or DATABASE_URL)", ErrMissingCredentials)
	}

	if !isAbsoluteURL(c.Brand.BaseURL) {
		return fmt.Errorf("brand.base_url must be an absolute URL, got %q", c.Brand.BaseURL)
	}
	if c.Brand.CategoryURL == "" && len(c.Categories) == 0 {
		return fmt.Errorf("brand.category_url or categories is required")
	}
	if c.Brand.CategoryURL != "" && !isAbsoluteURL(c.Brand.CategoryURL) {
		return fmt.Errorf("brand.category_url must be an absolute URL, got %q", c.Brand.CategoryURL)
	}
	for i, cat := range c.Categories {
		if !isAbsoluteURL(cat.URL) {
			return fmt.Errorf("categories[%d].url must be an absolute URL, got %q", i, cat.URL)
		}
	}
	if _, err := regexp.Compile(c.Brand.ProductPathPattern); err != nil || c.Brand.ProductPathPattern == "" {
		return fmt.Errorf("brand.product_path_pattern must be a valid regular expression")
	}

	if c.Scraping.MaxConcurrentPages < 1 {
		return fmt.Errorf("scraping.max_concurrent_pages must be at least 1")
	}
	if c.Scraping.RequestDelay < 0 {
		return fmt.Errorf("scraping.request_delay cannot be negative")
	}
	if c.Scraping.RequestDelayMax != 0 && c.Scraping.RequestDelayMax < c.Scraping.RequestDelay {
		return fmt.Errorf("scraping.request_delay cannot be greater than scraping.request_delay_max")
	}
	if c.Scraping.PageSize < 1 {
		return fmt.Errorf("scraping.page_size must be at least 1")
	}
	if c.Scraping.OffsetCeiling < c.Scraping.PageSize {
		return fmt.Errorf("scraping.offset_ceiling must be at least scraping.page_size")
	}
	switch c.Scraping.Pagination.Mode {
	case "offset", "controls":
	default:
		return fmt.Errorf("scraping.pagination.mode must be 'offset' or 'controls', got: %s", c.Scraping.Pagination.Mode)
	}

	if err := c.Scraping.ListingAPI.validate(); err != nil {
		return err
	}

	if c.Embeddings.Dimensions < 1 {
		return fmt.Errorf("embeddings.dimensions must be at least 1")
	}
	if c.Embeddings.Enabled && c.Embeddings.Endpoint != "" && !isAbsoluteURL(c.Embeddings.Endpoint) {
		return fmt.Errorf("embeddings.endpoint must be an absolute URL, got %q", c.Embeddings.Endpoint)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got: %s", c.Logging.Level)
	}

	return nil
}

func (l ListingAPIConfig) validate() error {
	if !l.Enabled {
		return nil
	}
	if !isAbsoluteURL(l.Endpoint) {
		return fmt.Errorf("scraping.listing_api.endpoint must be an absolute URL, got %q", l.Endpoint)
	}
	for _, p := range l.Params {
		if key, _, ok := strings.Cut(p, "="); !ok || key == "" {
			return fmt.Errorf("scraping.listing_api.params entries must look like key=value, got %q", p)
		}
	}
	if l.Variables != "" {
		var vars map[string]any
		if err := json.Unmarshal([]byte(l.Variables), &vars); err != nil {
			return fmt.Errorf("scraping.listing_api.variables must be a JSON object: %w", err)
		}
		if l.VariablesParam == "" {
			return fmt.Errorf("scraping.listing_api.variables_param is required with variables")
		}
	}
	if l.CategoryParam == "" && l.VariablesParam == "" {
		return fmt.Errorf("scraping.listing_api.category_param is required")
	}
	if l.RatePerSecond <= 0 {
		return fmt.Errorf("scraping.listing_api.rate_per_second must be positive")
	}
	return nil
}

// Targets returns the configured categories, falling back to brand.category_url.
func (c *Config) Targets() []models.CategoryTarget {
	if len(c.Categories) > 0 {
		return c.Categories
	}
	return []models.CategoryTarget{{URL: c.Brand.CategoryURL}}
}

func (c *Config) ProductPattern() *regexp.Regexp {
	return regexp.MustCompile(c.Brand.ProductPathPattern)
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
