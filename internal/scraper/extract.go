package scraper

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/maltedev/apparel-scraper/internal/parser"
)

const (
	FieldTitle       = "title"
	FieldPrice       = "price"
	FieldImage       = "image"
	FieldDescription = "description"
	FieldCategory    = "category"
	FieldBreadcrumb  = "breadcrumb"
	FieldSize        = "size"
	FieldBrand       = "brand"
)

const breadcrumbSelector = `nav[class*="breadcrumb" i], ol[class*="breadcrumb" i], ul[class*="breadcrumb" i], [data-testid*="breadcrumb"], nav[aria-label="breadcrumb" i]`

// FieldRules holds one ordered chain per product field.
type FieldRules map[string]Chain

// DefaultRules returns the built-in chains. Selector chains come first, then
// meta tags, then linked data.
func DefaultRules() FieldRules {
	return FieldRules{
		FieldTitle: {
			SelectorRule{Selector: `h1[data-testid="product-title"]`},
			SelectorRule{Selector: "h1.product-title"},
			SelectorRule{Selector: "h1"},
			SelectorRule{Selector: `[data-testid="product-name"]`},
			SelectorRule{Selector: ".product-name"},
			MetaRule{Name: "og:title"},
			JSONLDRule{Field: "name"},
		},
		FieldPrice: {
			SelectorRule{Selector: `[data-testid="product-price"]`},
			SelectorRule{Selector: ".product-price"},
			SelectorRule{Selector: `[data-testid="price"]`},
			SelectorRule{Selector: ".price"},
			SelectorRule{Selector: `[class*="price"]`},
			MetaRule{Name: "product:price:amount"},
			JSONLDOfferRule{},
		},
		FieldImage: {
			MetaRule{Name: "og:image"},
			ImageRule{Selector: `img[data-testid="product-image"]`},
			ImageRule{Selector: "img.product-image"},
			ImageRule{Selector: ".product-image img"},
			JSONLDRule{Field: "image"},
			LargestImageRule{},
		},
		FieldDescription: {
			MinLength{Rule: SelectorRule{Selector: `[data-testid="product-description"]`}, Min: 10},
			MinLength{Rule: SelectorRule{Selector: ".product-description"}, Min: 10},
			MinLength{Rule: SelectorRule{Selector: ".product-details"}, Min: 10},
			MinLength{Rule: JSONLDRule{Field: "description"}, Min: 10},
			MinLength{Rule: MetaRule{Name: "og:description"}, Min: 10},
			MinLength{Rule: MetaRule{Name: "description"}, Min: 10},
		},
		FieldCategory: {
			BreadcrumbRule{Selector: breadcrumbSelector, Last: true},
			JSONLDRule{Field: "category"},
		},
		FieldBreadcrumb: {
			BreadcrumbRule{Selector: breadcrumbSelector},
		},
		FieldSize: {
			OptionListRule{Selector: `[data-testid="size-selector"]`},
			OptionListRule{Selector: ".size-selector"},
			OptionListRule{Selector: ".product-sizes"},
		},
		FieldBrand: {
			JSONLDRule{Field: "brand"},
			MetaRule{Name: "product:brand"},
			MetaRule{Name: "og:site_name"},
		},
	}
}

// RulesFromConfig prepends configured selectors ("css" or "css@attr") to the
// default chains. Unknown fields are rejected.
func RulesFromConfig(overrides map[string][]string) (FieldRules, error) {
	rules := DefaultRules()
	for field, selectors := range overrides {
		field = strings.ToLower(field)
		chain, ok := rules[field]
		if !ok {
			return nil, fmt.Errorf("unknown selector field %q", field)
		}

		custom := make(Chain, 0, len(selectors)+len(chain))
		for _, s := range selectors {
			if strings.TrimSpace(s) == "" {
				continue
			}
			rule := ParseSelector(s)
			switch field {
			case FieldImage:
				if rule.Attr == "" {
					custom = append(custom, ImageRule{Selector: rule.Selector})
					continue
				}
			case FieldDescription:
				custom = append(custom, MinLength{Rule: rule, Min: 10})
				continue
			case FieldSize:
				if rule.Attr == "" {
					custom = append(custom, OptionListRule{Selector: rule.Selector})
					continue
				}
			}
			custom = append(custom, rule)
		}
		rules[field] = append(custom, chain...)
	}
	return rules, nil
}

// ExtractConfig carries the site constants stamped on every record.
type ExtractConfig struct {
	Source         string
	Brand          string
	Currency       string
	SecondHand     bool
	DefaultGender  models.Gender
	ProductPattern *regexp.Regexp
	Rules          FieldRules
	UserAgent      string
	CategoryURL    string
	CategoryID     string
}

// ForTarget stamps the category's URL and ID and falls back to its gender.
func (c ExtractConfig) ForTarget(target models.CategoryTarget) ExtractConfig {
	c.CategoryURL = target.URL
	c.CategoryID = target.CategoryID
	if g := parser.GenderFromString(string(target.Gender)); g != models.GenderOther {
		c.DefaultGender = g
	}
	return c
}

// ExtractConfigFromConfig stamps records with the configured brand and applies
// the configured selector overrides.
func ExtractConfigFromConfig(cfg *config.Config, userAgent string) (ExtractConfig, error) {
	rules, err := RulesFromConfig(cfg.Scraping.Selectors)
	if err != nil {
		return ExtractConfig{}, err
	}
	return ExtractConfig{
		Source:         cfg.Brand.Source,
		Brand:          cfg.Brand.Name,
		Currency:       cfg.Brand.Currency,
		SecondHand:     cfg.Brand.SecondHand,
		DefaultGender:  parser.GenderFromString(cfg.Brand.Gender),
		ProductPattern: cfg.ProductPattern(),
		Rules:          rules,
		UserAgent:      userAgent,
	}, nil
}

type recordMetadata struct {
	ScrapedAt   time.Time `json:"scraped_at"`
	UserAgent   string    `json:"user_agent,omitempty"`
	NativeID    string    `json:"native_id,omitempty"`
	CategoryURL string    `json:"category_url,omitempty"`
	CategoryID  string    `json:"category_id,omitempty"`
	PageTitle   string    `json:"page_title,omitempty"`
	Breadcrumb  string    `json:"breadcrumb,omitempty"`
	PriceText   string    `json:"price_text,omitempty"`
	Missing     []string  `json:"missing,omitempty"`
}

// ExtractFromHTML builds a record from a rendered product page. Missing
// optional fields are left empty; only an unusable URL or unparseable HTML is
// an error.
func ExtractFromHTML(pageURL, html, pageTitle string, cfg ExtractConfig) (*models.ProductRecord, error) {
	rec, err := models.NewProductRecord(cfg.Source, pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse product html: %w", err)
	}

	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}

	meta := recordMetadata{
		ScrapedAt:   rec.ScrapedAt,
		UserAgent:   cfg.UserAgent,
		CategoryURL: cfg.CategoryURL,
		CategoryID:  cfg.CategoryID,
		PageTitle:   parser.CleanText(pageTitle),
		NativeID:    models.NativeCode(rec.ProductURL, cfg.ProductPattern),
	}

	rec.Brand = cfg.Brand
	if brand, ok := rules[FieldBrand].First(doc); ok && rec.Brand == "" {
		rec.Brand = brand
	}
	rec.SecondHand = cfg.SecondHand

	if title, ok := rules[FieldTitle].First(doc); ok {
		rec.Title = parser.Truncate(title, 500)
	} else {
		rec.Title = parser.CleanTitle(pageTitle, rec.Brand)
	}
	if rec.Title == "" {
		meta.Missing = append(meta.Missing, FieldTitle)
	}

	rec.Currency = cfg.Currency
	if priceText, ok := rules[FieldPrice].FirstValid(doc, hasPrice(cfg.Currency)); ok {
		rec.Price, rec.Currency = parser.ParsePrice(priceText, cfg.Currency)
		meta.PriceText = parser.Truncate(priceText, 100)
	} else {
		meta.Missing = append(meta.Missing, FieldPrice)
	}

	if img, ok := rules[FieldImage].FirstValid(doc, usableImage); ok {
		if resolved, err := resolve(rec.ProductURL, img); err == nil {
			rec.ImageURL = resolved
		}
	}
	if rec.ImageURL == "" {
		meta.Missing = append(meta.Missing, FieldImage)
	}

	if desc, ok := rules[FieldDescription].First(doc); ok {
		rec.Description = parser.Truncate(desc, 5000)
	}
	if category, ok := rules[FieldCategory].First(doc); ok {
		rec.Category = category
	}
	if size, ok := rules[FieldSize].First(doc); ok {
		rec.Size = size
	}

	breadcrumb, _ := rules[FieldBreadcrumb].First(doc)
	meta.Breadcrumb = parser.Truncate(breadcrumb, 300)
	rec.Gender = parser.InferGender(rec.ProductURL, breadcrumb)
	if rec.Gender == models.GenderOther && cfg.DefaultGender.IsValid() {
		rec.Gender = cfg.DefaultGender
	}

	raw, err := json.Marshal(meta)
	if err == nil {
		rec.Metadata = raw
	}

	return rec, nil
}

func hasPrice(currency string) func(string) bool {
	return func(text string) bool {
		price, _ := parser.ParsePrice(text, currency)
		return price != nil
	}
}

func usableImage(src string) bool {
	lower := strings.ToLower(src)
	return !strings.HasPrefix(lower, "data:") && !strings.HasSuffix(lower, ".svg")
}

func resolve(base, href string) (string, error) {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return u.ResolveReference(ref).String(), nil
}
