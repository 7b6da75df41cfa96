package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var ErrInvalidURL = errors.New("invalid product URL")

type Gender string

const (
	GenderMan   Gender = "MAN"
	GenderWoman Gender = "WOMAN"
	GenderOther Gender = "OTHER"
)

func (g Gender) IsValid() bool {
	switch g {
	case GenderMan, GenderWoman, GenderOther:
		return true
	}
	return false
}

// EmbeddingDimensions is the fixed vector length stored alongside a product.
const EmbeddingDimensions = 768

type ProductRecord struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	ProductURL  string          `json:"product_url"`
	Title       string          `json:"title"`
	Price       *float64        `json:"price,omitempty"`
	Currency    string          `json:"currency"`
	ImageURL    string          `json:"image_url,omitempty"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Gender      Gender          `json:"gender"`
	Size        string          `json:"size,omitempty"`
	Brand       string          `json:"brand"`
	SecondHand  bool            `json:"second_hand"`
	Embedding   []float32       `json:"embedding,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	ScrapedAt   time.Time       `json:"scraped_at"`
}

// NewProductRecord builds a record keyed on the canonical form of rawURL.
func NewProductRecord(source, rawURL string) (*ProductRecord, error) {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return nil, err
	}
	return &ProductRecord{
		ID:         ProductID(canonical),
		Source:     source,
		ProductURL: canonical,
		Gender:     GenderOther,
		ScrapedAt:  time.Now().UTC(),
	}, nil
}

func (p *ProductRecord) HasEmbedding() bool {
	return len(p.Embedding) > 0
}

func (p *ProductRecord) Validate() []string {
	var problems []string

	if p.ProductURL == "" {
		problems = append(problems, "product_url is required")
		if p.Title == "" {
			problems = append(problems, "title is required when product_url is missing")
		}
	}
	if p.Source == "" {
		problems = append(problems, "source is required")
	}
	if !p.Gender.IsValid() {
		problems = append(problems, fmt.Sprintf("invalid gender %q", p.Gender))
	}
	if p.Price != nil && *p.Price < 0 {
		problems = append(problems, "price cannot be negative")
	}
	if p.HasEmbedding() && len(p.Embedding) != EmbeddingDimensions {
		problems = append(problems, fmt.Sprintf("embedding has %d dimensions, want %d", len(p.Embedding), EmbeddingDimensions))
	}

	return problems
}

type CategoryTarget struct {
	URL        string `json:"url" mapstructure:"url"`
	CategoryID string `json:"category_id,omitempty" mapstructure:"category_id"`
	MaxPages   int    `json:"max_pages,omitempty" mapstructure:"max_pages"`
	Gender     Gender `json:"gender,omitempty" mapstructure:"gender"`
}

// Canonicalize reduces an absolute URL to scheme, host and path.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidURL, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}

	path := u.EscapedPath()
	if path == "/" {
		path = ""
	}

	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path, nil
}

// ResolveCanonical resolves href against base before canonicalizing it.
func ResolveCanonical(base, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("%w: empty href", ErrInvalidURL)
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: bad base %q", ErrInvalidURL, base)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	return Canonicalize(baseURL.ResolveReference(ref).String())
}

// ProductID is a pure function of the canonical URL.
func ProductID(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])[:32]
}

// NativeCode returns the path segment that follows the product marker, e.g.
// "12345" for ".../p/12345" with marker "/p/".
func NativeCode(canonicalURL string, marker *regexp.Regexp) string {
	if marker == nil {
		return ""
	}
	loc := marker.FindStringIndex(canonicalURL)
	if loc == nil {
		return ""
	}
	rest := strings.Trim(canonicalURL[loc[1]:], "/")
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
