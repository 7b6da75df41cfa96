package scraper

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/apparel-scraper/internal/parser"
)

// Rule extracts one field value from a product page.
type Rule interface {
	Extract(doc *goquery.Document) (string, bool)
}

// Chain tries its rules in order and returns the first hit.
type Chain []Rule

func (c Chain) First(doc *goquery.Document) (string, bool) {
	return c.FirstValid(doc, nil)
}

// MultiRule is implemented by rules that can yield every match, not just the
// first one.
type MultiRule interface {
	Candidates(doc *goquery.Document) []string
}

// FirstValid returns the first value accepted by valid. A nil valid accepts
// any non-empty value.
func (c Chain) FirstValid(doc *goquery.Document, valid func(string) bool) (string, bool) {
	for _, rule := range c {
		if multi, ok := rule.(MultiRule); ok && valid != nil {
			for _, v := range multi.Candidates(doc) {
				if valid(v) {
					return v, true
				}
			}
			continue
		}

		v, ok := rule.Extract(doc)
		if !ok || v == "" {
			continue
		}
		if valid != nil && !valid(v) {
			continue
		}
		return v, true
	}
	return "", false
}

// SelectorRule reads the text of the first match, or an attribute when Attr
// is set.
type SelectorRule struct {
	Selector string
	Attr     string
}

// ParseSelector accepts "css" or "css@attr".
func ParseSelector(s string) SelectorRule {
	if i := strings.LastIndex(s, "@"); i > 0 && !strings.ContainsAny(s[i:], "]) ") {
		return SelectorRule{Selector: s[:i], Attr: s[i+1:]}
	}
	return SelectorRule{Selector: s}
}

func (r SelectorRule) Extract(doc *goquery.Document) (string, bool) {
	var out string
	doc.Find(r.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		out = r.value(s)
		return out == ""
	})
	return out, out != ""
}

func (r SelectorRule) Candidates(doc *goquery.Document) []string {
	var out []string
	doc.Find(r.Selector).Each(func(_ int, s *goquery.Selection) {
		if v := r.value(s); v != "" {
			out = append(out, v)
		}
	})
	return out
}

func (r SelectorRule) value(s *goquery.Selection) string {
	var v string
	if r.Attr != "" {
		v, _ = s.Attr(r.Attr)
	} else {
		v = s.Text()
	}
	return parser.CleanText(v)
}

// MetaRule reads a meta tag by property or name.
type MetaRule struct {
	Name string
}

func (r MetaRule) Extract(doc *goquery.Document) (string, bool) {
	sel := fmt.Sprintf(`meta[property=%q], meta[name=%q], meta[itemprop=%q]`, r.Name, r.Name, r.Name)
	return SelectorRule{Selector: sel, Attr: "content"}.Extract(doc)
}

// MinLength rejects values of Min bytes or fewer.
type MinLength struct {
	Rule Rule
	Min  int
}

func (r MinLength) Extract(doc *goquery.Document) (string, bool) {
	v, ok := r.Rule.Extract(doc)
	if !ok || len(v) <= r.Min {
		return "", false
	}
	return v, true
}

// LargestImageRule picks the image with the largest declared area, skipping
// inline data and vector icons.
type LargestImageRule struct{}

func (LargestImageRule) Extract(doc *goquery.Document) (string, bool) {
	best, bestArea := "", -1
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := imageSource(s)
		lower := strings.ToLower(src)
		if src == "" || strings.HasPrefix(lower, "data:") || strings.Contains(lower, ".svg") {
			return
		}
		area := attrInt(s, "width") * attrInt(s, "height")
		if area > bestArea {
			best, bestArea = src, area
		}
	})
	return best, best != ""
}

// ImageRule reads the first image source under Selector, following the usual
// lazy-loading attributes.
type ImageRule struct {
	Selector string
}

func (r ImageRule) Extract(doc *goquery.Document) (string, bool) {
	var out string
	doc.Find(r.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		out = imageSource(s)
		return out == ""
	})
	return out, out != ""
}

func imageSource(s *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "data-lazy-src", "content"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if srcset, ok := s.Attr("srcset"); ok {
		first := strings.TrimSpace(strings.Split(srcset, ",")[0])
		if fields := strings.Fields(first); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func attrInt(s *goquery.Selection, name string) int {
	v, _ := s.Attr(name)
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// BreadcrumbRule reads a breadcrumb trail. With Last set it returns the last
// link text, otherwise the whole trail.
type BreadcrumbRule struct {
	Selector string
	Last     bool
}

func (r BreadcrumbRule) Extract(doc *goquery.Document) (string, bool) {
	trail := doc.Find(r.Selector).First()
	if trail.Length() == 0 {
		return "", false
	}
	if !r.Last {
		v := parser.CleanText(trail.Text())
		return v, v != ""
	}

	links := trail.Find("a")
	for i := links.Length() - 1; i >= 0; i-- {
		if v := parser.CleanText(links.Eq(i).Text()); v != "" {
			return v, true
		}
	}
	return "", false
}

// OptionListRule joins the distinct option labels inside a size picker.
type OptionListRule struct {
	Selector string
}

func (r OptionListRule) Extract(doc *goquery.Document) (string, bool) {
	container := doc.Find(r.Selector).First()
	if container.Length() == 0 {
		return "", false
	}

	var labels []string
	seen := make(map[string]struct{})
	container.Find("button, option, li, span").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 0 {
			return
		}
		label := parser.CleanText(s.Text())
		if label == "" || len(label) > 20 {
			return
		}
		if _, ok := seen[label]; ok {
			return
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	})
	if len(labels) == 0 {
		return "", false
	}
	return strings.Join(labels, ", "), true
}

// JSONLDRule reads a dotted field path from the first schema.org Product node
// in the page's linked data.
type JSONLDRule struct {
	Field string
}

func (r JSONLDRule) Extract(doc *goquery.Document) (string, bool) {
	product := findProductNode(doc)
	if product == nil {
		return "", false
	}
	return stringify(lookup(product, strings.Split(r.Field, ".")))
}

// JSONLDOfferRule returns the offer price with its currency code appended so
// the price parser can read both.
type JSONLDOfferRule struct{}

func (JSONLDOfferRule) Extract(doc *goquery.Document) (string, bool) {
	product := findProductNode(doc)
	if product == nil {
		return "", false
	}
	price, ok := stringify(lookup(product, []string{"offers", "price"}))
	if !ok {
		price, ok = stringify(lookup(product, []string{"offers", "lowPrice"}))
	}
	if !ok {
		return "", false
	}
	if currency, ok := stringify(lookup(product, []string{"offers", "priceCurrency"})); ok {
		return price + " " + currency, true
	}
	return price, true
}

func findProductNode(doc *goquery.Document) map[string]any {
	var found map[string]any
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		found = productNode(payload)
		return found == nil
	})
	return found
}

func productNode(v any) map[string]any {
	switch node := v.(type) {
	case []any:
		for _, child := range node {
			if p := productNode(child); p != nil {
				return p
			}
		}
	case map[string]any:
		if isType(node["@type"], "Product") {
			return node
		}
		if graph, ok := node["@graph"]; ok {
			return productNode(graph)
		}
	}
	return nil
}

func isType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return t == want
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

// lookup follows path through objects, taking the first element of arrays.
func lookup(v any, path []string) any {
	for _, key := range path {
		if arr, ok := v.([]any); ok {
			if len(arr) == 0 {
				return nil
			}
			v = arr[0]
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = obj[key]
	}
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		return arr[0]
	}
	return v
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		t = parser.CleanText(t)
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case map[string]any:
		for _, key := range []string{"name", "url", "@id"} {
			if s, ok := stringify(t[key]); ok {
				return s, true
			}
		}
	}
	return "", false
}
