package discovery

import (
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var errNoDocument = errors.New("page has no parsed document")

var (
	absoluteURLPattern = regexp.MustCompile(`https?://[^\s"'<>\\]+`)
	quotedPathPattern  = regexp.MustCompile(`"(/[^"\s<>\\]+)"`)
	escapedSlashes     = strings.NewReplacer(`\/`, `/`, `\u002F`, `/`, `\u002f`, `/`)
)

// AnchorStrategy scans every link element.
type AnchorStrategy struct{}

func (AnchorStrategy) Name() string { return "anchors" }

func (AnchorStrategy) Find(page *Page, m *Matcher) ([]string, error) {
	if page.Doc == nil {
		return nil, errNoDocument
	}

	var hrefs []string
	page.Doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			hrefs = append(hrefs, href)
		}
	})

	return m.acceptAll(hrefs), nil
}

// JSONLDStrategy walks linked-data script blocks.
type JSONLDStrategy struct{}

func (JSONLDStrategy) Name() string { return "json_ld" }

func (JSONLDStrategy) Find(page *Page, m *Matcher) ([]string, error) {
	if page.Doc == nil {
		return nil, errNoDocument
	}

	var candidates []string
	var lastErr error
	page.Doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			lastErr = err
			return
		}
		walkJSON(payload, func(v string) {
			candidates = append(candidates, v)
		})
	})

	urls := m.acceptAll(candidates)
	if len(urls) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return urls, nil
}

// ScriptStrategy regex-scans inline script text. Catalogs rendered on the
// client often ship their product list as a JSON literal.
type ScriptStrategy struct{}

func (ScriptStrategy) Name() string { return "inline_scripts" }

func (ScriptStrategy) Find(page *Page, m *Matcher) ([]string, error) {
	if page.Doc == nil {
		return nil, errNoDocument
	}

	var candidates []string
	page.Doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		if t, _ := s.Attr("type"); t == "application/ld+json" {
			return
		}
		text := escapedSlashes.Replace(s.Text())
		candidates = append(candidates, absoluteURLPattern.FindAllString(text, -1)...)
		for _, match := range quotedPathPattern.FindAllStringSubmatch(text, -1) {
			candidates = append(candidates, match[1])
		}
	})

	return m.acceptAll(candidates), nil
}

// NetworkStrategy searches JSON bodies of API responses captured during the
// page load.
type NetworkStrategy struct {
	Hints []string
}

func (NetworkStrategy) Name() string { return "network" }

func (n NetworkStrategy) Find(page *Page, m *Matcher) ([]string, error) {
	var candidates []string
	for _, resp := range page.Responses {
		if !n.looksLikeAPI(resp.URL) {
			continue
		}
		if len(resp.Body) == 0 {
			continue
		}
		if !strings.Contains(strings.ToLower(resp.ContentType), "json") && !looksLikeJSON(resp.Body) {
			continue
		}

		var payload any
		if err := json.Unmarshal(resp.Body, &payload); err != nil {
			continue
		}
		walkJSON(payload, func(v string) {
			candidates = append(candidates, v)
		})
	}

	return m.acceptAll(candidates), nil
}

func (n NetworkStrategy) looksLikeAPI(raw string) bool {
	if len(n.Hints) == 0 {
		return true
	}
	lower := strings.ToLower(raw)
	for _, hint := range n.Hints {
		if strings.Contains(lower, strings.ToLower(hint)) {
			return true
		}
	}
	return false
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body[:min(len(body), 64)]))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// walkJSON calls visit for every string value that could be a URL.
func walkJSON(v any, visit func(string)) {
	switch node := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkJSON(node[k], visit)
		}
	case []any:
		for _, child := range node {
			walkJSON(child, visit)
		}
	case string:
		if strings.HasPrefix(node, "http://") || strings.HasPrefix(node, "https://") || strings.HasPrefix(node, "/") {
			visit(node)
		}
	}
}
