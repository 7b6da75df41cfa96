package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the scraper's run counters. A nil *Registry is valid and
// records nothing.
type Registry struct {
	reg *prometheus.Registry

	PagesVisited       prometheus.Counter
	URLsDiscovered     *prometheus.CounterVec
	ProductsExtracted  prometheus.Counter
	SkippedExisting    prometheus.Counter
	ExtractionFailures prometheus.Counter
	Embeddings         *prometheus.CounterVec
	ProductsSaved      prometheus.Counter
	RunInProgress      prometheus.Gauge
	ExtractSeconds     prometheus.Histogram
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	pages := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scraper_pages_visited_total",
		Help: "Listing pages that yielded product URLs.",
	})
	discovered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_urls_discovered_total",
		Help: "Product URLs found per discovery strategy, before deduplication.",
	}, []string{"strategy"})
	extracted := prometheus.NewCounter(prometheus.CounterOpts{Name: "scraper_products_extracted_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "scraper_products_skipped_existing_total"})
	failures := prometheus.NewCounter(prometheus.CounterOpts{Name: "scraper_extraction_failures_total"})
	embeddings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_embeddings_total",
		Help: "Embedding attempts by result (ok, download_failed, model_failed, no_image).",
	}, []string{"result"})
	saved := prometheus.NewCounter(prometheus.CounterOpts{Name: "scraper_products_saved_total"})
	running := prometheus.NewGauge(prometheus.GaugeOpts{Name: "scraper_run_in_progress"})
	extractSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scraper_product_extract_seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	r.MustRegister(pages, discovered, extracted, skipped, failures, embeddings, saved, running, extractSeconds)
	return &Registry{
		reg:                r,
		PagesVisited:       pages,
		URLsDiscovered:     discovered,
		ProductsExtracted:  extracted,
		SkippedExisting:    skipped,
		ExtractionFailures: failures,
		Embeddings:         embeddings,
		ProductsSaved:      saved,
		RunInProgress:      running,
		ExtractSeconds:     extractSeconds,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) PageVisited() {
	if r == nil {
		return
	}
	r.PagesVisited.Inc()
}

func (r *Registry) Discovered(byStrategy map[string]int) {
	if r == nil {
		return
	}
	for strategy, n := range byStrategy {
		r.URLsDiscovered.WithLabelValues(strategy).Add(float64(n))
	}
}

func (r *Registry) Extracted(d time.Duration) {
	if r == nil {
		return
	}
	r.ProductsExtracted.Inc()
	r.ExtractSeconds.Observe(d.Seconds())
}

func (r *Registry) Skipped() {
	if r == nil {
		return
	}
	r.SkippedExisting.Inc()
}

func (r *Registry) Failed() {
	if r == nil {
		return
	}
	r.ExtractionFailures.Inc()
}

func (r *Registry) Embedding(result string) {
	if r == nil {
		return
	}
	r.Embeddings.WithLabelValues(result).Inc()
}

func (r *Registry) Saved(n int) {
	if r == nil {
		return
	}
	r.ProductsSaved.Add(float64(n))
}

func (r *Registry) Running(on bool) {
	if r == nil {
		return
	}
	if on {
		r.RunInProgress.Set(1)
		return
	}
	r.RunInProgress.Set(0)
}
