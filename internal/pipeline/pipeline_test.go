package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/maltedev/apparel-scraper/internal/embedding"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/maltedev/apparel-scraper/internal/pagination"
	"github.com/maltedev/apparel-scraper/internal/scraper"
	"github.com/maltedev/apparel-scraper/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeCatalog serves the same listing pages for every category.
type fakeCatalog struct {
	pages   [][]string
	targets []string
}

func (f *fakeCatalog) Walk(ctx context.Context, target models.CategoryTarget, seen pagination.SeenSet, handle pagination.PageHandler) (*pagination.Result, error) {
	f.targets = append(f.targets, target.URL)
	result := &pagination.Result{}
	for i, urls := range f.pages {
		var fresh []string
		for _, u := range urls {
			if added, _ := seen.Add(ctx, u); added {
				fresh = append(fresh, u)
			}
		}
		if len(fresh) == 0 {
			result.Reason = pagination.StopNoNewURLs
			return result, nil
		}
		result.PagesVisited++
		result.URLs = append(result.URLs, fresh...)
		if !handle(ctx, i, fresh) {
			result.Reason = pagination.StopHandler
			return result, ctx.Err()
		}
	}
	result.Reason = pagination.StopNoNext
	return result, nil
}

type fakeExtractor struct {
	existing map[string]bool
	failing  map[string]bool
	onBatch  func()
	scraped  []string
}

func (f *fakeExtractor) ScrapeBatch(ctx context.Context, urls []string) (*scraper.BatchResult, error) {
	if f.onBatch != nil {
		f.onBatch()
	}
	result := &scraper.BatchResult{}
	for _, u := range urls {
		switch {
		case f.existing[u]:
			result.SkippedExisting++
		case f.failing[u]:
			result.Failed++
		default:
			f.scraped = append(f.scraped, u)
			rec, err := models.NewProductRecord("shop", u)
			if err != nil {
				return nil, err
			}
			rec.ImageURL = u + ".jpg"
			result.Records = append(result.Records, rec)
		}
	}
	return result, ctx.Err()
}

type fakeEmbedder struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeEmbedder) Run(_ context.Context, records []*models.ProductRecord) embedding.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range records {
		f.seen = append(f.seen, rec.ProductURL)
		rec.Embedding = make([]float32, models.EmbeddingDimensions)
	}
	return embedding.Stats{Attempted: len(records), Embedded: len(records)}
}

// MockSink is a mock for Sink
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Save(ctx context.Context, rec *models.ProductRecord) (bool, error) {
	args := m.Called(ctx, rec)
	return args.Bool(0), args.Error(1)
}

const (
	urlShirt  = "https://www.shop.example/p/linen-shirt"
	urlPant   = "https://www.shop.example/p/cargo-pant"
	urlJacket = "https://www.shop.example/p/denim-jacket"
	urlKnit   = "https://www.shop.example/p/cable-knit"
)

var targets = []models.CategoryTarget{{URL: "https://www.shop.example/mens"}}

func TestPipeline_Run(t *testing.T) {
	catalog := &fakeCatalog{pages: [][]string{{urlShirt, urlPant}, {urlPant, urlJacket, urlKnit}}}
	extractor := &fakeExtractor{
		existing: map[string]bool{urlPant: true},
		failing:  map[string]bool{urlKnit: true},
	}
	embedder := &fakeEmbedder{}
	sink := new(MockSink)
	sink.On("Save", mock.Anything, mock.MatchedBy(func(r *models.ProductRecord) bool { return r.ProductURL == urlShirt })).Return(true, nil)
	sink.On("Save", mock.Anything, mock.MatchedBy(func(r *models.ProductRecord) bool { return r.ProductURL == urlJacket })).Return(false, nil)

	p := New(catalog, func(models.CategoryTarget) Extractor { return extractor }, sink, targets, WithEmbedder(embedder))

	summary, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 4, summary.Found)
	assert.Equal(t, 2, summary.Extracted)
	assert.Equal(t, 1, summary.SkippedExisting)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Unique)
	assert.Equal(t, 2, summary.Embedded)
	assert.Equal(t, 2, summary.Saved)
	assert.Equal(t, 1, summary.Inserted)
	assert.True(t, summary.Success)

	assert.ElementsMatch(t, []string{urlShirt, urlJacket}, embedder.seen, "existing products never reach the embedding stage")
	sink.AssertExpectations(t)
}

func TestPipeline_MaxProducts(t *testing.T) {
	catalog := &fakeCatalog{pages: [][]string{{urlShirt, urlPant, urlJacket}, {urlKnit}}}
	extractor := &fakeExtractor{}

	p := New(catalog, func(models.CategoryTarget) Extractor { return extractor }, nil, targets)

	summary, err := p.Run(context.Background(), Options{MaxProducts: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Extracted)
	assert.Equal(t, []string{urlShirt, urlPant}, extractor.scraped)
	assert.True(t, summary.DryRun, "a pipeline without a sink never persists")
}

func TestPipeline_DryRunExport(t *testing.T) {
	catalog := &fakeCatalog{pages: [][]string{{urlShirt, urlPant}}}
	sink := new(MockSink)
	output := filepath.Join(t.TempDir(), "products.json")

	p := New(catalog, func(models.CategoryTarget) Extractor { return &fakeExtractor{} }, sink, targets)

	summary, err := p.Run(context.Background(), Options{DryRun: true, OutputPath: output})
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Zero(t, summary.Saved)
	sink.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)

	export, err := storage.ReadRecords(output)
	require.NoError(t, err)
	assert.Equal(t, 2, export.Count)
}

func TestPipeline_SaveFailure(t *testing.T) {
	catalog := &fakeCatalog{pages: [][]string{{urlShirt, urlPant}}}
	sink := new(MockSink)
	sink.On("Save", mock.Anything, mock.MatchedBy(func(r *models.ProductRecord) bool { return r.ProductURL == urlShirt })).Return(true, nil)
	sink.On("Save", mock.Anything, mock.Anything).Return(false, errors.New("connection reset"))

	p := New(catalog, func(models.CategoryTarget) Extractor { return &fakeExtractor{} }, sink, targets)

	summary, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Saved)
	assert.Equal(t, 1, summary.SaveFailed)
	assert.False(t, summary.Success)
}

func TestPipeline_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog := &fakeCatalog{pages: [][]string{{urlShirt}, {urlPant}}}
	extractor := &fakeExtractor{onBatch: cancel}
	sink := new(MockSink)
	embedder := &fakeEmbedder{}

	p := New(catalog, func(models.CategoryTarget) Extractor { return extractor }, sink, targets, WithEmbedder(embedder))

	summary, err := p.Run(ctx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, summary.Success)
	assert.Equal(t, 1, summary.Found)
	assert.Empty(t, embedder.seen)
	sink.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestPipeline_StartURLOverride(t *testing.T) {
	catalog := &fakeCatalog{pages: [][]string{{urlShirt}}}
	p := New(catalog, func(models.CategoryTarget) Extractor { return &fakeExtractor{} }, nil, []models.CategoryTarget{
		{URL: "https://www.shop.example/mens"},
		{URL: "https://www.shop.example/womens"},
	})

	_, err := p.Run(context.Background(), Options{StartURL: "https://www.shop.example/sale"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://www.shop.example/sale"}, catalog.targets)
}

func TestPipeline_SeenSharedAcrossCategories(t *testing.T) {
	catalog := &fakeCatalog{pages: [][]string{{urlShirt, urlPant}}}
	extractor := &fakeExtractor{}
	p := New(catalog, func(models.CategoryTarget) Extractor { return extractor }, nil, []models.CategoryTarget{
		{URL: "https://www.shop.example/mens"},
		{URL: "https://www.shop.example/sale"},
	})

	summary, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Len(t, catalog.targets, 2)
	assert.Equal(t, 2, summary.Found)
	assert.Equal(t, []string{urlShirt, urlPant}, extractor.scraped)
}

func TestPipeline_NoTargets(t *testing.T) {
	p := New(&fakeCatalog{}, func(models.CategoryTarget) Extractor { return &fakeExtractor{} }, nil, nil)

	summary, err := p.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrNoTargets)
	assert.False(t, summary.Success)
}
