package embedding

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	fail     map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, imageURL string) ([]byte, string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	if f.fail[imageURL] {
		return nil, "", ErrDownloadFailed
	}
	return pngBytes, "image/png", nil
}

type fakeModel struct {
	mu     sync.Mutex
	calls  int
	vector []float32
	err    error
}

func (m *fakeModel) Embed(context.Context, []byte, string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.vector, m.err
}

func product(n string, image string) *models.ProductRecord {
	rec, _ := models.NewProductRecord("test", "https://shop.example/p/"+n)
	rec.Title = "Product " + n
	rec.ImageURL = image
	return rec
}

func TestNormalize(t *testing.T) {
	vec, err := Normalize([]float32{3, 4}, 4)
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
	assert.Zero(t, vec[3])

	vec, err = Normalize([]float32{1, 0, 0, 5}, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec, "extra dimensions are truncated before normalizing")

	_, err = Normalize([]float32{0, 0}, 2)
	assert.ErrorIs(t, err, ErrZeroVector)

	_, err = Normalize([]float32{float32(math.NaN())}, 1)
	assert.ErrorIs(t, err, ErrZeroVector)
}

func TestStage_DownloadFailureKeepsRecord(t *testing.T) {
	fetcher := &fakeFetcher{fail: map[string]bool{"https://img.example/broken.jpg": true}}
	model := &fakeModel{vector: make([]float32, models.EmbeddingDimensions)}
	model.vector[0] = 2

	stage := NewStage(fetcher, model, StageOptions{}, nil)

	rec := product("1", "https://img.example/broken.jpg")
	price := 19.5
	rec.Price = &price

	assert.False(t, stage.Embed(context.Background(), rec))
	assert.Nil(t, rec.Embedding)
	assert.Equal(t, "Product 1", rec.Title)
	assert.Equal(t, 19.5, *rec.Price)
	assert.Zero(t, model.calls, "the model is not called when the download fails")
}

func TestStage_Run(t *testing.T) {
	fetcher := &fakeFetcher{fail: map[string]bool{"https://img.example/3.jpg": true}}
	model := &fakeModel{vector: []float32{1, 1}}

	stage := NewStage(fetcher, model, StageOptions{Dimensions: 8, MaxConcurrent: 2}, nil)

	records := []*models.ProductRecord{
		product("1", "https://img.example/1.jpg"),
		product("2", ""),
		product("3", "https://img.example/3.jpg"),
		product("4", "https://img.example/4.jpg"),
		product("5", "https://img.example/5.jpg"),
	}
	stats := stage.Run(context.Background(), records)

	assert.Equal(t, Stats{Attempted: 5, Embedded: 3, NoImage: 1, Failed: 1}, stats)
	assert.LessOrEqual(t, fetcher.peak.Load(), int32(2))

	require.Len(t, records[0].Embedding, 8, "short vectors are padded")
	assert.InDelta(t, 1/math.Sqrt2, records[0].Embedding[0], 1e-6)
	assert.Nil(t, records[1].Embedding)
	assert.Nil(t, records[2].Embedding)
}

func TestStage_ModelFailure(t *testing.T) {
	stage := NewStage(&fakeFetcher{}, &fakeModel{err: errors.New("model offline")}, StageOptions{}, nil)

	rec := product("1", "https://img.example/1.jpg")
	assert.False(t, stage.Embed(context.Background(), rec))
	assert.Nil(t, rec.Embedding)
}
