// Package embedding attaches a normalized image embedding to product records.
//
// Every failure on the way (missing image, download, model call, degenerate
// vector) leaves the record without an embedding. Records are never dropped
// here.
package embedding

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/maltedev/apparel-scraper/internal/metrics"
	"github.com/maltedev/apparel-scraper/internal/models"
	"golang.org/x/sync/errgroup"
)

// ImageFetcher downloads a product image.
type ImageFetcher interface {
	Fetch(ctx context.Context, imageURL string) ([]byte, string, error)
}

type StageOptions struct {
	Dimensions    int
	MaxConcurrent int
}

type Stage struct {
	fetcher ImageFetcher
	model   Model
	opts    StageOptions
	metrics *metrics.Registry
	logger  *slog.Logger
}

type Stats struct {
	Attempted int
	Embedded  int
	NoImage   int
	Failed    int
}

func NewStage(fetcher ImageFetcher, model Model, opts StageOptions, m *metrics.Registry) *Stage {
	if opts.Dimensions < 1 {
		opts.Dimensions = models.EmbeddingDimensions
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 3
	}
	return &Stage{
		fetcher: fetcher,
		model:   model,
		opts:    opts,
		metrics: m,
		logger:  slog.Default().With("component", "embedding"),
	}
}

// Embed sets rec.Embedding and reports whether it succeeded.
func (s *Stage) Embed(ctx context.Context, rec *models.ProductRecord) bool {
	return s.embed(ctx, rec) == resultOK
}

const (
	resultOK       = "ok"
	resultNoImage  = "no_image"
	resultDownload = "download_failed"
	resultModel    = "model_failed"
	resultVector   = "invalid_vector"
)

func (s *Stage) embed(ctx context.Context, rec *models.ProductRecord) (result string) {
	defer func() { s.metrics.Embedding(result) }()

	rec.Embedding = nil
	if rec.ImageURL == "" {
		return resultNoImage
	}

	logger := s.logger.With("url", rec.ProductURL, "image", rec.ImageURL)

	data, contentType, err := s.fetcher.Fetch(ctx, rec.ImageURL)
	if err != nil {
		logger.Warn("image download failed, keeping record without embedding", "error", err)
		return resultDownload
	}

	raw, err := s.model.Embed(ctx, data, contentType)
	if err != nil {
		logger.Warn("embedding model failed, keeping record without embedding", "error", err)
		return resultModel
	}
	if len(raw) != s.opts.Dimensions {
		logger.Warn("embedding dimension mismatch, fitting vector",
			"got", len(raw),
			"want", s.opts.Dimensions)
	}

	vec, err := Normalize(raw, s.opts.Dimensions)
	if err != nil {
		logger.Warn("embedding rejected", "error", err)
		return resultVector
	}

	rec.Embedding = vec
	return resultOK
}

// Run embeds records with at most MaxConcurrent downloads and model calls in
// flight. It stops scheduling new work once ctx is cancelled.
func (s *Stage) Run(ctx context.Context, records []*models.ProductRecord) Stats {
	var embedded, noImage, failed, attempted atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(s.opts.MaxConcurrent)

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		rec := rec
		attempted.Add(1)
		g.Go(func() error {
			switch s.embed(ctx, rec) {
			case resultOK:
				embedded.Add(1)
			case resultNoImage:
				noImage.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{
		Attempted: int(attempted.Load()),
		Embedded:  int(embedded.Load()),
		NoImage:   int(noImage.Load()),
		Failed:    int(failed.Load()),
	}
	s.logger.Info("embedding stage finished",
		"records", len(records),
		"embedded", stats.Embedded,
		"no_image", stats.NoImage,
		"failed", stats.Failed)
	return stats
}
