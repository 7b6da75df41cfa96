package database

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProduct(t *testing.T, rawURL string) *models.ProductRecord {
	t.Helper()
	rec, err := models.NewProductRecord("abercrombie", rawURL)
	require.NoError(t, err)
	price := 59.95
	rec.Title = "Linen Shirt"
	rec.Price = &price
	rec.Currency = "EUR"
	rec.Brand = "Abercrombie & Fitch"
	rec.Metadata = json.RawMessage(`{"native_id":"linen-shirt-1"}`)
	return rec
}

func TestProductRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewProductRepository(db)
	rec := testProduct(t, "https://www.shop.example/p/linen-shirt-1")
	rec.Embedding = make([]float32, models.EmbeddingDimensions)
	rec.Embedding[0] = 1

	upsert := func(r *models.ProductRecord) bool {
		var inserted bool
		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			var err error
			inserted, err = repo.UpsertWithTx(ctx, tx, r)
			return err
		})
		require.NoError(t, err)
		return inserted
	}

	t.Run("first write inserts", func(t *testing.T) {
		assert.True(t, upsert(rec))

		exists, err := repo.Exists(ctx, "abercrombie", rec.ProductURL)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("second write updates and keeps the stored embedding", func(t *testing.T) {
		again := testProduct(t, rec.ProductURL)
		again.Title = "Linen Shirt (restocked)"

		assert.False(t, upsert(again))

		rows, err := repo.Recent(ctx, "abercrombie", 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "Linen Shirt (restocked)", rows[0].Title)
		assert.Len(t, rows[0].Embedding, models.EmbeddingDimensions)
	})

	t.Run("same url from another source is a different product", func(t *testing.T) {
		other := testProduct(t, rec.ProductURL)
		other.Source = "hollister"
		assert.True(t, upsert(other))

		counts, err := repo.CountBySource(ctx)
		require.NoError(t, err)
		assert.Equal(t, []SourceCount{
			{Source: "abercrombie", Products: 1, WithEmbedding: 1},
			{Source: "hollister", Products: 1, WithEmbedding: 0},
		}, counts)
	})

	t.Run("unknown product", func(t *testing.T) {
		exists, err := repo.Exists(ctx, "abercrombie", "https://www.shop.example/p/nope")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}
