package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/apparel-scraper/internal/models"
	"github.com/pgvector/pgvector-go"
)

// ProductRow is a product as stored, plus the store's own timestamps.
type ProductRow struct {
	models.ProductRecord
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SourceCount is the number of products stored for one source.
type SourceCount struct {
	Source        string `json:"source"`
	Products      int64  `json:"products"`
	WithEmbedding int64  `json:"with_embedding"`
}

// ProductRepository reads and writes the products table.
type ProductRepository struct {
	db *DB
}

func NewProductRepository(db *DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// UpsertWithTx inserts rec or updates the row with the same (source,
// product_url). A nil embedding never overwrites a stored one. It reports
// whether a new row was created.
func (r *ProductRepository) UpsertWithTx(ctx context.Context, tx pgx.Tx, rec *models.ProductRecord) (bool, error) {
	var embedding *pgvector.Vector
	if rec.HasEmbedding() {
		v := pgvector.NewVector(rec.Embedding)
		embedding = &v
	}

	metadata := rec.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, source, product_url, title, price, currency,
			image_url, description, category, gender, size,
			brand, second_hand, embedding, metadata, scraped_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
		ON CONFLICT (source, product_url) DO UPDATE SET
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			image_url = EXCLUDED.image_url,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			gender = EXCLUDED.gender,
			size = EXCLUDED.size,
			brand = EXCLUDED.brand,
			second_hand = EXCLUDED.second_hand,
			embedding = COALESCE(EXCLUDED.embedding, %s.embedding),
			metadata = EXCLUDED.metadata,
			scraped_at = EXCLUDED.scraped_at,
			updated_at = NOW()
		RETURNING (xmax = 0)`, r.db.table, r.db.table)

	var inserted bool
	err := tx.QueryRow(ctx, query,
		rec.ID, rec.Source, rec.ProductURL, rec.Title, rec.Price, rec.Currency,
		nullable(rec.ImageURL), nullable(rec.Description), nullable(rec.Category),
		string(rec.Gender), nullable(rec.Size), rec.Brand, rec.SecondHand,
		embedding, metadata, rec.ScrapedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert product: %w", err)
	}

	return inserted, nil
}

// Exists reports whether a product with this source and canonical URL is
// stored.
func (r *ProductRepository) Exists(ctx context.Context, source, productURL string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE source = $1 AND product_url = $2)`, r.db.table)

	var exists bool
	if err := r.db.pool.QueryRow(ctx, query, source, productURL).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check product: %w", err)
	}
	return exists, nil
}

// Recent returns the most recently scraped products of source. An empty
// source matches all sources.
func (r *ProductRepository) Recent(ctx context.Context, source string, limit int) ([]*ProductRow, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT
			id, source, product_url, title, price, currency,
			COALESCE(image_url, ''), COALESCE(description, ''), COALESCE(category, ''),
			gender, COALESCE(size, ''), brand, second_hand, embedding, metadata,
			scraped_at, created_at, updated_at
		FROM %s
		WHERE $1 = '' OR source = $1
		ORDER BY scraped_at DESC
		LIMIT $2`, r.db.table)

	rows, err := r.db.pool.Query(ctx, query, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent products: %w", err)
	}
	defer rows.Close()

	var products []*ProductRow
	for rows.Next() {
		p := &ProductRow{}
		var gender string
		var embedding *pgvector.Vector
		err := rows.Scan(
			&p.ID, &p.Source, &p.ProductURL, &p.Title, &p.Price, &p.Currency,
			&p.ImageURL, &p.Description, &p.Category,
			&gender, &p.Size, &p.Brand, &p.SecondHand, &embedding, &p.Metadata,
			&p.ScrapedAt, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		p.Gender = models.Gender(gender)
		if embedding != nil {
			p.Embedding = embedding.Slice()
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return products, nil
}

// CountBySource returns product and embedding counts for every source.
func (r *ProductRepository) CountBySource(ctx context.Context) ([]SourceCount, error) {
	query := fmt.Sprintf(`
		SELECT source, COUNT(*), COUNT(embedding)
		FROM %s
		GROUP BY source
		ORDER BY source`, r.db.table)

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}
	defer rows.Close()

	var counts []SourceCount
	for rows.Next() {
		var c SourceCount
		if err := rows.Scan(&c.Source, &c.Products, &c.WithEmbedding); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
