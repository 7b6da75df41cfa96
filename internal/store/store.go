// Package store persists product records and answers duplicate checks for
// the scraper.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/apparel-scraper/internal/database"
	"github.com/maltedev/apparel-scraper/internal/models"
)

// Products is the product table as the store uses it.
type Products interface {
	UpsertWithTx(ctx context.Context, tx pgx.Tx, rec *models.ProductRecord) (bool, error)
	Exists(ctx context.Context, source, productURL string) (bool, error)
}

// Outbox queues change events inside the caller's transaction.
type Outbox interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Transactor runs fn inside one database transaction.
type Transactor interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

type Store struct {
	tx       Transactor
	products Products
	outbox   Outbox
	stream   string
	logger   *slog.Logger
}

func New(tx Transactor, products Products, outbox Outbox, stream string) *Store {
	if stream == "" {
		stream = database.DefaultStream
	}
	return &Store{
		tx:       tx,
		products: products,
		outbox:   outbox,
		stream:   stream,
		logger:   slog.Default().With("component", "store"),
	}
}

// NewFromDB wires a store onto the Postgres repositories.
func NewFromDB(db *database.DB, stream string) *Store {
	return New(db, database.NewProductRepository(db), database.NewOutboxRepository(db), stream)
}

func (s *Store) Exists(ctx context.Context, source, productURL string) (bool, error) {
	return s.products.Exists(ctx, source, productURL)
}

// Save upserts rec and records a PRODUCT_UPSERTED event in the same
// transaction. It reports whether the product was new.
func (s *Store) Save(ctx context.Context, rec *models.ProductRecord) (bool, error) {
	if problems := rec.Validate(); len(problems) > 0 {
		return false, fmt.Errorf("invalid product %s: %v", rec.ProductURL, problems)
	}

	var inserted bool
	err := s.tx.Transaction(ctx, func(tx pgx.Tx) error {
		var err error
		inserted, err = s.products.UpsertWithTx(ctx, tx, rec)
		if err != nil {
			return err
		}

		if s.outbox == nil {
			return nil
		}
		event, err := database.NewProductEvent(rec, inserted, s.stream)
		if err != nil {
			return err
		}
		return s.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return false, fmt.Errorf("failed to save product %s: %w", rec.ProductURL, err)
	}

	s.logger.Debug("product saved", "url", rec.ProductURL, "inserted", inserted)
	return inserted, nil
}
