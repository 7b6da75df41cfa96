package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamPublisher appends entries to a Redis stream.
type StreamPublisher interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

type outboxQueue interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

type outboxCounter interface {
	Counts(ctx context.Context) (pending, deadLetter int64, err error)
}

// Relay publishes product events from the outbox to their Redis streams.
// Each stream entry carries the product's key fields flat so consumers can
// filter without decoding the JSON body in "data".
type Relay struct {
	streams   StreamPublisher
	outbox    outboxQueue
	counter   outboxCounter
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	maxLen    int64
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// StreamMaxLen caps each stream approximately. Zero keeps every entry.
	StreamMaxLen int64
}

// FlushStats counts the outcome of one relay pass.
type FlushStats struct {
	Published int
	Failed    int
}

func NewRelay(db *DB, streams StreamPublisher, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	outbox := NewOutboxRepository(db)
	return &Relay{
		streams:   streams,
		outbox:    outbox,
		counter:   outbox,
		logger:    logger.With("component", "relay"),
		interval:  cfg.PollInterval,
		batchSize: cfg.BatchSize,
		maxLen:    cfg.StreamMaxLen,
	}
}

// Start relays on every tick until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.interval,
		"batch_size", r.batchSize,
		"stream_max_len", r.maxLen)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		stats, err := r.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("relay pass failed", "error", err)
		} else if stats.Published+stats.Failed > 0 {
			r.logger.Info("relay pass finished",
				"published", stats.Published,
				"failed", stats.Failed)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch of due events. A failing event is parked for
// retry and never stops the batch.
func (r *Relay) Flush(ctx context.Context) (FlushStats, error) {
	var stats FlushStats

	events, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to get pending events: %w", err)
	}

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := r.deliver(ctx, event); err != nil {
			stats.Failed++
			r.logger.Warn("failed to relay product event",
				"event_id", event.ID,
				"product_id", event.AggregateID,
				"retry_count", event.RetryCount,
				"error", err)
			continue
		}
		stats.Published++
	}
	return stats, nil
}

func (r *Relay) deliver(ctx context.Context, event *OutboxEvent) error {
	err := r.publish(ctx, event)
	if err != nil {
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		return err
	}
	r.logger.Debug("product event published",
		"event_id", event.ID,
		"product_id", event.AggregateID,
		"stream", event.TargetStream)
	return nil
}

func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	values, err := streamValues(event)
	if err != nil {
		return err
	}

	stream := event.TargetStream
	if stream == "" {
		stream = DefaultStream
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.streams.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// streamValues flattens a product event into stream fields. Only
// PRODUCT_UPSERTED events with a decodable payload are accepted.
func streamValues(event *OutboxEvent) (map[string]interface{}, error) {
	if event.EventType != EventProductUpserted {
		return nil, fmt.Errorf("%w: unsupported event type %q", ErrInvalidEvent, event.EventType)
	}

	var p ProductEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: undecodable payload: %v", ErrInvalidEvent, err)
	}
	if p.ID == "" || p.ProductURL == "" {
		return nil, fmt.Errorf("%w: payload lacks product id or url", ErrInvalidEvent)
	}

	values := map[string]interface{}{
		"event_id":      event.ID.String(),
		"event_type":    event.EventType,
		"product_id":    p.ID,
		"source":        p.Source,
		"product_url":   p.ProductURL,
		"gender":        string(p.Gender),
		"inserted":      strconv.FormatBool(p.Inserted),
		"has_embedding": strconv.FormatBool(p.HasEmbedding),
		"retry_count":   strconv.Itoa(event.RetryCount),
		"data":          string(event.Payload),
	}
	if !p.ScrapedAt.IsZero() {
		values["scraped_at"] = p.ScrapedAt.UTC().Format(time.RFC3339)
	}
	if p.Price != nil {
		values["price"] = strconv.FormatFloat(*p.Price, 'f', 2, 64)
		values["currency"] = p.Currency
	}
	return values, nil
}

// Counts returns pending and dead-letter outbox counts for health reporting.
func (r *Relay) Counts(ctx context.Context) (pending, deadLetter int64, err error) {
	if r.counter == nil {
		return 0, 0, nil
	}
	return r.counter.Counts(ctx)
}
