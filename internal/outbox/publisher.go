// Package outbox relays reservation events written by the booking
// transactions to the message broker.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/experience-bookings/internal/adapters/crdb"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	ClaimOutbox(ctx context.Context, tx pgx.Tx, limit int) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, id uuid.UUID, publishedAt time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	store     Store
	broker    Broker
	logger    observability.Logger
	batchSize int
}

func NewPublisher(store Store, broker Broker, logger observability.Logger, batchSize int) *Publisher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Publisher{store: store, broker: broker, logger: logger, batchSize: batchSize}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := p.PublishBatch(ctx)
				if err != nil {
					p.logger.WithError(err).Error("outbox relay failed")
					break
				}
				if n < p.batchSize {
					break
				}
			}
		}
	}
}

// PublishBatch claims up to one batch and publishes it in creation order. It
// stops at the first broker failure; records published before it are still
// marked. Delivery is at least once, consumers dedupe on MessageId.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	published := 0
	err := p.store.WithTx(ctx, func(tx pgx.Tx) error {
		published = 0
		records, err := p.store.ClaimOutbox(ctx, tx, p.batchSize)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			observability.OutboxLag.Set(time.Since(records[0].CreatedAt).Seconds())
		} else {
			observability.OutboxLag.Set(0)
		}

		for _, rec := range records {
			msg := amqp.Publishing{
				MessageId:   rec.DedupeKey,
				Type:        rec.EventType,
				ContentType: "application/json",
				Timestamp:   rec.CreatedAt,
				Body:        rec.Payload,
			}
			if err := p.broker.Publish(ctx, rec.EventType, msg); err != nil {
				p.logger.WithFields(map[string]interface{}{
					"outbox_id":  rec.ID,
					"event_type": rec.EventType,
				}).WithError(err).Warn("publish failed, retrying next tick")
				return nil
			}
			if err := p.store.MarkPublished(ctx, tx, rec.ID, time.Now().UTC()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}
