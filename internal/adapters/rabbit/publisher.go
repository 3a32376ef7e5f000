package rabbit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/experience-bookings/internal/observability"
)

const (
	Exchange = "bookings.events"

	// CancelPaymentKey routes payment cancel commands to the payment worker.
	CancelPaymentKey  = "command.payment.cancel"
	CancelPaymentType = "payment.cancel_requested"
)

type Publisher struct {
	ch         *amqp.Channel
	maxRetries uint64
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, maxRetries: 3}, nil
}

func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	attempt := 0
	op := func() error {
		if attempt > 0 {
			observability.RabbitPublishRetries.Inc()
		}
		attempt++
		return p.ch.PublishWithContext(ctx, Exchange, key, false, false, msg)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	return errors.Wrapf(backoff.Retry(op, b), "publish %s", key)
}

type cancelPayment struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	TransactionID string    `json:"transaction_id"`
	RequestedAt   time.Time `json:"requested_at"`
}

// CancelPayment emits a cancel command for the provider transaction. The
// message id is derived from the transaction so consumers can drop repeats.
func (p *Publisher) CancelPayment(ctx context.Context, reservationID uuid.UUID, transactionID string) error {
	body, err := json.Marshal(cancelPayment{
		ReservationID: reservationID,
		TransactionID: transactionID,
		RequestedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.Publish(ctx, CancelPaymentKey, amqp.Publishing{
		MessageId:   "cancel:" + transactionID,
		Type:        CancelPaymentType,
		ContentType: "application/json",
		Body:        body,
	})
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
