package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

const (
	PaymentEventsQueue = "bookings.payment-events"
	PaymentEventsKey   = "payment.*"
)

// Handler processes one delivery body. Returning an error that is not
// domain.ErrInvalidInput requeues the message.
type Handler func(ctx context.Context, body []byte) error

type Consumer struct {
	ch     *amqp.Channel
	queue  string
	logger observability.Logger
}

func NewConsumer(conn *amqp.Connection, queue, bindingKey string, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, err
	}
	if err := ch.QueueBind(queue, bindingKey, Exchange, false, nil); err != nil {
		return nil, err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return nil, err
	}
	return &Consumer{ch: ch, queue: queue, logger: logger}, nil
}

// Consume blocks until ctx is done or the channel closes.
func (c *Consumer) Consume(ctx context.Context, handle Handler) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return c.ch.Close()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbit delivery channel closed")
			}
			c.dispatch(ctx, d, handle)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handle Handler) {
	log := c.logger.WithFields(map[string]interface{}{"message_id": d.MessageId, "routing_key": d.RoutingKey})
	err := handle(ctx, d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.WithError(ackErr).Warn("ack failed")
		}
		return
	}
	requeue := !errors.Is(err, domain.ErrInvalidInput)
	log.WithField("requeue", requeue).WithError(err).Error("message handling failed")
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		log.WithError(nackErr).Warn("nack failed")
	}
}
