// Package webhook applies payment provider events exactly once per external
// event id.
package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

const (
	TypePaymentSucceeded = "payment.succeeded"
	TypePaymentFailed    = "payment.failed"
	TypePaymentCanceled  = "payment.canceled"

	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeNotFound       = "RESERVATION_NOT_FOUND"
	CodeTransient      = "TRANSIENT"
	CodeInternal       = "INTERNAL"
)

type Ledger interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	RecordWebhookIfNew(ctx context.Context, tx pgx.Tx, evt domain.WebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, tx pgx.Tx, externalID string, took time.Duration) error
	MarkWebhookFailed(ctx context.Context, evt domain.WebhookEvent, took time.Duration, message, code string) error
}

// PaymentApplier performs reservation transitions inside the ledger transaction.
type PaymentApplier interface {
	Confirm(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, transactionID string) (bool, error)
	FailPayment(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, reason string) (bool, error)
}

// Event is the provider envelope after signature verification.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type paymentData struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	TransactionID string    `json:"transaction_id"`
	FailureReason string    `json:"failure_reason"`
}

type Result struct {
	Duplicate bool `json:"duplicate"`
	Applied   bool `json:"applied"`
}

type Processor struct {
	ledger   Ledger
	payments PaymentApplier
	provider string
	logger   observability.Logger
}

func NewProcessor(ledger Ledger, payments PaymentApplier, provider string, logger observability.Logger) *Processor {
	return &Processor{ledger: ledger, payments: payments, provider: provider, logger: logger}
}

// Handle records evt in the ledger and applies its side effects in the same
// transaction. A redelivered event that was already processed returns
// Duplicate without touching any reservation. When processing fails the
// ledger row is kept as failed with its retry count raised, and the event is
// processed again on the next delivery.
func (p *Processor) Handle(ctx context.Context, evt Event) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "webhook.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", evt.ID), attribute.String("event.type", evt.Type))

	if evt.ID == "" || evt.Type == "" {
		return Result{}, errors.Wrap(domain.ErrInvalidInput, "event id and type are required")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Result{}, errors.Mark(err, domain.ErrInvalidInput)
	}
	record := domain.WebhookEvent{
		ID:         uuid.New(),
		ExternalID: evt.ID,
		Provider:   p.provider,
		Type:       evt.Type,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	log := p.logger.WithFields(map[string]interface{}{"event_id": evt.ID, "event_type": evt.Type})

	start := time.Now()
	var result Result
	err = p.ledger.WithTx(ctx, func(tx pgx.Tx) error {
		result = Result{}
		isNew, err := p.ledger.RecordWebhookIfNew(ctx, tx, record)
		if err != nil {
			return err
		}
		if !isNew {
			result.Duplicate = true
			return nil
		}
		result.Applied, err = p.apply(ctx, tx, evt)
		if err != nil {
			return err
		}
		return p.ledger.MarkWebhookProcessed(ctx, tx, evt.ID, time.Since(start))
	})
	took := time.Since(start)

	if err != nil {
		code := errorCode(err)
		observability.WebhookEvents.WithLabelValues(evt.Type, "failed").Inc()
		log.WithField("code", code).WithError(err).Error("webhook processing failed")
		if markErr := p.ledger.MarkWebhookFailed(context.WithoutCancel(ctx), record, took, err.Error(), code); markErr != nil {
			log.WithError(markErr).Error("recording webhook failure failed")
		}
		return Result{}, err
	}

	outcome := "processed"
	if result.Duplicate {
		outcome = "duplicate"
	}
	observability.WebhookEvents.WithLabelValues(evt.Type, outcome).Inc()
	log.WithFields(map[string]interface{}{"duplicate": result.Duplicate, "applied": result.Applied}).Info("webhook handled")
	return result, nil
}

func (p *Processor) apply(ctx context.Context, tx pgx.Tx, evt Event) (bool, error) {
	switch evt.Type {
	case TypePaymentSucceeded, TypePaymentFailed, TypePaymentCanceled:
	default:
		// Recorded so redeliveries stay no-ops, nothing to apply.
		return false, nil
	}

	var data paymentData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return false, errors.Mark(errors.Wrap(err, "decode payment data"), domain.ErrInvalidInput)
	}
	if data.ReservationID == uuid.Nil {
		return false, errors.Wrap(domain.ErrInvalidInput, "reservation_id is required")
	}

	if evt.Type == TypePaymentSucceeded {
		return p.payments.Confirm(ctx, tx, data.ReservationID, data.TransactionID)
	}
	reason := data.FailureReason
	if reason == "" {
		reason = evt.Type
	}
	return p.payments.FailPayment(ctx, tx, data.ReservationID, reason)
}

func errorCode(err error) string {
	if rej, ok := domain.AsRejection(err); ok {
		return string(rej.Reason)
	}
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return CodeInvalidPayload
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case domain.IsTransient(err):
		return CodeTransient
	}
	return CodeInternal
}

// HandleMessage adapts Handle to broker deliveries carrying the same envelope.
// Undecodable bodies are reported as invalid input so they are not requeued.
func (p *Processor) HandleMessage(ctx context.Context, body []byte) error {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return errors.Mark(errors.Wrap(err, "decode payment event"), domain.ErrInvalidInput)
	}
	_, err := p.Handle(ctx, evt)
	return err
}
