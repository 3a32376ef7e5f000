package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

// memLedger keeps ledger rows in memory. Rows written inside a failed
// WithTx are rolled back, MarkWebhookFailed writes outside of it.
type memLedger struct {
	mu   sync.Mutex
	rows map[string]domain.WebhookEvent
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]domain.WebhookEvent)}
}

func (l *memLedger) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	saved := make(map[string]domain.WebhookEvent, len(l.rows))
	for k, v := range l.rows {
		saved[k] = v
	}
	if err := fn(nil); err != nil {
		l.rows = saved
		return err
	}
	return nil
}

func (l *memLedger) RecordWebhookIfNew(_ context.Context, _ pgx.Tx, evt domain.WebhookEvent) (bool, error) {
	if existing, ok := l.rows[evt.ExternalID]; ok {
		return existing.Status != domain.WebhookProcessed, nil
	}
	evt.Status = domain.WebhookReceived
	l.rows[evt.ExternalID] = evt
	return true, nil
}

func (l *memLedger) MarkWebhookProcessed(_ context.Context, _ pgx.Tx, id string, took time.Duration) error {
	row := l.rows[id]
	row.Status = domain.WebhookProcessed
	row.ProcessingDuration = took
	row.ErrorMessage, row.ErrorCode = "", ""
	l.rows[id] = row
	return nil
}

func (l *memLedger) MarkWebhookFailed(_ context.Context, evt domain.WebhookEvent, took time.Duration, message, code string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[evt.ExternalID]
	if !ok {
		row = evt
	}
	row.Status = domain.WebhookFailed
	row.ErrorMessage = message
	row.ErrorCode = code
	row.ProcessingDuration = took
	row.RetryCount++
	l.rows[evt.ExternalID] = row
	return nil
}

type fakePayments struct {
	confirms int
	fails    int
	status   map[uuid.UUID]domain.ReservationStatus
	err      error
}

func (f *fakePayments) Confirm(_ context.Context, _ pgx.Tx, id uuid.UUID, _ string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.status[id] != domain.StatusPending {
		return false, nil
	}
	f.confirms++
	f.status[id] = domain.StatusConfirmed
	return true, nil
}

func (f *fakePayments) FailPayment(_ context.Context, _ pgx.Tx, id uuid.UUID, _ string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.status[id] != domain.StatusPending {
		return false, nil
	}
	f.fails++
	f.status[id] = domain.StatusCancelled
	return true, nil
}

func event(t *testing.T, id, typ string, reservationID uuid.UUID) Event {
	t.Helper()
	data, err := json.Marshal(map[string]string{"reservation_id": reservationID.String(), "transaction_id": "pi_1"})
	require.NoError(t, err)
	return Event{ID: id, Type: typ, Data: data}
}

func setup() (*Processor, *memLedger, *fakePayments, uuid.UUID) {
	id := uuid.New()
	ledger := newMemLedger()
	payments := &fakePayments{status: map[uuid.UUID]domain.ReservationStatus{id: domain.StatusPending}}
	return NewProcessor(ledger, payments, "stripe", observability.NewNopLogger()), ledger, payments, id
}

func TestHandle_SameEventTwiceAppliesOnce(t *testing.T) {
	p, ledger, payments, resID := setup()
	evt := event(t, "evt_1", TypePaymentSucceeded, resID)

	first, err := p.Handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, Result{Applied: true}, first)

	second, err := p.Handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, Result{Duplicate: true}, second)

	assert.Equal(t, 1, payments.confirms)
	assert.Equal(t, domain.StatusConfirmed, payments.status[resID])
	assert.Equal(t, domain.WebhookProcessed, ledger.rows["evt_1"].Status)
	assert.Equal(t, "stripe", ledger.rows["evt_1"].Provider)
}

func TestHandle_FailureKeepsRowAndAllowsRetry(t *testing.T) {
	p, ledger, payments, resID := setup()
	evt := event(t, "evt_2", TypePaymentFailed, resID)

	payments.err = errors.Mark(errors.New("restart transaction"), domain.ErrSerializationFailure)
	_, err := p.Handle(context.Background(), evt)
	require.Error(t, err)
	_, err = p.Handle(context.Background(), evt)
	require.Error(t, err)

	row := ledger.rows["evt_2"]
	assert.Equal(t, domain.WebhookFailed, row.Status)
	assert.Equal(t, CodeTransient, row.ErrorCode)
	assert.Equal(t, 2, row.RetryCount)

	payments.err = nil
	res, err := p.Handle(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.StatusCancelled, payments.status[resID])
	assert.Equal(t, domain.WebhookProcessed, ledger.rows["evt_2"].Status)
	assert.Equal(t, 2, ledger.rows["evt_2"].RetryCount, "retry history survives success")
}

func TestHandle_InvalidPayloadIsRecorded(t *testing.T) {
	p, ledger, _, _ := setup()

	_, err := p.Handle(context.Background(), Event{ID: "evt_3", Type: TypePaymentSucceeded, Data: json.RawMessage(`{"reservation_id":"nope"}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	assert.Equal(t, CodeInvalidPayload, ledger.rows["evt_3"].ErrorCode)

	_, err = p.Handle(context.Background(), Event{Type: TypePaymentSucceeded})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestHandle_UnknownTypeIsProcessedWithoutEffects(t *testing.T) {
	p, ledger, payments, resID := setup()

	res, err := p.Handle(context.Background(), event(t, "evt_4", "charge.dispute.created", resID))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Zero(t, payments.confirms+payments.fails)
	assert.Equal(t, domain.WebhookProcessed, ledger.rows["evt_4"].Status)
}

func TestHandle_DifferentEventsForSameReservation(t *testing.T) {
	p, _, payments, resID := setup()

	_, err := p.Handle(context.Background(), event(t, "evt_5", TypePaymentSucceeded, resID))
	require.NoError(t, err)
	res, err := p.Handle(context.Background(), event(t, "evt_6", TypePaymentCanceled, resID))
	require.NoError(t, err)

	assert.False(t, res.Applied, "confirmed reservation is not cancelled by a late event")
	assert.Equal(t, domain.StatusConfirmed, payments.status[resID])
}

func TestHandleMessage(t *testing.T) {
	p, _, payments, resID := setup()

	body, err := json.Marshal(event(t, "evt_7", TypePaymentSucceeded, resID))
	require.NoError(t, err)
	require.NoError(t, p.HandleMessage(context.Background(), body))
	assert.Equal(t, domain.StatusConfirmed, payments.status[resID])

	err = p.HandleMessage(context.Background(), []byte("{not json"))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}
