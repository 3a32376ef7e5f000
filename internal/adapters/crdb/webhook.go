package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/experience-bookings/internal/domain"
)

// RecordWebhookIfNew claims evt.ExternalID inside tx. It returns true when the
// caller should apply the event's side effects: the id was never seen, or an
// earlier attempt failed. A concurrent delivery of the same id blocks on the
// unique index or the row lock until this tx ends.
func (r *Repository) RecordWebhookIfNew(ctx context.Context, tx pgx.Tx, evt domain.WebhookEvent) (bool, error) {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now().UTC()
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO webhook_events (id, external_event_id, provider, event_type, payload, status, received_at)
		VALUES ($1, $2, $3, $4, $5, 'received', $6)
		ON CONFLICT (external_event_id) DO NOTHING
	`, evt.ID, evt.ExternalID, evt.Provider, evt.Type, []byte(evt.Payload), evt.ReceivedAt)
	if err != nil {
		return false, errors.Wrapf(err, "record webhook %s", evt.ExternalID)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM webhook_events WHERE external_event_id = $1 FOR UPDATE
	`, evt.ExternalID).Scan(&status)
	if err != nil {
		return false, errors.Wrapf(err, "lock webhook %s", evt.ExternalID)
	}
	return domain.WebhookStatus(status) != domain.WebhookProcessed, nil
}

func (r *Repository) MarkWebhookProcessed(ctx context.Context, tx pgx.Tx, externalID string, took time.Duration) error {
	_, err := tx.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'processed', processed_at = now(), processing_duration_ms = $2, error_message = NULL, error_code = NULL
		WHERE external_event_id = $1
	`, externalID, took.Milliseconds())
	return errors.Wrapf(err, "mark webhook %s processed", externalID)
}

// MarkWebhookFailed runs outside the failed processing transaction so the
// failure survives its rollback. The row is kept and retry_count incremented.
func (r *Repository) MarkWebhookFailed(ctx context.Context, evt domain.WebhookEvent, took time.Duration, message, code string) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, external_event_id, provider, event_type, payload, status, received_at,
			processing_duration_ms, error_message, error_code, retry_count)
		VALUES ($1, $2, $3, $4, $5, 'failed', now(), $6, $7, $8, 1)
		ON CONFLICT (external_event_id) DO UPDATE
		SET status = 'failed',
			processing_duration_ms = excluded.processing_duration_ms,
			error_message = excluded.error_message,
			error_code = excluded.error_code,
			retry_count = webhook_events.retry_count + 1
		WHERE webhook_events.status <> 'processed'
	`, evt.ID, evt.ExternalID, evt.Provider, evt.Type, []byte(evt.Payload), took.Milliseconds(), message, code)
	return errors.Wrapf(err, "mark webhook %s failed", evt.ExternalID)
}

func (r *Repository) GetWebhookEvent(ctx context.Context, externalID string) (*domain.WebhookEvent, error) {
	var (
		evt        domain.WebhookEvent
		status     string
		durationMS *int64
		errMsg     *string
		errCode    *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, external_event_id, provider, event_type, payload, status, received_at, processed_at,
			processing_duration_ms, error_message, error_code, retry_count
		FROM webhook_events WHERE external_event_id = $1
	`, externalID).Scan(&evt.ID, &evt.ExternalID, &evt.Provider, &evt.Type, &evt.Payload, &status, &evt.ReceivedAt,
		&evt.ProcessedAt, &durationMS, &errMsg, &errCode, &evt.RetryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get webhook %s", externalID)
	}
	evt.Status = domain.WebhookStatus(status)
	if durationMS != nil {
		evt.ProcessingDuration = time.Duration(*durationMS) * time.Millisecond
	}
	if errMsg != nil {
		evt.ErrorMessage = *errMsg
	}
	if errCode != nil {
		evt.ErrorCode = *errCode
	}
	return &evt, nil
}
