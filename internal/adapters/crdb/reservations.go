package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/experience-bookings/internal/domain"
)

const reservationColumns = `id, time_slot_id, user_id, payment_transaction_id, number_of_guests, status, hold_expires_at, created_at, updated_at`

func scanReservation(row pgx.Row, res *domain.Reservation) error {
	var status string
	if err := row.Scan(&res.ID, &res.TimeSlotID, &res.UserID, &res.PaymentTransactionID, &res.NumberOfGuests,
		&status, &res.HoldExpiresAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return err
	}
	res.Status = domain.ReservationStatus(status)
	return nil
}

func (r *Repository) InsertReservation(ctx context.Context, tx pgx.Tx, res domain.Reservation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservations (id, time_slot_id, user_id, payment_transaction_id, number_of_guests, status, hold_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, res.ID, res.TimeSlotID, res.UserID, res.PaymentTransactionID, res.NumberOfGuests, string(res.Status),
		res.HoldExpiresAt, res.CreatedAt, res.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Mark(err, domain.ErrConflict)
	}
	return errors.Wrapf(err, "insert reservation %s", res.ID)
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	var res domain.Reservation
	err := scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id), &res)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get reservation %s", id)
	}
	return &res, nil
}

// LockReservation reads the reservation with FOR UPDATE so concurrent
// transitions of the same row serialize.
func (r *Repository) LockReservation(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Reservation, error) {
	var res domain.Reservation
	err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id), &res)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock reservation %s", id)
	}
	return &res, nil
}

// Transition moves a reservation from one status to another inside tx and
// writes the matching outbox event. It returns false without error when the
// row is no longer in status from, which means another actor got there first.
func (r *Repository) Transition(ctx context.Context, tx pgx.Tx, t domain.Transition) (bool, error) {
	if !t.From.CanTransitionTo(t.To) {
		return false, domain.Reject(domain.ReasonInvalidTransition, string(t.From)+" -> "+string(t.To))
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}

	var timeSlotID, userID uuid.UUID
	err := tx.QueryRow(ctx, `
		UPDATE reservations
		SET status = $3, hold_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING time_slot_id, user_id
	`, t.ReservationID, string(t.From), string(t.To), t.At).Scan(&timeSlotID, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "transition reservation %s", t.ReservationID)
	}
	t.TimeSlotID, t.UserID = timeSlotID, userID

	if err := r.insertTransitionEvent(ctx, tx, t); err != nil {
		return false, err
	}
	return true, nil
}

// TransitionReservation runs Transition in its own Serializable transaction.
func (r *Repository) TransitionReservation(ctx context.Context, t domain.Transition) (bool, error) {
	var applied bool
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		applied, err = r.Transition(ctx, tx, t)
		return err
	})
	return applied, err
}

func (r *Repository) AttachPaymentTransaction(ctx context.Context, tx pgx.Tx, id uuid.UUID, transactionID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE reservations SET payment_transaction_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, transactionID)
	if err != nil {
		return errors.Wrapf(err, "attach payment to reservation %s", id)
	}
	if tag.RowsAffected() == 0 {
		return domain.Reject(domain.ReasonInvalidTransition, "reservation is not pending")
	}
	return nil
}

// RecordReservationEvent writes an outbox event for a freshly inserted reservation.
func (r *Repository) RecordReservationEvent(ctx context.Context, tx pgx.Tx, res domain.Reservation) error {
	return r.insertTransitionEvent(ctx, tx, domain.Transition{
		ReservationID: res.ID,
		TimeSlotID:    res.TimeSlotID,
		UserID:        res.UserID,
		To:            res.Status,
		Actor:         domain.ActorUser,
		At:            res.CreatedAt,
	})
}

func (r *Repository) insertTransitionEvent(ctx context.Context, tx pgx.Tx, t domain.Transition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.InsertOutbox(ctx, tx, OutboxRecord{
		ID:            uuid.New(),
		AggregateType: "reservation",
		AggregateID:   t.ReservationID,
		EventType:     "reservation." + string(t.To),
		Payload:       payload,
		DedupeKey:     t.ReservationID.String() + ":" + string(t.To),
	})
}

// FindOrphanedPending returns pending reservations without a payment
// transaction created before createdBefore, ordered by (created_at, id) and
// strictly after the cursor.
func (r *Repository) FindOrphanedPending(ctx context.Context, createdBefore time.Time, after domain.SweepCursor, limit int) ([]domain.Reservation, error) {
	return r.findReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = 'pending' AND (payment_transaction_id IS NULL OR payment_transaction_id = '') AND created_at < $1
			AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id LIMIT $4
	`, createdBefore, after.At, after.ID, limit)
}

// FindStalePending returns pending reservations that have a payment
// transaction but were created before createdBefore.
func (r *Repository) FindStalePending(ctx context.Context, createdBefore time.Time, after domain.SweepCursor, limit int) ([]domain.Reservation, error) {
	return r.findReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = 'pending' AND payment_transaction_id IS NOT NULL AND payment_transaction_id <> '' AND created_at < $1
			AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id LIMIT $4
	`, createdBefore, after.At, after.ID, limit)
}

// FindExpiredHolds pages by (hold_expires_at, id).
func (r *Repository) FindExpiredHolds(ctx context.Context, now time.Time, after domain.SweepCursor, limit int) ([]domain.Reservation, error) {
	return r.findReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = 'held' AND hold_expires_at <= $1
			AND (hold_expires_at, id) > ($2, $3)
		ORDER BY hold_expires_at, id LIMIT $4
	`, now, after.At, after.ID, limit)
}

func (r *Repository) findReservations(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query reservations")
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := scanReservation(rows, &res); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
