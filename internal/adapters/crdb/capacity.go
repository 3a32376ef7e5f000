package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

const slotColumns = `id, experience_id, availability_id, slot_date_time, slot_date::TEXT, slot_time, max_capacity, status, created_at`

func scanSlot(row pgx.Row, s *domain.TimeSlot) error {
	var status string
	if err := row.Scan(&s.ID, &s.ExperienceID, &s.AvailabilityID, &s.SlotDateTime, &s.SlotDate, &s.SlotTime, &s.MaxCapacity, &status, &s.CreatedAt); err != nil {
		return err
	}
	s.Status = domain.SlotStatus(status)
	return nil
}

// BookedCount sums guests over reservations on the slot whose status is in
// statuses. Holds past their expiry no longer occupy the slot even before a
// sweep has moved them to expired.
func (r *Repository) BookedCount(ctx context.Context, q Querier, slotID uuid.UUID, statuses []domain.ReservationStatus) (int, error) {
	var booked int
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(number_of_guests), 0)::INT
		FROM reservations
		WHERE time_slot_id = $1 AND status = ANY($2)
			AND (status <> 'held' OR hold_expires_at > now())
	`, slotID, domain.StatusStrings(statuses)).Scan(&booked)
	if err != nil {
		return 0, errors.Wrapf(err, "sum occupancy of slot %s", slotID)
	}
	return booked, nil
}

// CheckAndReserveCapacity must run inside tx. It takes an exclusive row lock
// on the slot, recounts occupancy under that lock and decides whether guests
// more fit. The lock is held until tx ends, so the caller must write its
// reservation through the same tx. Business rejections are returned in the
// result, never as an error.
func (r *Repository) CheckAndReserveCapacity(ctx context.Context, tx pgx.Tx, slotID uuid.UUID, guests int, includeHeld bool) (domain.CapacityResult, error) {
	var slot domain.TimeSlot
	err := scanSlot(tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM time_slots WHERE id = $1 FOR UPDATE`, slotID), &slot)
	if errors.Is(err, pgx.ErrNoRows) {
		return reject(domain.ReasonTimeSlotNotFound, nil), nil
	}
	if err != nil {
		return domain.CapacityResult{}, errors.Wrapf(err, "lock slot %s", slotID)
	}

	slot.BookedCount, err = r.BookedCount(ctx, tx, slotID, domain.OccupancyStatuses(includeHeld))
	if err != nil {
		return domain.CapacityResult{}, err
	}

	if slot.Status != domain.SlotAvailable {
		return reject(domain.ReasonTimeSlotNotAvailable, &slot), nil
	}
	if slot.MaxCapacity-slot.BookedCount < guests {
		return reject(domain.ReasonNotEnoughCapacity, &slot), nil
	}

	observability.CapacityDecisions.WithLabelValues("accepted").Inc()
	return domain.CapacityResult{Success: true, TimeSlot: &slot}, nil
}

func reject(reason domain.RejectReason, slot *domain.TimeSlot) domain.CapacityResult {
	observability.CapacityDecisions.WithLabelValues(string(reason)).Inc()
	return domain.CapacityResult{Success: false, Reason: reason, TimeSlot: slot}
}
