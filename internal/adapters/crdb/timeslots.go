package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/experience-bookings/internal/domain"
)

func (r *Repository) InsertAvailabilityRule(ctx context.Context, rule domain.AvailabilityRule) error {
	days := make([]int32, len(rule.DaysOfWeek))
	for i, d := range rule.DaysOfWeek {
		days[i] = int32(d)
	}
	var endDate *time.Time
	if rule.EndDate != nil {
		d := *rule.EndDate
		endDate = &d
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO availability_rules (id, experience_id, start_date, end_date, days_of_week, times, max_capacity, timezone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, rule.ID, rule.ExperienceID, rule.StartDate, endDate, days, rule.Times, rule.MaxCapacity, rule.Timezone)
	return errors.Wrapf(err, "insert availability rule %s", rule.ID)
}

// ExistingSlotTimes returns the instants already generated for a rule, keyed
// by Unix seconds.
func (r *Repository) ExistingSlotTimes(ctx context.Context, availabilityID uuid.UUID) (map[int64]struct{}, error) {
	rows, err := r.pool.Query(ctx, `SELECT slot_date_time FROM time_slots WHERE availability_id = $1`, availabilityID)
	if err != nil {
		return nil, errors.Wrap(err, "query existing slots")
	}
	defer rows.Close()

	existing := make(map[int64]struct{})
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		existing[at.Unix()] = struct{}{}
	}
	return existing, rows.Err()
}

// InsertTimeSlots inserts slots one by one. A slot whose (availability_id,
// slot_date_time) already exists is skipped. On failure the number of rows
// inserted so far is returned with the error; those rows stay committed.
func (r *Repository) InsertTimeSlots(ctx context.Context, slots []domain.TimeSlot) (int, error) {
	created := 0
	for _, s := range slots {
		tag, err := r.pool.Exec(ctx, `
			INSERT INTO time_slots (id, experience_id, availability_id, slot_date_time, slot_date, slot_time, max_capacity, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (availability_id, slot_date_time) DO NOTHING
		`, s.ID, s.ExperienceID, s.AvailabilityID, s.SlotDateTime, s.SlotDate, s.SlotTime, s.MaxCapacity, string(s.Status))
		if err != nil {
			return created, errors.Wrapf(err, "insert slot %s", s.SlotDateTime.Format(time.RFC3339))
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

func (r *Repository) SetTimeSlotStatus(ctx context.Context, slotID uuid.UUID, status domain.SlotStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE time_slots SET status = $2 WHERE id = $1`, slotID, string(status))
	if err != nil {
		return errors.Wrapf(err, "update slot %s status", slotID)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetTimeSlot reads a slot and its occupancy from one Repeatable Read snapshot.
func (r *Repository) GetTimeSlot(ctx context.Context, slotID uuid.UUID, includeHeld bool) (*domain.TimeSlot, error) {
	var slot domain.TimeSlot
	err := r.WithSnapshot(ctx, func(tx pgx.Tx) error {
		err := scanSlot(tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM time_slots WHERE id = $1`, slotID), &slot)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		slot.BookedCount, err = r.BookedCount(ctx, tx, slotID, domain.OccupancyStatuses(includeHeld))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

func (r *Repository) ListTimeSlots(ctx context.Context, experienceID uuid.UUID, from, to time.Time, includeHeld bool) ([]domain.TimeSlot, error) {
	var slots []domain.TimeSlot
	err := r.WithSnapshot(ctx, func(tx pgx.Tx) error {
		slots = slots[:0]
		rows, err := tx.Query(ctx, `
			SELECT ts.id, ts.experience_id, ts.availability_id, ts.slot_date_time, ts.slot_date::TEXT, ts.slot_time,
				ts.max_capacity, ts.status, ts.created_at,
				COALESCE((SELECT SUM(r.number_of_guests) FROM reservations r
					WHERE r.time_slot_id = ts.id AND r.status = ANY($4)), 0)::INT
			FROM time_slots ts
			WHERE ts.experience_id = $1 AND ts.slot_date_time >= $2 AND ts.slot_date_time < $3
			ORDER BY ts.slot_date_time
		`, experienceID, from, to, domain.StatusStrings(domain.OccupancyStatuses(includeHeld)))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s domain.TimeSlot
			var status string
			if err := rows.Scan(&s.ID, &s.ExperienceID, &s.AvailabilityID, &s.SlotDateTime, &s.SlotDate, &s.SlotTime,
				&s.MaxCapacity, &status, &s.CreatedAt, &s.BookedCount); err != nil {
				return err
			}
			s.Status = domain.SlotStatus(status)
			slots = append(slots, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list slots of experience %s", experienceID)
	}
	return slots, nil
}
