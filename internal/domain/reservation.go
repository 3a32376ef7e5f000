package domain

import (
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	StatusHeld      ReservationStatus = "held"
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusExpired   ReservationStatus = "expired"
	StatusCancelled ReservationStatus = "cancelled"
)

var transitions = map[ReservationStatus][]ReservationStatus{
	StatusHeld:      {StatusPending, StatusExpired, StatusCancelled},
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled},
}

func (s ReservationStatus) CanTransitionTo(next ReservationStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s ReservationStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

var (
	// DefaultOccupancy is used by ordinary booking attempts.
	DefaultOccupancy = []ReservationStatus{StatusPending, StatusConfirmed}
	// ExtendedOccupancy also blocks on unconfirmed holds.
	ExtendedOccupancy = []ReservationStatus{StatusHeld, StatusPending, StatusConfirmed}
)

func OccupancyStatuses(includeHeld bool) []ReservationStatus {
	if includeHeld {
		return ExtendedOccupancy
	}
	return DefaultOccupancy
}

func StatusStrings(statuses []ReservationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func NewHold(timeSlotID, userID uuid.UUID, guests int, ttl time.Duration, now time.Time) Reservation {
	expiresAt := now.Add(ttl)
	return Reservation{
		ID:             uuid.New(),
		TimeSlotID:     timeSlotID,
		UserID:         userID,
		NumberOfGuests: guests,
		Status:         StatusHeld,
		HoldExpiresAt:  &expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func NewPendingReservation(timeSlotID, userID uuid.UUID, guests int, now time.Time) Reservation {
	return Reservation{
		ID:             uuid.New(),
		TimeSlotID:     timeSlotID,
		UserID:         userID,
		NumberOfGuests: guests,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition records a status change for auditing and event publication.
type Transition struct {
	ReservationID uuid.UUID         `json:"reservation_id"`
	TimeSlotID    uuid.UUID         `json:"time_slot_id"`
	UserID        uuid.UUID         `json:"user_id"`
	From          ReservationStatus `json:"from"`
	To            ReservationStatus `json:"to"`
	Reason        string            `json:"reason,omitempty"`
	Actor         string            `json:"actor"`
	At            time.Time         `json:"at"`
}

const (
	ActorSystem  = "system"
	ActorUser    = "user"
	ActorWebhook = "webhook"
)

// SweepCursor is a keyset position in a cleanup scan ordered by (At, ID).
// The zero value starts from the beginning.
type SweepCursor struct {
	At time.Time
	ID uuid.UUID
}

// CapacityResult is the outcome of the locking capacity check. A false
// Success always carries a Reason.
type CapacityResult struct {
	Success  bool         `json:"success"`
	TimeSlot *TimeSlot    `json:"time_slot,omitempty"`
	Reason   RejectReason `json:"reason,omitempty"`
}
