package domain_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/robertarktes/experience-bookings/internal/domain"
)

func TestReservationStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to domain.ReservationStatus
		ok       bool
	}{
		{domain.StatusHeld, domain.StatusPending, true},
		{domain.StatusHeld, domain.StatusExpired, true},
		{domain.StatusHeld, domain.StatusCancelled, true},
		{domain.StatusHeld, domain.StatusConfirmed, false},
		{domain.StatusPending, domain.StatusConfirmed, true},
		{domain.StatusPending, domain.StatusCancelled, true},
		{domain.StatusPending, domain.StatusExpired, false},
		{domain.StatusConfirmed, domain.StatusCancelled, true},
		{domain.StatusConfirmed, domain.StatusPending, false},
		{domain.StatusExpired, domain.StatusPending, false},
		{domain.StatusCancelled, domain.StatusConfirmed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}

	assert.True(t, domain.StatusExpired.Terminal())
	assert.True(t, domain.StatusCancelled.Terminal())
	assert.False(t, domain.StatusConfirmed.Terminal())
}

func TestOccupancyStatuses(t *testing.T) {
	assert.Equal(t, []string{"pending", "confirmed"}, domain.StatusStrings(domain.OccupancyStatuses(false)))
	assert.Equal(t, []string{"held", "pending", "confirmed"}, domain.StatusStrings(domain.OccupancyStatuses(true)))
}

func TestNewHold_SetsExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	hold := domain.NewHold(uuid.New(), uuid.New(), 2, 10*time.Minute, now)

	assert.Equal(t, domain.StatusHeld, hold.Status)
	if assert.NotNil(t, hold.HoldExpiresAt) {
		assert.Equal(t, now.Add(10*time.Minute), *hold.HoldExpiresAt)
	}

	pending := domain.NewPendingReservation(uuid.New(), uuid.New(), 2, now)
	assert.Nil(t, pending.HoldExpiresAt)
	assert.False(t, pending.HasPaymentTransaction())
}

func TestRejectionAndTransientClassification(t *testing.T) {
	err := errors.Wrap(domain.Reject(domain.ReasonNotEnoughCapacity, "2 left"), "reserve")
	rej, ok := domain.AsRejection(err)
	if assert.True(t, ok) {
		assert.Equal(t, domain.ReasonNotEnoughCapacity, rej.Reason)
	}
	assert.False(t, domain.IsTransient(err))

	assert.True(t, domain.IsTransient(errors.Wrap(domain.ErrLockTimeout, "lock")))
	assert.True(t, domain.IsTransient(errors.Mark(errors.New("40001"), domain.ErrSerializationFailure)))
}

func TestTimeSlot_Remaining(t *testing.T) {
	assert.Equal(t, 3, domain.TimeSlot{MaxCapacity: 10, BookedCount: 7}.Remaining())
	assert.Equal(t, 0, domain.TimeSlot{MaxCapacity: 10, BookedCount: 12}.Remaining())
}
