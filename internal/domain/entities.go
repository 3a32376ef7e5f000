package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotAvailable   SlotStatus = "available"
	SlotUnavailable SlotStatus = "unavailable"
)

// TimeSlot is one bookable occurrence of an experience. BookedCount is derived
// from reservations at read time and is never persisted.
type TimeSlot struct {
	ID             uuid.UUID  `json:"id"`
	ExperienceID   uuid.UUID  `json:"experience_id"`
	AvailabilityID uuid.UUID  `json:"availability_id"`
	SlotDateTime   time.Time  `json:"slot_date_time"`
	SlotDate       string     `json:"slot_date"`
	SlotTime       string     `json:"slot_time"`
	MaxCapacity    int        `json:"max_capacity"`
	Status         SlotStatus `json:"status"`
	BookedCount    int        `json:"booked_count"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (s TimeSlot) Remaining() int {
	if rem := s.MaxCapacity - s.BookedCount; rem > 0 {
		return rem
	}
	return 0
}

type Reservation struct {
	ID                   uuid.UUID         `json:"id"`
	TimeSlotID           uuid.UUID         `json:"time_slot_id"`
	UserID               uuid.UUID         `json:"user_id"`
	PaymentTransactionID *string           `json:"payment_transaction_id,omitempty"`
	NumberOfGuests       int               `json:"number_of_guests"`
	Status               ReservationStatus `json:"status"`
	HoldExpiresAt        *time.Time        `json:"hold_expires_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func (r Reservation) HasPaymentTransaction() bool {
	return r.PaymentTransactionID != nil && *r.PaymentTransactionID != ""
}

// AvailabilityRule is the host-authored recurrence from which time slots are
// generated. An empty DaysOfWeek makes it a one-time rule on StartDate.
type AvailabilityRule struct {
	ID           uuid.UUID      `json:"id"`
	ExperienceID uuid.UUID      `json:"experience_id"`
	StartDate    time.Time      `json:"start_date"`
	EndDate      *time.Time     `json:"end_date,omitempty"`
	DaysOfWeek   []time.Weekday `json:"days_of_week,omitempty"`
	Times        []string       `json:"times"`
	MaxCapacity  int            `json:"max_capacity"`
	Timezone     string         `json:"timezone"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (r AvailabilityRule) Recurring() bool {
	return len(r.DaysOfWeek) > 0
}

type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "received"
	WebhookProcessed WebhookStatus = "processed"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookEvent is the ledger row for one provider delivery, keyed by the
// provider-assigned ExternalID.
type WebhookEvent struct {
	ID                 uuid.UUID       `json:"id"`
	ExternalID         string          `json:"external_id"`
	Provider           string          `json:"provider"`
	Type               string          `json:"type"`
	Payload            json.RawMessage `json:"payload"`
	Status             WebhookStatus   `json:"status"`
	ReceivedAt         time.Time       `json:"received_at"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	ProcessingDuration time.Duration   `json:"processing_duration"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	ErrorCode          string          `json:"error_code,omitempty"`
	RetryCount         int             `json:"retry_count"`
}
