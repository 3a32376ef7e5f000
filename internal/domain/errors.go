package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrLockTimeout          = errors.New("lock wait timeout")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
)

type RejectReason string

const (
	ReasonTimeSlotNotFound     RejectReason = "TIME_SLOT_NOT_FOUND"
	ReasonTimeSlotNotAvailable RejectReason = "TIME_SLOT_NOT_AVAILABLE"
	ReasonNotEnoughCapacity    RejectReason = "NOT_ENOUGH_CAPACITY"
	ReasonHoldExpired          RejectReason = "HOLD_EXPIRED"
	ReasonInvalidTransition    RejectReason = "INVALID_TRANSITION"
)

// RejectionError is an expected business outcome, never a fault.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func Reject(reason RejectReason, detail string) error {
	return &RejectionError{Reason: reason, Detail: detail}
}

// AsRejection reports whether err carries a business rejection.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsTransient reports whether the caller may retry the operation later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSerializationFailure) || errors.Is(err, ErrLockTimeout)
}
