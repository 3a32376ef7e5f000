// Package booking runs reservation commands through the locking capacity
// protocol. Every mutation happens in one Serializable transaction that first
// locks the slot row, so accepted reservations never exceed slot capacity.
package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	CheckAndReserveCapacity(ctx context.Context, tx pgx.Tx, slotID uuid.UUID, guests int, includeHeld bool) (domain.CapacityResult, error)
	InsertReservation(ctx context.Context, tx pgx.Tx, res domain.Reservation) error
	RecordReservationEvent(ctx context.Context, tx pgx.Tx, res domain.Reservation) error
	LockReservation(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Reservation, error)
	Transition(ctx context.Context, tx pgx.Tx, t domain.Transition) (bool, error)
	AttachPaymentTransaction(ctx context.Context, tx pgx.Tx, id uuid.UUID, transactionID string) error
	GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	GetTimeSlot(ctx context.Context, slotID uuid.UUID, includeHeld bool) (*domain.TimeSlot, error)
	ListTimeSlots(ctx context.Context, experienceID uuid.UUID, from, to time.Time, includeHeld bool) ([]domain.TimeSlot, error)
	SetTimeSlotStatus(ctx context.Context, slotID uuid.UUID, status domain.SlotStatus) error
}

type Auditor interface {
	LogTransition(ctx context.Context, t domain.Transition) error
}

// HostDirectory resolves the host that owns an experience.
type HostDirectory interface {
	HostOf(ctx context.Context, experienceID uuid.UUID) (uuid.UUID, error)
}

type Service struct {
	store   Store
	auditor Auditor
	hosts   HostDirectory
	logger  observability.Logger
	holdTTL time.Duration
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// WithHostDirectory enables ownership checks on slot status changes. Without
// it any authenticated caller may toggle a slot.
func WithHostDirectory(d HostDirectory) Option {
	return func(s *Service) { s.hosts = d }
}

func NewService(store Store, logger observability.Logger, holdTTL time.Duration, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  logger,
		holdTTL: holdTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hold places a temporary claim that expires after the hold TTL. Existing
// holds count against capacity so concurrent holds cannot oversell.
func (s *Service) Hold(ctx context.Context, slotID, userID uuid.UUID, guests int) (*domain.Reservation, error) {
	return s.create(ctx, "booking.Hold", slotID, userID, guests, true, func(now time.Time) domain.Reservation {
		return domain.NewHold(slotID, userID, guests, s.holdTTL, now)
	})
}

// Reserve books directly into pending, counting only pending and confirmed
// reservations.
func (s *Service) Reserve(ctx context.Context, slotID, userID uuid.UUID, guests int) (*domain.Reservation, error) {
	return s.create(ctx, "booking.Reserve", slotID, userID, guests, false, func(now time.Time) domain.Reservation {
		return domain.NewPendingReservation(slotID, userID, guests, now)
	})
}

func (s *Service) create(ctx context.Context, op string, slotID, userID uuid.UUID, guests int, includeHeld bool,
	build func(now time.Time) domain.Reservation) (*domain.Reservation, error) {
	ctx, span := observability.StartSpan(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("time_slot_id", slotID.String()), attribute.Int("guests", guests))

	if err := validateRequest(slotID, userID, guests); err != nil {
		return nil, err
	}

	var res domain.Reservation
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := s.store.CheckAndReserveCapacity(ctx, tx, slotID, guests, includeHeld)
		if err != nil {
			return err
		}
		if !result.Success {
			return domain.Reject(result.Reason, slotID.String())
		}
		res = build(s.now())
		if err := s.store.InsertReservation(ctx, tx, res); err != nil {
			return err
		}
		return s.store.RecordReservationEvent(ctx, tx, res)
	})
	if err != nil {
		s.logOutcome(op, slotID, err)
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"reservation_id": res.ID,
		"time_slot_id":   slotID,
		"guests":         guests,
		"status":         res.Status,
	}).Info("reservation created")
	return &res, nil
}

// PromoteHold turns a live hold into a pending reservation. The slot is
// locked again and capacity re-checked against pending and confirmed
// reservations only, so the hold does not count against itself.
func (s *Service) PromoteHold(ctx context.Context, reservationID, userID uuid.UUID) (*domain.Reservation, error) {
	ctx, span := observability.StartSpan(ctx, "booking.PromoteHold")
	defer span.End()

	var promoted domain.Reservation
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := s.store.LockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if res.UserID != userID {
			return domain.ErrNotFound
		}
		if res.Status != domain.StatusHeld {
			return domain.Reject(domain.ReasonInvalidTransition, string(res.Status)+" -> pending")
		}
		now := s.now()
		if res.HoldExpiresAt != nil && !now.Before(*res.HoldExpiresAt) {
			return domain.Reject(domain.ReasonHoldExpired, res.HoldExpiresAt.Format(time.RFC3339))
		}

		result, err := s.store.CheckAndReserveCapacity(ctx, tx, res.TimeSlotID, res.NumberOfGuests, false)
		if err != nil {
			return err
		}
		if !result.Success {
			return domain.Reject(result.Reason, res.TimeSlotID.String())
		}

		applied, err := s.store.Transition(ctx, tx, domain.Transition{
			ReservationID: res.ID,
			From:          domain.StatusHeld,
			To:            domain.StatusPending,
			Actor:         domain.ActorUser,
			At:            now,
		})
		if err != nil {
			return err
		}
		if !applied {
			return domain.Reject(domain.ReasonInvalidTransition, "hold changed concurrently")
		}
		promoted = *res
		promoted.Status = domain.StatusPending
		promoted.HoldExpiresAt = nil
		promoted.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.logOutcome("booking.PromoteHold", reservationID, err)
		return nil, err
	}
	return &promoted, nil
}

// AttachPayment records the provider transaction id on a pending reservation.
func (s *Service) AttachPayment(ctx context.Context, reservationID, userID uuid.UUID, transactionID string) (*domain.Reservation, error) {
	if transactionID == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "transaction id is required")
	}
	var out domain.Reservation
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := s.store.LockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if res.UserID != userID {
			return domain.ErrNotFound
		}
		if err := s.store.AttachPaymentTransaction(ctx, tx, reservationID, transactionID); err != nil {
			return err
		}
		out = *res
		out.PaymentTransactionID = &transactionID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Confirm moves a pending reservation to confirmed inside the caller's
// transaction. It reports false when the reservation is not pending anymore.
func (s *Service) Confirm(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, transactionID string) (bool, error) {
	res, err := s.store.LockReservation(ctx, tx, reservationID)
	if err != nil {
		return false, err
	}
	if res.Status != domain.StatusPending {
		return false, nil
	}
	if transactionID != "" && !res.HasPaymentTransaction() {
		if err := s.store.AttachPaymentTransaction(ctx, tx, reservationID, transactionID); err != nil {
			return false, err
		}
	}
	return s.store.Transition(ctx, tx, domain.Transition{
		ReservationID: reservationID,
		From:          domain.StatusPending,
		To:            domain.StatusConfirmed,
		Actor:         domain.ActorWebhook,
		At:            s.now(),
	})
}

// FailPayment cancels a pending reservation inside the caller's transaction.
func (s *Service) FailPayment(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, reason string) (bool, error) {
	res, err := s.store.LockReservation(ctx, tx, reservationID)
	if err != nil {
		return false, err
	}
	if res.Status != domain.StatusPending {
		return false, nil
	}
	return s.store.Transition(ctx, tx, domain.Transition{
		ReservationID: reservationID,
		From:          domain.StatusPending,
		To:            domain.StatusCancelled,
		Reason:        reason,
		Actor:         domain.ActorWebhook,
		At:            s.now(),
	})
}

// Cancel is the user-initiated release of a hold or reservation.
func (s *Service) Cancel(ctx context.Context, reservationID, userID uuid.UUID) (*domain.Reservation, error) {
	ctx, span := observability.StartSpan(ctx, "booking.Cancel")
	defer span.End()

	var (
		out domain.Reservation
		t   domain.Transition
	)
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := s.store.LockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if res.UserID != userID {
			return domain.ErrNotFound
		}
		if !res.Status.CanTransitionTo(domain.StatusCancelled) {
			return domain.Reject(domain.ReasonInvalidTransition, string(res.Status)+" -> cancelled")
		}
		t = domain.Transition{
			ReservationID: res.ID,
			TimeSlotID:    res.TimeSlotID,
			UserID:        res.UserID,
			From:          res.Status,
			To:            domain.StatusCancelled,
			Reason:        "Cancelled by user",
			Actor:         domain.ActorUser,
			At:            s.now(),
		}
		applied, err := s.store.Transition(ctx, tx, t)
		if err != nil {
			return err
		}
		if !applied {
			return domain.Reject(domain.ReasonInvalidTransition, "reservation changed concurrently")
		}
		out = *res
		out.Status = domain.StatusCancelled
		out.HoldExpiresAt = nil
		out.UpdatedAt = t.At
		return nil
	})
	if err != nil {
		s.logOutcome("booking.Cancel", reservationID, err)
		return nil, err
	}

	if s.auditor != nil {
		if err := s.auditor.LogTransition(ctx, t); err != nil {
			s.logger.WithField("reservation_id", reservationID).WithError(err).Warn("audit log write failed")
		}
	}
	return &out, nil
}

func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	return s.store.GetReservation(ctx, id)
}

func (s *Service) GetTimeSlot(ctx context.Context, id uuid.UUID, includeHeld bool) (*domain.TimeSlot, error) {
	return s.store.GetTimeSlot(ctx, id, includeHeld)
}

// SetTimeSlotStatus opens or closes a slot for new bookings. Existing
// reservations are untouched. A caller who does not own the experience gets
// ErrNotFound.
func (s *Service) SetTimeSlotStatus(ctx context.Context, slotID, hostID uuid.UUID, status domain.SlotStatus) (*domain.TimeSlot, error) {
	ctx, span := observability.StartSpan(ctx, "booking.SetTimeSlotStatus")
	defer span.End()
	span.SetAttributes(attribute.String("time_slot_id", slotID.String()), attribute.String("status", string(status)))

	if status != domain.SlotAvailable && status != domain.SlotUnavailable {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown slot status %q", status)
	}
	if s.hosts != nil {
		slot, err := s.store.GetTimeSlot(ctx, slotID, false)
		if err != nil {
			return nil, err
		}
		owner, err := s.hosts.HostOf(ctx, slot.ExperienceID)
		if err != nil {
			return nil, err
		}
		if owner != hostID {
			return nil, errors.Wrapf(domain.ErrNotFound, "time slot %s", slotID)
		}
	}

	if err := s.store.SetTimeSlotStatus(ctx, slotID, status); err != nil {
		s.logOutcome("booking.SetTimeSlotStatus", slotID, err)
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{"time_slot_id": slotID, "status": status}).Info("time slot status changed")
	return s.store.GetTimeSlot(ctx, slotID, false)
}

func (s *Service) ListTimeSlots(ctx context.Context, experienceID uuid.UUID, from, to time.Time, includeHeld bool) ([]domain.TimeSlot, error) {
	if !to.After(from) {
		return nil, errors.Wrap(domain.ErrInvalidInput, "empty time range")
	}
	return s.store.ListTimeSlots(ctx, experienceID, from, to, includeHeld)
}

func (s *Service) logOutcome(op string, id uuid.UUID, err error) {
	log := s.logger.WithFields(map[string]interface{}{"op": op, "id": id})
	if rej, ok := domain.AsRejection(err); ok {
		log.WithField("reason", rej.Reason).Info("request rejected")
		return
	}
	if domain.IsTransient(err) {
		log.WithError(err).Warn("transient failure, retries exhausted")
		return
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput) {
		return
	}
	log.WithError(err).Error("booking failed")
}

func validateRequest(slotID, userID uuid.UUID, guests int) error {
	switch {
	case slotID == uuid.Nil:
		return errors.Wrap(domain.ErrInvalidInput, "time slot id is required")
	case userID == uuid.Nil:
		return errors.Wrap(domain.ErrInvalidInput, "user id is required")
	case guests <= 0:
		return errors.Wrap(domain.ErrInvalidInput, "number of guests must be positive")
	}
	return nil
}
