// Package cleanup reclaims capacity held by abandoned reservations.
//
// A pass runs three independent sweeps. Each reservation is handled on its
// own: a failure is counted and logged and the sweep moves on. Every
// transition is conditional on the reservation still being in the swept
// status, so overlapping passes from several instances cannot double-apply.
package cleanup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

const (
	SweepOrphaned    = "orphaned_pending"
	SweepStale       = "stale_pending"
	SweepExpiredHold = "expired_holds"

	ReasonPaymentSetupFailed = "Payment setup failed"
	ReasonPaymentTimedOut    = "Payment timed out"
	ReasonHoldExpired        = "Hold expired"

	leaseKey = "bookings:cleanup:lease"
)

type Store interface {
	FindOrphanedPending(ctx context.Context, createdBefore time.Time, after domain.SweepCursor, limit int) ([]domain.Reservation, error)
	FindStalePending(ctx context.Context, createdBefore time.Time, after domain.SweepCursor, limit int) ([]domain.Reservation, error)
	FindExpiredHolds(ctx context.Context, now time.Time, after domain.SweepCursor, limit int) ([]domain.Reservation, error)
	TransitionReservation(ctx context.Context, t domain.Transition) (bool, error)
}

// PaymentCanceller asks the payment provider to void a transaction.
type PaymentCanceller interface {
	CancelPayment(ctx context.Context, reservationID uuid.UUID, transactionID string) error
}

type Auditor interface {
	LogTransition(ctx context.Context, t domain.Transition) error
}

// Lease guards against overlapping passes. A token identifies the holder so
// only it can release the lease.
type Lease interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

type Config struct {
	OrphanGrace       time.Duration
	StalePendingGrace time.Duration
	BatchSize         int
	LeaseTTL          time.Duration
}

type SweepResult struct {
	Name           string `json:"name"`
	Processed      int    `json:"processed"`
	Released       int    `json:"released"`
	Errors         int    `json:"errors"`
	ProviderErrors int    `json:"provider_errors,omitempty"`
}

type Report struct {
	Skipped      bool          `json:"skipped"`
	Orphaned     SweepResult   `json:"orphaned"`
	Stale        SweepResult   `json:"stale"`
	ExpiredHolds SweepResult   `json:"expired_holds"`
	Duration     time.Duration `json:"duration"`
}

type Scheduler struct {
	store     Store
	canceller PaymentCanceller
	auditor   Auditor
	lease     Lease
	logger    observability.Logger
	cfg       Config
	now       func() time.Time
}

type Option func(*Scheduler)

func WithPaymentCanceller(c PaymentCanceller) Option {
	return func(s *Scheduler) { s.canceller = c }
}

func WithAuditor(a Auditor) Option {
	return func(s *Scheduler) { s.auditor = a }
}

func WithLease(l Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(store Store, logger observability.Logger, cfg Config, opts ...Option) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	s := &Scheduler{
		store:  store,
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.WithError(err).Error("cleanup pass failed")
			}
		}
	}
}

// RunOnce performs one pass. When another instance holds the lease it
// returns a report with Skipped set. An unreachable lease store does not
// block the pass.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := observability.StartSpan(ctx, "cleanup.RunOnce")
	defer span.End()

	start := time.Now()
	if s.lease != nil {
		token, ok, err := s.lease.TryAcquire(ctx, leaseKey, s.cfg.LeaseTTL)
		switch {
		case err != nil:
			s.logger.WithError(err).Warn("cleanup lease unavailable, running pass without it")
		case !ok:
			s.logger.Debug("cleanup lease held elsewhere, skipping pass")
			return Report{Skipped: true}, nil
		default:
			defer func() {
				if err := s.lease.Release(context.WithoutCancel(ctx), leaseKey, token); err != nil {
					s.logger.WithError(err).Warn("cleanup lease release failed")
				}
			}()
		}
	}

	now := s.now()
	var report Report
	var g errgroup.Group
	g.Go(func() error {
		report.Orphaned = s.sweepOrphaned(ctx, now)
		return nil
	})
	g.Go(func() error {
		report.Stale = s.sweepStale(ctx, now)
		return nil
	})
	g.Go(func() error {
		report.ExpiredHolds = s.sweepExpiredHolds(ctx, now)
		return nil
	})
	_ = g.Wait()

	report.Duration = time.Since(start)
	observability.CleanupRunDuration.Observe(report.Duration.Seconds())
	s.logger.WithFields(map[string]interface{}{
		"orphaned":      report.Orphaned.Released,
		"stale":         report.Stale.Released,
		"expired_holds": report.ExpiredHolds.Released,
		"errors":        report.Orphaned.Errors + report.Stale.Errors + report.ExpiredHolds.Errors,
	}).Info("cleanup pass finished")
	return report, nil
}

type finder func(ctx context.Context, after domain.SweepCursor, limit int) ([]domain.Reservation, error)

// sweep pages through every candidate with a keyset cursor. Rows that fail
// to transition stay behind the cursor, so a pass always terminates.
func (s *Scheduler) sweep(ctx context.Context, result *SweepResult, find finder, key func(domain.Reservation) time.Time, handle func(domain.Reservation)) {
	var cursor domain.SweepCursor
	for {
		if ctx.Err() != nil {
			return
		}
		found, err := find(ctx, cursor, s.cfg.BatchSize)
		if err != nil {
			s.findFailed(result, err)
			return
		}
		for _, res := range found {
			handle(res)
		}
		if len(found) < s.cfg.BatchSize {
			return
		}
		last := found[len(found)-1]
		cursor = domain.SweepCursor{At: key(last), ID: last.ID}
	}
}

func createdAt(r domain.Reservation) time.Time { return r.CreatedAt }

func holdExpiresAt(r domain.Reservation) time.Time {
	if r.HoldExpiresAt == nil {
		return time.Time{}
	}
	return *r.HoldExpiresAt
}

func (s *Scheduler) sweepOrphaned(ctx context.Context, now time.Time) SweepResult {
	result := SweepResult{Name: SweepOrphaned}
	before := now.Add(-s.cfg.OrphanGrace)
	s.sweep(ctx, &result, func(ctx context.Context, after domain.SweepCursor, limit int) ([]domain.Reservation, error) {
		return s.store.FindOrphanedPending(ctx, before, after, limit)
	}, createdAt, func(res domain.Reservation) {
		s.release(ctx, &result, res, domain.StatusCancelled, ReasonPaymentSetupFailed, now)
	})
	return result
}

// sweepStale voids the provider transaction before cancelling. A provider
// failure is counted but the reservation is cancelled regardless so its
// capacity is reclaimed.
func (s *Scheduler) sweepStale(ctx context.Context, now time.Time) SweepResult {
	result := SweepResult{Name: SweepStale}
	before := now.Add(-s.cfg.StalePendingGrace)
	s.sweep(ctx, &result, func(ctx context.Context, after domain.SweepCursor, limit int) ([]domain.Reservation, error) {
		return s.store.FindStalePending(ctx, before, after, limit)
	}, createdAt, func(res domain.Reservation) {
		if s.canceller != nil && res.HasPaymentTransaction() {
			if err := s.canceller.CancelPayment(ctx, res.ID, *res.PaymentTransactionID); err != nil {
				result.ProviderErrors++
				observability.CleanupReservations.WithLabelValues(SweepStale, "provider_error").Inc()
				s.logger.WithFields(map[string]interface{}{
					"reservation_id": res.ID,
					"transaction_id": *res.PaymentTransactionID,
				}).WithError(err).Warn("payment cancel failed")
			}
		}
		s.release(ctx, &result, res, domain.StatusCancelled, ReasonPaymentTimedOut, now)
	})
	return result
}

func (s *Scheduler) sweepExpiredHolds(ctx context.Context, now time.Time) SweepResult {
	result := SweepResult{Name: SweepExpiredHold}
	s.sweep(ctx, &result, func(ctx context.Context, after domain.SweepCursor, limit int) ([]domain.Reservation, error) {
		return s.store.FindExpiredHolds(ctx, now, after, limit)
	}, holdExpiresAt, func(res domain.Reservation) {
		s.release(ctx, &result, res, domain.StatusExpired, ReasonHoldExpired, now)
	})
	return result
}

func (s *Scheduler) release(ctx context.Context, result *SweepResult, res domain.Reservation, to domain.ReservationStatus, reason string, now time.Time) {
	result.Processed++
	log := s.logger.WithFields(map[string]interface{}{
		"sweep":          result.Name,
		"reservation_id": res.ID,
		"time_slot_id":   res.TimeSlotID,
	})

	t := domain.Transition{
		ReservationID: res.ID,
		TimeSlotID:    res.TimeSlotID,
		UserID:        res.UserID,
		From:          res.Status,
		To:            to,
		Reason:        reason,
		Actor:         domain.ActorSystem,
		At:            now,
	}
	applied, err := s.store.TransitionReservation(ctx, t)
	if err != nil {
		result.Errors++
		observability.CleanupReservations.WithLabelValues(result.Name, "error").Inc()
		log.WithError(err).Error("cleanup transition failed")
		return
	}
	if !applied {
		observability.CleanupReservations.WithLabelValues(result.Name, "skipped").Inc()
		log.Debug("reservation already moved on")
		return
	}

	result.Released++
	observability.CleanupReservations.WithLabelValues(result.Name, "released").Inc()
	if s.auditor != nil {
		if err := s.auditor.LogTransition(ctx, t); err != nil {
			log.WithError(err).Warn("audit log write failed")
		}
	}
}

func (s *Scheduler) findFailed(result *SweepResult, err error) {
	result.Errors++
	observability.CleanupReservations.WithLabelValues(result.Name, "error").Inc()
	s.logger.WithField("sweep", result.Name).WithError(err).Error("cleanup query failed")
}
