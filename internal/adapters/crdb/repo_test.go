package crdb_test

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/robertarktes/experience-bookings/internal/adapters/crdb"
	"github.com/robertarktes/experience-bookings/internal/availability"
	"github.com/robertarktes/experience-bookings/internal/booking"
	"github.com/robertarktes/experience-bookings/internal/cleanup"
	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

var testPool *pgxpool.Pool

// TestMain starts one single-node CockroachDB for the package. Run with
// -short to skip.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		log.Printf("cockroach container unavailable, skipping: %v", err)
		os.Exit(m.Run())
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "26257")
	if err != nil {
		log.Fatal(err)
	}
	testPool, err = pgxpool.New(ctx, fmt.Sprintf("postgresql://root@%s:%s/defaultdb?sslmode=disable", host, port.Port()))
	if err != nil {
		log.Fatal(err)
	}
	if err := crdb.NewRepository(testPool).Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	code := m.Run()
	testPool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newRepo(t *testing.T) *crdb.Repository {
	t.Helper()
	if testPool == nil {
		t.Skip("cockroach not available")
	}
	return crdb.NewRepository(testPool,
		crdb.WithLockTimeout(5*time.Second),
		crdb.WithRetries(10, 10*time.Millisecond),
	)
}

// newSlot generates a single slot with the given capacity on a fresh experience.
func newSlot(t *testing.T, repo *crdb.Repository, capacity int) domain.TimeSlot {
	t.Helper()
	ctx := context.Background()
	rule := domain.AvailabilityRule{
		ID:           uuid.New(),
		ExperienceID: uuid.New(),
		StartDate:    time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC),
		Times:        []string{"10:00"},
		MaxCapacity:  capacity,
		Timezone:     "UTC",
	}
	slots, err := availability.Generate(rule, 1)
	require.NoError(t, err)
	require.NoError(t, repo.InsertAvailabilityRule(ctx, rule))
	n, err := repo.InsertTimeSlots(ctx, slots)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return slots[0]
}

func newService(repo *crdb.Repository) *booking.Service {
	return booking.NewService(repo, observability.NewNopLogger(), 10*time.Minute)
}

func rejectionReason(t *testing.T, err error) domain.RejectReason {
	t.Helper()
	rej, ok := domain.AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	return rej.Reason
}

func TestCapacity_ExactFitThenReject(t *testing.T) {
	repo := newRepo(t)
	svc := newService(repo)
	ctx := context.Background()
	slot := newSlot(t, repo, 10)

	_, err := svc.Reserve(ctx, slot.ID, uuid.New(), 7)
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, slot.ID, uuid.New(), 3)
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, slot.ID, uuid.New(), 1)
	assert.Equal(t, domain.ReasonNotEnoughCapacity, rejectionReason(t, err))

	got, err := repo.GetTimeSlot(ctx, slot.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 10, got.BookedCount)
	assert.Zero(t, got.Remaining())
}

func TestCapacity_UnavailableAndMissing(t *testing.T) {
	repo := newRepo(t)
	svc := newService(repo)
	ctx := context.Background()
	slot := newSlot(t, repo, 4)

	require.NoError(t, repo.SetTimeSlotStatus(ctx, slot.ID, domain.SlotUnavailable))
	_, err := svc.Reserve(ctx, slot.ID, uuid.New(), 1)
	assert.Equal(t, domain.ReasonTimeSlotNotAvailable, rejectionReason(t, err))

	_, err = svc.Reserve(ctx, uuid.New(), uuid.New(), 1)
	assert.Equal(t, domain.ReasonTimeSlotNotFound, rejectionReason(t, err))

	assert.True(t, errors.Is(repo.SetTimeSlotStatus(ctx, uuid.New(), domain.SlotAvailable), domain.ErrNotFound))
}

func TestCapacity_ConcurrentRequestsNeverOversell(t *testing.T) {
	repo := newRepo(t)
	svc := newService(repo)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for round := 0; round < 3; round++ {
		const capacity = 10
		slot := newSlot(t, repo, capacity)

		attempts := 10 + rng.Intn(15)
		guests := make([]int, attempts)
		for i := range guests {
			guests[i] = 1 + rng.Intn(4)
		}

		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			booked     int
			rejected   []int
			transients int
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := svc.Reserve(ctx, slot.ID, uuid.New(), n)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					booked += n
				case domain.IsTransient(err):
					transients++
				default:
					rej, ok := domain.AsRejection(err)
					if assert.True(t, ok, "unexpected error %v", err) {
						assert.Equal(t, domain.ReasonNotEnoughCapacity, rej.Reason)
					}
					rejected = append(rejected, n)
				}
			}(guests[i])
		}
		wg.Wait()

		assert.LessOrEqual(t, booked, capacity, "round %d guests %v", round, guests)
		got, err := repo.GetTimeSlot(ctx, slot.ID, true)
		require.NoError(t, err)
		assert.Equal(t, booked, got.BookedCount)

		// Remaining capacity only shrinks, so every rejected request must
		// still not fit at the end.
		for _, n := range rejected {
			assert.Greater(t, n, capacity-booked, "round %d guests %v", round, guests)
		}
	}
}

func TestCapacity_LockWaitBeyondBoundIsTransient(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	slot := newSlot(t, repo, 5)

	blocker, err := testPool.Begin(ctx)
	require.NoError(t, err)
	defer blocker.Rollback(ctx)
	_, err = blocker.Exec(ctx, `SELECT id FROM time_slots WHERE id = $1 FOR UPDATE`, slot.ID)
	require.NoError(t, err)

	impatient := crdb.NewRepository(testPool,
		crdb.WithLockTimeout(100*time.Millisecond),
		crdb.WithRetries(1, 10*time.Millisecond),
	)
	start := time.Now()
	_, err = newService(impatient).Reserve(ctx, slot.ID, uuid.New(), 1)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second, "lock wait is bounded")

	require.NoError(t, blocker.Rollback(ctx))
	_, err = newService(impatient).Reserve(ctx, slot.ID, uuid.New(), 1)
	assert.NoError(t, err, "slot is bookable once the lock is released")
}

func TestWithTx_RetriesTransientFailuresBoundedly(t *testing.T) {
	if testPool == nil {
		t.Skip("cockroach not available")
	}
	repo := crdb.NewRepository(testPool, crdb.WithRetries(2, time.Millisecond))
	ctx := context.Background()

	calls := 0
	err := repo.WithTx(ctx, func(tx pgx.Tx) error {
		calls++
		return &pgconn.PgError{Code: crdb.SerializationFailureCode, Message: "restart transaction"}
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSerializationFailure))
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, 3, calls, "first attempt plus two retries")

	calls = 0
	err = repo.WithTx(ctx, func(tx pgx.Tx) error {
		calls++
		return domain.ErrInvalidInput
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	assert.Equal(t, 1, calls, "non-transient errors are not retried")

	calls = 0
	err = repo.WithTx(ctx, func(tx pgx.Tx) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: crdb.LockNotAvailableCode}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCapacity_HeldCountsOnlyForHolds(t *testing.T) {
	repo := newRepo(t)
	svc := newService(repo)
	ctx := context.Background()
	slot := newSlot(t, repo, 4)

	_, err := svc.Hold(ctx, slot.ID, uuid.New(), 3)
	require.NoError(t, err)

	// Direct reservations ignore unconfirmed holds.
	_, err = svc.Reserve(ctx, slot.ID, uuid.New(), 2)
	require.NoError(t, err)

	_, err = svc.Hold(ctx, slot.ID, uuid.New(), 1)
	assert.Equal(t, domain.ReasonNotEnoughCapacity, rejectionReason(t, err))

	withHeld, err := repo.GetTimeSlot(ctx, slot.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 5, withHeld.BookedCount)
	withoutHeld, err := repo.GetTimeSlot(ctx, slot.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, withoutHeld.BookedCount)
}

func TestCapacity_ExpiredHoldsStopBlockingBeforeSweep(t *testing.T) {
	repo := newRepo(t)
	svc := newService(repo)
	ctx := context.Background()
	slot := newSlot(t, repo, 4)

	lapsed := domain.NewHold(slot.ID, uuid.New(), 3, time.Minute, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, repo.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.InsertReservation(ctx, tx, lapsed)
	}))

	_, err := svc.Hold(ctx, slot.ID, uuid.New(), 4)
	require.NoError(t, err)

	got, err := repo.GetReservation(ctx, lapsed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHeld, got.Status, "the row itself waits for the sweep")
}

func TestTransition_IsConditionalAndWritesOutbox(t *testing.T) {
	repo := newRepo(t)
	svc := newService(repo)
	ctx := context.Background()
	slot := newSlot(t, repo, 2)

	res, err := svc.Reserve(ctx, slot.ID, uuid.New(), 1)
	require.NoError(t, err)

	cancel := domain.Transition{ReservationID: res.ID, From: domain.StatusPending, To: domain.StatusCancelled, Actor: domain.ActorSystem}
	applied, err := repo.TransitionReservation(ctx, cancel)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.TransitionReservation(ctx, cancel)
	require.NoError(t, err)
	assert.False(t, applied, "second transition from pending finds nothing")

	_, err = repo.TransitionReservation(ctx, domain.Transition{ReservationID: res.ID, From: domain.StatusCancelled, To: domain.StatusConfirmed})
	assert.Equal(t, domain.ReasonInvalidTransition, rejectionReason(t, err))

	var events int
	require.NoError(t, repo.Pool().QueryRow(ctx,
		`SELECT count(*) FROM outbox WHERE aggregate_id = $1`, res.ID).Scan(&events))
	assert.Equal(t, 2, events, "reservation.pending and reservation.cancelled")
}

func TestOutbox_ClaimAndMarkPublished(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, repo.WithTx(ctx, func(tx pgx.Tx) error {
		rec := crdb.OutboxRecord{ID: id, AggregateType: "reservation", AggregateID: uuid.New(),
			EventType: "reservation.held", Payload: []byte(`{}`), DedupeKey: id.String() + ":held"}
		if err := repo.InsertOutbox(ctx, tx, rec); err != nil {
			return err
		}
		rec.ID = uuid.New()
		return repo.InsertOutbox(ctx, tx, rec)
	}))

	var claimed bool
	require.NoError(t, repo.WithTx(ctx, func(tx pgx.Tx) error {
		records, err := repo.ClaimOutbox(ctx, tx, 1000)
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.ID == id {
				claimed = true
				return repo.MarkPublished(ctx, tx, r.ID, time.Now())
			}
		}
		return nil
	}))
	assert.True(t, claimed)

	var status string
	var count int
	require.NoError(t, repo.Pool().QueryRow(ctx,
		`SELECT status, count(*) OVER () FROM outbox WHERE dedupe_key = $1`, id.String()+":held").Scan(&status, &count))
	assert.Equal(t, "PUBLISHED", status)
	assert.Equal(t, 1, count, "duplicate dedupe key is ignored")
}

func TestCleanup_SweepsReleaseAbandonedReservations(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	slot := newSlot(t, repo, 10)
	old := time.Now().UTC().Add(-2 * time.Hour)

	orphan := domain.NewPendingReservation(slot.ID, uuid.New(), 1, old)
	stale := domain.NewPendingReservation(slot.ID, uuid.New(), 2, old)
	txID := "pi_stale"
	stale.PaymentTransactionID = &txID
	hold := domain.NewHold(slot.ID, uuid.New(), 3, time.Minute, old)
	fresh := domain.NewPendingReservation(slot.ID, uuid.New(), 1, time.Now().UTC())

	require.NoError(t, repo.WithTx(ctx, func(tx pgx.Tx) error {
		for _, res := range []domain.Reservation{orphan, stale, hold, fresh} {
			if err := repo.InsertReservation(ctx, tx, res); err != nil {
				return err
			}
		}
		return nil
	}))

	scheduler := cleanup.NewScheduler(repo, observability.NewNopLogger(), cleanup.Config{
		OrphanGrace:       10 * time.Minute,
		StalePendingGrace: 45 * time.Minute,
		BatchSize:         2,
	})
	report, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Orphaned.Released, 1)
	assert.GreaterOrEqual(t, report.Stale.Released, 1)
	assert.GreaterOrEqual(t, report.ExpiredHolds.Released, 1)

	want := map[uuid.UUID]domain.ReservationStatus{
		orphan.ID: domain.StatusCancelled,
		stale.ID:  domain.StatusCancelled,
		hold.ID:   domain.StatusExpired,
		fresh.ID:  domain.StatusPending,
	}
	for id, status := range want {
		got, err := repo.GetReservation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status, id.String())
	}

	slotNow, err := repo.GetTimeSlot(ctx, slot.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, slotNow.BookedCount)
}

func TestWebhookLedger(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	evt := domain.WebhookEvent{ExternalID: "evt_" + uuid.NewString(), Provider: "payments", Type: "payment.succeeded", Payload: []byte(`{}`)}

	record := func() bool {
		var isNew bool
		require.NoError(t, repo.WithTx(ctx, func(tx pgx.Tx) error {
			var err error
			isNew, err = repo.RecordWebhookIfNew(ctx, tx, evt)
			if err != nil || !isNew {
				return err
			}
			return repo.MarkWebhookProcessed(ctx, tx, evt.ExternalID, 5*time.Millisecond)
		}))
		return isNew
	}
	assert.True(t, record())
	assert.False(t, record(), "processed events are not applied again")

	failing := domain.WebhookEvent{ExternalID: "evt_" + uuid.NewString(), Provider: "payments", Type: "payment.failed", Payload: []byte(`{}`)}
	require.NoError(t, repo.MarkWebhookFailed(ctx, failing, time.Millisecond, "db down", "TRANSIENT"))
	require.NoError(t, repo.MarkWebhookFailed(ctx, failing, time.Millisecond, "db down", "TRANSIENT"))

	stored, err := repo.GetWebhookEvent(ctx, failing.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookFailed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, "TRANSIENT", stored.ErrorCode)

	require.NoError(t, repo.WithTx(ctx, func(tx pgx.Tx) error {
		isNew, err := repo.RecordWebhookIfNew(ctx, tx, failing)
		assert.True(t, isNew, "failed events are reprocessed")
		return err
	}))
}

func TestInsertTimeSlots_Idempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	rule := domain.AvailabilityRule{
		ID:           uuid.New(),
		ExperienceID: uuid.New(),
		StartDate:    time.Date(2030, 7, 1, 0, 0, 0, 0, time.UTC),
		DaysOfWeek:   []time.Weekday{time.Monday, time.Thursday},
		Times:        []string{"09:00", "15:30"},
		MaxCapacity:  6,
		Timezone:     "Europe/Rome",
	}
	expander := availability.NewExpander(repo, observability.NewNopLogger())

	created, err := expander.Expand(ctx, rule, 1)
	require.NoError(t, err)
	require.Positive(t, created)

	again, err := expander.Expand(ctx, rule, 1)
	require.NoError(t, err)
	assert.Zero(t, again)

	existing, err := repo.ExistingSlotTimes(ctx, rule.ID)
	require.NoError(t, err)
	assert.Len(t, existing, created)

	slots, err := repo.ListTimeSlots(ctx, rule.ExperienceID, rule.StartDate, rule.StartDate.AddDate(0, 2, 0), false)
	require.NoError(t, err)
	assert.Len(t, slots, created)
	for i := 1; i < len(slots); i++ {
		assert.True(t, slots[i-1].SlotDateTime.Before(slots[i].SlotDateTime))
	}
}
